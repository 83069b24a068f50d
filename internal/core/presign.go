package core

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"depot/internal/auth"
)

type presignError struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Encode JSON response", "err", err)
	}
}

// handlePresign implements GET /?presign&bucket=B&key=K&method=M&expires=N,
// returning a URL signed with the caller's own credentials.
func (s *Server) handlePresign(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	bucket := q.Get("bucket")
	key := q.Get("key")
	if bucket == "" || key == "" {
		writeJSON(w, http.StatusBadRequest, presignError{Error: "bucket and key are required"})
		return
	}

	method := strings.ToUpper(q.Get("method"))
	if method == "" {
		method = http.MethodGet
	}
	switch method {
	case http.MethodGet, http.MethodPut, http.MethodDelete:
	default:
		writeJSON(w, http.StatusBadRequest, presignError{Error: "method must be GET, PUT or DELETE"})
		return
	}

	expires := int64(auth.DefaultPresignExpiry)
	if raw := q.Get("expires"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, presignError{Error: "expires must be an integer number of seconds"})
			return
		}
		expires = v
	}
	if err := auth.ValidateExpiry(expires); err != nil {
		writeJSON(w, http.StatusBadRequest, presignError{Error: err.Error()})
		return
	}

	user := currentUser(ctx)

	// Buckets owned by someone else are indistinguishable from missing ones.
	b, err := s.lookupBucket(ctx, bucket)
	if err != nil || b.OwnerID != user.ID {
		writeJSON(w, http.StatusNotFound, presignError{Error: "bucket not found"})
		return
	}

	cred, err := s.Credentials.LookupCredential(ctx, user.AccessKeyID)
	if err != nil {
		slog.Warn("Presign credential lookup", "user", user.Username, "err", err)
		writeJSON(w, http.StatusForbidden, presignError{Error: "no signing credentials for caller"})
		return
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	lifetime := time.Duration(expires) * time.Second
	signed, err := s.presigner.Generate(auth.PresignRequest{
		Method:    method,
		Endpoint:  scheme + "://" + r.Host,
		Bucket:    bucket,
		Key:       key,
		AccessKey: cred.AccessKey,
		SecretKey: cred.SecretKey,
		Expires:   lifetime,
	})
	if err != nil {
		slog.Error("Generate presigned URL", "bucket", bucket, "key", key, "err", err)
		writeJSON(w, http.StatusInternalServerError, presignError{Error: "could not sign URL"})
		return
	}

	writeJSON(w, http.StatusOK, PresignResponse{
		URL:     signed,
		Expires: s.Config.Now().Add(lifetime).Unix(),
	})
}
