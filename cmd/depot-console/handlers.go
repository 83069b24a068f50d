package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"

	"depot/internal/ui"
)

const downloadLinkExpiry = 15 * time.Minute

type Server struct {
	client *minio.Client
	core   *minio.Core
}

func NewServer(client *minio.Client) *Server {
	return &Server{client: client, core: &minio.Core{Client: client}}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.Home)
	mux.HandleFunc("GET /bucket/{bucket}/{key...}", s.BucketContents)
	mux.HandleFunc("POST /buckets", s.CreateBucket)
	mux.HandleFunc("POST /bucket/{bucket}/uploads/abort", s.AbortUpload)
	return mux
}

func isHTMX(r *http.Request) bool {
	return r.Header.Get("HX-Request") == "true"
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	if isHTMX(r) {
		w.WriteHeader(http.StatusBadRequest)
		_ = ui.ErrorMessage(msg).Render(r.Context(), w)
		return
	}
	http.Error(w, msg, status)
}

func (s *Server) listBuckets(ctx context.Context) ([]ui.Bucket, error) {
	buckets, err := s.client.ListBuckets(ctx)
	if err != nil {
		return nil, err
	}

	uiBuckets := make([]ui.Bucket, 0, len(buckets))
	for _, b := range buckets {
		uiBuckets = append(uiBuckets, ui.Bucket{
			Name:         b.Name,
			CreationDate: b.CreationDate,
		})
	}
	return uiBuckets, nil
}

func (s *Server) Home(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	buckets, err := s.listBuckets(ctx)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to list buckets: %v", err), http.StatusInternalServerError)
		return
	}

	if err := ui.BucketsPage(buckets).Render(ctx, w); err != nil {
		http.Error(w, fmt.Sprintf("failed to render buckets page: %v", err), http.StatusInternalServerError)
		return
	}
}

func (s *Server) BucketContents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucket := r.PathValue("bucket")
	if bucket == "" {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	prefix := r.PathValue("key")

	// Always fetch all buckets so the sidebar can be rendered.
	buckets, err := s.listBuckets(ctx)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to list buckets: %v", err), http.StatusInternalServerError)
		return
	}

	opts := minio.ListObjectsOptions{
		Recursive: false,
		Prefix:    prefix,
	}

	objects := make([]ui.Object, 0, 64)
	for obj := range s.client.ListObjects(ctx, bucket, opts) {
		if obj.Err != nil {
			if minio.ToErrorResponse(obj.Err).Code == "NoSuchBucket" {
				http.NotFound(w, r)
				return
			}
			// Log and skip errors for individual objects.
			slog.Error("ListObjects error", "bucket", bucket, "err", obj.Err)
			continue
		}

		entry := ui.Object{
			Key:          obj.Key,
			Size:         obj.Size,
			LastModified: obj.LastModified,
			ETag:         obj.ETag,
		}

		// Common prefixes come back without a modification time.
		if !obj.LastModified.IsZero() {
			u, err := s.client.PresignedGetObject(ctx, bucket, obj.Key, downloadLinkExpiry, nil)
			if err != nil {
				slog.Warn("Failed to presign download link", "bucket", bucket, "key", obj.Key, "err", err)
			} else {
				entry.DownloadURL = u.String()
			}
		}

		objects = append(objects, entry)
	}

	uploads := make([]ui.Upload, 0)
	for u := range s.client.ListIncompleteUploads(ctx, bucket, prefix, true) {
		if u.Err != nil {
			slog.Error("ListIncompleteUploads error", "bucket", bucket, "err", u.Err)
			break
		}
		uploads = append(uploads, ui.Upload{
			Key:       u.Key,
			UploadID:  u.UploadID,
			Initiated: u.Initiated,
			Size:      u.Size,
		})
	}

	if err := ui.ObjectsPage(buckets, bucket, prefix, objects, uploads).Render(ctx, w); err != nil {
		http.Error(w, fmt.Sprintf("failed to render objects page: %v", err), http.StatusInternalServerError)
		return
	}
}

func (s *Server) CreateBucket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		http.Error(w, fmt.Sprintf("failed to parse form: %v", err), http.StatusBadRequest)
		return
	}

	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" {
		s.writeError(w, r, http.StatusBadRequest, "bucket name is required")
		return
	}

	if err := s.client.MakeBucket(ctx, name, minio.MakeBucketOptions{}); err != nil {
		slog.Error("Failed to create bucket", "bucket", name, "err", err)
		s.writeError(w, r, http.StatusInternalServerError, fmt.Sprintf("failed to create bucket: %v", err))
		return
	}

	slog.Info("Created bucket", "bucket", name)

	redirectURL := "/bucket/" + url.PathEscape(name) + "/"
	if isHTMX(r) {
		w.Header().Set("HX-Redirect", redirectURL)
		w.WriteHeader(http.StatusSeeOther)
		return
	}

	http.Redirect(w, r, redirectURL, http.StatusSeeOther)
}

func (s *Server) AbortUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucket := r.PathValue("bucket")
	if err := r.ParseForm(); err != nil {
		http.Error(w, fmt.Sprintf("failed to parse form: %v", err), http.StatusBadRequest)
		return
	}

	key := r.FormValue("key")
	uploadID := r.FormValue("upload_id")
	if key == "" || uploadID == "" {
		s.writeError(w, r, http.StatusBadRequest, "key and upload_id are required")
		return
	}

	if err := s.core.AbortMultipartUpload(ctx, bucket, key, uploadID); err != nil {
		slog.Error("Failed to abort upload", "bucket", bucket, "key", key, "upload_id", uploadID, "err", err)
		s.writeError(w, r, http.StatusInternalServerError, fmt.Sprintf("failed to abort upload: %v", err))
		return
	}

	slog.Info("Aborted multipart upload", "bucket", bucket, "key", key, "upload_id", uploadID)
	http.Redirect(w, r, "/bucket/"+url.PathEscape(bucket)+"/", http.StatusSeeOther)
}
