package core

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"depot/internal/auth"
	"depot/internal/cache"
	"depot/internal/gc"
	"depot/internal/metadata"
	"depot/internal/multipart"
	"depot/internal/storage"
	"depot/internal/tasks"
)

const (
	metadataFile = "metadata.sqlite"
	objectsDir   = "objects"

	timestampFormat = "2006-01-02T15:04:05.000Z"
)

// Server provides an S3-compatible HTTP API over a blob store and a SQLite
// metadata store.
type Server struct {
	Config      Config
	Meta        *metadata.Store
	Blobs       *storage.BlobStore
	Uploads     *multipart.Engine
	Credentials *cache.CachedCredentials
	Collector   *gc.Collector

	presigner *auth.Presigner
	buckets   *cache.TTLCache[metadata.Bucket]
}

// NewServer opens the metadata database and blob store under cfg.DataDir
// and returns a new Server.
func NewServer(ctx context.Context, cfg Config) (*Server, error) {

	if cfg.DataDir == "" {
		return nil, errors.New("DataDir must not be empty")
	}

	cfg = cfg.withDefaults()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	meta, err := metadata.Open(ctx, filepath.Join(cfg.DataDir, metadataFile),
		metadata.WithRootCredentials(cfg.RootAccessKey, cfg.RootSecretKey),
		metadata.WithClock(cfg.Now),
	)
	if err != nil {
		return nil, err
	}

	blobs, err := storage.NewBlobStore(filepath.Join(cfg.DataDir, objectsDir),
		storage.WithLockTimeout(cfg.LockTimeout),
		storage.WithPollInterval(cfg.LockPollInterval),
	)
	if err != nil {
		_ = meta.Close()
		return nil, err
	}

	cacheSize := cache.DefaultSize
	if cfg.CacheDisabled {
		cacheSize = 0
	}

	presigner := auth.NewPresigner()
	presigner.Now = cfg.Now

	credentials := cache.NewCachedCredentials(meta, cacheSize)

	if cfg.Authenticator == nil {
		cfg.Authenticator = auth.NewCompoundAuthEngine(
			auth.NewPresignAuthEngine(credentials, presigner),
			auth.NewAwsHmacAuthEngine(credentials),
			auth.NewLegacyAuthEngine(credentials, !cfg.SkipLegacySignatureCheck),
			auth.NewBasicAuthEngine(credentials),
		)
	}

	uploads := multipart.NewEngine(meta, blobs, multipart.WithPartSizeLimits(cfg.MinPartSize, cfg.MaxPartSize))

	collector := gc.NewCollector(blobs, meta, uploads,
		gc.WithInterval(cfg.GCInterval),
		gc.WithUploadTTL(cfg.UploadTTL),
		gc.WithClock(cfg.Now),
	)

	return &Server{
		Config:      cfg,
		Meta:        meta,
		Blobs:       blobs,
		Uploads:     uploads,
		Credentials: credentials,
		Collector:   collector,
		presigner:   presigner,
		buckets:     cache.New[metadata.Bucket](cacheSize, cache.BucketTTL),
	}, nil
}

// Close closes any resources held by the Server.
func (s *Server) Close() error {
	return s.Meta.Close()
}

// Tasks returns the periodic background jobs the server needs.
func (s *Server) Tasks() []tasks.Task {
	return []tasks.Task{s.Collector}
}

func (s *Server) lookupBucket(ctx context.Context, name string) (metadata.Bucket, error) {
	return s.buckets.GetOrLoad(ctx, cache.Key("bucket", name), func(ctx context.Context) (metadata.Bucket, error) {
		return s.Meta.GetBucket(ctx, name)
	})
}

func (s *Server) forgetBucket(name string) {
	s.buckets.Invalidate(cache.Key("bucket", name))
}

// requireBucket resolves the named bucket for the authenticated caller. It
// writes NoSuchBucket or AccessDenied and returns false when the caller may
// not use it.
func (s *Server) requireBucket(ctx context.Context, w http.ResponseWriter, r *http.Request, name string) (metadata.Bucket, bool) {
	bucket, err := s.lookupBucket(ctx, name)
	switch {
	case errors.Is(err, metadata.ErrNotFound):
		writeNoSuchBucketError(w, r)
		return metadata.Bucket{}, false
	case err != nil:
		writeError(w, r, "Bucket lookup", err)
		return metadata.Bucket{}, false
	}

	user := auth.UserFromContext(ctx)
	if user == nil || user.ID != bucket.OwnerID {
		writeAccessDenied(w, r)
		return metadata.Bucket{}, false
	}

	return bucket, true
}

// currentUser returns the authenticated caller. RequireAuthentication
// guarantees one is present for every routed request.
func currentUser(ctx context.Context) *auth.User {
	if user := auth.UserFromContext(ctx); user != nil {
		return user
	}
	return &auth.User{}
}

func ownerOf(user *auth.User) Owner {
	return Owner{ID: strconv.FormatInt(user.ID, 10), DisplayName: user.Username}
}

// writeXMLResponse encodes v as XML and writes it to w with a 200 OK status.
func writeXMLResponse(w http.ResponseWriter, v any) error {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(xml.Header)); err != nil {
		return err
	}
	return xml.NewEncoder(w).Encode(v)
}

// createETag formats a hash hex string as an ETag value.
func createETag(hashHex string) string {
	return fmt.Sprintf("\"%s\"", hashHex)
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampFormat)
}

// parseIntParam reads an optional non-negative integer query parameter.
func parseIntParam(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		writeS3Error(w, "InvalidArgument", fmt.Sprintf("The %s query parameter is invalid.", name), r.URL.Path, http.StatusBadRequest)
		return 0, false
	}
	return n, true
}
