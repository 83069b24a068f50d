package core

import (
	"context"
	"net/http"
)

type bucketHandlerFunc func(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string)

type objectHandlerFunc func(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string)

func bucketRoute(fn bucketHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fn(r.Context(), w, r, r.PathValue("bucket"))
	}
}

func objectRoute(fn objectHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fn(r.Context(), w, r, r.PathValue("bucket"), r.PathValue("key"))
	}
}

// Handler returns an http.Handler implementing the S3 API.
//
// Subresources (?uploads, ?tagging, ?location, ...) are dispatched inside
// each method handler since ServeMux does not match on the query string.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// List all buckets, or presign a URL
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		s.handleRootGet(r.Context(), w, r)
	})

	// Bucket-level operations
	mux.HandleFunc("PUT /{bucket}", bucketRoute(s.handleBucketPut))
	mux.HandleFunc("GET /{bucket}", bucketRoute(s.handleBucketGet))
	mux.HandleFunc("HEAD /{bucket}", bucketRoute(s.handleBucketHead))
	mux.HandleFunc("DELETE /{bucket}", bucketRoute(s.handleBucketDelete))
	mux.HandleFunc("POST /{bucket}", bucketRoute(s.handleBucketPost))

	// Object-level operations
	mux.HandleFunc("PUT /{bucket}/{key...}", objectRoute(s.handleObjectPut))
	mux.HandleFunc("GET /{bucket}/{key...}", objectRoute(s.handleObjectGet))
	mux.HandleFunc("HEAD /{bucket}/{key...}", objectRoute(s.handleObjectHead))
	mux.HandleFunc("DELETE /{bucket}/{key...}", objectRoute(s.handleObjectDelete))
	mux.HandleFunc("POST /{bucket}/{key...}", objectRoute(s.handleObjectPost))

	// Authentication sees the raw request path, before SlashFix rewrites it,
	// so SigV4 canonical URIs match what the client signed.
	handler := SlashFix(mux)
	handler = LogRequest(handler)
	handler = s.RequireAuthentication(handler)
	handler = Recoverer(handler)
	return handler
}
