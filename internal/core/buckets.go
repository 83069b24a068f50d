package core

import (
	"context"
	"encoding/xml"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"depot/internal/metadata"
)

// ------ Dispatchers for bucket-level HTTP handlers ------

// handleRootGet dispatches GET / between ListBuckets and URL presigning.
func (s *Server) handleRootGet(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Has("presign") {
		s.handlePresign(ctx, w, r)
		return
	}
	s.handleListBuckets(ctx, w, r)
}

// handleBucketPut dispatches PUT /bucket[?subresource] between CreateBucket
// and various bucket configuration APIs.
func (s *Server) handleBucketPut(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	q := r.URL.Query()
	switch {
	case q.Has("tagging"):
		if !validateBucketNameOrError(w, r, bucket) {
			return
		}
		s.handlePutBucketTagging(ctx, w, r, bucket)
	case q.Has("versioning"):
		writeNotImplemented(w, r, "PutBucketVersioning")
	case q.Has("encryption"):
		writeNotImplemented(w, r, "PutBucketEncryption")
	case q.Has("cors"):
		writeNotImplemented(w, r, "PutBucketCors")
	case q.Has("lifecycle"):
		writeNotImplemented(w, r, "PutBucketLifecycleConfiguration")
	case q.Has("notification"):
		writeNotImplemented(w, r, "PutBucketNotificationConfiguration")
	case q.Has("policy"):
		writeNotImplemented(w, r, "PutBucketPolicy")
	case q.Has("replication"):
		writeNotImplemented(w, r, "PutBucketReplication")
	default:
		s.handleCreateBucket(ctx, w, r, bucket)
	}
}

// handleBucketPost implements POST /bucket[?subresource], such as DeleteObjects.
func (s *Server) handleBucketPost(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("delete"):
		s.handleDeleteObjects(ctx, w, r, bucket)
	default:
		writeNotImplemented(w, r, "BucketPost")
	}
}

// handleBucketGet dispatches GET /bucket[?subresource] between ListObjects
// and bucket-level read APIs.
func (s *Server) handleBucketGet(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("location"):
		s.handleGetBucketLocation(ctx, w, r, bucket)
	case q.Has("tagging"):
		s.handleGetBucketTagging(ctx, w, r, bucket)
	case q.Has("versioning"):
		writeNotImplemented(w, r, "GetBucketVersioning")
	case q.Has("encryption"):
		writeNotImplemented(w, r, "GetBucketEncryption")
	case q.Has("cors"):
		writeNotImplemented(w, r, "GetBucketCors")
	case q.Has("lifecycle"):
		writeNotImplemented(w, r, "GetBucketLifecycleConfiguration")
	case q.Has("notification"):
		writeNotImplemented(w, r, "GetBucketNotificationConfiguration")
	case q.Has("policy"):
		writeNotImplemented(w, r, "GetBucketPolicy")
	case q.Has("replication"):
		writeNotImplemented(w, r, "GetBucketReplication")
	case q.Get("list-type") == "2":
		s.handleListObjectsV2(ctx, w, r, bucket)
	case q.Has("versions"):
		writeNotImplemented(w, r, "ListObjectVersions")
	case q.Has("uploads"):
		s.handleListMultipartUploads(ctx, w, r, bucket)
	default:
		s.handleListObjects(ctx, w, r, bucket)
	}
}

// handleBucketDelete implements DELETE /bucket[?subresource].
func (s *Server) handleBucketDelete(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("tagging"):
		s.handleDeleteBucketTagging(ctx, w, r, bucket)
	case q.Has("encryption"):
		writeNotImplemented(w, r, "DeleteBucketEncryption")
	case q.Has("cors"):
		writeNotImplemented(w, r, "DeleteBucketCors")
	case q.Has("lifecycle"):
		writeNotImplemented(w, r, "DeleteBucketLifecycle")
	case q.Has("policy"):
		writeNotImplemented(w, r, "DeleteBucketPolicy")
	case q.Has("replication"):
		writeNotImplemented(w, r, "DeleteBucketReplication")
	default:
		// Primary bucket deletion (no subresources).
		s.handleDeleteBucket(ctx, w, r, bucket)
	}
}

// handleBucketHead implements HEAD /bucket.
func (s *Server) handleBucketHead(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}

	if _, ok := s.requireBucket(ctx, w, r, bucket); !ok {
		return
	}

	w.Header().Set("X-Amz-Bucket-Region", s.Config.Region)
	w.WriteHeader(http.StatusOK)
}

// ------ Bucket handlers ------

// handleListBuckets implements GET / to list the caller's buckets.
func (s *Server) handleListBuckets(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	user := currentUser(ctx)

	buckets, err := s.Meta.ListBuckets(ctx, user.ID)
	if err != nil {
		writeError(w, r, "List buckets", err)
		return
	}

	entries := make([]BucketEntry, 0, len(buckets))
	for _, b := range buckets {
		entries = append(entries, BucketEntry{
			Name:         b.Name,
			CreationDate: formatTimestamp(b.CreatedAt),
		})
	}

	resp := ListAllMyBucketsResult{
		XMLNS:   S3XMLNamespace,
		Owner:   ownerOf(user),
		Buckets: entries,
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode list buckets XML", "err", err)
	}
}

// handleCreateBucket implements PUT /bucket to create a new bucket.
func (s *Server) handleCreateBucket(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if !isValidBucketName(bucket) {
		writeS3Error(w, "InvalidBucketName", "The specified bucket is not valid.", r.URL.Path, http.StatusConflict)
		return
	}

	user := currentUser(ctx)
	if _, err := s.Meta.CreateBucket(ctx, bucket, user.ID); err != nil {
		writeError(w, r, "Create bucket", err)
		return
	}
	s.forgetBucket(bucket)

	slog.Info("Created bucket", "bucket", bucket, "owner", user.Username)

	w.Header().Set("Location", "/"+bucket)
	w.WriteHeader(http.StatusOK)
}

// handleDeleteBucket implements DELETE /bucket for the primary bucket
// deletion operation (without subresources). Buckets holding objects or
// initiated uploads are refused.
func (s *Server) handleDeleteBucket(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	b, ok := s.requireBucket(ctx, w, r, bucket)
	if !ok {
		return
	}

	err := s.Meta.DeleteBucket(ctx, b.ID)
	s.forgetBucket(bucket)

	switch {
	case errors.Is(err, metadata.ErrNotFound):
		writeNoSuchBucketError(w, r)
		return
	case err != nil:
		writeError(w, r, "Delete bucket", err)
		return
	}

	slog.Info("Deleted bucket", "bucket", bucket)
	w.WriteHeader(http.StatusNoContent)
}

// handleGetBucketLocation implements GET /bucket?location
func (s *Server) handleGetBucketLocation(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if _, ok := s.requireBucket(ctx, w, r, bucket); !ok {
		return
	}

	resp := LocationConstraint{
		XMLNS:  S3XMLNamespace,
		Region: s.Config.Region,
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode bucket location XML", "bucket", bucket, "err", err)
	}
}

// handlePutBucketTagging implements PUT /bucket?tagging to replace the
// complete set of tags associated with a bucket.
func (s *Server) handlePutBucketTagging(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	b, ok := s.requireBucket(ctx, w, r, bucket)
	if !ok {
		return
	}

	tags, ok := decodeTagging(w, r)
	if !ok {
		return
	}

	if err := s.Meta.PutBucketTags(ctx, b.ID, tags); err != nil {
		writeError(w, r, "Put bucket tagging", err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// handleGetBucketTagging implements GET /bucket?tagging to retrieve the
// current set of tags associated with a bucket.
func (s *Server) handleGetBucketTagging(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	b, ok := s.requireBucket(ctx, w, r, bucket)
	if !ok {
		return
	}

	tags, err := s.Meta.GetBucketTags(ctx, b.ID)
	if err != nil {
		writeError(w, r, "Get bucket tagging", err)
		return
	}

	writeTagging(w, r, tags)
}

// handleDeleteBucketTagging implements DELETE /bucket?tagging to remove all
// tags associated with a bucket.
func (s *Server) handleDeleteBucketTagging(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	b, ok := s.requireBucket(ctx, w, r, bucket)
	if !ok {
		return
	}

	if err := s.Meta.DeleteBucketTags(ctx, b.ID); err != nil {
		writeError(w, r, "Delete bucket tagging", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// decodeTagging reads and validates a Tagging document from the request body.
func decodeTagging(w http.ResponseWriter, r *http.Request) ([]metadata.Tag, bool) {
	defer r.Body.Close()

	var tagging Tagging
	if err := xml.NewDecoder(r.Body).Decode(&tagging); err != nil {
		slog.Debug("Decode tagging XML", "path", r.URL.Path, "err", err)
		writeMalformedXML(w, r)
		return nil, false
	}

	if !validateTagSetOrError(w, r, tagging.TagSet) {
		return nil, false
	}

	tags := make([]metadata.Tag, 0, len(tagging.TagSet))
	for _, t := range tagging.TagSet {
		tags = append(tags, metadata.Tag{Key: t.Key, Value: t.Value})
	}
	return tags, true
}

func writeTagging(w http.ResponseWriter, r *http.Request, tags []metadata.Tag) {
	if len(tags) == 0 {
		writeS3Error(w, "NoSuchTagSet", "The TagSet does not exist.", r.URL.Path, http.StatusNotFound)
		return
	}

	tagging := Tagging{XMLNS: S3XMLNamespace, TagSet: make([]Tag, 0, len(tags))}
	for _, t := range tags {
		tagging.TagSet = append(tagging.TagSet, Tag{Key: t.Key, Value: t.Value})
	}

	if err := writeXMLResponse(w, tagging); err != nil {
		slog.Error("Encode tagging XML", "path", r.URL.Path, "err", err)
	}
}

// ------ Listing ------

func listingMaxKeys(r *http.Request) int {
	maxKeys := metadata.DefaultMaxKeys
	if raw := r.URL.Query().Get("max-keys"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v < maxKeys {
			maxKeys = v
		}
	}
	return maxKeys
}

func summarize(objects []metadata.Object) []ObjectSummary {
	summaries := make([]ObjectSummary, 0, len(objects))
	for _, o := range objects {
		summaries = append(summaries, ObjectSummary{
			Key:          o.Key,
			LastModified: formatTimestamp(o.UpdatedAt),
			ETag:         createETag(o.ETag),
			Size:         o.Size,
			StorageClass: "STANDARD",
		})
	}
	return summaries
}

func commonPrefixes(prefixes []string) []CommonPrefix {
	out := make([]CommonPrefix, 0, len(prefixes))
	for _, p := range prefixes {
		out = append(out, CommonPrefix{Prefix: p})
	}
	return out
}

// handleListObjects implements S3 ListObjects (v1):
// GET /bucket[?prefix=&delimiter=&marker=&max-keys=].
func (s *Server) handleListObjects(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	b, ok := s.requireBucket(ctx, w, r, bucket)
	if !ok {
		return
	}

	q := r.URL.Query()
	opts := metadata.ListObjectsOptions{
		Prefix:    q.Get("prefix"),
		Delimiter: q.Get("delimiter"),
		After:     q.Get("marker"),
		MaxKeys:   listingMaxKeys(r),
	}

	result, err := s.Meta.ListObjects(ctx, b.ID, opts)
	if err != nil {
		writeError(w, r, "List objects", err)
		return
	}

	resp := ListBucketResultV1{
		XMLNS:          S3XMLNamespace,
		Name:           bucket,
		Prefix:         opts.Prefix,
		Marker:         opts.After,
		Delimiter:      opts.Delimiter,
		MaxKeys:        opts.MaxKeys,
		IsTruncated:    result.IsTruncated,
		Contents:       summarize(result.Objects),
		CommonPrefixes: commonPrefixes(result.CommonPrefixes),
	}
	if result.IsTruncated {
		resp.NextMarker = result.NextMarker
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode list objects XML", "bucket", bucket, "err", err)
	}
}

// handleListObjectsV2 implements S3 ListObjectsV2:
// GET /bucket?list-type=2[&prefix=&delimiter=&max-keys=&continuation-token=&start-after=].
// The continuation token is the last key or common prefix returned.
func (s *Server) handleListObjectsV2(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	b, ok := s.requireBucket(ctx, w, r, bucket)
	if !ok {
		return
	}

	q := r.URL.Query()
	continuationToken := q.Get("continuation-token")
	startAfter := q.Get("start-after")

	after := startAfter
	if continuationToken != "" {
		after = continuationToken
	}

	opts := metadata.ListObjectsOptions{
		Prefix:    q.Get("prefix"),
		Delimiter: q.Get("delimiter"),
		After:     after,
		MaxKeys:   listingMaxKeys(r),
	}

	result, err := s.Meta.ListObjects(ctx, b.ID, opts)
	if err != nil {
		writeError(w, r, "List objects (v2)", err)
		return
	}

	resp := ListBucketResultV2{
		XMLNS:             S3XMLNamespace,
		Name:              bucket,
		Prefix:            opts.Prefix,
		Delimiter:         opts.Delimiter,
		KeyCount:          len(result.Objects) + len(result.CommonPrefixes),
		MaxKeys:           opts.MaxKeys,
		IsTruncated:       result.IsTruncated,
		ContinuationToken: continuationToken,
		StartAfter:        startAfter,
		Contents:          summarize(result.Objects),
		CommonPrefixes:    commonPrefixes(result.CommonPrefixes),
	}
	if result.IsTruncated {
		resp.NextContinuationToken = result.NextMarker
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode list objects v2 XML", "bucket", bucket, "err", err)
	}
}

// handleDeleteObjects implements POST /bucket?delete. Keys that do not exist
// are reported as deleted, as S3 does.
func (s *Server) handleDeleteObjects(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	b, ok := s.requireBucket(ctx, w, r, bucket)
	if !ok {
		return
	}

	defer r.Body.Close()
	var req DeleteObjectsRequest
	if err := xml.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Debug("Decode DeleteObjects XML", "bucket", bucket, "err", err)
		writeMalformedXML(w, r)
		return
	}

	if len(req.Objects) == 0 || len(req.Objects) > metadata.DefaultMaxKeys {
		writeS3Error(w, "MalformedXML", "You must specify between 1 and 1000 objects to delete.", r.URL.Path, http.StatusBadRequest)
		return
	}

	resp := DeleteResult{XMLNS: S3XMLNamespace}
	for _, obj := range req.Objects {
		if !isValidObjectKey(obj.Key) {
			resp.Errors = append(resp.Errors, DeleteError{Key: obj.Key, Code: "InvalidObjectName", Message: "The specified key is not valid."})
			continue
		}

		locator, err := s.Meta.DeleteObject(ctx, b.ID, obj.Key)
		switch {
		case errors.Is(err, metadata.ErrNotFound):
		case err != nil:
			slog.Error("DeleteObjects delete row", "bucket", bucket, "key", obj.Key, "err", err)
			resp.Errors = append(resp.Errors, DeleteError{Key: obj.Key, Code: "InternalError", Message: "We encountered an internal error. Please try again."})
			continue
		default:
			s.Blobs.DeleteAll(locator)
		}

		if !req.Quiet {
			resp.Deleted = append(resp.Deleted, DeleteObject{Key: obj.Key})
		}
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode DeleteObjects XML", "bucket", bucket, "err", err)
	}
}

// handleListMultipartUploads implements GET /bucket?uploads
func (s *Server) handleListMultipartUploads(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	b, ok := s.requireBucket(ctx, w, r, bucket)
	if !ok {
		return
	}

	q := r.URL.Query()
	maxUploads, ok := parseIntParam(w, r, "max-uploads", metadata.DefaultMaxKeys)
	if !ok {
		return
	}
	if maxUploads == 0 || maxUploads > metadata.DefaultMaxKeys {
		maxUploads = metadata.DefaultMaxKeys
	}

	opts := metadata.ListUploadsOptions{
		Prefix:         q.Get("prefix"),
		KeyMarker:      q.Get("key-marker"),
		UploadIDMarker: q.Get("upload-id-marker"),
		MaxUploads:     maxUploads,
	}

	uploads, truncated, err := s.Uploads.ListUploads(ctx, b.ID, opts)
	if err != nil {
		writeError(w, r, "List multipart uploads", err)
		return
	}

	owner := ownerOf(currentUser(ctx))
	resp := ListMultipartUploadsResult{
		XMLNS:          S3XMLNamespace,
		Bucket:         bucket,
		KeyMarker:      opts.KeyMarker,
		UploadIDMarker: opts.UploadIDMarker,
		Prefix:         opts.Prefix,
		MaxUploads:     maxUploads,
		IsTruncated:    truncated,
		Uploads:        make([]MultipartUploadInfo, 0, len(uploads)),
	}
	for _, u := range uploads {
		resp.Uploads = append(resp.Uploads, MultipartUploadInfo{
			Key:          u.Key,
			UploadID:     u.UploadID,
			Initiator:    owner,
			Owner:        owner,
			StorageClass: "STANDARD",
			Initiated:    formatTimestamp(u.CreatedAt),
		})
	}
	if truncated && len(uploads) > 0 {
		last := uploads[len(uploads)-1]
		resp.NextKeyMarker = last.Key
		resp.NextUploadIDMarker = last.UploadID
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode ListMultipartUploads XML", "bucket", bucket, "err", err)
	}
}
