package core

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"depot/internal/conditional"
	"depot/internal/metadata"
)

const defaultContentType = "application/octet-stream"

// ------ Dispatchers for object-level HTTP handlers ------

// handleObjectPut dispatches PUT /bucket/key[?subresource] between
// PutObject, CopyObject, UploadPart and PutObjectTagging.
func (s *Server) handleObjectPut(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}
	if !validateObjectKeyOrError(w, r, key) {
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("uploadId") && q.Has("partNumber"):
		if r.Header.Get("X-Amz-Copy-Source") != "" {
			writeNotImplemented(w, r, "UploadPartCopy")
			return
		}
		s.handleUploadPart(ctx, w, r, bucket, key, q.Get("uploadId"), q.Get("partNumber"))
	case q.Has("tagging"):
		s.handlePutObjectTagging(ctx, w, r, bucket, key)
	case q.Has("acl"):
		writeNotImplemented(w, r, "PutObjectAcl")
	case q.Has("retention"):
		writeNotImplemented(w, r, "PutObjectRetention")
	case q.Has("legal-hold"):
		writeNotImplemented(w, r, "PutObjectLegalHold")
	case r.Header.Get("X-Amz-Copy-Source") != "":
		s.handleCopyObject(ctx, w, r, bucket, key, r.Header.Get("X-Amz-Copy-Source"))
	default:
		s.handlePutObject(ctx, w, r, bucket, key)
	}
}

// handleObjectPost implements POST /bucket/key[?subresource] operations such
// as CreateMultipartUpload and CompleteMultipartUpload.
func (s *Server) handleObjectPost(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}
	if !validateObjectKeyOrError(w, r, key) {
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("uploads"):
		s.handleCreateMultipartUpload(ctx, w, r, bucket, key)
	case q.Has("uploadId"):
		s.handleCompleteMultipartUpload(ctx, w, r, bucket, key, q.Get("uploadId"))
	case q.Has("restore"):
		writeNotImplemented(w, r, "RestoreObject")
	case q.Has("select"):
		writeNotImplemented(w, r, "SelectObjectContent")
	default:
		writeNotImplemented(w, r, "ObjectPost")
	}
}

// handleObjectGet implements GET /bucket/key to retrieve an object.
func (s *Server) handleObjectGet(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}
	if !validateObjectKeyOrError(w, r, key) {
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("tagging"):
		s.handleGetObjectTagging(ctx, w, r, bucket, key)
	case q.Has("attributes"):
		writeNotImplemented(w, r, "GetObjectAttributes")
	case q.Has("acl"):
		writeNotImplemented(w, r, "GetObjectAcl")
	case q.Has("uploadId"):
		s.handleListParts(ctx, w, r, bucket, key, q.Get("uploadId"))
	default:
		s.serveObject(ctx, w, r, bucket, key, true)
	}
}

// handleObjectHead implements HEAD /bucket/key.
func (s *Server) handleObjectHead(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}
	if !validateObjectKeyOrError(w, r, key) {
		return
	}

	s.serveObject(ctx, w, r, bucket, key, false)
}

// handleObjectDelete implements DELETE /bucket/key[?subresource].
func (s *Server) handleObjectDelete(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}
	if !validateObjectKeyOrError(w, r, key) {
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("tagging"):
		s.handleDeleteObjectTagging(ctx, w, r, bucket, key)
	case q.Has("uploadId"):
		s.handleAbortMultipartUpload(ctx, w, r, bucket, key, q.Get("uploadId"))
	default:
		s.handleDeleteObject(ctx, w, r, bucket, key)
	}
}

// ------ Object handlers ------

// parseContentMD5 decodes the optional Content-MD5 header into hex.
func parseContentMD5(w http.ResponseWriter, r *http.Request) (string, bool) {
	v := r.Header.Get("Content-MD5")
	if v == "" {
		return "", true
	}

	sum, err := base64.StdEncoding.DecodeString(v)
	if err != nil || len(sum) != 16 {
		writeS3Error(w, "InvalidDigest", "The Content-MD5 you specified was invalid.", r.URL.Path, http.StatusBadRequest)
		return "", false
	}
	return hex.EncodeToString(sum), true
}

// openRequestBody resolves the request payload, writing the matching error
// when the body framing is unusable.
func openRequestBody(w http.ResponseWriter, r *http.Request) (io.Reader, int64, bool) {
	body, declared, err := requestBody(r)
	switch {
	case errors.Is(err, errMissingDecodedLength):
		writeS3Error(w, "MissingContentLength", "You must provide the Content-Length HTTP header.", r.URL.Path, http.StatusLengthRequired)
		return nil, 0, false
	case err != nil:
		writeS3Error(w, "InvalidArgument", err.Error(), r.URL.Path, http.StatusBadRequest)
		return nil, 0, false
	}
	return body, declared, true
}

// handlePutObject implements PUT /bucket/key. The payload is streamed into a
// new blob and only then published in metadata, so readers see either the
// old or the new object, never a partial one.
func (s *Server) handlePutObject(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	b, ok := s.requireBucket(ctx, w, r, bucket)
	if !ok {
		return
	}

	wantMD5, ok := parseContentMD5(w, r)
	if !ok {
		return
	}

	body, declared, ok := openRequestBody(w, r)
	if !ok {
		return
	}
	defer r.Body.Close()

	blob, err := s.Blobs.Write(ctx, body)
	if err != nil {
		writeError(w, r, "Write object payload", err)
		return
	}

	if declared >= 0 && blob.Size != declared {
		s.Blobs.DeleteAll(blob.Locator)
		writeS3Error(w, "IncompleteBody", "You did not provide the number of bytes specified by the Content-Length HTTP header.", r.URL.Path, http.StatusBadRequest)
		return
	}

	if wantMD5 != "" && wantMD5 != blob.MD5 {
		s.Blobs.DeleteAll(blob.Locator)
		writeS3Error(w, "BadDigest", "The Content-MD5 you specified did not match what we received.", r.URL.Path, http.StatusBadRequest)
		return
	}

	previous, err := s.Meta.PutObject(ctx, metadata.ObjectRecord{
		BucketID:    b.ID,
		Key:         key,
		Size:        blob.Size,
		ETag:        blob.MD5,
		ContentType: r.Header.Get("Content-Type"),
		Locator:     blob.Locator,
	})
	if err != nil {
		s.Blobs.DeleteAll(blob.Locator)
		writeError(w, r, "Put object metadata", err)
		return
	}

	s.Blobs.DeleteAll(previous)

	w.Header().Set("ETag", createETag(blob.MD5))
	w.WriteHeader(http.StatusOK)
}

// openObject looks up key and opens its payload through open. An overwrite
// can retire the blob between the lookup and the open, so a missing payload
// gets one fresh lookup before it is treated as an error.
func (s *Server) openObject(ctx context.Context, bucketID int64, key string, open func(metadata.Object) (io.ReadCloser, error)) (metadata.Object, io.ReadCloser, error) {
	var lastErr error
	for range 2 {
		obj, err := s.Meta.GetObject(ctx, bucketID, key)
		if err != nil {
			return metadata.Object{}, nil, err
		}

		body, err := open(obj)
		if err == nil {
			return obj, body, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return metadata.Object{}, nil, err
		}
		lastErr = err
	}
	return metadata.Object{}, nil, lastErr
}

// openBlob opens the whole payload of obj.
func (s *Server) openBlob(obj metadata.Object) (io.ReadCloser, error) {
	return s.Blobs.Open(obj.Locator)
}

func objectState(obj metadata.Object) conditional.ObjectState {
	return conditional.ObjectState{
		ETag:         obj.ETag,
		LastModified: obj.UpdatedAt,
		Size:         obj.Size,
	}
}

func setObjectHeaders(w http.ResponseWriter, obj metadata.Object) {
	h := w.Header()
	h.Set("ETag", createETag(obj.ETag))
	h.Set("Last-Modified", obj.UpdatedAt.UTC().Format(http.TimeFormat))
	h.Set("Accept-Ranges", "bytes")
}

// serveObject implements GetObject and HeadObject, including conditional
// requests and single byte ranges.
func (s *Server) serveObject(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string, withBody bool) {
	b, ok := s.requireBucket(ctx, w, r, bucket)
	if !ok {
		return
	}

	// The preconditions are evaluated against whichever version of the
	// object is actually opened.
	var res conditional.Result
	obj, body, err := s.openObject(ctx, b.ID, key, func(obj metadata.Object) (io.ReadCloser, error) {
		res = conditional.Evaluate(objectState(obj), r.Header)
		if res.Status == http.StatusPartialContent {
			return s.Blobs.OpenRange(obj.Locator, res.Range.Start, res.Range.End)
		}
		return s.openBlob(obj)
	})
	switch {
	case errors.Is(err, metadata.ErrNotFound):
		writeNoSuchKeyError(w, r)
		return
	case err != nil:
		writeError(w, r, "Open object payload", err)
		return
	}
	defer body.Close()

	setObjectHeaders(w, obj)

	switch res.Status {
	case http.StatusNotModified:
		w.WriteHeader(http.StatusNotModified)
		return
	case http.StatusPreconditionFailed:
		writeS3Error(w, "PreconditionFailed", "At least one of the pre-conditions you specified did not hold", r.URL.Path, http.StatusPreconditionFailed)
		return
	case http.StatusRequestedRangeNotSatisfiable:
		w.Header().Set("Content-Range", conditional.UnsatisfiedContentRange(obj.Size))
		writeS3Error(w, "InvalidRange", "The requested range is not satisfiable", r.URL.Path, http.StatusRequestedRangeNotSatisfiable)
		return
	}

	contentType := obj.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}
	w.Header().Set("Content-Type", contentType)

	length := obj.Size
	if res.Status == http.StatusPartialContent {
		length = res.Range.Length()
		w.Header().Set("Content-Range", res.Range.ContentRange(obj.Size))
	}

	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(res.Status)

	if !withBody {
		return
	}

	if _, err := io.Copy(w, body); err != nil {
		slog.Warn("Stream object", "bucket", bucket, "key", key, "err", err)
	}
}

// handleDeleteObject implements DELETE /bucket/key. Unlike S3, deleting a
// missing key reports NoSuchKey.
func (s *Server) handleDeleteObject(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	b, ok := s.requireBucket(ctx, w, r, bucket)
	if !ok {
		return
	}

	locator, err := s.Meta.DeleteObject(ctx, b.ID, key)
	switch {
	case errors.Is(err, metadata.ErrNotFound):
		writeNoSuchKeyError(w, r)
		return
	case err != nil:
		writeError(w, r, "Delete object", err)
		return
	}

	s.Blobs.DeleteAll(locator)
	w.WriteHeader(http.StatusNoContent)
}

// parseCopySource splits x-amz-copy-source, which is typically of the form
// "/source-bucket/source-key" or "source-bucket/source-key" and may be
// URL-encoded and include a query string.
func parseCopySource(copySource string) (string, string, bool) {
	src := copySource
	if i := strings.Index(src, "?"); i != -1 {
		src = src[:i]
	}
	src = strings.TrimPrefix(src, "/")

	decoded, err := url.PathUnescape(src)
	if err != nil {
		return "", "", false
	}

	bucket, key, ok := strings.Cut(decoded, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

// copySourceConditions translates x-amz-copy-source-if-* headers into the
// plain precondition headers the evaluator understands.
func copySourceConditions(h http.Header) http.Header {
	out := http.Header{}
	for from, to := range map[string]string{
		"X-Amz-Copy-Source-If-Match":            "If-Match",
		"X-Amz-Copy-Source-If-None-Match":       "If-None-Match",
		"X-Amz-Copy-Source-If-Modified-Since":   "If-Modified-Since",
		"X-Amz-Copy-Source-If-Unmodified-Since": "If-Unmodified-Since",
	} {
		if v := h.Get(from); v != "" {
			out.Set(to, v)
		}
	}
	return out
}

// handleCopyObject implements CopyObject. The payload is duplicated into a
// fresh blob since every object owns its blob exclusively.
func (s *Server) handleCopyObject(ctx context.Context, w http.ResponseWriter, r *http.Request, destBucket string, destKey string, copySource string) {
	srcBucket, srcKey, ok := parseCopySource(copySource)
	if !ok {
		writeS3Error(w, "InvalidRequest", "Copy Source must mention the source bucket and key: sourcebucket/sourcekey.", r.URL.Path, http.StatusBadRequest)
		return
	}

	dst, ok := s.requireBucket(ctx, w, r, destBucket)
	if !ok {
		return
	}
	src, ok := s.requireBucket(ctx, w, r, srcBucket)
	if !ok {
		return
	}

	obj, f, err := s.openObject(ctx, src.ID, srcKey, s.openBlob)
	switch {
	case errors.Is(err, metadata.ErrNotFound):
		writeNoSuchKeyError(w, r)
		return
	case err != nil:
		writeError(w, r, "Open copy source", err)
		return
	}
	defer f.Close()

	res := conditional.Evaluate(objectState(obj), copySourceConditions(r.Header))
	if res.Status == http.StatusPreconditionFailed || res.Status == http.StatusNotModified {
		writeS3Error(w, "PreconditionFailed", "At least one of the pre-conditions you specified did not hold", r.URL.Path, http.StatusPreconditionFailed)
		return
	}

	contentType := obj.ContentType
	if strings.EqualFold(r.Header.Get("X-Amz-Metadata-Directive"), "REPLACE") {
		contentType = r.Header.Get("Content-Type")
	} else if src.ID == dst.ID && srcKey == destKey {
		writeS3Error(w, "InvalidRequest", "This copy request is illegal because it is trying to copy an object to itself without changing the object's metadata.", r.URL.Path, http.StatusBadRequest)
		return
	}

	blob, err := s.Blobs.Write(ctx, f)
	if err != nil {
		writeError(w, r, "Copy object payload", err)
		return
	}

	previous, err := s.Meta.PutObject(ctx, metadata.ObjectRecord{
		BucketID:    dst.ID,
		Key:         destKey,
		Size:        blob.Size,
		ETag:        obj.ETag,
		ContentType: contentType,
		Locator:     blob.Locator,
	})
	if err != nil {
		s.Blobs.DeleteAll(blob.Locator)
		writeError(w, r, "Copy object metadata", err)
		return
	}
	s.Blobs.DeleteAll(previous)

	resp := CopyObjectResult{
		XMLNS:        S3XMLNamespace,
		LastModified: formatTimestamp(s.Config.Now()),
		ETag:         createETag(obj.ETag),
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode copy object XML", "destBucket", destBucket, "destKey", destKey, "err", err)
	}
}

// lookupObjectOrError resolves the object for a tagging request.
func (s *Server) lookupObjectOrError(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) (metadata.Object, bool) {
	b, ok := s.requireBucket(ctx, w, r, bucket)
	if !ok {
		return metadata.Object{}, false
	}

	obj, err := s.Meta.GetObject(ctx, b.ID, key)
	switch {
	case errors.Is(err, metadata.ErrNotFound):
		writeNoSuchKeyError(w, r)
		return metadata.Object{}, false
	case err != nil:
		writeError(w, r, "Lookup object", err)
		return metadata.Object{}, false
	}
	return obj, true
}

// handlePutObjectTagging implements PUT /bucket/key?tagging.
func (s *Server) handlePutObjectTagging(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	obj, ok := s.lookupObjectOrError(ctx, w, r, bucket, key)
	if !ok {
		return
	}

	tags, ok := decodeTagging(w, r)
	if !ok {
		return
	}

	if err := s.Meta.PutObjectTags(ctx, obj.ID, tags); err != nil {
		writeError(w, r, "Put object tagging", err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// handleGetObjectTagging implements GET /bucket/key?tagging.
func (s *Server) handleGetObjectTagging(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	obj, ok := s.lookupObjectOrError(ctx, w, r, bucket, key)
	if !ok {
		return
	}

	tags, err := s.Meta.GetObjectTags(ctx, obj.ID)
	if err != nil {
		writeError(w, r, "Get object tagging", err)
		return
	}

	writeTagging(w, r, tags)
}

// handleDeleteObjectTagging implements DELETE /bucket/key?tagging.
func (s *Server) handleDeleteObjectTagging(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	obj, ok := s.lookupObjectOrError(ctx, w, r, bucket, key)
	if !ok {
		return
	}

	if err := s.Meta.DeleteObjectTags(ctx, obj.ID); err != nil {
		writeError(w, r, "Delete object tagging", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
