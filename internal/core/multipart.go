package core

import (
	"context"
	"encoding/xml"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"depot/internal/metadata"
	"depot/internal/multipart"
)

const defaultMaxParts = 1000

// requireUpload resolves uploadID and checks it belongs to bucket/key.
// Anything else is reported as NoSuchUpload.
func (s *Server) requireUpload(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket metadata.Bucket, key string, uploadID string) (metadata.Upload, bool) {
	upload, err := s.Meta.GetUpload(ctx, uploadID)
	switch {
	case errors.Is(err, metadata.ErrUploadNotFound), errors.Is(err, metadata.ErrNotFound):
		writeNoSuchUploadError(w, r)
		return metadata.Upload{}, false
	case err != nil:
		writeError(w, r, "Lookup multipart upload", err)
		return metadata.Upload{}, false
	}

	if upload.BucketID != bucket.ID || upload.Key != key || upload.Status != metadata.UploadInitiated {
		writeNoSuchUploadError(w, r)
		return metadata.Upload{}, false
	}
	return upload, true
}

// handleCreateMultipartUpload implements POST /bucket/key?uploads
func (s *Server) handleCreateMultipartUpload(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	b, ok := s.requireBucket(ctx, w, r, bucket)
	if !ok {
		return
	}

	user := currentUser(ctx)
	upload, err := s.Uploads.Initiate(ctx, b, key, user.ID, r.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, r, "Create multipart upload", err)
		return
	}

	slog.Debug("Initiated multipart upload", "bucket", bucket, "key", key, "upload_id", upload.UploadID)

	resp := InitiateMultipartUploadResult{
		XMLNS:    S3XMLNamespace,
		Bucket:   bucket,
		Key:      key,
		UploadID: upload.UploadID,
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode CreateMultipartUpload XML", "bucket", bucket, "key", key, "err", err)
	}
}

// handleUploadPart implements PUT /bucket/key?partNumber=N&uploadId=ID
func (s *Server) handleUploadPart(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string, uploadID string, rawPartNumber string) {
	partNumber, err := strconv.Atoi(rawPartNumber)
	if err != nil || partNumber < 1 || partNumber > multipart.MaxPartNumber {
		writeS3Error(w, "InvalidArgument", "Part number must be an integer between 1 and 10000, inclusive.", r.URL.Path, http.StatusBadRequest)
		return
	}

	b, ok := s.requireBucket(ctx, w, r, bucket)
	if !ok {
		return
	}
	if _, ok := s.requireUpload(ctx, w, r, b, key, uploadID); !ok {
		return
	}

	body, declared, ok := openRequestBody(w, r)
	if !ok {
		return
	}
	defer r.Body.Close()

	part, err := s.Uploads.UploadPart(ctx, uploadID, partNumber, declared, body)
	if err != nil {
		writeError(w, r, "Upload part", err)
		return
	}

	w.Header().Set("ETag", createETag(part.ETag))
	w.WriteHeader(http.StatusOK)
}

// handleCompleteMultipartUpload implements POST /bucket/key?uploadId=ID
func (s *Server) handleCompleteMultipartUpload(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string, uploadID string) {
	b, ok := s.requireBucket(ctx, w, r, bucket)
	if !ok {
		return
	}
	if _, ok := s.requireUpload(ctx, w, r, b, key, uploadID); !ok {
		return
	}

	defer r.Body.Close()
	var req CompleteMultipartUpload
	if err := xml.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Debug("Decode CompleteMultipartUpload XML", "bucket", bucket, "key", key, "err", err)
		writeMalformedXML(w, r)
		return
	}

	if len(req.Parts) == 0 {
		writeMalformedXML(w, r)
		return
	}

	claimed := make([]multipart.ClaimedPart, 0, len(req.Parts))
	for _, p := range req.Parts {
		claimed = append(claimed, multipart.ClaimedPart{PartNumber: p.PartNumber, ETag: p.ETag})
	}

	result, err := s.Uploads.Complete(ctx, uploadID, claimed)
	if err != nil {
		writeError(w, r, "Complete multipart upload", err)
		return
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	resp := CompleteMultipartUploadResult{
		XMLNS:    S3XMLNamespace,
		Location: scheme + "://" + r.Host + "/" + result.Bucket + "/" + result.Key,
		Bucket:   result.Bucket,
		Key:      result.Key,
		ETag:     createETag(result.ETag),
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode CompleteMultipartUpload XML", "bucket", bucket, "key", key, "err", err)
	}
}

// handleAbortMultipartUpload implements DELETE /bucket/key?uploadId=ID
func (s *Server) handleAbortMultipartUpload(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string, uploadID string) {
	b, ok := s.requireBucket(ctx, w, r, bucket)
	if !ok {
		return
	}
	if _, ok := s.requireUpload(ctx, w, r, b, key, uploadID); !ok {
		return
	}

	if err := s.Uploads.Abort(ctx, uploadID); err != nil {
		writeError(w, r, "Abort multipart upload", err)
		return
	}

	slog.Debug("Aborted multipart upload", "bucket", bucket, "key", key, "upload_id", uploadID)
	w.WriteHeader(http.StatusNoContent)
}

// handleListParts implements the ListParts API:
// GET /bucket/key?uploadId=ID[&part-number-marker=N][&max-parts=M]
func (s *Server) handleListParts(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string, uploadID string) {
	b, ok := s.requireBucket(ctx, w, r, bucket)
	if !ok {
		return
	}
	if _, ok := s.requireUpload(ctx, w, r, b, key, uploadID); !ok {
		return
	}

	partNumberMarker, ok := parseIntParam(w, r, "part-number-marker", 0)
	if !ok {
		return
	}

	maxParts, ok := parseIntParam(w, r, "max-parts", defaultMaxParts)
	if !ok {
		return
	}
	if maxParts == 0 || maxParts > defaultMaxParts {
		maxParts = defaultMaxParts
	}

	_, parts, truncated, err := s.Uploads.ListParts(ctx, uploadID, partNumberMarker, maxParts)
	if err != nil {
		writeError(w, r, "List parts", err)
		return
	}

	owner := ownerOf(currentUser(ctx))
	resp := ListPartsResult{
		XMLNS:                S3XMLNamespace,
		Bucket:               bucket,
		Key:                  key,
		UploadID:             uploadID,
		Initiator:            owner,
		Owner:                owner,
		StorageClass:         "STANDARD",
		PartNumberMarker:     partNumberMarker,
		NextPartNumberMarker: partNumberMarker,
		MaxParts:             maxParts,
		IsTruncated:          truncated,
		Parts:                make([]ListPartsPart, 0, len(parts)),
	}

	for _, p := range parts {
		resp.Parts = append(resp.Parts, ListPartsPart{
			PartNumber:   p.Number,
			LastModified: formatTimestamp(p.UpdatedAt),
			ETag:         createETag(p.ETag),
			Size:         p.Size,
		})
		resp.NextPartNumberMarker = p.Number
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode ListParts XML", "bucket", bucket, "key", key, "err", err)
	}
}
