package core

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"depot/internal/auth"
	"depot/internal/metadata"
	"depot/internal/multipart"
)

const malformedXMLMessage = "The XML you provided was not well-formed or did not validate against our published schema."

// writeNotImplemented is a helper for stubbing unsupported S3 operations.
func writeNotImplemented(w http.ResponseWriter, r *http.Request, op string) {
	message := op + " is not implemented."
	writeS3Error(w, "NotImplemented", message, r.URL.Path, http.StatusNotImplemented)
}

// writeS3Error writes a minimal S3-style XML error response.
func writeS3Error(w http.ResponseWriter, code string, message string, resource string, status int) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_ = xml.NewEncoder(w).Encode(S3Error{
		Code:      code,
		Message:   message,
		Resource:  resource,
		RequestID: w.Header().Get(RequestIDHeader),
	})
}

// writeInternalError writes a generic S3 InternalError response.
func writeInternalError(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, "InternalError", "We encountered an internal error. Please try again.", r.URL.Path, http.StatusInternalServerError)
}

// writeNoSuchBucketError writes a generic S3 NoSuchBucket error response.
func writeNoSuchBucketError(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, "NoSuchBucket", "The specified bucket does not exist.", r.URL.Path, http.StatusNotFound)
}

// writeNoSuchKeyError writes a generic S3 NoSuchKey error response.
func writeNoSuchKeyError(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, "NoSuchKey", "The specified key does not exist.", r.URL.Path, http.StatusNotFound)
}

func writeNoSuchUploadError(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, "NoSuchUpload", "The specified multipart upload does not exist.", r.URL.Path, http.StatusNotFound)
}

func writeAccessDenied(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, "AccessDenied", "Access Denied", r.URL.Path, http.StatusForbidden)
}

func writeMalformedXML(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, "MalformedXML", malformedXMLMessage, r.URL.Path, http.StatusBadRequest)
}

// writeAuthError maps an authentication failure to its S3 error code.
func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrSignatureInvalid):
		writeS3Error(w, "SignatureDoesNotMatch", "The request signature we calculated does not match the signature you provided.", r.URL.Path, http.StatusForbidden)
	case errors.Is(err, auth.ErrAccessKeyNotFound):
		writeS3Error(w, "InvalidAccessKeyId", "The AWS Access Key Id you provided does not exist in our records.", r.URL.Path, http.StatusForbidden)
	case errors.Is(err, auth.ErrRequestExpired):
		writeS3Error(w, "AccessDenied", "Request has expired", r.URL.Path, http.StatusForbidden)
	default:
		writeAccessDenied(w, r)
	}
}

// writeError maps errors returned by the storage, metadata and multipart
// layers onto S3 error responses. Anything unrecognised, including a blob
// lock timeout, is logged and reported as InternalError.
func writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	path := r.URL.Path

	switch {
	case errors.Is(err, multipart.ErrUploadNotFound):
		writeNoSuchUploadError(w, r)
	case errors.Is(err, multipart.ErrEntityTooSmall):
		writeS3Error(w, "EntityTooSmall", "Your proposed upload is smaller than the minimum allowed object size.", path, http.StatusBadRequest)
	case errors.Is(err, multipart.ErrEntityTooLarge):
		writeS3Error(w, "EntityTooLarge", "Your proposed upload exceeds the maximum allowed object size.", path, http.StatusBadRequest)
	case errors.Is(err, multipart.ErrMissingPart), errors.Is(err, multipart.ErrInvalidPartOrder):
		writeS3Error(w, "InvalidPart", fmt.Sprintf("One or more of the specified parts could not be found: %v", err), path, http.StatusBadRequest)
	case errors.Is(err, multipart.ErrPartMismatch), errors.Is(err, multipart.ErrInvalidPart):
		writeS3Error(w, "InvalidPart", "One or more of the specified parts could not be found or the specified entity tag might not have matched the part's entity tag.", path, http.StatusBadRequest)
	case errors.Is(err, metadata.ErrBucketExists):
		writeS3Error(w, "BucketAlreadyExists", "The requested bucket name is not available. The bucket namespace is shared by all users of the system. Please select a different name and try again.", path, http.StatusConflict)
	case errors.Is(err, metadata.ErrBucketNotEmpty):
		writeS3Error(w, "BucketNotEmpty", "The bucket you tried to delete is not empty.", path, http.StatusConflict)
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, multipart.ErrIncompleteBody):
		writeS3Error(w, "IncompleteBody", "You did not provide the number of bytes specified by the Content-Length HTTP header.", path, http.StatusBadRequest)
	case errors.Is(err, errMalformedChunk):
		writeS3Error(w, "InvalidRequest", err.Error(), path, http.StatusBadRequest)
	case errors.Is(err, errContentSHA256Mismatch):
		writeS3Error(w, "XAmzContentSHA256Mismatch", "The provided 'x-amz-content-sha256' header does not match what was computed.", path, http.StatusBadRequest)
	case errors.Is(err, context.Canceled):
		slog.Debug(op+" cancelled by client", "path", path)
	default:
		slog.Error(op, "path", path, "err", err)
		writeInternalError(w, r)
	}
}
