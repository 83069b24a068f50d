// Package multipart implements the multipart upload state machine on top of
// the blob store and the metadata store.
package multipart

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"depot/internal/metadata"
	"depot/internal/storage"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

const (
	MinPartSize         = 5 << 20
	MaxPartSize         = 5 << 30
	MaxPartNumber       = 10000
	MaxUploadIDAttempts = 5
)

var (
	ErrInvalidPart       = errors.New("invalid part")
	ErrEntityTooSmall    = fmt.Errorf("%w: part smaller than the minimum allowed size", ErrInvalidPart)
	ErrEntityTooLarge    = fmt.Errorf("%w: part larger than the maximum allowed size", ErrInvalidPart)
	ErrUploadNotFound    = metadata.ErrUploadNotFound
	ErrMissingPart       = errors.New("part sequence has a gap")
	ErrInvalidPartOrder  = errors.New("parts must be listed in ascending order")
	ErrPartMismatch      = errors.New("part etag does not match the uploaded part")
	ErrIncompleteBody    = errors.New("part length does not match the declared length")
	ErrDuplicateUploadID = errors.New("could not allocate a unique upload id")
)

// Metadata is the subset of the metadata store the engine drives.
type Metadata interface {
	CreateUpload(ctx context.Context, upload metadata.Upload) (metadata.Upload, error)
	GetUpload(ctx context.Context, uploadID string) (metadata.Upload, error)
	PutPart(ctx context.Context, part metadata.Part) (string, error)
	AllParts(ctx context.Context, uploadID string) ([]metadata.Part, error)
	ListParts(ctx context.Context, uploadID string, marker int, max int) ([]metadata.Part, bool, error)
	ListUploads(ctx context.Context, bucketID int64, opts metadata.ListUploadsOptions) ([]metadata.Upload, bool, error)
	CompleteUpload(ctx context.Context, uploadID string, rec metadata.ObjectRecord) (metadata.CompletedUpload, error)
	AbortUpload(ctx context.Context, uploadID string) ([]string, error)
	StaleUploads(ctx context.Context, cutoff time.Time) ([]string, error)
	ExpireUpload(ctx context.Context, uploadID string) ([]string, error)
}

// ClaimedPart is one entry of a client's completion request.
type ClaimedPart struct {
	PartNumber int
	ETag       string
}

// Result describes the object produced by Complete.
type Result struct {
	Bucket string
	Key    string
	ETag   string
	Size   int64
}

type Engine struct {
	meta        Metadata
	blobs       *storage.BlobStore
	locks       *keyedRWMutex
	minPartSize int64
	maxPartSize int64
	newUploadID func() string
}

type EngineOption func(*Engine)

func WithPartSizeLimits(min int64, max int64) EngineOption {
	return func(e *Engine) {
		e.minPartSize = min
		e.maxPartSize = max
	}
}

// WithUploadIDGenerator replaces the random upload id source.
func WithUploadIDGenerator(gen func() string) EngineOption {
	return func(e *Engine) {
		e.newUploadID = gen
	}
}

func NewEngine(meta Metadata, blobs *storage.BlobStore, opts ...EngineOption) *Engine {
	e := &Engine{
		meta:        meta,
		blobs:       blobs,
		locks:       newKeyedRWMutex(),
		minPartSize: MinPartSize,
		maxPartSize: MaxPartSize,
		newUploadID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Initiate starts a new upload for key in bucket.
func (e *Engine) Initiate(ctx context.Context, bucket metadata.Bucket, key string, ownerID int64, contentType string) (metadata.Upload, error) {
	for range MaxUploadIDAttempts {
		upload, err := e.meta.CreateUpload(ctx, metadata.Upload{
			UploadID:    e.newUploadID(),
			BucketID:    bucket.ID,
			Bucket:      bucket.Name,
			Key:         key,
			OwnerID:     ownerID,
			ContentType: contentType,
		})
		if errors.Is(err, metadata.ErrUploadExists) {
			slog.Warn("Upload id collision, retrying", "bucket", bucket.Name, "key", key)
			continue
		}
		if err != nil {
			return metadata.Upload{}, err
		}
		upload.Bucket = bucket.Name
		return upload, nil
	}
	return metadata.Upload{}, ErrDuplicateUploadID
}

func (e *Engine) checkPartSize(partNumber int, size int64) error {
	if size > e.maxPartSize {
		return fmt.Errorf("%w: part %d is %s", ErrEntityTooLarge, partNumber, humanize.IBytes(uint64(size)))
	}
	if partNumber > 1 && size < e.minPartSize {
		return fmt.Errorf("%w: part %d is %s", ErrEntityTooSmall, partNumber, humanize.IBytes(uint64(size)))
	}
	return nil
}

// UploadPart stores r as part partNumber. size is the declared length, or
// a negative value when unknown; the written length is checked either way.
func (e *Engine) UploadPart(ctx context.Context, uploadID string, partNumber int, size int64, r io.Reader) (metadata.Part, error) {
	if partNumber < 1 || partNumber > MaxPartNumber {
		return metadata.Part{}, fmt.Errorf("%w: part number %d out of range", ErrInvalidPart, partNumber)
	}
	if size >= 0 {
		if err := e.checkPartSize(partNumber, size); err != nil {
			return metadata.Part{}, err
		}
	}

	unlock := e.locks.RLock(uploadID)
	defer unlock()

	upload, err := e.meta.GetUpload(ctx, uploadID)
	if err != nil {
		return metadata.Part{}, err
	}
	if upload.Status != metadata.UploadInitiated {
		return metadata.Part{}, fmt.Errorf("%w: %s is %s", ErrUploadNotFound, uploadID, upload.Status)
	}

	blob, err := e.blobs.Write(ctx, r)
	if err != nil {
		return metadata.Part{}, err
	}

	if size >= 0 && blob.Size != size {
		e.blobs.DeleteAll(blob.Locator)
		return metadata.Part{}, fmt.Errorf("%w: part %d declared %d bytes, got %d", ErrIncompleteBody, partNumber, size, blob.Size)
	}

	if err := e.checkPartSize(partNumber, blob.Size); err != nil {
		e.blobs.DeleteAll(blob.Locator)
		return metadata.Part{}, err
	}

	part := metadata.Part{
		UploadID: uploadID,
		Number:   partNumber,
		Size:     blob.Size,
		ETag:     blob.MD5,
		Locator:  blob.Locator,
	}

	previous, err := e.meta.PutPart(ctx, part)
	if err != nil {
		e.blobs.DeleteAll(blob.Locator)
		return metadata.Part{}, err
	}

	// Only now that the new locator is recorded can the old copy go.
	e.blobs.DeleteAll(previous)

	return part, nil
}

// Complete assembles the upload's parts into one object. On any failure the
// upload stays initiated and the merged blob is discarded.
func (e *Engine) Complete(ctx context.Context, uploadID string, claimed []ClaimedPart) (Result, error) {
	unlock := e.locks.Lock(uploadID)
	defer unlock()

	upload, err := e.meta.GetUpload(ctx, uploadID)
	if err != nil {
		return Result{}, err
	}
	if upload.Status != metadata.UploadInitiated {
		return Result{}, fmt.Errorf("%w: %s is %s", ErrUploadNotFound, uploadID, upload.Status)
	}

	parts, err := e.meta.AllParts(ctx, uploadID)
	if err != nil {
		return Result{}, err
	}

	if err := validateParts(parts, claimed); err != nil {
		return Result{}, err
	}

	etag, err := CompositeETag(parts)
	if err != nil {
		return Result{}, err
	}

	merged := &partReader{blobs: e.blobs, parts: parts}
	blob, err := e.blobs.Write(ctx, merged)
	merged.Close()
	if err != nil {
		return Result{}, err
	}

	done, err := e.meta.CompleteUpload(ctx, uploadID, metadata.ObjectRecord{
		BucketID:    upload.BucketID,
		Key:         upload.Key,
		Size:        blob.Size,
		ETag:        etag,
		ContentType: upload.ContentType,
		Locator:     blob.Locator,
	})
	if err != nil {
		e.blobs.DeleteAll(blob.Locator)
		return Result{}, err
	}

	e.blobs.DeleteAll(done.PartLocators...)
	e.blobs.DeleteAll(done.PreviousLocator)

	slog.Info("Completed multipart upload",
		"bucket", upload.Bucket,
		"key", upload.Key,
		"parts", len(parts),
		"size", humanize.IBytes(uint64(blob.Size)),
	)

	return Result{
		Bucket: upload.Bucket,
		Key:    upload.Key,
		ETag:   etag,
		Size:   blob.Size,
	}, nil
}

func validateParts(parts []metadata.Part, claimed []ClaimedPart) error {
	if len(parts) == 0 {
		return fmt.Errorf("%w: no parts uploaded", ErrMissingPart)
	}

	for i, p := range parts {
		if p.Number != i+1 {
			return fmt.Errorf("%w: expected part %d, found %d", ErrMissingPart, i+1, p.Number)
		}
	}

	prev := 0
	for _, c := range claimed {
		if c.PartNumber <= prev {
			return fmt.Errorf("%w: part %d follows %d", ErrInvalidPartOrder, c.PartNumber, prev)
		}
		prev = c.PartNumber

		if c.PartNumber < 1 || c.PartNumber > len(parts) {
			return fmt.Errorf("%w: part %d was never uploaded", ErrPartMismatch, c.PartNumber)
		}
		stored := parts[c.PartNumber-1]
		if NormalizeETag(c.ETag) != NormalizeETag(stored.ETag) {
			return fmt.Errorf("%w: part %d", ErrPartMismatch, c.PartNumber)
		}
	}
	return nil
}

// NormalizeETag strips whitespace and surrounding quotes.
func NormalizeETag(etag string) string {
	return strings.Trim(strings.TrimSpace(etag), `"`)
}

// CompositeETag returns hex(md5(concat(md5 of each part)))-N.
func CompositeETag(parts []metadata.Part) (string, error) {
	h := md5.New()
	for _, p := range parts {
		sum, err := hex.DecodeString(NormalizeETag(p.ETag))
		if err != nil {
			return "", fmt.Errorf("part %d has a malformed etag: %w", p.Number, err)
		}
		h.Write(sum)
	}
	return fmt.Sprintf("%s-%d", hex.EncodeToString(h.Sum(nil)), len(parts)), nil
}

// Abort discards an initiated upload and its parts.
func (e *Engine) Abort(ctx context.Context, uploadID string) error {
	unlock := e.locks.Lock(uploadID)
	defer unlock()

	locators, err := e.meta.AbortUpload(ctx, uploadID)
	if err != nil {
		return err
	}

	e.blobs.DeleteAll(locators...)
	return nil
}

// ListParts lists the parts of an initiated upload.
func (e *Engine) ListParts(ctx context.Context, uploadID string, marker int, max int) (metadata.Upload, []metadata.Part, bool, error) {
	upload, err := e.meta.GetUpload(ctx, uploadID)
	if err != nil {
		return metadata.Upload{}, nil, false, err
	}
	if upload.Status != metadata.UploadInitiated {
		return metadata.Upload{}, nil, false, fmt.Errorf("%w: %s is %s", ErrUploadNotFound, uploadID, upload.Status)
	}

	parts, truncated, err := e.meta.ListParts(ctx, uploadID, marker, max)
	return upload, parts, truncated, err
}

// ListUploads lists the initiated uploads of a bucket.
func (e *Engine) ListUploads(ctx context.Context, bucketID int64, opts metadata.ListUploadsOptions) ([]metadata.Upload, bool, error) {
	return e.meta.ListUploads(ctx, bucketID, opts)
}

// ExpireStale moves initiated uploads created before cutoff to expired and
// removes their part blobs. Completed uploads are never touched.
func (e *Engine) ExpireStale(ctx context.Context, cutoff time.Time) ([]metadata.ExpiredUpload, error) {
	ids, err := e.meta.StaleUploads(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	var expired []metadata.ExpiredUpload
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return expired, err
		}

		locators, err := e.expire(ctx, id)
		if errors.Is(err, ErrUploadNotFound) {
			continue
		}
		if err != nil {
			slog.Warn("Failed to expire upload", "upload_id", id, "err", err)
			continue
		}
		expired = append(expired, metadata.ExpiredUpload{UploadID: id, PartLocators: locators})
	}
	return expired, nil
}

func (e *Engine) expire(ctx context.Context, uploadID string) ([]string, error) {
	unlock := e.locks.Lock(uploadID)
	defer unlock()

	locators, err := e.meta.ExpireUpload(ctx, uploadID)
	if err != nil {
		return nil, err
	}

	e.blobs.DeleteAll(locators...)
	return locators, nil
}

// partReader streams parts back to back, opening one file at a time.
type partReader struct {
	blobs   *storage.BlobStore
	parts   []metadata.Part
	current *os.File
}

func (p *partReader) Read(b []byte) (int, error) {
	for {
		if p.current == nil {
			if len(p.parts) == 0 {
				return 0, io.EOF
			}
			f, err := p.blobs.Open(p.parts[0].Locator)
			if err != nil {
				return 0, fmt.Errorf("open part %d: %w", p.parts[0].Number, err)
			}
			p.current = f
			p.parts = p.parts[1:]
		}

		n, err := p.current.Read(b)
		if errors.Is(err, io.EOF) {
			_ = p.current.Close()
			p.current = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (p *partReader) Close() {
	if p.current != nil {
		_ = p.current.Close()
		p.current = nil
	}
}
