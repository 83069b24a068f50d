package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

const (
	TempSuffix = ".tmp"
	LockSuffix = ".lock"

	DefaultChunkSize = 32 * 1024

	// touchEvery bounds how often a long write refreshes its lock file.
	touchEvery = 5 * time.Second
)

var (
	ErrLockTimeout    = errors.New("timed out acquiring blob lock")
	ErrWriteFailed    = errors.New("blob write failed")
	ErrInvalidLocator = errors.New("invalid blob locator")
	ErrInvalidRange   = errors.New("invalid byte range")
)

// Blob describes a stored payload.
type Blob struct {
	Locator string
	Size    int64
	MD5     string
}

// BlobStore stores opaque payloads on the local filesystem. Every payload is
// addressed by a random locator and laid out as <root>/<ab>/<locator>, with
// its in-flight temp file and lock file colocated next to it.
type BlobStore struct {
	root         string
	lockTimeout  time.Duration
	pollInterval time.Duration
	chunkSize    int
}

type BlobStoreOption func(*BlobStore)

func WithLockTimeout(timeout time.Duration) BlobStoreOption {
	return func(s *BlobStore) {
		s.lockTimeout = timeout
	}
}

func WithPollInterval(interval time.Duration) BlobStoreOption {
	return func(s *BlobStore) {
		s.pollInterval = interval
	}
}

func WithChunkSize(size int) BlobStoreOption {
	return func(s *BlobStore) {
		s.chunkSize = size
	}
}

// NewBlobStore creates a BlobStore rooted at root, creating the directory if
// it does not exist.
func NewBlobStore(root string, opts ...BlobStoreOption) (*BlobStore, error) {
	s := &BlobStore{
		root:         root,
		lockTimeout:  DefaultLockTimeout,
		pollInterval: DefaultPollInterval,
		chunkSize:    DefaultChunkSize,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.chunkSize <= 0 {
		s.chunkSize = DefaultChunkSize
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}

	return s, nil
}

// Root returns the directory holding all blobs.
func (s *BlobStore) Root() string {
	return s.root
}

// LockTimeout returns the lock acquisition timeout, which also serves as the
// age after which a lock file is considered abandoned.
func (s *BlobStore) LockTimeout() time.Duration {
	return s.lockTimeout
}

// Path resolves locator to its on-disk path.
func (s *BlobStore) Path(locator string) (string, error) {
	if !IsLocator(locator) {
		return "", fmt.Errorf("%w: %q", ErrInvalidLocator, locator)
	}
	return filepath.Join(s.root, locator[:2], locator), nil
}

// IsLocator reports whether name is a canonical locator string.
func IsLocator(name string) bool {
	id, err := uuid.Parse(name)
	return err == nil && id.String() == name
}

// Write streams r into a new blob. The payload is written to a temp file
// under an exclusive lock and renamed into place only once complete, so a
// reader never observes a partial blob.
func (s *BlobStore) Write(ctx context.Context, r io.Reader) (Blob, error) {
	locator := uuid.NewString()
	path, err := s.Path(locator)
	if err != nil {
		return Blob{}, err
	}

	lock, err := s.lockNew(ctx, path)
	if err != nil {
		return Blob{}, err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			slog.Warn("Failed to release blob lock", "locator", locator, "err", err)
		}
	}()

	tempPath := path + TempSuffix
	size, sum, err := s.writeTemp(ctx, tempPath, r, lock)
	if err != nil {
		removeQuietly(tempPath)
		return Blob{}, fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}

	if err := MoveFile(tempPath, path); err != nil {
		removeQuietly(tempPath)
		return Blob{}, fmt.Errorf("%w: rename into place: %w", ErrWriteFailed, err)
	}

	slog.Debug("Stored blob", "locator", locator, "size", humanize.IBytes(uint64(size)))

	return Blob{Locator: locator, Size: size, MD5: sum}, nil
}

// lockNew creates the shard directory for path and takes the write lock.
// The collector may prune an empty shard between the two steps, so a
// vanished directory gets one more attempt.
func (s *BlobStore) lockNew(ctx context.Context, path string) (*FileLock, error) {
	var lastErr error
	for range 2 {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("%w: create blob dir: %w", ErrWriteFailed, err)
		}
		lock, err := AcquireLock(ctx, path+LockSuffix, s.lockTimeout, s.pollInterval)
		if !errors.Is(err, fs.ErrNotExist) {
			return lock, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (s *BlobStore) writeTemp(ctx context.Context, tempPath string, r io.Reader, lock *FileLock) (int64, string, error) {
	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return 0, "", fmt.Errorf("create temp file: %w", err)
	}

	h := md5.New()
	src := &contextReader{ctx: ctx, r: r, lock: lock, lastTouch: time.Now()}
	buf := make([]byte, s.chunkSize)

	written, err := io.CopyBuffer(io.MultiWriter(f, h), src, buf)
	if err != nil {
		_ = f.Close()
		return 0, "", err
	}

	if err := f.Sync(); err != nil {
		_ = f.Close()
		return 0, "", fmt.Errorf("sync temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		return 0, "", fmt.Errorf("close temp file: %w", err)
	}

	return written, hex.EncodeToString(h.Sum(nil)), nil
}

// Open returns the full contents of the blob.
func (s *BlobStore) Open(locator string) (*os.File, error) {
	path, err := s.Path(locator)
	if err != nil {
		return nil, err
	}
	return os.Open(path)
}

type sectionReadCloser struct {
	io.Reader
	io.Closer
}

// OpenRange returns the bytes in [start, end] inclusive.
func (s *BlobStore) OpenRange(locator string, start int64, end int64) (io.ReadCloser, error) {
	f, err := s.Open(locator)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	if start < 0 || end < start || end >= info.Size() {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %d-%d of %d", ErrInvalidRange, start, end, info.Size())
	}

	return sectionReadCloser{
		Reader: io.NewSectionReader(f, start, end-start+1),
		Closer: f,
	}, nil
}

// Stat returns file information for the blob.
func (s *BlobStore) Stat(locator string) (os.FileInfo, error) {
	path, err := s.Path(locator)
	if err != nil {
		return nil, err
	}
	return os.Stat(path)
}

// Delete removes the blob. Deleting a blob that does not exist succeeds.
func (s *BlobStore) Delete(locator string) error {
	path, err := s.Path(locator)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// DeleteAll removes every listed blob, logging failures. It is used after a
// metadata commit has already dropped the references.
func (s *BlobStore) DeleteAll(locators ...string) {
	for _, locator := range locators {
		if locator == "" {
			continue
		}
		if err := s.Delete(locator); err != nil {
			slog.Warn("Failed to delete blob", "locator", locator, "err", err)
		}
	}
}

func removeQuietly(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Debug("Failed to remove temp file", "path", path, "err", err)
	}
}

// contextReader aborts a copy once ctx is done and keeps the writer's lock
// file fresh.
type contextReader struct {
	ctx       context.Context
	r         io.Reader
	lock      *FileLock
	lastTouch time.Time
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}

	if c.lock != nil && time.Since(c.lastTouch) > touchEvery {
		c.lock.Touch()
		c.lastTouch = time.Now()
	}

	return c.r.Read(p)
}
