// Package gc sweeps the blob store for debris left by interrupted writes,
// blobs no metadata row points at, and multipart uploads nobody finished.
package gc

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"depot/internal/metadata"
	"depot/internal/storage"

	"github.com/dustin/go-humanize"
)

const (
	DefaultInterval  = 300 * time.Second
	DefaultTempTTL   = time.Hour
	DefaultUploadTTL = 24 * time.Hour
	DefaultOrphanTTL = time.Hour
)

// References answers whether a blob is still in use.
type References interface {
	LocatorReferenced(ctx context.Context, locator string) (bool, error)
}

// UploadExpirer expires initiated uploads created before a cutoff.
type UploadExpirer interface {
	ExpireStale(ctx context.Context, cutoff time.Time) ([]metadata.ExpiredUpload, error)
}

// Report summarises one sweep.
type Report struct {
	TempFiles      int
	LockFiles      int
	Orphans        int
	ExpiredUploads int
	EmptyDirs      int
	Bytes          int64
}

type Collector struct {
	Blobs   *storage.BlobStore
	Meta    References
	Uploads UploadExpirer

	TempTTL   time.Duration
	LockTTL   time.Duration
	UploadTTL time.Duration
	OrphanTTL time.Duration
	Every     time.Duration
	Now       func() time.Time
}

type Option func(*Collector)

func WithInterval(d time.Duration) Option {
	return func(c *Collector) {
		c.Every = d
	}
}

func WithUploadTTL(d time.Duration) Option {
	return func(c *Collector) {
		c.UploadTTL = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Collector) {
		c.Now = now
	}
}

func NewCollector(blobs *storage.BlobStore, meta References, uploads UploadExpirer, opts ...Option) *Collector {
	c := &Collector{
		Blobs:     blobs,
		Meta:      meta,
		Uploads:   uploads,
		TempTTL:   DefaultTempTTL,
		LockTTL:   blobs.LockTimeout(),
		UploadTTL: DefaultUploadTTL,
		OrphanTTL: DefaultOrphanTTL,
		Every:     DefaultInterval,
		Now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Collector) Name() string {
	return "garbage-collector"
}

func (c *Collector) Interval() time.Duration {
	return c.Every
}

func (c *Collector) Run(ctx context.Context) error {
	_, err := c.RunOnce(ctx)
	return err
}

// RunOnce performs a full sweep. Individual failures are logged and
// skipped; only cancellation of ctx stops the sweep early.
func (c *Collector) RunOnce(ctx context.Context) (Report, error) {
	var report Report
	now := c.Now()

	// Explicit stack so arbitrarily deep trees cannot exhaust the
	// goroutine stack.
	stack := []string{c.Blobs.Root()}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := os.ReadDir(dir)
		if err != nil {
			slog.Warn("Unable to read blob directory", "dir", dir, "err", err)
			continue
		}

		for _, entry := range entries {
			path := filepath.Join(dir, entry.Name())
			if entry.IsDir() {
				stack = append(stack, path)
				continue
			}

			info, err := entry.Info()
			if err != nil {
				continue
			}
			if err := c.sweepFile(ctx, path, info, now, &report); err != nil {
				if ctx.Err() != nil {
					return report, ctx.Err()
				}
				slog.Warn("Unable to sweep file", "path", path, "err", err)
			}
		}
	}

	// Shards emptied by earlier sweeps go once they have sat idle as long
	// as a temp file would.
	pruned, err := storage.RemoveEmptyDirs(c.Blobs.Root(), now.Add(-c.TempTTL))
	if err != nil {
		slog.Warn("Unable to prune empty blob directories", "err", err)
	}
	report.EmptyDirs = pruned

	if c.Uploads != nil {
		expired, err := c.Uploads.ExpireStale(ctx, now.Add(-c.UploadTTL))
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			slog.Warn("Unable to expire stale uploads", "err", err)
		}
		report.ExpiredUploads = len(expired)
	}

	if report != (Report{}) {
		slog.Info("Garbage collection finished",
			"temp_files", report.TempFiles,
			"lock_files", report.LockFiles,
			"orphans", report.Orphans,
			"expired_uploads", report.ExpiredUploads,
			"empty_dirs", report.EmptyDirs,
			"reclaimed", humanize.IBytes(uint64(report.Bytes)),
		)
	}

	return report, nil
}

func (c *Collector) sweepFile(ctx context.Context, path string, info os.FileInfo, now time.Time, report *Report) error {
	name := info.Name()
	age := now.Sub(info.ModTime())

	switch {
	case strings.HasSuffix(name, storage.TempSuffix):
		if age <= c.TempTTL {
			return nil
		}
		owner := strings.TrimSuffix(path, storage.TempSuffix) + storage.LockSuffix
		if storage.LockHeld(owner) {
			return nil
		}
		if err := remove(path); err != nil {
			return err
		}
		report.TempFiles++
		report.Bytes += info.Size()

	case strings.HasSuffix(name, storage.LockSuffix):
		if age <= c.LockTTL || storage.LockHeld(path) {
			return nil
		}
		if err := remove(path); err != nil {
			return err
		}
		report.LockFiles++

	case storage.IsLocator(name):
		if age <= c.OrphanTTL {
			return nil
		}
		referenced, err := c.Meta.LocatorReferenced(ctx, name)
		if err != nil || referenced {
			return err
		}
		if err := remove(path); err != nil {
			return err
		}
		slog.Debug("Removed orphaned blob", "locator", name, "size", humanize.IBytes(uint64(info.Size())))
		report.Orphans++
		report.Bytes += info.Size()
	}

	return nil
}

func remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
