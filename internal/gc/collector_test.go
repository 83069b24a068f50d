package gc_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"depot/internal/auth"
	"depot/internal/gc"
	"depot/internal/metadata"
	"depot/internal/multipart"
	"depot/internal/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type env struct {
	meta   *metadata.Store
	blobs  *storage.BlobStore
	engine *multipart.Engine
	bucket metadata.Bucket
	owner  int64
}

func newEnv(t *testing.T) *env {
	t.Helper()

	dir := t.TempDir()
	meta, err := metadata.Open(t.Context(), filepath.Join(dir, "metadata.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })

	blobs, err := storage.NewBlobStore(filepath.Join(dir, "blobs"))
	require.NoError(t, err)

	cred, err := meta.LookupCredential(t.Context(), auth.DefaultAccessKeyID)
	require.NoError(t, err)
	bucket, err := meta.CreateBucket(t.Context(), "gc", cred.UserID)
	require.NoError(t, err)

	return &env{
		meta:   meta,
		blobs:  blobs,
		engine: multipart.NewEngine(meta, blobs, multipart.WithPartSizeLimits(1, 1024)),
		bucket: bucket,
		owner:  cred.UserID,
	}
}

func age(t *testing.T, path string, d time.Duration) {
	t.Helper()

	then := time.Now().Add(-d)
	require.NoError(t, os.Chtimes(path, then, then))
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestSweepFiles(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := t.Context()

	write := func(body string) string {
		blob, err := e.blobs.Write(ctx, strings.NewReader(body))
		require.NoError(t, err)
		path, err := e.blobs.Path(blob.Locator)
		require.NoError(t, err)
		return path
	}

	referenced := write("keep me")
	_, err := e.meta.PutObject(ctx, metadata.ObjectRecord{BucketID: e.bucket.ID, Key: "k", Size: 7, ETag: "e", Locator: filepath.Base(referenced)})
	require.NoError(t, err)
	age(t, referenced, 2*time.Hour)

	orphan := write("nobody points here")
	age(t, orphan, 2*time.Hour)

	freshOrphan := write("maybe mid-commit")

	shard := filepath.Join(e.blobs.Root(), "ab")
	require.NoError(t, os.MkdirAll(shard, 0o755))

	staleTemp := filepath.Join(shard, uuid.NewString()+storage.TempSuffix)
	require.NoError(t, os.WriteFile(staleTemp, []byte("partial"), 0o644))
	age(t, staleTemp, 2*time.Hour)

	freshTemp := filepath.Join(shard, uuid.NewString()+storage.TempSuffix)
	require.NoError(t, os.WriteFile(freshTemp, []byte("partial"), 0o644))

	staleLock := filepath.Join(shard, uuid.NewString()+storage.LockSuffix)
	require.NoError(t, os.WriteFile(staleLock, nil, 0o644))
	age(t, staleLock, time.Minute)

	heldLock := filepath.Join(shard, uuid.NewString()+storage.LockSuffix)
	lock, err := storage.AcquireLock(ctx, heldLock, time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	defer lock.Release()
	age(t, heldLock, time.Minute)

	report, err := gc.NewCollector(e.blobs, e.meta, e.engine).RunOnce(ctx)
	require.NoError(t, err)

	require.Equal(t, 1, report.TempFiles)
	require.Equal(t, 1, report.LockFiles)
	require.Equal(t, 1, report.Orphans)
	require.Equal(t, int64(len("partial")+len("nobody points here")), report.Bytes)

	require.True(t, exists(referenced))
	require.False(t, exists(orphan))
	require.True(t, exists(freshOrphan), "young blobs may still be awaiting their metadata row")
	require.False(t, exists(staleTemp))
	require.True(t, exists(freshTemp))
	require.False(t, exists(staleLock))
	require.True(t, exists(heldLock), "a held lock is never removed")
}

func TestSweepHandlesDeepTrees(t *testing.T) {
	t.Parallel()

	e := newEnv(t)

	dir := e.blobs.Root()
	for i := range 500 {
		dir = filepath.Join(dir, "d"+string(rune('a'+i%26)))
	}
	require.NoError(t, os.MkdirAll(dir, 0o755))
	leftover := filepath.Join(dir, uuid.NewString()+storage.TempSuffix)
	require.NoError(t, os.WriteFile(leftover, []byte("x"), 0o644))
	age(t, leftover, 3*time.Hour)

	report, err := gc.NewCollector(e.blobs, e.meta, nil).RunOnce(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, report.TempFiles)
	require.False(t, exists(leftover))
}

func TestPruneEmptyShards(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := t.Context()

	blob, err := e.blobs.Write(ctx, strings.NewReader("short-lived"))
	require.NoError(t, err)
	path, err := e.blobs.Path(blob.Locator)
	require.NoError(t, err)
	require.NoError(t, e.blobs.Delete(blob.Locator))

	shard := filepath.Dir(path)
	age(t, shard, 2*time.Hour)

	report, err := gc.NewCollector(e.blobs, e.meta, nil).RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.EmptyDirs)
	require.False(t, exists(shard), "emptied shard is pruned")
	require.True(t, exists(e.blobs.Root()), "the blob root stays")

	_, err = e.blobs.Write(ctx, strings.NewReader("after the sweep"))
	require.NoError(t, err, "writes recreate shards as needed")
}

func TestLockTTLFollowsBlobStore(t *testing.T) {
	t.Parallel()

	blobs, err := storage.NewBlobStore(t.TempDir(), storage.WithLockTimeout(5*time.Second))
	require.NoError(t, err)

	c := gc.NewCollector(blobs, nil, nil)
	require.Equal(t, 5*time.Second, c.LockTTL, "a lock older than the acquire timeout is abandoned")
}

func TestExpireUploads(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := t.Context()

	stale, err := e.engine.Initiate(ctx, e.bucket, "stale", e.owner, "")
	require.NoError(t, err)
	part, err := e.engine.UploadPart(ctx, stale.UploadID, 1, 4, strings.NewReader("data"))
	require.NoError(t, err)

	done, err := e.engine.Initiate(ctx, e.bucket, "done", e.owner, "")
	require.NoError(t, err)
	_, err = e.engine.UploadPart(ctx, done.UploadID, 1, 4, strings.NewReader("data"))
	require.NoError(t, err)
	_, err = e.engine.Complete(ctx, done.UploadID, nil)
	require.NoError(t, err)

	later := func() time.Time { return time.Now().Add(48 * time.Hour) }
	c := gc.NewCollector(e.blobs, e.meta, e.engine, gc.WithClock(later))
	report, err := c.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.ExpiredUploads)

	got, err := e.meta.GetUpload(ctx, stale.UploadID)
	require.NoError(t, err)
	require.Equal(t, metadata.UploadExpired, got.Status)

	got, err = e.meta.GetUpload(ctx, done.UploadID)
	require.NoError(t, err)
	require.Equal(t, metadata.UploadCompleted, got.Status, "completed uploads are never expired")

	_, err = e.blobs.Stat(part.Locator)
	require.Error(t, err, "expired part blobs are removed")

	obj, err := e.meta.GetObject(ctx, e.bucket.ID, "done")
	require.NoError(t, err)
	_, err = e.blobs.Stat(obj.Locator)
	require.NoError(t, err, "the completed object's blob survives")
}

func TestRunOnceStopsOnCancel(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := gc.NewCollector(e.blobs, e.meta, e.engine).RunOnce(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestCollectorIsATask(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	c := gc.NewCollector(e.blobs, e.meta, e.engine, gc.WithInterval(time.Minute))
	require.Equal(t, "garbage-collector", c.Name())
	require.Equal(t, time.Minute, c.Interval())
	require.NoError(t, c.Run(t.Context()))
}
