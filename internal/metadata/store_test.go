package metadata_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"depot/internal/auth"
	"depot/internal/metadata"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T, opts ...metadata.Option) *metadata.Store {
	t.Helper()

	store, err := metadata.Open(t.Context(), filepath.Join(t.TempDir(), "metadata.sqlite"), opts...)
	require.NoError(t, err, "Open error")
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func adminID(t *testing.T, store *metadata.Store) int64 {
	t.Helper()

	cred, err := store.LookupCredential(t.Context(), auth.DefaultAccessKeyID)
	require.NoError(t, err, "default user should be seeded")
	return cred.UserID
}

func TestOpenSeedsDefaultUser(t *testing.T) {
	t.Parallel()

	store := openStore(t, metadata.WithRootCredentials("root", "s3cr3t"))

	cred, err := store.LookupCredential(t.Context(), "root")
	require.NoError(t, err)
	require.Equal(t, "s3cr3t", cred.SecretKey)
	require.Equal(t, metadata.DefaultUsername, cred.Username)

	_, err = store.LookupCredential(t.Context(), "nobody")
	require.ErrorIs(t, err, auth.ErrAccessKeyNotFound)
}

func TestOpenIsIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "metadata.sqlite")

	first, err := metadata.Open(t.Context(), path)
	require.NoError(t, err)
	_, err = first.CreateUser(t.Context(), "alice", "alice-key", "alice-secret")
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := metadata.Open(t.Context(), path)
	require.NoError(t, err, "reopening must skip applied migrations")
	defer second.Close()

	_, err = second.LookupCredential(t.Context(), "alice-key")
	require.NoError(t, err, "data survives reopen")

	_, err = second.CreateUser(t.Context(), "alice", "other-key", "x")
	require.ErrorIs(t, err, metadata.ErrUserExists)
}

func TestBuckets(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	ctx := t.Context()
	owner := adminID(t, store)

	bucket, err := store.CreateBucket(ctx, "photos", owner)
	require.NoError(t, err)

	_, err = store.CreateBucket(ctx, "photos", owner)
	require.ErrorIs(t, err, metadata.ErrBucketExists)

	other, err := store.CreateUser(ctx, "bob", "bob-key", "bob-secret")
	require.NoError(t, err)
	_, err = store.CreateBucket(ctx, "photos", other.ID)
	require.ErrorIs(t, err, metadata.ErrBucketExists, "names are global")

	_, err = store.CreateBucket(ctx, "archive", owner)
	require.NoError(t, err)

	buckets, err := store.ListBuckets(ctx, owner)
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	require.Equal(t, "archive", buckets[0].Name)
	require.Equal(t, "photos", buckets[1].Name)

	none, err := store.ListBuckets(ctx, other.ID)
	require.NoError(t, err)
	require.Empty(t, none)

	got, err := store.GetBucket(ctx, "photos")
	require.NoError(t, err)
	require.Equal(t, bucket.ID, got.ID)
	require.Equal(t, owner, got.OwnerID)

	_, err = store.GetBucket(ctx, "missing")
	require.ErrorIs(t, err, metadata.ErrNotFound)

	require.NoError(t, store.PutBucketTags(ctx, bucket.ID, []metadata.Tag{{Key: "env", Value: "prod"}, {Key: "team", Value: "a"}}))
	tags, err := store.GetBucketTags(ctx, bucket.ID)
	require.NoError(t, err)
	require.Equal(t, []metadata.Tag{{Key: "env", Value: "prod"}, {Key: "team", Value: "a"}}, tags)
	require.NoError(t, store.DeleteBucketTags(ctx, bucket.ID))
	tags, err = store.GetBucketTags(ctx, bucket.ID)
	require.NoError(t, err)
	require.Empty(t, tags)
}

func TestDeleteBucketRequiresEmpty(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	ctx := t.Context()
	owner := adminID(t, store)

	bucket, err := store.CreateBucket(ctx, "busy", owner)
	require.NoError(t, err)

	_, err = store.PutObject(ctx, metadata.ObjectRecord{BucketID: bucket.ID, Key: "a", Size: 1, ETag: "e", Locator: uuid.NewString()})
	require.NoError(t, err)
	require.ErrorIs(t, store.DeleteBucket(ctx, bucket.ID), metadata.ErrBucketNotEmpty)

	_, err = store.DeleteObject(ctx, bucket.ID, "a")
	require.NoError(t, err)

	upload, err := store.CreateUpload(ctx, metadata.Upload{UploadID: uuid.NewString(), BucketID: bucket.ID, Key: "big", OwnerID: owner})
	require.NoError(t, err)
	require.ErrorIs(t, store.DeleteBucket(ctx, bucket.ID), metadata.ErrBucketNotEmpty, "initiated uploads keep a bucket busy")

	_, err = store.AbortUpload(ctx, upload.UploadID)
	require.NoError(t, err)
	require.NoError(t, store.DeleteBucket(ctx, bucket.ID))

	_, err = store.GetBucket(ctx, "busy")
	require.ErrorIs(t, err, metadata.ErrNotFound)
}

func TestPutObjectReturnsReplacedLocator(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	ctx := t.Context()
	bucket, err := store.CreateBucket(ctx, "docs", adminID(t, store))
	require.NoError(t, err)

	first := uuid.NewString()
	previous, err := store.PutObject(ctx, metadata.ObjectRecord{BucketID: bucket.ID, Key: "readme", Size: 3, ETag: "aaa", ContentType: "text/plain", Locator: first})
	require.NoError(t, err)
	require.Empty(t, previous)

	obj, err := store.GetObject(ctx, bucket.ID, "readme")
	require.NoError(t, err)
	require.NoError(t, store.PutObjectTags(ctx, obj.ID, []metadata.Tag{{Key: "k", Value: "v"}}))

	second := uuid.NewString()
	previous, err = store.PutObject(ctx, metadata.ObjectRecord{BucketID: bucket.ID, Key: "readme", Size: 5, ETag: "bbb", Locator: second})
	require.NoError(t, err)
	require.Equal(t, first, previous)

	obj, err = store.GetObject(ctx, bucket.ID, "readme")
	require.NoError(t, err)
	require.Equal(t, second, obj.Locator)
	require.Equal(t, int64(5), obj.Size)
	require.Empty(t, obj.ContentType)

	tags, err := store.GetObjectTags(ctx, obj.ID)
	require.NoError(t, err)
	require.Empty(t, tags, "overwrite clears tags")

	referenced, err := store.LocatorReferenced(ctx, first)
	require.NoError(t, err)
	require.False(t, referenced)
	referenced, err = store.LocatorReferenced(ctx, second)
	require.NoError(t, err)
	require.True(t, referenced)

	locator, err := store.DeleteObject(ctx, bucket.ID, "readme")
	require.NoError(t, err)
	require.Equal(t, second, locator)

	_, err = store.DeleteObject(ctx, bucket.ID, "readme")
	require.ErrorIs(t, err, metadata.ErrNotFound)
}

func TestListObjects(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	ctx := t.Context()
	bucket, err := store.CreateBucket(ctx, "tree", adminID(t, store))
	require.NoError(t, err)

	for _, key := range []string{"a.txt", "dir/one", "dir/two", "dir/sub/three", "other/x", "z.txt"} {
		_, err := store.PutObject(ctx, metadata.ObjectRecord{BucketID: bucket.ID, Key: key, Size: 1, ETag: "e", Locator: uuid.NewString()})
		require.NoError(t, err)
	}

	keys := func(res metadata.ListObjectsResult) []string {
		var out []string
		for _, o := range res.Objects {
			out = append(out, o.Key)
		}
		return out
	}

	res, err := store.ListObjects(ctx, bucket.ID, metadata.ListObjectsOptions{})
	require.NoError(t, err)
	require.Equal(t, []string{"a.txt", "dir/one", "dir/sub/three", "dir/two", "other/x", "z.txt"}, keys(res))
	require.False(t, res.IsTruncated)

	res, err = store.ListObjects(ctx, bucket.ID, metadata.ListObjectsOptions{Delimiter: "/"})
	require.NoError(t, err)
	require.Equal(t, []string{"a.txt", "z.txt"}, keys(res))
	require.Equal(t, []string{"dir/", "other/"}, res.CommonPrefixes)

	res, err = store.ListObjects(ctx, bucket.ID, metadata.ListObjectsOptions{Prefix: "dir/", Delimiter: "/"})
	require.NoError(t, err)
	require.Equal(t, []string{"dir/one", "dir/two"}, keys(res))
	require.Equal(t, []string{"dir/sub/"}, res.CommonPrefixes)

	res, err = store.ListObjects(ctx, bucket.ID, metadata.ListObjectsOptions{Delimiter: "/", MaxKeys: 2})
	require.NoError(t, err)
	require.Equal(t, []string{"a.txt"}, keys(res))
	require.Equal(t, []string{"dir/"}, res.CommonPrefixes)
	require.True(t, res.IsTruncated)
	require.Equal(t, "dir/", res.NextMarker)

	res, err = store.ListObjects(ctx, bucket.ID, metadata.ListObjectsOptions{Delimiter: "/", MaxKeys: 2, After: res.NextMarker})
	require.NoError(t, err)
	require.Equal(t, []string{"z.txt"}, keys(res))
	require.Equal(t, []string{"other/"}, res.CommonPrefixes, "a common prefix marker is not repeated")
	require.False(t, res.IsTruncated)
	require.Empty(t, res.NextMarker)
}

func newUpload(t *testing.T, store *metadata.Store, bucketID int64, key string) metadata.Upload {
	t.Helper()

	upload, err := store.CreateUpload(t.Context(), metadata.Upload{
		UploadID: uuid.NewString(),
		BucketID: bucketID,
		Key:      key,
		OwnerID:  adminID(t, store),
	})
	require.NoError(t, err)
	return upload
}

func TestUploadLifecycle(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	ctx := t.Context()
	bucket, err := store.CreateBucket(ctx, "media", adminID(t, store))
	require.NoError(t, err)

	upload := newUpload(t, store, bucket.ID, "movie.mp4")

	_, err = store.CreateUpload(ctx, metadata.Upload{UploadID: upload.UploadID, BucketID: bucket.ID, Key: "x", OwnerID: upload.OwnerID})
	require.ErrorIs(t, err, metadata.ErrUploadExists)

	got, err := store.GetUpload(ctx, upload.UploadID)
	require.NoError(t, err)
	require.Equal(t, metadata.UploadInitiated, got.Status)
	require.Equal(t, "media", got.Bucket)

	loc1, loc1b, loc2 := uuid.NewString(), uuid.NewString(), uuid.NewString()

	previous, err := store.PutPart(ctx, metadata.Part{UploadID: upload.UploadID, Number: 1, Size: 10, ETag: "p1", Locator: loc1})
	require.NoError(t, err)
	require.Empty(t, previous)

	previous, err = store.PutPart(ctx, metadata.Part{UploadID: upload.UploadID, Number: 1, Size: 11, ETag: "p1b", Locator: loc1b})
	require.NoError(t, err)
	require.Equal(t, loc1, previous, "replacing a part returns the old locator")

	_, err = store.PutPart(ctx, metadata.Part{UploadID: upload.UploadID, Number: 2, Size: 12, ETag: "p2", Locator: loc2})
	require.NoError(t, err)

	parts, truncated, err := store.ListParts(ctx, upload.UploadID, 0, 1)
	require.NoError(t, err)
	require.True(t, truncated)
	require.Len(t, parts, 1)
	require.Equal(t, "p1b", parts[0].ETag)

	parts, truncated, err = store.ListParts(ctx, upload.UploadID, 1, 10)
	require.NoError(t, err)
	require.False(t, truncated)
	require.Len(t, parts, 1)
	require.Equal(t, 2, parts[0].Number)

	objLoc := uuid.NewString()
	done, err := store.CompleteUpload(ctx, upload.UploadID, metadata.ObjectRecord{BucketID: bucket.ID, Key: "movie.mp4", Size: 23, ETag: "x-2", Locator: objLoc})
	require.NoError(t, err)
	require.Empty(t, done.PreviousLocator)
	require.ElementsMatch(t, []string{loc1b, loc2}, done.PartLocators)

	got, err = store.GetUpload(ctx, upload.UploadID)
	require.NoError(t, err)
	require.Equal(t, metadata.UploadCompleted, got.Status)
	require.True(t, got.CompletedAt.Valid)

	remaining, err := store.AllParts(ctx, upload.UploadID)
	require.NoError(t, err)
	require.Empty(t, remaining)

	_, err = store.PutPart(ctx, metadata.Part{UploadID: upload.UploadID, Number: 3, Size: 1, ETag: "late", Locator: uuid.NewString()})
	require.ErrorIs(t, err, metadata.ErrUploadNotFound, "completed uploads accept no parts")

	_, err = store.CompleteUpload(ctx, upload.UploadID, metadata.ObjectRecord{BucketID: bucket.ID, Key: "movie.mp4", Locator: uuid.NewString()})
	require.ErrorIs(t, err, metadata.ErrUploadNotFound, "completion happens once")

	_, err = store.AbortUpload(ctx, upload.UploadID)
	require.ErrorIs(t, err, metadata.ErrUploadNotFound)

	obj, err := store.GetObject(ctx, bucket.ID, "movie.mp4")
	require.NoError(t, err)
	require.Equal(t, objLoc, obj.Locator)
}

func TestListUploads(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	ctx := t.Context()
	bucket, err := store.CreateBucket(ctx, "uploads", adminID(t, store))
	require.NoError(t, err)

	a1 := newUpload(t, store, bucket.ID, "a")
	a2 := newUpload(t, store, bucket.ID, "a")
	b := newUpload(t, store, bucket.ID, "b")
	other := newUpload(t, store, bucket.ID, "x/c")
	_, err = store.AbortUpload(ctx, other.UploadID)
	require.NoError(t, err)

	uploads, truncated, err := store.ListUploads(ctx, bucket.ID, metadata.ListUploadsOptions{})
	require.NoError(t, err)
	require.False(t, truncated)
	require.Len(t, uploads, 3, "only initiated uploads are listed")

	uploads, _, err = store.ListUploads(ctx, bucket.ID, metadata.ListUploadsOptions{KeyMarker: "a"})
	require.NoError(t, err)
	require.Len(t, uploads, 1)
	require.Equal(t, b.UploadID, uploads[0].UploadID)

	firstA := min(a1.UploadID, a2.UploadID)
	uploads, _, err = store.ListUploads(ctx, bucket.ID, metadata.ListUploadsOptions{KeyMarker: "a", UploadIDMarker: firstA})
	require.NoError(t, err)
	require.Len(t, uploads, 2)
	require.Equal(t, max(a1.UploadID, a2.UploadID), uploads[0].UploadID)

	uploads, truncated, err = store.ListUploads(ctx, bucket.ID, metadata.ListUploadsOptions{Prefix: "b", MaxUploads: 1})
	require.NoError(t, err)
	require.False(t, truncated)
	require.Len(t, uploads, 1)
}

func TestExpireUploads(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}

	store := openStore(t, metadata.WithClock(clock))
	ctx := t.Context()
	bucket, err := store.CreateBucket(ctx, "stale", adminID(t, store))
	require.NoError(t, err)

	old := newUpload(t, store, bucket.ID, "old")
	partLoc := uuid.NewString()
	_, err = store.PutPart(ctx, metadata.Part{UploadID: old.UploadID, Number: 1, Size: 1, ETag: "e", Locator: partLoc})
	require.NoError(t, err)

	finished := newUpload(t, store, bucket.ID, "finished")
	_, err = store.CompleteUpload(ctx, finished.UploadID, metadata.ObjectRecord{BucketID: bucket.ID, Key: "finished", Locator: uuid.NewString()})
	require.NoError(t, err)

	advance(25 * time.Hour)
	fresh := newUpload(t, store, bucket.ID, "fresh")

	stale, err := store.StaleUploads(ctx, clock().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, []string{old.UploadID}, stale, "only the old initiated upload is stale")

	locators, err := store.ExpireUpload(ctx, old.UploadID)
	require.NoError(t, err)
	require.Equal(t, []string{partLoc}, locators)

	_, err = store.ExpireUpload(ctx, finished.UploadID)
	require.ErrorIs(t, err, metadata.ErrUploadNotFound, "completed uploads cannot expire")

	for id, want := range map[string]metadata.UploadStatus{
		old.UploadID:      metadata.UploadExpired,
		finished.UploadID: metadata.UploadCompleted,
		fresh.UploadID:    metadata.UploadInitiated,
	} {
		got, err := store.GetUpload(ctx, id)
		require.NoError(t, err)
		require.Equal(t, want, got.Status, fmt.Sprintf("upload %s", id))
	}
}

func TestConcurrentPutPartKeepsOneRow(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	ctx := context.Background()
	bucket, err := store.CreateBucket(ctx, "race", adminID(t, store))
	require.NoError(t, err)
	upload := newUpload(t, store, bucket.ID, "k")

	const writers = 8
	locators := make([]string, writers)
	replaced := make([]string, writers)

	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			locators[i] = uuid.NewString()
			prev, err := store.PutPart(ctx, metadata.Part{UploadID: upload.UploadID, Number: 1, Size: 1, ETag: "e", Locator: locators[i]})
			if err == nil {
				replaced[i] = prev
			}
		}()
	}
	wg.Wait()

	parts, err := store.AllParts(ctx, upload.UploadID)
	require.NoError(t, err)
	require.Len(t, parts, 1)

	released := 0
	for _, prev := range replaced {
		if prev != "" {
			released++
		}
	}
	require.Equal(t, writers-1, released, "every superseded locator is handed back exactly once")
}
