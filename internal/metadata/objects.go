package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const DefaultMaxKeys = 1000

type Object struct {
	ID          int64
	BucketID    int64
	Key         string
	Size        int64
	ETag        string
	ContentType string
	Locator     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ObjectRecord is the data written by PutObject.
type ObjectRecord struct {
	BucketID    int64
	Key         string
	Size        int64
	ETag        string
	ContentType string
	Locator     string
}

type ListObjectsOptions struct {
	Prefix    string
	Delimiter string
	After     string
	MaxKeys   int
}

type ListObjectsResult struct {
	Objects        []Object
	CommonPrefixes []string
	IsTruncated    bool
	NextMarker     string
}

const objectColumns = `id, bucket_id, key_name, size, etag, content_type, storage_path, created_at, updated_at`

func scanObject(row interface{ Scan(...any) error }) (Object, error) {
	var o Object
	var contentType sql.NullString
	err := row.Scan(&o.ID, &o.BucketID, &o.Key, &o.Size, &o.ETag, &contentType, &o.Locator, &o.CreatedAt, &o.UpdatedAt)
	o.ContentType = contentType.String
	return o, err
}

// PutObject creates or replaces the object named by rec. It returns the
// locator of the blob it replaced, if any, which the caller releases once
// the call has returned.
func (s *Store) PutObject(ctx context.Context, rec ObjectRecord) (string, error) {
	var previous string
	err := withTransaction(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		previous, err = upsertObject(ctx, tx, rec, s.timestamp())
		return err
	})
	return previous, err
}

func upsertObject(ctx context.Context, tx *sql.Tx, rec ObjectRecord, now time.Time) (string, error) {
	var id int64
	var previous string
	err := tx.QueryRowContext(ctx,
		`SELECT id, storage_path FROM objects WHERE bucket_id = ? AND key_name = ?`,
		rec.BucketID, rec.Key,
	).Scan(&id, &previous)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx,
			`INSERT INTO objects(bucket_id, key_name, size, etag, content_type, storage_path, created_at, updated_at)
			 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.BucketID, rec.Key, rec.Size, rec.ETag, nullString(rec.ContentType), rec.Locator, now, now,
		)
		return "", err
	case err != nil:
		return "", err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE objects SET size = ?, etag = ?, content_type = ?, storage_path = ?, updated_at = ? WHERE id = ?`,
		rec.Size, rec.ETag, nullString(rec.ContentType), rec.Locator, now, id,
	); err != nil {
		return "", err
	}

	// An overwrite starts with an empty tag set.
	if _, err := tx.ExecContext(ctx, `DELETE FROM object_tags WHERE object_id = ?`, id); err != nil {
		return "", err
	}

	if previous == rec.Locator {
		return "", nil
	}
	return previous, nil
}

func (s *Store) GetObject(ctx context.Context, bucketID int64, key string) (Object, error) {
	o, err := scanObject(s.db.QueryRowContext(ctx,
		`SELECT `+objectColumns+` FROM objects WHERE bucket_id = ? AND key_name = ?`,
		bucketID, key,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return Object{}, fmt.Errorf("object %s: %w", key, ErrNotFound)
	}
	return o, err
}

// DeleteObject removes the object and returns the locator of its blob.
func (s *Store) DeleteObject(ctx context.Context, bucketID int64, key string) (string, error) {
	var locator string
	err := withTransaction(ctx, s.db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`DELETE FROM objects WHERE bucket_id = ? AND key_name = ? RETURNING storage_path`,
			bucketID, key,
		).Scan(&locator)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("object %s: %w", key, ErrNotFound)
		}
		return err
	})
	return locator, err
}

// ListObjects lists keys after opts.After in lexicographic order. With a
// delimiter, keys sharing the segment of opts.Prefix up to and including
// the delimiter fold into one common prefix, which counts as a single
// entry against MaxKeys.
func (s *Store) ListObjects(ctx context.Context, bucketID int64, opts ListObjectsOptions) (ListObjectsResult, error) {
	if opts.MaxKeys <= 0 {
		opts.MaxKeys = DefaultMaxKeys
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+objectColumns+` FROM objects
		 WHERE bucket_id = ? AND key_name > ? AND substr(key_name, 1, ?) = ?
		 ORDER BY key_name`,
		bucketID, opts.After, utf8.RuneCountInString(opts.Prefix), opts.Prefix,
	)
	if err != nil {
		return ListObjectsResult{}, err
	}
	defer rows.Close()

	var result ListObjectsResult
	count := 0
	lastPrefix := ""

	for rows.Next() {
		o, err := scanObject(rows)
		if err != nil {
			return ListObjectsResult{}, err
		}

		commonPrefix := ""
		if opts.Delimiter != "" {
			rest := strings.TrimPrefix(o.Key, opts.Prefix)
			if idx := strings.Index(rest, opts.Delimiter); idx >= 0 {
				commonPrefix = opts.Prefix + rest[:idx+len(opts.Delimiter)]
			}
		}

		if commonPrefix != "" && (commonPrefix == lastPrefix || commonPrefix == opts.After) {
			continue
		}

		if count == opts.MaxKeys {
			result.IsTruncated = true
			break
		}

		if commonPrefix != "" {
			result.CommonPrefixes = append(result.CommonPrefixes, commonPrefix)
			result.NextMarker = commonPrefix
			lastPrefix = commonPrefix
		} else {
			result.Objects = append(result.Objects, o)
			result.NextMarker = o.Key
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return ListObjectsResult{}, err
	}

	if !result.IsTruncated {
		result.NextMarker = ""
	}
	return result, nil
}

// PutObjectTags replaces the object's tag set.
func (s *Store) PutObjectTags(ctx context.Context, objectID int64, tags []Tag) error {
	return withTransaction(ctx, s.db, func(tx *sql.Tx) error {
		return replaceTags(ctx, tx, "object_tags", "object_id", objectID, tags)
	})
}

func (s *Store) GetObjectTags(ctx context.Context, objectID int64) ([]Tag, error) {
	return queryTags(ctx, s.db, "object_tags", "object_id", objectID)
}

func (s *Store) DeleteObjectTags(ctx context.Context, objectID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM object_tags WHERE object_id = ?`, objectID)
	return err
}

// LocatorReferenced reports whether any object or part row points at the
// blob.
func (s *Store) LocatorReferenced(ctx context.Context, locator string) (bool, error) {
	var referenced bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM objects WHERE storage_path = ?)
		     OR EXISTS(SELECT 1 FROM parts WHERE storage_path = ?)`,
		locator, locator,
	).Scan(&referenced)
	return referenced, err
}
