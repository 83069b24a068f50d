package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type Bucket struct {
	ID        int64
	Name      string
	OwnerID   int64
	CreatedAt time.Time
}

type Tag struct {
	Key   string
	Value string
}

// CreateBucket records a new bucket owned by ownerID. Names are global, so a
// taken name yields ErrBucketExists whoever owns it.
func (s *Store) CreateBucket(ctx context.Context, name string, ownerID int64) (Bucket, error) {
	now := s.timestamp()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO buckets(name, user_id, created_at) VALUES(?, ?, ?)`,
		name, ownerID, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return Bucket{}, fmt.Errorf("%w: %s", ErrBucketExists, name)
		}
		return Bucket{}, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return Bucket{}, err
	}

	return Bucket{ID: id, Name: name, OwnerID: ownerID, CreatedAt: now}, nil
}

func (s *Store) GetBucket(ctx context.Context, name string) (Bucket, error) {
	b := Bucket{Name: name}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, created_at FROM buckets WHERE name = ?`,
		name,
	).Scan(&b.ID, &b.OwnerID, &b.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return Bucket{}, fmt.Errorf("bucket %s: %w", name, ErrNotFound)
	}
	return b, err
}

// ListBuckets returns the buckets owned by ownerID ordered by name.
func (s *Store) ListBuckets(ctx context.Context, ownerID int64) ([]Bucket, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, user_id, created_at FROM buckets WHERE user_id = ? ORDER BY name`,
		ownerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var buckets []Bucket
	for rows.Next() {
		var b Bucket
		if err := rows.Scan(&b.ID, &b.Name, &b.OwnerID, &b.CreatedAt); err != nil {
			return nil, err
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

// DeleteBucket removes an empty bucket. A bucket holding objects or
// initiated multipart uploads yields ErrBucketNotEmpty.
func (s *Store) DeleteBucket(ctx context.Context, bucketID int64) error {
	return withTransaction(ctx, s.db, func(tx *sql.Tx) error {
		var objects, uploads int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM objects WHERE bucket_id = ?`, bucketID).Scan(&objects); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM multipart_uploads WHERE bucket_id = ? AND status = ?`,
			bucketID, UploadInitiated,
		).Scan(&uploads); err != nil {
			return err
		}
		if objects > 0 || uploads > 0 {
			return ErrBucketNotEmpty
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM buckets WHERE id = ?`, bucketID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// PutBucketTags replaces the bucket's tag set.
func (s *Store) PutBucketTags(ctx context.Context, bucketID int64, tags []Tag) error {
	return withTransaction(ctx, s.db, func(tx *sql.Tx) error {
		return replaceTags(ctx, tx, "bucket_tags", "bucket_id", bucketID, tags)
	})
}

func (s *Store) GetBucketTags(ctx context.Context, bucketID int64) ([]Tag, error) {
	return queryTags(ctx, s.db, "bucket_tags", "bucket_id", bucketID)
}

func (s *Store) DeleteBucketTags(ctx context.Context, bucketID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM bucket_tags WHERE bucket_id = ?`, bucketID)
	return err
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// table and column are always package constants, never user input.
func replaceTags(ctx context.Context, tx *sql.Tx, table string, column string, id int64, tags []Tag) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE `+column+` = ?`, id); err != nil {
		return err
	}
	for _, tag := range tags {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO `+table+`(`+column+`, tag_key, tag_value) VALUES(?, ?, ?)
			 ON CONFLICT(`+column+`, tag_key) DO UPDATE SET tag_value = excluded.tag_value`,
			id, tag.Key, tag.Value,
		); err != nil {
			return err
		}
	}
	return nil
}

func queryTags(ctx context.Context, q queryer, table string, column string, id int64) ([]Tag, error) {
	rows, err := q.QueryContext(ctx, `SELECT tag_key, tag_value FROM `+table+` WHERE `+column+` = ? ORDER BY tag_key`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tags []Tag
	for rows.Next() {
		var t Tag
		if err := rows.Scan(&t.Key, &t.Value); err != nil {
			return nil, err
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}
