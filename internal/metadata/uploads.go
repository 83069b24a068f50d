package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type UploadStatus string

const (
	UploadInitiated UploadStatus = "initiated"
	UploadCompleted UploadStatus = "completed"
	UploadAborted   UploadStatus = "aborted"
	UploadExpired   UploadStatus = "expired"
)

type Upload struct {
	ID          int64
	UploadID    string
	BucketID    int64
	Bucket      string
	Key         string
	OwnerID     int64
	ContentType string
	Status      UploadStatus
	CreatedAt   time.Time
	CompletedAt sql.NullTime
}

type Part struct {
	UploadID  string
	Number    int
	Size      int64
	ETag      string
	Locator   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CompletedUpload lists the blobs a completion released: the object blob
// it replaced and every part blob.
type CompletedUpload struct {
	PreviousLocator string
	PartLocators    []string
}

type ExpiredUpload struct {
	UploadID     string
	PartLocators []string
}

const uploadColumns = `u.id, u.upload_id, u.bucket_id, b.name, u.key_name, u.user_id, u.content_type, u.status, u.created_at, u.completed_at`

func scanUpload(row interface{ Scan(...any) error }) (Upload, error) {
	var u Upload
	var contentType sql.NullString
	var status string
	err := row.Scan(&u.ID, &u.UploadID, &u.BucketID, &u.Bucket, &u.Key, &u.OwnerID, &contentType, &status, &u.CreatedAt, &u.CompletedAt)
	u.ContentType = contentType.String
	u.Status = UploadStatus(status)
	return u, err
}

// CreateUpload records a new initiated upload. A token collision yields
// ErrUploadExists.
func (s *Store) CreateUpload(ctx context.Context, upload Upload) (Upload, error) {
	upload.Status = UploadInitiated
	upload.CreatedAt = s.timestamp()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO multipart_uploads(upload_id, bucket_id, key_name, user_id, content_type, status, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		upload.UploadID, upload.BucketID, upload.Key, upload.OwnerID, nullString(upload.ContentType), upload.Status, upload.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return Upload{}, fmt.Errorf("%w: %s", ErrUploadExists, upload.UploadID)
		}
		return Upload{}, err
	}

	upload.ID, err = res.LastInsertId()
	return upload, err
}

// GetUpload returns the upload in any status.
func (s *Store) GetUpload(ctx context.Context, uploadID string) (Upload, error) {
	u, err := scanUpload(s.db.QueryRowContext(ctx,
		`SELECT `+uploadColumns+` FROM multipart_uploads u JOIN buckets b ON b.id = u.bucket_id WHERE u.upload_id = ?`,
		uploadID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return Upload{}, fmt.Errorf("%w: %s", ErrUploadNotFound, uploadID)
	}
	return u, err
}

func requireInitiated(ctx context.Context, tx *sql.Tx, uploadID string) error {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM multipart_uploads WHERE upload_id = ?`, uploadID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && UploadStatus(status) != UploadInitiated) {
		return fmt.Errorf("%w: %s", ErrUploadNotFound, uploadID)
	}
	return err
}

// PutPart records a part of an initiated upload, replacing any previous
// part with the same number. It returns the replaced part's locator.
func (s *Store) PutPart(ctx context.Context, part Part) (string, error) {
	var previous string
	err := withTransaction(ctx, s.db, func(tx *sql.Tx) error {
		if err := requireInitiated(ctx, tx, part.UploadID); err != nil {
			return err
		}

		err := tx.QueryRowContext(ctx,
			`SELECT storage_path FROM parts WHERE upload_id = ? AND part_number = ?`,
			part.UploadID, part.Number,
		).Scan(&previous)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		now := s.timestamp()
		_, err = tx.ExecContext(ctx,
			`INSERT INTO parts(upload_id, part_number, size, etag, storage_path, created_at, updated_at)
			 VALUES(?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(upload_id, part_number) DO UPDATE SET
			 	size = excluded.size,
			 	etag = excluded.etag,
			 	storage_path = excluded.storage_path,
			 	updated_at = excluded.updated_at`,
			part.UploadID, part.Number, part.Size, part.ETag, part.Locator, now, now,
		)
		return err
	})
	if err != nil {
		return "", err
	}
	if previous == part.Locator {
		return "", nil
	}
	return previous, nil
}

// ListParts returns up to max parts numbered above marker, and whether more
// remain.
func (s *Store) ListParts(ctx context.Context, uploadID string, marker int, max int) ([]Part, bool, error) {
	if max <= 0 {
		max = DefaultMaxKeys
	}

	parts, err := s.queryParts(ctx, s.db, uploadID, marker, max+1)
	if err != nil {
		return nil, false, err
	}
	if len(parts) > max {
		return parts[:max], true, nil
	}
	return parts, false, nil
}

// AllParts returns every part of the upload in ascending order.
func (s *Store) AllParts(ctx context.Context, uploadID string) ([]Part, error) {
	return s.queryParts(ctx, s.db, uploadID, 0, 0)
}

func (s *Store) queryParts(ctx context.Context, q queryer, uploadID string, marker int, limit int) ([]Part, error) {
	query := `SELECT upload_id, part_number, size, etag, storage_path, created_at, updated_at
		FROM parts WHERE upload_id = ? AND part_number > ? ORDER BY part_number`
	args := []any{uploadID, marker}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var parts []Part
	for rows.Next() {
		var p Part
		if err := rows.Scan(&p.UploadID, &p.Number, &p.Size, &p.ETag, &p.Locator, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	return parts, rows.Err()
}

type ListUploadsOptions struct {
	Prefix         string
	KeyMarker      string
	UploadIDMarker string
	MaxUploads     int
}

// ListUploads returns initiated uploads in the bucket ordered by key and
// upload id, and whether more remain.
func (s *Store) ListUploads(ctx context.Context, bucketID int64, opts ListUploadsOptions) ([]Upload, bool, error) {
	if opts.MaxUploads <= 0 {
		opts.MaxUploads = DefaultMaxKeys
	}

	// Without an upload id marker every upload of the marker key is skipped.
	markerClause := `u.key_name > ?`
	args := []any{bucketID, UploadInitiated, opts.Prefix, opts.Prefix, opts.KeyMarker}
	if opts.UploadIDMarker != "" {
		markerClause = `(u.key_name > ? OR (u.key_name = ? AND u.upload_id > ?))`
		args = append(args, opts.KeyMarker, opts.UploadIDMarker)
	}
	args = append(args, opts.MaxUploads+1)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+uploadColumns+` FROM multipart_uploads u JOIN buckets b ON b.id = u.bucket_id
		 WHERE u.bucket_id = ? AND u.status = ?
		   AND substr(u.key_name, 1, length(?)) = ?
		   AND `+markerClause+`
		 ORDER BY u.key_name, u.upload_id
		 LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	var uploads []Upload
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, false, err
		}
		uploads = append(uploads, u)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	if len(uploads) > opts.MaxUploads {
		return uploads[:opts.MaxUploads], true, nil
	}
	return uploads, false, nil
}

// CompleteUpload atomically writes the assembled object, marks the upload
// completed and drops its part rows. The upload must still be initiated.
func (s *Store) CompleteUpload(ctx context.Context, uploadID string, rec ObjectRecord) (CompletedUpload, error) {
	var done CompletedUpload
	err := withTransaction(ctx, s.db, func(tx *sql.Tx) error {
		if err := requireInitiated(ctx, tx, uploadID); err != nil {
			return err
		}

		now := s.timestamp()
		previous, err := upsertObject(ctx, tx, rec, now)
		if err != nil {
			return err
		}
		done.PreviousLocator = previous

		done.PartLocators, err = deleteParts(ctx, tx, uploadID)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE multipart_uploads SET status = ?, completed_at = ? WHERE upload_id = ?`,
			UploadCompleted, now, uploadID,
		)
		return err
	})
	if err != nil {
		return CompletedUpload{}, err
	}
	return done, nil
}

// AbortUpload marks an initiated upload aborted, drops its part rows and
// returns their locators.
func (s *Store) AbortUpload(ctx context.Context, uploadID string) ([]string, error) {
	return s.closeUpload(ctx, uploadID, UploadAborted)
}

func (s *Store) closeUpload(ctx context.Context, uploadID string, status UploadStatus) ([]string, error) {
	var locators []string
	err := withTransaction(ctx, s.db, func(tx *sql.Tx) error {
		if err := requireInitiated(ctx, tx, uploadID); err != nil {
			return err
		}

		var err error
		locators, err = deleteParts(ctx, tx, uploadID)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE multipart_uploads SET status = ?, completed_at = ? WHERE upload_id = ?`,
			status, s.timestamp(), uploadID,
		)
		return err
	})
	return locators, err
}

func deleteParts(ctx context.Context, tx *sql.Tx, uploadID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `DELETE FROM parts WHERE upload_id = ? RETURNING storage_path`, uploadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var locators []string
	for rows.Next() {
		var locator string
		if err := rows.Scan(&locator); err != nil {
			return nil, err
		}
		locators = append(locators, locator)
	}
	return locators, rows.Err()
}

// StaleUploads returns the ids of initiated uploads created before cutoff.
func (s *Store) StaleUploads(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT upload_id FROM multipart_uploads WHERE status = ? AND created_at < ? ORDER BY created_at`,
		UploadInitiated, cutoff.UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ExpireUpload moves one initiated upload to expired, dropping its parts.
func (s *Store) ExpireUpload(ctx context.Context, uploadID string) ([]string, error) {
	return s.closeUpload(ctx, uploadID, UploadExpired)
}
