// Package metadata persists buckets, objects, multipart uploads, parts and
// credentials in SQLite.
package metadata

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"time"

	"depot/internal/auth"

	"github.com/mattn/go-sqlite3"
)

var (
	//go:embed migrations
	migrationsFS embed.FS
)

var (
	ErrNotFound       = errors.New("not found")
	ErrBucketExists   = errors.New("bucket already exists")
	ErrBucketNotEmpty = errors.New("bucket not empty")
	ErrUploadNotFound = errors.New("multipart upload not found")
	ErrUploadExists   = errors.New("multipart upload id already exists")
	ErrUserExists     = errors.New("user already exists")
)

const DefaultUsername = "admin"

// Store is the SQLite-backed metadata store.
type Store struct {
	db  *sql.DB
	now func() time.Time

	rootAccessKey string
	rootSecretKey string
}

type Option func(*Store)

// WithRootCredentials sets the key pair seeded for the default user when the
// users table is empty.
func WithRootCredentials(accessKey string, secretKey string) Option {
	return func(s *Store) {
		s.rootAccessKey = accessKey
		s.rootSecretKey = secretKey
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Open opens (creating if necessary) the database at dbPath, applies pending
// migrations and seeds the default user.
func Open(ctx context.Context, dbPath string, opts ...Option) (*Store, error) {
	s := &Store{
		now:           time.Now,
		rootAccessKey: auth.DefaultAccessKeyID,
		rootSecretKey: auth.DefaultSecretAccessKey,
	}
	for _, opt := range opts {
		opt(s)
	}

	dsn := "file:" + dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	s.db = db

	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := s.seedDefaultUser(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC()
}

// migrate applies every SQL file in the embedded migrations directory in
// lexicographical order, recording each in schema_version so it only runs
// once.
func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	return fs.WalkDir(migrationsFS, "migrations", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || path.Ext(p) != ".sql" {
			return nil
		}

		version := path.Base(p)

		var applied int
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_version WHERE version = ?`, version).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", version, err)
		}
		if applied > 0 {
			return nil
		}

		content, readError := migrationsFS.ReadFile(p)
		if readError != nil {
			return fmt.Errorf("error reading SQL file: %w", readError)
		}

		slog.Info("Running migration", "path", p)
		return withTransaction(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(content)); err != nil {
				return fmt.Errorf("apply %s: %w", version, err)
			}
			_, err := tx.ExecContext(ctx, `INSERT INTO schema_version(version, applied_at) VALUES(?, ?)`, version, time.Now().UTC())
			return err
		})
	})
}

// withTransaction runs a function within a database transaction.
func withTransaction(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return fmt.Errorf("error executing transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}

	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
