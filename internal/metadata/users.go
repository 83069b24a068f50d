package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"depot/internal/auth"
)

type User struct {
	ID        int64
	Username  string
	AccessKey string
	CreatedAt time.Time
}

func (s *Store) seedDefaultUser(ctx context.Context) error {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return fmt.Errorf("count users: %w", err)
	}
	if count > 0 {
		return nil
	}

	if _, err := s.CreateUser(ctx, DefaultUsername, s.rootAccessKey, s.rootSecretKey); err != nil {
		return fmt.Errorf("seed default user: %w", err)
	}
	return nil
}

// CreateUser adds a user with the given key pair.
func (s *Store) CreateUser(ctx context.Context, username string, accessKey string, secretKey string) (User, error) {
	now := s.timestamp()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users(username, access_key, secret_key, created_at) VALUES(?, ?, ?, ?)`,
		username, accessKey, secretKey, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, fmt.Errorf("%w: %s", ErrUserExists, username)
		}
		return User{}, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return User{}, err
	}

	return User{ID: id, Username: username, AccessKey: accessKey, CreatedAt: now}, nil
}

// LookupCredential resolves an access key to its secret and owning user.
func (s *Store) LookupCredential(ctx context.Context, accessKey string) (*auth.Credential, error) {
	cred := auth.Credential{AccessKey: accessKey}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, secret_key FROM users WHERE access_key = ?`,
		accessKey,
	).Scan(&cred.UserID, &cred.Username, &cred.SecretKey)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrAccessKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cred, nil
}
