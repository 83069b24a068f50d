package auth

import (
	"context"
	"errors"
	"net/http"
	"sync"
)

const (
	DefaultAccessKeyID     = "minioadmin"
	DefaultSecretAccessKey = "minioadmin"
)

var (
	ErrSignatureInvalid  = errors.New("signature does not match")
	ErrAccessKeyNotFound = errors.New("access key not found")
	ErrRequestExpired    = errors.New("request has expired")
	ErrMalformedAuth     = errors.New("malformed authorization")
	ErrNoCredentials     = errors.New("no credentials supplied")
)

type User struct {
	ID          int64
	Username    string
	AccessKeyID string
}

// Credential is an access key pair and the user it belongs to.
type Credential struct {
	AccessKey string
	SecretKey string
	UserID    int64
	Username  string
}

func (c *Credential) User() *User {
	return &User{
		ID:          c.UserID,
		Username:    c.Username,
		AccessKeyID: c.AccessKey,
	}
}

// CredentialStore resolves an access key to its credential. Unknown keys
// yield ErrAccessKeyNotFound.
type CredentialStore interface {
	LookupCredential(ctx context.Context, accessKey string) (*Credential, error)
}

type AuthEngine interface {

	// AuthenticateRequest inspects the given HTTP request for valid
	// authentication credentials. If valid, it returns a User object. A nil
	// user and nil error mean the engine does not apply to the request. An
	// error is returned if the request used this engine's scheme but could
	// not be authenticated.
	AuthenticateRequest(ctx context.Context, rq *http.Request) (*User, error)
}

// StaticCredentials is an in-memory CredentialStore.
type StaticCredentials struct {
	mu    sync.RWMutex
	creds map[string]Credential
}

func NewStaticCredentials(creds ...Credential) *StaticCredentials {
	s := &StaticCredentials{creds: make(map[string]Credential, len(creds))}
	for _, c := range creds {
		s.creds[c.AccessKey] = c
	}
	return s
}

// DefaultCredentials returns a store holding only the default root key pair.
func DefaultCredentials() *StaticCredentials {
	return NewStaticCredentials(Credential{
		AccessKey: DefaultAccessKeyID,
		SecretKey: DefaultSecretAccessKey,
		UserID:    1,
		Username:  "admin",
	})
}

func (s *StaticCredentials) Add(c Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[c.AccessKey] = c
}

func (s *StaticCredentials) LookupCredential(_ context.Context, accessKey string) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.creds[accessKey]
	if !ok {
		return nil, ErrAccessKeyNotFound
	}
	return &c, nil
}

type userKey struct{}

func WithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// UserFromContext returns the authenticated user stored by WithUser, or nil.
func UserFromContext(ctx context.Context) *User {
	user, _ := ctx.Value(userKey{}).(*User)
	return user
}
