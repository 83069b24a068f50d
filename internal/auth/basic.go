package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

const (
	BasicAuthPrefix = "Basic "
)

type BasicAuthEngine struct {
	Credentials CredentialStore
}

// NewBasicAuthEngine creates a new BasicAuthEngine that checks the supplied
// key pair against the given credential store.
func NewBasicAuthEngine(creds CredentialStore) *BasicAuthEngine {
	return &BasicAuthEngine{
		Credentials: creds,
	}
}

// AuthenticateRequest checks the Authorization header for valid Basic Auth
// credentials. It returns a User object if the credentials are valid.
func (e *BasicAuthEngine) AuthenticateRequest(ctx context.Context, r *http.Request) (*User, error) {
	if !strings.HasPrefix(r.Header.Get("Authorization"), BasicAuthPrefix) {
		return nil, nil
	}

	accessKey, secretKey, ok := r.BasicAuth()
	if !ok {
		return nil, ErrMalformedAuth
	}

	cred, err := e.Credentials.LookupCredential(ctx, accessKey)
	if err != nil {
		return nil, err
	}

	if subtle.ConstantTimeCompare([]byte(cred.SecretKey), []byte(secretKey)) != 1 {
		return nil, ErrSignatureInvalid
	}

	return cred.User(), nil
}

type CompoundAuthEngine struct {
	engines []AuthEngine
}

// NewCompoundAuthEngine creates a new CompoundAuthEngine with the given AuthEngines.
func NewCompoundAuthEngine(engines ...AuthEngine) *CompoundAuthEngine {
	return &CompoundAuthEngine{
		engines: engines,
	}
}

// AuthenticateRequest tries each engine in order and returns the first user.
// When no engine succeeds the first error reported is returned.
func (e *CompoundAuthEngine) AuthenticateRequest(ctx context.Context, r *http.Request) (*User, error) {
	var firstErr error
	for _, engine := range e.engines {
		user, err := engine.AuthenticateRequest(ctx, r)
		if user != nil && err == nil {
			return user, nil
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if firstErr == nil {
		firstErr = ErrNoCredentials
	}
	return nil, firstErr
}
