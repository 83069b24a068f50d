package cache

import (
	"context"

	"depot/internal/auth"
)

// CachedCredentials fronts a credential store with a TTL cache.
type CachedCredentials struct {
	source auth.CredentialStore
	cache  *TTLCache[auth.Credential]
}

func NewCachedCredentials(source auth.CredentialStore, size int) *CachedCredentials {
	return &CachedCredentials{
		source: source,
		cache:  New[auth.Credential](size, CredentialTTL),
	}
}

func (c *CachedCredentials) LookupCredential(ctx context.Context, accessKey string) (*auth.Credential, error) {
	cred, err := c.cache.GetOrLoad(ctx, Key("credentials", accessKey), func(ctx context.Context) (auth.Credential, error) {
		cred, err := c.source.LookupCredential(ctx, accessKey)
		if err != nil {
			return auth.Credential{}, err
		}
		return *cred, nil
	})
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

// Invalidate drops the cached entry for accessKey.
func (c *CachedCredentials) Invalidate(accessKey string) {
	c.cache.Invalidate(Key("credentials", accessKey))
}
