package sentinel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sentinelauth/sentinel/storage"
)

// cacheBlacklist satisfies token.Blacklist over the shared cache. A cache
// outage fails verification closed: an unverifiable revocation state never
// admits a token.
type cacheBlacklist struct {
	cache  storage.Cache
	prefix string
}

func (b cacheBlacklist) key(jti string) string { return b.prefix + ":bl:" + jti }

func (b cacheBlacklist) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	return b.cache.Set(ctx, b.key(jti), []byte("1"), ttl)
}

func (b cacheBlacklist) IsRevoked(ctx context.Context, jti string) (bool, error) {
	_, err := b.cache.Get(ctx, b.key(jti))
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: blacklist check: %v", ErrDependencyUnavailable, err)
	}
	return true, nil
}
