package auth

import (
	"context"
	"time"

	"github.com/ctflow/ctflow/internal/platform/cache"
)

// Denylist tracks revoked token JTIs. Entries expire with the token they
// revoke, so a revocation never needs to outlive its token.
type Denylist interface {
	Revoke(ctx context.Context, jti string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

const denylistKeyPrefix = "auth:denylist:"

type cacheDenylist struct {
	store cache.Store
}

// NewDenylist returns a Denylist backed by the shared cache. The TTL on
// each entry matches the revoked token's remaining lifetime.
func NewDenylist(store cache.Store) Denylist {
	return &cacheDenylist{store: store}
}

func (d *cacheDenylist) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		// Token already expired; nothing to revoke.
		return nil
	}
	return d.store.Set(ctx, denylistKeyPrefix+jti, "1", ttl)
}

func (d *cacheDenylist) IsRevoked(ctx context.Context, jti string) (bool, error) {
	return d.store.Exists(ctx, denylistKeyPrefix+jti)
}
