package crypto

import (
	"context"
	"errors"
	"time"

	"github.com/kenneth/blob-encryption-gateway/internal/cache"
)

const resolverCacheNamespace = "key-provider"

// CachingResolver memoizes an upstream resolver's providers for a TTL. Only
// providers are cached; content keys never are. Unknown ids are not cached.
type CachingResolver struct {
	upstream KeyResolver
	cache    cache.Cache
	ttl      time.Duration

	// OnLookup, when set, is called with whether a lookup was served from cache.
	OnLookup func(hit bool)
}

// NewCachingResolver wraps upstream with a cache holding up to maxItems providers.
func NewCachingResolver(upstream KeyResolver, ttl time.Duration, maxItems int) (*CachingResolver, error) {
	if upstream == nil {
		return nil, errors.New("upstream resolver is required")
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachingResolver{
		upstream: upstream,
		cache:    cache.NewMemoryCache(0, maxItems, ttl),
		ttl:      ttl,
	}, nil
}

// ResolveKey implements KeyResolver.
func (r *CachingResolver) ResolveKey(ctx context.Context, keyID string) (KeyProvider, error) {
	if entry, ok := r.cache.Get(ctx, resolverCacheNamespace, keyID); ok {
		if key, ok := entry.Value.(KeyProvider); ok {
			r.observe(true)
			return key, nil
		}
	}
	r.observe(false)

	key, err := r.upstream.ResolveKey(ctx, keyID)
	if err != nil || key == nil {
		return key, err
	}
	// A full cache only costs a later upstream lookup.
	_ = r.cache.Set(ctx, resolverCacheNamespace, keyID, key, 1, r.ttl)
	return key, nil
}

// Invalidate drops a cached provider, e.g. after a key rotation.
func (r *CachingResolver) Invalidate(ctx context.Context, keyID string) {
	_ = r.cache.Delete(ctx, resolverCacheNamespace, keyID)
}

// Stats exposes the underlying cache statistics.
func (r *CachingResolver) Stats() cache.Stats {
	return r.cache.Stats()
}

func (r *CachingResolver) observe(hit bool) {
	if r.OnLookup != nil {
		r.OnLookup(hit)
	}
}
