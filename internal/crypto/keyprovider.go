package crypto

import (
	"context"
	"fmt"
	"sync"
)

// KeyWrapResult is the output of wrapping a content key.
type KeyWrapResult struct {
	// WrappedKey is the encrypted CEK persisted in the envelope.
	WrappedKey []byte
	// Algorithm names the wrap algorithm used; it is handed back to UnwrapKey.
	Algorithm string
	// Metadata is merged into the envelope's KeyWrappingMetadata.
	Metadata map[string]string
}

// KeyProvider wraps and unwraps content encryption keys with a key encryption
// key it holds or references. Implementations must be safe for concurrent use
// and must never expose the KEK itself.
type KeyProvider interface {
	// KeyID identifies the KEK; it is stored in the envelope.
	KeyID() string

	// WrapKey encrypts cek. An empty algorithm selects the provider default
	// for its key type and size. An algorithm the key cannot serve fails with
	// ErrUnsupportedAlgorithm.
	WrapKey(ctx context.Context, cek []byte, algorithm string) (*KeyWrapResult, error)

	// UnwrapKey decrypts a wrapped CEK. Unknown algorithms fail with
	// ErrUnsupportedAlgorithm; a wrong key fails with ErrKeyMismatch.
	UnwrapKey(ctx context.Context, wrapped []byte, algorithm string) ([]byte, error)
}

// KeyResolver finds the KeyProvider for a key id. Unknown ids resolve to
// (nil, nil) so that resolvers can be chained; an error means the lookup
// itself failed.
type KeyResolver interface {
	ResolveKey(ctx context.Context, keyID string) (KeyProvider, error)
}

// KeyResolverFunc adapts a function to KeyResolver.
type KeyResolverFunc func(ctx context.Context, keyID string) (KeyProvider, error)

// ResolveKey implements KeyResolver.
func (f KeyResolverFunc) ResolveKey(ctx context.Context, keyID string) (KeyProvider, error) {
	return f(ctx, keyID)
}

// ResolverChain consults each resolver in order and returns the first match.
type ResolverChain []KeyResolver

// ResolveKey implements KeyResolver.
func (c ResolverChain) ResolveKey(ctx context.Context, keyID string) (KeyProvider, error) {
	for _, r := range c {
		if r == nil {
			continue
		}
		key, err := r.ResolveKey(ctx, keyID)
		if err != nil {
			return nil, err
		}
		if key != nil {
			return key, nil
		}
	}
	return nil, nil
}

// StaticResolver resolves keys from a fixed set, typically the active key and
// the keys it replaced.
type StaticResolver struct {
	mu   sync.RWMutex
	keys map[string]KeyProvider
}

// NewStaticResolver indexes keys by KeyID. Duplicate ids are rejected.
func NewStaticResolver(keys ...KeyProvider) (*StaticResolver, error) {
	r := &StaticResolver{keys: make(map[string]KeyProvider, len(keys))}
	for _, k := range keys {
		if err := r.Add(k); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add registers another key.
func (r *StaticResolver) Add(key KeyProvider) error {
	if key == nil {
		return fmt.Errorf("key provider is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.keys[key.KeyID()]; ok {
		return fmt.Errorf("duplicate key id: %s", key.KeyID())
	}
	r.keys[key.KeyID()] = key
	return nil
}

// ResolveKey implements KeyResolver.
func (r *StaticResolver) ResolveKey(_ context.Context, keyID string) (KeyProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.keys[keyID], nil
}

// KeyIDs returns the ids known to the resolver.
func (r *StaticResolver) KeyIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.keys))
	for id := range r.keys {
		ids = append(ids, id)
	}
	return ids
}
