package cache

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"
)

// NullCacheValue marks a cached miss.
const NullCacheValue = "$NULL$"

// ReadThrough caches the result of a loader under a key. Empty results are
// remembered as NullCacheValue for EmptyTTL so repeated misses stay off the
// database. Cache failures fall back to the loader.
type ReadThrough[T any] struct {
	Cache    KV
	TTL      time.Duration
	EmptyTTL time.Duration
	IsEmpty  func(T) bool
	Encode   func(T) (string, error)
	Decode   func(string) (T, error)
}

// Get returns the cached value of key or loads and stores it.
func (r ReadThrough[T]) Get(ctx context.Context, key string, load func(context.Context) (T, error)) (T, error) {
	var zero T
	if r.Cache == nil {
		return load(ctx)
	}
	if cached, err := r.Cache.Get(ctx, key); err == nil && cached != "" {
		if cached == NullCacheValue {
			return zero, nil
		}
		if v, err := r.Decode(cached); err == nil {
			return v, nil
		}
	}

	v, err := load(ctx)
	if err != nil {
		return zero, err
	}
	if r.IsEmpty(v) {
		_ = r.Cache.Set(ctx, key, NullCacheValue, JitterTTL(r.EmptyTTL))
		return zero, nil
	}
	if encoded, err := r.Encode(v); err == nil {
		_ = r.Cache.Set(ctx, key, encoded, JitterTTL(r.TTL))
	}
	return v, nil
}

// JitterTTL shortens ttl by up to 10% so keys written together do not expire together.
func JitterTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return ttl
	}
	spread := int64(ttl / 10)
	if spread <= 0 {
		return ttl
	}
	n, err := rand.Int(rand.Reader, big.NewInt(spread+1))
	if err != nil {
		return ttl
	}
	return ttl - time.Duration(n.Int64())
}
