package cache

import (
	"context"
	"time"
)

// Cache is the redis surface used for evaluation status, descriptor
// caching, evaluation locks and event fan-out.
type Cache interface {
	KV
	LockOps
	PubSubOps

	Ping(ctx context.Context) error
	Close() error
}

// KV is plain string storage.
type KV interface {
	// Get returns "" and no error when the key does not exist.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value. A ttl of 0 never expires.
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// LockOps guards work that must run at most once across workers. A lock is
// owned by the client that took it; Unlock on a lock held by someone else
// is a no-op.
type LockOps interface {
	// TryLock returns true if the lock was acquired.
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}

// PubSubOps publishes messages to channels.
type PubSubOps interface {
	// Publish returns the number of subscribers that received the message.
	Publish(ctx context.Context, channel string, message interface{}) (int64, error)
}
