package cache

import (
	"context"
	"time"
)

// LockOps is a lease lock keyed by name. A lease that is neither extended
// nor released expires after its TTL, so a crashed holder cannot block others
// forever.
type LockOps interface {
	// TryLock reports false, without error, when someone else holds key.
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
	ExtendLock(ctx context.Context, key string, ttl time.Duration) error
}

// Locker is a LockOps backed by a connection that can be probed and closed.
type Locker interface {
	LockOps
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Locker = (*RedisCache)(nil)
	_ Locker = (*LocalLocker)(nil)
)
