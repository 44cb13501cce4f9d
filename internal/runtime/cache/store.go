package cache

import (
	"context"
	"errors"
)

// ErrQuotaExceeded is returned by capacity-bounded stores when a write would
// grow them past their limit.
var ErrQuotaExceeded = errors.New("cache: storage quota exceeded")

// Store is the string-keyed storage medium behind the TTL cache. Stores may be
// shared with unrelated writers, so callers namespace their keys and must
// tolerate entries vanishing between calls.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	// Keys enumerates every key starting with prefix. Order is unspecified.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Size(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}
