package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrMiss is returned by Get when a key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Store is the minimal TTL-scoped KV contract shared by the upstream
// adapter, the risk engine, the intent client, and the tenant rate
// limiter. Implementations must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// Incr atomically increments a counter, starting its TTL window on
	// first increment. Used for sliding-minute rate windows.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Close() error
}

// GetJSON reads and decodes a cached JSON value into dst.
// The boolean reports a hit; a cached JSON null is a hit that leaves
// dst untouched (negative-result caching).
func GetJSON(ctx context.Context, s Store, key string, dst interface{}) (bool, error) {
	raw, err := s.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrMiss) {
			return false, nil
		}
		return false, err
	}
	if isJSONNull(raw) {
		return true, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, err
	}
	return true, nil
}

// SetJSON encodes v and stores it under key for ttl. A nil v stores a
// JSON null, recording a negative result for the same TTL.
func SetJSON(ctx context.Context, s Store, key string, v interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Set(ctx, key, raw, ttl)
}

func isJSONNull(raw []byte) bool {
	return len(raw) == 4 && string(raw) == "null"
}

// Noop is the degraded mode used when no KV host is configured: every
// read misses and writes vanish, so callers always hit upstream.
type Noop struct{}

func NewNoop() Noop { return Noop{} }

func (Noop) Get(ctx context.Context, key string) ([]byte, error) { return nil, ErrMiss }

func (Noop) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error { return nil }

func (Noop) Delete(ctx context.Context, keys ...string) error { return nil }

func (Noop) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return 0, ErrMiss
}

func (Noop) Close() error { return nil }
