package tenant

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/tokenflow/analytics-engine/internal/cache"
)

// Per-key minute windows live in the KV store so every replica counts
// against the same budget. When the store is absent or failing, each
// process falls back to local windows bounded by an expiring LRU.
const (
	rateWindowSeconds = 60
	rateCounterTTL    = 2 * time.Minute

	fallbackCapacity = 1000
	fallbackTTL      = time.Hour
)

type rateWindow struct {
	mu     sync.Mutex
	bucket int64
	count  int
}

type RateLimiter struct {
	store cache.Store
	now   func() time.Time

	mu    sync.Mutex
	local *expirable.LRU[string, *rateWindow]
}

func NewRateLimiter(store cache.Store) *RateLimiter {
	return &RateLimiter{
		store: store,
		now:   time.Now,
		local: expirable.NewLRU[string, *rateWindow](fallbackCapacity, nil, fallbackTTL),
	}
}

// Allow counts one request against the key's current minute window and
// reports whether it fits, how much budget remains, and when the
// window resets.
func (r *RateLimiter) Allow(ctx context.Context, keyID string, limit int) (bool, int, time.Time) {
	now := r.now()
	bucket := now.Unix() / rateWindowSeconds
	reset := time.Unix((bucket+1)*rateWindowSeconds, 0).UTC()
	if limit <= 0 {
		return true, 0, reset
	}

	if r.store != nil {
		counterKey := fmt.Sprintf("rate:%s:%d", keyID, bucket)
		count, err := r.store.Incr(ctx, counterKey, rateCounterTTL)
		if err == nil {
			return count <= int64(limit), remainingOf(limit, int(count)), reset
		}
		// Noop stores miss on purpose; anything else is a real outage.
		if !errors.Is(err, cache.ErrMiss) {
			log.Printf("[Tenant] rate counter using local fallback: %v", err)
		}
	}

	w := r.window(keyID)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.bucket != bucket {
		w.bucket = bucket
		w.count = 0
	}
	w.count++
	return w.count <= limit, remainingOf(limit, w.count), reset
}

func (r *RateLimiter) window(keyID string) *rateWindow {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.local.Get(keyID); ok {
		return w
	}
	w := &rateWindow{}
	r.local.Add(keyID, w)
	return w
}

func remainingOf(limit, used int) int {
	if used >= limit {
		return 0
	}
	return limit - used
}
