// Package cache implements the read-through cache used by every network read:
// the live source is always tried first, and the last good value is served
// only when the live read fails.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/metrics"
)

// ErrMiss is returned by a Backend when no entry exists for a key.
var ErrMiss = errors.New("cache: miss")

// Entry is the last successful value stored under a key.
type Entry struct {
	Value    []byte    `json:"value"`
	StoredAt time.Time `json:"stored_at"`
}

// Backend stores entries. Implementations must be safe for concurrent use.
type Backend interface {
	Get(ctx context.Context, key string) (Entry, error)
	Set(ctx context.Context, key string, e Entry) error
}

// Freshness tells the caller whether data came from the live source or from
// a cached copy after a live failure.
type Freshness struct {
	Stale    bool
	StoredAt time.Time
}

// Cache is process-wide and keyed by request identity. Entries never expire;
// a newer successful read overwrites the previous entry.
type Cache struct {
	backend Backend
	logger  *zap.Logger
	now     func() time.Time
}

// New returns a cache over backend, in memory when backend is nil.
func New(backend Backend, logger *zap.Logger) *Cache {
	if backend == nil {
		backend = NewMemory()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{backend: backend, logger: logger, now: time.Now}
}

// Store records a successful value under key.
func (c *Cache) Store(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.backend.Set(ctx, key, Entry{Value: data, StoredAt: c.now().UTC()})
}

// Lookup returns the cached entry for key, if any.
func (c *Cache) Lookup(ctx context.Context, key string) (Entry, bool) {
	e, err := c.backend.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			c.logger.Warn("cache lookup failed", zap.String("key", key), zap.Error(err))
		}
		return Entry{}, false
	}
	return e, true
}

// Fetch runs live and caches its result. When live fails, the last cached
// value for key is returned with Stale set; with nothing cached the live
// error is returned unchanged.
func Fetch[T any](ctx context.Context, c *Cache, key string, live func(context.Context) (T, error)) (T, Freshness, error) {
	v, err := live(ctx)
	if err == nil {
		if serr := c.Store(ctx, key, v); serr != nil {
			c.logger.Warn("cache store failed", zap.String("key", key), zap.Error(serr))
		}
		metrics.CacheReads.WithLabelValues("fresh").Inc()
		return v, Freshness{}, nil
	}

	var zero T
	// The caller's context may be what failed; the cached copy is local.
	e, ok := c.Lookup(context.WithoutCancel(ctx), key)
	if !ok {
		metrics.CacheReads.WithLabelValues("miss").Inc()
		return zero, Freshness{}, err
	}
	var cached T
	if uerr := json.Unmarshal(e.Value, &cached); uerr != nil {
		c.logger.Warn("cache entry unreadable", zap.String("key", key), zap.Error(uerr))
		metrics.CacheReads.WithLabelValues("miss").Inc()
		return zero, Freshness{}, err
	}

	c.logger.Info("serving stale read",
		zap.String("key", key),
		zap.Time("stored_at", e.StoredAt),
		zap.Error(err),
	)
	metrics.CacheReads.WithLabelValues("stale").Inc()
	return cached, Freshness{Stale: true, StoredAt: e.StoredAt}, nil
}
