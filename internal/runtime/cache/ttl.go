package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/l0p7/carbonbadge/internal/carbon"
	"github.com/l0p7/carbonbadge/internal/metrics"
)

// DefaultNamespace prefixes every key the TTL cache writes so entries do not
// collide with unrelated data sharing the storage medium.
const DefaultNamespace = "cwb:"

// Entry is the stored envelope: the result plus its write time in epoch milliseconds.
type Entry struct {
	Data *carbon.Result `json:"data"`
	TS   int64          `json:"ts"`
}

// Options tunes a TTLCache. Zero values select defaults.
type Options struct {
	Namespace string
	Clock     func() time.Time
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
}

// TTLCache maps subjects to results with caller-supplied freshness. No method
// returns an error: storage failures degrade to misses and dropped writes.
type TTLCache struct {
	store     Store
	namespace string
	now       func() time.Time
	logger    *slog.Logger
	metrics   *metrics.Recorder
}

func NewTTLCache(store Store, opts Options) *TTLCache {
	if store == nil {
		store = NewMemory(0)
	}
	namespace := opts.Namespace
	if namespace == "" {
		namespace = DefaultNamespace
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TTLCache{
		store:     store,
		namespace: namespace,
		now:       clock,
		logger:    logger.With(slog.String("agent", "ttl_cache")),
		metrics:   opts.Metrics,
	}
}

// IsValid reports whether a well-formed entry for subject exists and is
// younger than ttl. Age is measured against the clock at call time.
func (c *TTLCache) IsValid(ctx context.Context, subject string, ttl time.Duration) bool {
	_, ok := c.Lookup(ctx, subject, ttl)
	return ok
}

// Lookup combines IsValid and Get in a single storage read: it returns the
// stored result only when it is younger than ttl.
func (c *TTLCache) Lookup(ctx context.Context, subject string, ttl time.Duration) (carbon.Result, bool) {
	start := time.Now()
	entry, ok, err := c.read(ctx, subject)
	switch {
	case err != nil:
		c.metrics.ObserveCacheLookup(metrics.CacheLookupError, time.Since(start))
		return carbon.Result{}, false
	case !ok:
		c.metrics.ObserveCacheLookup(metrics.CacheLookupMiss, time.Since(start))
		return carbon.Result{}, false
	}
	if c.age(entry) >= ttl.Milliseconds() {
		c.metrics.ObserveCacheLookup(metrics.CacheLookupMiss, time.Since(start))
		return carbon.Result{}, false
	}
	c.metrics.ObserveCacheLookup(metrics.CacheLookupHit, time.Since(start))
	return *entry.Data, true
}

// Get returns the stored result regardless of freshness. Pair with IsValid.
func (c *TTLCache) Get(ctx context.Context, subject string) (carbon.Result, bool) {
	entry, ok, err := c.read(ctx, subject)
	if err != nil || !ok {
		return carbon.Result{}, false
	}
	return *entry.Data, true
}

// Put stores result under subject stamped with the current time. Failures,
// including quota exhaustion, are logged and dropped.
func (c *TTLCache) Put(ctx context.Context, subject string, result carbon.Result) {
	start := time.Now()
	payload, err := json.Marshal(Entry{Data: &result, TS: c.now().UnixMilli()})
	if err == nil {
		err = c.store.Set(ctx, c.key(subject), string(payload))
	}
	if err != nil {
		c.logger.Warn("cache write dropped", slog.String("subject", subject), slog.Any("error", err))
		c.metrics.ObserveCacheStore(metrics.CacheStoreError, time.Since(start))
		return
	}
	c.metrics.ObserveCacheStore(metrics.CacheStoreStored, time.Since(start))
}

// Sweep deletes every namespaced entry older than ttl or failing to parse and
// returns how many it removed. Entries that vanish mid-sweep are skipped.
func (c *TTLCache) Sweep(ctx context.Context, ttl time.Duration) int {
	start := time.Now()
	keys, err := c.store.Keys(ctx, c.namespace)
	if err != nil {
		c.logger.Warn("cache sweep enumerate failed", slog.Any("error", err))
		c.metrics.ObserveCacheSweep(0, time.Since(start))
		return 0
	}
	maxAge := ttl.Milliseconds()
	evicted := 0
	for _, key := range keys {
		raw, ok, err := c.store.Get(ctx, key)
		if err != nil || !ok {
			continue
		}
		entry, decodeErr := decodeEntry(raw)
		if decodeErr == nil && c.age(entry) <= maxAge {
			continue
		}
		if err := c.store.Delete(ctx, key); err != nil {
			c.logger.Warn("cache sweep delete failed", slog.String("key", key), slog.Any("error", err))
			continue
		}
		evicted++
	}
	c.metrics.ObserveCacheSweep(evicted, time.Since(start))
	if evicted > 0 {
		c.logger.Debug("cache sweep evicted entries", slog.Int("evicted", evicted), slog.Duration("ttl", ttl))
	}
	return evicted
}

// Size reports the number of keys held by the underlying store, namespaced or not.
func (c *TTLCache) Size(ctx context.Context) (int64, error) {
	return c.store.Size(ctx)
}

func (c *TTLCache) Close(ctx context.Context) error {
	return c.store.Close(ctx)
}

func (c *TTLCache) key(subject string) string {
	return c.namespace + subject
}

func (c *TTLCache) age(entry Entry) int64 {
	return c.now().UnixMilli() - entry.TS
}

func (c *TTLCache) read(ctx context.Context, subject string) (Entry, bool, error) {
	raw, ok, err := c.store.Get(ctx, c.key(subject))
	if err != nil {
		c.logger.Warn("cache read failed", slog.String("subject", subject), slog.Any("error", err))
		return Entry{}, false, err
	}
	if !ok {
		return Entry{}, false, nil
	}
	entry, err := decodeEntry(raw)
	if err != nil {
		c.logger.Debug("cache entry malformed", slog.String("subject", subject), slog.Any("error", err))
		return Entry{}, false, nil
	}
	return entry, true, nil
}

type malformedEntryError struct{ reason string }

func (e malformedEntryError) Error() string { return "cache: malformed entry: " + e.reason }

func decodeEntry(raw string) (Entry, error) {
	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return Entry{}, err
	}
	if entry.Data == nil {
		return Entry{}, malformedEntryError{reason: "missing data"}
	}
	if entry.TS <= 0 {
		return Entry{}, malformedEntryError{reason: "missing timestamp"}
	}
	return entry, nil
}
