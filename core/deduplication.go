package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"themis/metrics"
)

// DefaultDedupWindow is the suppression window applied when none is configured.
const DefaultDedupWindow = 1 * time.Hour

// DefaultDedupMaxEntries bounds the in-memory window store so a flood of
// distinct alert keys cannot exhaust memory.
const DefaultDedupMaxEntries = 100000

// WindowStore tracks which alert keys have fired within the dedup window.
// Arm returns true when the key was not armed (caller should alert now)
// and false when a prior firing is still inside the window. The
// check-and-set must be atomic per key.
type WindowStore interface {
	Arm(ctx context.Context, key string) (bool, error)
}

// MemoryWindowStore is a process-local window store backed by an
// expirable LRU. Entries fall out of the cache once the window elapses,
// which re-arms the key.
type MemoryWindowStore struct {
	window time.Duration
	cache  *lru.LRU[string, time.Time]
	mu     sync.Mutex
}

// NewMemoryWindowStore creates an in-memory window store. A zero window
// or size falls back to the defaults.
func NewMemoryWindowStore(window time.Duration, maxEntries int) *MemoryWindowStore {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	if maxEntries <= 0 {
		maxEntries = DefaultDedupMaxEntries
	}
	return &MemoryWindowStore{
		window: window,
		cache:  lru.NewLRU[string, time.Time](maxEntries, nil, window),
	}
}

// Arm atomically checks and arms the key. The mutex covers the
// check-and-set so two concurrent violations for the same key cannot
// both be admitted.
func (s *MemoryWindowStore) Arm(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if armedAt, ok := s.cache.Get(key); ok {
		if time.Since(armedAt) < s.window {
			return false, nil
		}
	}
	s.cache.Add(key, time.Now())
	return true, nil
}

// dedupEntry is the value stored per key in Redis, msgpack-encoded.
type dedupEntry struct {
	ArmedAt time.Time `msgpack:"armed_at"`
}

// RedisWindowStore is a shared window store for multi-instance
// deployments. SET NX with an expiry gives the atomic check-and-set;
// key expiry re-arms the bucket.
type RedisWindowStore struct {
	client *redis.Client
	window time.Duration
	prefix string
	logger *zap.SugaredLogger
}

// NewRedisWindowStore creates a Redis-backed window store.
func NewRedisWindowStore(client *redis.Client, window time.Duration, logger *zap.SugaredLogger) *RedisWindowStore {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &RedisWindowStore{
		client: client,
		window: window,
		prefix: "themis:dedup:",
		logger: logger,
	}
}

// Arm arms the key via SET NX PX. Redis guarantees atomicity of the
// check-and-set across all pipeline instances sharing the store.
func (s *RedisWindowStore) Arm(ctx context.Context, key string) (bool, error) {
	payload, err := msgpack.Marshal(dedupEntry{ArmedAt: time.Now().UTC()})
	if err != nil {
		return false, fmt.Errorf("failed to encode dedup entry: %w", err)
	}

	armed, err := s.client.SetNX(ctx, s.prefix+key, payload, s.window).Result()
	if err != nil {
		return false, fmt.Errorf("failed to arm dedup key %s: %w", key, err)
	}
	return armed, nil
}

// Ping verifies the Redis connection at startup.
func (s *RedisWindowStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Deduplicator suppresses repeat violations for the same rule+entity
// within the window. Suppressed violations are still counted for audit.
type Deduplicator struct {
	store  WindowStore
	logger *zap.SugaredLogger

	mu         sync.Mutex
	suppressed map[AlertKey]int
}

// NewDeduplicator creates a deduplicator on top of a window store.
func NewDeduplicator(store WindowStore, logger *zap.SugaredLogger) *Deduplicator {
	return &Deduplicator{
		store:      store,
		logger:     logger,
		suppressed: make(map[AlertKey]int),
	}
}

// Admit reports whether the violation should produce an alert now.
// The first violation for a key inside a window is admitted; repeats are
// suppressed until the window expires and the key re-arms.
func (d *Deduplicator) Admit(ctx context.Context, v Violation) (bool, error) {
	key := v.Key()

	armed, err := d.store.Arm(ctx, key.String())
	if err != nil {
		return false, fmt.Errorf("dedup check failed for %s: %w", key, err)
	}

	if !armed {
		metrics.AlertsSuppressed.Inc()
		d.mu.Lock()
		d.suppressed[key]++
		count := d.suppressed[key]
		d.mu.Unlock()
		d.logger.Debugw("Suppressed duplicate violation",
			"rule", v.RuleName,
			"entity", v.EntityID,
			"suppressed_count", count)
		return false, nil
	}

	metrics.AlertsAdmitted.Inc()
	return true, nil
}

// SuppressedCount returns how many violations have been suppressed for a
// key since startup. Exposed for audit reporting and stats.
func (d *Deduplicator) SuppressedCount(key AlertKey) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.suppressed[key]
}
