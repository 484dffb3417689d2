package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// HotTier is a best-effort lookaside in front of the durable store.
// Implementations must never fail a request: errors are swallowed and
// reported as misses.
type HotTier interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte)
}

// RedisTier keeps hot entries in Redis with a TTL.
type RedisTier struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

const DefaultHotTTL = time.Hour

func NewRedisTier(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisTier {
	if ttl <= 0 {
		ttl = DefaultHotTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisTier{client: client, ttl: ttl, logger: logger}
}

func (t *RedisTier) Get(ctx context.Context, key string) ([]byte, bool) {
	data, err := t.client.Get(ctx, hotNamespace(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		t.logger.Debug("Hot tier read failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return data, true
}

func (t *RedisTier) Set(ctx context.Context, key string, value []byte) {
	if err := t.client.SetEx(ctx, hotNamespace(key), value, t.ttl).Err(); err != nil {
		t.logger.Debug("Hot tier write failed", zap.String("key", key), zap.Error(err))
	}
}

func hotNamespace(key string) string { return "hot:" + key }

// MemoryTier is the lite-mode hot tier. Expiry is lazy: stale entries
// are dropped on read and swept when the map outgrows maxEntries.
type MemoryTier struct {
	mu         sync.Mutex
	entries    map[string]memoryEntry
	ttl        time.Duration
	maxEntries int
}

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

const defaultMaxHotEntries = 4096

func NewMemoryTier(ttl time.Duration, maxEntries int) *MemoryTier {
	if ttl <= 0 {
		ttl = DefaultHotTTL
	}
	if maxEntries <= 0 {
		maxEntries = defaultMaxHotEntries
	}
	return &MemoryTier{
		entries:    make(map[string]memoryEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
	}
}

func (t *MemoryTier) Get(_ context.Context, key string) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(t.entries, key)
		return nil, false
	}
	return entry.data, true
}

func (t *MemoryTier) Set(_ context.Context, key string, value []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.entries) >= t.maxEntries {
		t.sweepLocked()
	}
	t.entries[key] = memoryEntry{data: value, expiresAt: time.Now().Add(t.ttl)}
}

// sweepLocked drops expired entries; if nothing expired it evicts one
// arbitrary entry so the map never grows without bound.
func (t *MemoryTier) sweepLocked() {
	now := time.Now()
	dropped := 0
	for k, e := range t.entries {
		if now.After(e.expiresAt) {
			delete(t.entries, k)
			dropped++
		}
	}
	if dropped == 0 {
		for k := range t.entries {
			delete(t.entries, k)
			break
		}
	}
}
