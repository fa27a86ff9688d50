package webhookverify

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReplayStore remembers recently accepted signatures. CheckAndRecord is
// atomic per key: the first caller records and proceeds, later callers
// within the TTL see a replay.
type ReplayStore interface {
	CheckAndRecord(key string, ttl time.Duration) (seen bool, err error)
}

// EventStore provides longer-lived idempotency keyed by provider event id.
type EventStore interface {
	// MarkProcessed records the event id; it reports false when the id was
	// already recorded inside the TTL.
	MarkProcessed(eventID string, ttl time.Duration) (first bool, err error)
}

// MemoryReplayStore keeps signatures in process.
type MemoryReplayStore struct {
	mu      sync.Mutex
	entries map[string]time.Time // key -> expiry
}

func NewMemoryReplayStore() *MemoryReplayStore {
	return &MemoryReplayStore{entries: make(map[string]time.Time)}
}

func (s *MemoryReplayStore) CheckAndRecord(key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if len(s.entries) > 8192 {
		for k, exp := range s.entries {
			if now.After(exp) {
				delete(s.entries, k)
			}
		}
	}
	if exp, ok := s.entries[key]; ok && now.Before(exp) {
		return true, nil
	}
	s.entries[key] = now.Add(ttl)
	return false, nil
}

// MemoryEventStore is the in-process event idempotency store.
type MemoryEventStore struct {
	store *MemoryReplayStore
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{store: NewMemoryReplayStore()}
}

func (s *MemoryEventStore) MarkProcessed(eventID string, ttl time.Duration) (bool, error) {
	seen, err := s.store.CheckAndRecord(eventID, ttl)
	return !seen, err
}

// RedisReplayStore shares replay state across nodes via SET NX.
type RedisReplayStore struct {
	rdb       redis.UniversalClient
	keyPrefix string
}

func NewRedisReplayStore(rdb redis.UniversalClient, keyPrefix string) *RedisReplayStore {
	if keyPrefix == "" {
		keyPrefix = "webhook:replay"
	}
	return &RedisReplayStore{rdb: rdb, keyPrefix: keyPrefix}
}

func (s *RedisReplayStore) CheckAndRecord(key string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(context.Background(), s.keyPrefix+":"+key, 1, ttl).Result()
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// RedisEventStore is the cross-node event idempotency store.
type RedisEventStore struct {
	rdb       redis.UniversalClient
	keyPrefix string
}

func NewRedisEventStore(rdb redis.UniversalClient, keyPrefix string) *RedisEventStore {
	if keyPrefix == "" {
		keyPrefix = "webhook:event"
	}
	return &RedisEventStore{rdb: rdb, keyPrefix: keyPrefix}
}

func (s *RedisEventStore) MarkProcessed(eventID string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(context.Background(), s.keyPrefix+":"+eventID, 1, ttl).Result()
}
