package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStorage stores each record as a JSON value under
// "{prefix}:{namespace}:{keyHash}" with a TTL matching the record expiry.
// Create-if-absent maps to SET NX; the versioned update runs as a Lua
// script so the compare and the write are one atomic step.
type RedisStorage struct {
	rdb       redis.UniversalClient
	keyPrefix string
}

// updateIfVersionScript compares the stored record's version against
// ARGV[1] and replaces the value with ARGV[2] (preserving the TTL set in
// ARGV[3], unix milliseconds) only on match.
var updateIfVersionScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then
  return 0
end
local rec = cjson.decode(raw)
if tostring(rec.version) ~= ARGV[1] then
  return 0
end
redis.call("SET", KEYS[1], ARGV[2])
redis.call("PEXPIREAT", KEYS[1], ARGV[3])
return 1
`)

// NewRedisStorage wraps an existing client. keyPrefix defaults to "idem".
func NewRedisStorage(rdb redis.UniversalClient, keyPrefix string) *RedisStorage {
	if keyPrefix == "" {
		keyPrefix = "idem"
	}
	return &RedisStorage{rdb: rdb, keyPrefix: keyPrefix}
}

func (r *RedisStorage) key(namespace, keyHash string) string {
	return fmt.Sprintf("%s:%s:%s", r.keyPrefix, namespace, keyHash)
}

func (r *RedisStorage) CreateIfAbsent(ctx context.Context, rec *Record) (bool, *Record, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return false, nil, fmt.Errorf("idempotency: marshal record: %w", err)
	}
	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	ok, err := r.rdb.SetNX(ctx, r.key(rec.Namespace, rec.KeyHash), raw, ttl).Result()
	if err != nil {
		return false, nil, fmt.Errorf("idempotency: setnx: %w", err)
	}
	if ok {
		return true, nil, nil
	}
	existing, err := r.Get(ctx, rec.Namespace, rec.KeyHash)
	if err != nil {
		return false, nil, err
	}
	if existing == nil {
		// The holder expired between SETNX and GET; treat as a race the
		// ledger will retry.
		return false, nil, fmt.Errorf("idempotency: record vanished during create")
	}
	return false, existing, nil
}

func (r *RedisStorage) Get(ctx context.Context, namespace, keyHash string) (*Record, error) {
	raw, err := r.rdb.Get(ctx, r.key(namespace, keyHash)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency: get: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("idempotency: decode record: %w", err)
	}
	return &rec, nil
}

func (r *RedisStorage) UpdateIfVersion(ctx context.Context, rec *Record, expectedVersion int) (bool, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("idempotency: marshal record: %w", err)
	}
	res, err := updateIfVersionScript.Run(ctx, r.rdb,
		[]string{r.key(rec.Namespace, rec.KeyHash)},
		fmt.Sprintf("%d", expectedVersion),
		string(raw),
		rec.ExpiresAt.UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("idempotency: versioned update: %w", err)
	}
	return res == 1, nil
}

func (r *RedisStorage) Delete(ctx context.Context, namespace, keyHash string) error {
	if err := r.rdb.Del(ctx, r.key(namespace, keyHash)).Err(); err != nil {
		return fmt.Errorf("idempotency: delete: %w", err)
	}
	return nil
}

// CleanupExpired is a no-op for Redis: TTLs evict records natively.
func (r *RedisStorage) CleanupExpired(ctx context.Context, before time.Time) (int, error) {
	return 0, nil
}
