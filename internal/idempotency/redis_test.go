package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStorage(t *testing.T) (*RedisStorage, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisStorage(rdb, "idem"), mr
}

func redisTestRecord(status Status) *Record {
	now := time.Now()
	expiry := now.Add(30 * time.Second)
	return &Record{
		ID:            "rec-1",
		KeyHash:       "abc123",
		Namespace:     "test",
		Operation:     "charge",
		Status:        status,
		LockID:        "lock-1",
		LockExpiresAt: &expiry,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(time.Hour),
		AttemptCount:  1,
		Version:       1,
	}
}

func TestRedisCreateIfAbsent(t *testing.T) {
	s, _ := newRedisStorage(t)
	ctx := context.Background()

	created, existing, err := s.CreateIfAbsent(ctx, redisTestRecord(StatusLocked))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Nil(t, existing)

	// second create loses and returns the holder
	dup := redisTestRecord(StatusLocked)
	dup.LockID = "lock-2"
	created, existing, err = s.CreateIfAbsent(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)
	require.NotNil(t, existing)
	assert.Equal(t, "lock-1", existing.LockID)
}

func TestRedisGetMissingIsNil(t *testing.T) {
	s, _ := newRedisStorage(t)
	rec, err := s.Get(context.Background(), "test", "nope")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRedisUpdateIfVersion(t *testing.T) {
	s, _ := newRedisStorage(t)
	ctx := context.Background()

	rec := redisTestRecord(StatusLocked)
	_, _, err := s.CreateIfAbsent(ctx, rec)
	require.NoError(t, err)

	updated := *rec
	updated.Status = StatusCompleted
	updated.Version = 2

	ok, err := s.UpdateIfVersion(ctx, &updated, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Get(ctx, "test", "abc123")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 2, got.Version)

	// a second writer holding the old version loses
	stale := *rec
	stale.Status = StatusFailed
	stale.Version = 2
	ok, err = s.UpdateIfVersion(ctx, &stale, 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisDelete(t *testing.T) {
	s, _ := newRedisStorage(t)
	ctx := context.Background()

	rec := redisTestRecord(StatusCompleted)
	_, _, err := s.CreateIfAbsent(ctx, rec)
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "test", "abc123"))
	got, err := s.Get(ctx, "test", "abc123")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisTTLEviction(t *testing.T) {
	s, mr := newRedisStorage(t)
	ctx := context.Background()

	rec := redisTestRecord(StatusCompleted)
	rec.ExpiresAt = time.Now().Add(time.Second)
	_, _, err := s.CreateIfAbsent(ctx, rec)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	got, err := s.Get(ctx, "test", "abc123")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLedgerOverRedis(t *testing.T) {
	s, _ := newRedisStorage(t)
	l := New(s, Config{Fingerprinting: true, MinTTL: time.Second})
	ctx := context.Background()

	res, err := l.Execute(ctx, "pay:inv-9", "charge",
		map[string]interface{}{"amount": 50},
		func(context.Context) (interface{}, error) {
			return map[string]string{"tx": "tx-9"}, nil
		})
	require.NoError(t, err)
	assert.False(t, res.Cached)

	// replay hits the cache without re-running fn
	res, err = l.Execute(ctx, "pay:inv-9", "charge",
		map[string]interface{}{"amount": 50},
		func(context.Context) (interface{}, error) {
			t.Fatal("must not run twice")
			return nil, nil
		})
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.Contains(t, string(res.Result), "tx-9")
}
