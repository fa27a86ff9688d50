package webhookverify

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisReplayStore(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisReplayStore(rdb, "")

	seen, err := s.CheckAndRecord("sig-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = s.CheckAndRecord("sig-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, seen)

	mr.FastForward(2 * time.Minute)
	seen, err = s.CheckAndRecord("sig-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestRedisEventStore(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisEventStore(rdb, "")

	first, err := s.MarkProcessed("evt_1", time.Hour)
	require.NoError(t, err)
	assert.True(t, first)

	first, err = s.MarkProcessed("evt_1", time.Hour)
	require.NoError(t, err)
	assert.False(t, first)
}
