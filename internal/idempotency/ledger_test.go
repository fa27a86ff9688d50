package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/runtime/internal/core"
)

func newTestLedger() *Ledger {
	return New(NewMemoryStorage(), Config{
		Fingerprinting: true,
		MinTTL:         time.Second,
	})
}

func TestCheckUnknownKeyProceeds(t *testing.T) {
	l := newTestLedger()
	res, err := l.Check(context.Background(), "pay:inv-1", nil)
	require.NoError(t, err)
	assert.True(t, res.ShouldProceed)
}

func TestInvalidKeyRejected(t *testing.T) {
	l := newTestLedger()
	_, err := l.Check(context.Background(), "bad key with spaces", nil)
	require.Error(t, err)
	assert.Equal(t, core.KindValidation, core.KindOf(err))

	_, err = l.Start(context.Background(), "also bad!", "op", StartOptions{})
	require.Error(t, err)
	assert.Equal(t, core.KindValidation, core.KindOf(err))
}

func TestStartCompleteReplaysCachedResult(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	lock, err := l.Start(ctx, "pay:inv-42", "charge", StartOptions{})
	require.NoError(t, err)
	require.NoError(t, l.Complete(ctx, lock, map[string]string{"tx": "tx-1"}))

	res, err := l.Check(ctx, "pay:inv-42", nil)
	require.NoError(t, err)
	assert.False(t, res.ShouldProceed)
	assert.Equal(t, StatusCompleted, res.ExistingStatus)

	var cached map[string]string
	require.NoError(t, json.Unmarshal(res.CachedResult, &cached))
	assert.Equal(t, "tx-1", cached["tx"])
}

func TestFailedOperationIsRetryable(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	lock, err := l.Start(ctx, "op:flaky", "flaky", StartOptions{})
	require.NoError(t, err)
	require.NoError(t, l.Fail(ctx, lock, errors.New("boom")))

	res, err := l.Check(ctx, "op:flaky", nil)
	require.NoError(t, err)
	assert.True(t, res.ShouldProceed)
	assert.Equal(t, StatusFailed, res.ExistingStatus)

	// and Start succeeds again, taking over the failed record
	lock2, err := l.Start(ctx, "op:flaky", "flaky", StartOptions{})
	require.NoError(t, err)
	assert.Greater(t, lock2.Version, lock.Version)
}

func TestInFlightLockConflicts(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	_, err := l.Start(ctx, "op:long", "long", StartOptions{})
	require.NoError(t, err)

	_, err = l.Start(ctx, "op:long", "long", StartOptions{})
	require.Error(t, err)
	assert.Equal(t, core.KindConflict, core.KindOf(err))
}

func TestStaleLockTakeover(t *testing.T) {
	l := New(NewMemoryStorage(), Config{LockTTL: 10 * time.Millisecond, MinTTL: time.Second})
	ctx := context.Background()

	stale, err := l.Start(ctx, "op:stale", "op", StartOptions{})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	fresh, err := l.Start(ctx, "op:stale", "op", StartOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, stale.LockID, fresh.LockID)
	assert.Equal(t, stale.Version+1, fresh.Version)

	// the stolen lock can no longer complete
	err = l.Complete(ctx, stale, "late")
	require.Error(t, err)
	assert.Equal(t, core.KindLock, core.KindOf(err))

	// the new owner can
	require.NoError(t, l.Complete(ctx, fresh, "done"))
}

func TestFingerprintMismatchIsReplayAttack(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	payload := map[string]interface{}{"amount": 100, "currency": "USD"}
	lock, err := l.Start(ctx, "pay:inv-7", "charge", StartOptions{RequestData: payload})
	require.NoError(t, err)
	require.NoError(t, l.Complete(ctx, lock, "ok"))

	// identical payload replays fine
	res, err := l.Check(ctx, "pay:inv-7", map[string]interface{}{"amount": 100, "currency": "USD"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.ExistingStatus)

	// different payload under the same key is an attack
	_, err = l.Check(ctx, "pay:inv-7", map[string]interface{}{"amount": 999, "currency": "USD"})
	require.Error(t, err)
	assert.Equal(t, core.KindConflict, core.KindOf(err))
	assert.Contains(t, err.Error(), "fingerprint mismatch")
}

func TestVolatileFieldsIgnoredByFingerprint(t *testing.T) {
	a, err := Fingerprint(map[string]interface{}{
		"amount":     100,
		"timestamp":  "2026-01-01T00:00:00Z",
		"request_id": "r-1",
		"nested":     map[string]interface{}{"trace_id": "t-1", "keep": true},
	})
	require.NoError(t, err)
	b, err := Fingerprint(map[string]interface{}{
		"amount":     100,
		"timestamp":  "2026-06-30T12:34:56Z",
		"request_id": "r-2",
		"nested":     map[string]interface{}{"trace_id": "t-2", "keep": true},
	})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)

	c, err := Fingerprint(map[string]interface{}{"amount": 101})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestExecuteExactlyOnceUnderConcurrency(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	var runs int32
	charge := func(context.Context) (interface{}, error) {
		atomic.AddInt32(&runs, 1)
		time.Sleep(10 * time.Millisecond)
		return map[string]string{"tx": "tx-1"}, nil
	}

	payload := map[string]interface{}{"invoice": "inv-42"}
	const n = 3
	results := make([]*ExecResult, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = l.Execute(ctx, "pay:inv-42", "charge", payload, charge)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&runs), "fn must run exactly once")

	wins, cached, conflicts := 0, 0, 0
	for i := 0; i < n; i++ {
		switch {
		case errs[i] == nil && !results[i].Cached:
			wins++
			var v map[string]string
			require.NoError(t, json.Unmarshal(results[i].Result, &v))
			assert.Equal(t, "tx-1", v["tx"])
		case errs[i] == nil && results[i].Cached:
			cached++
			var v map[string]string
			require.NoError(t, json.Unmarshal(results[i].Result, &v))
			assert.Equal(t, "tx-1", v["tx"])
		case core.IsKind(errs[i], core.KindConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", errs[i])
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, cached+conflicts)
}

func TestExtendLock(t *testing.T) {
	l := New(NewMemoryStorage(), Config{LockTTL: 50 * time.Millisecond, MinTTL: time.Second})
	ctx := context.Background()

	lock, err := l.Start(ctx, "op:slow", "op", StartOptions{})
	require.NoError(t, err)
	assert.True(t, l.IsLockValid(ctx, lock))

	extended, err := l.ExtendLock(ctx, lock, time.Minute)
	require.NoError(t, err)
	assert.True(t, l.IsLockValid(ctx, extended))

	// the old lock handle carries a stale version now
	assert.False(t, l.IsLockValid(ctx, lock))
	require.NoError(t, l.Complete(ctx, extended, "done"))
}

func TestCleanupRemovesExpired(t *testing.T) {
	l := New(NewMemoryStorage(), Config{MinTTL: time.Second, DefaultTTL: time.Second})
	ctx := context.Background()

	lock, err := l.Start(ctx, "op:old", "op", StartOptions{TTL: time.Second})
	require.NoError(t, err)
	require.NoError(t, l.Complete(ctx, lock, "x"))

	n, err := l.Cleanup(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res, err := l.Check(ctx, "op:old", nil)
	require.NoError(t, err)
	assert.True(t, res.ShouldProceed)
}
