package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/runtime/internal/condition"
)

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := NewEngine(cfg)
	require.NoError(t, err)
	return e
}

func gatePolicy(id string, priority int, zone string, checks ...Check) Policy {
	return Policy{
		ID:       id,
		Name:     id,
		Kind:     KindGate,
		Status:   StatusActive,
		Priority: priority,
		Gate:     &GateSpec{Zone: zone, Checks: checks},
	}
}

func TestGateAllowsWhenChecksHold(t *testing.T) {
	e := newTestEngine(t, Config{})
	require.NoError(t, e.SetPolicy(gatePolicy("g1", 10, "all", Check{
		Name:      "amount-cap",
		Condition: &condition.Condition{Field: "amount", Op: "lte", Value: 1000},
		Severity:  SeverityCritical,
		Blocking:  true,
	})))

	d := e.Evaluate(Context{Actor: "a1", Action: "charge", Zone: "green",
		Data: map[string]interface{}{"amount": 500}})
	assert.Equal(t, ActionAllow, d.OverallAction)
	require.Len(t, d.Results, 1)
	assert.True(t, d.Results[0].Passed)
}

func TestGateCriticalFailureDenies(t *testing.T) {
	e := newTestEngine(t, Config{})
	require.NoError(t, e.SetPolicy(gatePolicy("g1", 10, "all", Check{
		Name:      "amount-cap",
		Condition: &condition.Condition{Field: "amount", Op: "lte", Value: 1000},
		Severity:  SeverityCritical,
		Blocking:  true,
		Message:   "amount exceeds cap",
	})))

	d := e.Evaluate(Context{Actor: "a1", Action: "charge", Zone: "green",
		Data: map[string]interface{}{"amount": 5000}})
	assert.Equal(t, ActionDeny, d.OverallAction)
	require.Len(t, d.CriticalFailures, 1)
	assert.Equal(t, "amount exceeds cap", d.CriticalFailures[0].Message)
}

func TestGateWarningDoesNotDeny(t *testing.T) {
	e := newTestEngine(t, Config{})
	require.NoError(t, e.SetPolicy(gatePolicy("g1", 10, "all",
		Check{
			Name:      "has-justification",
			Condition: &condition.Condition{Field: "justification", Op: "exists"},
			Severity:  SeverityError,
		})))

	d := e.Evaluate(Context{Actor: "a1", Action: "charge", Zone: "green"})
	assert.Equal(t, ActionWarn, d.OverallAction)
	assert.Empty(t, d.CriticalFailures)
}

func TestGateZoneScoping(t *testing.T) {
	e := newTestEngine(t, Config{})
	require.NoError(t, e.SetPolicy(gatePolicy("red-only", 10, "red", Check{
		Name:      "never",
		Condition: &condition.Condition{Field: "nope", Op: "exists"},
		Severity:  SeverityCritical,
	})))

	d := e.Evaluate(Context{Zone: "green"})
	assert.Empty(t, d.Results, "red gate must not apply to green context")

	d = e.Evaluate(Context{Zone: "red"})
	assert.Equal(t, ActionDeny, d.OverallAction)
}

func TestGateCELExpression(t *testing.T) {
	e := newTestEngine(t, Config{})
	require.NoError(t, e.SetPolicy(gatePolicy("g1", 10, "all", Check{
		Name:       "total-cap",
		Expression: `input.amount * input.qty <= 10000.0`,
		Severity:   SeverityCritical,
	})))

	d := e.Evaluate(Context{Zone: "green", Data: map[string]interface{}{"amount": 100.0, "qty": 5.0}})
	assert.Equal(t, ActionAllow, d.OverallAction)

	d = e.Evaluate(Context{Zone: "green", Data: map[string]interface{}{"amount": 9000.0, "qty": 5.0}})
	assert.Equal(t, ActionDeny, d.OverallAction)
}

func TestPriorityOrderingDeterministic(t *testing.T) {
	e := newTestEngine(t, Config{})
	require.NoError(t, e.SetPolicy(gatePolicy("b-low", 1, "all")))
	require.NoError(t, e.SetPolicy(gatePolicy("a-high", 100, "all")))
	require.NoError(t, e.SetPolicy(gatePolicy("a-tie", 100, "all")))

	for i := 0; i < 5; i++ {
		d := e.Evaluate(Context{Zone: "green"})
		require.Len(t, d.Results, 3)
		assert.Equal(t, "a-high", d.Results[0].PolicyID)
		assert.Equal(t, "a-tie", d.Results[1].PolicyID)
		assert.Equal(t, "b-low", d.Results[2].PolicyID)
	}
}

func TestKillswitchLatchesUntilReset(t *testing.T) {
	e := newTestEngine(t, Config{})
	require.NoError(t, e.SetPolicy(Policy{
		ID: "ks1", Name: "emergency stop", Kind: KindKillswitch, Status: StatusActive, Priority: 100,
		Killswitch: &KillswitchSpec{Triggers: []Trigger{{
			Name:      "error-spike",
			Condition: &condition.Condition{Field: "error_rate", Op: "gt", Value: 0.5},
		}}},
	}))

	// below threshold: pass, no latch
	d := e.Evaluate(Context{Data: map[string]interface{}{"error_rate": 0.1}})
	assert.Equal(t, ActionAllow, d.OverallAction)
	assert.False(t, e.IsLatched("ks1"))

	// spike latches
	d = e.Evaluate(Context{Data: map[string]interface{}{"error_rate": 0.9}})
	assert.Equal(t, ActionDeny, d.OverallAction)
	assert.True(t, e.IsLatched("ks1"))

	// stays latched even when the trigger no longer matches
	d = e.Evaluate(Context{Data: map[string]interface{}{"error_rate": 0.0}})
	assert.Equal(t, ActionDeny, d.OverallAction)

	require.True(t, e.ResetKillswitch("ks1"))
	d = e.Evaluate(Context{Data: map[string]interface{}{"error_rate": 0.0}})
	assert.Equal(t, ActionAllow, d.OverallAction)
}

func TestKillswitchTargetScoping(t *testing.T) {
	e := newTestEngine(t, Config{})
	require.NoError(t, e.SetPolicy(Policy{
		ID: "ks1", Kind: KindKillswitch, Status: StatusActive,
		Killswitch: &KillswitchSpec{
			Target: "deploy_production",
			Triggers: []Trigger{{
				Name:      "always",
				Condition: &condition.Condition{Field: "zone", Op: "exists"},
			}},
		},
	}))

	d := e.Evaluate(Context{Resource: "send_email", Zone: "green"})
	assert.Empty(t, d.Results)

	d = e.Evaluate(Context{Resource: "deploy_production", Zone: "green"})
	assert.Equal(t, ActionDeny, d.OverallAction)
}

func TestRateLimitWindows(t *testing.T) {
	e := newTestEngine(t, Config{})
	require.NoError(t, e.SetPolicy(Policy{
		ID: "rl1", Kind: KindRateLimit, Status: StatusActive,
		RateLimit: &RateLimitSpec{
			Resource: "api",
			Windows:  []Window{{Duration: time.Minute, MaxRequests: 3}},
		},
	}))

	ctx := Context{Actor: "a1", Resource: "api"}
	for i := 0; i < 3; i++ {
		d := e.Evaluate(ctx)
		require.Equal(t, ActionAllow, d.OverallAction, "request %d should pass", i+1)
	}

	d := e.Evaluate(ctx)
	require.Equal(t, ActionDeny, d.OverallAction)
	require.Len(t, d.Results, 1)
	assert.True(t, d.Results[0].Retryable)
	assert.Greater(t, d.Results[0].RetryAfter, time.Duration(0))

	// a different actor has its own bucket
	d = e.Evaluate(Context{Actor: "a2", Resource: "api"})
	assert.Equal(t, ActionAllow, d.OverallAction)
}

func TestRateLimitWindowResets(t *testing.T) {
	e := newTestEngine(t, Config{})
	require.NoError(t, e.SetPolicy(Policy{
		ID: "rl1", Kind: KindRateLimit, Status: StatusActive,
		RateLimit: &RateLimitSpec{
			Resource: "api",
			Windows:  []Window{{Duration: 50 * time.Millisecond, MaxRequests: 1}},
		},
	}))

	ctx := Context{Actor: "a1", Resource: "api"}
	assert.Equal(t, ActionAllow, e.Evaluate(ctx).OverallAction)
	assert.Equal(t, ActionDeny, e.Evaluate(ctx).OverallAction)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, ActionAllow, e.Evaluate(ctx).OverallAction)
}

func TestRateLimitConcurrentCounting(t *testing.T) {
	e := newTestEngine(t, Config{})
	require.NoError(t, e.SetPolicy(Policy{
		ID: "rl1", Kind: KindRateLimit, Status: StatusActive,
		RateLimit: &RateLimitSpec{
			Resource: "api",
			Windows:  []Window{{Duration: time.Minute, MaxRequests: 10}},
		},
	}))

	const callers = 25
	var allowed int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := e.Evaluate(Context{Actor: "a1", Resource: "api"})
			if d.OverallAction == ActionAllow {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(10), allowed, "exactly the window max may pass")
}

func TestPositiveResultCaching(t *testing.T) {
	e := newTestEngine(t, Config{CacheEnabled: true, CacheTTL: time.Minute})
	require.NoError(t, e.SetPolicy(gatePolicy("g1", 10, "all", Check{
		Name:      "ok",
		Condition: &condition.Condition{Field: "zone", Op: "exists"},
		Severity:  SeverityCritical,
	})))

	ctx := Context{Actor: "a1", Zone: "green"}
	d := e.Evaluate(ctx)
	require.Len(t, d.Results, 1)
	assert.False(t, d.Results[0].Cached)

	d = e.Evaluate(ctx)
	require.Len(t, d.Results, 1)
	assert.True(t, d.Results[0].Cached)
}

func TestOnViolationCallback(t *testing.T) {
	var fired []Result
	e := newTestEngine(t, Config{OnViolation: func(_ Context, r Result) { fired = append(fired, r) }})
	require.NoError(t, e.SetPolicy(gatePolicy("g1", 10, "all", Check{
		Name:      "never-holds",
		Condition: &condition.Condition{Field: "absent", Op: "exists"},
		Severity:  SeverityCritical,
	})))

	e.Evaluate(Context{Zone: "green"})
	require.Len(t, fired, 1)
	assert.Equal(t, "g1", fired[0].PolicyID)
}

func TestDisabledPolicySkipped(t *testing.T) {
	e := newTestEngine(t, Config{})
	p := gatePolicy("g1", 10, "all", Check{
		Name:      "never",
		Condition: &condition.Condition{Field: "absent", Op: "exists"},
		Severity:  SeverityCritical,
	})
	p.Status = StatusDisabled
	require.NoError(t, e.SetPolicy(p))

	d := e.Evaluate(Context{Zone: "green"})
	assert.Empty(t, d.Results)
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	doc := `
policies:
  - id: cost-gate
    name: cost gate
    kind: gate
    status: active
    priority: 50
    gate:
      zone: all
      checks:
        - name: amount-cap
          condition: {field: amount, op: lte, value: 1000}
          severity: critical
          blocking: true
  - id: api-rate
    kind: rate_limit
    status: active
    priority: 10
    rate_limit:
      resource: api
      windows:
        - duration: 1m
          max_requests: 100
        - duration: 24h
          max_requests: 5000
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "policies.yaml"), []byte(doc), 0o644))

	policies, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, policies, 2)
	assert.Equal(t, KindGate, policies[0].Kind)
	require.Len(t, policies[1].RateLimit.Windows, 2)
	assert.Equal(t, time.Minute, policies[1].RateLimit.Windows[0].Duration)
	assert.Equal(t, 24*time.Hour, policies[1].RateLimit.Windows[1].Duration)

	e := newTestEngine(t, Config{})
	n, err := LoadInto(e, dir)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestLoadDirRejectsDuplicateIDs(t *testing.T) {
	dir := t.TempDir()
	for i, name := range []string{"a.yaml", "b.yaml"} {
		doc := fmt.Sprintf(`
policies:
  - id: dup
    kind: gate
    status: active
    priority: %d
    gate:
      zone: all
      checks: []
`, i)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(doc), 0o644))
	}
	_, err := LoadDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate policy id")
}
