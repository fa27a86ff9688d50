package quality

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/runtime/internal/condition"
	"github.com/ocx/runtime/internal/policy"
)

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	engine, err := policy.NewEngine(policy.Config{})
	require.NoError(t, err)
	return NewExecutor(engine)
}

func runGate(t *testing.T, ex *Executor, gate Gate, qctx Context) *Result {
	t.Helper()
	return ex.Execute(context.Background(), gate, qctx)
}

func TestEmptyGateSkips(t *testing.T) {
	ex := newTestExecutor(t)
	res := runGate(t, ex, Gate{ID: "g"}, Context{Output: "hi"})
	assert.Equal(t, GateSkipped, res.Status)
}

func TestNonEmptyCheck(t *testing.T) {
	ex := newTestExecutor(t)
	gate := Gate{ID: "g", Checks: []Check{{Name: "non_empty", Blocking: true}}}

	res := runGate(t, ex, gate, Context{Output: "some output"})
	assert.Equal(t, GatePassed, res.Status)

	res = runGate(t, ex, gate, Context{Output: "   "})
	assert.Equal(t, GateFailed, res.Status)
	assert.Equal(t, []string{"non_empty"}, res.BlockingFailures)
}

func TestLengthChecks(t *testing.T) {
	ex := newTestExecutor(t)
	gate := Gate{ID: "g", Checks: []Check{
		{Name: "min_length:output", Config: map[string]interface{}{"min": 5}},
		{Name: "max_length:output", Config: map[string]interface{}{"max": 20}},
	}}

	res := runGate(t, ex, gate, Context{Output: "just right"})
	assert.Equal(t, GatePassed, res.Status)
	assert.Equal(t, 2, res.PassedCount)

	res = runGate(t, ex, gate, Context{Output: "hi"})
	assert.Equal(t, GateFailed, res.Status)
	assert.Equal(t, 1, res.FailedCount)
}

func TestPIIDetection(t *testing.T) {
	ex := newTestExecutor(t)
	gate := Gate{ID: "g", Checks: []Check{{Name: "no_pii", Blocking: true}}}

	cases := []struct {
		output string
		pass   bool
	}{
		{"the weather is sunny today", true},
		{"my ssn is 123-45-6789", false},
		{"card: 4111 1111 1111 1111", false},
		{"reach me at jane@example.com", false},
	}
	for _, tc := range cases {
		res := runGate(t, ex, gate, Context{Output: tc.output})
		if tc.pass {
			assert.Equal(t, GatePassed, res.Status, "output %q", tc.output)
		} else {
			assert.Equal(t, GateFailed, res.Status, "output %q", tc.output)
		}
	}
}

func TestValidJSONAndSchema(t *testing.T) {
	ex := newTestExecutor(t)
	schema := map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"name"},
		"properties": map[string]interface{}{
			"name": map[string]interface{}{"type": "string"},
		},
	}
	gate := Gate{ID: "g", Checks: []Check{
		{Name: "valid_json", Blocking: true},
		{Name: "schema:response", Config: map[string]interface{}{"schema": schema}, Blocking: true},
	}}

	res := runGate(t, ex, gate, Context{Output: `{"name": "ada"}`})
	assert.Equal(t, GatePassed, res.Status)

	res = runGate(t, ex, gate, Context{Output: `{"age": 7}`})
	assert.Equal(t, GateFailed, res.Status)

	res = runGate(t, ex, gate, Context{Output: `not json`})
	assert.Equal(t, GateFailed, res.Status)
}

func TestCostBudget(t *testing.T) {
	ex := newTestExecutor(t)
	gate := Gate{ID: "g", Checks: []Check{{
		Name:     "cost_within_budget",
		Config:   map[string]interface{}{"budget_usd": 1.0},
		Blocking: true,
	}}}

	res := runGate(t, ex, gate, Context{Metadata: map[string]interface{}{"cost_usd": 0.5}})
	assert.Equal(t, GatePassed, res.Status)

	res = runGate(t, ex, gate, Context{Metadata: map[string]interface{}{"cost_usd": 2.5}})
	assert.Equal(t, GateFailed, res.Status)
	assert.Contains(t, res.CheckResults[0].Message, "exceeds budget")
}

func TestConditionFallbackHandler(t *testing.T) {
	ex := newTestExecutor(t)
	gate := Gate{ID: "g", Checks: []Check{{
		Name:      "custom-metadata-check",
		Condition: &condition.Condition{Field: "metadata.confidence", Op: "gte", Value: 0.8},
		Blocking:  true,
	}}}

	res := runGate(t, ex, gate, Context{Metadata: map[string]interface{}{"confidence": 0.95}})
	assert.Equal(t, GatePassed, res.Status)

	res = runGate(t, ex, gate, Context{Metadata: map[string]interface{}{"confidence": 0.3}})
	assert.Equal(t, GateFailed, res.Status)
}

func TestFailFastStopsAtBlockingFailure(t *testing.T) {
	ex := newTestExecutor(t)
	gate := Gate{
		ID:       "g",
		FailFast: true,
		Checks: []Check{
			{Name: "non_empty", Blocking: true},
			{Name: "min_length", Config: map[string]interface{}{"min": 5}},
		},
	}

	res := runGate(t, ex, gate, Context{Output: ""})
	assert.Equal(t, GateFailed, res.Status)
	assert.Len(t, res.CheckResults, 1, "fail_fast must not run later checks")
}

func TestCustomHandlerByPrefix(t *testing.T) {
	ex := newTestExecutor(t)
	ex.Register("sentiment", func(_ context.Context, _ Check, qctx Context) (bool, string, error) {
		return qctx.Output != "angry", "", nil
	})
	gate := Gate{ID: "g", Checks: []Check{{Name: "sentiment:polite", Blocking: true}}}

	res := runGate(t, ex, gate, Context{Output: "cheerful"})
	assert.Equal(t, GatePassed, res.Status)

	res = runGate(t, ex, gate, Context{Output: "angry"})
	assert.Equal(t, GateFailed, res.Status)
}

func TestCheckTimeout(t *testing.T) {
	ex := newTestExecutor(t)
	ex.Register("slow", func(ctx context.Context, _ Check, _ Context) (bool, string, error) {
		select {
		case <-time.After(time.Second):
			return true, "", nil
		case <-ctx.Done():
			return false, "", ctx.Err()
		}
	})
	gate := Gate{ID: "g", Checks: []Check{{
		Name: "slow:external", Timeout: 30 * time.Millisecond, Blocking: true,
	}}}

	start := time.Now()
	res := runGate(t, ex, gate, Context{})
	assert.Equal(t, GateFailed, res.Status)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.NotEmpty(t, res.CheckResults[0].Error)
}
