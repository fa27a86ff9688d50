package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/runtime/internal/approval"
	"github.com/ocx/runtime/internal/circuitbreaker"
	"github.com/ocx/runtime/internal/compliance"
	"github.com/ocx/runtime/internal/condition"
	"github.com/ocx/runtime/internal/core"
	"github.com/ocx/runtime/internal/events"
	"github.com/ocx/runtime/internal/policy"
	"github.com/ocx/runtime/internal/quality"
	"github.com/ocx/runtime/internal/statestore"
	"github.com/ocx/runtime/internal/taskrouter"
)

type stubModels struct {
	mu     sync.Mutex
	output string
	cost   float64
	inTok  int
	outTok int
	calls  int
}

func (s *stubModels) Route(_ context.Context, _ taskrouter.ModelRequest) (*taskrouter.ModelResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return &taskrouter.ModelResponse{
		Output:           s.output,
		EstimatedCostUSD: s.cost,
		InputTokens:      s.inTok,
		OutputTokens:     s.outTok,
	}, nil
}

func (s *stubModels) RecordUsage(_, _ string, _, _ int, _ int64, _ bool) {}

type stubTools struct {
	mu       sync.Mutex
	specs    map[string]taskrouter.ToolSpec
	executed []string
}

func newStubTools(specs ...taskrouter.ToolSpec) *stubTools {
	m := make(map[string]taskrouter.ToolSpec)
	for _, s := range specs {
		m[s.Name] = s
	}
	return &stubTools{specs: m}
}

func (s *stubTools) Get(name string) (taskrouter.ToolSpec, bool) {
	spec, ok := s.specs[name]
	return spec, ok
}

func (s *stubTools) Execute(_ context.Context, name string, _ map[string]interface{}, _ core.Zone) (*taskrouter.ToolResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executed = append(s.executed, name)
	return &taskrouter.ToolResult{Success: true, Output: "done"}, nil
}

func (s *stubTools) executions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.executed...)
}

type testHarness struct {
	orch      *Orchestrator
	store     *statestore.Store
	models    *stubModels
	tools     *stubTools
	audit     *MemoryAuditSink
	approvals *approval.Manager
	bus       *events.EventBus
}

func newHarness(t *testing.T, cfg Config) *testHarness {
	t.Helper()

	store := statestore.New(statestore.NewMemoryDriver(), statestore.Options{})
	engine, err := policy.NewEngine(policy.Config{})
	require.NoError(t, err)
	approvals, err := approval.NewManager(approval.Config{
		Secret:          "test-secret",
		AutoApproveZone: "green",
	})
	require.NoError(t, err)
	t.Cleanup(approvals.Close)

	models := &stubModels{output: "Paris.", cost: 0.01, inTok: 20, outTok: 10}
	tools := newStubTools(
		taskrouter.ToolSpec{Name: "web_search"},
		taskrouter.ToolSpec{Name: "deploy_production", RequiresApproval: true},
	)
	audit := NewMemoryAuditSink()
	bus := events.NewEventBus()

	gates := map[string]quality.Gate{
		"research_output": {
			ID: "research_output",
			Checks: []quality.Check{
				{Name: "non_empty", Blocking: true},
				{Name: "no_pii", Blocking: true},
			},
		},
	}

	if cfg.Environment == "" {
		cfg.Environment = "test"
	}
	orch, err := New(Deps{
		Store:     store,
		Router:    taskrouter.NewRouter(),
		Policies:  engine,
		Approvals: approvals,
		Quality:   quality.NewExecutor(engine),
		Gates:     gates,
		Models:    models,
		Tools:     tools,
		Audit:     audit,
		Events:    bus,
	}, cfg)
	require.NoError(t, err)
	t.Cleanup(orch.Close)

	return &testHarness{orch: orch, store: store, models: models, tools: tools, audit: audit, approvals: approvals, bus: bus}
}

func TestHappyPathResearchRun(t *testing.T) {
	h := newHarness(t, Config{CompletionGate: "research_output"})
	ctx := context.Background()

	run, err := h.orch.CreateRun(ctx, "agent-1", map[string]interface{}{}, "research", "quick", core.ZoneGreen, nil)
	require.NoError(t, err)
	assert.Equal(t, core.RunPending, run.Status)

	require.NoError(t, h.orch.AddMessage(ctx, run.ID, "user", "What is the capital of France?"))

	final, err := h.orch.StartRun(ctx, run.ID)
	require.NoError(t, err)

	assert.Equal(t, core.RunCompleted, final.Status)
	assert.Equal(t, "Paris.", final.Output)
	assert.Empty(t, final.ToolCalls)
	assert.Equal(t, 1, h.audit.CountVerb("complete", run.ID))
	assert.NotNil(t, final.EndedAt)
}

func TestRunPersistsToStateStore(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	run, err := h.orch.CreateRun(ctx, "agent-1", nil, "research", "", core.ZoneGreen, nil)
	require.NoError(t, err)

	entry, found, err := h.store.Get(ctx, "runs/"+run.ID, "test")
	require.NoError(t, err)
	require.True(t, found)
	assert.Contains(t, string(entry.Value), run.ID)
}

func TestStartRunPolicyDenied(t *testing.T) {
	h := newHarness(t, Config{PolicyChecks: true})
	ctx := context.Background()

	engine := h.orch.deps.Policies
	require.NoError(t, engine.SetPolicy(policy.Policy{
		ID:   "block-starts",
		Kind: policy.KindGate,
		Gate: &policy.GateSpec{
			Checks: []policy.Check{{
				Name:      "start_approved",
				Condition: &condition.Condition{Field: "data.start_approved", Op: condition.OpEq, Value: true},
				Severity:  policy.SeverityCritical,
				Blocking:  true,
				Message:   "run starts are blocked",
			}},
		},
	}))

	run, err := h.orch.CreateRun(ctx, "agent-1", nil, "research", "", core.ZoneGreen, nil)
	require.NoError(t, err)

	_, err = h.orch.StartRun(ctx, run.ID)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindPolicyDenied))

	loaded, gerr := h.orch.GetRun(run.ID)
	require.NoError(t, gerr)
	assert.Equal(t, core.RunFailed, loaded.Status)
}

func TestApprovalGatedToolCall(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	run, err := h.orch.CreateRun(ctx, "agent-1", nil, "research", "quick", core.ZoneRed, nil)
	require.NoError(t, err)

	// first call: no token, approval request opened
	_, err = h.orch.ExecuteTool(ctx, run.ID, "deploy_production", map[string]interface{}{"target": "prod"}, "")
	require.Error(t, err)
	require.True(t, core.IsKind(err, core.KindApprovalRequired))
	var de *core.Error
	require.ErrorAs(t, err, &de)
	requestID, _ := de.Details["request_id"].(string)
	require.NotEmpty(t, requestID)
	assert.Empty(t, h.tools.executions())

	// external reviewer approves
	tok, err := h.approvals.Approve(requestID, "ops-1", "verified change window")
	require.NoError(t, err)

	// second call with the token succeeds exactly once
	record, err := h.orch.ExecuteTool(ctx, run.ID, "deploy_production", map[string]interface{}{"target": "prod"}, tok.Token)
	require.NoError(t, err)
	assert.True(t, record.Success)
	assert.Equal(t, []string{"deploy_production"}, h.tools.executions())

	loaded, _ := h.orch.GetRun(run.ID)
	require.Len(t, loaded.ToolCalls, 1)
	last := loaded.Messages[len(loaded.Messages)-1]
	assert.Equal(t, "tool", last.Role)
	assert.Equal(t, "deploy_production", last.Name)
}

func TestGreenZoneToolAutoApproves(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	run, err := h.orch.CreateRun(ctx, "agent-1", nil, "research", "quick", core.ZoneGreen, nil)
	require.NoError(t, err)

	record, err := h.orch.ExecuteTool(ctx, run.ID, "deploy_production", nil, "")
	require.NoError(t, err)
	assert.True(t, record.Success)
	assert.Equal(t, []string{"deploy_production"}, h.tools.executions())
}

func TestCostCapAbortsRun(t *testing.T) {
	h := newHarness(t, Config{Caps: Caps{MaxCostUSD: 0.005}})
	ctx := context.Background()
	h.models.cost = 0.01

	run, err := h.orch.CreateRun(ctx, "agent-1", nil, "research", "quick", core.ZoneGreen, nil)
	require.NoError(t, err)

	_, err = h.orch.StartRun(ctx, run.ID)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindResourceLimit))
	var de *core.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "COST_LIMIT", de.Details["code"])

	loaded, _ := h.orch.GetRun(run.ID)
	assert.Equal(t, core.RunFailed, loaded.Status)
	assert.Equal(t, core.KindResourceLimit, loaded.ErrorKind)
}

func TestTokenCapAbortsRun(t *testing.T) {
	h := newHarness(t, Config{Caps: Caps{MaxTokens: 25}})
	ctx := context.Background()

	run, err := h.orch.CreateRun(ctx, "agent-1", nil, "research", "quick", core.ZoneGreen, nil)
	require.NoError(t, err)

	_, err = h.orch.StartRun(ctx, run.ID)
	require.Error(t, err)
	var de *core.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "TOKEN_LIMIT", de.Details["code"])
}

func TestToolCallCap(t *testing.T) {
	h := newHarness(t, Config{Caps: Caps{MaxToolCalls: 2}})
	ctx := context.Background()

	run, err := h.orch.CreateRun(ctx, "agent-1", nil, "research", "quick", core.ZoneGreen, nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = h.orch.ExecuteTool(ctx, run.ID, "web_search", nil, "")
		require.NoError(t, err)
	}

	_, err = h.orch.ExecuteTool(ctx, run.ID, "web_search", nil, "")
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindResourceLimit))
	var de *core.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "TOOL_CALL_LIMIT", de.Details["code"])

	loaded, _ := h.orch.GetRun(run.ID)
	assert.Equal(t, core.RunFailed, loaded.Status)
}

func TestCompletionGateBlocksPII(t *testing.T) {
	h := newHarness(t, Config{CompletionGate: "research_output"})
	ctx := context.Background()
	h.models.output = "Contact the archivist at jean.dupont@example.com for records."

	run, err := h.orch.CreateRun(ctx, "agent-1", nil, "research", "quick", core.ZoneGreen, nil)
	require.NoError(t, err)

	_, err = h.orch.StartRun(ctx, run.ID)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindGateFailed))

	loaded, _ := h.orch.GetRun(run.ID)
	assert.Equal(t, core.RunFailed, loaded.Status)
	assert.NotEqual(t, core.RunCompleted, loaded.Status)
}

func TestLifecycleTransitions(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	run, err := h.orch.CreateRun(ctx, "agent-1", nil, "research", "quick", core.ZoneGreen, nil)
	require.NoError(t, err)

	// pending cannot pause or complete
	_, err = h.orch.PauseRun(ctx, run.ID)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindConflict))
	_, err = h.orch.CompleteRun(ctx, run.ID, "")
	require.Error(t, err)

	// cancel from pending is allowed and terminal
	cancelled, err := h.orch.CancelRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunCancelled, cancelled.Status)

	// terminal runs reject every transition
	_, err = h.orch.CancelRun(ctx, run.ID)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindConflict))
	err = h.orch.AddMessage(ctx, run.ID, "user", "hello?")
	require.Error(t, err)
}

func TestListRunsFiltersByStatus(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	r1, err := h.orch.CreateRun(ctx, "agent-1", nil, "research", "", core.ZoneGreen, nil)
	require.NoError(t, err)
	_, err = h.orch.CreateRun(ctx, "agent-2", nil, "research", "", core.ZoneGreen, nil)
	require.NoError(t, err)
	_, err = h.orch.CancelRun(ctx, r1.ID)
	require.NoError(t, err)

	assert.Len(t, h.orch.ListRuns(core.RunPending), 1)
	assert.Len(t, h.orch.ListRuns(core.RunCancelled), 1)
	assert.Len(t, h.orch.ListRuns(""), 2)
}

func TestLoadRunFromStore(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	run, err := h.orch.CreateRun(ctx, "agent-1", nil, "research", "quick", core.ZoneGreen, nil)
	require.NoError(t, err)

	// drop the in-memory entry, forcing a store load
	h.orch.mu.Lock()
	delete(h.orch.runs, run.ID)
	h.orch.mu.Unlock()

	loaded, err := h.orch.LoadRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, loaded.ID)
	assert.Equal(t, "research", loaded.Task)
	assert.Equal(t, core.RunPending, loaded.Status)

	_, err = h.orch.LoadRun(ctx, "run-missing")
	require.Error(t, err)
}

func TestCleanupTerminalRuns(t *testing.T) {
	h := newHarness(t, Config{Retention: time.Hour})
	ctx := context.Background()

	run, err := h.orch.CreateRun(ctx, "agent-1", nil, "research", "", core.ZoneGreen, nil)
	require.NoError(t, err)
	_, err = h.orch.CancelRun(ctx, run.ID)
	require.NoError(t, err)

	// fresh terminal run survives
	assert.Equal(t, 0, h.orch.CleanupTerminal(ctx))

	// age it past retention
	h.orch.nowFn = func() time.Time { return time.Now().Add(2 * time.Hour) }
	assert.Equal(t, 1, h.orch.CleanupTerminal(ctx))

	_, err = h.orch.GetRun(run.ID)
	require.Error(t, err)
	_, found, err := h.store.Get(ctx, "runs/"+run.ID, "test")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRunEventsEmitted(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	ch := h.bus.Subscribe("run.created", "run.completed")

	run, err := h.orch.CreateRun(ctx, "agent-1", nil, "research", "quick", core.ZoneGreen, nil)
	require.NoError(t, err)
	_, err = h.orch.StartRun(ctx, run.ID)
	require.NoError(t, err)

	var types []string
	for len(types) < 2 {
		select {
		case ev := <-ch:
			types = append(types, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("expected 2 events, got %v", types)
		}
	}
	assert.Equal(t, []string{"run.created", "run.completed"}, types)
}

func TestCreateRunValidatesTask(t *testing.T) {
	h := newHarness(t, Config{})

	_, err := h.orch.CreateRun(context.Background(), "agent-1", nil, "alchemy", "", core.ZoneGreen, nil)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindValidation))
}

type quietHoursGate struct{}

func (quietHoursGate) ID() string         { return "tcpa-calling-window" }
func (quietHoursGate) Regulation() string { return compliance.RegTCPA }
func (quietHoursGate) Priority() int      { return 100 }

func (quietHoursGate) Check(ctx compliance.Context) compliance.Result {
	if ctx.Phone == "" {
		return compliance.Result{Allowed: true}
	}
	return compliance.Result{
		Allowed: false,
		Violations: []compliance.Violation{{
			Code:        "TCPA-001",
			Regulation:  compliance.RegTCPA,
			Severity:    compliance.SeverityCritical,
			Description: "outside permitted calling window",
		}},
		Remediation: []string{"retry between 08:00 and 21:00 recipient local time"},
	}
}

func TestComplianceGateBlocksToolCall(t *testing.T) {
	ctx := context.Background()
	fw := compliance.NewFramework(compliance.NewMemoryAuditSink())
	fw.Register(quietHoursGate{})

	store := statestore.New(statestore.NewMemoryDriver(), statestore.Options{})
	tools := newStubTools(taskrouter.ToolSpec{Name: "place_call"})
	orch, err := New(Deps{
		Store:      store,
		Router:     taskrouter.NewRouter(),
		Tools:      tools,
		Compliance: fw,
	}, Config{Environment: "test"})
	require.NoError(t, err)
	t.Cleanup(orch.Close)

	run, err := orch.CreateRun(ctx, "agent-1", nil, "research", "", core.ZoneGreen, nil)
	require.NoError(t, err)

	_, err = orch.ExecuteTool(ctx, run.ID, "place_call", map[string]interface{}{"phone": "+14155550100"}, "")
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindPolicyDenied))
	assert.Contains(t, err.Error(), "TCPA-001")
	assert.Empty(t, tools.executions())

	// no regulated target in the input, the gate allows
	record, err := orch.ExecuteTool(ctx, run.ID, "place_call", map[string]interface{}{"note": "internal"}, "")
	require.NoError(t, err)
	assert.True(t, record.Success)
	assert.Equal(t, []string{"place_call"}, tools.executions())
}

type flakyTools struct {
	mu    sync.Mutex
	fail  bool
	calls int
}

func (f *flakyTools) Get(name string) (taskrouter.ToolSpec, bool) {
	return taskrouter.ToolSpec{Name: name}, true
}

func (f *flakyTools) Execute(_ context.Context, _ string, _ map[string]interface{}, _ core.Zone) (*taskrouter.ToolResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return nil, errors.New("backend down")
	}
	return &taskrouter.ToolResult{Success: true, Output: "done"}, nil
}

func TestToolCircuitBreakerOpens(t *testing.T) {
	ctx := context.Background()
	store := statestore.New(statestore.NewMemoryDriver(), statestore.Options{})
	tools := &flakyTools{fail: true}
	breakers := circuitbreaker.NewManager(circuitbreaker.Config{
		Cooldown: time.Minute,
		ShouldTrip: func(c circuitbreaker.Counts) bool {
			return c.ConsecutiveFailures >= 2
		},
	})

	orch, err := New(Deps{
		Store:    store,
		Router:   taskrouter.NewRouter(),
		Tools:    tools,
		Breakers: breakers,
	}, Config{Environment: "test"})
	require.NoError(t, err)
	t.Cleanup(orch.Close)

	run, err := orch.CreateRun(ctx, "agent-1", nil, "research", "", core.ZoneGreen, nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = orch.ExecuteTool(ctx, run.ID, "web_search", nil, "")
		require.Error(t, err)
	}
	require.Equal(t, 2, tools.calls)

	// circuit is open now: the backend is no longer called
	_, err = orch.ExecuteTool(ctx, run.ID, "web_search", nil, "")
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindTimeout))
	var ce *core.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "CIRCUIT_OPEN", ce.Details["code"])
	assert.Equal(t, 2, tools.calls)

	// an unrelated tool has its own circuit
	tools.fail = false
	_, err = orch.ExecuteTool(ctx, run.ID, "web_fetch", nil, "")
	require.NoError(t, err)
}
