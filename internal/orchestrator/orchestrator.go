package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/runtime/internal/approval"
	"github.com/ocx/runtime/internal/circuitbreaker"
	"github.com/ocx/runtime/internal/compliance"
	"github.com/ocx/runtime/internal/core"
	"github.com/ocx/runtime/internal/events"
	"github.com/ocx/runtime/internal/policy"
	"github.com/ocx/runtime/internal/quality"
	"github.com/ocx/runtime/internal/statestore"
	"github.com/ocx/runtime/internal/taskrouter"
)

// Deps are the collaborators the orchestrator wires together. Store and
// Router are required; the rest degrade to disabled features when nil.
type Deps struct {
	Store     *statestore.Store
	Router    *taskrouter.Router
	Policies  *policy.Engine
	Approvals *approval.Manager
	Quality   *quality.Executor
	Gates     map[string]quality.Gate
	Models    taskrouter.ModelRouter
	Tools     taskrouter.ToolRegistry
	// Breakers, when set, wraps tool execution in per-tool circuits.
	Breakers *circuitbreaker.Manager
	// Compliance, when set, gates every tool execution through the
	// regulation framework before the tool runs.
	Compliance *compliance.Framework
	Audit      AuditSink
	Events     events.EventEmitter
}

// tools returns the registry, breaker-guarded when breakers are configured.
func (o *Orchestrator) tools() taskrouter.ToolRegistry {
	if o.deps.Tools == nil {
		return nil
	}
	if o.deps.Breakers == nil {
		return o.deps.Tools
	}
	return &guardedTools{inner: o.deps.Tools, breakers: o.deps.Breakers}
}

// Config tunes one orchestrator instance.
type Config struct {
	Environment string
	Actor       string
	Caps        Caps
	// PolicyChecks gates startRun through the policy engine.
	PolicyChecks bool
	// CompletionGate names the quality gate run before a run may complete.
	// Empty disables the completion gate.
	CompletionGate string
	// ComplianceRegulations narrows which regulation gates apply to tool
	// execution. Empty runs every registered gate.
	ComplianceRegulations []string
	AutoSaveInterval      time.Duration // default 30s
	Retention             time.Duration // default 24h
}

type runEntry struct {
	mu      sync.Mutex
	run     *Run
	routing *taskrouter.Routing
	cancel  *taskrouter.CancellationToken
	// approvalToken carries a token issued mid-run (approval steps) into
	// subsequent gated steps.
	approvalToken string
	// previous exposes earlier step outputs to later conditions.
	previous map[string]interface{}
}

// Orchestrator owns the run table and the background auto-save loop.
type Orchestrator struct {
	cfg  Config
	deps Deps

	mu   sync.RWMutex
	runs map[string]*runEntry

	logger   *log.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
	nowFn    func() time.Time
}

func New(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, core.Errorf(core.KindValidation, "orchestrator requires a state store")
	}
	if deps.Router == nil {
		return nil, core.Errorf(core.KindValidation, "orchestrator requires a task router")
	}
	if deps.Audit == nil {
		deps.Audit = nopAudit{}
	}
	if cfg.Actor == "" {
		cfg.Actor = "orchestrator"
	}
	if cfg.AutoSaveInterval <= 0 {
		cfg.AutoSaveInterval = 30 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}

	o := &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		runs:   make(map[string]*runEntry),
		logger: log.New(log.Writer(), "[ORCH] ", log.LstdFlags),
		stopCh: make(chan struct{}),
		nowFn:  time.Now,
	}
	go o.autoSaveLoop()
	return o, nil
}

// Close stops the auto-save loop.
func (o *Orchestrator) Close() {
	o.stopOnce.Do(func() { close(o.stopCh) })
}

// CreateRun snapshots the agent spec, routes the task, and persists the new
// pending run.
func (o *Orchestrator) CreateRun(ctx context.Context, agentID string, agentSpec map[string]interface{}, task, mode string, zone core.Zone, input map[string]interface{}) (*Run, error) {
	routing, err := o.deps.Router.Route(task, mode, zone)
	if err != nil {
		return nil, err
	}

	now := o.nowFn()
	run := &Run{
		ID:          "run-" + uuid.NewString(),
		AgentID:     agentID,
		AgentSpec:   agentSpec,
		Task:        routing.Task,
		Mode:        routing.Mode,
		Zone:        zone,
		Environment: o.cfg.Environment,
		Status:      core.RunPending,
		CurrentStep: routing.EntryStep,
		State:       make(map[string]interface{}),
		Input:       input,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	systemPrompt, _ := agentSpec["system_prompt"].(string)
	if systemPrompt == "" {
		systemPrompt = fmt.Sprintf("You are agent %s executing task %s/%s.", agentID, run.Task, run.Mode)
	}
	run.Messages = []core.Message{{Role: "system", Content: systemPrompt, Timestamp: now.Unix()}}

	entry := &runEntry{run: run, routing: routing, cancel: taskrouter.NewCancellationToken()}
	o.mu.Lock()
	o.runs[run.ID] = entry
	o.mu.Unlock()

	if err := o.persist(ctx, run); err != nil {
		return nil, err
	}
	o.emit("run.created", run, nil)
	o.deps.Audit.LogAction("create", o.cfg.Actor, run.ID, run.Zone, true, AuditOptions{
		Metadata: map[string]interface{}{"task": run.Task, "mode": run.Mode, "agent": agentID},
	})
	return o.snapshot(entry), nil
}

// StartRun transitions the run to running and drives its step graph until a
// terminal state or a pause point. The policy engine is consulted first when
// policy checks are enabled.
func (o *Orchestrator) StartRun(ctx context.Context, runID string) (*Run, error) {
	entry, err := o.entry(runID)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	run := entry.run
	if !canTransition(run.Status, core.RunRunning) {
		entry.mu.Unlock()
		return nil, core.Errorf(core.KindConflict, "run %s cannot start from %s", runID, run.Status)
	}

	if o.cfg.PolicyChecks && o.deps.Policies != nil {
		decision := o.deps.Policies.Evaluate(policy.Context{
			Actor:       run.AgentID,
			Action:      "start_run",
			Resource:    run.ID,
			Zone:        string(run.Zone),
			Environment: run.Environment,
			Timestamp:   o.nowFn(),
		})
		if !decision.Allowed() {
			denied := core.Errorf(core.KindPolicyDenied, "policy denied start of run %s", runID).
				WithDetail("critical_failures", decision.CriticalFailures)
			o.finishLocked(ctx, entry, core.RunFailed, denied)
			entry.mu.Unlock()
			o.emit("policy.denied", run, map[string]interface{}{"action": "start_run"})
			return nil, denied
		}
	}

	now := o.nowFn()
	run.Status = core.RunRunning
	if run.StartedAt == nil {
		run.StartedAt = &now
	}
	run.UpdatedAt = now
	o.persistLogged(ctx, run)
	entry.mu.Unlock()

	o.emit("run.started", run, nil)
	return o.stepLoop(ctx, entry)
}

// stepLoop executes steps until the graph terminates, the run pauses, or a
// step fails terminally.
func (o *Orchestrator) stepLoop(ctx context.Context, entry *runEntry) (*Run, error) {
	for {
		entry.mu.Lock()
		run := entry.run
		if run.Status != core.RunRunning {
			snap := o.snapshot(entry)
			entry.mu.Unlock()
			return snap, nil
		}
		stepID := run.CurrentStep
		step, ok := entry.routing.Lookup(stepID)
		if !ok {
			err := core.Errorf(core.KindValidation, "run %s references unknown step %q", run.ID, stepID)
			o.finishLocked(ctx, entry, core.RunFailed, err)
			entry.mu.Unlock()
			return nil, err
		}
		sctx := o.stepContext(entry)
		entry.mu.Unlock()

		res := o.deps.Router.ExecuteStep(ctx, step, sctx)

		entry.mu.Lock()
		entry.approvalToken = sctx.ApprovalToken
		entry.previous[step.ID] = map[string]interface{}{
			"output":  res.Output,
			"success": res.Success,
		}
		o.applyStepResult(entry, step, res)
		o.persistLogged(ctx, run)

		if !res.Success && !res.Skipped {
			switch core.KindOf(res.Err) {
			case core.KindApprovalRequired:
				// pause at the suspension point; the caller resumes with
				// StartRun once the approval or input arrives
				run.Status = core.RunPaused
				run.UpdatedAt = o.nowFn()
				o.persistLogged(ctx, run)
				entry.mu.Unlock()
				o.emit("run.paused", run, map[string]interface{}{"step": stepID})
				return o.getSnapshot(entry), res.Err
			case core.KindCancelled:
				o.finishLocked(ctx, entry, core.RunCancelled, res.Err)
				entry.mu.Unlock()
				return nil, res.Err
			case core.KindResourceLimit:
				// caps abort the run, on_error routing does not apply
				o.finishLocked(ctx, entry, core.RunFailed, res.Err)
				entry.mu.Unlock()
				return nil, res.Err
			}
			next, done, nerr := o.deps.Router.NextStep(entry.routing, stepID, res)
			if nerr != nil || done || next == "" {
				o.finishLocked(ctx, entry, core.RunFailed, res.Err)
				entry.mu.Unlock()
				return nil, res.Err
			}
			run.CurrentStep = next
			entry.mu.Unlock()
			continue
		}

		next, done, nerr := o.deps.Router.NextStep(entry.routing, stepID, res)
		if nerr != nil {
			o.finishLocked(ctx, entry, core.RunFailed, nerr)
			entry.mu.Unlock()
			return nil, nerr
		}
		if done {
			err := o.completeLocked(ctx, entry)
			snap := o.snapshot(entry)
			entry.mu.Unlock()
			return snap, err
		}
		run.CurrentStep = next
		entry.mu.Unlock()
	}
}

// stepContext builds the execution environment for one step. Caller holds
// the entry lock.
func (o *Orchestrator) stepContext(entry *runEntry) *taskrouter.StepContext {
	run := entry.run
	if entry.previous == nil {
		entry.previous = make(map[string]interface{})
	}
	sctx := &taskrouter.StepContext{
		RunID:         run.ID,
		Zone:          run.Zone,
		Input:         run.Input,
		State:         run.State,
		Previous:      entry.previous,
		Messages:      append([]core.Message(nil), run.Messages...),
		ApprovalToken: entry.approvalToken,
		Cancel:        entry.cancel,
		Tools:         o.tools(),
	}
	if o.deps.Compliance != nil && sctx.Tools != nil {
		sctx.Tools = &compliantTools{inner: sctx.Tools, o: o, actor: run.AgentID}
	}
	if o.deps.Models != nil {
		sctx.Models = &countingModels{inner: o.deps.Models, o: o, runID: run.ID}
	}
	if o.deps.Approvals != nil {
		sctx.Approvals = &approverAdapter{mgr: o.deps.Approvals}
	}
	if o.deps.Quality != nil {
		sctx.Gates = &gateAdapter{executor: o.deps.Quality, gates: o.deps.Gates}
	}
	return sctx
}

// applyStepResult folds a step result into the run. Caller holds the entry
// lock.
func (o *Orchestrator) applyStepResult(entry *runEntry, step *taskrouter.Step, res *taskrouter.StepResult) {
	run := entry.run
	run.StepCount++
	for k, v := range res.StateUpdates {
		run.State[k] = v
	}
	for _, k := range res.StateDeletes {
		delete(run.State, k)
	}
	if step.Type == taskrouter.StepCompletion && res.Success && !res.Skipped {
		if text, ok := res.Output.(string); ok && text != "" {
			run.Messages = append(run.Messages, core.Message{
				Role: "assistant", Content: text, Timestamp: o.nowFn().Unix(),
			})
			run.Output = text
		}
	}
	run.UpdatedAt = o.nowFn()
}

// completeLocked runs the completion gate and stamps the terminal state.
// Caller holds the entry lock.
func (o *Orchestrator) completeLocked(ctx context.Context, entry *runEntry) error {
	run := entry.run
	if o.cfg.CompletionGate != "" && o.deps.Quality != nil {
		gates := &gateAdapter{executor: o.deps.Quality, gates: o.deps.Gates}
		passed, failures, err := gates.RunGate(ctx, o.cfg.CompletionGate, run.Input, run.Output, map[string]interface{}{
			"run_id": run.ID, "agent_id": run.AgentID,
		})
		if err == nil && !passed {
			err = core.Errorf(core.KindGateFailed, "completion gate %q failed", o.cfg.CompletionGate).
				WithDetail("failures", failures)
		}
		if err != nil {
			o.finishLocked(ctx, entry, core.RunFailed, err)
			return err
		}
	}
	o.finishLocked(ctx, entry, core.RunCompleted, nil)
	return nil
}

// finishLocked stamps a terminal state, persists, audits, and emits the
// terminal event. Already-terminal runs are left untouched. Caller holds the
// entry lock.
func (o *Orchestrator) finishLocked(ctx context.Context, entry *runEntry, status core.RunStatus, cause error) {
	run := entry.run
	if run.Status.Terminal() {
		return
	}
	now := o.nowFn()
	run.Status = status
	run.EndedAt = &now
	run.UpdatedAt = now
	if cause != nil {
		run.Error = cause.Error()
		run.ErrorKind = core.KindOf(cause)
	}
	o.persistLogged(ctx, run)

	verb := "complete"
	event := "run.completed"
	switch status {
	case core.RunFailed:
		verb, event = "fail", "run.failed"
	case core.RunCancelled:
		verb, event = "cancel", "run.cancelled"
	}
	o.deps.Audit.LogAction(verb, o.cfg.Actor, run.ID, run.Zone, status == core.RunCompleted, AuditOptions{
		DurationMs: run.DurationMs(),
		Error:      run.Error,
		Metadata: map[string]interface{}{
			"cost_usd":   run.CostUSD,
			"tokens_in":  run.TokensIn,
			"tokens_out": run.TokensOut,
			"tool_calls": len(run.ToolCalls),
		},
	})
	o.emit(event, run, nil)
}

// PauseRun suspends a running run at its next suspension point.
func (o *Orchestrator) PauseRun(ctx context.Context, runID string) (*Run, error) {
	return o.transition(ctx, runID, core.RunPaused, nil)
}

// CompleteRun finishes a run explicitly, running the completion gate first.
func (o *Orchestrator) CompleteRun(ctx context.Context, runID string, output string) (*Run, error) {
	entry, err := o.entry(runID)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	run := entry.run
	if !canTransition(run.Status, core.RunCompleted) {
		return nil, core.Errorf(core.KindConflict, "run %s cannot complete from %s", runID, run.Status)
	}
	if output != "" {
		run.Output = output
	}
	if err := o.completeLocked(ctx, entry); err != nil {
		return nil, err
	}
	return o.snapshot(entry), nil
}

// FailRun records a caller-reported failure.
func (o *Orchestrator) FailRun(ctx context.Context, runID string, cause error) (*Run, error) {
	return o.transition(ctx, runID, core.RunFailed, cause)
}

// CancelRun cancels a run; in-flight steps observe the token at the next
// suspension point.
func (o *Orchestrator) CancelRun(ctx context.Context, runID string) (*Run, error) {
	entry, err := o.entry(runID)
	if err != nil {
		return nil, err
	}
	entry.cancel.Cancel()
	return o.transition(ctx, runID, core.RunCancelled, core.Errorf(core.KindCancelled, "run cancelled"))
}

func (o *Orchestrator) transition(ctx context.Context, runID string, to core.RunStatus, cause error) (*Run, error) {
	entry, err := o.entry(runID)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	run := entry.run
	if !canTransition(run.Status, to) {
		return nil, core.Errorf(core.KindConflict, "run %s cannot move %s -> %s", runID, run.Status, to)
	}
	if to.Terminal() {
		o.finishLocked(ctx, entry, to, cause)
	} else {
		run.Status = to
		run.UpdatedAt = o.nowFn()
		o.persistLogged(ctx, run)
	}
	return o.snapshot(entry), nil
}

// AddMessage appends a message to the run's log.
func (o *Orchestrator) AddMessage(ctx context.Context, runID, role, content string) error {
	entry, err := o.entry(runID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	run := entry.run
	if run.Status.Terminal() {
		return core.Errorf(core.KindConflict, "run %s is %s", runID, run.Status)
	}
	run.Messages = append(run.Messages, core.Message{Role: role, Content: content, Timestamp: o.nowFn().Unix()})
	run.UpdatedAt = o.nowFn()
	return o.persist(ctx, run)
}

// ExecuteTool runs a named tool on behalf of a run. Tools that require
// approval, and any tool in a red-zone run, need a valid token; without one
// an approval request is opened and an approval-required error returned.
func (o *Orchestrator) ExecuteTool(ctx context.Context, runID, tool string, input map[string]interface{}, token string) (*ToolCallRecord, error) {
	if o.deps.Tools == nil {
		return nil, core.Errorf(core.KindValidation, "no tool registry configured")
	}
	entry, err := o.entry(runID)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	run := entry.run
	if run.Status.Terminal() {
		entry.mu.Unlock()
		return nil, core.Errorf(core.KindConflict, "run %s is %s", runID, run.Status)
	}
	if o.cfg.Caps.MaxToolCalls > 0 && len(run.ToolCalls) >= o.cfg.Caps.MaxToolCalls {
		limit := core.Errorf(core.KindResourceLimit, "run %s exceeded %d tool calls", runID, o.cfg.Caps.MaxToolCalls).
			WithDetail("code", "TOOL_CALL_LIMIT")
		o.finishLocked(ctx, entry, core.RunFailed, limit)
		entry.mu.Unlock()
		return nil, limit
	}
	zone := run.Zone
	agentID := run.AgentID
	entry.mu.Unlock()

	spec, ok := o.deps.Tools.Get(tool)
	if !ok {
		return nil, core.Errorf(core.KindValidation, "unknown tool %q", tool)
	}

	if err := o.complianceCheck(agentID, "tool:"+tool, input); err != nil {
		o.deps.Audit.LogAction("execute_tool", o.cfg.Actor, runID, zone, false, AuditOptions{
			Metadata: map[string]interface{}{"tool": tool},
			Error:    err.Error(),
		})
		return nil, err
	}

	if spec.RequiresApproval || zone == core.ZoneRed {
		if o.deps.Approvals == nil {
			return nil, core.Errorf(core.KindApprovalRequired, "tool %q requires approval and no approval manager is configured", tool)
		}
		if err := o.deps.Approvals.Validate(token, "tool:"+tool, tool, true); err != nil {
			if token != "" {
				return nil, err
			}
			req, autoTok, rerr := o.deps.Approvals.CreateRequest("tool:"+tool, tool, string(zone), agentID, approval.RequestOptions{
				Justification: fmt.Sprintf("run %s tool call", runID),
			})
			if rerr != nil {
				return nil, rerr
			}
			if autoTok == nil {
				o.emit("approval.requested", run, map[string]interface{}{"request_id": req.ID, "tool": tool})
				return nil, core.Errorf(core.KindApprovalRequired, "tool %q requires approval", tool).
					WithDetail("request_id", req.ID).
					WithDetail("operation", "tool:"+tool)
			}
			// auto-approved zone: proceed with the fresh token consumed
			if err := o.deps.Approvals.Validate(autoTok.Token, "tool:"+tool, tool, true); err != nil {
				return nil, err
			}
		}
	}

	result, execErr := o.tools().Execute(ctx, tool, input, zone)

	record := ToolCallRecord{
		ID:        "tc-" + uuid.NewString(),
		Tool:      tool,
		Input:     input,
		Timestamp: o.nowFn(),
	}
	switch {
	case execErr != nil:
		record.Error = execErr.Error()
	case !result.Success:
		record.Error = result.Error
	default:
		record.Success = true
		record.Output = result.Output
	}

	entry.mu.Lock()
	run.ToolCalls = append(run.ToolCalls, record)
	content := record.Error
	if record.Success {
		content = toText(record.Output)
	}
	run.Messages = append(run.Messages, core.Message{
		Role: "tool", Name: tool, Content: content, Timestamp: o.nowFn().Unix(),
	})
	run.UpdatedAt = o.nowFn()
	o.persistLogged(ctx, run)
	entry.mu.Unlock()

	o.deps.Audit.LogAction("execute_tool", o.cfg.Actor, runID, zone, record.Success, AuditOptions{
		Metadata: map[string]interface{}{"tool": tool},
		Error:    record.Error,
	})
	if execErr != nil {
		var ce *core.Error
		if errors.As(execErr, &ce) {
			return &record, execErr
		}
		return &record, core.Wrap(core.KindInternal, execErr, "tool %q failed", tool)
	}
	return &record, nil
}

// complianceCheck runs the regulation gates over an action before it causes a
// side effect. Phone, email, country, and timezone ride along when the input
// carries them. Denials fail closed as policy errors.
func (o *Orchestrator) complianceCheck(actor, action string, data map[string]interface{}) error {
	if o.deps.Compliance == nil {
		return nil
	}
	cctx := compliance.Context{
		Actor:     actor,
		Action:    action,
		Timestamp: o.nowFn(),
		Data:      data,
	}
	if s, ok := data["phone"].(string); ok {
		cctx.Phone = s
		cctx.Target = s
	}
	if s, ok := data["email"].(string); ok {
		cctx.Email = s
		if cctx.Target == "" {
			cctx.Target = s
		}
	}
	if s, ok := data["target"].(string); ok {
		cctx.Target = s
	}
	if s, ok := data["country"].(string); ok {
		cctx.Country = s
	}
	if s, ok := data["timezone"].(string); ok {
		cctx.Timezone = s
	}

	report := o.deps.Compliance.CheckAll(cctx, o.cfg.ComplianceRegulations...)
	if report.OverallAllowed {
		return nil
	}
	var codes, remediation []string
	for _, res := range report.Results {
		for _, v := range res.Violations {
			codes = append(codes, v.Code)
		}
		remediation = append(remediation, res.Remediation...)
	}
	return core.Errorf(core.KindPolicyDenied, "compliance denied %s (%s)", action, strings.Join(codes, ", ")).
		WithDetail("violations", codes).
		WithDetail("remediation", remediation)
}

// chargeUsage accounts one completion against the run and enforces token and
// cost caps.
func (o *Orchestrator) chargeUsage(runID string, resp *taskrouter.ModelResponse) error {
	entry, err := o.entry(runID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	run := entry.run
	run.TokensIn += resp.InputTokens
	run.TokensOut += resp.OutputTokens
	run.CostUSD += resp.EstimatedCostUSD

	if o.cfg.Caps.MaxCostUSD > 0 && run.CostUSD >= o.cfg.Caps.MaxCostUSD {
		return core.Errorf(core.KindResourceLimit, "run %s cost %.4f reached cap %.4f", runID, run.CostUSD, o.cfg.Caps.MaxCostUSD).
			WithDetail("code", "COST_LIMIT")
	}
	if o.cfg.Caps.MaxTokens > 0 && run.TokensIn+run.TokensOut >= o.cfg.Caps.MaxTokens {
		return core.Errorf(core.KindResourceLimit, "run %s used %d tokens, cap %d", runID, run.TokensIn+run.TokensOut, o.cfg.Caps.MaxTokens).
			WithDetail("code", "TOKEN_LIMIT")
	}
	return nil
}

// ListRuns returns snapshots, optionally filtered by status.
func (o *Orchestrator) ListRuns(status core.RunStatus) []*Run {
	o.mu.RLock()
	entries := make([]*runEntry, 0, len(o.runs))
	for _, e := range o.runs {
		entries = append(entries, e)
	}
	o.mu.RUnlock()

	out := make([]*Run, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if status == "" || e.run.Status == status {
			out = append(out, o.snapshot(e))
		}
		e.mu.Unlock()
	}
	return out
}

// GetRun returns the in-memory run.
func (o *Orchestrator) GetRun(runID string) (*Run, error) {
	entry, err := o.entry(runID)
	if err != nil {
		return nil, err
	}
	return o.getSnapshot(entry), nil
}

// LoadRun fetches a run from memory or, failing that, from the state store.
func (o *Orchestrator) LoadRun(ctx context.Context, runID string) (*Run, error) {
	if run, err := o.GetRun(runID); err == nil {
		return run, nil
	}
	stateEntry, found, err := o.deps.Store.Get(ctx, runKey(runID), o.cfg.Environment)
	if err != nil {
		return nil, core.Wrap(core.KindStorage, err, "load run %s", runID)
	}
	if !found {
		return nil, core.Errorf(core.KindValidation, "run %q not found", runID)
	}
	var run Run
	if err := json.Unmarshal(stateEntry.Value, &run); err != nil {
		return nil, core.Wrap(core.KindIntegrity, err, "run %s record is corrupt", runID)
	}

	routing, rerr := o.deps.Router.Route(run.Task, run.Mode, run.Zone)
	if rerr != nil {
		return nil, rerr
	}
	e := &runEntry{run: &run, routing: routing, cancel: taskrouter.NewCancellationToken()}
	o.mu.Lock()
	if existing, ok := o.runs[runID]; ok {
		e = existing
	} else {
		o.runs[runID] = e
	}
	o.mu.Unlock()
	return o.getSnapshot(e), nil
}

// CleanupTerminal evicts terminal runs past the retention window from memory
// and from the state store. Returns the number evicted.
func (o *Orchestrator) CleanupTerminal(ctx context.Context) int {
	cutoff := o.nowFn().Add(-o.cfg.Retention)

	o.mu.Lock()
	var evict []*runEntry
	for id, e := range o.runs {
		e.mu.Lock()
		if e.run.Status.Terminal() && e.run.UpdatedAt.Before(cutoff) {
			evict = append(evict, e)
			delete(o.runs, id)
		}
		e.mu.Unlock()
	}
	o.mu.Unlock()

	for _, e := range evict {
		if _, err := o.deps.Store.Delete(ctx, runKey(e.run.ID), o.cfg.Environment, o.cfg.Actor); err != nil {
			o.logger.Printf("retention delete for %s failed: %v", e.run.ID, err)
		}
	}
	return len(evict)
}

func (o *Orchestrator) autoSaveLoop() {
	ticker := time.NewTicker(o.cfg.AutoSaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.autoSave()
		}
	}
}

func (o *Orchestrator) autoSave() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, run := range o.ListRuns(core.RunRunning) {
		if err := o.persist(ctx, run); err != nil {
			// storage hiccups here are retryable on the next tick
			o.logger.Printf("auto-save for %s failed: %v", run.ID, err)
		}
	}
}

func (o *Orchestrator) entry(runID string) (*runEntry, error) {
	o.mu.RLock()
	entry, ok := o.runs[runID]
	o.mu.RUnlock()
	if !ok {
		return nil, core.Errorf(core.KindValidation, "run %q not found", runID)
	}
	return entry, nil
}

func (o *Orchestrator) persist(ctx context.Context, run *Run) error {
	_, err := o.deps.Store.Put(ctx, runKey(run.ID), run, statestore.PutOptions{
		Environment: o.cfg.Environment,
		Actor:       o.cfg.Actor,
		Tags: map[string]string{
			"type":   "run",
			"status": string(run.Status),
			"agent":  run.AgentID,
		},
	})
	if err != nil {
		return core.Wrap(core.KindStorage, err, "persist run %s", run.ID)
	}
	return nil
}

func (o *Orchestrator) persistLogged(ctx context.Context, run *Run) {
	if err := o.persist(ctx, run); err != nil {
		o.logger.Printf("persist for %s failed: %v", run.ID, err)
	}
}

func (o *Orchestrator) emit(eventType string, run *Run, extra map[string]interface{}) {
	if o.deps.Events == nil {
		return
	}
	data := map[string]interface{}{
		"run_id": run.ID,
		"status": string(run.Status),
		"task":   run.Task,
		"zone":   string(run.Zone),
	}
	for k, v := range extra {
		data[k] = v
	}
	o.deps.Events.Emit(eventType, "orchestrator", run.ID, data)
}

// snapshot copies the run for callers. Caller holds the entry lock.
func (o *Orchestrator) snapshot(entry *runEntry) *Run {
	run := *entry.run
	run.Messages = append([]core.Message(nil), entry.run.Messages...)
	run.ToolCalls = append([]ToolCallRecord(nil), entry.run.ToolCalls...)
	run.State = make(map[string]interface{}, len(entry.run.State))
	for k, v := range entry.run.State {
		run.State[k] = v
	}
	return &run
}

func (o *Orchestrator) getSnapshot(entry *runEntry) *Run {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return o.snapshot(entry)
}

func runKey(runID string) string { return "runs/" + runID }
