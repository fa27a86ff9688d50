package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/ocx/runtime/internal/approval"
	"github.com/ocx/runtime/internal/circuitbreaker"
	"github.com/ocx/runtime/internal/core"
	"github.com/ocx/runtime/internal/quality"
	"github.com/ocx/runtime/internal/taskrouter"
)

// AuditOptions carries optional audit fields.
type AuditOptions struct {
	DurationMs int64
	Metadata   map[string]interface{}
	Error      string
}

// AuditSink receives one record per significant orchestrator action.
type AuditSink interface {
	LogAction(verb, actor, target string, zone core.Zone, success bool, opts AuditOptions)
}

// approverAdapter exposes the approval manager through the task router's
// Approver contract.
type approverAdapter struct {
	mgr *approval.Manager
}

func (a *approverAdapter) Request(operation, resource string, zone core.Zone, requester, justification string) (string, string, error) {
	req, tok, err := a.mgr.CreateRequest(operation, resource, string(zone), requester, approval.RequestOptions{
		Justification: justification,
	})
	if err != nil {
		return "", "", err
	}
	token := ""
	if tok != nil {
		token = tok.Token
	}
	return req.ID, token, nil
}

func (a *approverAdapter) Validate(token, operation, resource string, consume bool) error {
	return a.mgr.Validate(token, operation, resource, consume)
}

// gateAdapter runs named quality gates for gate steps and run completion.
type gateAdapter struct {
	executor *quality.Executor
	gates    map[string]quality.Gate
}

func (g *gateAdapter) RunGate(ctx context.Context, gateID string, input, output interface{}, metadata map[string]interface{}) (bool, []string, error) {
	gate, ok := g.gates[gateID]
	if !ok {
		return false, nil, core.Errorf(core.KindValidation, "unknown quality gate %q", gateID)
	}
	qctx := quality.Context{
		Input:    toText(input),
		Output:   toText(output),
		Metadata: metadata,
	}
	if agentID, ok := metadata["agent_id"].(string); ok {
		qctx.AgentID = agentID
	}
	res := g.executor.Execute(ctx, gate, qctx)
	switch res.Status {
	case quality.GatePassed, quality.GateSkipped:
		return true, nil, nil
	default:
		return false, res.BlockingFailures, nil
	}
}

func toText(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	}
	raw, err := core.Canonical(v)
	if err != nil {
		return ""
	}
	return string(raw)
}

// countingModels wraps the model collaborator to account tokens and cost
// against one run and enforce its caps.
type countingModels struct {
	inner taskrouter.ModelRouter
	o     *Orchestrator
	runID string
}

func (c *countingModels) Route(ctx context.Context, req taskrouter.ModelRequest) (*taskrouter.ModelResponse, error) {
	resp, err := c.inner.Route(ctx, req)
	if err != nil {
		return nil, err
	}
	if capErr := c.o.chargeUsage(c.runID, resp); capErr != nil {
		return nil, capErr
	}
	return resp, nil
}

func (c *countingModels) RecordUsage(provider, model string, inTokens, outTokens int, latencyMs int64, success bool) {
	c.inner.RecordUsage(provider, model, inTokens, outTokens, latencyMs, success)
}

// errToolFailed marks unsuccessful tool results for breaker accounting
// without turning them into caller-visible errors.
var errToolFailed = errors.New("tool reported failure")

// guardedTools runs tool executions through per-tool circuit breakers, so a
// tool backend that keeps failing stops being called for a cooldown window.
type guardedTools struct {
	inner    taskrouter.ToolRegistry
	breakers *circuitbreaker.Manager
}

func (g *guardedTools) Get(name string) (taskrouter.ToolSpec, bool) {
	return g.inner.Get(name)
}

func (g *guardedTools) Execute(ctx context.Context, name string, input map[string]interface{}, zone core.Zone) (*taskrouter.ToolResult, error) {
	var res *taskrouter.ToolResult
	var innerErr error
	brkErr := g.breakers.Get("tool:"+name).Execute(func() error {
		res, innerErr = g.inner.Execute(ctx, name, input, zone)
		if innerErr != nil {
			return innerErr
		}
		if res != nil && !res.Success {
			return errToolFailed
		}
		return nil
	})
	if innerErr != nil {
		return nil, innerErr
	}
	if brkErr != nil && !errors.Is(brkErr, errToolFailed) {
		return nil, brkErr
	}
	return res, nil
}

// compliantTools runs the regulation gates before every tool execution a step
// handler attempts, so side effects never bypass compliance.
type compliantTools struct {
	inner taskrouter.ToolRegistry
	o     *Orchestrator
	actor string
}

func (c *compliantTools) Get(name string) (taskrouter.ToolSpec, bool) {
	return c.inner.Get(name)
}

func (c *compliantTools) Execute(ctx context.Context, name string, input map[string]interface{}, zone core.Zone) (*taskrouter.ToolResult, error) {
	if err := c.o.complianceCheck(c.actor, "tool:"+name, input); err != nil {
		return nil, err
	}
	return c.inner.Execute(ctx, name, input, zone)
}

// nopAudit swallows audit records when no sink is configured.
type nopAudit struct{}

func (nopAudit) LogAction(string, string, string, core.Zone, bool, AuditOptions) {}

// MemoryAuditSink collects records for tests and local runs.
type MemoryAuditSink struct {
	mu      sync.Mutex
	entries []AuditEntry
}

// AuditEntry is one recorded action.
type AuditEntry struct {
	Verb    string
	Actor   string
	Target  string
	Zone    core.Zone
	Success bool
	Opts    AuditOptions
}

func NewMemoryAuditSink() *MemoryAuditSink {
	return &MemoryAuditSink{}
}

func (s *MemoryAuditSink) LogAction(verb, actor, target string, zone core.Zone, success bool, opts AuditOptions) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, AuditEntry{Verb: verb, Actor: actor, Target: target, Zone: zone, Success: success, Opts: opts})
}

// Entries returns a copy of the recorded actions.
func (s *MemoryAuditSink) Entries() []AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// CountVerb returns how many records carry the verb, optionally filtered by
// target.
func (s *MemoryAuditSink) CountVerb(verb, target string) int {
	n := 0
	for _, e := range s.Entries() {
		if e.Verb == verb && (target == "" || strings.HasPrefix(e.Target, target)) {
			n++
		}
	}
	return n
}
