// Package quality executes output quality gates: named checks dispatched to
// handlers registered by name prefix, with per-check and per-gate timeouts.
package quality

import (
	"context"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ocx/runtime/internal/policy"
)

const (
	defaultCheckTimeout = 5 * time.Second
	defaultGateTimeout  = 30 * time.Second
)

// Handler runs one check against the gate context. It returns pass/fail and
// a human-readable message; a non-nil error marks the check errored, which
// counts as a failure.
type Handler func(ctx context.Context, check Check, qctx Context) (bool, string, error)

// Executor dispatches checks to handlers and composes gate results.
type Executor struct {
	mu       sync.RWMutex
	handlers map[string]Handler // prefix -> handler
	prefixes []string           // sorted longest-first for dispatch
	engine   *policy.Engine
	logger   *log.Logger
}

// NewExecutor builds an executor with the built-in handlers registered. The
// policy engine backs the default condition-based handler.
func NewExecutor(engine *policy.Engine) *Executor {
	ex := &Executor{
		handlers: make(map[string]Handler),
		engine:   engine,
		logger:   log.New(log.Writer(), "[QUALITY] ", log.LstdFlags),
	}
	registerBuiltins(ex)
	return ex
}

// Register installs a handler for every check whose name starts with prefix.
// The longest matching prefix wins.
func (ex *Executor) Register(prefix string, h Handler) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if _, exists := ex.handlers[prefix]; !exists {
		ex.prefixes = append(ex.prefixes, prefix)
		sort.Slice(ex.prefixes, func(i, j int) bool {
			return len(ex.prefixes[i]) > len(ex.prefixes[j])
		})
	}
	ex.handlers[prefix] = h
}

func (ex *Executor) handlerFor(name string) (Handler, bool) {
	ex.mu.RLock()
	defer ex.mu.RUnlock()
	for _, p := range ex.prefixes {
		if strings.HasPrefix(name, p) {
			return ex.handlers[p], true
		}
	}
	return nil, false
}

// Execute runs the gate. fail_fast stops at the first blocking failure;
// otherwise every check runs and the counts reflect all of them.
func (ex *Executor) Execute(ctx context.Context, gate Gate, qctx Context) *Result {
	start := time.Now()
	gateTimeout := gate.Timeout
	if gateTimeout == 0 {
		gateTimeout = defaultGateTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, gateTimeout)
	defer cancel()

	res := &Result{GateID: gate.ID, Status: GatePassed}
	if len(gate.Checks) == 0 {
		res.Status = GateSkipped
		res.DurationMs = time.Since(start).Milliseconds()
		return res
	}

	for _, check := range gate.Checks {
		if ctx.Err() != nil {
			res.CheckResults = append(res.CheckResults, CheckResult{
				Name: check.Name, Error: "gate timeout", Severity: check.Severity, Blocking: check.Blocking,
			})
			res.FailedCount++
			if check.Blocking {
				res.BlockingFailures = append(res.BlockingFailures, check.Name)
			}
			continue
		}

		cr := ex.runCheck(ctx, check, qctx)
		res.CheckResults = append(res.CheckResults, cr)
		if cr.Passed {
			res.PassedCount++
			continue
		}
		res.FailedCount++
		if cr.Blocking {
			res.BlockingFailures = append(res.BlockingFailures, cr.Name)
			if gate.FailFast {
				break
			}
		}
	}

	if res.FailedCount > 0 {
		res.Status = GateFailed
	}
	res.DurationMs = time.Since(start).Milliseconds()
	if res.Status == GateFailed {
		ex.logger.Printf("gate %s failed: %d/%d checks failed (blocking: %v)",
			gate.ID, res.FailedCount, len(gate.Checks), res.BlockingFailures)
	}
	return res
}

// runCheck wraps a single handler call in its timeout.
func (ex *Executor) runCheck(ctx context.Context, check Check, qctx Context) CheckResult {
	start := time.Now()
	cr := CheckResult{Name: check.Name, Severity: check.Severity, Blocking: check.Blocking}

	timeout := check.Timeout
	if timeout == 0 {
		timeout = defaultCheckTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	handler, ok := ex.handlerFor(check.Name)
	if !ok {
		handler = ex.conditionHandler
	}

	type outcome struct {
		passed  bool
		message string
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		passed, msg, err := handler(cctx, check, qctx)
		done <- outcome{passed, msg, err}
	}()

	select {
	case o := <-done:
		cr.Passed = o.passed
		cr.Message = o.message
		if o.err != nil {
			cr.Passed = false
			cr.Error = o.err.Error()
		}
	case <-cctx.Done():
		cr.Passed = false
		cr.Error = "check timeout"
	}
	cr.DurationMs = time.Since(start).Milliseconds()
	return cr
}

// conditionHandler is the fallback for checks with no registered prefix: it
// evaluates the check's condition through the policy engine as a one-off
// gate over {input, output, metadata, agent_id, zone}.
func (ex *Executor) conditionHandler(_ context.Context, check Check, qctx Context) (bool, string, error) {
	sev := check.Severity
	if sev == "" {
		sev = policy.SeverityError
	}
	res, err := ex.engine.EvaluateGate(policy.Policy{
		ID:   "quality:" + check.Name,
		Kind: policy.KindGate,
		Gate: &policy.GateSpec{
			Zone: "all",
			Checks: []policy.Check{{
				Name:      check.Name,
				Condition: check.Condition,
				Group:     check.Group,
				Severity:  sev,
				Blocking:  check.Blocking,
			}},
		},
	}, policy.Context{
		Actor: qctx.AgentID,
		Zone:  qctx.Zone,
		Data:  conditionData(qctx),
	})
	if err != nil {
		return false, "", err
	}
	return res.Passed, res.Message, nil
}

func conditionData(qctx Context) map[string]interface{} {
	return map[string]interface{}{
		"input":    qctx.Input,
		"output":   qctx.Output,
		"metadata": qctx.Metadata,
		"agent_id": qctx.AgentID,
	}
}
