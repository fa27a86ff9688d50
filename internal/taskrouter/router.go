package taskrouter

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ocx/runtime/internal/condition"
	"github.com/ocx/runtime/internal/core"
)

const defaultStepTimeout = 60 * time.Second

// Handler executes one step type.
type Handler func(ctx context.Context, r *Router, step *Step, sctx *StepContext) *StepResult

// Router holds the task catalog and the step-type dispatch table.
type Router struct {
	mu       sync.RWMutex
	catalog  map[string]*Task
	handlers map[string]Handler
	logger   *log.Logger
}

func NewRouter() *Router {
	r := &Router{
		catalog:  make(map[string]*Task),
		handlers: make(map[string]Handler),
		logger:   log.New(log.Writer(), "[ROUTER] ", log.LstdFlags),
	}
	registerBuiltinHandlers(r)
	for _, task := range builtinCatalog() {
		r.catalog[task.Class] = task
	}
	return r
}

// RegisterTask adds or replaces a catalog entry.
func (r *Router) RegisterTask(task *Task) error {
	if task.Class == "" {
		return core.Errorf(core.KindValidation, "task class is required")
	}
	if len(task.Modes) == 0 {
		return core.Errorf(core.KindValidation, "task %q has no modes", task.Class)
	}
	if task.DefaultMode == "" {
		return core.Errorf(core.KindValidation, "task %q has no default mode", task.Class)
	}
	if _, ok := task.Modes[task.DefaultMode]; !ok {
		return core.Errorf(core.KindValidation, "task %q default mode %q not defined", task.Class, task.DefaultMode)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.catalog[task.Class] = task
	return nil
}

// RegisterHandler adds or replaces the handler for a step type.
func (r *Router) RegisterHandler(stepType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[stepType] = h
}

// Tasks lists the registered task classes.
func (r *Router) Tasks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.catalog))
	for class := range r.catalog {
		out = append(out, class)
	}
	return out
}

// Route resolves (taskClass, mode) to an executable step graph. An empty mode
// selects the task's default. The zone must be in the mode's allowed set when
// one is declared.
func (r *Router) Route(taskClass, mode string, zone core.Zone) (*Routing, error) {
	r.mu.RLock()
	task, ok := r.catalog[taskClass]
	r.mu.RUnlock()
	if !ok {
		return nil, core.Errorf(core.KindValidation, "unknown task class %q", taskClass)
	}

	if mode == "" {
		mode = task.DefaultMode
	}
	m, ok := task.Modes[mode]
	if !ok {
		return nil, core.Errorf(core.KindValidation, "task %q has no mode %q", taskClass, mode)
	}

	if len(m.AllowedZones) > 0 {
		allowed := false
		for _, z := range m.AllowedZones {
			if z == zone {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, core.Errorf(core.KindPolicyDenied, "zone %q not allowed for %s/%s", zone, taskClass, mode).
				WithDetail("zone", string(zone))
		}
	}

	steps := make(map[string]*Step, len(m.Steps))
	for i := range m.Steps {
		step := m.Steps[i]
		steps[step.ID] = &step
	}
	if _, ok := steps[m.EntryStep]; !ok {
		return nil, core.Errorf(core.KindValidation, "task %q mode %q entry step %q not defined", taskClass, mode, m.EntryStep)
	}

	return &Routing{
		Task:                taskClass,
		Mode:                mode,
		EntryStep:           m.EntryStep,
		ExitStep:            m.ExitStep,
		Steps:               steps,
		EstimatedDurationMs: m.EstimatedDurationMs,
		EstimatedCostUSD:    m.EstimatedCostUSD,
	}, nil
}

// NextStep selects the step after currentStepID. The result's NextStep edge
// wins over the step's static Next; failures route to OnError when set and
// terminate otherwise. An empty id with done=true ends the graph.
func (r *Router) NextStep(routing *Routing, currentStepID string, result *StepResult) (next string, done bool, err error) {
	if currentStepID == routing.ExitStep {
		return "", true, nil
	}
	current, ok := routing.Lookup(currentStepID)
	if !ok {
		return "", true, core.Errorf(core.KindValidation, "step %q not in routing %s/%s", currentStepID, routing.Task, routing.Mode)
	}

	if result != nil && !result.Success && !result.Skipped {
		if current.OnError != "" {
			return current.OnError, false, nil
		}
		return "", true, nil
	}
	if result != nil && result.NextStep != "" {
		return result.NextStep, false, nil
	}
	if current.Next != "" {
		return current.Next, false, nil
	}
	return "", true, nil
}

// ExecuteStep runs one step: skip guard, zone guard, handler dispatch under a
// timeout race, and the retry loop. Failures are encoded in the result; the
// Err field carries the typed error.
func (r *Router) ExecuteStep(ctx context.Context, step *Step, sctx *StepContext) *StepResult {
	start := time.Now()
	res := r.executeStep(ctx, step, sctx)
	res.StepID = step.ID
	res.DurationMs = time.Since(start).Milliseconds()
	recordStep(step.Type, res.Success, res.Skipped, time.Since(start))
	if !res.Success && !res.Skipped {
		r.logger.Printf("step %s (%s) failed: %s", step.ID, step.Type, res.Error)
	}
	return res
}

func (r *Router) executeStep(ctx context.Context, step *Step, sctx *StepContext) *StepResult {
	if step.SkipIf != nil {
		hold, err := condition.Evaluate(*step.SkipIf, conditionData(sctx))
		if err != nil {
			return failure(core.Wrap(core.KindValidation, err, "step %s skip_if", step.ID))
		}
		if hold {
			return &StepResult{Success: true, Skipped: true, NextStep: step.Next}
		}
	}

	if step.RequiredZone != "" && step.RequiredZone != sctx.Zone {
		return failure(core.Errorf(core.KindPolicyDenied, "step %s requires zone %q, run is %q", step.ID, step.RequiredZone, sctx.Zone).
			WithDetail("code", "ZONE_MISMATCH"))
	}

	r.mu.RLock()
	handler, ok := r.handlers[step.Type]
	r.mu.RUnlock()
	if !ok {
		return failure(core.Errorf(core.KindValidation, "unknown step type %q", step.Type))
	}

	maxAttempts := 1
	var backoffMs int64
	if step.Retry != nil && step.Retry.MaxAttempts > 1 {
		maxAttempts = step.Retry.MaxAttempts
		backoffMs = step.Retry.BackoffMs
	}

	var res *StepResult
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res = r.runWithTimeout(ctx, handler, step, sctx)
		if res.Success {
			return res
		}
		// approval, policy, validation, cap, and gate failures never resolve
		// on retry
		switch core.KindOf(res.Err) {
		case core.KindApprovalRequired, core.KindPolicyDenied, core.KindValidation,
			core.KindCancelled, core.KindResourceLimit, core.KindGateFailed:
			return res
		}
		if attempt < maxAttempts {
			wait := time.Duration(backoffMs*int64(attempt)) * time.Millisecond
			if err := interruptibleSleep(ctx, sctx.Cancel, wait); err != nil {
				return failure(err)
			}
		}
	}
	return res
}

// runWithTimeout races the handler against the step timeout and the run's
// cancellation token.
func (r *Router) runWithTimeout(ctx context.Context, handler Handler, step *Step, sctx *StepContext) *StepResult {
	timeout := defaultStepTimeout
	if step.TimeoutMs > 0 {
		timeout = time.Duration(step.TimeoutMs) * time.Millisecond
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan *StepResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- failure(core.Errorf(core.KindInternal, "step %s handler panic: %v", step.ID, rec))
			}
		}()
		done <- handler(cctx, r, step, sctx)
	}()

	var tokenDone <-chan struct{}
	if sctx.Cancel != nil {
		tokenDone = sctx.Cancel.Done()
	}
	select {
	case res := <-done:
		return res
	case <-tokenDone:
		return failure(core.Errorf(core.KindCancelled, "step %s cancelled", step.ID))
	case <-cctx.Done():
		if ctx.Err() != nil {
			return failure(core.Wrap(core.KindCancelled, ctx.Err(), "step %s cancelled", step.ID))
		}
		return failure(core.Errorf(core.KindTimeout, "step %s timed out after %s", step.ID, timeout).
			WithDetail("code", "STEP_TIMEOUT"))
	}
}

func failure(err error) *StepResult {
	return &StepResult{Success: false, Error: oneLine(err), Err: err}
}

func oneLine(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// configString reads a string setting from a step config.
func configString(cfg map[string]interface{}, key string) string {
	if cfg == nil {
		return ""
	}
	s, _ := cfg[key].(string)
	return s
}

func configInt64(cfg map[string]interface{}, key string) int64 {
	if cfg == nil {
		return 0
	}
	switch v := cfg[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

func configFloat(cfg map[string]interface{}, key string) float64 {
	if cfg == nil {
		return 0
	}
	switch v := cfg[key].(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float64:
		return v
	}
	return 0
}

func configMap(cfg map[string]interface{}, key string) map[string]interface{} {
	if cfg == nil {
		return nil
	}
	m, _ := cfg[key].(map[string]interface{})
	return m
}

func configBool(cfg map[string]interface{}, key string) bool {
	if cfg == nil {
		return false
	}
	b, _ := cfg[key].(bool)
	return b
}

// resolveValue maps "$path.to.value" strings through the condition data;
// anything else passes through as a literal.
func resolveValue(v interface{}, data map[string]interface{}) interface{} {
	s, ok := v.(string)
	if !ok || len(s) < 2 || s[0] != '$' {
		return v
	}
	resolved, found := condition.ResolvePath(data, s[1:])
	if !found {
		return nil
	}
	return resolved
}

// resolveInput applies resolveValue to every entry of an input mapping.
func resolveInput(mapping map[string]interface{}, data map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(mapping))
	for k, v := range mapping {
		out[k] = resolveValue(v, data)
	}
	return out
}
