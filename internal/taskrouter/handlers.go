package taskrouter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ocx/runtime/internal/condition"
	"github.com/ocx/runtime/internal/core"
)

func registerBuiltinHandlers(r *Router) {
	r.RegisterHandler(StepCompletion, handleCompletion)
	r.RegisterHandler(StepToolCall, handleToolCall)
	r.RegisterHandler(StepConditional, handleConditional)
	r.RegisterHandler(StepStateUpdate, handleStateUpdate)
	r.RegisterHandler(StepWait, handleWait)
	r.RegisterHandler(StepHumanInput, handleHumanInput)
	r.RegisterHandler(StepApproval, handleApproval)
	r.RegisterHandler(StepGate, handleGate)
	r.RegisterHandler(StepSubAgent, handleSubAgent)
	r.RegisterHandler(StepParallel, handleParallel)
	r.RegisterHandler(StepLoop, handleLoop)
}

// handleCompletion routes the run's messages through the model collaborator.
// The output lands in state under "<step id>_output".
func handleCompletion(ctx context.Context, _ *Router, step *Step, sctx *StepContext) *StepResult {
	if sctx.Models == nil {
		return failure(core.Errorf(core.KindValidation, "step %s: no model router configured", step.ID))
	}
	req := ModelRequest{
		Messages: sctx.Messages,
		Preset:   configString(step.Config, "preset"),
		Provider: configString(step.Config, "provider"),
		Model:    configString(step.Config, "model"),
	}
	if prompt := configString(step.Config, "prompt"); prompt != "" {
		req.Messages = append(req.Messages, core.Message{
			Role: "user", Content: prompt, Timestamp: time.Now().Unix(),
		})
	}

	start := time.Now()
	resp, err := sctx.Models.Route(ctx, req)
	if err != nil {
		return failure(typedOr(err, core.KindInternal, "step %s: completion failed", step.ID))
	}
	sctx.Models.RecordUsage(req.Provider, req.Model, resp.InputTokens, resp.OutputTokens,
		time.Since(start).Milliseconds(), true)

	return &StepResult{
		Success: true,
		Output:  resp.Output,
		StateUpdates: map[string]interface{}{
			step.ID + "_output": resp.Output,
		},
	}
}

// handleToolCall executes a named tool. Tools that require approval, and any
// tool call in the red zone, must present a valid approval token first.
func handleToolCall(ctx context.Context, _ *Router, step *Step, sctx *StepContext) *StepResult {
	if sctx.Tools == nil {
		return failure(core.Errorf(core.KindValidation, "step %s: no tool registry configured", step.ID))
	}
	name := configString(step.Config, "tool")
	if name == "" {
		return failure(core.Errorf(core.KindValidation, "step %s: tool name is required", step.ID))
	}
	spec, ok := sctx.Tools.Get(name)
	if !ok {
		return failure(core.Errorf(core.KindValidation, "step %s: unknown tool %q", step.ID, name))
	}

	if spec.RequiresApproval || sctx.Zone == core.ZoneRed {
		if sctx.Approvals == nil {
			return failure(core.Errorf(core.KindApprovalRequired, "tool %q requires approval and no approver is configured", name))
		}
		if err := sctx.Approvals.Validate(sctx.ApprovalToken, "tool:"+name, name, true); err != nil {
			return failure(err)
		}
	}

	input := resolveInput(configMap(step.Config, "input"), conditionData(sctx))
	result, err := sctx.Tools.Execute(ctx, name, input, sctx.Zone)
	if err != nil {
		return failure(typedOr(err, core.KindInternal, "step %s: tool %q failed", step.ID, name))
	}
	if !result.Success {
		return failure(core.Errorf(core.KindInternal, "step %s: tool %q reported: %s", step.ID, name, result.Error))
	}

	res := &StepResult{Success: true, Output: result.Output}
	if key := configString(step.Config, "output_key"); key != "" {
		res.StateUpdates = map[string]interface{}{key: result.Output}
	}
	return res
}

// handleConditional branches to if_true or if_false.
func handleConditional(_ context.Context, _ *Router, step *Step, sctx *StepContext) *StepResult {
	data := conditionData(sctx)
	var hold bool
	var err error
	switch {
	case step.Group != nil:
		hold, err = condition.EvaluateGroup(*step.Group, data)
	case step.Condition != nil:
		hold, err = condition.Evaluate(*step.Condition, data)
	default:
		return failure(core.Errorf(core.KindValidation, "step %s: conditional without a condition", step.ID))
	}
	if err != nil {
		return failure(core.Wrap(core.KindValidation, err, "step %s: condition", step.ID))
	}

	next := step.IfFalse
	if hold {
		next = step.IfTrue
	}
	return &StepResult{Success: true, Output: hold, NextStep: next}
}

// handleStateUpdate applies set, append, increment, or delete to one state
// key. The value comes from "value" literally or "value_from" as a path.
func handleStateUpdate(_ context.Context, _ *Router, step *Step, sctx *StepContext) *StepResult {
	key := configString(step.Config, "key")
	if key == "" {
		return failure(core.Errorf(core.KindValidation, "step %s: state_update key is required", step.ID))
	}
	op := configString(step.Config, "operation")
	if op == "" {
		op = "set"
	}

	data := conditionData(sctx)
	var value interface{}
	if from := configString(step.Config, "value_from"); from != "" {
		value, _ = condition.ResolvePath(data, from)
	} else if raw, ok := step.Config["value"]; ok {
		value = resolveValue(raw, data)
	}

	switch op {
	case "set":
		return &StepResult{Success: true, StateUpdates: map[string]interface{}{key: value}}
	case "append":
		existing, _ := sctx.State[key].([]interface{})
		appended := make([]interface{}, len(existing), len(existing)+1)
		copy(appended, existing)
		appended = append(appended, value)
		return &StepResult{Success: true, StateUpdates: map[string]interface{}{key: appended}}
	case "increment":
		current := toNumber(sctx.State[key])
		delta := toNumber(value)
		if value == nil {
			delta = 1
		}
		return &StepResult{Success: true, StateUpdates: map[string]interface{}{key: current + delta}}
	case "delete":
		return &StepResult{Success: true, StateDeletes: []string{key}}
	default:
		return failure(core.Errorf(core.KindValidation, "step %s: unknown state operation %q", step.ID, op))
	}
}

// handleWait sleeps a fixed duration, polls a condition, or both in sequence.
func handleWait(ctx context.Context, _ *Router, step *Step, sctx *StepContext) *StepResult {
	if ms := configInt64(step.Config, "duration_ms"); ms > 0 {
		if err := interruptibleSleep(ctx, sctx.Cancel, time.Duration(ms)*time.Millisecond); err != nil {
			return failure(err)
		}
	}

	until := configMap(step.Config, "until")
	if until == nil {
		return &StepResult{Success: true}
	}
	cond := condition.Condition{
		Field: configString(until, "field"),
		Op:    configString(until, "op"),
		Value: until["value"],
	}

	cfg := PollConfig{
		Interval: time.Duration(configInt64(step.Config, "poll_interval_ms")) * time.Millisecond,
		Timeout:  time.Duration(configInt64(step.Config, "poll_timeout_ms")) * time.Millisecond,
		Token:    sctx.Cancel,
	}
	if b := configMap(step.Config, "backoff"); b != nil {
		cfg.Backoff = &Backoff{
			InitialMs:  configInt64(b, "initial_ms"),
			MaxMs:      configInt64(b, "max_ms"),
			Multiplier: configFloat(b, "multiplier"),
		}
	}

	metrics, err := Poll(ctx, cfg, func() (bool, error) {
		return condition.Evaluate(cond, conditionData(sctx))
	})
	if err != nil {
		res := failure(err)
		res.Output = metrics
		return res
	}
	return &StepResult{Success: true, Output: metrics}
}

// handleHumanInput succeeds when the awaited value is already present in
// state; otherwise it fails with an approval-required error so the
// orchestrator pauses the run.
func handleHumanInput(_ context.Context, _ *Router, step *Step, sctx *StepContext) *StepResult {
	key := configString(step.Config, "input_key")
	if key == "" {
		key = step.ID + "_input"
	}
	if value, ok := sctx.State[key]; ok {
		return &StepResult{Success: true, Output: value}
	}
	return failure(core.Errorf(core.KindApprovalRequired, "step %s: waiting for human input under %q", step.ID, key).
		WithDetail("input_key", key))
}

// handleApproval obtains an approval token for the configured operation. A
// valid token in the context satisfies it; otherwise a request is opened and
// an auto-approved token (green zone) passes immediately.
func handleApproval(_ context.Context, _ *Router, step *Step, sctx *StepContext) *StepResult {
	if sctx.Approvals == nil {
		return failure(core.Errorf(core.KindValidation, "step %s: no approver configured", step.ID))
	}
	operation := configString(step.Config, "operation")
	if operation == "" {
		operation = step.ID
	}
	resource := configString(step.Config, "resource")
	if resource == "" {
		resource = "*"
	}

	if sctx.ApprovalToken != "" {
		if err := sctx.Approvals.Validate(sctx.ApprovalToken, operation, resource, configBool(step.Config, "consume")); err == nil {
			return &StepResult{Success: true}
		}
	}

	requestID, token, err := sctx.Approvals.Request(operation, resource, sctx.Zone,
		sctx.RunID, configString(step.Config, "justification"))
	if err != nil {
		return failure(err)
	}
	if token != "" {
		sctx.ApprovalToken = token
		return &StepResult{Success: true, StateUpdates: map[string]interface{}{
			step.ID + "_request_id": requestID,
		}}
	}
	return failure(core.Errorf(core.KindApprovalRequired, "step %s: approval pending", step.ID).
		WithDetail("request_id", requestID).
		WithDetail("operation", operation))
}

// handleGate runs a named quality gate against the previous step's output.
func handleGate(ctx context.Context, _ *Router, step *Step, sctx *StepContext) *StepResult {
	if sctx.Gates == nil {
		return failure(core.Errorf(core.KindValidation, "step %s: no gate runner configured", step.ID))
	}
	gateID := configString(step.Config, "gate")
	if gateID == "" {
		return failure(core.Errorf(core.KindValidation, "step %s: gate id is required", step.ID))
	}

	var output interface{}
	if from := configString(step.Config, "output_from"); from != "" {
		output, _ = condition.ResolvePath(conditionData(sctx), from)
	} else {
		output = sctx.State
	}

	passed, failures, err := sctx.Gates.RunGate(ctx, gateID, sctx.Input, output, map[string]interface{}{
		"run_id": sctx.RunID, "step_id": step.ID,
	})
	if err != nil {
		return failure(core.Wrap(core.KindGateFailed, err, "step %s: gate %q errored", step.ID, gateID))
	}
	if !passed {
		e := core.Errorf(core.KindGateFailed, "step %s: gate %q failed", step.ID, gateID).
			WithDetail("failures", failures)
		res := failure(e)
		res.Output = failures
		return res
	}
	return &StepResult{Success: true}
}

// handleSubAgent delegates to a child agent run.
func handleSubAgent(ctx context.Context, _ *Router, step *Step, sctx *StepContext) *StepResult {
	if sctx.SubAgents == nil {
		return failure(core.Errorf(core.KindValidation, "step %s: no sub-agent runner configured", step.ID))
	}
	agentID := configString(step.Config, "agent")
	if agentID == "" {
		return failure(core.Errorf(core.KindValidation, "step %s: sub-agent id is required", step.ID))
	}
	input := resolveInput(configMap(step.Config, "input"), conditionData(sctx))

	output, err := sctx.SubAgents.RunSubAgent(ctx, agentID, input)
	if err != nil {
		return failure(core.Wrap(core.KindInternal, err, "step %s: sub-agent %q failed", step.ID, agentID))
	}
	res := &StepResult{Success: true, Output: output}
	if key := configString(step.Config, "output_key"); key != "" {
		res.StateUpdates = map[string]interface{}{key: output}
	}
	return res
}

// handleParallel fans the children out concurrently and joins on
// all (default), any, or majority. State merges are last-writer-wins in
// child order.
func handleParallel(ctx context.Context, r *Router, step *Step, sctx *StepContext) *StepResult {
	if len(step.Children) == 0 {
		return failure(core.Errorf(core.KindValidation, "step %s: parallel without children", step.ID))
	}

	results := make([]*StepResult, len(step.Children))
	var wg sync.WaitGroup
	for i := range step.Children {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			child := step.Children[i]
			childCtx := *sctx
			childCtx.State = snapshotState(sctx.State)
			results[i] = r.ExecuteStep(ctx, &child, &childCtx)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	outputs := make([]interface{}, len(results))
	merged := make(map[string]interface{})
	var deletes []string
	var firstErr error
	for i, res := range results {
		outputs[i] = res.Output
		if res.Success {
			succeeded++
			for k, v := range res.StateUpdates {
				merged[k] = v
			}
			deletes = append(deletes, res.StateDeletes...)
		} else if firstErr == nil {
			firstErr = res.Err
		}
	}

	join := step.Join
	if join == "" {
		join = "all"
	}
	var ok bool
	switch join {
	case "all":
		ok = succeeded == len(results)
	case "any":
		ok = succeeded > 0
	case "majority":
		ok = succeeded*2 > len(results)
	default:
		return failure(core.Errorf(core.KindValidation, "step %s: unknown join %q", step.ID, join))
	}

	if !ok {
		e := core.Errorf(core.KindInternal, "step %s: parallel join %q unmet (%d/%d succeeded)",
			step.ID, join, succeeded, len(results))
		if firstErr != nil {
			e.Cause = firstErr
		}
		res := failure(e)
		res.Output = outputs
		return res
	}
	return &StepResult{Success: true, Output: outputs, StateUpdates: merged, StateDeletes: deletes}
}

const defaultMaxIterations = 100

// handleLoop runs its children once per item of "items_from", or while the
// loop condition holds, bounded by max_iterations.
func handleLoop(ctx context.Context, r *Router, step *Step, sctx *StepContext) *StepResult {
	if len(step.Children) == 0 {
		return failure(core.Errorf(core.KindValidation, "step %s: loop without children", step.ID))
	}
	maxIter := int(configInt64(step.Config, "max_iterations"))
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}
	itemKey := configString(step.Config, "item_key")
	if itemKey == "" {
		itemKey = "item"
	}

	var items []interface{}
	if from := configString(step.Config, "items_from"); from != "" {
		raw, found := condition.ResolvePath(conditionData(sctx), from)
		if !found {
			return failure(core.Errorf(core.KindValidation, "step %s: items path %q not found", step.ID, from))
		}
		items, _ = raw.([]interface{})
		if items == nil {
			return failure(core.Errorf(core.KindValidation, "step %s: items path %q is not a list", step.ID, from))
		}
	}

	merged := make(map[string]interface{})
	var deletes []string
	iterations := 0
	for {
		if items != nil && iterations >= len(items) {
			break
		}
		if iterations >= maxIter {
			if items != nil {
				return failure(core.Errorf(core.KindResourceLimit, "step %s: loop exceeded %d iterations", step.ID, maxIter))
			}
			break
		}
		iterState := snapshotState(sctx.State)
		for k, v := range merged {
			iterState[k] = v
		}
		if items != nil {
			iterState[itemKey] = items[iterations]
		}
		iterState[itemKey+"_index"] = iterations

		iterCtx := *sctx
		iterCtx.State = iterState

		if items == nil && step.Condition != nil {
			hold, err := condition.Evaluate(*step.Condition, conditionData(&iterCtx))
			if err != nil {
				return failure(core.Wrap(core.KindValidation, err, "step %s: loop condition", step.ID))
			}
			if !hold {
				break
			}
		}
		for i := range step.Children {
			res := r.ExecuteStep(ctx, &step.Children[i], &iterCtx)
			if !res.Success {
				out := failure(core.Wrap(core.KindInternal, res.Err, "step %s: iteration %d child %s failed",
					step.ID, iterations, res.StepID))
				out.StateUpdates = merged
				return out
			}
			for k, v := range res.StateUpdates {
				merged[k] = v
				iterCtx.State[k] = v
			}
			deletes = append(deletes, res.StateDeletes...)
		}
		iterations++
	}

	return &StepResult{
		Success:      true,
		Output:       iterations,
		StateUpdates: merged,
		StateDeletes: deletes,
	}
}

// typedOr preserves an already-typed error so its kind survives handler
// boundaries; untyped errors are wrapped with the fallback kind.
func typedOr(err error, kind core.ErrorKind, format string, args ...interface{}) error {
	var de *core.Error
	if errors.As(err, &de) {
		return err
	}
	return core.Wrap(kind, err, format, args...)
}

func snapshotState(state map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(state))
	for k, v := range state {
		out[k] = v
	}
	return out
}

func toNumber(v interface{}) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	}
	return 0
}
