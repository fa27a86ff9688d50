// Package taskrouter resolves task classes to step graphs and executes the
// individual steps: handler dispatch by step type, skip and zone guards,
// timeout races, retries, and condition polling.
package taskrouter

import (
	"context"

	"github.com/ocx/runtime/internal/condition"
	"github.com/ocx/runtime/internal/core"
)

// Step types dispatched by the router.
const (
	StepCompletion  = "completion"
	StepToolCall    = "tool_call"
	StepConditional = "conditional"
	StepStateUpdate = "state_update"
	StepWait        = "wait"
	StepHumanInput  = "human_input"
	StepApproval    = "approval"
	StepGate        = "gate"
	StepSubAgent    = "sub_agent"
	StepParallel    = "parallel"
	StepLoop        = "loop"
)

// RetryPolicy retries a failed handler with linear backoff
// (BackoffMs * attempt).
type RetryPolicy struct {
	MaxAttempts int   `json:"max_attempts" yaml:"max_attempts"`
	BackoffMs   int64 `json:"backoff_ms" yaml:"backoff_ms"`
}

// Step is one node of a task's execution graph.
type Step struct {
	ID   string `json:"id" yaml:"id"`
	Type string `json:"type" yaml:"type"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	Next    string `json:"next,omitempty" yaml:"next,omitempty"`
	OnError string `json:"on_error,omitempty" yaml:"on_error,omitempty"`

	// SkipIf short-circuits the step to its Next edge when the condition
	// holds.
	SkipIf *condition.Condition `json:"skip_if,omitempty" yaml:"skip_if,omitempty"`

	// RequiredZone rejects execution in any other zone.
	RequiredZone core.Zone `json:"required_zone,omitempty" yaml:"required_zone,omitempty"`

	TimeoutMs int64        `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	Retry     *RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`

	// Condition with IfTrue/IfFalse drives conditional steps; Children with
	// Join drives parallel and loop steps.
	Condition *condition.Condition `json:"condition,omitempty" yaml:"condition,omitempty"`
	Group     *condition.Group     `json:"group,omitempty" yaml:"group,omitempty"`
	IfTrue    string               `json:"if_true,omitempty" yaml:"if_true,omitempty"`
	IfFalse   string               `json:"if_false,omitempty" yaml:"if_false,omitempty"`
	Children  []Step               `json:"children,omitempty" yaml:"children,omitempty"`
	Join      string               `json:"join,omitempty" yaml:"join,omitempty"` // all, any, majority

	// Config carries handler-specific settings (tool name, input mapping,
	// wait durations, state-update operation).
	Config map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
}

// Mode is one named step graph for a task class.
type Mode struct {
	Name                string      `json:"name"`
	EntryStep           string      `json:"entry_step"`
	ExitStep            string      `json:"exit_step"`
	Steps               []Step      `json:"steps"`
	AllowedZones        []core.Zone `json:"allowed_zones,omitempty"`
	EstimatedDurationMs int64       `json:"estimated_duration_ms,omitempty"`
	EstimatedCostUSD    float64     `json:"estimated_cost_usd,omitempty"`
}

// Task is a catalog entry: a class with one or more modes.
type Task struct {
	Class       string           `json:"class"`
	Description string           `json:"description,omitempty"`
	DefaultMode string           `json:"default_mode"`
	Modes       map[string]*Mode `json:"modes"`
}

// Routing is a resolved (task, mode) pair ready for execution.
type Routing struct {
	Task                string           `json:"task"`
	Mode                string           `json:"mode"`
	EntryStep           string           `json:"entry_step"`
	ExitStep            string           `json:"exit_step"`
	Steps               map[string]*Step `json:"-"`
	EstimatedDurationMs int64            `json:"estimated_duration_ms"`
	EstimatedCostUSD    float64          `json:"estimated_cost_usd"`
}

// Lookup returns the step with the given id.
func (r *Routing) Lookup(stepID string) (*Step, bool) {
	s, ok := r.Steps[stepID]
	return s, ok
}

// StepResult is the outcome of one ExecuteStep call.
type StepResult struct {
	StepID     string      `json:"step_id"`
	Success    bool        `json:"success"`
	Skipped    bool        `json:"skipped,omitempty"`
	Output     interface{} `json:"output,omitempty"`
	Error      string      `json:"error,omitempty"`
	DurationMs int64       `json:"duration_ms"`
	// NextStep overrides the step's static Next edge when set.
	NextStep     string                 `json:"next_step,omitempty"`
	StateUpdates map[string]interface{} `json:"state_updates,omitempty"`
	StateDeletes []string               `json:"state_deletes,omitempty"`
	// Err carries the typed error for kind dispatch; Error is its one-line
	// form.
	Err error `json:"-"`
}

// StepContext is the evaluation environment handlers see.
type StepContext struct {
	RunID string
	Zone  core.Zone

	Input    map[string]interface{}
	State    map[string]interface{}
	Previous map[string]interface{} // step id -> prior StepResult output
	Messages []core.Message

	// ApprovalToken authorizes gated tool calls when present.
	ApprovalToken string

	Cancel *CancellationToken

	Models    ModelRouter
	Tools     ToolRegistry
	Approvals Approver
	Gates     GateRunner
	SubAgents SubAgentRunner
}

// ModelRequest is what completion steps hand to the model-routing
// collaborator.
type ModelRequest struct {
	Messages []core.Message
	Preset   string
	Provider string
	Model    string
	Tools    []string
}

// ModelResponse is the collaborator's answer.
type ModelResponse struct {
	Output           string
	Endpoint         string
	EstimatedCostUSD float64
	InputTokens      int
	OutputTokens     int
}

// ModelRouter routes completion requests to a model endpoint.
type ModelRouter interface {
	Route(ctx context.Context, req ModelRequest) (*ModelResponse, error)
	RecordUsage(provider, model string, inTokens, outTokens int, latencyMs int64, success bool)
}

// ToolSpec describes a registered tool.
type ToolSpec struct {
	Name             string
	RequiresApproval bool
}

// ToolResult is the outcome of a tool execution.
type ToolResult struct {
	Success bool
	Output  interface{}
	Error   string
}

// ToolRegistry resolves and executes named tools.
type ToolRegistry interface {
	Get(name string) (ToolSpec, bool)
	Execute(ctx context.Context, name string, input map[string]interface{}, zone core.Zone) (*ToolResult, error)
}

// Approver gates side effects behind approval tokens.
type Approver interface {
	// Request opens an approval request; the token is non-empty only when
	// the request auto-approved.
	Request(operation, resource string, zone core.Zone, requester, justification string) (requestID, token string, err error)
	Validate(token, operation, resource string, consume bool) error
}

// GateRunner executes a named quality gate against a step's output.
type GateRunner interface {
	RunGate(ctx context.Context, gateID string, input, output interface{}, metadata map[string]interface{}) (passed bool, failures []string, err error)
}

// SubAgentRunner delegates a step to a child agent run.
type SubAgentRunner interface {
	RunSubAgent(ctx context.Context, agentID string, input map[string]interface{}) (output interface{}, err error)
}

// conditionData builds the path-resolution environment for skip, branch, and
// wait conditions.
func conditionData(sctx *StepContext) map[string]interface{} {
	return map[string]interface{}{
		"input":    sctx.Input,
		"state":    sctx.State,
		"previous": sctx.Previous,
	}
}
