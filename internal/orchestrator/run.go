// Package orchestrator drives agent runs end to end: lifecycle transitions,
// step execution through the task router, policy and approval consultation,
// caps, completion quality gates, persistence, and retention.
package orchestrator

import (
	"time"

	"github.com/ocx/runtime/internal/core"
)

// Caps are per-run resource limits. Zero disables a cap.
type Caps struct {
	MaxTokens    int     `json:"max_tokens,omitempty"`
	MaxCostUSD   float64 `json:"max_cost_usd,omitempty"`
	MaxToolCalls int     `json:"max_tool_calls,omitempty"`
}

// ToolCallRecord is one tool execution owned by a run.
type ToolCallRecord struct {
	ID        string                 `json:"id"`
	Tool      string                 `json:"tool"`
	Input     map[string]interface{} `json:"input,omitempty"`
	Output    interface{}            `json:"output,omitempty"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Run is the aggregate record of one agent execution. The orchestrator owns
// all mutation; everything the run references (messages, tool calls) lives
// inline so persistence is a single write.
type Run struct {
	ID          string                 `json:"id"`
	AgentID     string                 `json:"agent_id"`
	AgentSpec   map[string]interface{} `json:"agent_spec,omitempty"`
	Task        string                 `json:"task"`
	Mode        string                 `json:"mode"`
	Zone        core.Zone              `json:"zone"`
	Environment string                 `json:"environment"`

	Status      core.RunStatus         `json:"status"`
	CurrentStep string                 `json:"current_step,omitempty"`
	StepCount   int                    `json:"step_count"`
	Messages    []core.Message         `json:"messages"`
	State       map[string]interface{} `json:"state"`
	Input       map[string]interface{} `json:"input,omitempty"`
	Output      string                 `json:"output,omitempty"`
	ToolCalls   []ToolCallRecord       `json:"tool_calls,omitempty"`

	TokensIn  int     `json:"tokens_in"`
	TokensOut int     `json:"tokens_out"`
	CostUSD   float64 `json:"cost_usd"`

	Error     string         `json:"error,omitempty"`
	ErrorKind core.ErrorKind `json:"error_kind,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// DurationMs is the run's wall time, zero until it has both ends stamped.
func (r *Run) DurationMs() int64 {
	if r.StartedAt == nil || r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(*r.StartedAt).Milliseconds()
}

// validTransitions is the lifecycle lattice. Terminal states admit nothing.
var validTransitions = map[core.RunStatus][]core.RunStatus{
	core.RunPending: {core.RunRunning, core.RunCancelled, core.RunFailed},
	core.RunRunning: {core.RunPaused, core.RunCompleted, core.RunFailed, core.RunCancelled},
	core.RunPaused:  {core.RunRunning, core.RunCancelled, core.RunFailed},
}

func canTransition(from, to core.RunStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
