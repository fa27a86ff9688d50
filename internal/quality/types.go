package quality

import (
	"time"

	"github.com/ocx/runtime/internal/condition"
	"github.com/ocx/runtime/internal/policy"
)

// GateStatus is the overall outcome of a gate execution.
type GateStatus string

const (
	GatePassed  GateStatus = "passed"
	GateFailed  GateStatus = "failed"
	GateSkipped GateStatus = "skipped"
	GateError   GateStatus = "error"
)

// Gate is a named list of output checks run before a run may complete.
type Gate struct {
	ID       string        `json:"id" yaml:"id"`
	Name     string        `json:"name" yaml:"name"`
	Checks   []Check       `json:"checks" yaml:"checks"`
	FailFast bool          `json:"fail_fast" yaml:"fail_fast"`
	Timeout  time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Check is one assertion. Name selects the handler by prefix (for example
// "no_pii" or "min_length:output"); checks with no matching prefix fall back
// to the condition-based handler.
type Check struct {
	Name      string                 `json:"name" yaml:"name"`
	Config    map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
	Condition *condition.Condition   `json:"condition,omitempty" yaml:"condition,omitempty"`
	Group     *condition.Group       `json:"group,omitempty" yaml:"group,omitempty"`
	Severity  policy.Severity        `json:"severity,omitempty" yaml:"severity,omitempty"`
	Blocking  bool                   `json:"blocking" yaml:"blocking"`
	Timeout   time.Duration          `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Context carries what the checks inspect.
type Context struct {
	AgentID  string
	Zone     string
	Input    string
	Output   string
	Metadata map[string]interface{}
}

// CheckResult is one check's outcome.
type CheckResult struct {
	Name       string          `json:"name"`
	Passed     bool            `json:"passed"`
	Skipped    bool            `json:"skipped,omitempty"`
	Message    string          `json:"message,omitempty"`
	Error      string          `json:"error,omitempty"`
	Severity   policy.Severity `json:"severity,omitempty"`
	Blocking   bool            `json:"blocking,omitempty"`
	DurationMs int64           `json:"duration_ms"`
}

// Result is the gate's composed outcome.
type Result struct {
	GateID           string        `json:"gate_id"`
	Status           GateStatus    `json:"status"`
	CheckResults     []CheckResult `json:"check_results"`
	PassedCount      int           `json:"passed_count"`
	FailedCount      int           `json:"failed_count"`
	BlockingFailures []string      `json:"blocking_failures,omitempty"`
	DurationMs       int64         `json:"duration_ms"`
}
