package policy

import (
	"fmt"
	"time"

	"github.com/ocx/runtime/internal/condition"
)

// Kind discriminates the three policy families.
type Kind string

const (
	KindGate       Kind = "gate"
	KindKillswitch Kind = "killswitch"
	KindRateLimit  Kind = "rate_limit"
)

// Status gates whether a policy participates in evaluation.
type Status string

const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
)

// Severity of a failing check.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Action is the engine's verdict, per policy and overall.
type Action string

const (
	ActionAllow Action = "allow"
	ActionWarn  Action = "warn"
	ActionDeny  Action = "deny"
)

// Policy is the unit of configuration. Exactly one of Gate, Killswitch, or
// RateLimit is set, matching Kind.
type Policy struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Version     int    `json:"version" yaml:"version"`
	Kind        Kind   `json:"kind" yaml:"kind"`
	Status      Status `json:"status" yaml:"status"`
	Priority    int    `json:"priority" yaml:"priority"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	Gate       *GateSpec       `json:"gate,omitempty" yaml:"gate,omitempty"`
	Killswitch *KillswitchSpec `json:"killswitch,omitempty" yaml:"killswitch,omitempty"`
	RateLimit  *RateLimitSpec  `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// GateSpec is a zone-scoped list of checks.
type GateSpec struct {
	Zone   string  `json:"zone" yaml:"zone"` // green, yellow, red, or all
	Checks []Check `json:"checks" yaml:"checks"`
}

// Check is one assertion inside a gate. Its requirement is expressed as a
// single condition, a condition group, or a CEL expression; the check fails
// when the requirement does not hold.
type Check struct {
	Name       string               `json:"name" yaml:"name"`
	Condition  *condition.Condition `json:"condition,omitempty" yaml:"condition,omitempty"`
	Group      *condition.Group     `json:"group,omitempty" yaml:"group,omitempty"`
	Expression string               `json:"expression,omitempty" yaml:"expression,omitempty"`
	Severity   Severity             `json:"severity" yaml:"severity"`
	Blocking   bool                 `json:"blocking" yaml:"blocking"`
	Message    string               `json:"message,omitempty" yaml:"message,omitempty"`
}

// KillswitchSpec latches on any matching trigger and stays latched until an
// explicit reset.
type KillswitchSpec struct {
	Target   string    `json:"target,omitempty" yaml:"target,omitempty"` // resource scope; empty matches all
	Triggers []Trigger `json:"triggers" yaml:"triggers"`
}

// Trigger is one latch condition of a killswitch.
type Trigger struct {
	Name       string               `json:"name" yaml:"name"`
	Condition  *condition.Condition `json:"condition,omitempty" yaml:"condition,omitempty"`
	Group      *condition.Group     `json:"group,omitempty" yaml:"group,omitempty"`
	Expression string               `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// RateLimitSpec limits requests per (resource, actor) across one or more
// fixed windows.
type RateLimitSpec struct {
	Resource string   `json:"resource" yaml:"resource"` // empty or "*" matches all
	Windows  []Window `json:"windows" yaml:"windows"`
}

// Window is one (duration, max requests) pair.
type Window struct {
	Duration    time.Duration `json:"duration"`
	MaxRequests int           `json:"max_requests"`
}

// windowYAML lets policy files write durations as "1m" / "24h".
type windowYAML struct {
	Duration    string `yaml:"duration"`
	MaxRequests int    `yaml:"max_requests"`
}

func (w *Window) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var aux windowYAML
	if err := unmarshal(&aux); err != nil {
		return err
	}
	d, err := time.ParseDuration(aux.Duration)
	if err != nil {
		return fmt.Errorf("policy: invalid window duration %q: %w", aux.Duration, err)
	}
	w.Duration = d
	w.MaxRequests = aux.MaxRequests
	return nil
}

// Context is the request being judged.
type Context struct {
	Actor       string                 `json:"actor"`
	Action      string                 `json:"action"`
	Resource    string                 `json:"resource"`
	Zone        string                 `json:"zone"`
	Environment string                 `json:"environment"`
	Timestamp   time.Time              `json:"timestamp"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// Result is one policy's verdict.
type Result struct {
	PolicyID   string        `json:"policy_id"`
	PolicyName string        `json:"policy_name"`
	Kind       Kind          `json:"kind"`
	Passed     bool          `json:"passed"`
	Action     Action        `json:"action"`
	Severity   Severity      `json:"severity,omitempty"`
	Message    string        `json:"message,omitempty"`
	CheckName  string        `json:"check_name,omitempty"`
	Cached     bool          `json:"cached,omitempty"`
	Retryable  bool          `json:"retryable,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	DurationMs int64         `json:"duration_ms"`
}

// Decision is the composed outcome of one evaluation.
type Decision struct {
	OverallAction    Action   `json:"overall_action"`
	Results          []Result `json:"results"`
	CriticalFailures []Result `json:"critical_failures,omitempty"`
	TotalDurationMs  int64    `json:"total_duration_ms"`
}

// Allowed is a convenience for callers that only need the verdict.
func (d *Decision) Allowed() bool { return d.OverallAction != ActionDeny }
