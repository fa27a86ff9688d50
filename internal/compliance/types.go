package compliance

import "time"

// Severity of a violation.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Regulation tags. A gate belongs to exactly one.
const (
	RegTCPA  = "TCPA"
	RegCTIA  = "CTIA"
	RegGDPR  = "GDPR"
	RegSOC2  = "SOC2"
	RegHIPAA = "HIPAA"
)

// Context is the action under review.
type Context struct {
	Actor     string                 `json:"actor"`
	Action    string                 `json:"action"`
	Target    string                 `json:"target"`
	Phone     string                 `json:"phone,omitempty"`
	Email     string                 `json:"email,omitempty"`
	Country   string                 `json:"country,omitempty"`
	Timezone  string                 `json:"timezone,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Violation is one breached rule.
type Violation struct {
	Code        string                 `json:"code"`
	Regulation  string                 `json:"regulation"`
	Severity    Severity               `json:"severity"`
	Rule        string                 `json:"rule,omitempty"`
	Description string                 `json:"description"`
	Timestamp   time.Time              `json:"timestamp"`
	Evidence    map[string]interface{} `json:"evidence,omitempty"`
	ExposureUSD float64                `json:"exposure_usd,omitempty"`
}

// Result is one gate's verdict.
type Result struct {
	GateID      string      `json:"gate_id"`
	Regulation  string      `json:"regulation"`
	Allowed     bool        `json:"allowed"`
	Violations  []Violation `json:"violations,omitempty"`
	Remediation []string    `json:"remediation,omitempty"`
	AuditID     string      `json:"audit_id"`
	DurationMs  int64       `json:"duration_ms"`
}

// Report is the framework's composed verdict across gates.
type Report struct {
	OverallAllowed bool     `json:"overall_allowed"`
	Results        []Result `json:"results"`
	Summary        Summary  `json:"summary"`
}

// Summary aggregates a report.
type Summary struct {
	GatesRun        int      `json:"gates_run"`
	GatesPassed     int      `json:"gates_passed"`
	GatesFailed     int      `json:"gates_failed"`
	TotalViolations int      `json:"total_violations"`
	Regulations     []string `json:"regulations"`
}

// Gate is one regulation's rule set.
type Gate interface {
	ID() string
	Regulation() string
	Priority() int
	Check(ctx Context) Result
}

// AuditEntry records one gate check, pass or fail.
type AuditEntry struct {
	ID         string      `json:"id"`
	GateID     string      `json:"gate_id"`
	Regulation string      `json:"regulation"`
	Actor      string      `json:"actor"`
	Action     string      `json:"action"`
	Target     string      `json:"target"`
	Allowed    bool        `json:"allowed"`
	Violations []Violation `json:"violations,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// AuditSink receives an entry for every check.
type AuditSink interface {
	Record(entry AuditEntry) error
}
