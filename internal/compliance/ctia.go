package compliance

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

// CTIAConfig tunes the messaging gate.
type CTIAConfig struct {
	OptInMaxAge     time.Duration // opt-in freshness; default 18 months
	QuietHoursStart int           // local hour, inclusive; default 21
	QuietHoursEnd   int           // local hour, exclusive; default 8
	MaxBodyLength   int           // default 160
	DailyCap        int
	WeeklyCap       int
	MonthlyCap      int
	SenderIDs       []string // registered sender ids
}

// prohibited content categories per CTIA messaging principles (SHAFT).
var prohibitedPatterns = map[string]*regexp.Regexp{
	"cannabis": regexp.MustCompile(`(?i)\b(cannabis|marijuana|thc)\b`),
	"firearms": regexp.MustCompile(`(?i)\b(firearm|gun sale|ammunition)\b`),
	"gambling": regexp.MustCompile(`(?i)\b(casino|sports ?bet|gambling)\b`),
	"lending":  regexp.MustCompile(`(?i)\b(payday loan|high[- ]interest loan)\b`),
}

// CTIAGate enforces the CTIA messaging principles for outbound SMS: opt-in
// freshness, opt-out honoring, rolling volume caps, quiet hours, body
// constraints, prohibited categories, and registered sender ids.
type CTIAGate struct {
	cfg CTIAConfig

	mu      sync.Mutex
	optIns  map[string]time.Time // phone -> opt-in time
	optOuts map[string]bool
	sends   map[string][]time.Time // phone -> recent send times
	senders map[string]bool
	nowFn   func() time.Time
}

// NewCTIAGate builds the gate with defaults filled in.
func NewCTIAGate(cfg CTIAConfig) *CTIAGate {
	if cfg.OptInMaxAge == 0 {
		cfg.OptInMaxAge = 18 * 30 * 24 * time.Hour
	}
	if cfg.QuietHoursStart == 0 {
		cfg.QuietHoursStart = 21
	}
	if cfg.QuietHoursEnd == 0 {
		cfg.QuietHoursEnd = 8
	}
	if cfg.MaxBodyLength == 0 {
		cfg.MaxBodyLength = 160
	}
	if cfg.DailyCap == 0 {
		cfg.DailyCap = 3
	}
	if cfg.WeeklyCap == 0 {
		cfg.WeeklyCap = 10
	}
	if cfg.MonthlyCap == 0 {
		cfg.MonthlyCap = 30
	}
	senders := make(map[string]bool, len(cfg.SenderIDs))
	for _, s := range cfg.SenderIDs {
		senders[s] = true
	}
	return &CTIAGate{
		cfg:     cfg,
		optIns:  make(map[string]time.Time),
		optOuts: make(map[string]bool),
		sends:   make(map[string][]time.Time),
		senders: senders,
		nowFn:   time.Now,
	}
}

func (g *CTIAGate) ID() string         { return "ctia-messaging" }
func (g *CTIAGate) Regulation() string { return RegCTIA }
func (g *CTIAGate) Priority() int      { return 80 }

func (g *CTIAGate) Check(ctx Context) Result {
	res := Result{Allowed: true}
	now := ctx.Timestamp
	body, _ := ctx.Data["body"].(string)
	sender, _ := ctx.Data["sender_id"].(string)

	g.mu.Lock()
	defer g.mu.Unlock()

	// CTIA-001: opt-out set membership
	if g.optOuts[ctx.Phone] {
		res.Allowed = false
		res.Violations = append(res.Violations, Violation{
			Code: "CTIA-001", Regulation: RegCTIA, Severity: SeverityCritical,
			Description: "recipient has opted out (STOP)",
			Timestamp:   now,
			Evidence:    map[string]interface{}{"phone": ctx.Phone},
		})
		res.Remediation = append(res.Remediation, "suppress messaging to opted-out recipients")
	}

	// CTIA-002: opt-in required and fresh
	optIn, hasOptIn := g.optIns[ctx.Phone]
	switch {
	case !hasOptIn:
		res.Allowed = false
		res.Violations = append(res.Violations, Violation{
			Code: "CTIA-002", Regulation: RegCTIA, Severity: SeverityCritical,
			Description: "no opt-in on file for recipient",
			Timestamp:   now,
		})
		res.Remediation = append(res.Remediation, "collect an opt-in before messaging")
	case now.Sub(optIn) > g.cfg.OptInMaxAge:
		res.Allowed = false
		res.Violations = append(res.Violations, Violation{
			Code: "CTIA-003", Regulation: RegCTIA, Severity: SeverityHigh,
			Description: fmt.Sprintf("opt-in is stale (%.0f days old)", now.Sub(optIn).Hours()/24),
			Timestamp:   now,
			Evidence:    map[string]interface{}{"opt_in_at": optIn.Format(time.RFC3339)},
		})
		res.Remediation = append(res.Remediation, "refresh the recipient's opt-in")
	}

	// CTIA-004: rolling volume caps
	recent := g.pruneSendsLocked(ctx.Phone, now)
	day, week, month := 0, 0, 0
	for _, ts := range recent {
		age := now.Sub(ts)
		if age <= 24*time.Hour {
			day++
		}
		if age <= 7*24*time.Hour {
			week++
		}
		month++
	}
	if day >= g.cfg.DailyCap || week >= g.cfg.WeeklyCap || month >= g.cfg.MonthlyCap {
		res.Allowed = false
		res.Violations = append(res.Violations, Violation{
			Code: "CTIA-004", Regulation: RegCTIA, Severity: SeverityHigh,
			Description: fmt.Sprintf("volume cap reached (day %d/%d, week %d/%d, month %d/%d)",
				day, g.cfg.DailyCap, week, g.cfg.WeeklyCap, month, g.cfg.MonthlyCap),
			Timestamp: now,
		})
		res.Remediation = append(res.Remediation, "defer until the rolling window clears")
	}

	// CTIA-005: quiet hours by recipient local time
	local := now
	if ctx.Timezone != "" {
		if loc, err := time.LoadLocation(ctx.Timezone); err == nil {
			local = now.In(loc)
		}
	}
	hour := local.Hour()
	if hour >= g.cfg.QuietHoursStart || hour < g.cfg.QuietHoursEnd {
		res.Allowed = false
		res.Violations = append(res.Violations, Violation{
			Code: "CTIA-005", Regulation: RegCTIA, Severity: SeverityHigh,
			Description: fmt.Sprintf("message at %02d:%02d local falls in quiet hours", local.Hour(), local.Minute()),
			Timestamp:   now,
			Evidence:    map[string]interface{}{"local_time": local.Format("15:04")},
		})
		res.Remediation = append(res.Remediation, "send during recipient daytime hours")
	}

	// CTIA-006: body constraints (length + opt-out hint)
	if len(body) > g.cfg.MaxBodyLength {
		res.Allowed = false
		res.Violations = append(res.Violations, Violation{
			Code: "CTIA-006", Regulation: RegCTIA, Severity: SeverityMedium,
			Description: fmt.Sprintf("body length %d exceeds %d", len(body), g.cfg.MaxBodyLength),
			Timestamp:   now,
		})
	}
	if !strings.Contains(strings.ToUpper(body), "STOP") {
		res.Allowed = false
		res.Violations = append(res.Violations, Violation{
			Code: "CTIA-007", Regulation: RegCTIA, Severity: SeverityMedium,
			Description: "body lacks the required opt-out hint (e.g. \"Reply STOP to unsubscribe\")",
			Timestamp:   now,
		})
		res.Remediation = append(res.Remediation, "append an opt-out instruction to the message")
	}

	// CTIA-008: prohibited content categories
	for category, re := range prohibitedPatterns {
		if re.MatchString(body) {
			res.Allowed = false
			res.Violations = append(res.Violations, Violation{
				Code: "CTIA-008", Regulation: RegCTIA, Severity: SeverityCritical,
				Description: "body matches prohibited category: " + category,
				Timestamp:   now,
				Evidence:    map[string]interface{}{"category": category},
			})
		}
	}

	// CTIA-009: registered sender id
	if len(g.senders) > 0 && !g.senders[sender] {
		res.Allowed = false
		res.Violations = append(res.Violations, Violation{
			Code: "CTIA-009", Regulation: RegCTIA, Severity: SeverityHigh,
			Description: fmt.Sprintf("sender id %q is not registered", sender),
			Timestamp:   now,
		})
		res.Remediation = append(res.Remediation, "send from a registered sender id")
	}

	return res
}

// pruneSendsLocked drops sends older than the monthly window. Caller holds
// the mutex.
func (g *CTIAGate) pruneSendsLocked(phone string, now time.Time) []time.Time {
	cutoff := now.Add(-30 * 24 * time.Hour)
	kept := g.sends[phone][:0]
	for _, ts := range g.sends[phone] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	g.sends[phone] = kept
	return kept
}

// RecordOptIn stores a fresh opt-in and clears any opt-out.
func (g *CTIAGate) RecordOptIn(phone string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.optIns[phone] = g.nowFn()
	delete(g.optOuts, phone)
}

// RecordSend counts an outbound message toward the rolling caps.
func (g *CTIAGate) RecordSend(phone string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sends[phone] = append(g.sends[phone], g.nowFn())
}

// HandleInbound processes an inbound reply; a STOP keyword populates the
// opt-out set. Returns true when the reply was an opt-out.
func (g *CTIAGate) HandleInbound(phone, body string) bool {
	keyword := strings.ToUpper(strings.TrimSpace(body))
	switch keyword {
	case "STOP", "STOPALL", "UNSUBSCRIBE", "CANCEL", "END", "QUIT":
		g.mu.Lock()
		defer g.mu.Unlock()
		g.optOuts[phone] = true
		delete(g.optIns, phone)
		return true
	}
	return false
}
