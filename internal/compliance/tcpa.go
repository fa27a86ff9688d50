package compliance

import (
	"fmt"
	"sync"
	"time"
)

// TCPAConfig tunes the voice-calling gate. Zero values get the regulatory
// defaults (8:00-21:00 local calling window, 3 calls per recipient per day).
type TCPAConfig struct {
	CallWindowStart int // local hour, inclusive
	CallWindowEnd   int // local hour, exclusive
	DailyCallCap    int
	DNCCacheTTL     time.Duration
	// DNCLookup consults the external do-not-call registry. Results are
	// cached for DNCCacheTTL. nil means only the internal list applies.
	DNCLookup func(phone string) (bool, error)
	Holidays  []string // "01-01", "12-25" (month-day, observed in target tz)
}

// TCPAGate enforces the Telephone Consumer Protection Act rules for outbound
// calls: calling window by recipient local time, holiday blackouts, DNC
// registry, prior express consent, daily call caps, and caller id presence.
type TCPAGate struct {
	cfg TCPAConfig

	mu          sync.Mutex
	consent     map[string]time.Time // phone -> consent recorded at
	internalDNC map[string]bool
	dncCache    map[string]dncCacheEntry
	callCounts  map[string]dailyCount // phone -> calls today
	holidays    map[string]bool
	nowFn       func() time.Time
}

type dncCacheEntry struct {
	listed  bool
	expires time.Time
}

type dailyCount struct {
	day   string
	count int
}

// NewTCPAGate builds the gate with defaults filled in.
func NewTCPAGate(cfg TCPAConfig) *TCPAGate {
	if cfg.CallWindowStart == 0 {
		cfg.CallWindowStart = 8
	}
	if cfg.CallWindowEnd == 0 {
		cfg.CallWindowEnd = 21
	}
	if cfg.DailyCallCap == 0 {
		cfg.DailyCallCap = 3
	}
	if cfg.DNCCacheTTL == 0 {
		cfg.DNCCacheTTL = 24 * time.Hour
	}
	holidays := make(map[string]bool, len(cfg.Holidays))
	for _, h := range cfg.Holidays {
		holidays[h] = true
	}
	return &TCPAGate{
		cfg:         cfg,
		consent:     make(map[string]time.Time),
		internalDNC: make(map[string]bool),
		dncCache:    make(map[string]dncCacheEntry),
		callCounts:  make(map[string]dailyCount),
		holidays:    holidays,
		nowFn:       time.Now,
	}
}

func (g *TCPAGate) ID() string         { return "tcpa-calling" }
func (g *TCPAGate) Regulation() string { return RegTCPA }
func (g *TCPAGate) Priority() int      { return 90 }

// Check evaluates a single outbound call attempt. It reads gate state but
// mutates nothing; call RecordCall after a call actually goes out.
func (g *TCPAGate) Check(ctx Context) Result {
	res := Result{Allowed: true}
	now := ctx.Timestamp

	local := now
	if ctx.Timezone != "" {
		if loc, err := time.LoadLocation(ctx.Timezone); err == nil {
			local = now.In(loc)
		}
	}

	// TCPA-001: calling window by recipient local time
	hour := local.Hour()
	if hour < g.cfg.CallWindowStart || hour >= g.cfg.CallWindowEnd {
		res.Allowed = false
		res.Violations = append(res.Violations, Violation{
			Code: "TCPA-001", Regulation: RegTCPA, Severity: SeverityCritical,
			Rule:        "47 USC 227(b)(1)(B)",
			Description: fmt.Sprintf("call at %02d:%02d local is outside the %02d:00-%02d:00 window", local.Hour(), local.Minute(), g.cfg.CallWindowStart, g.cfg.CallWindowEnd),
			Timestamp:   now,
			Evidence:    map[string]interface{}{"local_time": local.Format("15:04"), "timezone": ctx.Timezone},
			ExposureUSD: 1500,
		})
		res.Remediation = append(res.Remediation, fmt.Sprintf("schedule between %02d:00 and %02d:00 recipient local time", g.cfg.CallWindowStart, g.cfg.CallWindowEnd))
	}

	// TCPA-002: holiday blackout
	if g.holidays[local.Format("01-02")] {
		res.Allowed = false
		res.Violations = append(res.Violations, Violation{
			Code: "TCPA-002", Regulation: RegTCPA, Severity: SeverityHigh,
			Description: "calling on a configured holiday blackout date",
			Timestamp:   now,
			Evidence:    map[string]interface{}{"date": local.Format("01-02")},
		})
		res.Remediation = append(res.Remediation, "defer call past the holiday")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// TCPA-003: do-not-call registry (internal list + cached external lookup)
	if listed := g.dncListedLocked(ctx.Phone, now); listed {
		res.Allowed = false
		res.Violations = append(res.Violations, Violation{
			Code: "TCPA-003", Regulation: RegTCPA, Severity: SeverityCritical,
			Rule:        "47 CFR 64.1200(c)(2)",
			Description: "recipient is on the do-not-call registry",
			Timestamp:   now,
			Evidence:    map[string]interface{}{"phone": ctx.Phone},
			ExposureUSD: 43792,
		})
		res.Remediation = append(res.Remediation, "remove recipient from the call list")
	}

	// TCPA-004: prior express consent
	if _, ok := g.consent[ctx.Phone]; !ok {
		res.Allowed = false
		res.Violations = append(res.Violations, Violation{
			Code: "TCPA-004", Regulation: RegTCPA, Severity: SeverityCritical,
			Description: "no prior express consent on file for recipient",
			Timestamp:   now,
			Evidence:    map[string]interface{}{"phone": ctx.Phone},
			ExposureUSD: 1500,
		})
		res.Remediation = append(res.Remediation, "obtain prior express consent before calling")
	}

	// TCPA-005: daily per-recipient cap
	if dc, ok := g.callCounts[ctx.Phone]; ok && dc.day == local.Format("2006-01-02") && dc.count >= g.cfg.DailyCallCap {
		res.Allowed = false
		res.Violations = append(res.Violations, Violation{
			Code: "TCPA-005", Regulation: RegTCPA, Severity: SeverityHigh,
			Description: fmt.Sprintf("recipient already called %d times today (cap %d)", dc.count, g.cfg.DailyCallCap),
			Timestamp:   now,
			Evidence:    map[string]interface{}{"calls_today": dc.count},
		})
		res.Remediation = append(res.Remediation, "defer further calls until tomorrow")
	}

	// TCPA-006: caller id must not be anonymous
	if callerID, _ := ctx.Data["caller_id"].(string); callerID == "" || callerID == "anonymous" {
		res.Allowed = false
		res.Violations = append(res.Violations, Violation{
			Code: "TCPA-006", Regulation: RegTCPA, Severity: SeverityMedium,
			Rule:        "47 CFR 64.1601(e)",
			Description: "outbound call must present a valid caller id",
			Timestamp:   now,
		})
		res.Remediation = append(res.Remediation, "configure a valid outbound caller id")
	}

	return res
}

// dncListedLocked consults the internal list, then the cached external
// lookup. Lookup errors fail closed (treated as listed).
func (g *TCPAGate) dncListedLocked(phone string, now time.Time) bool {
	if g.internalDNC[phone] {
		return true
	}
	if entry, ok := g.dncCache[phone]; ok && now.Before(entry.expires) {
		return entry.listed
	}
	if g.cfg.DNCLookup == nil {
		return false
	}
	listed, err := g.cfg.DNCLookup(phone)
	if err != nil {
		return true
	}
	g.dncCache[phone] = dncCacheEntry{listed: listed, expires: now.Add(g.cfg.DNCCacheTTL)}
	return listed
}

// RecordConsent stores prior express consent for a phone number.
func (g *TCPAGate) RecordConsent(phone string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.consent[phone] = g.nowFn()
}

// RevokeConsent removes consent and places the number on the internal DNC
// list.
func (g *TCPAGate) RevokeConsent(phone string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.consent, phone)
	g.internalDNC[phone] = true
}

// AddToDNC places a number on the internal do-not-call list.
func (g *TCPAGate) AddToDNC(phone string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.internalDNC[phone] = true
}

// RecordCall counts a completed outbound call toward the daily cap.
func (g *TCPAGate) RecordCall(phone string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	day := g.nowFn().Format("2006-01-02")
	dc := g.callCounts[phone]
	if dc.day != day {
		dc = dailyCount{day: day}
	}
	dc.count++
	g.callCounts[phone] = dc
}
