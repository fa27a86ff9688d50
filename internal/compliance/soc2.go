package compliance

import (
	"fmt"
	"sync"
	"time"
)

// SOC2Config tunes the access-control gate.
type SOC2Config struct {
	SessionTimeout     time.Duration      // default 30m
	MaxFailedLogins    int                // default 5
	LockoutCooldown    time.Duration      // default 30m
	AnomalyThreshold   float64            // default 0.7
	SensitiveActions   []string           // actions requiring MFA
	SensitiveResources map[string]float64 // resource -> sensitivity multiplier
	AuditLogEnabled    bool
}

// session tracks one actor's authenticated session.
type session struct {
	startedAt time.Time
	lastSeen  time.Time
	knownIPs  map[string]bool
	recent    []time.Time // recent actions for rate anomaly
}

// SOC2Gate enforces access-control hygiene: MFA on sensitive actions,
// session timeouts, failed-login lockout, behavioral anomaly scoring, change
// management flags, and audit-logging presence.
type SOC2Gate struct {
	cfg       SOC2Config
	sensitive map[string]bool

	mu           sync.Mutex
	sessions     map[string]*session
	failedLogins map[string]int
	lockedUntil  map[string]time.Time
	nowFn        func() time.Time
}

// NewSOC2Gate builds the gate with defaults filled in.
func NewSOC2Gate(cfg SOC2Config) *SOC2Gate {
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = 30 * time.Minute
	}
	if cfg.MaxFailedLogins == 0 {
		cfg.MaxFailedLogins = 5
	}
	if cfg.LockoutCooldown == 0 {
		cfg.LockoutCooldown = 30 * time.Minute
	}
	if cfg.AnomalyThreshold == 0 {
		cfg.AnomalyThreshold = 0.7
	}
	sensitive := make(map[string]bool, len(cfg.SensitiveActions))
	for _, a := range cfg.SensitiveActions {
		sensitive[a] = true
	}
	return &SOC2Gate{
		cfg:          cfg,
		sensitive:    sensitive,
		sessions:     make(map[string]*session),
		failedLogins: make(map[string]int),
		lockedUntil:  make(map[string]time.Time),
		nowFn:        time.Now,
	}
}

func (g *SOC2Gate) ID() string         { return "soc2-access" }
func (g *SOC2Gate) Regulation() string { return RegSOC2 }
func (g *SOC2Gate) Priority() int      { return 70 }

func (g *SOC2Gate) Check(ctx Context) Result {
	res := Result{Allowed: true}
	now := ctx.Timestamp
	mfa, _ := ctx.Data["mfa_verified"].(bool)
	ip, _ := ctx.Data["ip"].(string)

	// SOC2-001: audit logging must be enabled at all
	if !g.cfg.AuditLogEnabled {
		res.Allowed = false
		res.Violations = append(res.Violations, Violation{
			Code: "SOC2-001", Regulation: RegSOC2, Severity: SeverityCritical,
			Rule:        "CC7.2",
			Description: "audit logging is disabled",
			Timestamp:   now,
		})
		res.Remediation = append(res.Remediation, "enable audit logging before performing controlled actions")
	}

	// SOC2-002: MFA on sensitive actions
	if g.sensitive[ctx.Action] && !mfa {
		res.Allowed = false
		res.Violations = append(res.Violations, Violation{
			Code: "SOC2-002", Regulation: RegSOC2, Severity: SeverityCritical,
			Rule:        "CC6.1",
			Description: fmt.Sprintf("action %q requires MFA", ctx.Action),
			Timestamp:   now,
		})
		res.Remediation = append(res.Remediation, "complete MFA verification")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// SOC2-003: account lockout
	if until, ok := g.lockedUntil[ctx.Actor]; ok {
		if now.Before(until) {
			res.Allowed = false
			res.Violations = append(res.Violations, Violation{
				Code: "SOC2-003", Regulation: RegSOC2, Severity: SeverityCritical,
				Description: fmt.Sprintf("account locked until %s after repeated failed logins", until.Format(time.RFC3339)),
				Timestamp:   now,
			})
		} else {
			delete(g.lockedUntil, ctx.Actor)
			g.failedLogins[ctx.Actor] = 0
		}
	}

	// SOC2-004: session timeout
	sess := g.sessions[ctx.Actor]
	if sess != nil && now.Sub(sess.lastSeen) > g.cfg.SessionTimeout {
		res.Allowed = false
		res.Violations = append(res.Violations, Violation{
			Code: "SOC2-004", Regulation: RegSOC2, Severity: SeverityHigh,
			Rule:        "CC6.1",
			Description: fmt.Sprintf("session idle beyond %s", g.cfg.SessionTimeout),
			Timestamp:   now,
		})
		res.Remediation = append(res.Remediation, "re-authenticate")
	}

	// SOC2-005: anomaly score vs threshold, scaled by resource sensitivity
	score := g.anomalyScoreLocked(ctx, sess, ip, now)
	threshold := g.cfg.AnomalyThreshold
	if mult, ok := g.cfg.SensitiveResources[ctx.Target]; ok && mult > 0 {
		threshold /= mult
	}
	if score > threshold {
		res.Allowed = false
		res.Violations = append(res.Violations, Violation{
			Code: "SOC2-005", Regulation: RegSOC2, Severity: SeverityHigh,
			Description: fmt.Sprintf("anomaly score %.2f exceeds threshold %.2f", score, threshold),
			Timestamp:   now,
			Evidence:    map[string]interface{}{"score": score, "threshold": threshold, "ip": ip},
		})
		res.Remediation = append(res.Remediation, "require step-up verification for this actor")
	}

	// SOC2-006: change management on change actions
	if isChange, _ := ctx.Data["is_change"].(bool); isChange {
		approved, _ := ctx.Data["change_approved"].(bool)
		documented, _ := ctx.Data["change_documented"].(bool)
		if !approved || !documented {
			res.Allowed = false
			res.Violations = append(res.Violations, Violation{
				Code: "SOC2-006", Regulation: RegSOC2, Severity: SeverityHigh,
				Rule:        "CC8.1",
				Description: "change lacks approval or documentation",
				Timestamp:   now,
				Evidence:    map[string]interface{}{"approved": approved, "documented": documented},
			})
			res.Remediation = append(res.Remediation, "obtain change approval and record documentation")
		}
	}

	return res
}

// anomalyScoreLocked combines time-of-day, new-ip, resource sensitivity, and
// recent-rate signals into [0, 1]. Caller holds the mutex.
func (g *SOC2Gate) anomalyScoreLocked(ctx Context, sess *session, ip string, now time.Time) float64 {
	score := 0.0

	// off-hours activity
	hour := now.Hour()
	if hour < 6 || hour >= 22 {
		score += 0.3
	}

	// unseen source ip
	if ip != "" && sess != nil && len(sess.knownIPs) > 0 && !sess.knownIPs[ip] {
		score += 0.3
	}

	// sensitive resource touch
	if _, ok := g.cfg.SensitiveResources[ctx.Target]; ok {
		score += 0.2
	}

	// burst of recent actions
	if sess != nil {
		recent := 0
		for _, ts := range sess.recent {
			if now.Sub(ts) <= time.Minute {
				recent++
			}
		}
		if recent > 30 {
			score += 0.3
		} else if recent > 10 {
			score += 0.15
		}
	}

	if score > 1 {
		score = 1
	}
	return score
}

// RecordLogin registers a successful login, resetting the failure counter
// and learning the source ip.
func (g *SOC2Gate) RecordLogin(actor, ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.nowFn()
	sess := g.sessions[actor]
	if sess == nil {
		sess = &session{startedAt: now, knownIPs: make(map[string]bool)}
		g.sessions[actor] = sess
	}
	sess.lastSeen = now
	if ip != "" {
		sess.knownIPs[ip] = true
	}
	g.failedLogins[actor] = 0
}

// RecordFailedLogin counts a failure; hitting the cap locks the account for
// the cooldown.
func (g *SOC2Gate) RecordFailedLogin(actor string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failedLogins[actor]++
	if g.failedLogins[actor] >= g.cfg.MaxFailedLogins {
		g.lockedUntil[actor] = g.nowFn().Add(g.cfg.LockoutCooldown)
	}
}

// RecordActivity refreshes the session and feeds the rate signal.
func (g *SOC2Gate) RecordActivity(actor string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.nowFn()
	sess := g.sessions[actor]
	if sess == nil {
		sess = &session{startedAt: now, knownIPs: make(map[string]bool)}
		g.sessions[actor] = sess
	}
	sess.lastSeen = now
	cutoff := now.Add(-5 * time.Minute)
	kept := sess.recent[:0]
	for _, ts := range sess.recent {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	sess.recent = append(kept, now)
}
