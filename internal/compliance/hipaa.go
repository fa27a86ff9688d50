package compliance

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// Authorization grants one actor scoped access to one patient's PHI.
type Authorization struct {
	Actor     string
	Patient   string
	Scope     []string // field names the grant covers
	ExpiresAt time.Time
}

// HIPAAConfig tunes the PHI-access gate.
type HIPAAConfig struct {
	// MinimumNecessary maps action -> the field set it may touch.
	MinimumNecessary map[string][]string
	RequireBAA       bool
}

// HIPAAGate enforces PHI access rules: per-(actor, patient) authorization
// with scope and expiry, minimum-necessary field sets, encryption flags, and
// business associate agreements for third parties. Every PHI access is
// logged whether allowed or denied.
type HIPAAGate struct {
	cfg HIPAAConfig

	mu     sync.Mutex
	auths  map[string]*Authorization // actor|patient -> grant
	baas   map[string]time.Time      // third party -> BAA signed at
	logger *log.Logger
	nowFn  func() time.Time
}

// NewHIPAAGate builds the gate.
func NewHIPAAGate(cfg HIPAAConfig) *HIPAAGate {
	return &HIPAAGate{
		cfg:    cfg,
		auths:  make(map[string]*Authorization),
		baas:   make(map[string]time.Time),
		logger: log.New(log.Writer(), "[HIPAA] ", log.LstdFlags),
		nowFn:  time.Now,
	}
}

func (g *HIPAAGate) ID() string         { return "hipaa-phi" }
func (g *HIPAAGate) Regulation() string { return RegHIPAA }
func (g *HIPAAGate) Priority() int      { return 95 }

func authKey(actor, patient string) string { return actor + "|" + patient }

func (g *HIPAAGate) Check(ctx Context) Result {
	res := Result{Allowed: true}
	now := ctx.Timestamp
	patient := ctx.Target
	fields, _ := ctx.Data["fields"].([]string)

	g.mu.Lock()
	defer g.mu.Unlock()

	// access log first: every PHI access is recorded regardless of outcome
	defer func() {
		g.logger.Printf("phi access actor=%s patient=%s action=%s allowed=%t",
			ctx.Actor, patient, ctx.Action, res.Allowed)
	}()

	// HIPAA-001: authorization per (actor, patient), unexpired, in scope
	auth, ok := g.auths[authKey(ctx.Actor, patient)]
	switch {
	case !ok:
		res.Allowed = false
		res.Violations = append(res.Violations, Violation{
			Code: "HIPAA-001", Regulation: RegHIPAA, Severity: SeverityCritical,
			Rule:        "164.508",
			Description: fmt.Sprintf("actor %s has no authorization for patient %s", ctx.Actor, patient),
			Timestamp:   now,
		})
		res.Remediation = append(res.Remediation, "obtain patient authorization")
	case now.After(auth.ExpiresAt):
		res.Allowed = false
		res.Violations = append(res.Violations, Violation{
			Code: "HIPAA-001", Regulation: RegHIPAA, Severity: SeverityCritical,
			Description: "authorization has expired",
			Timestamp:   now,
			Evidence:    map[string]interface{}{"expired_at": auth.ExpiresAt.Format(time.RFC3339)},
		})
		res.Remediation = append(res.Remediation, "renew patient authorization")
	default:
		for _, f := range fields {
			if !containsString(auth.Scope, f) {
				res.Allowed = false
				res.Violations = append(res.Violations, Violation{
					Code: "HIPAA-001", Regulation: RegHIPAA, Severity: SeverityCritical,
					Description: fmt.Sprintf("field %q is outside the authorization scope", f),
					Timestamp:   now,
					Evidence:    map[string]interface{}{"scope": auth.Scope},
				})
				break
			}
		}
	}

	// HIPAA-002: minimum necessary field set for the action
	if allowed, ok := g.cfg.MinimumNecessary[ctx.Action]; ok {
		for _, f := range fields {
			if !containsString(allowed, f) {
				res.Allowed = false
				res.Violations = append(res.Violations, Violation{
					Code: "HIPAA-002", Regulation: RegHIPAA, Severity: SeverityHigh,
					Rule:        "164.502(b)",
					Description: fmt.Sprintf("field %q exceeds the minimum necessary for %q", f, ctx.Action),
					Timestamp:   now,
				})
			}
		}
	}

	// HIPAA-003: encryption at rest and in transit
	atRest, _ := ctx.Data["encrypted_at_rest"].(bool)
	inTransit, _ := ctx.Data["encrypted_in_transit"].(bool)
	if !atRest || !inTransit {
		res.Allowed = false
		res.Violations = append(res.Violations, Violation{
			Code: "HIPAA-003", Regulation: RegHIPAA, Severity: SeverityCritical,
			Rule:        "164.312(a)(2)(iv)",
			Description: "PHI path lacks encryption at rest and/or in transit",
			Timestamp:   now,
			Evidence:    map[string]interface{}{"at_rest": atRest, "in_transit": inTransit},
		})
		res.Remediation = append(res.Remediation, "enable encryption on the storage and transport path")
	}

	// HIPAA-004: BAA for third-party access
	if thirdParty, _ := ctx.Data["third_party"].(string); thirdParty != "" && g.cfg.RequireBAA {
		if _, signed := g.baas[thirdParty]; !signed {
			res.Allowed = false
			res.Violations = append(res.Violations, Violation{
				Code: "HIPAA-004", Regulation: RegHIPAA, Severity: SeverityCritical,
				Rule:        "164.502(e)",
				Description: fmt.Sprintf("no business associate agreement with %q", thirdParty),
				Timestamp:   now,
			})
			res.Remediation = append(res.Remediation, "execute a BAA before sharing PHI")
		}
	}

	return res
}

// GrantAuthorization stores a patient authorization.
func (g *HIPAAGate) GrantAuthorization(auth Authorization) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.auths[authKey(auth.Actor, auth.Patient)] = &auth
}

// RevokeAuthorization removes a grant.
func (g *HIPAAGate) RevokeAuthorization(actor, patient string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.auths, authKey(actor, patient))
}

// RegisterBAA records a signed business associate agreement.
func (g *HIPAAGate) RegisterBAA(thirdParty string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.baas[thirdParty] = g.nowFn()
}
