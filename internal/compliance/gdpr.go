package compliance

import (
	"fmt"
	"sync"
	"time"
)

// Lawful bases enumerated by GDPR article 6.
var lawfulBases = map[string]bool{
	"consent":             true,
	"contract":            true,
	"legal_obligation":    true,
	"vital_interests":     true,
	"public_task":         true,
	"legitimate_interest": true,
}

// eeaCountries are always permitted transfer destinations.
var eeaCountries = map[string]bool{
	"AT": true, "BE": true, "BG": true, "HR": true, "CY": true, "CZ": true,
	"DK": true, "EE": true, "FI": true, "FR": true, "DE": true, "GR": true,
	"HU": true, "IE": true, "IT": true, "LV": true, "LT": true, "LU": true,
	"MT": true, "NL": true, "PL": true, "PT": true, "RO": true, "SK": true,
	"SI": true, "ES": true, "SE": true, "IS": true, "LI": true, "NO": true,
}

// adequacyCountries hold an EU adequacy decision.
var adequacyCountries = map[string]bool{
	"GB": true, "CH": true, "CA": true, "JP": true, "KR": true, "NZ": true,
	"IL": true, "AR": true, "UY": true,
}

// ConsentRecord is a data subject's consent.
type ConsentRecord struct {
	Subject    string
	Purposes   []string
	Explicit   bool
	GivenAt    time.Time
	SubjectAge int
}

// DSR is a pending data subject request.
type DSR struct {
	ID       string
	Subject  string
	Kind     string // erasure, restriction, access, portability
	OpenedAt time.Time
}

// GDPRConfig tunes the data-processing gate.
type GDPRConfig struct {
	BlockedCountries []string
	// AllowedFields per purpose, for data minimization. Empty means any.
	AllowedFields map[string][]string
	// PurposeRegistry maps action -> declared purposes.
	PurposeRegistry map[string][]string
	// RetentionByCategory maps data category -> max retention.
	RetentionByCategory map[string]time.Duration
	MinConsentAge       int // default 16
}

// GDPRGate enforces lawful basis, consent, open DSRs, cross-border transfer
// rules, data minimization, purpose limitation, and retention.
type GDPRGate struct {
	cfg     GDPRConfig
	blocked map[string]bool

	mu       sync.Mutex
	consents map[string]*ConsentRecord // subject -> consent
	dsrs     map[string][]DSR          // subject -> open DSRs
	nowFn    func() time.Time
}

// NewGDPRGate builds the gate.
func NewGDPRGate(cfg GDPRConfig) *GDPRGate {
	if cfg.MinConsentAge == 0 {
		cfg.MinConsentAge = 16
	}
	blocked := make(map[string]bool, len(cfg.BlockedCountries))
	for _, c := range cfg.BlockedCountries {
		blocked[c] = true
	}
	return &GDPRGate{
		cfg:      cfg,
		blocked:  blocked,
		consents: make(map[string]*ConsentRecord),
		dsrs:     make(map[string][]DSR),
		nowFn:    time.Now,
	}
}

func (g *GDPRGate) ID() string         { return "gdpr-processing" }
func (g *GDPRGate) Regulation() string { return RegGDPR }
func (g *GDPRGate) Priority() int      { return 85 }

func (g *GDPRGate) Check(ctx Context) Result {
	res := Result{Allowed: true}
	now := ctx.Timestamp
	subject := ctx.Target
	basis, _ := ctx.Data["lawful_basis"].(string)

	// GDPR-001: enumerated lawful basis
	if !lawfulBases[basis] {
		res.Allowed = false
		res.Violations = append(res.Violations, Violation{
			Code: "GDPR-001", Regulation: RegGDPR, Severity: SeverityCritical,
			Rule:        "Art. 6",
			Description: fmt.Sprintf("no valid lawful basis (got %q)", basis),
			Timestamp:   now,
		})
		res.Remediation = append(res.Remediation, "declare a lawful basis for processing")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// GDPR-002: consent record, when consent is the basis
	if basis == "consent" {
		consent, ok := g.consents[subject]
		purpose, _ := ctx.Data["purpose"].(string)
		switch {
		case !ok:
			res.Allowed = false
			res.Violations = append(res.Violations, Violation{
				Code: "GDPR-002", Regulation: RegGDPR, Severity: SeverityCritical,
				Rule:        "Art. 7",
				Description: "no consent record for data subject",
				Timestamp:   now,
			})
			res.Remediation = append(res.Remediation, "obtain consent before processing")
		case purpose != "" && !containsString(consent.Purposes, purpose):
			res.Allowed = false
			res.Violations = append(res.Violations, Violation{
				Code: "GDPR-002", Regulation: RegGDPR, Severity: SeverityCritical,
				Description: fmt.Sprintf("consent does not cover purpose %q", purpose),
				Timestamp:   now,
				Evidence:    map[string]interface{}{"consented_purposes": consent.Purposes},
			})
		case !consent.Explicit:
			res.Allowed = false
			res.Violations = append(res.Violations, Violation{
				Code: "GDPR-002", Regulation: RegGDPR, Severity: SeverityHigh,
				Description: "consent on file is not explicit",
				Timestamp:   now,
			})
		case consent.SubjectAge > 0 && consent.SubjectAge < g.cfg.MinConsentAge:
			res.Allowed = false
			res.Violations = append(res.Violations, Violation{
				Code: "GDPR-002", Regulation: RegGDPR, Severity: SeverityCritical,
				Rule:        "Art. 8",
				Description: fmt.Sprintf("subject is below the age of consent (%d)", g.cfg.MinConsentAge),
				Timestamp:   now,
			})
		}
	}

	// GDPR-003: pending erasure/restriction blocks processing
	for _, dsr := range g.dsrs[subject] {
		if dsr.Kind == "erasure" || dsr.Kind == "restriction" {
			res.Allowed = false
			res.Violations = append(res.Violations, Violation{
				Code: "GDPR-003", Regulation: RegGDPR, Severity: SeverityCritical,
				Rule:        "Art. 17/18",
				Description: fmt.Sprintf("open %s request blocks processing", dsr.Kind),
				Timestamp:   now,
				Evidence:    map[string]interface{}{"dsr_id": dsr.ID},
			})
			res.Remediation = append(res.Remediation, "resolve the pending data subject request first")
			break
		}
	}

	// GDPR-004: cross-border transfer rules
	if ctx.Country != "" && !eeaCountries[ctx.Country] && !adequacyCountries[ctx.Country] {
		hasSCC, _ := ctx.Data["scc"].(bool)
		hasBCR, _ := ctx.Data["bcr"].(bool)
		switch {
		case g.blocked[ctx.Country]:
			res.Allowed = false
			res.Violations = append(res.Violations, Violation{
				Code: "GDPR-004", Regulation: RegGDPR, Severity: SeverityCritical,
				Rule:        "Art. 44",
				Description: fmt.Sprintf("transfers to %s are blocked", ctx.Country),
				Timestamp:   now,
			})
		case !hasSCC && !hasBCR:
			res.Allowed = false
			res.Violations = append(res.Violations, Violation{
				Code: "GDPR-004", Regulation: RegGDPR, Severity: SeverityHigh,
				Rule:        "Art. 46",
				Description: fmt.Sprintf("transfer to %s requires SCC or BCR safeguards", ctx.Country),
				Timestamp:   now,
			})
			res.Remediation = append(res.Remediation, "put standard contractual clauses in place")
		}
	}

	// GDPR-005: data minimization against the allowed field set
	if purpose, _ := ctx.Data["purpose"].(string); purpose != "" {
		if allowed, ok := g.cfg.AllowedFields[purpose]; ok {
			if fields, ok := ctx.Data["fields"].([]string); ok {
				for _, f := range fields {
					if !containsString(allowed, f) {
						res.Allowed = false
						res.Violations = append(res.Violations, Violation{
							Code: "GDPR-005", Regulation: RegGDPR, Severity: SeverityHigh,
							Rule:        "Art. 5(1)(c)",
							Description: fmt.Sprintf("field %q is not needed for purpose %q", f, purpose),
							Timestamp:   now,
						})
					}
				}
			}
		}
	}

	// GDPR-006: purpose limitation against the registry
	if len(g.cfg.PurposeRegistry) > 0 {
		purpose, _ := ctx.Data["purpose"].(string)
		declared, ok := g.cfg.PurposeRegistry[ctx.Action]
		if ok && purpose != "" && !containsString(declared, purpose) {
			res.Allowed = false
			res.Violations = append(res.Violations, Violation{
				Code: "GDPR-006", Regulation: RegGDPR, Severity: SeverityHigh,
				Rule:        "Art. 5(1)(b)",
				Description: fmt.Sprintf("purpose %q not declared for action %q", purpose, ctx.Action),
				Timestamp:   now,
				Evidence:    map[string]interface{}{"declared": declared},
			})
		}
	}

	// GDPR-007: retention against the category map
	if category, _ := ctx.Data["data_category"].(string); category != "" {
		if max, ok := g.cfg.RetentionByCategory[category]; ok {
			if collectedAt, ok := ctx.Data["collected_at"].(time.Time); ok && now.Sub(collectedAt) > max {
				res.Allowed = false
				res.Violations = append(res.Violations, Violation{
					Code: "GDPR-007", Regulation: RegGDPR, Severity: SeverityHigh,
					Rule:        "Art. 5(1)(e)",
					Description: fmt.Sprintf("%s data held past its %s retention limit", category, max),
					Timestamp:   now,
				})
				res.Remediation = append(res.Remediation, "erase or anonymize expired data")
			}
		}
	}

	return res
}

// RecordConsent stores a data subject's consent.
func (g *GDPRGate) RecordConsent(rec ConsentRecord) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if rec.GivenAt.IsZero() {
		rec.GivenAt = g.nowFn()
	}
	g.consents[rec.Subject] = &rec
}

// OpenDSR registers a data subject request.
func (g *GDPRGate) OpenDSR(dsr DSR) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if dsr.OpenedAt.IsZero() {
		dsr.OpenedAt = g.nowFn()
	}
	g.dsrs[dsr.Subject] = append(g.dsrs[dsr.Subject], dsr)
}

// CloseDSR resolves a request by id.
func (g *GDPRGate) CloseDSR(subject, id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	open := g.dsrs[subject]
	for i, dsr := range open {
		if dsr.ID == id {
			g.dsrs[subject] = append(open[:i], open[i+1:]...)
			return true
		}
	}
	return false
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
