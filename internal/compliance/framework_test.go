package compliance

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type panickyGate struct{}

func (panickyGate) ID() string         { return "broken" }
func (panickyGate) Regulation() string { return RegSOC2 }
func (panickyGate) Priority() int      { return 1 }
func (panickyGate) Check(Context) Result {
	panic("nil map write")
}

type allowAllGate struct {
	id   string
	prio int
}

func (g allowAllGate) ID() string           { return g.id }
func (g allowAllGate) Regulation() string   { return RegSOC2 }
func (g allowAllGate) Priority() int        { return g.prio }
func (g allowAllGate) Check(Context) Result { return Result{Allowed: true} }

type failingSink struct{}

func (failingSink) Record(AuditEntry) error { return errors.New("disk full") }

func TestPanickingGateFailsClosed(t *testing.T) {
	sink := NewMemoryAuditSink()
	f := NewFramework(sink)
	f.Register(panickyGate{})

	report := f.CheckAll(Context{Actor: "a1", Action: "x"})
	assert.False(t, report.OverallAllowed)
	require.Len(t, report.Results, 1)
	require.Len(t, report.Results[0].Violations, 1)
	v := report.Results[0].Violations[0]
	assert.Equal(t, "GATE-ERROR", v.Code)
	assert.Equal(t, SeverityCritical, v.Severity)

	// the failed check is still audited
	entries := sink.Entries()
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Allowed)
}

func TestEveryCheckIsAudited(t *testing.T) {
	sink := NewMemoryAuditSink()
	f := NewFramework(sink)
	f.Register(allowAllGate{id: "g1", prio: 10})
	f.Register(allowAllGate{id: "g2", prio: 20})

	report := f.CheckAll(Context{Actor: "a1", Action: "read"})
	assert.True(t, report.OverallAllowed)
	assert.Equal(t, 2, report.Summary.GatesRun)
	assert.Equal(t, 2, report.Summary.GatesPassed)

	entries := sink.Entries()
	require.Len(t, entries, 2)
	// priority descending: g2 before g1
	assert.Equal(t, "g2", entries[0].GateID)
	assert.Equal(t, "g1", entries[1].GateID)
	for _, e := range entries {
		assert.True(t, e.Allowed)
		assert.NotEmpty(t, e.ID)
	}
}

func TestAuditFailureCannotAllow(t *testing.T) {
	f := NewFramework(failingSink{})
	f.Register(allowAllGate{id: "g1", prio: 10})

	report := f.CheckAll(Context{Actor: "a1", Action: "read"})
	assert.False(t, report.OverallAllowed, "an unauditable allow must become a deny")
	require.Len(t, report.Results[0].Violations, 1)
	assert.Equal(t, "AUDIT-FAIL", report.Results[0].Violations[0].Code)
}

func TestRegulationFiltering(t *testing.T) {
	f := NewFramework(NewMemoryAuditSink())
	f.Register(allowAllGate{id: "soc2-g", prio: 10})
	f.Register(NewTCPAGate(TCPAConfig{}))

	report := f.CheckAll(Context{Actor: "a1"}, RegSOC2)
	assert.Equal(t, 1, report.Summary.GatesRun)
	assert.Equal(t, []string{RegSOC2}, report.Summary.Regulations)
}

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

// tcpaCleanContext builds a call attempt that passes every TCPA rule.
func tcpaCleanContext(t *testing.T, g *TCPAGate, hour int) Context {
	t.Helper()
	loc := mustLoc(t, "America/New_York")
	g.RecordConsent("+15551234567")
	return Context{
		Actor:     "agent-1",
		Action:    "outbound_call",
		Phone:     "+15551234567",
		Timezone:  "America/New_York",
		Timestamp: time.Date(2026, 3, 10, hour, 30, 0, 0, loc),
		Data:      map[string]interface{}{"caller_id": "+15550001111"},
	}
}

func TestTCPACallingWindow(t *testing.T) {
	g := NewTCPAGate(TCPAConfig{})

	res := g.Check(tcpaCleanContext(t, g, 14))
	assert.True(t, res.Allowed)

	// 22:30 local is outside 08:00-21:00
	res = g.Check(tcpaCleanContext(t, g, 22))
	assert.False(t, res.Allowed)
	require.NotEmpty(t, res.Violations)
	assert.Equal(t, "TCPA-001", res.Violations[0].Code)
}

func TestTCPADNCAndConsent(t *testing.T) {
	g := NewTCPAGate(TCPAConfig{})
	ctx := tcpaCleanContext(t, g, 14)

	g.AddToDNC(ctx.Phone)
	res := g.Check(ctx)
	assert.False(t, res.Allowed)
	assert.True(t, hasCode(res, "TCPA-003"))

	// unknown number: no consent
	ctx.Phone = "+15559990000"
	res = g.Check(ctx)
	assert.True(t, hasCode(res, "TCPA-004"))
}

func TestTCPADNCLookupCached(t *testing.T) {
	lookups := 0
	g := NewTCPAGate(TCPAConfig{DNCLookup: func(string) (bool, error) {
		lookups++
		return false, nil
	}})
	ctx := tcpaCleanContext(t, g, 14)

	g.Check(ctx)
	g.Check(ctx)
	assert.Equal(t, 1, lookups, "second check must hit the 24h cache")
}

func TestTCPADailyCap(t *testing.T) {
	g := NewTCPAGate(TCPAConfig{DailyCallCap: 2})
	ctx := tcpaCleanContext(t, g, 14)
	g.nowFn = func() time.Time { return ctx.Timestamp }

	g.RecordCall(ctx.Phone)
	g.RecordCall(ctx.Phone)
	res := g.Check(ctx)
	assert.True(t, hasCode(res, "TCPA-005"))
}

func TestCTIAOptOutAndStopKeyword(t *testing.T) {
	g := NewCTIAGate(CTIAConfig{SenderIDs: []string{"ACME"}})
	g.RecordOptIn("+15551230000")
	ctx := ctiaCleanContext("+15551230000")

	res := g.Check(ctx)
	assert.True(t, res.Allowed, "violations: %+v", res.Violations)

	assert.True(t, g.HandleInbound("+15551230000", " stop "))
	res = g.Check(ctx)
	assert.True(t, hasCode(res, "CTIA-001"))
}

func ctiaCleanContext(phone string) Context {
	loc, _ := time.LoadLocation("America/Chicago")
	return Context{
		Actor:     "agent-1",
		Action:    "send_sms",
		Phone:     phone,
		Timezone:  "America/Chicago",
		Timestamp: time.Date(2026, 3, 10, 14, 0, 0, 0, loc),
		Data: map[string]interface{}{
			"body":      "Your order shipped. Reply STOP to unsubscribe.",
			"sender_id": "ACME",
		},
	}
}

func TestCTIAProhibitedContentAndQuietHours(t *testing.T) {
	g := NewCTIAGate(CTIAConfig{SenderIDs: []string{"ACME"}})
	g.RecordOptIn("+15551230000")

	ctx := ctiaCleanContext("+15551230000")
	ctx.Data["body"] = "Best casino odds tonight! Reply STOP to opt out."
	res := g.Check(ctx)
	assert.True(t, hasCode(res, "CTIA-008"))

	ctx = ctiaCleanContext("+15551230000")
	loc, _ := time.LoadLocation("America/Chicago")
	ctx.Timestamp = time.Date(2026, 3, 10, 22, 30, 0, 0, loc)
	res = g.Check(ctx)
	assert.True(t, hasCode(res, "CTIA-005"))
}

func TestCTIARollingCaps(t *testing.T) {
	g := NewCTIAGate(CTIAConfig{DailyCap: 2, SenderIDs: []string{"ACME"}})
	g.RecordOptIn("+15551230000")
	g.RecordSend("+15551230000")
	g.RecordSend("+15551230000")

	ctx := ctiaCleanContext("+15551230000")
	ctx.Timestamp = time.Now()
	res := g.Check(ctx)
	assert.True(t, hasCode(res, "CTIA-004"))
}

func TestGDPRLawfulBasisAndConsent(t *testing.T) {
	g := NewGDPRGate(GDPRConfig{})

	ctx := Context{
		Actor: "svc", Action: "enrich_profile", Target: "subj-1",
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"lawful_basis": "vibes"},
	}
	res := g.Check(ctx)
	assert.True(t, hasCode(res, "GDPR-001"))

	ctx.Data["lawful_basis"] = "consent"
	ctx.Data["purpose"] = "marketing"
	res = g.Check(ctx)
	assert.True(t, hasCode(res, "GDPR-002"))

	g.RecordConsent(ConsentRecord{Subject: "subj-1", Purposes: []string{"marketing"}, Explicit: true, SubjectAge: 30})
	res = g.Check(ctx)
	assert.True(t, res.Allowed, "violations: %+v", res.Violations)
}

func TestGDPRPendingErasureBlocks(t *testing.T) {
	g := NewGDPRGate(GDPRConfig{})
	g.RecordConsent(ConsentRecord{Subject: "subj-1", Purposes: []string{"support"}, Explicit: true})
	g.OpenDSR(DSR{ID: "dsr-1", Subject: "subj-1", Kind: "erasure"})

	ctx := Context{
		Actor: "svc", Action: "lookup", Target: "subj-1", Timestamp: time.Now(),
		Data: map[string]interface{}{"lawful_basis": "consent", "purpose": "support"},
	}
	res := g.Check(ctx)
	assert.True(t, hasCode(res, "GDPR-003"))

	require.True(t, g.CloseDSR("subj-1", "dsr-1"))
	res = g.Check(ctx)
	assert.True(t, res.Allowed)
}

func TestGDPRCrossBorder(t *testing.T) {
	g := NewGDPRGate(GDPRConfig{BlockedCountries: []string{"XX"}})
	base := Context{
		Actor: "svc", Action: "export", Target: "subj-1", Timestamp: time.Now(),
		Data: map[string]interface{}{"lawful_basis": "contract"},
	}

	// EEA: fine
	ctx := base
	ctx.Country = "DE"
	assert.True(t, g.Check(ctx).Allowed)

	// adequacy: fine
	ctx.Country = "JP"
	assert.True(t, g.Check(ctx).Allowed)

	// other country without safeguards: denied
	ctx.Country = "US"
	assert.True(t, hasCode(g.Check(ctx), "GDPR-004"))

	// with SCC: allowed
	ctx.Data = map[string]interface{}{"lawful_basis": "contract", "scc": true}
	assert.True(t, g.Check(ctx).Allowed)

	// blocked country: denied regardless of safeguards
	ctx.Country = "XX"
	assert.True(t, hasCode(g.Check(ctx), "GDPR-004"))
}

func TestSOC2MFAAndLockout(t *testing.T) {
	g := NewSOC2Gate(SOC2Config{
		AuditLogEnabled:  true,
		SensitiveActions: []string{"delete_account"},
		MaxFailedLogins:  3,
	})

	ctx := Context{
		Actor: "ops-1", Action: "delete_account", Target: "acct-9",
		Timestamp: time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC),
		Data:      map[string]interface{}{"mfa_verified": false},
	}
	res := g.Check(ctx)
	assert.True(t, hasCode(res, "SOC2-002"))

	ctx.Data["mfa_verified"] = true
	res = g.Check(ctx)
	assert.True(t, res.Allowed, "violations: %+v", res.Violations)

	for i := 0; i < 3; i++ {
		g.RecordFailedLogin("ops-1")
	}
	res = g.Check(ctx)
	assert.True(t, hasCode(res, "SOC2-003"))
}

func TestSOC2ChangeManagement(t *testing.T) {
	g := NewSOC2Gate(SOC2Config{AuditLogEnabled: true})
	ctx := Context{
		Actor: "dev-1", Action: "deploy", Target: "svc",
		Timestamp: time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC),
		Data:      map[string]interface{}{"is_change": true, "change_approved": true, "change_documented": false},
	}
	res := g.Check(ctx)
	assert.True(t, hasCode(res, "SOC2-006"))
}

func TestHIPAAAuthorizationAndScope(t *testing.T) {
	g := NewHIPAAGate(HIPAAConfig{RequireBAA: true})
	base := Context{
		Actor: "dr-1", Action: "read_chart", Target: "patient-7",
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"fields":               []string{"diagnosis"},
			"encrypted_at_rest":    true,
			"encrypted_in_transit": true,
		},
	}

	res := g.Check(base)
	assert.True(t, hasCode(res, "HIPAA-001"))

	g.GrantAuthorization(Authorization{
		Actor: "dr-1", Patient: "patient-7",
		Scope:     []string{"diagnosis", "medications"},
		ExpiresAt: time.Now().Add(time.Hour),
	})
	res = g.Check(base)
	assert.True(t, res.Allowed, "violations: %+v", res.Violations)

	// out-of-scope field
	out := base
	out.Data = map[string]interface{}{
		"fields":               []string{"billing"},
		"encrypted_at_rest":    true,
		"encrypted_in_transit": true,
	}
	res = g.Check(out)
	assert.True(t, hasCode(res, "HIPAA-001"))
}

func TestHIPAAEncryptionAndBAA(t *testing.T) {
	g := NewHIPAAGate(HIPAAConfig{RequireBAA: true})
	g.GrantAuthorization(Authorization{
		Actor: "dr-1", Patient: "patient-7",
		Scope:     []string{"diagnosis"},
		ExpiresAt: time.Now().Add(time.Hour),
	})

	ctx := Context{
		Actor: "dr-1", Action: "share", Target: "patient-7", Timestamp: time.Now(),
		Data: map[string]interface{}{
			"fields":               []string{"diagnosis"},
			"encrypted_at_rest":    true,
			"encrypted_in_transit": false,
			"third_party":          "labs-inc",
		},
	}
	res := g.Check(ctx)
	assert.True(t, hasCode(res, "HIPAA-003"))
	assert.True(t, hasCode(res, "HIPAA-004"))

	g.RegisterBAA("labs-inc")
	ctx.Data["encrypted_in_transit"] = true
	res = g.Check(ctx)
	assert.True(t, res.Allowed, "violations: %+v", res.Violations)
}

func hasCode(res Result, code string) bool {
	for _, v := range res.Violations {
		if v.Code == code {
			return true
		}
	}
	return false
}
