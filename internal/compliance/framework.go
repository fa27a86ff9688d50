// Package compliance runs regulation gates (TCPA, CTIA, GDPR, SOC2, HIPAA)
// over outbound actions. The framework fails closed: a panicking gate denies
// with a critical GATE-ERROR violation, and every check is audited whether it
// passed or not.
package compliance

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Framework is the gate registry and dispatcher.
type Framework struct {
	mu     sync.RWMutex
	gates  map[string]Gate
	audit  AuditSink
	logger *log.Logger
	nowFn  func() time.Time
}

// NewFramework builds an empty registry. audit may be nil; a nil sink still
// logs every check through the package logger.
func NewFramework(audit AuditSink) *Framework {
	return &Framework{
		gates:  make(map[string]Gate),
		audit:  audit,
		logger: log.New(log.Writer(), "[COMPLIANCE] ", log.LstdFlags),
		nowFn:  time.Now,
	}
}

// Register installs a gate, replacing any prior gate with the same id.
func (f *Framework) Register(g Gate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gates[g.ID()] = g
}

// Gates returns the registered gates sorted by priority descending, id
// ascending.
func (f *Framework) Gates() []Gate {
	f.mu.RLock()
	out := make([]Gate, 0, len(f.gates))
	for _, g := range f.gates {
		out = append(out, g)
	}
	f.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority() != out[j].Priority() {
			return out[i].Priority() > out[j].Priority()
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}

// Check runs a single gate by id, with panic containment and auditing.
func (f *Framework) Check(gateID string, ctx Context) (Result, error) {
	f.mu.RLock()
	g, ok := f.gates[gateID]
	f.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("compliance: unknown gate %s", gateID)
	}
	return f.runGate(g, ctx), nil
}

// CheckAll runs every applicable gate in priority order. With regulations
// given, only gates tagged with one of them run. Any gate panic denies the
// whole report.
func (f *Framework) CheckAll(ctx Context, regulations ...string) *Report {
	want := make(map[string]bool, len(regulations))
	for _, r := range regulations {
		want[r] = true
	}

	report := &Report{OverallAllowed: true}
	for _, g := range f.Gates() {
		if len(want) > 0 && !want[g.Regulation()] {
			continue
		}
		res := f.runGate(g, ctx)
		report.Results = append(report.Results, res)
		report.Summary.GatesRun++
		report.Summary.TotalViolations += len(res.Violations)
		if res.Allowed {
			report.Summary.GatesPassed++
		} else {
			report.Summary.GatesFailed++
			report.OverallAllowed = false
		}
		report.Summary.Regulations = appendUnique(report.Summary.Regulations, g.Regulation())
	}
	return report
}

// runGate executes one gate with panic recovery and writes the audit entry.
func (f *Framework) runGate(g Gate, ctx Context) (res Result) {
	start := f.nowFn()
	if ctx.Timestamp.IsZero() {
		ctx.Timestamp = start
	}

	defer func() {
		if r := recover(); r != nil {
			// Fail closed: a broken gate must never wave an action through.
			res = Result{
				GateID:     g.ID(),
				Regulation: g.Regulation(),
				Allowed:    false,
				Violations: []Violation{{
					Code:        "GATE-ERROR",
					Regulation:  g.Regulation(),
					Severity:    SeverityCritical,
					Description: fmt.Sprintf("gate %s panicked: %v", g.ID(), r),
					Timestamp:   f.nowFn(),
				}},
				Remediation: []string{"investigate gate implementation error"},
			}
			f.logger.Printf("gate %s panicked, failing closed: %v", g.ID(), r)
			f.finish(g, ctx, &res, start)
		}
	}()

	res = g.Check(ctx)
	res.GateID = g.ID()
	res.Regulation = g.Regulation()
	f.finish(g, ctx, &res, start)
	return res
}

func (f *Framework) finish(g Gate, ctx Context, res *Result, start time.Time) {
	res.DurationMs = f.nowFn().Sub(start).Milliseconds()
	res.AuditID = uuid.NewString()

	entry := AuditEntry{
		ID:         res.AuditID,
		GateID:     g.ID(),
		Regulation: g.Regulation(),
		Actor:      ctx.Actor,
		Action:     ctx.Action,
		Target:     ctx.Target,
		Allowed:    res.Allowed,
		Violations: res.Violations,
		Timestamp:  f.nowFn(),
	}
	if f.audit != nil {
		if err := f.audit.Record(entry); err != nil {
			// An unauditable allow is downgraded to a deny; an unauditable
			// deny stays denied.
			f.logger.Printf("audit write failed for gate %s: %v", g.ID(), err)
			if res.Allowed {
				res.Allowed = false
				res.Violations = append(res.Violations, Violation{
					Code:        "AUDIT-FAIL",
					Regulation:  g.Regulation(),
					Severity:    SeverityCritical,
					Description: "compliance audit log unavailable",
					Timestamp:   f.nowFn(),
				})
			}
		}
	} else {
		f.logger.Printf("gate=%s actor=%s action=%s allowed=%t violations=%d",
			g.ID(), ctx.Actor, ctx.Action, res.Allowed, len(res.Violations))
	}
}

func appendUnique(list []string, v string) []string {
	for _, item := range list {
		if item == v {
			return list
		}
	}
	return append(list, v)
}

// MemoryAuditSink collects entries in memory, for tests and single-node use.
type MemoryAuditSink struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func NewMemoryAuditSink() *MemoryAuditSink { return &MemoryAuditSink{} }

func (s *MemoryAuditSink) Record(entry AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

// Entries returns a copy of everything recorded so far.
func (s *MemoryAuditSink) Entries() []AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditEntry, len(s.entries))
	copy(out, s.entries)
	return out
}
