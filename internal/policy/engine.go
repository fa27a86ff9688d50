// Package policy evaluates gate, killswitch, and rate-limit policies against
// request contexts. Evaluation is deterministic: applicable policies run in
// descending priority order with ties broken by id.
package policy

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/ocx/runtime/internal/condition"
	"github.com/ocx/runtime/internal/core"
)

// Config tunes the engine.
type Config struct {
	CacheEnabled bool
	CacheTTL     time.Duration // positive gate results only; default 5s
	// OnViolation fires once per failing result, after the decision for that
	// policy is known and before Evaluate returns.
	OnViolation func(Context, Result)
}

// Engine holds the policy set plus the mutable evaluation state: killswitch
// latches and rate-limit buckets.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*Policy

	latchMu sync.Mutex
	latched map[string]latchState

	bucketMu sync.Mutex
	buckets  map[string]*rateBucket

	cache  *resultCache
	expr   *condition.ExprEvaluator
	cfg    Config
	logger *log.Logger
	nowFn  func() time.Time
}

type latchState struct {
	Trigger string
	At      time.Time
}

// rateBucket tracks one (policy, resource, actor) scope. Each configured
// window keeps its own start and count.
type rateBucket struct {
	starts []time.Time
	counts []int
}

// NewEngine builds an engine with no policies loaded.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 5 * time.Second
	}
	expr, err := condition.NewExprEvaluator()
	if err != nil {
		return nil, err
	}
	return &Engine{
		policies: make(map[string]*Policy),
		latched:  make(map[string]latchState),
		buckets:  make(map[string]*rateBucket),
		cache:    newResultCache(cfg.CacheTTL),
		expr:     expr,
		cfg:      cfg,
		logger:   log.New(log.Writer(), "[POLICY] ", log.LstdFlags),
		nowFn:    time.Now,
	}, nil
}

// SetPolicy adds or replaces a policy.
func (e *Engine) SetPolicy(p Policy) error {
	if err := validatePolicy(&p); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = e.nowFn()
	}
	p.UpdatedAt = e.nowFn()
	e.policies[p.ID] = &p
	return nil
}

// RemovePolicy drops a policy. Latch and bucket state for it is discarded.
func (e *Engine) RemovePolicy(id string) {
	e.mu.Lock()
	delete(e.policies, id)
	e.mu.Unlock()

	e.latchMu.Lock()
	delete(e.latched, id)
	e.latchMu.Unlock()
}

// GetPolicy returns a copy.
func (e *Engine) GetPolicy(id string) (*Policy, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.policies[id]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

// ListPolicies returns all policies sorted by priority descending, id
// ascending.
func (e *Engine) ListPolicies() []*Policy {
	e.mu.RLock()
	out := make([]*Policy, 0, len(e.policies))
	for _, p := range e.policies {
		cp := *p
		out = append(out, &cp)
	}
	e.mu.RUnlock()
	sortPolicies(out)
	return out
}

// Evaluate runs every applicable policy against the context and composes the
// overall action: deny on any critical failure, allow when everything
// passed, warn otherwise.
func (e *Engine) Evaluate(pctx Context) *Decision {
	start := e.nowFn()
	if pctx.Timestamp.IsZero() {
		pctx.Timestamp = start
	}

	applicable := e.applicable(pctx)
	data := evalData(pctx)

	decision := &Decision{OverallAction: ActionAllow}
	for _, p := range applicable {
		var res Result
		switch p.Kind {
		case KindGate:
			res = e.evalGate(p, pctx, data)
		case KindKillswitch:
			res = e.evalKillswitch(p, data)
		case KindRateLimit:
			res = e.evalRateLimit(p, pctx)
		}
		decision.Results = append(decision.Results, res)
		if !res.Passed {
			if res.Severity == SeverityCritical {
				decision.CriticalFailures = append(decision.CriticalFailures, res)
			}
			recordViolation(p.Kind, res.Severity)
			if e.cfg.OnViolation != nil {
				e.cfg.OnViolation(pctx, res)
			}
		}
	}

	failed := false
	for _, r := range decision.Results {
		if !r.Passed {
			failed = true
			break
		}
	}
	switch {
	case len(decision.CriticalFailures) > 0:
		decision.OverallAction = ActionDeny
	case failed:
		decision.OverallAction = ActionWarn
	}

	decision.TotalDurationMs = e.nowFn().Sub(start).Milliseconds()
	recordEvaluation(decision.OverallAction, e.nowFn().Sub(start))
	return decision
}

// applicable snapshots the active policies matching the context, sorted.
func (e *Engine) applicable(pctx Context) []*Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Policy, 0, len(e.policies))
	for _, p := range e.policies {
		if p.Status != StatusActive {
			continue
		}
		switch p.Kind {
		case KindGate:
			if p.Gate.Zone != "" && p.Gate.Zone != "all" && p.Gate.Zone != pctx.Zone {
				continue
			}
		case KindKillswitch:
			if p.Killswitch.Target != "" && p.Killswitch.Target != pctx.Resource {
				continue
			}
		case KindRateLimit:
			if p.RateLimit.Resource != "" && p.RateLimit.Resource != "*" && p.RateLimit.Resource != pctx.Resource {
				continue
			}
		}
		out = append(out, p)
	}
	sortPolicies(out)
	return out
}

func sortPolicies(ps []*Policy) {
	sort.SliceStable(ps, func(i, j int) bool {
		if ps[i].Priority != ps[j].Priority {
			return ps[i].Priority > ps[j].Priority
		}
		return ps[i].ID < ps[j].ID
	})
}

// evalData is the map condition fields resolve against.
func evalData(pctx Context) map[string]interface{} {
	data := map[string]interface{}{
		"request": map[string]interface{}{
			"actor":       pctx.Actor,
			"action":      pctx.Action,
			"resource":    pctx.Resource,
			"zone":        pctx.Zone,
			"environment": pctx.Environment,
		},
		"actor":       pctx.Actor,
		"zone":        pctx.Zone,
		"environment": pctx.Environment,
		"timestamp":   pctx.Timestamp.Format(time.RFC3339),
	}
	for k, v := range pctx.Data {
		data[k] = v
	}
	return data
}

func (e *Engine) evalGate(p *Policy, pctx Context, data map[string]interface{}) Result {
	start := e.nowFn()
	cacheKey := ""
	if e.cfg.CacheEnabled {
		cacheKey = gateCacheKey(p, pctx)
		if hit, ok := e.cache.get(cacheKey); ok {
			hit.Cached = true
			return hit
		}
	}

	res := Result{PolicyID: p.ID, PolicyName: p.Name, Kind: KindGate, Passed: true, Action: ActionAllow}
	for _, check := range p.Gate.Checks {
		held, err := e.holds(check.Condition, check.Group, check.Expression, data)
		if err != nil {
			e.logger.Printf("gate %s check %s errored: %v", p.ID, check.Name, err)
			held = false
		}
		if held {
			continue
		}
		sev := check.Severity
		if sev == "" {
			sev = SeverityError
		}
		if sev == SeverityCritical || sev == SeverityError {
			res.Passed = false
			res.Severity = maxSeverity(res.Severity, sev)
			res.CheckName = check.Name
			res.Message = checkMessage(check)
			res.Action = ActionWarn
			if sev == SeverityCritical {
				res.Action = ActionDeny
			}
			if check.Blocking && sev == SeverityCritical {
				break
			}
		}
	}
	res.DurationMs = e.nowFn().Sub(start).Milliseconds()

	if e.cfg.CacheEnabled && res.Passed {
		e.cache.put(cacheKey, res)
	}
	return res
}

func (e *Engine) evalKillswitch(p *Policy, data map[string]interface{}) Result {
	start := e.nowFn()
	res := Result{PolicyID: p.ID, PolicyName: p.Name, Kind: KindKillswitch, Passed: true, Action: ActionAllow}

	e.latchMu.Lock()
	defer e.latchMu.Unlock()

	if state, ok := e.latched[p.ID]; ok {
		res.Passed = false
		res.Action = ActionDeny
		res.Severity = SeverityCritical
		res.Message = "killswitch latched by trigger " + state.Trigger
		res.DurationMs = e.nowFn().Sub(start).Milliseconds()
		return res
	}

	for _, trig := range p.Killswitch.Triggers {
		held, err := e.holds(trig.Condition, trig.Group, trig.Expression, data)
		if err != nil {
			e.logger.Printf("killswitch %s trigger %s errored: %v", p.ID, trig.Name, err)
			continue
		}
		if held {
			e.latched[p.ID] = latchState{Trigger: trig.Name, At: e.nowFn()}
			e.logger.Printf("killswitch %s latched by trigger %s", p.ID, trig.Name)
			res.Passed = false
			res.Action = ActionDeny
			res.Severity = SeverityCritical
			res.CheckName = trig.Name
			res.Message = "killswitch triggered: " + trig.Name
			break
		}
	}
	res.DurationMs = e.nowFn().Sub(start).Milliseconds()
	return res
}

func (e *Engine) evalRateLimit(p *Policy, pctx Context) Result {
	start := e.nowFn()
	res := Result{PolicyID: p.ID, PolicyName: p.Name, Kind: KindRateLimit, Passed: true, Action: ActionAllow}

	actor := pctx.Actor
	if actor == "" {
		actor = "anonymous"
	}
	key := p.ID + "|" + pctx.Resource + "|" + actor

	e.bucketMu.Lock()
	defer e.bucketMu.Unlock()

	b, ok := e.buckets[key]
	if !ok {
		b = &rateBucket{
			starts: make([]time.Time, len(p.RateLimit.Windows)),
			counts: make([]int, len(p.RateLimit.Windows)),
		}
		now := e.nowFn()
		for i := range b.starts {
			b.starts[i] = now
		}
		e.buckets[key] = b
	}

	now := e.nowFn()
	for i, w := range p.RateLimit.Windows {
		if now.Sub(b.starts[i]) >= w.Duration {
			b.starts[i] = now
			b.counts[i] = 0
		}
		if b.counts[i] >= w.MaxRequests {
			res.Passed = false
			res.Action = ActionDeny
			res.Severity = SeverityCritical
			res.Retryable = true
			res.RetryAfter = b.starts[i].Add(w.Duration).Sub(now)
			res.Message = "rate limit exceeded"
			res.DurationMs = e.nowFn().Sub(start).Milliseconds()
			return res
		}
	}
	for i := range b.counts {
		b.counts[i]++
	}
	res.DurationMs = e.nowFn().Sub(start).Milliseconds()
	return res
}

// holds evaluates whichever requirement form the check carries. A check with
// no requirement holds vacuously.
func (e *Engine) holds(c *condition.Condition, g *condition.Group, expression string, data map[string]interface{}) (bool, error) {
	switch {
	case expression != "":
		return e.expr.Evaluate(expression, data)
	case g != nil:
		return condition.EvaluateGroup(*g, data)
	case c != nil:
		return condition.Evaluate(*c, data)
	default:
		return true, nil
	}
}

// EvaluateGate runs a single gate policy against a context without
// registering it. Quality gates use this for their condition-based checks.
func (e *Engine) EvaluateGate(p Policy, pctx Context) (Result, error) {
	if p.Kind != KindGate || p.Gate == nil {
		return Result{}, core.Errorf(core.KindValidation, "policy %s is not a gate", p.ID)
	}
	if pctx.Timestamp.IsZero() {
		pctx.Timestamp = e.nowFn()
	}
	return e.evalGate(&p, pctx, evalData(pctx)), nil
}

// TripKillswitch latches a killswitch by operator action rather than by one
// of its triggers.
func (e *Engine) TripKillswitch(id, reason string) error {
	p, ok := e.GetPolicy(id)
	if !ok {
		return core.Errorf(core.KindValidation, "unknown policy %q", id)
	}
	if p.Kind != KindKillswitch {
		return core.Errorf(core.KindValidation, "policy %s is not a killswitch", id)
	}
	if reason == "" {
		reason = "manual"
	}
	e.latchMu.Lock()
	defer e.latchMu.Unlock()
	if _, already := e.latched[id]; already {
		return nil
	}
	e.latched[id] = latchState{Trigger: reason, At: e.nowFn()}
	e.logger.Printf("killswitch %s latched manually: %s", id, reason)
	return nil
}

// LatchInfo describes one latched killswitch.
type LatchInfo struct {
	PolicyID string    `json:"policy_id"`
	Trigger  string    `json:"trigger"`
	At       time.Time `json:"at"`
}

// LatchedSwitches lists every latched killswitch.
func (e *Engine) LatchedSwitches() []LatchInfo {
	e.latchMu.Lock()
	defer e.latchMu.Unlock()
	out := make([]LatchInfo, 0, len(e.latched))
	for id, st := range e.latched {
		out = append(out, LatchInfo{PolicyID: id, Trigger: st.Trigger, At: st.At})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PolicyID < out[j].PolicyID })
	return out
}

// ResetKillswitch clears the latch. Returns false when it was not latched.
func (e *Engine) ResetKillswitch(id string) bool {
	e.latchMu.Lock()
	defer e.latchMu.Unlock()
	if _, ok := e.latched[id]; !ok {
		return false
	}
	delete(e.latched, id)
	e.logger.Printf("killswitch %s reset", id)
	return true
}

// IsLatched reports whether a killswitch is currently latched.
func (e *Engine) IsLatched(id string) bool {
	e.latchMu.Lock()
	defer e.latchMu.Unlock()
	_, ok := e.latched[id]
	return ok
}

func gateCacheKey(p *Policy, pctx Context) string {
	sum, err := core.Checksum(map[string]interface{}{
		"actor":       pctx.Actor,
		"action":      pctx.Action,
		"resource":    pctx.Resource,
		"zone":        pctx.Zone,
		"environment": pctx.Environment,
		"data":        pctx.Data,
	})
	if err != nil {
		return ""
	}
	return p.ID + "|" + sum
}

func maxSeverity(a, b Severity) Severity {
	rank := map[Severity]int{SeverityInfo: 0, SeverityWarning: 1, SeverityError: 2, SeverityCritical: 3}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

func checkMessage(c Check) string {
	if c.Message != "" {
		return c.Message
	}
	return "check failed: " + c.Name
}

func validatePolicy(p *Policy) error {
	if p.ID == "" {
		return core.Errorf(core.KindValidation, "policy id is required")
	}
	if p.Status == "" {
		p.Status = StatusActive
	}
	switch p.Kind {
	case KindGate:
		if p.Gate == nil {
			return core.Errorf(core.KindValidation, "policy %s: gate spec missing", p.ID)
		}
	case KindKillswitch:
		if p.Killswitch == nil {
			return core.Errorf(core.KindValidation, "policy %s: killswitch spec missing", p.ID)
		}
	case KindRateLimit:
		if p.RateLimit == nil || len(p.RateLimit.Windows) == 0 {
			return core.Errorf(core.KindValidation, "policy %s: rate limit windows missing", p.ID)
		}
	default:
		return core.Errorf(core.KindValidation, "policy %s: unknown kind %q", p.ID, p.Kind)
	}
	return nil
}
