// Package circuitbreaker sheds load from failing collaborators: a breaker
// trips open after repeated failures, rejects calls while open, and probes
// with a bounded number of half-open requests before closing again.
package circuitbreaker

import (
	"log"
	"sync"
	"time"

	"github.com/ocx/runtime/internal/core"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes one breaker.
type Config struct {
	Name string
	// MaxProbes bounds concurrent half-open requests. Default 3.
	MaxProbes uint32
	// Interval resets the closed-state counts. Default 60s.
	Interval time.Duration
	// Cooldown is how long the breaker stays open before probing. Default 30s.
	Cooldown time.Duration
	// ShouldTrip decides, after each closed-state failure, whether to open.
	// Default: five or more requests with a failure ratio above one half.
	ShouldTrip func(Counts) bool
	// OnStateChange observes transitions.
	OnStateChange func(name string, from, to State)
}

// Counts accumulates request outcomes within one generation.
type Counts struct {
	Requests             uint32
	Successes            uint32
	Failures             uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c Counts) FailureRatio() float64 {
	if c.Requests == 0 {
		return 0
	}
	return float64(c.Failures) / float64(c.Requests)
}

func defaultShouldTrip(c Counts) bool {
	return c.Requests >= 5 && c.FailureRatio() > 0.5
}

// Breaker is one named circuit.
type Breaker struct {
	cfg Config

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time

	logger *log.Logger
	nowFn  func() time.Time
}

func New(cfg Config) *Breaker {
	if cfg.MaxProbes == 0 {
		cfg.MaxProbes = 3
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.ShouldTrip == nil {
		cfg.ShouldTrip = defaultShouldTrip
	}
	b := &Breaker{
		cfg:    cfg,
		logger: log.New(log.Writer(), "[BREAKER] ", log.LstdFlags),
		nowFn:  time.Now,
	}
	b.toNewGeneration(b.nowFn())
	return b
}

func (b *Breaker) Name() string { return b.cfg.Name }

// State reports the current state, advancing open to half-open when the
// cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.currentState(b.nowFn())
	return state
}

// Counts returns a copy of the current generation's counters.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Execute runs fn under the breaker. Rejections carry the retryable TIMEOUT
// kind with a CIRCUIT_OPEN code, so step retry and on_error routing apply.
func (b *Breaker) Execute(fn func() error) error {
	generation, err := b.before()
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			b.after(generation, false)
			panic(r)
		}
	}()
	fnErr := fn()
	b.after(generation, fnErr == nil)
	return fnErr
}

func (b *Breaker) before() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFn()
	state, generation := b.currentState(now)

	switch {
	case state == StateOpen:
		return generation, core.Errorf(core.KindTimeout, "circuit %q is open", b.cfg.Name).
			WithDetail("code", "CIRCUIT_OPEN").
			WithDetail("retry_after_ms", b.expiry.Sub(now).Milliseconds())
	case state == StateHalfOpen && b.counts.Requests >= b.cfg.MaxProbes:
		return generation, core.Errorf(core.KindTimeout, "circuit %q is probing", b.cfg.Name).
			WithDetail("code", "CIRCUIT_OPEN")
	}

	b.counts.Requests++
	return generation, nil
}

func (b *Breaker) after(generation uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFn()
	state, current := b.currentState(now)
	if generation != current {
		return
	}

	if success {
		b.counts.Successes++
		b.counts.ConsecutiveSuccesses++
		b.counts.ConsecutiveFailures = 0
		if state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.cfg.MaxProbes {
			b.setState(StateClosed, now)
		}
		return
	}

	b.counts.Failures++
	b.counts.ConsecutiveFailures++
	b.counts.ConsecutiveSuccesses = 0
	switch state {
	case StateClosed:
		if b.cfg.ShouldTrip(b.counts) {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

// currentState advances open breakers whose cooldown elapsed. Caller holds mu.
func (b *Breaker) currentState(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.toNewGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	from := b.state
	b.state = state
	b.toNewGeneration(now)
	b.logger.Printf("circuit %q: %s -> %s", b.cfg.Name, from, state)
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, state)
	}
}

func (b *Breaker) toNewGeneration(now time.Time) {
	b.generation++
	b.counts = Counts{}
	switch b.state {
	case StateClosed:
		b.expiry = now.Add(b.cfg.Interval)
	case StateOpen:
		b.expiry = now.Add(b.cfg.Cooldown)
	default:
		b.expiry = time.Time{}
	}
}

// Manager holds one breaker per collaborator name.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	template Config
}

// NewManager builds a registry whose breakers copy the template config.
func NewManager(template Config) *Manager {
	return &Manager{
		breakers: make(map[string]*Breaker),
		template: template,
	}
}

// Get returns the breaker for name, creating it on first use.
func (m *Manager) Get(name string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[name]; ok {
		return b
	}
	cfg := m.template
	cfg.Name = name
	b = New(cfg)
	m.breakers[name] = b
	return b
}

// States snapshots every breaker's state for the health endpoint.
func (m *Manager) States() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.breakers))
	for name, b := range m.breakers {
		out[name] = b.State().String()
	}
	return out
}
