package taskrouter

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/ocx/runtime/internal/core"
)

// CancellationToken is a one-shot cooperative cancel signal shared between a
// run and its in-flight steps.
type CancellationToken struct {
	once sync.Once
	ch   chan struct{}
}

func NewCancellationToken() *CancellationToken {
	return &CancellationToken{ch: make(chan struct{})}
}

// Cancel fires the token; later calls are no-ops.
func (t *CancellationToken) Cancel() {
	t.once.Do(func() { close(t.ch) })
}

func (t *CancellationToken) Cancelled() bool {
	select {
	case <-t.ch:
		return true
	default:
		return false
	}
}

// Done exposes the signal for select loops.
func (t *CancellationToken) Done() <-chan struct{} { return t.ch }

// Backoff grows the poll interval exponentially:
// min(initial * multiplier^(attempt-1), max).
type Backoff struct {
	InitialMs  int64   `json:"initial_ms" yaml:"initial_ms"`
	MaxMs      int64   `json:"max_ms" yaml:"max_ms"`
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`
}

// Interval returns the wait before poll attempt+1. Attempts count from 1.
func (b Backoff) Interval(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := b.Multiplier
	if mult <= 0 {
		mult = 1
	}
	ms := float64(b.InitialMs) * math.Pow(mult, float64(attempt-1))
	if b.MaxMs > 0 && ms > float64(b.MaxMs) {
		ms = float64(b.MaxMs)
	}
	return time.Duration(ms) * time.Millisecond
}

const (
	defaultPollInterval = time.Second
	defaultPollTimeout  = 5 * time.Minute
	// cancelCheckChunk bounds how long a sleeping poller can miss a cancel.
	cancelCheckChunk = 100 * time.Millisecond
)

// Poll outcomes.
const (
	PollSuccess   = "success"
	PollTimeout   = "timeout"
	PollCancelled = "cancelled"
	PollError     = "error"
)

// PollConfig controls one polling session.
type PollConfig struct {
	Interval time.Duration
	Timeout  time.Duration
	Backoff  *Backoff
	Token    *CancellationToken
	// OnPoll runs after each attempt, before the interval wait.
	OnPoll func(attempt int, elapsed, interval time.Duration)
}

// PollMetrics records what one polling session did.
type PollMetrics struct {
	Attempts    int     `json:"attempts"`
	Outcome     string  `json:"outcome"`
	TotalMs     int64   `json:"total_ms"`
	IntervalsMs []int64 `json:"intervals_ms,omitempty"`
	AttemptsMs  []int64 `json:"attempts_ms,omitempty"`
}

// Poll calls check until it returns true, the timeout elapses, the context or
// token cancels, or check errors. The metrics record is returned for every
// outcome.
func Poll(ctx context.Context, cfg PollConfig, check func() (bool, error)) (*PollMetrics, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultPollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultPollTimeout
	}

	start := time.Now()
	deadline := start.Add(cfg.Timeout)
	metrics := &PollMetrics{}

	for attempt := 1; ; attempt++ {
		metrics.Attempts = attempt

		attemptStart := time.Now()
		ok, err := check()
		attemptMs := time.Since(attemptStart).Milliseconds()
		metrics.AttemptsMs = append(metrics.AttemptsMs, attemptMs)
		recordPollAttempt(time.Since(attemptStart))

		if err != nil {
			metrics.Outcome = PollError
			metrics.TotalMs = time.Since(start).Milliseconds()
			return metrics, core.Wrap(core.KindInternal, err, "poll attempt %d failed", attempt)
		}
		if ok {
			metrics.Outcome = PollSuccess
			metrics.TotalMs = time.Since(start).Milliseconds()
			return metrics, nil
		}

		interval := cfg.Interval
		if cfg.Backoff != nil {
			interval = cfg.Backoff.Interval(attempt)
		}
		if time.Now().Add(interval).After(deadline) {
			// wait out the remaining budget so a condition flipping right at
			// the deadline still loses deterministically
			interval = time.Until(deadline)
		}
		metrics.IntervalsMs = append(metrics.IntervalsMs, interval.Milliseconds())
		if cfg.OnPoll != nil {
			cfg.OnPoll(attempt, time.Since(start), interval)
		}
		if interval <= 0 {
			metrics.Outcome = PollTimeout
			metrics.TotalMs = time.Since(start).Milliseconds()
			return metrics, core.Errorf(core.KindTimeout, "polling timeout after %s", cfg.Timeout).
				WithDetail("code", "POLLING_TIMEOUT").
				WithDetail("attempts", attempt)
		}

		if err := interruptibleSleep(ctx, cfg.Token, interval); err != nil {
			metrics.Outcome = PollCancelled
			metrics.TotalMs = time.Since(start).Milliseconds()
			return metrics, err
		}
		if time.Now().After(deadline) {
			metrics.Outcome = PollTimeout
			metrics.TotalMs = time.Since(start).Milliseconds()
			return metrics, core.Errorf(core.KindTimeout, "polling timeout after %s", cfg.Timeout).
				WithDetail("code", "POLLING_TIMEOUT").
				WithDetail("attempts", attempt)
		}
	}
}

// interruptibleSleep waits d in short chunks, returning a typed cancellation
// error as soon as the context or token fires.
func interruptibleSleep(ctx context.Context, token *CancellationToken, d time.Duration) error {
	var tokenDone <-chan struct{}
	if token != nil {
		tokenDone = token.Done()
	}
	remaining := d
	for remaining > 0 {
		chunk := remaining
		if chunk > cancelCheckChunk {
			chunk = cancelCheckChunk
		}
		timer := time.NewTimer(chunk)
		select {
		case <-ctx.Done():
			timer.Stop()
			return core.Wrap(core.KindCancelled, ctx.Err(), "polling cancelled").
				WithDetail("code", "POLLING_CANCELLED")
		case <-tokenDone:
			timer.Stop()
			return core.Errorf(core.KindCancelled, "polling cancelled").
				WithDetail("code", "POLLING_CANCELLED")
		case <-timer.C:
		}
		remaining -= chunk
	}
	return nil
}
