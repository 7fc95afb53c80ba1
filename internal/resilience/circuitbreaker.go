// Package resilience bounds retry loops around fallible operations.
//
// The central type is [CircuitBreaker], a three-state breaker
// (closed → open → half-open) that converts a string of consecutive
// failures into a single hard stop. The recognition layer wraps each
// recognizer restart attempt in one, so a backend that keeps dropping the
// stream ends the session with one clear error instead of an infinite
// restart storm.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker
// has tripped and the cooldown period has not yet elapsed. Callers treat it
// as "the failure budget is exhausted": stop retrying and escalate.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state; attempts are forwarded.
	StateClosed State = iota

	// StateOpen means the consecutive-failure budget is exhausted. Attempts
	// are rejected immediately with [ErrCircuitOpen] until the cooldown
	// elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the cooldown. A limited
	// number of attempts are allowed through; if they succeed the breaker
	// closes, otherwise it re-opens.
	StateHalfOpen
)

// String returns the human-readable name of the state.
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

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name is a human-readable label used in log messages, typically the
	// user or stream the breaker guards.
	Name string

	// MaxConsecutiveFailures is the number of consecutive failed attempts in
	// the closed state before the breaker trips. Default: 3.
	MaxConsecutiveFailures int

	// Cooldown is how long the breaker stays open before allowing probe
	// attempts. Default: 30s.
	Cooldown time.Duration

	// ProbeBudget is the number of probe attempts allowed in the half-open
	// state before the breaker decides whether to close or re-open.
	// Default: 1.
	ProbeBudget int
}

// CircuitBreaker counts consecutive failures of an operation and trips after
// a configured budget. It is safe for concurrent use.
type CircuitBreaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration
	probeBudget int

	mu              sync.Mutex
	state           State
	consecutiveFail int
	lastFailure     time.Time
	probeCalls      int
	probeFails      int
}

// NewCircuitBreaker creates a [CircuitBreaker] with the supplied
// configuration. Zero-value config fields are replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.ProbeBudget <= 0 {
		cfg.ProbeBudget = 1
	}
	return &CircuitBreaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxConsecutiveFailures,
		cooldown:    cfg.Cooldown,
		probeBudget: cfg.ProbeBudget,
		state:       StateClosed,
	}
}

// Execute runs fn if the breaker allows the attempt. In the open state it
// returns [ErrCircuitOpen] without calling fn. In the half-open state a
// limited number of probe attempts are permitted.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailure) >= cb.cooldown {
			cb.state = StateHalfOpen
			cb.probeCalls = 0
			cb.probeFails = 0
			slog.Info("circuit breaker transitioning to half-open",
				"name", cb.name)
		} else {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}

	case StateHalfOpen:
		if cb.probeCalls >= cb.probeBudget {
			// Probe budget already spent; stay open.
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
	}

	inProbe := cb.state == StateHalfOpen
	if inProbe {
		cb.probeCalls++
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.recordFailure(inProbe)
	} else {
		cb.recordSuccess(inProbe)
	}
	return err
}

// recordFailure handles failure accounting. Must be called with cb.mu held.
func (cb *CircuitBreaker) recordFailure(inProbe bool) {
	cb.lastFailure = time.Now()

	if inProbe {
		cb.probeFails++
		// Any probe failure immediately re-opens.
		cb.state = StateOpen
		cb.consecutiveFail = cb.maxFailures
		slog.Warn("circuit breaker re-opened from half-open",
			"name", cb.name)
		return
	}

	cb.consecutiveFail++
	if cb.consecutiveFail >= cb.maxFailures {
		cb.state = StateOpen
		slog.Warn("circuit breaker opened",
			"name", cb.name,
			"consecutive_failures", cb.consecutiveFail)
	}
}

// recordSuccess handles success accounting. Must be called with cb.mu held.
func (cb *CircuitBreaker) recordSuccess(inProbe bool) {
	if inProbe {
		successes := cb.probeCalls - cb.probeFails
		if successes >= cb.probeBudget {
			cb.state = StateClosed
			cb.consecutiveFail = 0
			cb.probeCalls = 0
			cb.probeFails = 0
			slog.Info("circuit breaker closed after successful probes",
				"name", cb.name)
		}
		return
	}

	cb.consecutiveFail = 0
}

// State returns the current [State] of the breaker. If the breaker is open
// and the cooldown has elapsed, the returned state is [StateHalfOpen] (the
// actual transition happens on the next [Execute] call).
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && time.Since(cb.lastFailure) >= cb.cooldown {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to [StateClosed], clearing all failure
// counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.consecutiveFail = 0
	cb.probeCalls = 0
	cb.probeFails = 0
	slog.Info("circuit breaker manually reset", "name", cb.name)
}
