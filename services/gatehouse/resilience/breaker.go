// Package resilience provides the failure-isolation primitives used around
// downstream calls: a keyed circuit breaker, a bounded-retry executor with
// exponential backoff, and a sliding-window rate limiter.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while a breaker is failing fast.
var ErrCircuitOpen = errors.New("circuit open")

// CircuitState represents the current state of a circuit breaker.
type CircuitState int32

const (
	// StateClosed allows all requests through (normal operation).
	StateClosed CircuitState = iota

	// StateOpen fails fast without calling the operation.
	StateOpen

	// StateHalfOpen allows limited trial requests to probe recovery.
	StateHalfOpen
)

// String returns a human-readable state name.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig configures circuit breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker from CLOSED to OPEN.
	FailureThreshold int

	// ResetTimeout is how long the breaker stays OPEN before permitting
	// a trial call.
	ResetTimeout time.Duration

	// HalfOpenMaxCalls bounds concurrent trial calls in HALF_OPEN, and is
	// also the number of consecutive trial successes required to close.
	HalfOpenMaxCalls int

	// OnStateChange is invoked (in its own goroutine) on every transition.
	OnStateChange func(name string, from, to CircuitState)
}

// DefaultBreakerConfig returns production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		HalfOpenMaxCalls: 2,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	def := DefaultBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = def.ResetTimeout
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	return c
}

// BreakerCounts is a point-in-time snapshot for status reporting.
type BreakerCounts struct {
	State               CircuitState `json:"state"`
	ConsecutiveFailures int          `json:"consecutiveFailures"`
	LastFailureTime     time.Time    `json:"lastFailureTime"`
	HalfOpenTrials      int          `json:"halfOpenTrials"`
	HalfOpenSuccesses   int          `json:"halfOpenSuccesses"`
}

// CircuitBreaker guards one named operation.
//
// Transitions are total and deterministic given (state, event, elapsed):
// CLOSED counts consecutive failures and trips at the threshold; OPEN
// fails fast until ResetTimeout elapses, then the next call becomes a
// HALF_OPEN trial; any HALF_OPEN failure reopens immediately, while
// HalfOpenMaxCalls consecutive successes close and reset.
type CircuitBreaker struct {
	name   string
	config BreakerConfig

	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenTrials      int
	halfOpenSuccesses   int

	// now is injectable for deterministic transition tests.
	now func() time.Time
}

// NewCircuitBreaker creates a breaker for the named operation.
func NewCircuitBreaker(name string, config BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		name:   name,
		config: config.withDefaults(),
		state:  StateClosed,
		now:    time.Now,
	}
}

// Name returns the guarded operation name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs op under the breaker.
//
// A fast-fail returns ErrCircuitOpen (wrapped with the operation name)
// without invoking op. Context cancellation releases the trial slot
// without counting as either outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := cb.allow(); err != nil {
		return err
	}
	err := op(ctx)
	cb.record(err)
	return err
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Counts returns a snapshot of the breaker's counters.
func (cb *CircuitBreaker) Counts() BreakerCounts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerCounts{
		State:               cb.state,
		ConsecutiveFailures: cb.consecutiveFailures,
		LastFailureTime:     cb.lastFailureTime,
		HalfOpenTrials:      cb.halfOpenTrials,
		HalfOpenSuccesses:   cb.halfOpenSuccesses,
	}
}

// allow decides whether a call may proceed, claiming a trial slot when the
// breaker is probing recovery.
func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil

	case StateOpen:
		if cb.now().Sub(cb.lastFailureTime) < cb.config.ResetTimeout {
			remaining := cb.config.ResetTimeout - cb.now().Sub(cb.lastFailureTime)
			return fmt.Errorf("%w: %s (retry in %s)", ErrCircuitOpen, cb.name, remaining.Round(time.Millisecond))
		}
		// Cooldown elapsed: this call becomes the first trial.
		cb.transitionTo(StateHalfOpen)
		cb.halfOpenTrials = 1
		cb.halfOpenSuccesses = 0
		return nil

	case StateHalfOpen:
		if cb.halfOpenTrials >= cb.config.HalfOpenMaxCalls {
			return fmt.Errorf("%w: %s (trial slots exhausted)", ErrCircuitOpen, cb.name)
		}
		cb.halfOpenTrials++
		return nil

	default:
		return fmt.Errorf("%w: %s (unknown state)", ErrCircuitOpen, cb.name)
	}
}

// record applies a call outcome to the state machine.
func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.halfOpenTrials > 0 {
		cb.halfOpenTrials--
	}

	if err == nil {
		cb.recordSuccess()
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// The caller gave up; says nothing about downstream health.
		return
	}
	cb.recordFailure()
}

func (cb *CircuitBreaker) recordSuccess() {
	switch cb.state {
	case StateClosed:
		cb.consecutiveFailures = 0
	case StateHalfOpen:
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= cb.config.HalfOpenMaxCalls {
			cb.transitionTo(StateClosed)
			cb.consecutiveFailures = 0
			cb.halfOpenTrials = 0
			cb.halfOpenSuccesses = 0
		}
	case StateOpen:
		// Success cannot be observed while OPEN; calls never ran.
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.lastFailureTime = cb.now()

	switch cb.state {
	case StateClosed:
		cb.consecutiveFailures++
		if cb.consecutiveFailures >= cb.config.FailureThreshold {
			cb.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		// Any trial failure reopens immediately.
		cb.transitionTo(StateOpen)
		cb.halfOpenTrials = 0
		cb.halfOpenSuccesses = 0
	case StateOpen:
	}
}

// transitionTo moves the state machine and fires the callback without
// holding up the caller. Must be called with mu held.
func (cb *CircuitBreaker) transitionTo(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.config.OnStateChange != nil {
		go cb.config.OnStateChange(cb.name, from, to)
	}
}

// =============================================================================
// Registry
// =============================================================================

// BreakerRegistry hands out one breaker per operation name.
type BreakerRegistry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	config   BreakerConfig
}

// NewBreakerRegistry creates a registry; every breaker it creates shares
// the same configuration.
func NewBreakerRegistry(config BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		config:   config.withDefaults(),
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *BreakerRegistry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb = NewCircuitBreaker(name, r.config)
	r.breakers[name] = cb
	return cb
}

// Snapshot reports every breaker's counters, for the status surface.
func (r *BreakerRegistry) Snapshot() map[string]BreakerCounts {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]BreakerCounts, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb.Counts()
	}
	return out
}
