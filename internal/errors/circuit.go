package errors

import (
	stderrors "errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = stderrors.New("circuit breaker is open")

// State represents the circuit breaker state.
type State int

const (
	// StateClosed is the normal state where requests are allowed.
	StateClosed State = iota
	// StateOpen is when the circuit is tripped and requests are blocked.
	StateOpen
	// StateHalfOpen is when the circuit is testing if the service recovered.
	StateHalfOpen
)

// String returns a string representation of the state.
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

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures in Closed
	// state before the circuit opens.
	FailureThreshold int

	// RecoveryTimeout is how long the circuit stays Open before a probe
	// is allowed (transition to Half-open).
	RecoveryTimeout time.Duration

	// SuccessThreshold is the number of consecutive Half-open successes
	// required to close the circuit.
	SuccessThreshold int

	// InitialBackoff is the first poll-interval penalty applied while the
	// circuit is open.
	InitialBackoff time.Duration

	// MaxBackoff caps the poll-interval penalty.
	MaxBackoff time.Duration

	// BackoffMultiplier grows the penalty per consecutive open period.
	BackoffMultiplier float64
}

// DefaultBreakerConfig returns the default breaker tuning.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:  5,
		RecoveryTimeout:   60 * time.Second,
		SuccessThreshold:  2,
		InitialBackoff:    5 * time.Second,
		MaxBackoff:        300 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// CircuitBreaker gates outbound calls to an unreliable external service.
//
// Transitions: Closed -> Open after FailureThreshold consecutive failures;
// Open -> Half-open after RecoveryTimeout; Half-open -> Closed after
// SuccessThreshold successes; any Half-open failure returns to Open.
type CircuitBreaker struct {
	name string
	cfg  BreakerConfig

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	openedAt    time.Time
	openPeriods int

	// now is overridable for tests.
	now func() time.Time
}

// NewCircuitBreaker creates a circuit breaker with the given name and config.
// Zero fields in cfg fall back to DefaultBreakerConfig values.
func NewCircuitBreaker(name string, cfg BreakerConfig) *CircuitBreaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.BackoffMultiplier <= 1 {
		cfg.BackoffMultiplier = def.BackoffMultiplier
	}
	return &CircuitBreaker{
		name:  name,
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}
}

// Name returns the circuit breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// State returns the current state, applying the Open -> Half-open timeout.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

func (cb *CircuitBreaker) currentState() State {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.RecoveryTimeout {
		cb.state = StateHalfOpen
		cb.successes = 0
	}
	return cb.state
}

// Allow reports whether an outbound call may be attempted right now.
// While Open, outbound requests are skipped entirely.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState() != StateOpen
}

// RecordSuccess notes a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			cb.state = StateClosed
			cb.failures = 0
			cb.openPeriods = 0
		}
	}
}

// RecordFailure notes a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.open()
		}
	case StateHalfOpen:
		cb.open()
	}
}

func (cb *CircuitBreaker) open() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.successes = 0
	cb.failures = 0
	cb.openPeriods++
}

// Backoff returns the current poll-interval penalty: while the circuit is
// open (or re-opening), the caller's effective polling period is
// max(pollInterval, Backoff()). Grows InitialBackoff * Multiplier^(n-1),
// capped at MaxBackoff. Zero when the circuit is closed.
func (cb *CircuitBreaker) Backoff() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.currentState() == StateClosed || cb.openPeriods == 0 {
		return 0
	}
	d := cb.cfg.InitialBackoff
	for i := 1; i < cb.openPeriods; i++ {
		d = time.Duration(float64(d) * cb.cfg.BackoffMultiplier)
		if d >= cb.cfg.MaxBackoff {
			return cb.cfg.MaxBackoff
		}
	}
	if d > cb.cfg.MaxBackoff {
		d = cb.cfg.MaxBackoff
	}
	return d
}

// Execute runs fn under the breaker. When the circuit is open, fn is not
// called and ErrCircuitOpen is returned.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.Allow() {
		return Wrap(KindExternal, ErrCircuitOpen)
	}
	if err := fn(); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}
