package resilience

import (
	"context"
	"sync"
	"time"
)

// State represents the circuit breaker state.
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

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	// Name identifies the breaker in errors, logs and metrics.
	Name string
	// FailureThreshold is the number of consecutive failures that opens the breaker.
	FailureThreshold int
	// ResetTimeout is how long the breaker stays open before a half-open trial.
	ResetTimeout time.Duration
	// IsFailure decides which errors count against the breaker. Defaults to
	// every non-nil error.
	IsFailure func(error) bool
	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(name string, from, to State)
}

// DefaultCircuitBreakerConfig returns the defaults used for node breakers.
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

// CircuitBreaker stops calling a dependency after repeated consecutive
// failures. While open it fails fast; after ResetTimeout exactly one trial
// call is let through and its outcome closes or re-opens the breaker.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	now    func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	trial    bool
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}

	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}

	if config.IsFailure == nil {
		config.IsFailure = func(err error) bool { return err != nil }
	}

	return &CircuitBreaker{
		config: config,
		now:    time.Now,
		state:  StateClosed,
	}
}

// Execute runs fn through the breaker. While the breaker is open fn is not
// called and a circuit_breaker_open *Error is returned instead.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	trial, err := cb.acquire()
	if err != nil {
		return err
	}

	fnErr := fn(ctx)
	cb.record(fnErr, trial)

	return fnErr
}

// State returns the current state, reporting half-open once the reset
// timeout of an open breaker has elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.config.ResetTimeout {
		return StateHalfOpen
	}

	return cb.state
}

// Failures returns the current consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.failures
}

// Name returns the configured breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// Reset closes the breaker and clears the failure count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.trial = false
	cb.mu.Unlock()

	cb.notify(from, StateClosed)
}

func (cb *CircuitBreaker) acquire() (bool, error) {
	cb.mu.Lock()

	switch cb.state {
	case StateClosed:
		cb.mu.Unlock()

		return false, nil
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.config.ResetTimeout {
			cb.mu.Unlock()

			return false, newCircuitOpenError(cb.config.Name)
		}

		cb.state = StateHalfOpen
		cb.trial = true
		cb.mu.Unlock()

		cb.notify(StateOpen, StateHalfOpen)

		return true, nil
	default:
		// Half-open: only the caller holding the trial may pass.
		if cb.trial {
			cb.mu.Unlock()

			return false, newCircuitOpenError(cb.config.Name)
		}

		cb.trial = true
		cb.mu.Unlock()

		return true, nil
	}
}

func (cb *CircuitBreaker) record(err error, trial bool) {
	failed := err != nil && cb.config.IsFailure(err)

	cb.mu.Lock()

	from := cb.state

	switch {
	case trial:
		cb.trial = false

		if failed {
			cb.failures++
			cb.state = StateOpen
			cb.openedAt = cb.now()
		} else {
			cb.failures = 0
			cb.state = StateClosed
		}
	case failed:
		if cb.state == StateClosed {
			cb.failures++
			if cb.failures >= cb.config.FailureThreshold {
				cb.state = StateOpen
				cb.openedAt = cb.now()
			}
		}
	default:
		if cb.state == StateClosed {
			cb.failures = 0
		}
	}

	to := cb.state
	cb.mu.Unlock()

	if from != to {
		cb.notify(from, to)
	}
}

func (cb *CircuitBreaker) notify(from, to State) {
	if cb.config.OnStateChange != nil && from != to {
		cb.config.OnStateChange(cb.config.Name, from, to)
	}
}
