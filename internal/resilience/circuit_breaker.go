package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Call while the breaker is rejecting requests.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState is the breaker's position.
type CircuitState int

const (
	// StateClosed passes every request through.
	StateClosed CircuitState = iota
	// StateOpen rejects requests until the reset timeout elapses.
	StateOpen
	// StateHalfOpen admits a few trial requests to test recovery.
	StateHalfOpen
)

// halfOpenTrials is how many consecutive successes close a half-open
// breaker, and the most requests admitted while half-open.
const halfOpenTrials = 3

// CircuitBreaker rejects calls to a backend after maxFailures consecutive
// failures, then admits trial requests again after resetTimeout. One breaker guards one
// backend (transcription, generation), so a dead upstream fails turns fast
// instead of stalling each one on its own timeout.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration

	mu          sync.Mutex
	state       CircuitState
	failures    int
	trials      int
	successes   int
	lastFailure time.Time
}

// NewCircuitBreaker creates a closed breaker named after the backend it
// guards.
func NewCircuitBreaker(name string, maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:         name,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
	}
}

// Call runs fn if the breaker admits the request and records its outcome.
// While the breaker is open, Call fails immediately with ErrCircuitOpen.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn()
	cb.observe(err == nil)
	return err
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Since(cb.lastFailure) >= cb.resetTimeout {
			cb.state = StateHalfOpen
			cb.trials = 1
			cb.successes = 0
			return nil
		}
		return fmt.Errorf("%s: %w", cb.name, ErrCircuitOpen)

	default: // StateHalfOpen
		if cb.trials < halfOpenTrials {
			cb.trials++
			return nil
		}
		return fmt.Errorf("%s: %w", cb.name, ErrCircuitOpen)
	}
}

func (cb *CircuitBreaker) observe(ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if ok {
		switch cb.state {
		case StateClosed:
			cb.failures = 0
		case StateHalfOpen:
			cb.successes++
			if cb.successes >= halfOpenTrials {
				cb.state = StateClosed
				cb.failures = 0
			}
		}
		return
	}

	cb.lastFailure = time.Now()
	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.maxFailures {
			cb.state = StateOpen
		}
	case StateHalfOpen:
		// One failed trial is enough; back to open.
		cb.state = StateOpen
	}
}

// State returns the breaker's current position.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the breaker closed, clearing its failure history.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.trials = 0
	cb.successes = 0
}
