// Package resilience keeps best effort calls to remote services from piling
// up while the service is down.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
)

var ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

// CircuitBreakerState represents the state of a circuit breaker
type CircuitBreakerState int32

const (
	StateClosed CircuitBreakerState = iota
	StateHalfOpen
	StateOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

type CircuitBreakerConfig struct {
	// MaxFailures consecutive failures open the circuit.
	MaxFailures int
	// Cooldown is how long the circuit stays open before a probe is let through.
	Cooldown time.Duration
	// SuccessThreshold successful probes close the circuit again.
	SuccessThreshold int
	Clock            clockwork.Clock
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:      5,
		Cooldown:         30 * time.Second,
		SuccessThreshold: 1,
	}
}

// CircuitBreaker lets at most one probe through while half open.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mu        sync.Mutex
	state     CircuitBreakerState
	failures  int
	successes int
	openedAt  time.Time
	probing   bool
}

func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 1
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}
	return &CircuitBreaker{config: config}
}

// Execute runs fn unless the circuit is open. Failures caused by ctx ending
// are not held against the remote side.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}
	err := fn(ctx)
	switch {
	case err == nil:
		cb.onSuccess()
	case ctx.Err() != nil:
		cb.release()
	default:
		cb.onFailure()
	}
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateOpen:
		if cb.config.Clock.Since(cb.openedAt) < cb.config.Cooldown {
			return ErrCircuitBreakerOpen
		}
		cb.state = StateHalfOpen
		cb.successes = 0
		fallthrough
	case StateHalfOpen:
		if cb.probing {
			return ErrCircuitBreakerOpen
		}
		cb.probing = true
	}
	return nil
}

func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	cb.probing = false
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probing = false
	if cb.state == StateHalfOpen {
		cb.successes++
		if cb.successes < cb.config.SuccessThreshold {
			return
		}
		cb.state = StateClosed
	}
	cb.failures = 0
}

func (cb *CircuitBreaker) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probing = false
	cb.failures++
	if cb.state == StateHalfOpen || cb.failures >= cb.config.MaxFailures {
		cb.state = StateOpen
		cb.openedAt = cb.config.Clock.Now()
	}
}

func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset closes the circuit and clears the counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.probing = false
}
