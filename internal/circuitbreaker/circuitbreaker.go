// Package circuitbreaker implements the circuit breaker pattern for
// upstream provider failure protection. It prevents cascading failures by
// failing fast when a provider endpoint is unhealthy.
//
// States:
//   - Closed: Normal operation, requests pass through
//   - Open: Provider unhealthy, requests fail immediately
//   - Half-Open: Testing recovery, limited requests allowed
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"deptgate/internal/domain"
)

// State represents the current state of a circuit breaker.
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing fast
	StateHalfOpen              // Testing recovery
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

// Config defines circuit breaker behavior.
type Config struct {
	FailureThreshold int           // Failures before opening
	SuccessThreshold int           // Successes to close from half-open
	Timeout          time.Duration // Time before transitioning to half-open
}

// DefaultConfig returns sensible defaults for most use cases.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// CircuitBreaker tracks failures and controls request flow to a provider
// endpoint. Only dispatch-level transport failures should be recorded;
// provider rejections of a well-formed request are not endpoint health.
type CircuitBreaker struct {
	mu          sync.RWMutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	config      Config
}

func New(cfg Config) *CircuitBreaker {
	return &CircuitBreaker{
		state:  StateClosed,
		config: cfg,
	}
}

// Allow checks if a request should be allowed through.
// Returns nil if allowed, ErrCircuitOpen if the circuit is open.
func (cb *CircuitBreaker) Allow(ctx context.Context) error {
	cb.mu.RLock()
	state := cb.state
	lastFailure := cb.lastFailure
	cb.mu.RUnlock()

	switch state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(lastFailure) > cb.config.Timeout {
			cb.mu.Lock()
			if cb.state == StateOpen {
				cb.state = StateHalfOpen
				cb.successes = 0
			}
			cb.mu.Unlock()
			return nil
		}
		return domain.ErrCircuitOpen
	case StateHalfOpen:
		return nil
	}

	return nil
}

// RecordSuccess records a successful dispatch.
// In half-open state, enough successes will close the circuit.
func (cb *CircuitBreaker) RecordSuccess(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.state = StateClosed
			cb.failures = 0
			cb.successes = 0
		}
	}
}

// RecordFailure records a failed dispatch.
// Enough failures will open the circuit.
func (cb *CircuitBreaker) RecordFailure(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = time.Now()

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.state = StateOpen
		}
	case StateHalfOpen:
		cb.state = StateOpen
		cb.successes = 0
	}
}

func (cb *CircuitBreaker) State(ctx context.Context) State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

func (cb *CircuitBreaker) Failures() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failures
}

// Manager manages one circuit breaker per model configuration.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	config   Config
}

func NewManager(cfg Config) *Manager {
	return &Manager{
		breakers: make(map[string]*CircuitBreaker),
		config:   cfg,
	}
}

// Get returns the circuit breaker for a model config, creating one if it
// doesn't exist.
func (m *Manager) Get(configID string) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[configID]
	m.mu.RUnlock()

	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.breakers[configID]; ok {
		return existing
	}

	cb = New(m.config)
	m.breakers[configID] = cb
	return cb
}

// States returns the current state of all circuit breakers.
func (m *Manager) States() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ctx := context.Background()
	states := make(map[string]string)
	for id, cb := range m.breakers {
		states[id] = cb.State(ctx).String()
	}
	return states
}
