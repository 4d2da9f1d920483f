package executor

import (
	"sync"
	"time"

	"github.com/rendis/procman/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the circuit breaker in front of the engine.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	// Zero disables the breaker.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before a test request is let through.
	Cooldown time.Duration
	// HalfOpenMax is the number of test requests allowed in half-open state.
	HalfOpenMax int
}

// DefaultBreakerConfig returns the breaker used when none is configured.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// breaker tracks consecutive engine failures for one command kind.
type breaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
}

// Breakers keeps one circuit per command kind, so a failing notify endpoint
// does not block starts.
type Breakers struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   BreakerConfig
	now      func() time.Time
}

// NewBreakers creates a registry with the given config.
func NewBreakers(config BreakerConfig) *Breakers {
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &Breakers{
		breakers: make(map[string]*breaker),
		config:   config,
		now:      time.Now,
	}
}

// Allow returns nil when a call for command may proceed, or EXECUTOR_ERROR
// while the circuit is open.
func (r *Breakers) Allow(command string) error {
	if r.config.FailureThreshold <= 0 {
		return nil
	}
	cb := r.get(command)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		elapsed := r.now().Sub(cb.lastFailureTime)
		if elapsed >= r.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeExecutor,
			"engine circuit open for %s after %d consecutive failures", command, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"command":              command,
				"consecutive_failures": cb.consecutiveFailures,
				"state":                cb.state.String(),
				"cooldown_remaining":   (r.config.Cooldown - elapsed).String(),
			})
	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeExecutor,
				"engine circuit half-open for %s: test request in flight", command)
		}
		cb.halfOpenAttempts++
	}
	return nil
}

// Success closes the circuit for command.
func (r *Breakers) Success(command string) {
	cb := r.get(command)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// Failure records a failed call and returns the resulting state.
func (r *Breakers) Failure(command string) CircuitState {
	cb := r.get(command)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = r.now()

	// Any failure in half-open reopens the circuit.
	if cb.state == CircuitHalfOpen ||
		(r.config.FailureThreshold > 0 && cb.consecutiveFailures >= r.config.FailureThreshold) {
		cb.state = CircuitOpen
	}
	return cb.state
}

// State returns the current state of the circuit for command.
func (r *Breakers) State(command string) CircuitState {
	cb := r.get(command)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && r.now().Sub(cb.lastFailureTime) >= r.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}
	return cb.state
}

func (r *Breakers) get(command string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[command]
	if !ok {
		cb = &breaker{state: CircuitClosed}
		r.breakers[command] = cb
	}
	return cb
}
