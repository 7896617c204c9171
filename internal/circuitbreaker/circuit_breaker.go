// Package circuitbreaker stops calling a failing dependency for a cool-off
// period and probes it again before fully reopening traffic.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nft-state-sync/internal/logging"
)

// State represents the circuit breaker state
type State string

const (
	// StateClosed means the circuit is closed and requests are allowed
	StateClosed State = "closed"
	// StateOpen means the circuit is open and requests are blocked
	StateOpen State = "open"
	// StateHalfOpen means the circuit is testing if the service has recovered
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen is returned when the circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrTooManyRequests is returned when the half-open probe quota is used up
var ErrTooManyRequests = errors.New("too many requests in half-open state")

// Config configures a circuit breaker
type Config struct {
	Name string
	// MinCalls is the number of calls observed before the failure rate is considered.
	MinCalls int
	// ConsecutiveFailures opens the circuit regardless of rate.
	ConsecutiveFailures int
	FailureThreshold    float64
	Timeout             time.Duration
	HalfOpenMaxCalls    int

	// IsFailure decides which errors count against the dependency. Nil
	// counts every error.
	IsFailure func(error) bool
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// DefaultConfig returns a default circuit breaker configuration
func DefaultConfig(name string) *Config {
	return &Config{
		Name:                name,
		MinCalls:            10,
		ConsecutiveFailures: 5,
		FailureThreshold:    0.5,
		Timeout:             30 * time.Second,
		HalfOpenMaxCalls:    2,
	}
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	cfg Config

	mu               sync.Mutex
	state            State
	failures         int
	successes        int
	totalCalls       int
	inFlightProbes   int
	consecutiveFails int
	lastStateChange  time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config *Config) *CircuitBreaker {
	cfg := *config
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return err != nil }
	}
	if cfg.HalfOpenMaxCalls < 1 {
		cfg.HalfOpenMaxCalls = 1
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed, lastStateChange: cfg.Now()}
}

// Execute runs fn unless the circuit is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	probe, err := cb.beforeRequest(ctx)
	if err != nil {
		return err
	}
	err = fn(ctx)
	cb.afterRequest(ctx, probe, err)
	return err
}

func (cb *CircuitBreaker) beforeRequest(ctx context.Context) (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.cfg.Now().Sub(cb.lastStateChange) < cb.cfg.Timeout {
			return false, ErrCircuitOpen
		}
		cb.transition(ctx, StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if cb.inFlightProbes >= cb.cfg.HalfOpenMaxCalls {
			return false, ErrTooManyRequests
		}
		cb.inFlightProbes++
		return true, nil
	}
	return false, nil
}

func (cb *CircuitBreaker) afterRequest(ctx context.Context, probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if probe {
		cb.inFlightProbes--
	}
	cb.totalCalls++

	if err != nil && cb.cfg.IsFailure(err) {
		cb.failures++
		cb.consecutiveFails++
		switch cb.state {
		case StateHalfOpen:
			cb.transition(ctx, StateOpen)
		case StateClosed:
			if cb.shouldOpen() {
				cb.transition(ctx, StateOpen)
			}
		}
		return
	}

	cb.successes++
	cb.consecutiveFails = 0
	if cb.state == StateHalfOpen && cb.successes >= cb.cfg.HalfOpenMaxCalls {
		cb.transition(ctx, StateClosed)
	}
}

func (cb *CircuitBreaker) shouldOpen() bool {
	if cb.cfg.ConsecutiveFailures > 0 && cb.consecutiveFails >= cb.cfg.ConsecutiveFailures {
		return true
	}
	if cb.totalCalls < cb.cfg.MinCalls {
		return false
	}
	return float64(cb.failures)/float64(cb.totalCalls) >= cb.cfg.FailureThreshold
}

// transition must be called with mu held. Counters restart with every
// state so each phase is judged on its own calls.
func (cb *CircuitBreaker) transition(ctx context.Context, to State) {
	from := cb.state
	cb.state = to
	cb.lastStateChange = cb.cfg.Now()
	cb.failures, cb.successes, cb.totalCalls = 0, 0, 0
	if to == StateClosed {
		cb.consecutiveFails = 0
	}

	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"circuitBreaker": cb.cfg.Name,
		"from":           string(from),
		"to":             string(to),
	})
	if to == StateOpen {
		logger.Warn("Circuit breaker opened")
	} else {
		logger.Info("Circuit breaker state changed")
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats represents circuit breaker statistics
type Stats struct {
	Name             string    `json:"name"`
	State            State     `json:"state"`
	Failures         int       `json:"failures"`
	Successes        int       `json:"successes"`
	TotalCalls       int       `json:"totalCalls"`
	ConsecutiveFails int       `json:"consecutiveFails"`
	LastStateChange  time.Time `json:"lastStateChange"`
}

// GetStats returns statistics about the circuit breaker
func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		Name:             cb.cfg.Name,
		State:            cb.state,
		Failures:         cb.failures,
		Successes:        cb.successes,
		TotalCalls:       cb.totalCalls,
		ConsecutiveFails: cb.consecutiveFails,
		LastStateChange:  cb.lastStateChange,
	}
}

// Reset manually closes the circuit
func (cb *CircuitBreaker) Reset(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(ctx, StateClosed)
}
