package observability

import (
	"fmt"
	"sync"
	"time"
)

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState int

const (
	// StateClosed means the circuit breaker is closed and requests are allowed.
	StateClosed CircuitBreakerState = iota
	// StateOpen means the circuit breaker is open and requests are blocked.
	StateOpen
	// StateHalfOpen means the circuit breaker is half-open and testing requests.
	StateHalfOpen
)

// CircuitBreaker implements the circuit breaker pattern for handling failures.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	timeout      time.Duration
	state        CircuitBreakerState
	failures     int
	lastFailure  time.Time
	mu           sync.RWMutex
	successCount int
	halfOpenMax  int
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(name string, maxFailures int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:        name,
		maxFailures: maxFailures,
		timeout:     timeout,
		state:       StateClosed,
		halfOpenMax: 3, // Allow 3 test requests in half-open state
	}
}

// Call executes a function with circuit breaker protection.
func (cb *CircuitBreaker) Call(fn func() error) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// Check if we need to transition from open to half-open
	if cb.state == StateOpen && time.Since(cb.lastFailure) >= cb.timeout {
		cb.state = StateHalfOpen
		cb.successCount = 0
	}

	// Check if circuit breaker should allow the request
	if !cb.shouldAllowRequest() {
		CircuitBreakerStateGauge.WithLabelValues(cb.name).Set(float64(cb.state))
		return fmt.Errorf("circuit breaker %s is %s", cb.name, cb.stateString())
	}

	// Execute the function
	err := fn()

	// Update circuit breaker state based on result
	cb.updateState(err)

	// Record metrics
	CircuitBreakerStateGauge.WithLabelValues(cb.name).Set(float64(cb.state))

	return err
}

// shouldAllowRequest determines if a request should be allowed.
func (cb *CircuitBreaker) shouldAllowRequest() bool {
	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		return false
	case StateHalfOpen:
		// Allow limited requests in half-open state
		return cb.successCount < cb.halfOpenMax
	default:
		return false
	}
}

// updateState updates the circuit breaker state based on the result.
func (cb *CircuitBreaker) updateState(err error) {
	if err != nil {
		cb.failures++
		cb.lastFailure = time.Now()

		// Check if we should open the circuit
		if cb.failures >= cb.maxFailures {
			cb.state = StateOpen
		}
	} else {
		// Success - only reset failure count if in closed state
		if cb.state == StateClosed {
			cb.failures = 0
		}

		// If in half-open state, increment success count
		if cb.state == StateHalfOpen {
			cb.successCount++
			// If we've had enough successes, close the circuit
			if cb.successCount >= cb.halfOpenMax {
				cb.state = StateClosed
				cb.successCount = 0
				cb.failures = 0
			}
		}
	}
}

// stateString returns a string representation of the current state.
func (cb *CircuitBreaker) stateString() string {
	switch cb.state {
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

// IsOpen returns true if the circuit breaker is open and its timeout has not
// yet elapsed; once it has, the next Call is let through as a half-open probe.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state == StateOpen && time.Since(cb.lastFailure) < cb.timeout
}

// circuitBreakerManager keyes circuit breakers by name so every session gets
// its own, reused across sends instead of recreated per call.
type circuitBreakerManager struct {
	breakers map[string]*CircuitBreaker
	mu       sync.RWMutex
}

func newCircuitBreakerManager() *circuitBreakerManager {
	return &circuitBreakerManager{breakers: make(map[string]*CircuitBreaker)}
}

// getOrCreate gets an existing circuit breaker or creates a new one.
func (cbm *circuitBreakerManager) getOrCreate(name string, maxFailures int, timeout time.Duration) *CircuitBreaker {
	cbm.mu.Lock()
	defer cbm.mu.Unlock()

	if cb, exists := cbm.breakers[name]; exists {
		return cb
	}

	cb := NewCircuitBreaker(name, maxFailures, timeout)
	cbm.breakers[name] = cb
	return cb
}

// Global circuit breaker manager instance
var globalCBM = newCircuitBreakerManager()

// GetCircuitBreaker gets or creates a circuit breaker with the given name.
func GetCircuitBreaker(name string, maxFailures int, timeout time.Duration) *CircuitBreaker {
	return globalCBM.getOrCreate(name, maxFailures, timeout)
}
