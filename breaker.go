package sessionguard

import (
	"sync/atomic"
	"time"
)

// CircuitState represents the state of a provider circuit breaker.
type CircuitState int32

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreaker stops calling a notification provider after repeated
// failures and lets a single probe through once resetTimeout has passed.
type CircuitBreaker struct {
	name         string
	maxFailures  int32
	resetTimeout time.Duration
	clock        func() time.Time

	state       atomic.Int32
	failures    atomic.Int32
	openedAt    atomic.Int64
	probeIssued atomic.Bool
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(name string, maxFailures int, resetTimeout time.Duration, clock func() time.Time) *CircuitBreaker {
	if clock == nil {
		clock = time.Now
	}
	if maxFailures <= 0 {
		maxFailures = 5
	}
	cb := &CircuitBreaker{
		name:         name,
		maxFailures:  int32(maxFailures),
		resetTimeout: resetTimeout,
		clock:        clock,
	}
	cb.state.Store(int32(CircuitClosed))
	return cb
}

// Allow reports whether a call may go through.
func (cb *CircuitBreaker) Allow() bool {
	switch CircuitState(cb.state.Load()) {
	case CircuitClosed:
		return true
	case CircuitOpen:
		opened := time.Unix(0, cb.openedAt.Load())
		if cb.clock().Sub(opened) < cb.resetTimeout {
			return false
		}
		if cb.state.CompareAndSwap(int32(CircuitOpen), int32(CircuitHalfOpen)) {
			cb.probeIssued.Store(false)
		}
		return cb.probeIssued.CompareAndSwap(false, true)
	case CircuitHalfOpen:
		return cb.probeIssued.CompareAndSwap(false, true)
	}
	return false
}

// Success records a successful call.
func (cb *CircuitBreaker) Success() {
	cb.failures.Store(0)
	cb.state.Store(int32(CircuitClosed))
}

// Failure records a failed call.
func (cb *CircuitBreaker) Failure() {
	switch CircuitState(cb.state.Load()) {
	case CircuitClosed:
		if cb.failures.Add(1) >= cb.maxFailures {
			cb.open()
		}
	case CircuitHalfOpen:
		cb.open()
	}
}

func (cb *CircuitBreaker) open() {
	cb.openedAt.Store(cb.clock().UnixNano())
	cb.state.Store(int32(CircuitOpen))
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	return CircuitState(cb.state.Load())
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}
