package store

import (
	"context"
	"errors"
	"sync"
	"time"

	presenceerrors "github.com/mirkobrombin/go-presence/v1/errors"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreaker decorates a PubSub so that a failing transport fails fast.
// Only transport failures on Publish count; subscription changes always pass
// through because the multiplexer must keep its bookkeeping in sync with the
// store.
type CircuitBreaker struct {
	PubSub

	mu        sync.Mutex
	state     state
	failures  int
	threshold int
	timeout   time.Duration
	lastFail  time.Time
}

// NewCircuitBreaker wraps ps. After threshold consecutive failures the
// circuit opens for timeout, then lets a single probe through.
func NewCircuitBreaker(ps PubSub, threshold int, timeout time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &CircuitBreaker{
		PubSub:    ps,
		threshold: threshold,
		timeout:   timeout,
		state:     stateClosed,
	}
}

// IsHealthy returns true unless the circuit is open and still cooling down.
func (cb *CircuitBreaker) IsHealthy() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == stateOpen {
		return time.Since(cb.lastFail) > cb.timeout
	}
	return true
}

// allow moves an expired open circuit to half-open and admits one probe.
func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(cb.lastFail) > cb.timeout {
			cb.state = stateHalfOpen
			return true
		}
		return false
	default:
		return false
	}
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = stateClosed
	cb.failures = 0
}

func (cb *CircuitBreaker) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastFail = time.Now()
	cb.failures++
	if cb.state == stateHalfOpen || cb.failures >= cb.threshold {
		cb.state = stateOpen
	}
}

// Publish implements PubSub.Publish with circuit breaker logic.
func (cb *CircuitBreaker) Publish(ctx context.Context, channel, payload string) (int64, error) {
	if !cb.allow() {
		return 0, presenceerrors.Unavailable("publish", channel, ErrCircuitOpen)
	}
	n, err := cb.PubSub.Publish(ctx, channel, payload)
	switch {
	case err == nil:
		cb.onSuccess()
	case presenceerrors.IsUnavailable(err):
		cb.onFailure()
	default:
		// The store answered, so the transport is fine.
		cb.onSuccess()
	}
	return n, err
}

// Close closes the wrapped PubSub when it supports closing.
func (cb *CircuitBreaker) Close() error {
	if c, ok := cb.PubSub.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
