package connectivity

import (
	"context"
	"sync"
	"time"
)

// BreakerState represents the circuit breaker state.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // calls pass through
	BreakerOpen                         // calls rejected immediately
	BreakerHalfOpen                     // probe calls test recovery
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreaker stops a client from hammering a server that keeps failing.
// One breaker usually guards every endpoint of one server.
type CircuitBreaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int // consecutive failures while closed
	probes    int // consecutive successes while half-open
	openedAt  time.Time
	threshold int
	cooldown  time.Duration
	probesMax int
	now       func() time.Time
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithBreakerThreshold sets the consecutive failure count that opens the
// breaker. Default 5.
func WithBreakerThreshold(n int) BreakerOption {
	return func(cb *CircuitBreaker) { cb.threshold = n }
}

// WithBreakerCooldown sets how long the breaker stays open before letting
// probe calls through. Default 30s.
func WithBreakerCooldown(d time.Duration) BreakerOption {
	return func(cb *CircuitBreaker) { cb.cooldown = d }
}

// WithBreakerProbes sets how many successful probes close the breaker.
// Default 2.
func WithBreakerProbes(n int) BreakerOption {
	return func(cb *CircuitBreaker) { cb.probesMax = n }
}

// WithBreakerClock sets the time source.
func WithBreakerClock(fn func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) { cb.now = fn }
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(opts ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		threshold: 5,
		cooldown:  30 * time.Second,
		probesMax: 2,
		now:       time.Now,
	}
	for _, o := range opts {
		o(cb)
	}
	return cb
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.tick()
	return cb.state
}

// Allow reports whether a call may be attempted now.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.tick()
	return cb.state != BreakerOpen
}

// RecordSuccess records a call the server answered.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == BreakerHalfOpen {
		cb.probes++
		if cb.probes < cb.probesMax {
			return
		}
		cb.state = BreakerClosed
	}
	cb.failures, cb.probes = 0, 0
}

// RecordFailure records a failed call. A failed probe reopens the breaker.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case BreakerClosed:
		cb.failures++
		if cb.failures >= cb.threshold {
			cb.open()
		}
	case BreakerHalfOpen:
		cb.open()
	}
}

// Reset closes the breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state, cb.failures, cb.probes = BreakerClosed, 0, 0
}

func (cb *CircuitBreaker) open() {
	cb.state = BreakerOpen
	cb.openedAt = cb.now()
	cb.probes = 0
}

// tick moves an open breaker to half-open once the cooldown has elapsed.
// Must be called with mu held.
func (cb *CircuitBreaker) tick() {
	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) >= cb.cooldown {
		cb.state = BreakerHalfOpen
		cb.probes = 0
	}
}

// WithCircuitBreaker returns a HandlerMiddleware that rejects calls with
// *ErrCircuitOpen while cb is open. Network errors and 5xx replies count as
// failures; conflicts and other 4xx replies prove the server is up.
// Cancelled calls are not recorded.
func WithCircuitBreaker(cb *CircuitBreaker) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, endpoint string, body []byte) (*Response, error) {
			if !cb.Allow() {
				return nil, &ErrCircuitOpen{Endpoint: endpoint}
			}
			resp, err := next(ctx, endpoint, body)
			switch {
			case err != nil && ctx.Err() != nil:
			case err != nil, resp.Status >= 500:
				cb.RecordFailure()
			default:
				cb.RecordSuccess()
			}
			return resp, err
		}
	}
}
