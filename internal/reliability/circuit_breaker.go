package reliability

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the circuit breaker state.
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

// CircuitBreaker stops calls to a broker that keeps refusing them. After
// threshold consecutive failures it opens and rejects calls for the cooldown,
// then lets a single trial call through. A successful trial call closes it again.
type CircuitBreaker struct {
	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool

	threshold int
	cooldown  time.Duration
	now       func() time.Time
	onChange  func(from, to State)
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.now = now
	}
}

// WithStateListener registers fn for state transitions. fn runs without the
// breaker lock held.
func WithStateListener(fn func(from, to State)) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.onChange = fn
	}
}

// NewCircuitBreaker creates a closed breaker. A threshold below 1 is treated
// as 1.
func NewCircuitBreaker(threshold int, cooldown time.Duration, opts ...CircuitBreakerOption) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	cb := &CircuitBreaker{
		state:     StateClosed,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Execute runs fn unless the breaker is open. Context errors returned by fn
// are not counted as failures.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn()
	cb.Record(err)
	return err
}

// Allow reports whether a call may proceed. A caller that gets nil must
// report the outcome with Record.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()

	switch cb.state {
	case StateOpen:
		retryAt := cb.openedAt.Add(cb.cooldown)
		if cb.now().Before(retryAt) {
			err := &CircuitOpenError{Failures: cb.failures, RetryAt: retryAt}
			cb.mu.Unlock()
			return err
		}
		cb.probing = true
		cb.transition(StateHalfOpen)
		return nil

	case StateHalfOpen:
		if cb.probing {
			err := &CircuitOpenError{Failures: cb.failures, RetryAt: cb.now()}
			cb.mu.Unlock()
			return err
		}
		cb.probing = true
	}

	cb.mu.Unlock()
	return nil
}

// Record reports the outcome of a call admitted by Allow.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()

	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		cb.probing = false
		cb.mu.Unlock()
		return
	}

	if err == nil {
		cb.failures = 0
		cb.probing = false
		if cb.state != StateClosed {
			cb.transition(StateClosed)
			return
		}
		cb.mu.Unlock()
		return
	}

	cb.failures++
	switch {
	case cb.state == StateHalfOpen:
		cb.probing = false
		cb.openedAt = cb.now()
		cb.transition(StateOpen)
		return
	case cb.state == StateClosed && cb.failures >= cb.threshold:
		cb.openedAt = cb.now()
		cb.transition(StateOpen)
		return
	}
	cb.mu.Unlock()
}

// transition sets the state, releases the lock and notifies the listener.
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	cb.state = to
	listener := cb.onChange
	cb.mu.Unlock()

	if listener != nil && from != to {
		listener(from, to)
	}
}

// State returns the current state. An open breaker whose cooldown has
// elapsed still reports open until the next call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the current run of consecutive failures.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset closes the breaker and clears the failure count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.failures = 0
	cb.probing = false
	cb.transition(StateClosed)
}
