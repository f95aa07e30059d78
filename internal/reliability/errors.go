package reliability

import (
	"errors"
	"fmt"
	"time"
)

// ErrCircuitOpen is matched by every CircuitOpenError.
var ErrCircuitOpen = errors.New("circuit breaker: circuit is open")

// CircuitOpenError is returned while the breaker rejects calls.
type CircuitOpenError struct {
	Failures int
	RetryAt  time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open after %d failures, retry at %s",
		e.Failures, e.RetryAt.Format(time.RFC3339))
}

func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}
