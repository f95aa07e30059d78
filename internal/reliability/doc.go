// Package reliability holds the retry policies and the circuit breaker
// applied to broker connection establishment.
//
// Policies are plain values so callers can build them from configuration and
// tests can assert on the delays they produce:
//
//	policy := reliability.NewExponentialBackoff(200*time.Millisecond, 5*time.Second, 2.0, 10)
//	err := reliability.Retry(ctx, policy, func(attempt int) error {
//	    return dial(ctx)
//	})
//
// A CircuitBreaker sits below the retry loop and turns a run of refused
// dials into immediate failures until its cooldown elapses.
package reliability
