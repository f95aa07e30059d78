package health

import (
	"context"
	"time"

	"github.com/glimte/celery-go/connection"
)

// PoolChecker reports on connection pool capacity.
type PoolChecker struct {
	pool *connection.Pool
}

func NewPoolChecker(pool *connection.Pool) *PoolChecker {
	return &PoolChecker{pool: pool}
}

func (c *PoolChecker) Name() string {
	return "connection_pool"
}

// Check is healthy while entries are available, degraded when every live
// entry is checked out and unhealthy when none are live.
func (c *PoolChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	stats := c.pool.Stats()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"available":    stats.Available,
			"in_use":       stats.InUse,
			"initial_size": c.pool.InitialSize(),
			"opened":       stats.Opened,
			"failed":       stats.Failed,
			"discarded":    stats.Discarded,
		},
	}

	switch {
	case c.pool.Closed():
		result.Status = StatusUnhealthy
		result.Message = "Connection pool is closed"
	case stats.Available+stats.InUse == 0:
		result.Status = StatusUnhealthy
		result.Message = "No live connections"
	case stats.Available == 0:
		result.Status = StatusDegraded
		result.Message = "All connections are checked out"
	case stats.Available+stats.InUse < c.pool.InitialSize():
		result.Status = StatusDegraded
		result.Message = "Connection pool is below its initial size"
	default:
		result.Status = StatusHealthy
		result.Message = "Connection pool is healthy"
	}

	result.Duration = time.Since(start)
	return result
}

// ExchangeDeclarer is satisfied by *celery.Client.
type ExchangeDeclarer interface {
	CreateExchange(ctx context.Context, durable bool, name, kind string) error
}

// BrokerChecker proves the broker answers by redeclaring an exchange with
// its existing attributes, which the broker treats as a no-op.
type BrokerChecker struct {
	declarer ExchangeDeclarer
	exchange string
	kind     string
}

func NewBrokerChecker(declarer ExchangeDeclarer, exchange, kind string) *BrokerChecker {
	return &BrokerChecker{declarer: declarer, exchange: exchange, kind: kind}
}

func (c *BrokerChecker) Name() string {
	return "broker"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]interface{}{"exchange": c.exchange},
	}

	if err := c.declarer.CreateExchange(ctx, true, c.exchange, c.kind); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Exchange declare failed"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "Broker is reachable"
	}

	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}
