package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/celery-go/connection"
	"github.com/glimte/celery-go/internal/brokertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockDeclarer struct {
	mock.Mock
}

func (m *MockDeclarer) CreateExchange(ctx context.Context, durable bool, name, kind string) error {
	return m.Called(ctx, durable, name, kind).Error(0)
}

// borrowingChecker holds a pool connection for the length of its check.
type borrowingChecker struct {
	pool *connection.Pool
	hold time.Duration
}

func (b borrowingChecker) Name() string { return "borrower" }

func (b borrowingChecker) Check(ctx context.Context) CheckResult {
	conn, err := b.pool.Get(ctx)
	if err != nil {
		return CheckResult{Name: b.Name(), Status: StatusUnhealthy, Error: err.Error()}
	}
	defer b.pool.Release(conn)
	time.Sleep(b.hold)
	return CheckResult{Name: b.Name(), Status: StatusHealthy}
}

type stubChecker struct {
	name   string
	status Status
	delay  time.Duration
}

func (s stubChecker) Name() string { return s.name }

func (s stubChecker) Check(ctx context.Context) CheckResult {
	time.Sleep(s.delay)
	return CheckResult{Name: s.name, Status: s.status}
}

func newPool(t *testing.T, size int) *connection.Pool {
	t.Helper()
	fake := brokertest.New()
	factory := connection.NewFactory(
		connection.Info{Scheme: "amqp", Host: "localhost", Port: 5672},
		connection.WithDialer("amqp", fake.Dialer()))
	pool := connection.NewPool(factory, size)
	_, err := pool.Start(context.Background())
	require.NoError(t, err)
	return pool
}

func TestPoolChecker(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		pool := newPool(t, 2)
		result := NewPoolChecker(pool).Check(context.Background())

		assert.Equal(t, StatusHealthy, result.Status)
		assert.Equal(t, 2, result.Details["available"])
	})

	t.Run("degraded when exhausted", func(t *testing.T) {
		pool := newPool(t, 1)
		_, err := pool.Get(context.Background())
		require.NoError(t, err)

		result := NewPoolChecker(pool).Check(context.Background())
		assert.Equal(t, StatusDegraded, result.Status)
		assert.Equal(t, 1, result.Details["in_use"])
	})

	t.Run("degraded below initial size", func(t *testing.T) {
		pool := newPool(t, 2)
		conn, err := pool.Get(context.Background())
		require.NoError(t, err)
		pool.Discard(conn)

		assert.Equal(t, StatusDegraded, NewPoolChecker(pool).Check(context.Background()).Status)
	})

	t.Run("unhealthy when empty or closed", func(t *testing.T) {
		pool := newPool(t, 0)
		assert.Equal(t, StatusUnhealthy, NewPoolChecker(pool).Check(context.Background()).Status)

		pool = newPool(t, 1)
		require.NoError(t, pool.Close())
		assert.Equal(t, StatusUnhealthy, NewPoolChecker(pool).Check(context.Background()).Status)
	})
}

func TestBrokerChecker(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		d := &MockDeclarer{}
		d.On("CreateExchange", mock.Anything, true, "celery", "direct").Return(nil)

		result := NewBrokerChecker(d, "celery", "direct").Check(context.Background())

		assert.Equal(t, StatusHealthy, result.Status)
		assert.Equal(t, "broker", result.Name)
		d.AssertExpectations(t)
	})

	t.Run("unhealthy", func(t *testing.T) {
		d := &MockDeclarer{}
		d.On("CreateExchange", mock.Anything, true, "celery", "direct").Return(errors.New("pool is empty"))

		result := NewBrokerChecker(d, "celery", "direct").Check(context.Background())

		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, "pool is empty", result.Error)
	})
}

func TestRun(t *testing.T) {
	t.Run("worst status wins", func(t *testing.T) {
		overall := Run(context.Background(),
			stubChecker{name: "a", status: StatusHealthy},
			stubChecker{name: "b", status: StatusDegraded},
		)
		assert.Equal(t, StatusDegraded, overall.Status)
		assert.Len(t, overall.Checks, 2)

		overall = Run(context.Background(),
			stubChecker{name: "a", status: StatusUnhealthy},
			stubChecker{name: "b", status: StatusDegraded},
		)
		assert.Equal(t, StatusUnhealthy, overall.Status)
	})

	t.Run("checks run in order", func(t *testing.T) {
		pool := newPool(t, 1)

		for i := 0; i < 10; i++ {
			overall := Run(context.Background(),
				NewPoolChecker(pool),
				borrowingChecker{pool: pool, hold: 5 * time.Millisecond},
			)
			require.Equal(t, StatusHealthy, overall.Status)
			assert.Equal(t, StatusHealthy, overall.Checks["connection_pool"].Status)
		}
	})

	t.Run("no checkers is healthy", func(t *testing.T) {
		assert.Equal(t, StatusHealthy, Run(context.Background()).Status)
	})

	t.Run("timeout marks pending checks unhealthy", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		overall := Run(ctx,
			stubChecker{name: "fast", status: StatusHealthy},
			stubChecker{name: "slow", status: StatusHealthy, delay: time.Second},
		)

		assert.Equal(t, StatusUnhealthy, overall.Status)
		assert.Equal(t, "Check timed out", overall.Checks["slow"].Message)
	})
}
