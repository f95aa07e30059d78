package interceptors

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/celery-go/message"
)

// Publish is one outgoing task. Interceptors may rewrite any field. An empty
// Exchange or RoutingKey falls back to the configured defaults downstream.
type Publish struct {
	Message    *message.Message
	Exchange   string
	RoutingKey string
}

// Sender delivers a Publish to the broker.
type Sender interface {
	Send(ctx context.Context, p *Publish) error
}

// SenderFunc is a function adapter for Sender
type SenderFunc func(ctx context.Context, p *Publish) error

// Send implements Sender
func (f SenderFunc) Send(ctx context.Context, p *Publish) error {
	return f(ctx, p)
}

// Interceptor wraps a publish and calls next to continue the chain.
type Interceptor interface {
	Intercept(ctx context.Context, p *Publish, next Sender) error

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, p *Publish, next Sender) error
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, p *Publish, next Sender) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, p *Publish, next Sender) error {
	return i.fn(ctx, p, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain is an ordered list of interceptors. It is not safe to Add while
// Execute runs.
type Chain struct {
	interceptors []Interceptor
}

// NewChain creates a chain. Nil interceptors are skipped.
func NewChain(interceptors ...Interceptor) *Chain {
	c := &Chain{}
	for _, i := range interceptors {
		c.Add(i)
	}
	return c
}

// Add appends an interceptor to the chain
func (c *Chain) Add(interceptor Interceptor) *Chain {
	if interceptor != nil {
		c.interceptors = append(c.interceptors, interceptor)
	}
	return c
}

// Len returns the number of interceptors.
func (c *Chain) Len() int {
	return len(c.interceptors)
}

// Execute runs p through every interceptor and then final.
func (c *Chain) Execute(ctx context.Context, p *Publish, final Sender) error {
	if len(c.interceptors) == 0 {
		return final.Send(ctx, p)
	}

	// Build the chain in reverse order
	sender := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := sender
		sender = SenderFunc(func(ctx context.Context, p *Publish) error {
			return interceptor.Intercept(ctx, p, next)
		})
	}

	return sender.Send(ctx, p)
}

// LoggingInterceptor logs every publish at debug level and failures at error.
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, p *Publish, next Sender) error {
	start := time.Now()
	err := next.Send(ctx, p)
	duration := time.Since(start)

	if err != nil {
		i.logger.Error("task publish failed",
			"task", p.Message.Headers.Task,
			"taskId", p.Message.Headers.ID,
			"exchange", p.Exchange,
			"routingKey", p.RoutingKey,
			"duration", duration,
			"error", err,
		)
		return err
	}

	i.logger.Debug("task published",
		"task", p.Message.Headers.Task,
		"taskId", p.Message.Headers.ID,
		"exchange", p.Exchange,
		"routingKey", p.RoutingKey,
		"duration", duration,
	)
	return nil
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// MetricsCollector receives publish counts and latencies.
type MetricsCollector interface {
	IncrementTaskCount(task string)
	RecordPublishTime(task string, duration time.Duration)
	IncrementErrorCount(task string, errorType string)
}

// MetricsInterceptor reports every publish to a MetricsCollector.
type MetricsInterceptor struct {
	collector MetricsCollector
}

// NewMetricsInterceptor creates a new metrics interceptor
func NewMetricsInterceptor(collector MetricsCollector) *MetricsInterceptor {
	return &MetricsInterceptor{collector: collector}
}

// Intercept implements Interceptor
func (i *MetricsInterceptor) Intercept(ctx context.Context, p *Publish, next Sender) error {
	task := p.Message.Headers.Task
	start := time.Now()

	i.collector.IncrementTaskCount(task)
	err := next.Send(ctx, p)
	i.collector.RecordPublishTime(task, time.Since(start))

	if err != nil {
		i.collector.IncrementErrorCount(task, "publish_error")
	}
	return err
}

// Name implements Interceptor
func (i *MetricsInterceptor) Name() string {
	return "MetricsInterceptor"
}
