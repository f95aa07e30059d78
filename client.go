// Copyright 2024 Celery-Go Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package celery

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"

	"github.com/glimte/celery-go/broker"
	"github.com/glimte/celery-go/config"
	"github.com/glimte/celery-go/connection"
	"github.com/glimte/celery-go/interceptors"
	"github.com/glimte/celery-go/internal/nodename"
	"github.com/glimte/celery-go/internal/reliability"
	"github.com/glimte/celery-go/message"
	"github.com/google/uuid"
)

// Client is the entry point for sending Celery tasks. It owns a connection
// pool and borrows one connection per call.
type Client struct {
	cfg     *config.BrokerConfig
	factory *connection.Factory
	pool    *connection.Pool
	broker  broker.Broker
	chain   *interceptors.Chain
	logger  *slog.Logger
}

type clientConfig struct {
	logger     *slog.Logger
	dialers    map[string]connection.Dialer
	broker     broker.Broker
	brokerOpts []broker.Option
	intercept  []interceptors.Interceptor
	tlsConfig  *tls.Config
}

// ClientOption configures a Client.
type ClientOption func(*clientConfig)

// WithLogger sets the logger used by the client, its pool and its broker.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDialer registers a transport dialer for scheme.
func WithDialer(scheme string, d connection.Dialer) ClientOption {
	return func(c *clientConfig) {
		c.dialers[scheme] = d
	}
}

// WithTLSConfig sets the TLS configuration for amqps and rediss connections.
func WithTLSConfig(cfg *tls.Config) ClientOption {
	return func(c *clientConfig) {
		c.tlsConfig = cfg
	}
}

// WithBroker replaces the protocol layer.
func WithBroker(b broker.Broker) ClientOption {
	return func(c *clientConfig) {
		c.broker = b
	}
}

// WithBrokerOptions passes options to the default RabbitMQ broker.
func WithBrokerOptions(opts ...broker.Option) ClientOption {
	return func(c *clientConfig) {
		c.brokerOpts = append(c.brokerOpts, opts...)
	}
}

// WithInterceptors runs every publish through the given interceptors, after
// the task router built from cfg.TaskRoutes.
func WithInterceptors(i ...interceptors.Interceptor) ClientOption {
	return func(c *clientConfig) {
		c.intercept = append(c.intercept, i...)
	}
}

// NewClient validates cfg, builds the factory, pool and broker, and starts
// the pool. A pool that could not open any connection is logged, not fatal;
// the client tries again on first use.
func NewClient(ctx context.Context, cfg *config.BrokerConfig, options ...ClientOption) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("celery: nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cc := &clientConfig{
		logger:  slog.Default(),
		dialers: make(map[string]connection.Dialer),
	}
	for _, opt := range options {
		opt(cc)
	}

	factoryOpts := []connection.FactoryOption{
		connection.WithDialTimeout(cfg.ConnectionTimeout),
		connection.WithRetryPolicy(cfg.RetryPolicy()),
		connection.WithFactoryLogger(cc.logger),
		connection.WithConnectionName(nodename.System().Anonymous(cfg.Hostname, cfg.NodePrefix)),
	}
	if cc.tlsConfig != nil {
		factoryOpts = append(factoryOpts, connection.WithTLSConfig(cc.tlsConfig))
	}
	if cb := cfg.CircuitBreaker(reliability.WithStateListener(func(from, to reliability.State) {
		cc.logger.Warn("broker circuit breaker state changed", "from", from.String(), "to", to.String())
	})); cb != nil {
		factoryOpts = append(factoryOpts, connection.WithCircuitBreaker(cb))
	}
	for scheme, d := range cc.dialers {
		factoryOpts = append(factoryOpts, connection.WithDialer(scheme, d))
	}
	factory := connection.NewFactory(cfg.Connection, factoryOpts...)

	pool := connection.NewPool(factory, cfg.PoolSize,
		connection.WithAcquireTimeout(cfg.AcquireTimeout),
		connection.WithPoolLogger(cc.logger))

	b := cc.broker
	if b == nil {
		opts := append([]broker.Option{broker.WithLogger(cc.logger)}, cc.brokerOpts...)
		b = broker.NewRabbitMQBroker(cfg, opts...)
	}

	chain := interceptors.NewChain(interceptors.NewRouter(cfg.TaskRoutes))
	for _, i := range cc.intercept {
		chain.Add(i)
	}

	opened, err := pool.Start(ctx)
	if err != nil {
		return nil, fmt.Errorf("celery: start pool: %w", err)
	}
	if opened == 0 {
		cc.logger.Error("connection pool is empty after start", "url", cfg.Connection.Redacted(), "size", cfg.PoolSize)
	} else {
		cc.logger.Info("celery client ready", "url", cfg.Connection.Redacted(), "connections", opened)
	}

	return &Client{
		cfg:     cfg,
		factory: factory,
		pool:    pool,
		broker:  b,
		chain:   chain,
		logger:  cc.logger,
	}, nil
}

// CreateExchange declares an exchange.
func (c *Client) CreateExchange(ctx context.Context, durable bool, name, kind string) error {
	return c.withChannel(ctx, func(ch connection.Channel) error {
		return c.broker.CreateExchange(ctx, ch, durable, name, kind)
	})
}

// CreateQueue declares a queue, optionally its exchange and binding.
func (c *Client) CreateQueue(ctx context.Context, spec broker.QueueSpec) error {
	return c.withChannel(ctx, func(ch connection.Channel) error {
		return c.broker.CreateQueue(ctx, ch, spec)
	})
}

// BindToExchange binds an existing queue to an existing exchange.
func (c *Client) BindToExchange(ctx context.Context, exchange, queue, routingKey string) error {
	return c.withChannel(ctx, func(ch connection.Channel) error {
		return c.broker.BindToExchange(ctx, ch, exchange, queue, routingKey)
	})
}

// SendTask publishes a fully built message through the interceptor chain.
// An empty exchange means the configured default exchange, not the AMQP
// default exchange "".
func (c *Client) SendTask(ctx context.Context, msg message.Message, exchange, routingKey string) error {
	p := &interceptors.Publish{Message: &msg, Exchange: exchange, RoutingKey: routingKey}
	return c.chain.Execute(ctx, p, interceptors.SenderFunc(func(ctx context.Context, p *interceptors.Publish) error {
		return c.withChannel(ctx, func(ch connection.Channel) error {
			return c.broker.SendTask(ctx, ch, *p.Message, p.Exchange, p.RoutingKey)
		})
	}))
}

// DeclareDefaults declares the default exchange and queue and binds them
// with the default routing key.
func (c *Client) DeclareDefaults(ctx context.Context) error {
	return c.CreateQueue(ctx, broker.QueueSpec{
		Name:            c.cfg.DefaultQueue,
		Durable:         true,
		DeclareExchange: true,
		Exchange:        c.cfg.DefaultExchange,
		RoutingKey:      c.cfg.DefaultRoutingKey,
	})
}

// Send builds a task message for name and publishes it. It returns the task id.
func (c *Client) Send(ctx context.Context, name string, args message.Args, kwargs message.KwArgs, opts ...TaskOption) (string, error) {
	o := taskOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	msg := c.buildMessage(name, args, kwargs, &o)
	if err := c.SendTask(ctx, msg, o.exchange, o.routingKey); err != nil {
		return "", err
	}
	return msg.Headers.ID, nil
}

func (c *Client) buildMessage(name string, args message.Args, kwargs message.KwArgs, o *taskOptions) message.Message {
	if args == nil {
		args = message.Args{}
	}
	if kwargs == nil {
		kwargs = message.KwArgs{}
	}

	id := o.taskID
	if id == "" {
		id = uuid.NewString()
	}
	root := o.rootID
	if root == "" {
		root = id
	}

	props := message.DefaultProperties(id)
	props.ReplyTo = o.replyTo

	return message.Message{
		Properties: props,
		Headers: message.Headers{
			Lang:       c.cfg.Lang,
			Task:       name,
			ID:         id,
			RootID:     root,
			ParentID:   o.parentID,
			Group:      o.group,
			Shadow:     o.shadow,
			ETA:        o.eta,
			Expires:    o.expires,
			Retries:    o.retries,
			TimeLimit:  o.timeLimit,
			ArgsRepr:   &args,
			KwargsRepr: &kwargs,
		},
		Body: message.Body{
			Chord:     o.chord,
			Chain:     o.chain,
			Callbacks: o.callbacks,
			Errbacks:  o.errbacks,
		},
		Args:   &args,
		KwArgs: &kwargs,
	}
}

// withChannel borrows a connection for fn and gives it back on every path.
// A connection that went bad during fn is discarded and the pool topped up.
func (c *Client) withChannel(ctx context.Context, fn func(connection.Channel) error) error {
	conn, err := c.acquire(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if conn.Healthy() {
			c.pool.Release(conn)
			return
		}
		c.pool.Discard(conn)
		c.logger.Warn("discarded broken connection", "conn_id", conn.ID())
		if _, err := c.pool.Replenish(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, connection.ErrPoolClosed) {
			c.logger.Warn("failed to replenish pool", "error", err)
		}
	}()

	return fn(conn.Channel())
}

func (c *Client) acquire(ctx context.Context) (*connection.Conn, error) {
	replenished := false
	for {
		conn, err := c.pool.Get(ctx)
		switch {
		case err == nil && conn.Healthy():
			return conn, nil
		case err == nil:
			c.pool.Discard(conn)
		case errors.Is(err, connection.ErrPoolEmpty) && !replenished && c.pool.Live() < c.pool.InitialSize():
			replenished = true
			if _, rerr := c.pool.Replenish(ctx); rerr != nil {
				return nil, rerr
			}
		default:
			return nil, err
		}
	}
}

// Pool exposes the connection pool, for health checks.
func (c *Client) Pool() *connection.Pool {
	return c.pool
}

// Config returns the configuration the client was built with.
func (c *Client) Config() *config.BrokerConfig {
	return c.cfg
}

// Stats returns the pool counters.
func (c *Client) Stats() connection.PoolStats {
	return c.pool.Stats()
}

// Close closes every pooled connection. Connections still checked out are
// closed when released.
func (c *Client) Close() error {
	return c.pool.Close()
}
