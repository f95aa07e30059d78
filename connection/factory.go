package connection

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/celery-go/internal/reliability"
	"github.com/google/uuid"
)

// Opener produces pool entries. *Factory is the production implementation.
type Opener interface {
	Open(ctx context.Context) (*Conn, error)
}

// Factory turns an Info into live connections.
type Factory struct {
	info        Info
	dialers     map[string]Dialer
	retry       reliability.RetryPolicy
	breaker     *reliability.CircuitBreaker
	dialTimeout time.Duration
	tlsConfig   *tls.Config
	connName    string
	logger      *slog.Logger
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithDialer registers d for scheme, replacing any built-in dialer.
func WithDialer(scheme string, d Dialer) FactoryOption {
	return func(f *Factory) {
		f.dialers[scheme] = d
	}
}

// WithRetryPolicy retries connection establishment according to policy.
// The default is reliability.NoRetry.
func WithRetryPolicy(policy reliability.RetryPolicy) FactoryOption {
	return func(f *Factory) {
		if policy != nil {
			f.retry = policy
		}
	}
}

// WithCircuitBreaker guards every dial attempt with cb. While cb is open,
// Open fails immediately without touching the network.
func WithCircuitBreaker(cb *reliability.CircuitBreaker) FactoryOption {
	return func(f *Factory) {
		f.breaker = cb
	}
}

// WithDialTimeout bounds each dial made by the built-in dialers.
func WithDialTimeout(d time.Duration) FactoryOption {
	return func(f *Factory) {
		f.dialTimeout = d
	}
}

// WithTLSConfig sets the TLS configuration the built-in dialers use for
// amqps, rediss or Info.TLS connections. Without it they verify against the
// system roots using Info.Host as server name.
func WithTLSConfig(cfg *tls.Config) FactoryOption {
	return func(f *Factory) {
		f.tlsConfig = cfg
	}
}

// WithConnectionName sets the client connection name AMQP brokers show in
// their management UI.
func WithConnectionName(name string) FactoryOption {
	return func(f *Factory) {
		f.connName = name
	}
}

// WithFactoryLogger sets the factory logger.
func WithFactoryLogger(logger *slog.Logger) FactoryOption {
	return func(f *Factory) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// NewFactory creates a factory for info. amqp, amqps, redis and rediss are
// supported out of the box.
func NewFactory(info Info, opts ...FactoryOption) *Factory {
	f := &Factory{
		info:        info,
		dialers:     make(map[string]Dialer),
		retry:       reliability.NoRetry{},
		dialTimeout: defaultDialTimeout,
		logger:      slog.Default(),
	}

	for _, opt := range opts {
		opt(f)
	}

	amqpDialer := &AMQPDialer{Timeout: f.dialTimeout, TLSConfig: f.tlsConfig, ConnectionName: f.connName}
	redisDialer := &RedisDialer{Timeout: f.dialTimeout, TLSConfig: f.tlsConfig}
	for scheme, d := range map[string]Dialer{
		"amqp":   amqpDialer,
		"amqps":  amqpDialer,
		"redis":  redisDialer,
		"rediss": redisDialer,
	} {
		if _, ok := f.dialers[scheme]; !ok {
			f.dialers[scheme] = d
		}
	}

	return f
}

// Info returns the connection info the factory dials.
func (f *Factory) Info() Info {
	return f.info
}

// Open dials the broker and opens one channel on the new connection.
func (f *Factory) Open(ctx context.Context) (*Conn, error) {
	return f.open(ctx, f.info)
}

// OpenWithCredentials is Open with the username and password overridden for
// this call only.
func (f *Factory) OpenWithCredentials(ctx context.Context, username, password string) (*Conn, error) {
	return f.open(ctx, f.info.WithCredentials(username, password))
}

func (f *Factory) open(ctx context.Context, info Info) (*Conn, error) {
	redacted := info.Redacted()

	dialer, ok := f.dialers[info.Scheme]
	if !ok {
		return nil, &ConnectionError{
			Op:  "dial",
			URL: redacted,
			Err: fmt.Errorf("%w: %w %q", ErrConnectionFailed, ErrUnsupportedScheme, info.Scheme),
		}
	}

	var (
		conn     *Conn
		lastErr  *ConnectionError
		attempts int
	)
	err := reliability.Retry(ctx, f.retry, func(attempt int) error {
		attempts = attempt + 1
		if attempt > 0 {
			f.logger.Warn("retrying broker connection",
				"url", redacted,
				"attempt", attempts,
				"error", lastErr)
		}

		c, cerr := f.guardedDial(ctx, dialer, info)
		if cerr != nil {
			lastErr = cerr
			if errors.Is(cerr, reliability.ErrCircuitOpen) {
				return reliability.Permanent(cerr)
			}
			return cerr
		}
		conn = c
		return nil
	})
	if err == nil {
		f.logger.Debug("broker connection opened", "url", redacted, "conn_id", conn.ID())
		return conn, nil
	}

	if lastErr == nil {
		// ctx was done before the first attempt.
		lastErr = &ConnectionError{Op: "dial", URL: redacted, Err: fmt.Errorf("%w: %w", ErrConnectionFailed, err)}
	} else if isContextErr(err) && !errors.Is(lastErr, err) {
		// ctx ended while waiting between attempts.
		lastErr.Err = fmt.Errorf("%w: %w", lastErr.Err, err)
	}
	lastErr.Attempts = attempts
	return nil, lastErr
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (f *Factory) guardedDial(ctx context.Context, dialer Dialer, info Info) (*Conn, *ConnectionError) {
	if f.breaker == nil {
		return f.dial(ctx, dialer, info)
	}
	if err := f.breaker.Allow(); err != nil {
		return nil, &ConnectionError{
			Op:  "dial",
			URL: info.Redacted(),
			Err: fmt.Errorf("%w: %w", ErrConnectionFailed, err),
		}
	}

	conn, cerr := f.dial(ctx, dialer, info)
	if cerr != nil {
		f.breaker.Record(cerr)
		return nil, cerr
	}
	f.breaker.Record(nil)
	return conn, nil
}

func (f *Factory) dial(ctx context.Context, dialer Dialer, info Info) (*Conn, *ConnectionError) {
	transport, err := dialer.Dial(ctx, info.URL(), info)
	if err != nil {
		return nil, &ConnectionError{
			Op:  "dial",
			URL: info.Redacted(),
			Err: fmt.Errorf("%w: %w", ErrConnectionFailed, err),
		}
	}

	ch, err := transport.Channel()
	if err != nil {
		if cerr := transport.Close(); cerr != nil {
			f.logger.Warn("failed to close connection after channel error", "url", info.Redacted(), "error", cerr)
		}
		return nil, &ConnectionError{
			Op:  "channel",
			URL: info.Redacted(),
			Err: fmt.Errorf("%w: %w", ErrChannelFailed, err),
		}
	}

	return NewConn(uuid.NewString(), transport, ch), nil
}
