package connection

import (
	"context"
	"crypto/tls"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultDialTimeout = 10 * time.Second

// AMQPDialer opens connections with amqp091-go.
type AMQPDialer struct {
	Timeout   time.Duration
	TLSConfig *tls.Config
	// ConnectionName is reported to the broker as the client connection name.
	ConnectionName string
}

// Dial implements Dialer. The effective timeout is the smaller of Timeout and
// the time left before ctx expires.
func (d *AMQPDialer) Dial(ctx context.Context, url string, info Info) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}

	cfg := amqp.Config{
		Dial:       amqp.DefaultDial(timeout),
		Properties: amqp.NewConnectionProperties(),
	}
	if d.ConnectionName != "" {
		cfg.Properties.SetClientConnectionName(d.ConnectionName)
	}

	if info.UseTLS() {
		cfg.TLSClientConfig = d.TLSConfig
		if cfg.TLSClientConfig == nil {
			cfg.TLSClientConfig = &tls.Config{ServerName: info.Host}
		}
		// amqp091 only wraps the socket in TLS for the amqps scheme.
		if strings.HasPrefix(url, "amqp://") {
			url = "amqps://" + strings.TrimPrefix(url, "amqp://")
		}
	}

	conn, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}
	return &amqpTransport{conn: conn}, nil
}

type amqpTransport struct {
	conn *amqp.Connection
}

func (t *amqpTransport) Channel() (Channel, error) {
	ch, err := t.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (t *amqpTransport) IsClosed() bool {
	return t.conn.IsClosed()
}

func (t *amqpTransport) Close() error {
	if t.conn.IsClosed() {
		return nil
	}
	return t.conn.Close()
}
