package connection

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of an AMQP channel the broker layer drives.
// *amqp.Channel satisfies it, as does the Redis virtual channel.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

// Transport is one live broker connection.
type Transport interface {
	Channel() (Channel, error)
	IsClosed() bool
	Close() error
}

// Dialer opens a Transport for an already rendered URL.
type Dialer interface {
	Dial(ctx context.Context, url string, info Info) (Transport, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url string, info Info) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context, url string, info Info) (Transport, error) {
	return f(ctx, url, info)
}
