// Package broker declares Celery topology and publishes task messages over a
// borrowed connection.Channel.
package broker

import (
	"context"

	"github.com/glimte/celery-go/connection"
	"github.com/glimte/celery-go/message"
)

// Broker is the protocol layer. Every call is synchronous and runs on the
// channel it is given; the caller owns that channel for the call.
type Broker interface {
	CreateExchange(ctx context.Context, ch connection.Channel, durable bool, name, kind string) error
	CreateQueue(ctx context.Context, ch connection.Channel, spec QueueSpec) error
	BindToExchange(ctx context.Context, ch connection.Channel, exchange, queue, routingKey string) error
	SendTask(ctx context.Context, ch connection.Channel, msg message.Message, exchange, routingKey string) error
}

// QueueSpec describes a queue for CreateQueue. When Exchange is empty the
// queue is declared but not bound. An empty RoutingKey binds with the
// configured default routing key.
type QueueSpec struct {
	Name            string
	Durable         bool
	DeclareExchange bool
	Exchange        string
	RoutingKey      string
}
