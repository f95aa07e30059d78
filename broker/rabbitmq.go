package broker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/celery-go/config"
	"github.com/glimte/celery-go/connection"
	"github.com/glimte/celery-go/internal/nodename"
	"github.com/glimte/celery-go/message"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/glimte/celery-go/broker"

// RabbitMQBroker speaks the Celery protocol over AMQP 0-9-1 channels. It
// works with any connection.Channel, including the Redis virtual channel.
type RabbitMQBroker struct {
	cfg        *config.BrokerConfig
	origin     string
	newID      func() string
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	logger     *slog.Logger
}

var _ Broker = (*RabbitMQBroker)(nil)

// Option configures a RabbitMQBroker.
type Option func(*rabbitOptions)

type rabbitOptions struct {
	resolver       nodename.Resolver
	newID          func() string
	tracerProvider trace.TracerProvider
	propagator     propagation.TextMapPropagator
	logger         *slog.Logger
}

// WithNodeResolver overrides how the default origin is computed.
func WithNodeResolver(r nodename.Resolver) Option {
	return func(o *rabbitOptions) {
		o.resolver = r
	}
}

// WithMessageIDs replaces the message id generator.
func WithMessageIDs(fn func() string) Option {
	return func(o *rabbitOptions) {
		if fn != nil {
			o.newID = fn
		}
	}
}

// WithTracerProvider sets the provider for publish spans. The global
// provider is used by default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *rabbitOptions) {
		o.tracerProvider = tp
	}
}

// WithPropagator sets the propagator injected into task headers. The global
// propagator is used by default.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(o *rabbitOptions) {
		o.propagator = p
	}
}

// WithLogger sets the broker logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *rabbitOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// NewRabbitMQBroker creates the protocol layer for cfg. The default task
// origin is resolved once here.
func NewRabbitMQBroker(cfg *config.BrokerConfig, opts ...Option) *RabbitMQBroker {
	o := rabbitOptions{
		resolver: nodename.System(),
		newID:    uuid.NewString,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	tp := o.tracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	return &RabbitMQBroker{
		cfg:        cfg,
		origin:     o.resolver.Anonymous(cfg.Hostname, cfg.NodePrefix),
		newID:      o.newID,
		tracer:     tp.Tracer(tracerName),
		propagator: o.propagator,
		logger:     o.logger,
	}
}

// Origin is the node name used when a message carries no origin.
func (b *RabbitMQBroker) Origin() string {
	return b.origin
}

// CreateExchange declares an exchange. Redeclaring with the same attributes
// is a no-op on the broker.
func (b *RabbitMQBroker) CreateExchange(ctx context.Context, ch connection.Channel, durable bool, name, kind string) error {
	if err := ctx.Err(); err != nil {
		return &ExchangeError{Op: "declare", Exchange: name, Err: err}
	}
	if kind == "" {
		kind = b.cfg.DefaultExchangeType
	}
	if err := ch.ExchangeDeclare(name, kind, durable, false, false, false, nil); err != nil {
		return &ExchangeError{Op: "declare", Exchange: name, Err: err}
	}
	b.logger.Debug("exchange declared", "exchange", name, "type", kind, "durable", durable)
	return nil
}

// CreateQueue declares the companion exchange when asked, then the queue,
// then binds it when an exchange is named.
func (b *RabbitMQBroker) CreateQueue(ctx context.Context, ch connection.Channel, spec QueueSpec) error {
	if err := ctx.Err(); err != nil {
		return &QueueError{Op: "declare", Queue: spec.Name, Exchange: spec.Exchange, Err: err}
	}

	if spec.DeclareExchange && spec.Exchange != "" {
		err := ch.ExchangeDeclare(spec.Exchange, b.cfg.DefaultExchangeType, spec.Durable, false, false, false, nil)
		if err != nil {
			return &QueueError{Op: "declare exchange", Queue: spec.Name, Exchange: spec.Exchange, Err: err}
		}
	}

	if _, err := ch.QueueDeclare(spec.Name, spec.Durable, false, false, false, nil); err != nil {
		return &QueueError{Op: "declare", Queue: spec.Name, Err: err}
	}

	if spec.Exchange == "" {
		b.logger.Debug("queue declared", "queue", spec.Name, "durable", spec.Durable)
		return nil
	}

	key := spec.RoutingKey
	if key == "" {
		key = b.cfg.DefaultRoutingKey
	}
	if err := ch.QueueBind(spec.Name, key, spec.Exchange, false, nil); err != nil {
		return &QueueError{Op: "bind", Queue: spec.Name, Exchange: spec.Exchange, Err: err}
	}

	b.logger.Debug("queue declared and bound",
		"queue", spec.Name,
		"exchange", spec.Exchange,
		"routing_key", key)
	return nil
}

// BindToExchange binds an existing queue to an existing exchange.
func (b *RabbitMQBroker) BindToExchange(ctx context.Context, ch connection.Channel, exchange, queue, routingKey string) error {
	if err := ctx.Err(); err != nil {
		return &ExchangeError{Op: "bind", Exchange: exchange, Queue: queue, Err: err}
	}
	if routingKey == "" {
		routingKey = b.cfg.DefaultRoutingKey
	}
	if err := ch.QueueBind(queue, routingKey, exchange, false, nil); err != nil {
		return &ExchangeError{Op: "bind", Exchange: exchange, Queue: queue, Err: err}
	}
	return nil
}

// SendTask encodes msg and publishes it. Empty exchange or routing key fall
// back to the configured defaults. The AMQP default exchange "" cannot be
// targeted; route through a named exchange instead. Nothing is published when
// encoding fails. No publisher confirm is awaited.
func (b *RabbitMQBroker) SendTask(ctx context.Context, ch connection.Channel, msg message.Message, exchange, routingKey string) error {
	if exchange == "" {
		exchange = b.cfg.DefaultExchange
	}
	if routingKey == "" {
		routingKey = b.cfg.DefaultRoutingKey
	}
	messageID := b.newID()

	ctx, span := b.tracer.Start(ctx, "celery.send_task",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("rabbitmq"),
			semconv.MessagingDestinationKindTopic,
			semconv.MessagingDestinationKey.String(exchange),
			semconv.MessagingRabbitmqRoutingKeyKey.String(routingKey),
			semconv.MessagingMessageIDKey.String(messageID),
			semconv.MessagingConversationIDKey.String(msg.Properties.CorrelationID),
			attribute.String("celery.task", msg.Headers.Task),
			attribute.String("celery.task_id", msg.Headers.ID),
		),
	)
	defer span.End()

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &PublishError{
			Task:       msg.Headers.Task,
			TaskID:     msg.Headers.ID,
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        err,
		}
	}

	headers, err := msg.Headers.AMQPTable(b.origin)
	if err != nil {
		return fail(fmt.Errorf("%w: headers: %w", ErrSerialization, err))
	}
	body, err := msg.EncodeBody()
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrSerialization, err))
	}

	carrier := propagation.MapCarrier{}
	b.textMapPropagator().Inject(ctx, carrier)
	for k, v := range carrier {
		if _, taken := headers[k]; !taken {
			headers[k] = v
		}
	}

	pub := msg.Properties.Publishing(messageID)
	pub.Headers = headers
	pub.Body = body
	pub.DeliveryMode = b.cfg.AMQPDeliveryMode()

	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, pub); err != nil {
		return fail(err)
	}

	span.SetAttributes(attribute.Int("messaging.message_payload_size_bytes", len(body)))
	b.logger.Debug("task published",
		"task", msg.Headers.Task,
		"task_id", msg.Headers.ID,
		"exchange", exchange,
		"routing_key", routingKey)
	return nil
}

func (b *RabbitMQBroker) textMapPropagator() propagation.TextMapPropagator {
	if b.propagator != nil {
		return b.propagator
	}
	return otel.GetTextMapPropagator()
}
