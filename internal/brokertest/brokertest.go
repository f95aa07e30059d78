// Package brokertest provides an in-memory broker that records topology and
// publishes made through connection.Channel, for tests.
package brokertest

import (
	"context"
	"errors"
	"sync"

	"github.com/glimte/celery-go/connection"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Operations accepted by Fail.
const (
	OpDial            = "dial"
	OpChannel         = "channel"
	OpExchangeDeclare = "exchange.declare"
	OpQueueDeclare    = "queue.declare"
	OpQueueBind       = "queue.bind"
	OpPublish         = "publish"
	OpClose           = "close"
)

var ErrInjected = errors.New("brokertest: injected failure")

type Exchange struct {
	Name    string
	Kind    string
	Durable bool
}

type Queue struct {
	Name    string
	Durable bool
}

type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
}

type Publication struct {
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
}

// Broker is a fake broker. The zero value is not usable; call New.
type Broker struct {
	mu         sync.Mutex
	exchanges  map[string]Exchange
	queues     map[string]Queue
	bindings   []Binding
	published  []Publication
	failures   map[string]error
	dials      int
	transports []*Transport
	calls      []string
}

func New() *Broker {
	return &Broker{
		exchanges: make(map[string]Exchange),
		queues:    make(map[string]Queue),
		failures:  make(map[string]error),
	}
}

// Fail makes every later op fail with err. A nil err clears the failure.
func (b *Broker) Fail(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failures, op)
		return
	}
	b.failures[op] = err
}

func (b *Broker) failure(op string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures[op]
}

// Dialer returns a connection.Dialer connected to b.
func (b *Broker) Dialer() connection.Dialer {
	return connection.DialerFunc(func(ctx context.Context, url string, info connection.Info) (connection.Transport, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		b.dials++
		if err := b.failures[OpDial]; err != nil {
			return nil, err
		}
		t := &Transport{broker: b, URL: url}
		b.transports = append(b.transports, t)
		return t, nil
	})
}

// Dials is the number of dial attempts made.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Transports returns every transport dialed so far.
func (b *Broker) Transports() []*Transport {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Transport(nil), b.transports...)
}

// Drop closes every open transport, like a broker restart.
func (b *Broker) Drop() {
	for _, t := range b.Transports() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
	}
}

func (b *Broker) Exchange(name string) (Exchange, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.exchanges[name]
	return ex, ok
}

func (b *Broker) Queue(name string) (Queue, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	return q, ok
}

func (b *Broker) Bindings() []Binding {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Binding(nil), b.bindings...)
}

func (b *Broker) Published() []Publication {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Publication(nil), b.published...)
}

// Calls lists channel operations in the order they reached the broker.
func (b *Broker) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *Broker) record(op string, apply func()) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, op)
	if err := b.failures[op]; err != nil {
		return err
	}
	apply()
	return nil
}

// Transport is one fake connection.
type Transport struct {
	broker *Broker
	URL    string

	mu       sync.Mutex
	closed   bool
	closes   int
	channels []*Channel
}

func (t *Transport) Channel() (connection.Channel, error) {
	if err := t.broker.failure(OpChannel); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, connection.ErrClosed
	}
	ch := &Channel{transport: t}
	t.channels = append(t.channels, ch)
	return ch, nil
}

func (t *Transport) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) Close() error {
	t.mu.Lock()
	t.closes++
	t.closed = true
	t.mu.Unlock()
	return t.broker.failure(OpClose)
}

// Closes is how many times Close was called.
func (t *Transport) Closes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}

// Channels returns the channels opened on t.
func (t *Transport) Channels() []*Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Channel(nil), t.channels...)
}

// Channel is one fake channel.
type Channel struct {
	transport *Transport

	mu     sync.Mutex
	closed bool
}

func (c *Channel) broker() *Broker { return c.transport.broker }

// Kill closes the channel, as a broker channel exception would.
func (c *Channel) Kill() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *Channel) IsClosed() bool {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	return closed || c.transport.IsClosed()
}

func (c *Channel) Close() error {
	c.Kill()
	return nil
}

func (c *Channel) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	if c.IsClosed() {
		return amqp.ErrClosed
	}
	return c.broker().record(OpExchangeDeclare, func() {
		c.broker().exchanges[name] = Exchange{Name: name, Kind: kind, Durable: durable}
	})
}

func (c *Channel) QueueDeclare(name string, durable, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	if c.IsClosed() {
		return amqp.Queue{}, amqp.ErrClosed
	}
	err := c.broker().record(OpQueueDeclare, func() {
		c.broker().queues[name] = Queue{Name: name, Durable: durable}
	})
	if err != nil {
		return amqp.Queue{}, err
	}
	return amqp.Queue{Name: name}, nil
}

func (c *Channel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	if c.IsClosed() {
		return amqp.ErrClosed
	}
	return c.broker().record(OpQueueBind, func() {
		c.broker().bindings = append(c.broker().bindings, Binding{Queue: name, Exchange: exchange, RoutingKey: key})
	})
}

func (c *Channel) PublishWithContext(ctx context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.IsClosed() {
		return amqp.ErrClosed
	}
	return c.broker().record(OpPublish, func() {
		c.broker().published = append(c.broker().published, Publication{Exchange: exchange, RoutingKey: key, Msg: msg})
	})
}
