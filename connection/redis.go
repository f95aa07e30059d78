package connection

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/atomic"
)

// Key layout shared with kombu's Redis transport so Celery workers consume
// what this package publishes.
const (
	bindingKeyPrefix = "_kombu.binding."
	bindingSep       = "\x06\x16"
)

var prioritySteps = []uint8{0, 3, 6, 9}

// RedisDialer opens Redis connections that behave like AMQP channels.
// Exchange types are remembered per dialer, so every connection a factory
// opens sees the same declarations. Undeclared exchanges route as direct.
type RedisDialer struct {
	Timeout   time.Duration
	TLSConfig *tls.Config

	exchanges sync.Map // name -> kind
}

// Dial implements Dialer. Each transport owns a single TCP connection.
func (d *RedisDialer) Dial(ctx context.Context, url string, info Info) (Transport, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	opts.PoolSize = 1
	opts.MinIdleConns = 0
	opts.DialTimeout = timeout
	if info.UseTLS() {
		switch {
		case d.TLSConfig != nil:
			opts.TLSConfig = d.TLSConfig
		case opts.TLSConfig == nil:
			opts.TLSConfig = &tls.Config{ServerName: info.Host}
		}
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &redisTransport{client: client, db: opts.DB, dialer: d}, nil
}

func (d *RedisDialer) exchangeKind(name string) string {
	if kind, ok := d.exchanges.Load(name); ok {
		return kind.(string)
	}
	return amqp.ExchangeDirect
}

type redisTransport struct {
	client *redis.Client
	db     int
	dialer *RedisDialer
	closed atomic.Bool
}

func (t *redisTransport) Channel() (Channel, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	return &redisChannel{transport: t}, nil
}

func (t *redisTransport) IsClosed() bool {
	return t.closed.Load()
}

func (t *redisTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	return t.client.Close()
}

type redisChannel struct {
	transport *redisTransport
	closed    atomic.Bool
}

func (c *redisChannel) IsClosed() bool {
	return c.closed.Load() || c.transport.IsClosed()
}

func (c *redisChannel) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *redisChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	if c.IsClosed() {
		return ErrClosed
	}
	switch kind {
	case amqp.ExchangeDirect, amqp.ExchangeTopic, amqp.ExchangeFanout:
	default:
		return fmt.Errorf("redis transport: unsupported exchange type %q", kind)
	}
	if name == "" {
		return nil
	}
	if prev, loaded := c.transport.dialer.exchanges.LoadOrStore(name, kind); loaded && prev.(string) != kind {
		return fmt.Errorf("redis transport: exchange %q already declared as %s", name, prev)
	}
	return nil
}

func (c *redisChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	if c.IsClosed() {
		return amqp.Queue{}, ErrClosed
	}
	if name == "" {
		name = "amq.gen-" + uuid.NewString()
	}
	n, err := c.transport.client.LLen(context.Background(), name).Result()
	if err != nil {
		return amqp.Queue{}, err
	}
	return amqp.Queue{Name: name, Messages: int(n)}, nil
}

func (c *redisChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	if c.IsClosed() {
		return ErrClosed
	}
	pattern := ""
	if c.transport.dialer.exchangeKind(exchange) == amqp.ExchangeTopic {
		pattern = topicRegexp(key)
	}
	member := strings.Join([]string{key, pattern, name}, bindingSep)
	return c.transport.client.SAdd(context.Background(), bindingKeyPrefix+exchange, member).Err()
}

func (c *redisChannel) PublishWithContext(ctx context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if c.IsClosed() {
		return ErrClosed
	}

	payload, err := json.Marshal(newRedisEnvelope(exchange, key, msg))
	if err != nil {
		return fmt.Errorf("redis transport: encode envelope: %w", err)
	}

	client := c.transport.client
	if exchange == "" {
		return client.LPush(ctx, queueForPriority(key, msg.Priority), payload).Err()
	}

	// Fanout goes only to the pub/sub channel; kombu consumers never pop
	// fanout queue lists.
	kind := c.transport.dialer.exchangeKind(exchange)
	if kind == amqp.ExchangeFanout {
		return client.Publish(ctx, fanoutChannel(c.transport.db, exchange), payload).Err()
	}

	queues, err := c.lookup(ctx, exchange, kind, key)
	if err != nil {
		return err
	}

	// Unroutable messages are dropped, like a non-mandatory AMQP publish.
	if len(queues) == 0 {
		return nil
	}

	pipe := client.TxPipeline()
	for _, q := range queues {
		pipe.LPush(ctx, queueForPriority(q, msg.Priority), payload)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (c *redisChannel) lookup(ctx context.Context, exchange, kind, key string) ([]string, error) {
	members, err := c.transport.client.SMembers(ctx, bindingKeyPrefix+exchange).Result()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(members))
	var queues []string
	for _, m := range members {
		parts := strings.SplitN(m, bindingSep, 3)
		if len(parts) != 3 {
			continue
		}
		bindKey, queue := parts[0], parts[2]

		match := bindKey == key
		if kind == amqp.ExchangeTopic {
			match = topicMatch(bindKey, key)
		}
		if !match {
			continue
		}
		if _, dup := seen[queue]; dup {
			continue
		}
		seen[queue] = struct{}{}
		queues = append(queues, queue)
	}
	sort.Strings(queues)
	return queues, nil
}

type redisEnvelope struct {
	Body            string                  `json:"body"`
	ContentEncoding string                  `json:"content-encoding"`
	ContentType     string                  `json:"content-type"`
	Headers         amqp.Table              `json:"headers"`
	Properties      redisEnvelopeProperties `json:"properties"`
}

type redisEnvelopeProperties struct {
	CorrelationID string            `json:"correlation_id"`
	ReplyTo       string            `json:"reply_to,omitempty"`
	MessageID     string            `json:"message_id,omitempty"`
	DeliveryMode  uint8             `json:"delivery_mode"`
	DeliveryInfo  map[string]string `json:"delivery_info"`
	Priority      uint8             `json:"priority"`
	BodyEncoding  string            `json:"body_encoding"`
	DeliveryTag   string            `json:"delivery_tag"`
}

func newRedisEnvelope(exchange, key string, msg amqp.Publishing) redisEnvelope {
	headers := msg.Headers
	if headers == nil {
		headers = amqp.Table{}
	}
	mode := msg.DeliveryMode
	if mode == 0 {
		mode = amqp.Persistent
	}
	return redisEnvelope{
		Body:            base64.StdEncoding.EncodeToString(msg.Body),
		ContentEncoding: msg.ContentEncoding,
		ContentType:     msg.ContentType,
		Headers:         headers,
		Properties: redisEnvelopeProperties{
			CorrelationID: msg.CorrelationId,
			ReplyTo:       msg.ReplyTo,
			MessageID:     msg.MessageId,
			DeliveryMode:  mode,
			DeliveryInfo:  map[string]string{"exchange": exchange, "routing_key": key},
			Priority:      msg.Priority,
			BodyEncoding:  "base64",
			DeliveryTag:   uuid.NewString(),
		},
	}
}

// fanoutChannel is the pub/sub channel kombu workers subscribe to for a
// fanout exchange.
func fanoutChannel(db int, exchange string) string {
	return fmt.Sprintf("/%d.%s", db, exchange)
}

// queueForPriority maps a priority onto kombu's stepped per-priority lists.
func queueForPriority(queue string, priority uint8) string {
	step := prioritySteps[0]
	for _, s := range prioritySteps {
		if priority >= s {
			step = s
		}
	}
	if step == 0 {
		return queue
	}
	return fmt.Sprintf("%s%s%d", queue, bindingSep, step)
}

// topicMatch applies AMQP topic rules: "*" is exactly one word, "#" is zero
// or more words.
func topicMatch(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(words); i++ {
			if matchWords(pattern[1:], words[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(words) > 0 && matchWords(pattern[1:], words[1:])
	default:
		return len(words) > 0 && words[0] == pattern[0] && matchWords(pattern[1:], words[1:])
	}
}

// topicRegexp renders the binding pattern kombu stores next to topic bindings.
func topicRegexp(key string) string {
	words := strings.Split(key, ".")
	for i, w := range words {
		switch w {
		case "*":
			words[i] = `.*?[^\.]`
		case "#":
			words[i] = `.*?`
		default:
			words[i] = regexp.QuoteMeta(w)
		}
	}
	return "^" + strings.Join(words, `\.`) + "$"
}
