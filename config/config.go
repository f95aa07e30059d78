// Package config loads the client BrokerConfig from YAML and CELERY_* environment
// variables with viper, and validates it.
package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/glimte/celery-go/connection"
	"github.com/glimte/celery-go/internal/reliability"
	"github.com/go-playground/validator/v10"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/viper"
)

const EnvPrefix = "CELERY"

// Delivery modes accepted by DeliveryMode.
const (
	DeliveryPersistent = "persistent"
	DeliveryTransient  = "transient"
)

// BrokerConfig is the process-wide client configuration. It is built once and
// treated as read-only afterwards.
type BrokerConfig struct {
	Connection connection.Info `mapstructure:"connection"`

	DefaultExchange       string   `mapstructure:"default_exchange" validate:"required"`
	DefaultExchangeType   string   `mapstructure:"default_exchange_type" validate:"oneof=direct topic fanout"`
	DefaultQueue          string   `mapstructure:"default_queue" validate:"required"`
	DefaultRoutingKey     string   `mapstructure:"default_routing_key" validate:"required"`
	BroadcastExchange     string   `mapstructure:"broadcast_exchange"`
	BroadcastExchangeType string   `mapstructure:"broadcast_exchange_type" validate:"oneof=direct topic fanout"`
	BroadcastQueue        string   `mapstructure:"broadcast_queue"`
	EventExchange         string   `mapstructure:"event_exchange"`
	EventExchangeType     string   `mapstructure:"event_exchange_type" validate:"oneof=direct topic fanout"`
	EventQueue            string   `mapstructure:"event_queue"`
	EventRoutingKey       string   `mapstructure:"event_routing_key"`
	EventSerializer       string   `mapstructure:"event_serializer" validate:"eq=json"`
	ResultExchange        string   `mapstructure:"result_exchange"`
	TaskSerializer        string   `mapstructure:"task_serializer" validate:"eq=json"`
	ResultSerializer      string   `mapstructure:"result_serializer" validate:"eq=json"`
	AcceptContent         []string `mapstructure:"accept_content" validate:"min=1"`

	WorkerPrefetchMultiplier int    `mapstructure:"worker_prefetch_multiplier" validate:"min=0"`
	DeliveryMode             string `mapstructure:"delivery_mode" validate:"oneof=persistent transient"`

	ConnectionTimeout       time.Duration `mapstructure:"connection_timeout" validate:"gt=0"`
	ConnectionRetry         bool          `mapstructure:"connection_retry"`
	ConnectionMaxRetries    int           `mapstructure:"connection_max_retries" validate:"min=0"`
	ConnectionRetryDelay    time.Duration `mapstructure:"connection_retry_delay" validate:"min=0"`
	ConnectionRetryMaxDelay time.Duration `mapstructure:"connection_retry_max_delay" validate:"min=0"`

	// BreakerThreshold opens the dial circuit breaker after that many
	// consecutive failed connection attempts. Zero disables it.
	BreakerThreshold int           `mapstructure:"connection_breaker_threshold" validate:"min=0"`
	BreakerCooldown  time.Duration `mapstructure:"connection_breaker_cooldown" validate:"min=0"`

	PoolSize       int           `mapstructure:"pool_size" validate:"min=1"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout" validate:"min=0"`

	Lang       string `mapstructure:"lang" validate:"required"`
	Hostname   string `mapstructure:"hostname"`
	NodePrefix string `mapstructure:"node_prefix"`

	TaskRoutes []TaskRoute `mapstructure:"task_routes" validate:"dive"`

	Telemetry Telemetry `mapstructure:"telemetry"`
}

// TaskRoute sends tasks whose name matches Pattern (path.Match syntax) to a
// queue. Queue alone means exchange and routing key named after the queue.
type TaskRoute struct {
	Pattern    string `mapstructure:"pattern" validate:"required"`
	Queue      string `mapstructure:"queue"`
	Exchange   string `mapstructure:"exchange"`
	RoutingKey string `mapstructure:"routing_key"`
}

// Telemetry configures trace export. An empty endpoint disables export.
type Telemetry struct {
	ServiceName string `mapstructure:"service_name"`
	Endpoint    string `mapstructure:"endpoint"`
	Insecure    bool   `mapstructure:"insecure"`
}

// Default returns the stock Celery settings for a local RabbitMQ.
func Default() BrokerConfig {
	return BrokerConfig{
		Connection: connection.Info{
			Scheme:   "amqp",
			Host:     "localhost",
			Port:     5672,
			Username: "guest",
			Password: "guest",
		},
		DefaultExchange:          "celery",
		DefaultExchangeType:      amqp.ExchangeDirect,
		DefaultQueue:             "celery",
		DefaultRoutingKey:        "celery",
		BroadcastExchange:        "celeryctl",
		BroadcastExchangeType:    amqp.ExchangeFanout,
		BroadcastQueue:           "celeryctl",
		EventExchange:            "celery_event",
		EventExchangeType:        amqp.ExchangeTopic,
		EventQueue:               "celeryevent",
		EventRoutingKey:          "celeryevent",
		EventSerializer:          "json",
		ResultExchange:           "celeryresult",
		TaskSerializer:           "json",
		ResultSerializer:         "json",
		AcceptContent:            []string{"application/json"},
		WorkerPrefetchMultiplier: 4,
		DeliveryMode:             DeliveryPersistent,
		ConnectionTimeout:        10 * time.Second,
		ConnectionRetry:          false,
		ConnectionMaxRetries:     1000,
		ConnectionRetryDelay:     200 * time.Millisecond,
		ConnectionRetryMaxDelay:  5 * time.Second,
		BreakerThreshold:         0,
		BreakerCooldown:          30 * time.Second,
		PoolSize:                 runtime.NumCPU(),
		AcquireTimeout:           0,
		Lang:                     "go",
		NodePrefix:               "gen",
		Telemetry: Telemetry{
			ServiceName: "celery-go",
		},
	}
}

func (c *BrokerConfig) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: invalid configuration: %w", err)
	}
	return nil
}

// AMQPDeliveryMode maps DeliveryMode onto the AMQP property value.
func (c *BrokerConfig) AMQPDeliveryMode() uint8 {
	if c.DeliveryMode == DeliveryTransient {
		return amqp.Transient
	}
	return amqp.Persistent
}

// RetryPolicy returns the connection establishment policy. Retries are off
// unless ConnectionRetry is set.
func (c *BrokerConfig) RetryPolicy() reliability.RetryPolicy {
	if !c.ConnectionRetry || c.ConnectionMaxRetries == 0 {
		return reliability.NoRetry{}
	}
	maxDelay := c.ConnectionRetryMaxDelay
	if maxDelay < c.ConnectionRetryDelay {
		maxDelay = c.ConnectionRetryDelay
	}
	return reliability.NewExponentialBackoff(c.ConnectionRetryDelay, maxDelay, 2.0, c.ConnectionMaxRetries)
}

// CircuitBreaker returns the dial breaker, or nil when BreakerThreshold is 0.
func (c *BrokerConfig) CircuitBreaker(opts ...reliability.CircuitBreakerOption) *reliability.CircuitBreaker {
	if c.BreakerThreshold == 0 {
		return nil
	}
	return reliability.NewCircuitBreaker(c.BreakerThreshold, c.BreakerCooldown, opts...)
}

// Load reads configuration from an optional YAML file, then CELERY_* env
// vars, on top of Default. An empty path looks for celery.yaml in the
// working directory and tolerates its absence.
func Load(path string) (*BrokerConfig, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("celery")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read %s: %w", v.ConfigFileUsed(), err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range v.AllKeys() {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", key, err)
		}
	}

	cfg := &BrokerConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d BrokerConfig) {
	v.SetDefault("connection.scheme", d.Connection.Scheme)
	v.SetDefault("connection.host", d.Connection.Host)
	v.SetDefault("connection.port", d.Connection.Port)
	v.SetDefault("connection.vhost", d.Connection.VHost)
	v.SetDefault("connection.username", d.Connection.Username)
	v.SetDefault("connection.password", d.Connection.Password)
	v.SetDefault("connection.tls", d.Connection.TLS)

	v.SetDefault("default_exchange", d.DefaultExchange)
	v.SetDefault("default_exchange_type", d.DefaultExchangeType)
	v.SetDefault("default_queue", d.DefaultQueue)
	v.SetDefault("default_routing_key", d.DefaultRoutingKey)
	v.SetDefault("broadcast_exchange", d.BroadcastExchange)
	v.SetDefault("broadcast_exchange_type", d.BroadcastExchangeType)
	v.SetDefault("broadcast_queue", d.BroadcastQueue)
	v.SetDefault("event_exchange", d.EventExchange)
	v.SetDefault("event_exchange_type", d.EventExchangeType)
	v.SetDefault("event_queue", d.EventQueue)
	v.SetDefault("event_routing_key", d.EventRoutingKey)
	v.SetDefault("event_serializer", d.EventSerializer)
	v.SetDefault("result_exchange", d.ResultExchange)
	v.SetDefault("task_serializer", d.TaskSerializer)
	v.SetDefault("result_serializer", d.ResultSerializer)
	v.SetDefault("accept_content", d.AcceptContent)

	v.SetDefault("worker_prefetch_multiplier", d.WorkerPrefetchMultiplier)
	v.SetDefault("delivery_mode", d.DeliveryMode)
	v.SetDefault("connection_timeout", d.ConnectionTimeout)
	v.SetDefault("connection_retry", d.ConnectionRetry)
	v.SetDefault("connection_max_retries", d.ConnectionMaxRetries)
	v.SetDefault("connection_retry_delay", d.ConnectionRetryDelay)
	v.SetDefault("connection_retry_max_delay", d.ConnectionRetryMaxDelay)
	v.SetDefault("connection_breaker_threshold", d.BreakerThreshold)
	v.SetDefault("connection_breaker_cooldown", d.BreakerCooldown)
	v.SetDefault("pool_size", d.PoolSize)
	v.SetDefault("acquire_timeout", d.AcquireTimeout)

	v.SetDefault("lang", d.Lang)
	v.SetDefault("hostname", d.Hostname)
	v.SetDefault("node_prefix", d.NodePrefix)

	v.SetDefault("telemetry.service_name", d.Telemetry.ServiceName)
	v.SetDefault("telemetry.endpoint", d.Telemetry.Endpoint)
	v.SetDefault("telemetry.insecure", d.Telemetry.Insecure)
}
