package config

import (
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
// The producer server and the worker load the same structure and use the
// sections that concern them.
type Config struct {
	Log      LogConfig      `mapstructure:"log" validate:"required"`
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	Broker   BrokerConfig   `mapstructure:"broker" validate:"required"`
	Queue    QueueConfig    `mapstructure:"queue" validate:"required"`
	Producer ProducerConfig `mapstructure:"producer" validate:"required"`
	Worker   WorkerConfig   `mapstructure:"worker" validate:"required"`
	Metrics  MetricsConfig  `mapstructure:"metrics" validate:"required"`
	Auth     AuthConfig     `mapstructure:"auth"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=json text"`
}

// ServerConfig contains the producer's HTTP server settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// BrokerConfig selects and locates the message broker.
type BrokerConfig struct {
	// Driver is one of amqp, postgres or memory
	Driver string `mapstructure:"driver" validate:"required,oneof=amqp postgres memory"`

	// URL overrides the host/credential fields below. Required for postgres.
	URL string `mapstructure:"url" validate:"required_if=Driver postgres"`

	Host      string        `mapstructure:"host" validate:"required_if=Driver amqp"`
	Port      int           `mapstructure:"port" validate:"gt=0,lt=65536"`
	User      string        `mapstructure:"user"`
	Password  string        `mapstructure:"password"`
	VHost     string        `mapstructure:"vhost"`
	Heartbeat time.Duration `mapstructure:"heartbeat" validate:"gte=0"`

	// DeadLetterArgs makes the amqp driver declare the queue with server-side
	// dead-letter arguments. Off by default so an existing argument-less
	// queue keeps working; delete that queue before enabling it.
	DeadLetterArgs bool `mapstructure:"dead_letter_args"`

	// LeaseDuration is how long the postgres driver keeps a delivery
	// invisible to other consumers without a heartbeat
	LeaseDuration time.Duration `mapstructure:"lease_duration" validate:"gte=0"`
}

// AMQPURL returns URL if set, otherwise an amqp:// URL built from the
// host and credential fields.
func (b BrokerConfig) AMQPURL() string {
	if b.URL != "" {
		return b.URL
	}

	u := url.URL{
		Scheme: "amqp",
		Host:   net.JoinHostPort(b.Host, strconv.Itoa(b.Port)),
	}
	if b.User != "" {
		u.User = url.UserPassword(b.User, b.Password)
	}
	if vhost := strings.TrimPrefix(b.VHost, "/"); vhost != "" {
		u.Path = "/" + vhost
	}
	return u.String()
}

// QueueConfig names the shared durable queue.
type QueueConfig struct {
	Name       string `mapstructure:"name" validate:"required"`
	DeadLetter string `mapstructure:"dead_letter" validate:"required,nefield=Name"`
}

// ProducerConfig tunes publishing.
type ProducerConfig struct {
	// MaxRetries bounds publish retries after the first attempt
	MaxRetries     uint64        `mapstructure:"max_retries" validate:"lte=10"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay" validate:"gt=0"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay" validate:"gtefield=RetryBaseDelay"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout" validate:"gt=0"`
	// PoolSize bounds the number of open broker sessions
	PoolSize int `mapstructure:"pool_size" validate:"gt=0"`
}

// WorkerConfig tunes the consumer loop.
type WorkerConfig struct {
	// Concurrency is the number of independent consumer loops, each with its own session
	Concurrency int `mapstructure:"concurrency" validate:"gt=0"`
	// Prefetch is the in-flight cap per consumer loop
	Prefetch int `mapstructure:"prefetch" validate:"gt=0"`
	// TaskTimeout bounds a single task execution; zero disables the bound
	TaskTimeout time.Duration `mapstructure:"task_timeout" validate:"gte=0"`
	// MaxAttempts is the number of deliveries a retryable task gets before dead-lettering
	MaxAttempts int `mapstructure:"max_attempts" validate:"gt=0"`
	// SimulatedWork is the delay of the built-in task handler
	SimulatedWork      time.Duration `mapstructure:"simulated_work" validate:"gte=0"`
	ReconnectBaseDelay time.Duration `mapstructure:"reconnect_base_delay" validate:"gt=0"`
	ReconnectMaxDelay  time.Duration `mapstructure:"reconnect_max_delay" validate:"gtefield=ReconnectBaseDelay"`
}

// MetricsConfig contains telemetry settings.
type MetricsConfig struct {
	// Port serves the worker's metrics endpoint; the producer serves /metrics on its own port
	Port        int  `mapstructure:"port" validate:"gt=0,lt=65536"`
	OTelEnabled bool `mapstructure:"otel_enabled"`
}

// AuthConfig contains optional submission authentication settings.
// Leaving JWTSecret empty disables authentication.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" validate:"omitempty,min=32"`
}
