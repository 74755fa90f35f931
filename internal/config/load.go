package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. TASKRELAY_SERVER_PORT
const EnvPrefix = "TASKRELAY"

// legacyEnv maps config keys to the environment names earlier deployments used
var legacyEnv = map[string]string{
	"broker.host":     "RABBITMQ_HOST",
	"broker.user":     "RABBITMQ_USER",
	"broker.password": "RABBITMQ_PASS",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("server.port", 8000)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("broker.driver", "amqp")
	v.SetDefault("broker.url", "")
	v.SetDefault("broker.host", "rabbitmq")
	v.SetDefault("broker.port", 5672)
	v.SetDefault("broker.user", "admin")
	v.SetDefault("broker.password", "admin")
	v.SetDefault("broker.vhost", "/")
	v.SetDefault("broker.heartbeat", 10*time.Second)
	v.SetDefault("broker.dead_letter_args", false)
	v.SetDefault("broker.lease_duration", 30*time.Second)

	v.SetDefault("queue.name", "task-queue")
	v.SetDefault("queue.dead_letter", "task-queue.dead-letter")

	v.SetDefault("producer.max_retries", 3)
	v.SetDefault("producer.retry_base_delay", 100*time.Millisecond)
	v.SetDefault("producer.retry_max_delay", 2*time.Second)
	v.SetDefault("producer.publish_timeout", 5*time.Second)
	v.SetDefault("producer.pool_size", 4)

	v.SetDefault("worker.concurrency", 1)
	v.SetDefault("worker.prefetch", 1)
	v.SetDefault("worker.task_timeout", 5*time.Minute)
	v.SetDefault("worker.max_attempts", 5)
	v.SetDefault("worker.simulated_work", 5*time.Second)
	v.SetDefault("worker.reconnect_base_delay", 500*time.Millisecond)
	v.SetDefault("worker.reconnect_max_delay", 30*time.Second)

	v.SetDefault("metrics.port", 8002)
	v.SetDefault("metrics.otel_enabled", false)

	v.SetDefault("auth.jwt_secret", "")
}

// Load configuration from environment variables and optionally a config file
// named config.yaml in the working directory or /etc/taskrelay.
// Environment variables take precedence over values from the config file.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/taskrelay")
	return load(v)
}

// LoadFile is Load with an explicit config file path.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, legacy := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return nil, fmt.Errorf("failed to bind environment for %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}
