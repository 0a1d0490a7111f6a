package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuongbtq/forq/shared/rabbitmq"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Logging  LoggingConfig  `yaml:"logging"`
	App      AppConfig      `yaml:"app"`
	Worker   WorkerConfig   `yaml:"worker"`
}

// ServerConfig holds HTTP server configuration for the producer service
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and topology configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	DeadLetter DeadLetterConfig `yaml:"dead_letter"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name        string `yaml:"name"`
	Durable     bool   `yaml:"durable"`
	AutoDelete  bool   `yaml:"auto_delete"`
	Exclusive   bool   `yaml:"exclusive"`
	MaxPriority int    `yaml:"max_priority"`
}

// DeadLetterConfig holds the dead-letter destination. Jobs that exhaust
// their retries, or that cannot be dispatched at all, end up here.
type DeadLetterConfig struct {
	Exchange string `yaml:"exchange"`
	Queue    string `yaml:"queue"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	PoolSize        int           `yaml:"pool_size"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// BrokerConfig builds the broker client configuration from the RabbitMQ
// section: the work exchange and queue, and the dead-letter exchange and
// queue the work queue routes rejected messages to.
func (c *RabbitMQConfig) BrokerConfig() *rabbitmq.Config {
	return &rabbitmq.Config{
		Host:     c.Host,
		Port:     c.Port,
		User:     c.User,
		Password: c.Password,
		VHost:    c.VHost,
		Exchanges: []rabbitmq.ExchangeConfig{
			{
				Name:       c.Exchange.Name,
				Kind:       c.Exchange.Type,
				Durable:    c.Exchange.Durable,
				AutoDelete: c.Exchange.AutoDelete,
			},
			{
				Name:    c.DeadLetter.Exchange,
				Kind:    "fanout",
				Durable: true,
			},
		},
		Queues: []rabbitmq.QueueConfig{
			{
				Name:               c.Queue.Name,
				Durable:            c.Queue.Durable,
				AutoDelete:         c.Queue.AutoDelete,
				Exclusive:          c.Queue.Exclusive,
				MaxPriority:        c.Queue.MaxPriority,
				DeadLetterExchange: c.DeadLetter.Exchange,
				Bindings: []rabbitmq.Binding{
					{Exchange: c.Exchange.Name, RoutingKey: c.RoutingKey},
				},
			},
			{
				Name:    c.DeadLetter.Queue,
				Durable: true,
				Bindings: []rabbitmq.Binding{
					{Exchange: c.DeadLetter.Exchange, RoutingKey: ""},
				},
			},
		},
		RetryAttempts:      c.Connection.RetryAttempts,
		RetryInterval:      c.Connection.RetryInterval,
		Heartbeat:          c.Connection.Heartbeat,
		ConnectionTimeout:  c.Connection.ConnectionTimeout,
		PublishRetries:     c.Publish.RetryAttempts,
		PublishRetryDelay:  c.Publish.RetryInterval,
		PublishBackoffMult: c.Publish.BackoffMultiplier,
	}
}

// validateRabbitMQ checks the broker section shared by both services
func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	if c.RabbitMQ.DeadLetter.Exchange == "" {
		return fmt.Errorf("rabbitmq dead_letter exchange is required")
	}

	if c.RabbitMQ.DeadLetter.Queue == "" {
		return fmt.Errorf("rabbitmq dead_letter queue is required")
	}

	return nil
}

// ValidateProducerConfig checks the configuration for the producer service
func (c *Config) ValidateProducerConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	return c.validateRabbitMQ()
}

// ValidateWorkerConfig checks the configuration for the worker service
func (c *Config) ValidateWorkerConfig() error {
	if c.Worker.PoolSize < 0 {
		return fmt.Errorf("worker pool_size must not be negative")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Database.Host != "" {
		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}

	return c.validateRabbitMQ()
}
