package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeConfig describes an exchange to declare at startup
type ExchangeConfig struct {
	Name       string
	Kind       string // direct, fanout, topic
	Durable    bool
	AutoDelete bool
}

// Binding binds a queue to an exchange under a routing key
type Binding struct {
	Exchange   string
	RoutingKey string
}

// QueueConfig describes a queue to declare at startup. When
// DeadLetterExchange is set, messages rejected without requeue are routed
// to that exchange by the broker.
type QueueConfig struct {
	Name               string
	Durable            bool
	AutoDelete         bool
	Exclusive          bool
	MaxPriority        int
	DeadLetterExchange string
	Bindings           []Binding
}

// Config holds RabbitMQ connection configuration
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	VHost              string
	Exchanges          []ExchangeConfig
	Queues             []QueueConfig
	RetryAttempts      int
	RetryInterval      time.Duration
	Heartbeat          time.Duration
	ConnectionTimeout  time.Duration
	PublishRetries     int
	PublishRetryDelay  time.Duration
	PublishBackoffMult float64
}

// Client represents a RabbitMQ client
type Client struct {
	config      *Config
	conn        *amqp.Connection
	channel     *amqp.Channel
	logger      *slog.Logger
	closeChan   chan *amqp.Error
	isConnected bool
}

// NewClient creates a new RabbitMQ client and declares the configured
// exchange/queue topology
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	client := &Client{
		config:    config,
		logger:    logger,
		closeChan: make(chan *amqp.Error),
	}

	if err := client.connect(); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}

	return client, nil
}

// connect establishes connection to RabbitMQ with retry logic
func (c *Client) connect() error {
	var err error

	dsn := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		c.config.User,
		c.config.Password,
		c.config.Host,
		c.config.Port,
		c.config.VHost,
	)

	amqpConfig := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	}

	attempts := c.config.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		c.logger.Info("Connecting to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)

		c.conn, err = amqp.DialConfig(dsn, amqpConfig)
		if err == nil {
			c.logger.Info("Successfully connected to RabbitMQ")
			break
		}

		c.logger.Error("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)

		if attempt < attempts {
			time.Sleep(c.config.RetryInterval)
		}
	}

	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, err)
	}

	c.channel, err = c.conn.Channel()
	if err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	if err := c.declareTopology(); err != nil {
		c.channel.Close()
		c.conn.Close()
		return fmt.Errorf("failed to declare topology: %w", err)
	}

	c.closeChan = make(chan *amqp.Error)
	c.channel.NotifyClose(c.closeChan)
	c.isConnected = true

	c.logger.Info("RabbitMQ client initialized",
		slog.Int("exchanges", len(c.config.Exchanges)),
		slog.Int("queues", len(c.config.Queues)),
	)

	return nil
}

// declareTopology declares all configured exchanges, queues, and bindings
func (c *Client) declareTopology() error {
	for _, ex := range c.config.Exchanges {
		err := c.channel.ExchangeDeclare(
			ex.Name,       // name
			ex.Kind,       // type
			ex.Durable,    // durable
			ex.AutoDelete, // auto-deleted
			false,         // internal
			false,         // no-wait
			nil,           // arguments
		)
		if err != nil {
			return fmt.Errorf("failed to declare exchange %q: %w", ex.Name, err)
		}
	}

	for _, q := range c.config.Queues {
		var args amqp.Table
		if q.DeadLetterExchange != "" || q.MaxPriority > 0 {
			args = amqp.Table{}
			if q.DeadLetterExchange != "" {
				args["x-dead-letter-exchange"] = q.DeadLetterExchange
			}
			if q.MaxPriority > 0 {
				args["x-max-priority"] = int32(q.MaxPriority)
			}
		}

		_, err := c.channel.QueueDeclare(
			q.Name,       // name
			q.Durable,    // durable
			q.AutoDelete, // auto-delete
			q.Exclusive,  // exclusive
			false,        // no-wait
			args,         // arguments
		)
		if err != nil {
			return fmt.Errorf("failed to declare queue %q: %w", q.Name, err)
		}

		for _, b := range q.Bindings {
			err := c.channel.QueueBind(
				q.Name,       // queue name
				b.RoutingKey, // routing key
				b.Exchange,   // exchange
				false,        // no-wait
				nil,          // arguments
			)
			if err != nil {
				return fmt.Errorf("failed to bind queue %q to exchange %q: %w", q.Name, b.Exchange, err)
			}
		}
	}

	return nil
}

// Consume starts consuming messages from the given queue with the given
// prefetch count. Manual acknowledgment is always used.
func (c *Client) Consume(queue, consumerTag string, prefetch int) (<-chan amqp.Delivery, error) {
	if !c.isConnected {
		return nil, fmt.Errorf("not connected to RabbitMQ")
	}

	if err := c.channel.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	messages, err := c.channel.Consume(
		queue,       // queue
		consumerTag, // consumer tag
		false,       // auto-ack
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume messages: %w", err)
	}

	c.logger.Info("Started consuming messages from RabbitMQ",
		slog.String("queue", queue),
		slog.String("consumer_tag", consumerTag),
		slog.Int("prefetch_count", prefetch),
	)

	return messages, nil
}

// Ack acknowledges a single delivery by tag
func (c *Client) Ack(tag uint64) error {
	if !c.isConnected {
		return fmt.Errorf("not connected to RabbitMQ")
	}
	if err := c.channel.Ack(tag, false); err != nil {
		return fmt.Errorf("failed to ack delivery %d: %w", tag, err)
	}
	return nil
}

// Reject rejects a single delivery by tag. With requeue false the broker
// routes the message to the queue's dead-letter exchange, if one is set.
func (c *Client) Reject(tag uint64, requeue bool) error {
	if !c.isConnected {
		return fmt.Errorf("not connected to RabbitMQ")
	}
	if err := c.channel.Reject(tag, requeue); err != nil {
		return fmt.Errorf("failed to reject delivery %d: %w", tag, err)
	}
	return nil
}

// Publish publishes a message to the given exchange and routing key
func (c *Client) Publish(ctx context.Context, exchange, routingKey string, pub amqp.Publishing) error {
	if !c.isConnected {
		return fmt.Errorf("not connected to RabbitMQ")
	}

	err := c.channel.PublishWithContext(
		ctx,
		exchange,   // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		pub,
	)
	if err != nil {
		c.logger.Error("Failed to publish message to RabbitMQ",
			slog.String("exchange", exchange),
			slog.String("routing_key", routingKey),
			slog.Any("error", err),
		)
		return fmt.Errorf("failed to publish message: %w", err)
	}

	c.logger.Debug("Message published to RabbitMQ",
		slog.String("exchange", exchange),
		slog.String("routing_key", routingKey),
		slog.Int("body_size", len(pub.Body)),
	)

	return nil
}

// PublishWithRetry publishes a message with retry logic and exponential backoff
func (c *Client) PublishWithRetry(ctx context.Context, exchange, routingKey string, pub amqp.Publishing) error {
	if !c.isConnected {
		return fmt.Errorf("not connected to RabbitMQ")
	}

	maxRetries := c.config.PublishRetries
	if maxRetries <= 0 {
		maxRetries = 3 // default
	}

	baseDelay := c.config.PublishRetryDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond // default
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := c.channel.PublishWithContext(
			ctx,
			exchange,
			routingKey,
			false, // mandatory
			false, // immediate
			pub,
		)
		if err == nil {
			if attempt > 0 {
				c.logger.Info("Successfully published message to RabbitMQ after retry",
					slog.Int("attempt", attempt+1),
					slog.Int("body_size", len(pub.Body)),
				)
			}
			return nil
		}

		lastErr = err

		if attempt < maxRetries {
			backoffDelay := time.Duration(float64(baseDelay) * float64(uint(1)<<uint(attempt)))
			c.logger.Warn("Failed to publish message to RabbitMQ, retrying...",
				slog.Int("attempt", attempt+1),
				slog.Int("max_retries", maxRetries),
				slog.Duration("retry_after", backoffDelay),
				slog.Any("error", err),
			)
			select {
			case <-time.After(backoffDelay):
			case <-ctx.Done():
				return fmt.Errorf("publish canceled: %w", ctx.Err())
			}
		}
	}

	c.logger.Error("Failed to publish message to RabbitMQ after all retries",
		slog.Int("attempts", maxRetries+1),
		slog.Any("error", lastErr),
	)
	return fmt.Errorf("failed to publish message after %d attempts: %w", maxRetries+1, lastErr)
}

// NotifyClose returns the channel that receives connection-level errors
func (c *Client) NotifyClose() <-chan *amqp.Error {
	return c.closeChan
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	return c.isConnected && c.conn != nil && !c.conn.IsClosed()
}

// Close closes the RabbitMQ connection
func (c *Client) Close() error {
	c.logger.Info("Closing RabbitMQ connection")

	c.isConnected = false

	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ channel",
				slog.Any("error", err),
			)
		}
	}

	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ connection",
				slog.Any("error", err),
			)
			return err
		}
	}

	c.logger.Info("RabbitMQ connection closed successfully")
	return nil
}
