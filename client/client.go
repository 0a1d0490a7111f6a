// Package client publishes jobs onto the broker for workers to pick up
package client

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/forq/envelope"
	"github.com/cuongbtq/forq/shared/rabbitmq"
)

// broker is the slice of the broker contract the client needs
type broker interface {
	PublishWithRetry(ctx context.Context, exchange, routingKey string, pub amqp.Publishing) error
}

// Priority orders jobs within a priority-enabled queue
type Priority uint8

const (
	PriorityTrivial  Priority = 1
	PriorityLow      Priority = 3
	PriorityNormal   Priority = 5
	PriorityHigh     Priority = 7
	PriorityCritical Priority = 9
)

// Job is a unit of deferred work to publish. Payload is opaque to the
// engine; ContentType describes it for the consuming handler.
type Job struct {
	Name        string
	Payload     []byte
	ContentType string
	Priority    Priority
}

// Config holds client configuration
type Config struct {
	Logger     *slog.Logger
	Rabbit     *rabbitmq.Client
	Exchange   string
	RoutingKey string
}

// Client publishes jobs to a single exchange and routing key
type Client struct {
	logger     *slog.Logger
	broker     broker
	exchange   string
	routingKey string
}

// New creates a new job client
func New(cfg *Config) *Client {
	return &Client{
		logger:     cfg.Logger,
		broker:     cfg.Rabbit,
		exchange:   cfg.Exchange,
		routingKey: cfg.RoutingKey,
	}
}

// Publish enqueues a job. It stamps a fresh job id and attempt 0; the
// worker increments the attempt on every retry republish.
func (c *Client) Publish(ctx context.Context, job *Job) (string, error) {
	if job.Name == "" {
		return "", fmt.Errorf("job name must not be empty")
	}

	priority := job.Priority
	if priority == 0 {
		priority = PriorityNormal
	}

	env := &envelope.Envelope{
		Name:        job.Name,
		ID:          uuid.New().String(),
		ContentType: job.ContentType,
		Attempt:     0,
		Body:        job.Payload,
	}

	pub := env.Publishing(uint8(priority))

	if err := c.broker.PublishWithRetry(ctx, c.exchange, c.routingKey, pub); err != nil {
		return "", fmt.Errorf("failed to publish job %q: %w", job.Name, err)
	}

	c.logger.Info("Job published",
		slog.String("job_name", job.Name),
		slog.String("job_id", env.ID),
		slog.Int("priority", int(priority)),
		slog.Int("payload_size", len(job.Payload)),
	)

	return env.ID, nil
}
