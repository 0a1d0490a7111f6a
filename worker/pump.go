package worker

import (
	"context"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/forq/envelope"
)

// pump bridges the broker's delivery stream to the supervisor under a
// concurrency bound. A slot is acquired before the next delivery is
// pulled, so when all slots are busy the pump stops reading from the
// broker instead of buffering; the QoS prefetch set at consume time is a
// second layer of the same backpressure.
type pump struct {
	logger   *slog.Logger
	registry *registry
	executor jobExecutor
	policy   *ackPolicy
	slots    chan struct{}
	wg       sync.WaitGroup
}

func newPump(logger *slog.Logger, registry *registry, executor jobExecutor, policy *ackPolicy, poolSize int) *pump {
	return &pump{
		logger:   logger,
		registry: registry,
		executor: executor,
		policy:   policy,
		slots:    make(chan struct{}, poolSize),
	}
}

// run drives the consumption loop until the context is canceled or the
// delivery stream closes. A closed stream is fatal: consumption cannot be
// restarted on the same connection.
func (p *pump) run(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	defer p.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Delivery pump stopped - context canceled")
			return nil
		case p.slots <- struct{}{}:
		}

		select {
		case <-ctx.Done():
			<-p.slots
			p.logger.Info("Delivery pump stopped - context canceled")
			return nil

		case d, ok := <-deliveries:
			if !ok {
				<-p.slots
				p.logger.Error("Broker delivery stream closed")
				return ErrConsumeClosed
			}

			p.wg.Add(1)
			go func(d amqp.Delivery) {
				defer p.wg.Done()
				defer func() { <-p.slots }()
				p.dispatch(ctx, &d)
			}(d)
		}
	}
}

// dispatch handles one delivery end to end: parse the envelope, resolve
// the handler, hand the job to the executor, and resolve the outcome
// against the broker
func (p *pump) dispatch(ctx context.Context, d *amqp.Delivery) {
	env, err := envelope.FromDelivery(d)
	if err != nil {
		// Poison message: undeliverable to any handler, never retried
		p.logger.Error("Failed to parse delivery envelope",
			slog.Uint64("delivery_tag", d.DeliveryTag),
			slog.Any("error", err),
		)
		p.policy.deadLetter(ctx, d.DeliveryTag, p.logger.With(
			slog.Uint64("delivery_tag", d.DeliveryTag),
		), "poison message")
		return
	}

	logger := p.logger.With(
		slog.String("job_name", env.Name),
		slog.String("job_id", env.ID),
		slog.Int("attempt", env.Attempt),
	)

	handler, ok := p.registry.resolve(env.Name)
	if !ok {
		logger.Error("No handler registered for job name")
		p.policy.deadLetter(ctx, d.DeliveryTag, logger, "handler not found")
		return
	}

	logger.Debug("Dispatching job to supervisor",
		slog.Duration("timeout", handler.Timeout),
	)

	outcome := p.executor.execute(ctx, env.Name, env.Body, handler.Timeout)

	p.policy.resolve(ctx, d, env, handler.MaxAttempts, outcome)
}
