package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/forq/envelope"
)

// ackBroker is the slice of the broker contract the acknowledgment policy
// needs. It never touches broker internals beyond ack, reject, and
// publish.
type ackBroker interface {
	Ack(tag uint64) error
	Reject(tag uint64, requeue bool) error
	PublishWithRetry(ctx context.Context, exchange, routingKey string, pub amqp.Publishing) error
}

// ackDecision is what the policy tells the broker to do with a delivery
type ackDecision int

const (
	// decisionAck removes the delivery from the broker
	decisionAck ackDecision = iota

	// decisionRetry republishes the job with the attempt counter
	// incremented, then acknowledges the original delivery
	decisionRetry

	// decisionDeadLetter rejects without requeue; the queue's dead-letter
	// exchange makes the job observable instead of dropping it
	decisionDeadLetter

	// decisionNone leaves the delivery unacknowledged so the broker's
	// redelivery-on-disconnect guarantee applies, without consuming a
	// retry attempt
	decisionNone
)

// decide maps an execution outcome and the delivery's attempt counter to
// a broker action. Attempts count executions: a handler with MaxAttempts
// of 3 runs at attempt 0, 1, and 2, is requeued twice, and dead-letters
// after the third failure.
func decide(outcome Outcome, attempt, maxAttempts int) ackDecision {
	switch outcome.Kind {
	case OutcomeSuccess:
		return decisionAck

	case OutcomeFailure, OutcomeTimedOut, OutcomeCrashed:
		if attempt+1 < maxAttempts {
			return decisionRetry
		}
		return decisionDeadLetter

	default:
		// OutcomeSpawnFailed, OutcomeAborted
		return decisionNone
	}
}

const (
	ackRetryLimit     = 3
	ackRetryBaseDelay = 100 * time.Millisecond
)

// ackPolicy resolves each delivery exactly once: it translates the
// supervisor's outcome into ack, retry-republish, or dead-letter against
// the broker
type ackPolicy struct {
	broker ackBroker
	logger *slog.Logger

	// retryDelay overrides the base backoff between acknowledgment
	// retries; zero means ackRetryBaseDelay
	retryDelay time.Duration
}

// withRetry runs a broker acknowledgment operation with bounded
// exponential backoff. A delivery abandoned unacked pins a prefetch slot
// until the connection drops and is re-driven on redelivery, so transient
// channel failures are absorbed here and only a persistent failure falls
// back to leaving the delivery unacknowledged.
func (p *ackPolicy) withRetry(ctx context.Context, logger *slog.Logger, op string, fn func() error) error {
	baseDelay := p.retryDelay
	if baseDelay <= 0 {
		baseDelay = ackRetryBaseDelay
	}

	var lastErr error
	for attempt := 0; attempt <= ackRetryLimit; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt < ackRetryLimit {
			backoffDelay := time.Duration(float64(baseDelay) * float64(uint(1)<<uint(attempt)))
			logger.Warn("Broker acknowledgment failed, retrying...",
				slog.String("operation", op),
				slog.Int("attempt", attempt+1),
				slog.Duration("retry_after", backoffDelay),
				slog.Any("error", err),
			)
			select {
			case <-time.After(backoffDelay):
			case <-ctx.Done():
				return fmt.Errorf("%s canceled: %w", op, ctx.Err())
			}
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, ackRetryLimit+1, lastErr)
}

// resolve applies the decision for an executed job. Broker acknowledgment
// failures are retried with bounded backoff; a persistently failing
// operation leaves the delivery unacknowledged and the broker redelivers
// it when the channel closes.
func (p *ackPolicy) resolve(ctx context.Context, d *amqp.Delivery, env *envelope.Envelope, maxAttempts int, outcome Outcome) {
	logger := p.logger.With(
		slog.String("job_name", env.Name),
		slog.String("job_id", env.ID),
		slog.Int("attempt", env.Attempt),
		slog.String("outcome", outcome.Kind.String()),
	)

	switch decide(outcome, env.Attempt, maxAttempts) {
	case decisionAck:
		err := p.withRetry(ctx, logger, "ack", func() error {
			return p.broker.Ack(d.DeliveryTag)
		})
		if err != nil {
			logger.Error("Failed to ack delivery, leaving it unacknowledged",
				slog.Any("error", err),
			)
			return
		}
		logger.Info("Job completed, delivery acknowledged")

	case decisionRetry:
		next := env.NextAttempt()
		pub := next.Publishing(d.Priority)

		if err := p.broker.PublishWithRetry(ctx, d.Exchange, d.RoutingKey, pub); err != nil {
			// Without the republish the original delivery must survive, so
			// no ack: the broker redelivers it at the same attempt.
			logger.Error("Failed to republish job for retry, leaving delivery unacknowledged",
				slog.Any("error", err),
			)
			return
		}

		err := p.withRetry(ctx, logger, "ack", func() error {
			return p.broker.Ack(d.DeliveryTag)
		})
		if err != nil {
			// The republished copy is already live. If the original is
			// redelivered both run, which the handler must tolerate anyway;
			// dropping the retry silently would be worse.
			logger.Error("Failed to ack delivery after republish, leaving it unacknowledged",
				slog.Any("error", err),
			)
			return
		}

		logger.Warn("Job failed, requeued for retry",
			slog.Int("next_attempt", next.Attempt),
			slog.Int("max_attempts", maxAttempts),
			slog.String("reason", outcome.Reason),
		)

	case decisionDeadLetter:
		p.deadLetter(ctx, d.DeliveryTag, logger, "retry limit exhausted")

	case decisionNone:
		logger.Warn("Delivery left unacknowledged for broker redelivery",
			slog.String("reason", outcome.Reason),
		)
	}
}

// deadLetter rejects a delivery without requeue. The worker declares its
// queues with a dead-letter exchange, so the broker routes the message to
// the dead-letter queue where operators can inspect and replay it.
func (p *ackPolicy) deadLetter(ctx context.Context, tag uint64, logger *slog.Logger, why string) {
	err := p.withRetry(ctx, logger, "reject", func() error {
		return p.broker.Reject(tag, false)
	})
	if err != nil {
		logger.Error("Failed to dead-letter delivery, leaving it unacknowledged",
			slog.String("why", why),
			slog.Any("error", err),
		)
		return
	}
	logger.Warn("Delivery dead-lettered",
		slog.String("why", why),
	)
}
