package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/forq/envelope"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBroker records broker operations for assertions. ackFailures and
// rejectFailures make that many initial calls fail before succeeding, to
// exercise transient-failure handling; ackErr makes every ack fail.
type fakeBroker struct {
	mu             sync.Mutex
	acks           []uint64
	rejects        []uint64
	requeues       []bool
	published      []amqp.Publishing
	ackCalls       int
	rejectCalls    int
	ackFailures    int
	rejectFailures int
	ackErr         error
	publishErr     error
}

func (b *fakeBroker) Ack(tag uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ackCalls++
	if b.ackErr != nil {
		return b.ackErr
	}
	if b.ackCalls <= b.ackFailures {
		return errors.New("channel hiccup")
	}
	b.acks = append(b.acks, tag)
	return nil
}

func (b *fakeBroker) Reject(tag uint64, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejectCalls++
	if b.rejectCalls <= b.rejectFailures {
		return errors.New("channel hiccup")
	}
	b.rejects = append(b.rejects, tag)
	b.requeues = append(b.requeues, requeue)
	return nil
}

func (b *fakeBroker) PublishWithRetry(_ context.Context, _, _ string, pub amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.published = append(b.published, pub)
	return nil
}

func (b *fakeBroker) snapshot() (acks, rejects []uint64, requeues []bool, published []amqp.Publishing) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint64(nil), b.acks...),
		append([]uint64(nil), b.rejects...),
		append([]bool(nil), b.requeues...),
		append([]amqp.Publishing(nil), b.published...)
}

func (b *fakeBroker) calls() (ackCalls, rejectCalls int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ackCalls, b.rejectCalls
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name        string
		outcome     Outcome
		attempt     int
		maxAttempts int
		want        ackDecision
	}{
		{"success acks", Outcome{Kind: OutcomeSuccess}, 0, 3, decisionAck},
		{"success acks even at limit", Outcome{Kind: OutcomeSuccess}, 2, 3, decisionAck},
		{"first failure retries", Outcome{Kind: OutcomeFailure}, 0, 3, decisionRetry},
		{"second failure retries", Outcome{Kind: OutcomeFailure}, 1, 3, decisionRetry},
		{"final failure dead-letters", Outcome{Kind: OutcomeFailure}, 2, 3, decisionDeadLetter},
		{"timeout retries", Outcome{Kind: OutcomeTimedOut}, 0, 3, decisionRetry},
		{"timeout dead-letters at limit", Outcome{Kind: OutcomeTimedOut}, 2, 3, decisionDeadLetter},
		{"crash retries", Outcome{Kind: OutcomeCrashed}, 1, 3, decisionRetry},
		{"crash dead-letters at limit", Outcome{Kind: OutcomeCrashed}, 2, 3, decisionDeadLetter},
		{"single attempt failure dead-letters immediately", Outcome{Kind: OutcomeFailure}, 0, 1, decisionDeadLetter},
		{"spawn failure leaves unacked", Outcome{Kind: OutcomeSpawnFailed}, 0, 3, decisionNone},
		{"abort leaves unacked", Outcome{Kind: OutcomeAborted}, 0, 3, decisionNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, decide(tt.outcome, tt.attempt, tt.maxAttempts))
		})
	}
}

// A handler with three allowed attempts runs at attempt 0, 1, and 2: the
// first two failures republish with the attempt incremented, the third
// dead-letters.
func TestResolveRetrySequence(t *testing.T) {
	broker := &fakeBroker{}
	policy := &ackPolicy{broker: broker, logger: discardLogger()}

	const maxAttempts = 3

	for attempt := 0; attempt < maxAttempts; attempt++ {
		env := &envelope.Envelope{
			Name:    "always-fails",
			ID:      "job-1",
			Attempt: attempt,
			Body:    []byte(`{}`),
		}
		d := &amqp.Delivery{
			DeliveryTag: uint64(attempt + 1),
			Exchange:    "jobs",
			RoutingKey:  "work",
		}

		policy.resolve(context.Background(), d, env, maxAttempts, Outcome{Kind: OutcomeFailure, Reason: "boom"})
	}

	acks, rejects, requeues, published := broker.snapshot()

	require.Len(t, published, 2, "exactly two republishes expected")
	assert.Equal(t, int32(1), published[0].Headers[envelope.HeaderAttempt])
	assert.Equal(t, int32(2), published[1].Headers[envelope.HeaderAttempt])

	// Each republish acks the original delivery
	assert.Equal(t, []uint64{1, 2}, acks)

	// The final failure is dead-lettered, never requeued
	require.Equal(t, []uint64{3}, rejects)
	assert.Equal(t, []bool{false}, requeues)
}

func TestResolveSuccessAcksExactlyOnce(t *testing.T) {
	broker := &fakeBroker{}
	policy := &ackPolicy{broker: broker, logger: discardLogger()}

	env := &envelope.Envelope{Name: "send-email", Attempt: 0}
	d := &amqp.Delivery{DeliveryTag: 42}

	policy.resolve(context.Background(), d, env, 3, Outcome{Kind: OutcomeSuccess})

	acks, rejects, _, published := broker.snapshot()
	assert.Equal(t, []uint64{42}, acks)
	assert.Empty(t, rejects)
	assert.Empty(t, published)
}

// A transient ack failure must not abandon the delivery: the policy
// retries against the broker until the ack lands.
func TestResolveAckRetriesTransientFailure(t *testing.T) {
	broker := &fakeBroker{ackFailures: 1}
	policy := &ackPolicy{broker: broker, logger: discardLogger(), retryDelay: time.Millisecond}

	env := &envelope.Envelope{Name: "send-email", Attempt: 0}
	d := &amqp.Delivery{DeliveryTag: 42}

	policy.resolve(context.Background(), d, env, 3, Outcome{Kind: OutcomeSuccess})

	acks, _, _, _ := broker.snapshot()
	assert.Equal(t, []uint64{42}, acks, "ack must land after the transient failure")
	ackCalls, _ := broker.calls()
	assert.Equal(t, 2, ackCalls)
}

// Only a persistently failing ack falls back to leaving the delivery
// unacknowledged, and only after the backoff budget is spent.
func TestResolveAckGivesUpAfterPersistentFailure(t *testing.T) {
	broker := &fakeBroker{ackErr: errors.New("channel closed")}
	policy := &ackPolicy{broker: broker, logger: discardLogger(), retryDelay: time.Millisecond}

	env := &envelope.Envelope{Name: "send-email", Attempt: 0}
	d := &amqp.Delivery{DeliveryTag: 42}

	policy.resolve(context.Background(), d, env, 3, Outcome{Kind: OutcomeSuccess})

	acks, _, _, _ := broker.snapshot()
	assert.Empty(t, acks)
	ackCalls, _ := broker.calls()
	assert.Equal(t, ackRetryLimit+1, ackCalls)
}

// When the retry republish fails the original delivery must stay
// unacknowledged so the broker redelivers it at the same attempt.
func TestResolveRepublishFailureLeavesUnacked(t *testing.T) {
	broker := &fakeBroker{publishErr: errors.New("channel closed")}
	policy := &ackPolicy{broker: broker, logger: discardLogger()}

	env := &envelope.Envelope{Name: "send-email", Attempt: 0}
	d := &amqp.Delivery{DeliveryTag: 7}

	policy.resolve(context.Background(), d, env, 3, Outcome{Kind: OutcomeFailure, Reason: "boom"})

	acks, rejects, _, _ := broker.snapshot()
	assert.Empty(t, acks)
	assert.Empty(t, rejects)
}

func TestResolveSpawnFailureLeavesUnacked(t *testing.T) {
	broker := &fakeBroker{}
	policy := &ackPolicy{broker: broker, logger: discardLogger()}

	env := &envelope.Envelope{Name: "send-email", Attempt: 0}
	d := &amqp.Delivery{DeliveryTag: 7}

	policy.resolve(context.Background(), d, env, 3, Outcome{Kind: OutcomeSpawnFailed, Reason: "fork: resource temporarily unavailable"})

	acks, rejects, _, published := broker.snapshot()
	assert.Empty(t, acks)
	assert.Empty(t, rejects)
	assert.Empty(t, published)
}

func TestDeadLetterRejectsWithoutRequeue(t *testing.T) {
	broker := &fakeBroker{}
	policy := &ackPolicy{broker: broker, logger: discardLogger()}

	policy.deadLetter(context.Background(), 9, discardLogger(), "poison message")

	_, rejects, requeues, _ := broker.snapshot()
	require.Equal(t, []uint64{9}, rejects)
	assert.Equal(t, []bool{false}, requeues)
}

// A transient reject failure must not strand the job on the live queue:
// the policy retries until the dead-letter reject lands.
func TestDeadLetterRetriesTransientFailure(t *testing.T) {
	broker := &fakeBroker{rejectFailures: 2}
	policy := &ackPolicy{broker: broker, logger: discardLogger(), retryDelay: time.Millisecond}

	policy.deadLetter(context.Background(), 9, discardLogger(), "retry limit exhausted")

	_, rejects, requeues, _ := broker.snapshot()
	require.Equal(t, []uint64{9}, rejects)
	assert.Equal(t, []bool{false}, requeues)
	_, rejectCalls := broker.calls()
	assert.Equal(t, 3, rejectCalls)
}
