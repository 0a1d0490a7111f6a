// Package envelope defines the message format shared by producers and
// workers. A job travels as an opaque body plus a set of AMQP headers
// identifying the job name, a unique id, and the delivery attempt.
package envelope

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Header keys carried on every job message.
const (
	HeaderTask    = "task"
	HeaderID      = "id"
	HeaderLang    = "lang"
	HeaderAttempt = "attempt"
)

// Lang identifies the producing runtime in the message headers.
const Lang = "go"

// DefaultContentType is used when a job is published without an explicit
// content type.
const DefaultContentType = "application/json"

// Envelope is the parsed form of a job message.
//
// Attempt starts at 0 and is incremented each time the job is republished
// for retry. It lives in a message header so the retry limit survives a
// requeue round-trip and a worker restart.
type Envelope struct {
	Name        string
	ID          string
	ContentType string
	Attempt     int
	Body        []byte
}

// FromDelivery parses a broker delivery into an Envelope. A delivery
// without a task header, or with malformed header values, cannot be
// dispatched and should be treated as a poison message by the caller.
func FromDelivery(d *amqp.Delivery) (*Envelope, error) {
	if d.Headers == nil {
		return nil, fmt.Errorf("delivery has no headers")
	}

	name, ok := d.Headers[HeaderTask].(string)
	if !ok || name == "" {
		return nil, fmt.Errorf("delivery has no %q header", HeaderTask)
	}

	attempt := 0
	if raw, ok := d.Headers[HeaderAttempt]; ok {
		n, err := toInt(raw)
		if err != nil {
			return nil, fmt.Errorf("malformed %q header: %w", HeaderAttempt, err)
		}
		if n < 0 {
			return nil, fmt.Errorf("malformed %q header: negative value %d", HeaderAttempt, n)
		}
		attempt = n
	}

	id, _ := d.Headers[HeaderID].(string)

	contentType := d.ContentType
	if contentType == "" {
		contentType = DefaultContentType
	}

	return &Envelope{
		Name:        name,
		ID:          id,
		ContentType: contentType,
		Attempt:     attempt,
		Body:        d.Body,
	}, nil
}

// Publishing builds the AMQP publishing for this envelope. The priority
// maps onto the broker-native message priority.
func (e *Envelope) Publishing(priority uint8) amqp.Publishing {
	contentType := e.ContentType
	if contentType == "" {
		contentType = DefaultContentType
	}

	return amqp.Publishing{
		Headers: amqp.Table{
			HeaderTask:    e.Name,
			HeaderID:      e.ID,
			HeaderLang:    Lang,
			HeaderAttempt: int32(e.Attempt),
		},
		ContentType:  contentType,
		Body:         e.Body,
		Priority:     priority,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	}
}

// NextAttempt returns a copy of the envelope with the attempt counter
// incremented, ready to be republished for retry.
func (e *Envelope) NextAttempt() *Envelope {
	next := *e
	next.Attempt = e.Attempt + 1
	return &next
}

// toInt coerces the numeric types an AMQP field table can carry
func toInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int8:
		return int(n), nil
	case int16:
		return int(n), nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
