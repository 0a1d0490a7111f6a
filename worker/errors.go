package worker

import "errors"

var (
	// ErrDuplicateName is returned when a handler is registered under a job
	// name that already has one
	ErrDuplicateName = errors.New("handler already registered for job name")

	// ErrInvalidHandler is returned when a handler entry is missing its name
	// or run function
	ErrInvalidHandler = errors.New("handler must have a name and a run function")

	// ErrSetupOrderViolation is returned when Register or Manage is called
	// after the worker has started running
	ErrSetupOrderViolation = errors.New("worker setup must complete before Run is called")

	// ErrConsumeClosed is returned when the broker delivery stream closes.
	// This is fatal: the worker must be restarted to re-establish consumption.
	ErrConsumeClosed = errors.New("broker delivery stream closed")

	// ErrValueNotManaged is returned when a handler requests a managed value
	// that was never registered
	ErrValueNotManaged = errors.New("no managed value registered under this name")
)
