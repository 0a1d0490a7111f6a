package worker

import (
	"context"
	"fmt"
	"time"
)

const (
	// DefaultTimeout is the execution time limit for handlers that do not
	// declare one
	DefaultTimeout = 30 * time.Minute

	// DefaultMaxAttempts is the total number of executions allowed for
	// handlers that do not declare a limit
	DefaultMaxAttempts = 3
)

// HandlerFunc is the job handler signature. The payload is the raw job
// body; values gives read access to the worker's managed values. The
// context carries no deadline: timeouts are enforced externally by killing
// the job process.
type HandlerFunc func(ctx context.Context, payload []byte, values *Values) error

// Handler binds a job name to the function that performs it, together
// with its declared timeout and retry limit
type Handler struct {
	Name        string
	Timeout     time.Duration
	MaxAttempts int
	Run         HandlerFunc
}

// registry is the immutable job name to handler mapping. All registration
// happens before the worker enters Run, so lookups need no locking.
type registry struct {
	handlers map[string]Handler
}

func newRegistry() *registry {
	return &registry{
		handlers: make(map[string]Handler),
	}
}

// register adds a handler, applying defaults for an unset timeout or
// retry limit. Registering the same job name twice is a setup error.
func (r *registry) register(h Handler) error {
	if h.Name == "" || h.Run == nil {
		return ErrInvalidHandler
	}

	if _, exists := r.handlers[h.Name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateName, h.Name)
	}

	if h.Timeout <= 0 {
		h.Timeout = DefaultTimeout
	}
	if h.MaxAttempts <= 0 {
		h.MaxAttempts = DefaultMaxAttempts
	}

	r.handlers[h.Name] = h
	return nil
}

// resolve returns the handler registered under the given job name
func (r *registry) resolve(name string) (Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// names returns all registered job names
func (r *registry) names() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}
