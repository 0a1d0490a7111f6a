package worker

import "fmt"

// Values holds the worker's managed values: long-lived shared resources
// (a database client, an HTTP client, parsed configuration) made available
// to every handler invocation.
//
// Values are write-once. They must all be registered before the worker
// enters Run, because the job process re-runs the same setup code to
// re-establish them; a value added later would exist in the parent only
// and never be visible to any job. Any mutable state inside a managed
// value must provide its own synchronization.
type Values struct {
	values map[string]any
}

func newValues() *Values {
	return &Values{
		values: make(map[string]any),
	}
}

// set registers a value under the given name, replacing nothing: a second
// registration under the same name is a setup error.
func (v *Values) set(name string, value any) error {
	if name == "" {
		return fmt.Errorf("managed value name must not be empty")
	}
	if _, exists := v.values[name]; exists {
		return fmt.Errorf("managed value %q already registered", name)
	}
	v.values[name] = value
	return nil
}

// Get returns the managed value registered under the given name
func (v *Values) Get(name string) (any, bool) {
	value, ok := v.values[name]
	return value, ok
}

// Value returns the managed value registered under name, asserting it to
// type T. It is a package-level generic function because Go does not allow
// generic methods.
func Value[T any](v *Values, name string) (T, error) {
	var zero T

	raw, ok := v.values[name]
	if !ok {
		return zero, fmt.Errorf("%w: %q", ErrValueNotManaged, name)
	}

	value, ok := raw.(T)
	if !ok {
		return zero, fmt.Errorf("managed value %q has type %T, not the requested type", name, raw)
	}

	return value, nil
}
