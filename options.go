package quereus

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/quereus/quereus/internal/errs"
)

// Option names the closed, stable set of session configuration keys (§6).
type Option string

const (
	OptRuntimeStats            Option = "runtime_stats"
	OptValidatePlan            Option = "validate_plan"
	OptDefaultVTabModule       Option = "default_vtab_module"
	OptDefaultVTabArgs         Option = "default_vtab_args"
	OptDefaultColumnNullability Option = "default_column_nullability"
	OptSchemaPath              Option = "schema_path"
	OptTracePlanStack          Option = "trace_plan_stack"
)

func defaultOptions() map[Option]any {
	return map[Option]any{
		OptRuntimeStats:             false,
		OptValidatePlan:             false,
		OptDefaultVTabModule:        "memory",
		OptDefaultVTabArgs:          map[string]string{},
		OptDefaultColumnNullability: "not_null",
		OptSchemaPath:               "main",
		OptTracePlanStack:           false,
	}
}

// validateOption checks name is known and v is the type (and, for string options
// with a closed value set, the value) §6's table declares.
func validateOption(name Option, v any) error {
	switch name {
	case OptRuntimeStats, OptValidatePlan, OptTracePlanStack:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("option %s: expected bool, got %T: %w", name, v, errs.ErrMisuse)
		}
	case OptDefaultVTabModule, OptSchemaPath:
		if _, ok := v.(string); !ok {
			return fmt.Errorf("option %s: expected string, got %T: %w", name, v, errs.ErrMisuse)
		}
	case OptDefaultVTabArgs:
		if _, ok := v.(map[string]string); !ok {
			return fmt.Errorf("option %s: expected map[string]string, got %T: %w", name, v, errs.ErrMisuse)
		}
	case OptDefaultColumnNullability:
		s, ok := v.(string)
		if !ok || (s != "nullable" && s != "not_null") {
			return fmt.Errorf("option %s: expected \"nullable\" or \"not_null\", got %v: %w", name, v, errs.ErrMisuse)
		}
	default:
		return fmt.Errorf("option %s: unknown option: %w", name, errs.ErrNotFound)
	}
	return nil
}

// Options is the typed key/value store §4.10 calls the "option bus": a
// small closed set of named settings, each with change listeners that
// reconfigure the subsystem the option names (e.g. toggling runtime_stats
// flips internal/telemetry.Telemetry.Enabled). Deliberately not backed by
// a general document format (viper/yaml/toml) — see DESIGN.md — since the
// key set is closed and typed, not schema-discovered at runtime.
type Options struct {
	mu        sync.RWMutex
	values    map[Option]any
	listeners map[Option]map[uuid.UUID]func(any)
}

func newOptions() *Options {
	return &Options{
		values:    defaultOptions(),
		listeners: make(map[Option]map[uuid.UUID]func(any)),
	}
}

// Get returns the current value of name and whether it is a known option.
func (o *Options) Get(name Option) (any, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	v, ok := o.values[name]
	return v, ok
}

// Set validates and installs a new value for name, then notifies every
// listener registered for it. Returns errs.ErrNotFound for an unknown
// option name, errs.ErrMisuse for a value of the wrong shape.
func (o *Options) Set(name Option, v any) error {
	if err := validateOption(name, v); err != nil {
		return err
	}
	o.mu.Lock()
	o.values[name] = v
	listeners := make([]func(any), 0, len(o.listeners[name]))
	for _, l := range o.listeners[name] {
		listeners = append(listeners, l)
	}
	o.mu.Unlock()
	for _, l := range listeners {
		l(v)
	}
	return nil
}

// OnChange registers a listener invoked whenever name changes, returning
// an unsubscribe function.
func (o *Options) OnChange(name Option, fn func(any)) func() {
	token := uuid.New()
	o.mu.Lock()
	if o.listeners[name] == nil {
		o.listeners[name] = make(map[uuid.UUID]func(any))
	}
	o.listeners[name][token] = fn
	o.mu.Unlock()
	return func() {
		o.mu.Lock()
		delete(o.listeners[name], token)
		o.mu.Unlock()
	}
}
