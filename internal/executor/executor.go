// Package executor defines the task executor contract and the registry the
// worker resolves executor types from. Built-in executors cover shell,
// script, http, sql, and echo tasks; extensions come in through the plugin
// table at worker init.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gorm.io/gorm"
)

var (
	// ErrDuplicateExecutor is returned when a name is registered twice.
	ErrDuplicateExecutor = errors.New("executor already registered")

	// ErrUnknownExecutor is returned when a task names an unregistered type.
	ErrUnknownExecutor = errors.New("unknown executor type")

	// ErrRegistryFrozen is returned for registrations after Freeze.
	ErrRegistryFrozen = errors.New("executor registry is frozen")
)

// Executor runs one task attempt. params is the task's declared params;
// execCtx carries the results of direct upstream tasks keyed by task id.
// The returned map is the task result; an error marks the attempt failed.
type Executor interface {
	Execute(ctx context.Context, params, execCtx map[string]interface{}) (map[string]interface{}, error)
}

// Factory builds a fresh executor instance per resolution.
type Factory func() Executor

// Registry maps executor type names to factories. Registration happens at
// startup; Freeze is called before the worker begins consuming so the set
// is immutable while tasks run.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	frozen    bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name. Duplicate names and post-Freeze
// registrations are rejected.
func (r *Registry) Register(name string, factory Factory) error {
	if name == "" {
		return errors.New("executor name must not be empty")
	}
	if factory == nil {
		return errors.New("executor factory must not be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("%w: cannot register %q", ErrRegistryFrozen, name)
	}
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateExecutor, name)
	}
	r.factories[name] = factory
	return nil
}

// Get resolves name to a new executor instance.
func (r *Registry) Get(name string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownExecutor, name)
	}
	return factory(), nil
}

// Freeze makes the registry immutable.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Names returns the registered executor type names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}

// RegisterBuiltins installs the built-in executor set. db backs the sql
// executor and may be nil when no database is configured.
func RegisterBuiltins(r *Registry, db *gorm.DB) error {
	builtins := map[string]Factory{
		"shell":  func() Executor { return NewShellExecutor() },
		"script": func() Executor { return NewScriptExecutor() },
		"http":   func() Executor { return NewHTTPExecutor() },
		"sql":    func() Executor { return NewSQLExecutor(db) },
		"echo":   func() Executor { return NewEchoExecutor() },
	}
	for name, factory := range builtins {
		if err := r.Register(name, factory); err != nil {
			return err
		}
	}
	return nil
}

// stringParam pulls a required string out of a params map.
func stringParam(params map[string]interface{}, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing required param %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("param %q must be a string, got %T", key, v)
	}
	return s, nil
}
