package driver

import (
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/galvana-labs/galvana/fault"
)

// Registry maps driver names to factories. Registration normally happens at
// startup, but the registry is safe for concurrent Register/New so plugins
// can appear while the service is live.
type Registry struct {
	mu     sync.RWMutex
	logger hclog.Logger

	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry(logger hclog.Logger) *Registry {
	return &Registry{
		logger:    logger.Named("registry"),
		factories: make(map[string]Factory),
	}
}

// Register adds a factory under name. Re-registering an existing name
// replaces the factory and logs a warning.
func (r *Registry) Register(name string, f Factory) error {
	if name == "" {
		return fault.New(fault.InvalidInput, "driver name is required")
	}
	if f == nil {
		return fault.Errorf(fault.InvalidInput, "driver %q: nil factory", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		r.logger.Warn("overwriting registered driver", "driver", name)
	}
	r.factories[name] = f
	return nil
}

// Unregister removes a driver by name.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; !exists {
		return fault.Errorf(fault.NotFound, "driver %q is not registered", name)
	}
	delete(r.factories, name)
	return nil
}

// New instantiates the named driver with the given connection config.
// Unknown names fail with the list of available drivers.
func (r *Registry) New(name string, cfg Config) (Driver, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fault.Errorf(fault.UnknownDriver,
			"unknown driver %q (available: %s)", name, strings.Join(r.List(), ", "))
	}
	return f(cfg, r.logger.Named(name)), nil
}

// Drivers returns a copy of the name-to-factory table. Later Register or
// Unregister calls do not affect the returned map.
func (r *Registry) Drivers() map[string]Factory {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Factory, len(r.factories))
	for name, f := range r.factories {
		out[name] = f
	}
	return out
}

// List returns the registered driver names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
