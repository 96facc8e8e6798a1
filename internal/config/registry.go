package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/talkwire/talkwire/pkg/bridge"
)

// ErrBridgeNotRegistered is returned by [Registry.Create] when no factory has
// been registered under the requested bridge name.
var ErrBridgeNotRegistered = errors.New("config: bridge not registered")

// Factory constructs a speech backend from its configuration block.
type Factory func(BridgeConfig) (bridge.Bridge, error)

// Registry maps bridge names to their constructor functions. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	bridges map[string]Factory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{bridges: make(map[string]Factory)}
}

// Register registers a bridge factory under name. Subsequent calls with the
// same name overwrite the previous registration.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bridges[name] = factory
}

// Create instantiates a bridge using the factory registered under entry.Name.
// Returns [ErrBridgeNotRegistered] if no factory has been registered for that
// name.
func (r *Registry) Create(entry BridgeConfig) (bridge.Bridge, error) {
	r.mu.RLock()
	factory, ok := r.bridges[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBridgeNotRegistered, entry.Name)
	}
	return factory(entry)
}

// Names returns the registered bridge names, unordered.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.bridges))
	for n := range r.bridges {
		names = append(names, n)
	}
	return names
}
