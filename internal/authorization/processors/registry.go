// Package processors hosts the payment processor registry and the built-in
// processor implementations. A processor is selected per restaurant via
// restaurant_payment_configs.processor_name and constructed from that row's
// processor_config.
package processors

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"argent/internal/authorization/domain"
)

// Constructor builds a Processor bound to one restaurant's processor_config.
// Constructors validate their own config keys and fail fast on bad values.
type Constructor func(config map[string]any) (domain.Processor, error)

// Registry maps lowercase processor names to constructors. Registration
// happens at startup; resolution happens per processed message.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// Register adds a constructor under the given name. Names are
// case-insensitive; later registrations replace earlier ones.
func (r *Registry) Register(name string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[strings.ToLower(name)] = ctor
}

// Resolve constructs a processor by name with the given config.
// An unknown name returns ErrUnknownProcessor listing every registered name.
func (r *Registry) Resolve(name string, config map[string]any) (domain.Processor, error) {
	r.mu.RLock()
	ctor, ok := r.constructors[strings.ToLower(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %s)",
			domain.ErrUnknownProcessor, name, strings.Join(r.Names(), ", "))
	}

	processor, err := ctor(config)
	if err != nil {
		return nil, fmt.Errorf("constructing processor %q: %w", name, err)
	}
	return processor, nil
}

// Names returns every registered name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Default returns a Registry with every built-in processor registered.
func Default() *Registry {
	registry := NewRegistry()
	registry.Register(MockProcessorName, NewMockProcessor)
	return registry
}
