package module

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

var (
	// globalRegistry is the process wide factory registry
	globalRegistry = NewRegistry()
)

// Builtin is a module compiled into the host binary
type Builtin struct {
	Descriptor Descriptor
	Factory    Factory
}

// Registry maps entrypoint names to factories. Artifacts without a shared
// library resolve their entrypoints here.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	builtins  map[string]Builtin
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		builtins:  make(map[string]Builtin),
	}
}

// Register adds a factory to the global registry.
// This is typically called from init() functions.
func Register(name string, f Factory) {
	if err := globalRegistry.Add(name, f); err != nil {
		panic(err.Error())
	}
	slog.Debug("registered module factory", "component", "registry", "entrypoint", name)
}

// RegisterBuiltin adds a module compiled into the host to the global registry.
// This is typically called from init() functions.
func RegisterBuiltin(d Descriptor, f Factory) {
	if err := globalRegistry.AddBuiltin(d, f); err != nil {
		panic(err.Error())
	}
	slog.Debug("registered builtin module", "component", "registry", "module", d.Name)
}

// GetRegistry returns the global factory registry
func GetRegistry() *Registry {
	return globalRegistry
}

// Add registers a factory under an entrypoint name
func (r *Registry) Add(name string, f Factory) error {
	if name == "" || f == nil {
		return fmt.Errorf("factory name and function are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("module factory %s already registered", name)
	}
	r.factories[name] = f
	return nil
}

// AddBuiltin registers a builtin module
func (r *Registry) AddBuiltin(d Descriptor, f Factory) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if f == nil {
		return fmt.Errorf("builtin module %s has no factory", d.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.builtins[d.Name]; exists {
		return fmt.Errorf("builtin module %s already registered", d.Name)
	}
	r.builtins[d.Name] = Builtin{Descriptor: d, Factory: f}
	return nil
}

// Factory retrieves a factory by entrypoint name
func (r *Registry) Factory(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, exists := r.factories[name]
	return f, exists
}

// Builtins returns all builtin modules sorted by name
func (r *Registry) Builtins() []Builtin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	builtins := make([]Builtin, 0, len(r.builtins))
	for _, b := range r.builtins {
		builtins = append(builtins, b)
	}
	sort.Slice(builtins, func(i, j int) bool {
		return builtins[i].Descriptor.Name < builtins[j].Descriptor.Name
	})
	return builtins
}

// Names returns the registered entrypoint names sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clear removes everything from the registry.
// This is primarily useful for testing.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories = make(map[string]Factory)
	r.builtins = make(map[string]Builtin)
}
