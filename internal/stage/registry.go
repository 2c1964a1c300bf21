package stage

import (
	"sort"
	"sync"
)

// Factory builds a fresh stage instance.
type Factory func() Stage

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds a stage factory under its stable name. Stage packages call
// this from init, so the registry is fixed at process start.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// ListStages returns the registered stage names, sorted.
func ListStages() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create instantiates a stage by name, or nil when unknown. The engine logs
// and skips unknown names rather than failing the workflow.
func Create(name string) Stage {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil
	}
	return factory()
}
