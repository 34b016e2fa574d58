package guest

import (
	"context"
	"sort"
	"sync"
)

// Func is an export implemented in Go. It runs against the calling
// instance and receives raw wasm values. A returned error is a fault and
// turns into a trap; C-level failures are reported through results.
type Func func(ctx context.Context, inst *Instance, params []uint64) ([]uint64, error)

// Registry maps export names to their implementations.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	r.funcs[name] = fn
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (Func, bool) {
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()
	return fn, ok
}

func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
