package guest

import (
	"context"
	"errors"
	"sync"

	"github.com/caffeineduck/webpbox/sandbox"
)

// maxLinearPages keeps linear memory below PinBase.
const maxLinearPages = uint32(PinBase/pageSize) - 1

// Option configures a Factory.
type Option func(*factoryConfig)

type factoryConfig struct {
	initialPages uint32
	maxPages     uint32
	trace        func(export string)
}

func defaultFactoryConfig() factoryConfig {
	return factoryConfig{
		initialPages: 16,   // 1 MB
		maxPages:     4096, // 256 MB
	}
}

// WithMemoryLimit caps the linear memory of every instance, in 64KB pages.
func WithMemoryLimit(pages uint32) Option {
	return func(c *factoryConfig) {
		if pages > 0 {
			c.maxPages = pages
		}
	}
}

// WithInitialPages sets the linear memory size a new instance starts with.
func WithInitialPages(pages uint32) Option {
	return func(c *factoryConfig) {
		c.initialPages = pages
	}
}

// WithTrace installs a callback invoked with the export name before every
// call. Used to observe which code paths an operation takes.
func WithTrace(fn func(export string)) Option {
	return func(c *factoryConfig) {
		c.trace = fn
	}
}

// Factory creates in-process instances backed by a registry of Go exports.
type Factory struct {
	registry *Registry
	cfg      factoryConfig
	mu       sync.Mutex
	closed   bool
}

// NewFactory returns a factory whose instances export the registry's
// functions plus malloc and free.
func NewFactory(registry *Registry, opts ...Option) *Factory {
	cfg := defaultFactoryConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxPages > maxLinearPages {
		cfg.maxPages = maxLinearPages
	}
	if cfg.initialPages > cfg.maxPages {
		cfg.initialPages = cfg.maxPages
	}
	return &Factory{registry: registry, cfg: cfg}
}

// NewDomain creates a fresh instance with empty memory.
func (f *Factory) NewDomain(ctx context.Context) (sandbox.Domain, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return nil, errors.New("factory closed")
	}
	return f.NewInstance(), nil
}

// NewInstance is NewDomain returning the concrete type.
func (f *Factory) NewInstance() *Instance {
	mem := newMemory(f.cfg.initialPages, f.cfg.maxPages)
	return &Instance{
		registry: f.registry,
		mem:      mem,
		heap:     newHeap(mem),
		objects:  make(map[uint32]any),
		trace:    f.cfg.trace,
	}
}

// Close marks the factory closed. Live instances are unaffected.
func (f *Factory) Close(ctx context.Context) error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}
