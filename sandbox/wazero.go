package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"
)

// WazeroFactory creates domains by instantiating a codec module compiled to
// WebAssembly. The module is compiled once; every domain is a fresh instance
// with its own linear memory.
type WazeroFactory struct {
	runtime  wazero.Runtime
	cache    wazero.CompilationCache
	compiled wazero.CompiledModule
	exports  []string
	mu       sync.Mutex
	closed   bool
}

// NewWazeroFactory compiles module and returns a factory for its instances.
func NewWazeroFactory(ctx context.Context, module []byte, opts ...Option) (*WazeroFactory, error) {
	cfg := defaultFactoryConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if err := verifyDigest(module, cfg.digest); err != nil {
		return nil, err
	}

	var cache wazero.CompilationCache
	var err error

	if cfg.diskCache {
		cacheDir := cfg.cacheDir
		if cacheDir == "" {
			cacheDir = DefaultCacheDir()
		}
		cache, err = wazero.NewCompilationCacheWithDir(cacheDir)
		if err != nil {
			return nil, fmt.Errorf("create disk cache: %w", err)
		}
	}

	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cache != nil {
		rtConfig = rtConfig.WithCompilationCache(cache)
	}
	if cfg.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(cfg.memoryLimitPages)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		if cache != nil {
			cache.Close(ctx)
		}
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}

	compiled, err := rt.CompileModule(ctx, module)
	if err != nil {
		if cache != nil {
			cache.Close(ctx)
		}
		rt.Close(ctx)
		return nil, fmt.Errorf("compile codec module: %w", err)
	}

	return &WazeroFactory{
		runtime:  rt,
		cache:    cache,
		compiled: compiled,
		exports:  cfg.exports,
	}, nil
}

// NewDomain instantiates a fresh copy of the codec module.
func (f *WazeroFactory) NewDomain(ctx context.Context) (Domain, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, errors.New("factory closed")
	}

	// Reactor modules export _initialize instead of _start; wazero skips
	// start functions the module does not export.
	moduleConfig := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_initialize")

	mod, err := f.runtime.InstantiateModule(ctx, f.compiled, moduleConfig)
	if err != nil {
		return nil, fmt.Errorf("instantiate codec module: %w", err)
	}

	mem := mod.Memory()
	if mem == nil {
		mod.Close(ctx)
		return nil, errors.New("codec module exports no memory")
	}

	required := append([]string{mallocExport, freeExport}, f.exports...)
	for _, name := range required {
		if mod.ExportedFunction(name) == nil {
			mod.Close(ctx)
			return nil, fmt.Errorf("codec module does not export %q", name)
		}
	}

	return &wazeroDomain{mod: mod, mem: &wazeroMemory{mem: mem}}, nil
}

// Close releases the runtime and compilation cache.
func (f *WazeroFactory) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true

	var errs []error
	if err := f.runtime.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if f.cache != nil {
		if err := f.cache.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

const (
	mallocExport = "malloc"
	freeExport   = "free"
)

type wazeroDomain struct {
	mod api.Module
	mem *wazeroMemory
}

func (d *wazeroDomain) Memory() Memory { return d.mem }

func (d *wazeroDomain) Call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	fn := d.mod.ExportedFunction(name)
	if fn == nil {
		return nil, fmt.Errorf("call %s: %w", name, ErrNoExport)
	}
	results, err := fn.Call(ctx, params...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("call %s: %w", name, ctxErr)
		}
		Logger().Debug("domain trapped", zap.String("export", name), zap.Error(err))
		return nil, fmt.Errorf("call %s: %w: %v", name, ErrTrap, err)
	}
	return results, nil
}

// Pin stages an exact-size region inside the instance. The codec writes the
// region; Unpin copies exactly len(buf) bytes back into buf.
func (d *wazeroDomain) Pin(ctx context.Context, buf []byte) (Pinned, error) {
	n := uint32(len(buf))
	if int(n) != len(buf) || n == 0 {
		return nil, fmt.Errorf("pin %d bytes: invalid size", len(buf))
	}
	res, err := d.Call(ctx, mallocExport, uint64(n))
	if err != nil {
		return nil, fmt.Errorf("stage pinned buffer: %w", err)
	}
	if len(res) != 1 {
		return nil, fmt.Errorf("stage pinned buffer: %s returned %d results", mallocExport, len(res))
	}
	ptr := uint32(res[0])
	if ptr == 0 || uint64(ptr)+uint64(n) > uint64(d.mem.Size()) {
		return nil, fmt.Errorf("stage pinned buffer: %w", ErrOutOfBounds)
	}
	if err := d.mem.Write(ptr, make([]byte, n)); err != nil {
		d.Call(ctx, freeExport, uint64(ptr))
		return nil, fmt.Errorf("stage pinned buffer: %w", err)
	}
	return &stagedPin{domain: d, buf: buf, ptr: ptr}, nil
}

func (d *wazeroDomain) Close(ctx context.Context) error {
	return d.mod.Close(ctx)
}

type stagedPin struct {
	domain   *wazeroDomain
	buf      []byte
	ptr      uint32
	unpinned bool
}

func (p *stagedPin) Ptr() uint32 { return p.ptr }
func (p *stagedPin) Len() uint32 { return uint32(len(p.buf)) }

func (p *stagedPin) Unpin(ctx context.Context) error {
	if p.unpinned {
		return nil
	}
	p.unpinned = true

	out, err := p.domain.mem.Read(p.ptr, uint32(len(p.buf)))
	if err != nil {
		return fmt.Errorf("unpin: %w", err)
	}
	copy(p.buf, out)
	if _, err := p.domain.Call(ctx, freeExport, uint64(p.ptr)); err != nil {
		return fmt.Errorf("unpin: %w", err)
	}
	return nil
}

type wazeroMemory struct {
	mem api.Memory
}

func (m *wazeroMemory) Size() uint32 { return m.mem.Size() }

func (m *wazeroMemory) Read(offset, n uint32) ([]byte, error) {
	view, ok := m.mem.Read(offset, n)
	if !ok {
		return nil, fmt.Errorf("read %d bytes at %#x: %w", n, offset, ErrOutOfBounds)
	}
	return bytes.Clone(view), nil
}

func (m *wazeroMemory) Write(offset uint32, data []byte) error {
	if !m.mem.Write(offset, data) {
		return fmt.Errorf("write %d bytes at %#x: %w", len(data), offset, ErrOutOfBounds)
	}
	return nil
}

func (m *wazeroMemory) ReadUint32(offset uint32) (uint32, error) {
	v, ok := m.mem.ReadUint32Le(offset)
	if !ok {
		return 0, fmt.Errorf("read uint32 at %#x: %w", offset, ErrOutOfBounds)
	}
	return v, nil
}

func (m *wazeroMemory) WriteUint32(offset, v uint32) error {
	if !m.mem.WriteUint32Le(offset, v) {
		return fmt.Errorf("write uint32 at %#x: %w", offset, ErrOutOfBounds)
	}
	return nil
}

// DefaultCacheDir is where compiled modules are cached when no directory is
// given: XDG_CACHE_HOME/webpbox, else ~/.cache/webpbox.
func DefaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "webpbox")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "webpbox")
	}
	return filepath.Join(os.TempDir(), "webpbox-cache")
}
