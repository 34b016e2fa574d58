package guest

import (
	"context"
	"errors"
	"fmt"

	"github.com/caffeineduck/webpbox/sandbox"
	"go.uber.org/zap"
)

var errClosed = errors.New("instance closed")

// Instance is one in-process domain: a private linear memory, a heap over
// it and the exports of the registry it was created from.
type Instance struct {
	registry *Registry
	mem      *Memory
	heap     *heap
	objects  map[uint32]any
	trace    func(export string)
	trapped  error
	closed   bool
}

// Memory returns the host view of the instance memory.
func (inst *Instance) Memory() sandbox.Memory { return inst.mem }

// Mem returns the memory as seen from inside the domain, including pinned
// segments and the helpers exports use.
func (inst *Instance) Mem() *Memory { return inst.mem }

// Call invokes an export. Panics and errors raised by the export are
// contained and reported as sandbox.ErrTrap; the instance refuses further
// calls afterwards.
func (inst *Instance) Call(ctx context.Context, name string, params ...uint64) (results []uint64, err error) {
	if inst.closed {
		return nil, fmt.Errorf("call %s: %w", name, errClosed)
	}
	if inst.trapped != nil {
		return nil, fmt.Errorf("call %s: %w: %v", name, sandbox.ErrTrap, inst.trapped)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("call %s: %w", name, err)
	}

	fn, ok := inst.lookup(name)
	if !ok {
		return nil, fmt.Errorf("call %s: %w", name, sandbox.ErrNoExport)
	}
	if inst.trace != nil {
		inst.trace(name)
	}

	defer func() {
		if r := recover(); r != nil {
			inst.trapped = fmt.Errorf("panic: %v", r)
			results = nil
			err = fmt.Errorf("call %s: %w: %v", name, sandbox.ErrTrap, inst.trapped)
		}
	}()

	results, err = fn(ctx, inst, params)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("call %s: %w", name, ctxErr)
		}
		inst.trapped = err
		sandbox.Logger().Debug("guest export faulted", zap.String("export", name), zap.Error(err))
		return nil, fmt.Errorf("call %s: %w: %v", name, sandbox.ErrTrap, err)
	}
	return results, nil
}

func (inst *Instance) lookup(name string) (Func, bool) {
	switch name {
	case "malloc":
		return builtinMalloc, true
	case "free":
		return builtinFree, true
	}
	return inst.registry.Get(name)
}

func builtinMalloc(ctx context.Context, inst *Instance, params []uint64) ([]uint64, error) {
	if len(params) != 1 {
		return nil, fmt.Errorf("malloc: want 1 param, got %d", len(params))
	}
	return []uint64{uint64(inst.Malloc(uint32(params[0])))}, nil
}

func builtinFree(ctx context.Context, inst *Instance, params []uint64) ([]uint64, error) {
	if len(params) != 1 {
		return nil, fmt.Errorf("free: want 1 param, got %d", len(params))
	}
	return nil, inst.Free(uint32(params[0]))
}

// Malloc allocates n bytes of zeroed linear memory. It returns 0 when the
// memory limit is reached.
func (inst *Instance) Malloc(n uint32) uint32 {
	ptr := inst.heap.alloc(n)
	if ptr != 0 {
		size, _ := inst.heap.sizeOf(ptr)
		inst.mem.Fill(ptr, size, 0)
	}
	return ptr
}

// Free releases a block returned by Malloc. Freeing an unknown pointer is a
// fault.
func (inst *Instance) Free(ptr uint32) error {
	return inst.heap.release(ptr)
}

// BlockSize reports the usable size of a live heap block.
func (inst *Instance) BlockSize(ptr uint32) (uint32, bool) {
	return inst.heap.sizeOf(ptr)
}

// HeapInUse is the number of bytes currently allocated.
func (inst *Instance) HeapInUse() uint64 { return inst.heap.inUse }

// NewObject stores a Go value behind an opaque handle. The handle is a real
// heap pointer, so it is unique and non-null for as long as the object
// lives. It returns 0 when memory is exhausted.
func (inst *Instance) NewObject(v any) uint32 {
	handle := inst.heap.alloc(heapAlign)
	if handle == 0 {
		return 0
	}
	inst.objects[handle] = v
	return handle
}

// Object returns the value behind a handle.
func (inst *Instance) Object(handle uint32) (any, bool) {
	v, ok := inst.objects[handle]
	return v, ok
}

// DeleteObject drops a handle and frees its heap block.
func (inst *Instance) DeleteObject(handle uint32) error {
	if _, ok := inst.objects[handle]; !ok {
		return fmt.Errorf("delete object %#x: unknown handle", handle)
	}
	delete(inst.objects, handle)
	return inst.heap.release(handle)
}

// Pin lends buf to the instance. Exports may write the segment but every
// read of it fails, and its address never overlaps linear memory.
func (inst *Instance) Pin(ctx context.Context, buf []byte) (sandbox.Pinned, error) {
	if inst.closed {
		return nil, errClosed
	}
	base, err := inst.mem.pin(buf)
	if err != nil {
		return nil, err
	}
	return &aliasPin{mem: inst.mem, base: base, n: uint32(len(buf))}, nil
}

// Close drops the instance memory. Outstanding heap blocks and objects go
// with it.
func (inst *Instance) Close(ctx context.Context) error {
	if inst.closed {
		return nil
	}
	inst.closed = true
	inst.mem.release()
	inst.objects = nil
	return nil
}

type aliasPin struct {
	mem      *Memory
	base     uint32
	n        uint32
	unpinned bool
}

func (p *aliasPin) Ptr() uint32 { return p.base }
func (p *aliasPin) Len() uint32 { return p.n }

func (p *aliasPin) Unpin(ctx context.Context) error {
	if !p.unpinned {
		p.unpinned = true
		p.mem.unpin(p.base)
	}
	return nil
}
