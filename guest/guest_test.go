package guest

import (
	"context"
	"errors"
	"testing"

	"github.com/caffeineduck/webpbox/sandbox"
)

func newTestInstance(t *testing.T, reg *Registry, opts ...Option) *Instance {
	t.Helper()
	if reg == nil {
		reg = NewRegistry()
	}
	inst := NewFactory(reg, opts...).NewInstance()
	t.Cleanup(func() { inst.Close(context.Background()) })
	return inst
}

// =============================================================================
// REGISTRY
// =============================================================================

func TestRegistryList(t *testing.T) {
	reg := NewRegistry()
	noop := func(ctx context.Context, inst *Instance, params []uint64) ([]uint64, error) { return nil, nil }
	reg.Register("b", noop)
	reg.Register("a", noop)

	names := reg.List()
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("List() = %v", names)
	}
	if _, ok := reg.Get("c"); ok {
		t.Error("unexpected function c")
	}
}

// =============================================================================
// HEAP
// =============================================================================

func TestMallocFree(t *testing.T) {
	inst := newTestInstance(t, nil)

	a := inst.Malloc(10)
	b := inst.Malloc(10)
	if a == 0 || b == 0 {
		t.Fatal("malloc returned null")
	}
	if a < heapStart {
		t.Errorf("pointer %#x below heap start", a)
	}
	if a%heapAlign != 0 || b%heapAlign != 0 {
		t.Errorf("unaligned pointers %#x %#x", a, b)
	}
	if b-a < 16 {
		t.Errorf("blocks overlap: %#x %#x", a, b)
	}

	if err := inst.Free(a); err != nil {
		t.Fatalf("free: %v", err)
	}
	if err := inst.Free(a); !errors.Is(err, ErrBadFree) {
		t.Errorf("double free: expected ErrBadFree, got %v", err)
	}
	if err := inst.Free(0); err != nil {
		t.Errorf("free(NULL): %v", err)
	}

	// first fit reuses the freed block
	if c := inst.Malloc(8); c != a {
		t.Errorf("expected reuse of %#x, got %#x", a, c)
	}
}

func TestMallocZeroesMemory(t *testing.T) {
	inst := newTestInstance(t, nil)
	p := inst.Malloc(16)
	inst.Mem().Write(p, []byte("dirtydirtydirty!"))
	inst.Free(p)

	q := inst.Malloc(16)
	b, _ := inst.Mem().Read(q, 16)
	for _, v := range b {
		if v != 0 {
			t.Fatalf("block not zeroed: %x", b)
		}
	}
}

func TestHeapGrowsAndCoalesces(t *testing.T) {
	inst := newTestInstance(t, nil, WithInitialPages(1), WithMemoryLimit(8))

	big := inst.Malloc(3 * pageSize)
	if big == 0 {
		t.Fatal("expected memory to grow")
	}
	if inst.Memory().Size() < 4*pageSize {
		t.Errorf("memory size = %d", inst.Memory().Size())
	}
	inst.Free(big)
	if inst.HeapInUse() != 0 {
		t.Errorf("in use = %d", inst.HeapInUse())
	}

	// After coalescing the freed region serves an allocation of the same size.
	size := inst.Memory().Size()
	if again := inst.Malloc(3 * pageSize); again == 0 {
		t.Fatal("allocation failed after free")
	}
	if inst.Memory().Size() != size {
		t.Error("memory grew although a free span was large enough")
	}
}

func TestMallocRespectsLimit(t *testing.T) {
	inst := newTestInstance(t, nil, WithInitialPages(1), WithMemoryLimit(2))
	if p := inst.Malloc(4 * pageSize); p != 0 {
		t.Errorf("expected null, got %#x", p)
	}
}

// =============================================================================
// MEMORY
// =============================================================================

func TestMemoryBounds(t *testing.T) {
	inst := newTestInstance(t, nil, WithInitialPages(1))
	mem := inst.Mem()

	if _, err := mem.Read(pageSize-2, 4); !errors.Is(err, sandbox.ErrOutOfBounds) {
		t.Errorf("expected ErrOutOfBounds, got %v", err)
	}
	if err := mem.Write(pageSize-1, []byte{1, 2}); !errors.Is(err, sandbox.ErrOutOfBounds) {
		t.Errorf("expected ErrOutOfBounds, got %v", err)
	}
	if err := mem.WriteInt32(64, -5); err != nil {
		t.Fatal(err)
	}
	if v, _ := mem.ReadInt32(64); v != -5 {
		t.Errorf("ReadInt32 = %d", v)
	}
}

func TestPinIsWriteOnly(t *testing.T) {
	inst := newTestInstance(t, nil)
	buf := make([]byte, 8)

	pin, err := inst.Pin(context.Background(), buf)
	if err != nil {
		t.Fatalf("pin: %v", err)
	}
	if pin.Ptr() < PinBase || pin.Len() != 8 {
		t.Fatalf("pin = %#x/%d", pin.Ptr(), pin.Len())
	}

	if err := inst.Mem().Write(pin.Ptr()+4, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("write to pin: %v", err)
	}
	if buf[4] != 1 || buf[7] != 4 {
		t.Errorf("host buffer = %v", buf)
	}
	if _, err := inst.Mem().Read(pin.Ptr(), 4); !errors.Is(err, ErrPinnedRead) {
		t.Errorf("expected ErrPinnedRead, got %v", err)
	}
	if err := inst.Mem().Write(pin.Ptr()+6, []byte{1, 2, 3}); !errors.Is(err, sandbox.ErrOutOfBounds) {
		t.Errorf("write past pin: expected ErrOutOfBounds, got %v", err)
	}

	pin.Unpin(context.Background())
	if err := inst.Mem().Write(pin.Ptr(), []byte{9}); !errors.Is(err, sandbox.ErrOutOfBounds) {
		t.Errorf("write after unpin: expected ErrOutOfBounds, got %v", err)
	}
}

func TestPinsDoNotOverlap(t *testing.T) {
	inst := newTestInstance(t, nil)
	a, _ := inst.Pin(context.Background(), make([]byte, 100))
	b, _ := inst.Pin(context.Background(), make([]byte, 100))
	if uint64(a.Ptr())+100 > uint64(b.Ptr()) {
		t.Errorf("pins overlap: %#x %#x", a.Ptr(), b.Ptr())
	}
}

// =============================================================================
// CALLS AND TRAPS
// =============================================================================

func TestCallBuiltins(t *testing.T) {
	inst := newTestInstance(t, nil)
	ctx := context.Background()

	res, err := inst.Call(ctx, "malloc", 32)
	if err != nil {
		t.Fatalf("malloc: %v", err)
	}
	ptr := uint32(res[0])
	if ptr == 0 {
		t.Fatal("null pointer")
	}
	if _, err := inst.Call(ctx, "free", uint64(ptr)); err != nil {
		t.Fatalf("free: %v", err)
	}
	if _, err := inst.Call(ctx, "nope"); !errors.Is(err, sandbox.ErrNoExport) {
		t.Errorf("expected ErrNoExport, got %v", err)
	}
}

func TestPanicBecomesTrap(t *testing.T) {
	reg := NewRegistry()
	reg.Register("boom", func(ctx context.Context, inst *Instance, params []uint64) ([]uint64, error) {
		var s []int
		_ = s[3]
		return nil, nil
	})
	inst := newTestInstance(t, reg)

	_, err := inst.Call(context.Background(), "boom")
	if !errors.Is(err, sandbox.ErrTrap) {
		t.Fatalf("expected ErrTrap, got %v", err)
	}
	// A trapped instance is dead.
	if _, err := inst.Call(context.Background(), "malloc", 1); !errors.Is(err, sandbox.ErrTrap) {
		t.Errorf("expected ErrTrap after trap, got %v", err)
	}
}

func TestFaultBecomesTrap(t *testing.T) {
	reg := NewRegistry()
	reg.Register("oob", func(ctx context.Context, inst *Instance, params []uint64) ([]uint64, error) {
		_, err := inst.Mem().Read(0xffff_0000, 4)
		return nil, err
	})
	inst := newTestInstance(t, reg)

	_, err := inst.Call(context.Background(), "oob")
	if !errors.Is(err, sandbox.ErrTrap) {
		t.Fatalf("expected ErrTrap, got %v", err)
	}
}

func TestCallHonorsContext(t *testing.T) {
	inst := newTestInstance(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := inst.Call(ctx, "malloc", 1); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestTrace(t *testing.T) {
	var seen []string
	inst := newTestInstance(t, nil, WithTrace(func(name string) { seen = append(seen, name) }))
	inst.Call(context.Background(), "malloc", 1)
	inst.Call(context.Background(), "free", 0)
	if len(seen) != 2 || seen[0] != "malloc" || seen[1] != "free" {
		t.Errorf("trace = %v", seen)
	}
}

func TestObjects(t *testing.T) {
	inst := newTestInstance(t, nil)
	h := inst.NewObject("state")
	if h == 0 {
		t.Fatal("null handle")
	}
	if v, ok := inst.Object(h); !ok || v.(string) != "state" {
		t.Errorf("Object = %v, %v", v, ok)
	}
	if err := inst.DeleteObject(h); err != nil {
		t.Fatal(err)
	}
	if err := inst.DeleteObject(h); err == nil {
		t.Error("expected error deleting twice")
	}
}

func TestClosedInstance(t *testing.T) {
	inst := NewFactory(NewRegistry()).NewInstance()
	inst.Close(context.Background())
	if _, err := inst.Call(context.Background(), "malloc", 1); err == nil {
		t.Error("expected error on closed instance")
	}
}

func TestFactoryThroughLifecycle(t *testing.T) {
	lc := sandbox.NewLifecycle(NewFactory(NewRegistry()))
	lease, err := lc.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	first := lease.Domain()
	p, _ := first.Call(context.Background(), "malloc", 4)
	first.Memory().WriteUint32(uint32(p[0]), 7)
	lease.Release()

	// Every lease starts from empty memory.
	lease, _ = lc.Acquire(context.Background())
	defer lease.Release()
	if v, _ := lease.Domain().Memory().ReadUint32(uint32(p[0])); v != 0 {
		t.Errorf("memory leaked across leases: %d", v)
	}
}
