package tainted

import (
	"context"
	"errors"
	"fmt"

	"github.com/caffeineduck/webpbox/sandbox"
)

var (
	// ErrAllocation is returned when the domain allocator returns null or a
	// pointer outside domain memory.
	ErrAllocation = errors.New("domain allocation failed")

	// ErrOverflow is returned when a copy would run past a buffer.
	ErrOverflow = errors.New("copy exceeds buffer")

	// ErrDoubleFree is returned when a buffer is freed twice.
	ErrDoubleFree = errors.New("buffer already freed")

	// ErrNotFresh is returned by Construct for a buffer that already
	// crossed the boundary.
	ErrNotFresh = errors.New("buffer is not freshly allocated")

	// ErrForeign is returned when a buffer is used with an arena that did
	// not allocate it.
	ErrForeign = errors.New("buffer belongs to another arena")
)

type block struct {
	ptr   uint32
	size  uint32
	dirty bool // passed to the domain or written by CopyIn
	freed bool
}

// Handle is anything the arena allocated.
type Handle interface {
	handle() (*Arena, *block)
}

// Arena owns every buffer allocated in one domain during one operation.
// Buffers are freed individually or all at once by FreeAll, which must run
// before the domain is destroyed.
type Arena struct {
	domain sandbox.Domain
	live   []*block
	pins   []*Pinned
}

// NewArena returns an arena allocating in d.
func NewArena(d sandbox.Domain) *Arena {
	return &Arena{domain: d}
}

// Domain returns the arena's domain.
func (a *Arena) Domain() sandbox.Domain { return a.domain }

func (a *Arena) alloc(ctx context.Context, size uint64) (*block, error) {
	if size == 0 || size > 1<<31 {
		return nil, fmt.Errorf("alloc %d bytes: %w", size, ErrAllocation)
	}
	res, err := a.domain.Call(ctx, "malloc", size)
	if err != nil {
		return nil, fmt.Errorf("alloc %d bytes: %w: %w", size, ErrAllocation, err)
	}
	ptr, err := Extract(Uint32Result("malloc", res), func(p uint32) bool {
		return p != 0 && uint64(p)+size <= uint64(a.domain.Memory().Size())
	})
	if err != nil {
		return nil, fmt.Errorf("alloc %d bytes: %w: %w", size, ErrAllocation, err)
	}
	b := &block{ptr: ptr, size: uint32(size)}
	a.live = append(a.live, b)
	return b, nil
}

func (a *Arena) own(h Handle) (*block, error) {
	owner, b := h.handle()
	if owner != a {
		return nil, ErrForeign
	}
	return b, nil
}

// Free releases one buffer through the domain's free export.
func (a *Arena) Free(ctx context.Context, h Handle) error {
	b, err := a.own(h)
	if err != nil {
		return err
	}
	if b.freed {
		return fmt.Errorf("free %#x: %w", b.ptr, ErrDoubleFree)
	}
	b.freed = true
	for i, l := range a.live {
		if l == b {
			a.live = append(a.live[:i], a.live[i+1:]...)
			break
		}
	}
	if _, err := a.domain.Call(ctx, "free", uint64(b.ptr)); err != nil {
		return fmt.Errorf("free %#x: %w", b.ptr, err)
	}
	return nil
}

// FreeAll unpins outstanding pins and frees every live buffer, newest
// first. It keeps going after an error and returns all of them.
func (a *Arena) FreeAll(ctx context.Context) error {
	var errs []error
	for i := len(a.pins) - 1; i >= 0; i-- {
		if err := a.pins[i].Unpin(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.pins = nil

	for i := len(a.live) - 1; i >= 0; i-- {
		b := a.live[i]
		b.freed = true
		if _, err := a.domain.Call(ctx, "free", uint64(b.ptr)); err != nil {
			errs = append(errs, fmt.Errorf("free %#x: %w", b.ptr, err))
		}
	}
	a.live = nil
	return errors.Join(errs...)
}

// Live is the number of buffers not yet freed.
func (a *Arena) Live() int { return len(a.live) }

// Call invokes an export with arguments built from tainted handles and
// wraps every result as an unverified value.
func (a *Arena) Call(ctx context.Context, name string, args ...uint64) (Results, error) {
	res, err := a.domain.Call(ctx, name, args...)
	if err != nil {
		return Results{}, err
	}
	return Results{name: name, raw: res}, nil
}
