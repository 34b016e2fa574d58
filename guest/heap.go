package guest

import (
	"errors"
	"fmt"
	"sort"
)

const (
	heapStart = 1024 // addresses below are never handed out, so 0 stays null
	heapAlign = 8
)

// ErrBadFree is returned when free is given a pointer the heap never
// handed out, or one that was already freed.
var ErrBadFree = errors.New("free of unallocated pointer")

type span struct {
	off, size uint32
}

// heap is a first-fit allocator over linear memory. Block metadata lives on
// the host side, out of reach of code running in the domain.
type heap struct {
	mem   *Memory
	free  []span // sorted by offset, coalesced
	live  map[uint32]uint32
	inUse uint64
}

func newHeap(mem *Memory) *heap {
	h := &heap{mem: mem, live: make(map[uint32]uint32)}
	if mem.Size() > heapStart {
		h.free = []span{{off: heapStart, size: mem.Size() - heapStart}}
	}
	return h
}

func alignUp(n, a uint32) uint32 {
	return (n + a - 1) &^ (a - 1)
}

// alloc returns a pointer to n bytes, or 0 when memory cannot grow.
func (h *heap) alloc(n uint32) uint32 {
	if n == 0 {
		n = 1
	}
	if n > 1<<31 {
		return 0
	}
	size := alignUp(n, heapAlign)

	for {
		for i, s := range h.free {
			if s.size < size {
				continue
			}
			if s.size == size {
				h.free = append(h.free[:i], h.free[i+1:]...)
			} else {
				h.free[i] = span{off: s.off + size, size: s.size - size}
			}
			h.live[s.off] = size
			h.inUse += uint64(size)
			return s.off
		}
		if !h.grow(size) {
			return 0
		}
	}
}

func (h *heap) grow(need uint32) bool {
	old := h.mem.Size()
	pages := (uint64(need) + pageSize - 1) / pageSize
	if pages > 1<<16 {
		return false
	}
	if err := h.mem.Grow(uint32(pages)); err != nil {
		return false
	}
	h.insert(span{off: old, size: h.mem.Size() - old})
	return true
}

func (h *heap) release(ptr uint32) error {
	if ptr == 0 {
		return nil
	}
	size, ok := h.live[ptr]
	if !ok {
		return fmt.Errorf("free(%#x): %w", ptr, ErrBadFree)
	}
	delete(h.live, ptr)
	h.inUse -= uint64(size)
	h.insert(span{off: ptr, size: size})
	return nil
}

// sizeOf returns the usable size of a live block.
func (h *heap) sizeOf(ptr uint32) (uint32, bool) {
	size, ok := h.live[ptr]
	return size, ok
}

func (h *heap) insert(s span) {
	i := sort.Search(len(h.free), func(i int) bool { return h.free[i].off > s.off })
	h.free = append(h.free, span{})
	copy(h.free[i+1:], h.free[i:])
	h.free[i] = s

	// merge with next
	if i+1 < len(h.free) && h.free[i].off+h.free[i].size == h.free[i+1].off {
		h.free[i].size += h.free[i+1].size
		h.free = append(h.free[:i+1], h.free[i+2:]...)
	}
	// merge with previous
	if i > 0 && h.free[i-1].off+h.free[i-1].size == h.free[i].off {
		h.free[i-1].size += h.free[i].size
		h.free = append(h.free[:i], h.free[i+1:]...)
	}
}
