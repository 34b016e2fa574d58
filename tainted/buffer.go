package tainted

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
)

// Elem is a scalar type a buffer can hold.
type Elem interface {
	uint8 | int32 | uint32 | int64 | uint64 | float32
}

func sizeOf[T Elem]() uint64 {
	var zero T
	switch any(zero).(type) {
	case uint8:
		return 1
	case int64, uint64:
		return 8
	default:
		return 4
	}
}

// Buffer is a handle to count elements of T in domain memory. The host
// cannot dereference it: data goes in through CopyIn and comes out through
// ExtractRange.
type Buffer[T Elem] struct {
	arena *Arena
	blk   *block
	count uint32
}

func (b Buffer[T]) handle() (*Arena, *block) { return b.arena, b.blk }

// Alloc allocates count elements of T in the arena's domain.
func Alloc[T Elem](ctx context.Context, a *Arena, count uint32) (Buffer[T], error) {
	size := uint64(count) * sizeOf[T]()
	blk, err := a.alloc(ctx, size)
	if err != nil {
		return Buffer[T]{}, err
	}
	return Buffer[T]{arena: a, blk: blk, count: count}, nil
}

// Len is the element count.
func (b Buffer[T]) Len() uint32 { return b.count }

// Size is the byte size.
func (b Buffer[T]) Size() uint32 { return b.blk.size }

// Arg returns the buffer address as a call argument. The buffer is no
// longer fresh afterwards.
func (b Buffer[T]) Arg() uint64 {
	b.blk.dirty = true
	return uint64(b.blk.ptr)
}

// ArgAt returns the address of the byte at offset inside the buffer as a
// call argument.
func (b Buffer[T]) ArgAt(offset uint32) (uint64, error) {
	if offset >= b.blk.size {
		return 0, fmt.Errorf("offset %d in %d byte buffer: %w", offset, b.blk.size, ErrOverflow)
	}
	b.blk.dirty = true
	return uint64(b.blk.ptr) + uint64(offset), nil
}

// Addr is the raw domain address, for comparison with values the domain
// hands back.
func (b Buffer[T]) Addr() uint32 { return b.blk.ptr }

// CopyIn writes src to the start of the buffer. A source larger than the
// buffer is rejected before anything is written.
func (b Buffer[T]) CopyIn(src []byte) error {
	if b.blk.freed {
		return fmt.Errorf("copy in: %w", ErrDoubleFree)
	}
	if uint64(len(src)) > uint64(b.blk.size) {
		return fmt.Errorf("copy %d bytes into %d: %w", len(src), b.blk.size, ErrOverflow)
	}
	b.blk.dirty = true
	if err := b.arena.domain.Memory().Write(b.blk.ptr, src); err != nil {
		return fmt.Errorf("copy in: %w", err)
	}
	return nil
}

// Set writes a single element at index i.
func (b Buffer[T]) Set(i uint32, v T) error {
	if i >= b.count {
		return fmt.Errorf("index %d of %d: %w", i, b.count, ErrOverflow)
	}
	n := sizeOf[T]()
	raw := make([]byte, n)
	switch x := any(v).(type) {
	case uint8:
		raw[0] = x
	case int32:
		binary.LittleEndian.PutUint32(raw, uint32(x))
	case uint32:
		binary.LittleEndian.PutUint32(raw, x)
	case int64:
		binary.LittleEndian.PutUint64(raw, uint64(x))
	case uint64:
		binary.LittleEndian.PutUint64(raw, x)
	case float32:
		binary.LittleEndian.PutUint32(raw, math.Float32bits(x))
	}
	b.blk.dirty = true
	return b.arena.domain.Memory().Write(b.blk.ptr+i*uint32(n), raw)
}

// ExtractRange copies the first n elements out of the buffer into host
// memory.
func ExtractRange[T Elem](b Buffer[T], n uint32) ([]byte, error) {
	if b.blk.freed {
		return nil, fmt.Errorf("extract: %w", ErrDoubleFree)
	}
	if n > b.count {
		return nil, fmt.Errorf("extract %d of %d elements: %w", n, b.count, ErrOverflow)
	}
	out, err := b.arena.domain.Memory().Read(b.blk.ptr, n*uint32(sizeOf[T]()))
	if err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}
	return out, nil
}

// Element reads element i as an unverified value.
func Element[T Elem](b Buffer[T], i uint32) (Value[T], error) {
	if i >= b.count {
		return Value[T]{}, fmt.Errorf("index %d of %d: %w", i, b.count, ErrOverflow)
	}
	n := uint32(sizeOf[T]())
	raw, err := b.arena.domain.Memory().Read(b.blk.ptr+i*n, n)
	if err != nil {
		return Value[T]{}, err
	}
	var v T
	switch p := any(&v).(type) {
	case *uint8:
		*p = raw[0]
	case *int32:
		*p = int32(binary.LittleEndian.Uint32(raw))
	case *uint32:
		*p = binary.LittleEndian.Uint32(raw)
	case *int64:
		*p = int64(binary.LittleEndian.Uint64(raw))
	case *uint64:
		*p = binary.LittleEndian.Uint64(raw)
	case *float32:
		*p = math.Float32frombits(binary.LittleEndian.Uint32(raw))
	}
	return Value[T]{name: fmt.Sprintf("[%d]", i), v: v}, nil
}
