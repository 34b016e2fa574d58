package tainted

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/caffeineduck/webpbox/layout"
)

// Struct is a handle to one C struct in domain memory, laid out by its
// descriptor. Fields are addressed by dotted path.
type Struct struct {
	arena *Arena
	blk   *block
	desc  *layout.Struct
}

func (s *Struct) handle() (*Arena, *block) { return s.arena, s.blk }

// AllocStruct allocates a struct sized by desc.
func AllocStruct(ctx context.Context, a *Arena, desc *layout.Struct) (*Struct, error) {
	blk, err := a.alloc(ctx, uint64(desc.Size()))
	if err != nil {
		return nil, fmt.Errorf("alloc %s: %w", desc.Name(), err)
	}
	return &Struct{arena: a, blk: blk, desc: desc}, nil
}

// Desc returns the struct's descriptor.
func (s *Struct) Desc() *layout.Struct { return s.desc }

// Arg returns the struct address as a call argument.
func (s *Struct) Arg() uint64 {
	s.blk.dirty = true
	return uint64(s.blk.ptr)
}

// FieldArg returns the address of a field (for passing &config.input and
// the like) as a call argument.
func (s *Struct) FieldArg(path string) (uint64, error) {
	slot, ok := s.desc.Lookup(path)
	if !ok {
		return 0, fmt.Errorf("%s has no field %q", s.desc.Name(), path)
	}
	s.blk.dirty = true
	return uint64(s.blk.ptr) + uint64(slot.Offset), nil
}

func (s *Struct) scalar(path string) (layout.Slot, error) {
	if s.blk.freed {
		return layout.Slot{}, fmt.Errorf("%s.%s: %w", s.desc.Name(), path, ErrDoubleFree)
	}
	slot, ok := s.desc.Lookup(path)
	if !ok {
		return layout.Slot{}, fmt.Errorf("%s has no field %q", s.desc.Name(), path)
	}
	if !slot.Kind.Scalar() || slot.Count > 0 || slot.Elem() != 4 {
		return layout.Slot{}, fmt.Errorf("%s.%s is %s, not a 32-bit scalar", s.desc.Name(), path, slot.Kind)
	}
	return slot, nil
}

// Int32 reads a 32-bit field as an unverified value.
func (s *Struct) Int32(path string) (Value[int32], error) {
	v, err := s.Uint32(path)
	if err != nil {
		return Value[int32]{}, err
	}
	return Value[int32]{name: v.name, v: int32(v.v), err: v.err}, nil
}

// Uint32 reads a 32-bit field (pointer, size_t, unsigned) as an unverified
// value.
func (s *Struct) Uint32(path string) (Value[uint32], error) {
	slot, err := s.scalar(path)
	if err != nil {
		return Value[uint32]{}, err
	}
	raw, err := s.arena.domain.Memory().ReadUint32(s.blk.ptr + slot.Offset)
	if err != nil {
		return Value[uint32]{}, fmt.Errorf("read %s.%s: %w", s.desc.Name(), path, err)
	}
	return Value[uint32]{name: s.desc.Name() + "." + path, v: raw}, nil
}

// SetInt32 writes a 32-bit field.
func (s *Struct) SetInt32(path string, v int32) error {
	return s.SetUint32(path, uint32(v))
}

// SetUint32 writes a 32-bit field.
func (s *Struct) SetUint32(path string, v uint32) error {
	slot, err := s.scalar(path)
	if err != nil {
		return err
	}
	s.blk.dirty = true
	if err := s.arena.domain.Memory().WriteUint32(s.blk.ptr+slot.Offset, v); err != nil {
		return fmt.Errorf("write %s.%s: %w", s.desc.Name(), path, err)
	}
	return nil
}

// Fresh is the host-side image of a struct being constructed.
type Fresh struct {
	desc  *layout.Struct
	image []byte
}

// SetInt32 sets a 32-bit field in the image.
func (f *Fresh) SetInt32(path string, v int32) error {
	return f.SetUint32(path, uint32(v))
}

// SetUint32 sets a 32-bit field in the image.
func (f *Fresh) SetUint32(path string, v uint32) error {
	slot, ok := f.desc.Lookup(path)
	if !ok {
		return fmt.Errorf("%s has no field %q", f.desc.Name(), path)
	}
	if !slot.Kind.Scalar() || slot.Count > 0 || slot.Elem() != 4 {
		return fmt.Errorf("%s.%s is %s, not a 32-bit scalar", f.desc.Name(), path, slot.Kind)
	}
	binary.LittleEndian.PutUint32(f.image[slot.Offset:], v)
	return nil
}

// Construct initializes a freshly allocated struct that has never been
// handed to the domain: it writes a zeroed image with whatever fields init
// sets. This is the one write path that bypasses verification, so it is
// refused for any struct that already crossed the boundary.
func Construct(s *Struct, init func(*Fresh) error) error {
	if s.blk.freed || s.blk.dirty {
		return fmt.Errorf("construct %s: %w", s.desc.Name(), ErrNotFresh)
	}
	f := &Fresh{desc: s.desc, image: make([]byte, s.desc.Size())}
	if init != nil {
		if err := init(f); err != nil {
			return fmt.Errorf("construct %s: %w", s.desc.Name(), err)
		}
	}
	s.blk.dirty = true
	if err := s.arena.domain.Memory().Write(s.blk.ptr, f.image); err != nil {
		return fmt.Errorf("construct %s: %w", s.desc.Name(), err)
	}
	return nil
}
