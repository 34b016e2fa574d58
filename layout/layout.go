// Package layout describes C structures that live in a wasm32 linear memory.
//
// A [Struct] is a declarative field list. Offsets are computed with the
// wasm32 C rules (int, pointers and size_t are 4 bytes, 64-bit integers are
// 8-byte aligned) and can be checked against the sizes and offsets taken
// from the C headers the guest library was built with. A mismatch is a
// startup failure, never something to work around at runtime.
package layout

import (
	"fmt"
	"strings"
)

// Kind is the C type of a field.
type Kind int

const (
	Int32 Kind = iota
	Uint32
	Uint8
	Int64
	Uint64
	Float32
	Ptr   // any pointer, 4 bytes on wasm32
	SizeT // size_t, 4 bytes on wasm32
	Enum  // C enum, int sized
	Nested
	Union
)

func (k Kind) String() string {
	switch k {
	case Int32:
		return "int32"
	case Uint32:
		return "uint32"
	case Uint8:
		return "uint8"
	case Int64:
		return "int64"
	case Uint64:
		return "uint64"
	case Float32:
		return "float32"
	case Ptr:
		return "ptr"
	case SizeT:
		return "size_t"
	case Enum:
		return "enum"
	case Nested:
		return "struct"
	case Union:
		return "union"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Scalar reports whether values of this kind fit in a single load/store.
func (k Kind) Scalar() bool {
	return k != Nested && k != Union
}

func (k Kind) info() Info {
	switch k {
	case Uint8:
		return Info{Size: 1, Align: 1}
	case Int64, Uint64:
		return Info{Size: 8, Align: 8}
	default:
		return Info{Size: 4, Align: 4}
	}
}

// Info is the size and alignment of a type.
type Info struct {
	Size  uint32
	Align uint32
}

// Field is one member of a struct or union.
type Field struct {
	Name  string
	Kind  Kind
	Count uint32  // array length, 0 means scalar
	Type  *Struct // element type for Nested and Union
}

// F declares a scalar field.
func F(name string, kind Kind) Field {
	return Field{Name: name, Kind: kind}
}

// Array declares a fixed-size array field.
func Array(name string, kind Kind, count uint32) Field {
	return Field{Name: name, Kind: kind, Count: count}
}

// Embed declares a nested struct or union field.
func Embed(name string, typ *Struct) Field {
	kind := Nested
	if typ.union {
		kind = Union
	}
	return Field{Name: name, Kind: kind, Type: typ}
}

// Slot is a resolved field: its absolute offset inside the outermost struct
// and its kind.
type Slot struct {
	Path   string
	Offset uint32
	Kind   Kind
	Count  uint32
	Bytes  uint32
}

// Elem is the byte size of one element of the slot.
func (s Slot) Elem() uint32 {
	return s.Kind.info().Size
}

// Struct is a computed C struct or union layout.
type Struct struct {
	name   string
	union  bool
	fields []Field
	info   Info
	slots  map[string]Slot
	order  []string
}

// Define computes the layout of a struct.
func Define(name string, fields ...Field) *Struct {
	s := &Struct{name: name, fields: fields}
	s.compute()
	return s
}

// DefineUnion computes the layout of a union: every member at offset 0.
func DefineUnion(name string, fields ...Field) *Struct {
	s := &Struct{name: name, union: true, fields: fields}
	s.compute()
	return s
}

func (s *Struct) compute() {
	s.slots = make(map[string]Slot)
	maxAlign := uint32(1)
	offset := uint32(0)
	end := uint32(0)

	for _, f := range s.fields {
		var fi Info
		if f.Kind.Scalar() {
			fi = f.Kind.info()
			if f.Count > 0 {
				fi.Size *= f.Count
			}
		} else {
			fi = f.Type.info
		}

		if s.union {
			offset = 0
		} else {
			offset = alignTo(offset, fi.Align)
		}
		if fi.Align > maxAlign {
			maxAlign = fi.Align
		}

		if f.Kind.Scalar() {
			s.add(Slot{Path: f.Name, Offset: offset, Kind: f.Kind, Count: f.Count, Bytes: fi.Size})
		} else {
			s.add(Slot{Path: f.Name, Offset: offset, Kind: f.Kind, Bytes: fi.Size})
			for _, name := range f.Type.order {
				inner := f.Type.slots[name]
				inner.Path = f.Name + "." + inner.Path
				inner.Offset += offset
				s.add(inner)
			}
		}

		if offset+fi.Size > end {
			end = offset + fi.Size
		}
		offset += fi.Size
	}

	s.info = Info{Size: alignTo(end, maxAlign), Align: maxAlign}
}

func (s *Struct) add(slot Slot) {
	s.slots[slot.Path] = slot
	s.order = append(s.order, slot.Path)
}

// Name returns the C name of the struct.
func (s *Struct) Name() string { return s.name }

// Size returns the struct size in bytes, including tail padding.
func (s *Struct) Size() uint32 { return s.info.Size }

// Align returns the struct alignment.
func (s *Struct) Align() uint32 { return s.info.Align }

// Lookup resolves a dotted field path such as "output.u.RGBA.stride".
func (s *Struct) Lookup(path string) (Slot, bool) {
	slot, ok := s.slots[path]
	return slot, ok
}

// MustLookup is Lookup that panics on an unknown path. Field paths are
// compile-time constants in callers, so an unknown one is a programming
// error.
func (s *Struct) MustLookup(path string) Slot {
	slot, ok := s.slots[path]
	if !ok {
		panic(fmt.Sprintf("layout: %s has no field %q", s.name, path))
	}
	return slot
}

// Paths lists every resolvable field path in declaration order.
func (s *Struct) Paths() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

func (s *Struct) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (size %d, align %d)", s.name, s.info.Size, s.info.Align)
	for _, p := range s.order {
		slot := s.slots[p]
		fmt.Fprintf(&b, "\n  %-28s +%-4d %s", p, slot.Offset, slot.Kind)
		if slot.Count > 0 {
			fmt.Fprintf(&b, "[%d]", slot.Count)
		}
	}
	return b.String()
}

func alignTo(offset, align uint32) uint32 {
	if align <= 1 {
		return offset
	}
	return (offset + align - 1) &^ (align - 1)
}
