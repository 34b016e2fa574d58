package libwebp

import (
	"fmt"

	"github.com/caffeineduck/webpbox/guest"
	"github.com/caffeineduck/webpbox/layout"
)

// cstruct is a struct in instance memory seen from inside the domain.
type cstruct struct {
	mem  *guest.Memory
	base uint32
	desc *layout.Struct
}

func view(mem *guest.Memory, base uint32, desc *layout.Struct) cstruct {
	return cstruct{mem: mem, base: base, desc: desc}
}

func (c cstruct) addr(path string) uint32 {
	return c.base + c.desc.MustLookup(path).Offset
}

func (c cstruct) i32(path string) (int32, error) {
	v, err := c.mem.ReadInt32(c.addr(path))
	if err != nil {
		return 0, fmt.Errorf("%s.%s: %w", c.desc.Name(), path, err)
	}
	return v, nil
}

func (c cstruct) u32(path string) (uint32, error) {
	v, err := c.mem.ReadUint32(c.addr(path))
	if err != nil {
		return 0, fmt.Errorf("%s.%s: %w", c.desc.Name(), path, err)
	}
	return v, nil
}

func (c cstruct) setI32(path string, v int32) error {
	return c.setU32(path, uint32(v))
}

func (c cstruct) setU32(path string, v uint32) error {
	if err := c.mem.WriteUint32(c.addr(path), v); err != nil {
		return fmt.Errorf("%s.%s: %w", c.desc.Name(), path, err)
	}
	return nil
}

func (c cstruct) zero() error {
	if err := c.mem.Fill(c.base, c.desc.Size(), 0); err != nil {
		return fmt.Errorf("%s: %w", c.desc.Name(), err)
	}
	return nil
}

// sub views an embedded struct.
func (c cstruct) sub(path string, desc *layout.Struct) cstruct {
	return cstruct{mem: c.mem, base: c.addr(path), desc: desc}
}

// readData reads the bytes a (pointer, size) pair describes.
func readData(mem *guest.Memory, ptr, size uint32) ([]byte, error) {
	if ptr == 0 {
		return nil, fmt.Errorf("null data pointer")
	}
	return mem.Read(ptr, size)
}
