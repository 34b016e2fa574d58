package guest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/caffeineduck/webpbox/sandbox"
)

const (
	pageSize = 65536

	// PinBase is the first address of the pinned segment space. Linear
	// memory never grows this far, so a pinned address cannot alias it.
	PinBase uint32 = 0x8000_0000
)

// ErrPinnedRead is returned when code inside the domain reads pinned
// external memory, which is write-only.
var ErrPinnedRead = errors.New("read of write-only pinned memory")

type pinSegment struct {
	base uint32
	buf  []byte
}

func (s *pinSegment) end() uint64 { return uint64(s.base) + uint64(len(s.buf)) }

// Memory is the private linear memory of one instance plus the pinned
// segments lent to it. Every access is bounds-checked and copies.
type Memory struct {
	data     []byte
	maxPages uint32
	pins     []*pinSegment // sorted by base
	nextPin  uint64
}

func newMemory(initialPages, maxPages uint32) *Memory {
	return &Memory{
		data:     make([]byte, int(initialPages)*pageSize),
		maxPages: maxPages,
		nextPin:  uint64(PinBase),
	}
}

// Size is the size of linear memory in bytes.
func (m *Memory) Size() uint32 { return uint32(len(m.data)) }

// Limit is the largest size linear memory may grow to, in bytes.
func (m *Memory) Limit() uint64 { return uint64(m.maxPages) * pageSize }

// Grow adds delta pages. It fails once maxPages would be exceeded.
func (m *Memory) Grow(delta uint32) error {
	pages := uint64(len(m.data))/pageSize + uint64(delta)
	if pages > uint64(m.maxPages) {
		return fmt.Errorf("grow to %d pages: limit is %d", pages, m.maxPages)
	}
	m.data = append(m.data, make([]byte, int(delta)*pageSize)...)
	return nil
}

func (m *Memory) linear(offset uint32, n uint64) bool {
	return uint64(offset)+n <= uint64(len(m.data))
}

func (m *Memory) pinAt(offset uint32, n uint64) *pinSegment {
	i := sort.Search(len(m.pins), func(i int) bool { return m.pins[i].end() > uint64(offset) })
	if i == len(m.pins) {
		return nil
	}
	seg := m.pins[i]
	if offset < seg.base || uint64(offset)+n > seg.end() {
		return nil
	}
	return seg
}

// Read copies n bytes out of linear memory.
func (m *Memory) Read(offset, n uint32) ([]byte, error) {
	if !m.linear(offset, uint64(n)) {
		if offset >= PinBase && m.pinAt(offset, 0) != nil {
			return nil, fmt.Errorf("read %d bytes at %#x: %w", n, offset, ErrPinnedRead)
		}
		return nil, fmt.Errorf("read %d bytes at %#x: %w", n, offset, sandbox.ErrOutOfBounds)
	}
	out := make([]byte, n)
	copy(out, m.data[offset:])
	return out, nil
}

// Write copies data into linear memory or into a pinned segment. A write
// must fall entirely inside one of them.
func (m *Memory) Write(offset uint32, data []byte) error {
	if m.linear(offset, uint64(len(data))) {
		copy(m.data[offset:], data)
		return nil
	}
	if seg := m.pinAt(offset, uint64(len(data))); seg != nil {
		copy(seg.buf[offset-seg.base:], data)
		return nil
	}
	return fmt.Errorf("write %d bytes at %#x: %w", len(data), offset, sandbox.ErrOutOfBounds)
}

// Fill sets n bytes starting at offset to b.
func (m *Memory) Fill(offset, n uint32, b byte) error {
	var dst []byte
	switch {
	case m.linear(offset, uint64(n)):
		dst = m.data[offset : offset+n]
	default:
		seg := m.pinAt(offset, uint64(n))
		if seg == nil {
			return fmt.Errorf("fill %d bytes at %#x: %w", n, offset, sandbox.ErrOutOfBounds)
		}
		start := offset - seg.base
		dst = seg.buf[start : start+n]
	}
	for i := range dst {
		dst[i] = b
	}
	return nil
}

func (m *Memory) ReadUint32(offset uint32) (uint32, error) {
	b, err := m.Read(offset, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (m *Memory) WriteUint32(offset, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return m.Write(offset, b[:])
}

func (m *Memory) ReadInt32(offset uint32) (int32, error) {
	v, err := m.ReadUint32(offset)
	return int32(v), err
}

func (m *Memory) WriteInt32(offset uint32, v int32) error {
	return m.WriteUint32(offset, uint32(v))
}

func (m *Memory) pin(buf []byte) (uint32, error) {
	n := uint64(len(buf))
	if n == 0 {
		return 0, errors.New("pin empty buffer")
	}
	base := m.nextPin
	if base+n > 1<<32 {
		return 0, errors.New("pinned segment space exhausted")
	}
	// Keep a gap so an access running off one segment never lands in the
	// next.
	m.nextPin = (base + n + 2*pageSize) &^ (pageSize - 1)
	seg := &pinSegment{base: uint32(base), buf: buf}
	m.pins = append(m.pins, seg)
	return seg.base, nil
}

func (m *Memory) unpin(base uint32) {
	for i, seg := range m.pins {
		if seg.base == base {
			m.pins = append(m.pins[:i], m.pins[i+1:]...)
			return
		}
	}
}

func (m *Memory) release() {
	m.data = nil
	m.pins = nil
}
