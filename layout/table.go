package layout

import (
	"errors"
	"fmt"
	"sort"
)

// ErrMismatch reports a descriptor that disagrees with the C layout it is
// supposed to mirror.
var ErrMismatch = errors.New("layout mismatch")

// Expect pins the C layout of one struct: total size and the offsets of
// selected fields, as printed by sizeof/offsetof against the guest headers.
type Expect struct {
	Size    uint32
	Offsets map[string]uint32
}

// Table is the set of structs that cross the boundary, each paired with the
// layout it must match.
type Table struct {
	structs map[string]*Struct
	expect  map[string]Expect
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{
		structs: make(map[string]*Struct),
		expect:  make(map[string]Expect),
	}
}

// Add registers a struct together with its pinned layout.
func (t *Table) Add(s *Struct, e Expect) *Struct {
	t.structs[s.name] = s
	t.expect[s.name] = e
	return s
}

// Get returns a registered struct by C name.
func (t *Table) Get(name string) (*Struct, bool) {
	s, ok := t.structs[name]
	return s, ok
}

// Names lists registered struct names, sorted.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.structs))
	for n := range t.structs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Verify checks every struct against its pinned layout and returns all
// mismatches joined.
func (t *Table) Verify() error {
	var errs []error
	for _, name := range t.Names() {
		if err := Check(t.structs[name], t.expect[name]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MustVerify panics if Verify fails. Intended for package init so a drifted
// descriptor stops the process before any guest call is made.
func (t *Table) MustVerify() {
	if err := t.Verify(); err != nil {
		panic(err)
	}
}

// Check compares one struct with its pinned layout.
func Check(s *Struct, e Expect) error {
	if s.Size() != e.Size {
		return fmt.Errorf("%w: %s is %d bytes, want %d", ErrMismatch, s.name, s.Size(), e.Size)
	}
	paths := make([]string, 0, len(e.Offsets))
	for p := range e.Offsets {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		slot, ok := s.Lookup(p)
		if !ok {
			return fmt.Errorf("%w: %s has no field %q", ErrMismatch, s.name, p)
		}
		if slot.Offset != e.Offsets[p] {
			return fmt.Errorf("%w: %s.%s at offset %d, want %d", ErrMismatch, s.name, p, slot.Offset, e.Offsets[p])
		}
	}
	return nil
}
