package tainted

import (
	"errors"
	"fmt"
	"math"

	"github.com/caffeineduck/webpbox/sandbox"
)

// ErrVerification is returned when a value from the domain fails its check.
var ErrVerification = errors.New("tainted value rejected")

// Value is a scalar that came out of the domain. The only way to get at it
// is Extract.
type Value[T any] struct {
	name string
	v    T
	err  error
}

// Name identifies where the value came from, for error messages.
func (v Value[T]) Name() string { return v.name }

// Extract returns the value if pred accepts it.
func Extract[T any](v Value[T], pred func(T) bool) (T, error) {
	var zero T
	if v.err != nil {
		return zero, fmt.Errorf("%s: %w: %w", v.name, ErrVerification, v.err)
	}
	if !pred(v.v) {
		return zero, fmt.Errorf("%s = %v: %w", v.name, v.v, ErrVerification)
	}
	return v.v, nil
}

// Results wraps the raw results of one export call.
type Results struct {
	name string
	raw  []uint64
}

// Int32 returns result i as an unverified int32.
func (r Results) Int32(i int) Value[int32] {
	return Int32Result(r.name, r.at(i))
}

// Uint32 returns result i as an unverified uint32, typically a pointer or
// size_t.
func (r Results) Uint32(i int) Value[uint32] {
	return Uint32Result(r.name, r.at(i))
}

func (r Results) at(i int) []uint64 {
	if i < 0 || i >= len(r.raw) {
		return nil
	}
	return r.raw[i : i+1]
}

// Int32Result wraps the first raw result of export name.
func Int32Result(name string, raw []uint64) Value[int32] {
	if len(raw) == 0 {
		return Value[int32]{name: name, err: errors.New("no result")}
	}
	return Value[int32]{name: name, v: int32(uint32(raw[0]))}
}

// Uint32Result wraps the first raw result of export name.
func Uint32Result(name string, raw []uint64) Value[uint32] {
	if len(raw) == 0 {
		return Value[uint32]{name: name, err: errors.New("no result")}
	}
	return Value[uint32]{name: name, v: uint32(raw[0])}
}

// Common predicates.

// NonZero accepts any value other than zero.
func NonZero[T comparable](v T) bool {
	var zero T
	return v != zero
}

// Equals returns a predicate accepting exactly want.
func Equals[T comparable](want T) func(T) bool {
	return func(v T) bool { return v == want }
}

// InRange returns a predicate accepting lo <= v <= hi.
func InRange(lo, hi int32) func(int32) bool {
	return func(v int32) bool { return v >= lo && v <= hi }
}

// Bool accepts the C booleans 0 and 1.
func Bool(v int32) bool { return v == 0 || v == 1 }

// ExtractPtr verifies that ptr is non-null and that [ptr, ptr+size) lies
// inside domain memory.
func ExtractPtr(mem sandbox.Memory, ptr Value[uint32], size uint32) (uint32, error) {
	return Extract(ptr, func(p uint32) bool {
		return p != 0 && uint64(p)+uint64(size) <= uint64(mem.Size())
	})
}

// ExtractBlock copies a domain-owned block into host memory. The size must
// be in 1..limit and the block must lie inside domain memory.
func ExtractBlock(mem sandbox.Memory, ptr, size Value[uint32], limit uint32) ([]byte, error) {
	n, err := Extract(size, func(n uint32) bool { return n > 0 && n <= limit })
	if err != nil {
		return nil, err
	}
	p, err := ExtractPtr(mem, ptr, n)
	if err != nil {
		return nil, err
	}
	out, err := mem.Read(p, n)
	if err != nil {
		return nil, fmt.Errorf("extract block: %w", err)
	}
	return out, nil
}

// I32 encodes a signed argument.
func I32(v int32) uint64 { return uint64(uint32(v)) }

// F32 encodes a float argument the way wasm runtimes expect it.
func F32(v float32) uint64 { return uint64(math.Float32bits(v)) }
