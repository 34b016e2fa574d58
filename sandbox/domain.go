package sandbox

import (
	"context"
	"errors"
)

var (
	// ErrDomainCreation is returned when an isolated domain cannot be
	// created. There is no unisolated fallback.
	ErrDomainCreation = errors.New("domain creation failed")

	// ErrTrap is returned when code inside the domain faulted. The domain
	// is unusable afterwards and is torn down on release.
	ErrTrap = errors.New("domain trapped")

	// ErrNoExport is returned when a call names a function the domain does
	// not export.
	ErrNoExport = errors.New("export not found")

	// ErrOutOfBounds is returned when a memory access falls outside the
	// domain's linear memory.
	ErrOutOfBounds = errors.New("access out of domain bounds")

	// ErrLeaseReleased is returned when a released lease is used.
	ErrLeaseReleased = errors.New("lease released")
)

// Memory is the host's view of a domain's linear memory. Every access is
// bounds-checked; reads return copies the host owns.
type Memory interface {
	Size() uint32
	Read(offset, n uint32) ([]byte, error)
	Write(offset uint32, data []byte) error
	ReadUint32(offset uint32) (uint32, error)
	WriteUint32(offset, v uint32) error
}

// Pinned is a host buffer lent to the domain as external output for the
// duration of one call. The domain may only write it.
type Pinned interface {
	// Ptr is the domain address of the buffer.
	Ptr() uint32
	// Len is the exact byte count of the buffer.
	Len() uint32
	// Unpin ends the loan. After Unpin the host buffer holds whatever the
	// domain wrote and the domain address is invalid.
	Unpin(ctx context.Context) error
}

// Domain is one isolated instance of the codec library.
type Domain interface {
	Memory() Memory
	// Call invokes an export with raw wasm values. Results are raw too;
	// the caller is responsible for verifying them.
	Call(ctx context.Context, name string, params ...uint64) ([]uint64, error)
	// Pin lends buf to the domain as write-only external memory.
	Pin(ctx context.Context, buf []byte) (Pinned, error)
	Close(ctx context.Context) error
}

// Factory creates domains.
type Factory interface {
	NewDomain(ctx context.Context) (Domain, error)
	Close(ctx context.Context) error
}
