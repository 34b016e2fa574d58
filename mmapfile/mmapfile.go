//go:build darwin || linux

// Package mmapfile maps files read-only. All mapping operations share one
// process-wide lock, taken around each open, access and close.
package mmapfile

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"golang.org/x/sys/unix"
)

var (
	// ErrEmpty is returned for zero-length files, which cannot be mapped.
	ErrEmpty = errors.New("empty file")
	// ErrClosed is returned when a closed mapping is accessed.
	ErrClosed = errors.New("mapping closed")
)

var mu sync.Mutex

// File is a read-only mapping of a whole file.
type File struct {
	path string
	data []byte
}

// Open maps path read-only. The file descriptor is closed once the mapping
// exists.
func Open(path string) (*File, error) {
	mu.Lock()
	defer mu.Unlock()

	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer unix.Close(fd)

	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		return nil, fmt.Errorf("stating %s: %w", path, err)
	}
	if stat.Size == 0 {
		return nil, fmt.Errorf("mapping %s: %w", path, ErrEmpty)
	}
	if uint64(stat.Size) > uint64(^uint(0)>>1) {
		return nil, fmt.Errorf("mapping %s: %d bytes is too large", path, stat.Size)
	}

	data, err := unix.Mmap(fd, 0, int(stat.Size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("memory-mapping %s: %w", path, err)
	}
	return &File{path: path, data: data}, nil
}

// Path is the mapped file's path.
func (f *File) Path() string { return f.path }

// Len is the mapped length in bytes.
func (f *File) Len() int {
	mu.Lock()
	defer mu.Unlock()
	return len(f.data)
}

// With calls fn with the mapped bytes under the mapping lock. fn must not
// retain the slice. A page fault while fn runs (the file was truncated
// underneath us, or the storage failed) is returned as an error.
func (f *File) With(fn func(data []byte) error) (err error) {
	mu.Lock()
	defer mu.Unlock()
	if f.data == nil {
		return fmt.Errorf("reading %s: %w", f.path, ErrClosed)
	}

	old := debug.SetPanicOnFault(true)
	defer func() {
		debug.SetPanicOnFault(old)
		if r := recover(); r != nil {
			err = fmt.Errorf("page fault reading %s: %v", f.path, r)
		}
	}()
	return fn(f.data)
}

// Close unmaps the file. Calling it again is a no-op.
func (f *File) Close() error {
	mu.Lock()
	defer mu.Unlock()
	if f.data == nil {
		return nil
	}
	err := unix.Munmap(f.data)
	f.data = nil
	if err != nil {
		return fmt.Errorf("unmapping %s: %w", f.path, err)
	}
	return nil
}
