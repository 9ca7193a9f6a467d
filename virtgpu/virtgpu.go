//go:build linux

// Package virtgpu defines the buffer-allocation interface the relay
// consumes to mirror guest shared-memory pools into host-visible
// buffers, together with a memfd-backed implementation used when the
// host transport is a plain unix socket (and in tests).
//
// A real virtio-gpu driver satisfies Device by allocating blobs on the
// paravirtualized GPU; the descriptor inside the returned Image must be
// acceptable to the host compositor as a wl_shm pool fd.
package virtgpu

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// DRM fourcc codes used for pool allocations. Pools are allocated as a
// one-row R8 image whose width is the pool size in bytes.
const (
	FormatR8 uint32 = 0x20203852 // 'R' '8' ' ' ' '
)

// Errors returned by Device implementations.
var (
	ErrClosed      = errors.New("virtgpu: device closed")
	ErrOutOfBounds = errors.New("virtgpu: mapping exceeds image bounds")
	ErrZeroSize    = errors.New("virtgpu: zero-sized allocation")
	ErrUnsupported = errors.New("virtgpu: unsupported format")
)

// Query describes a requested allocation.
type Query struct {
	Width  uint32
	Height uint32
	Format uint32 // DRM fourcc
}

// Image is a host-resident allocation. FD can be passed to the host
// compositor over the Wayland socket; ownership of FD stays with the
// caller, which must close it when the image is released.
type Image struct {
	FD       int
	HostSize uint64
	Offset   uint64
	Stride   uint32
}

// Device provides host-visible buffer allocation.
type Device interface {
	// Alloc allocates a host-resident image. The returned fd is owned
	// by the caller.
	Alloc(q Query) (Image, error)

	// Close releases the device.
	Close() error
}

// MapImage maps length bytes of the image into the caller's address
// space, bounds-checked against the image's host size. Unmap with
// unix.Munmap.
func MapImage(img Image, length int) ([]byte, error) {
	if length < 0 || uint64(length)+img.Offset > img.HostSize {
		return nil, ErrOutOfBounds
	}
	mem, err := unix.Mmap(img.FD, int64(img.Offset), length,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("virtgpu: mmap: %w", err)
	}
	return mem, nil
}
