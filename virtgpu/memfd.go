//go:build linux

package virtgpu

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// MemfdDevice satisfies Device with anonymous shared memory instead of
// virtio-gpu blobs. It is the allocation backend when the relay talks
// to the host compositor over a plain unix socket, where a memfd is
// just as shareable as a device-backed buffer, and it is the backend
// every test uses.
type MemfdDevice struct {
	mu     sync.Mutex
	closed bool
	serial int
}

// NewMemfdDevice returns a ready MemfdDevice.
func NewMemfdDevice() *MemfdDevice {
	return &MemfdDevice{}
}

// Alloc creates a sealed-size memfd of width*height bytes for single-row
// R8 images, the only geometry the relay requests for pool mirrors.
func (d *MemfdDevice) Alloc(q Query) (Image, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return Image{}, ErrClosed
	}
	if q.Format != FormatR8 {
		return Image{}, ErrUnsupported
	}
	size := uint64(q.Width) * uint64(q.Height)
	if size == 0 {
		return Image{}, ErrZeroSize
	}

	d.serial++
	name := fmt.Sprintf("wlproxy-pool-%d", d.serial)
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return Image{}, fmt.Errorf("virtgpu: memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Close(fd)
		return Image{}, fmt.Errorf("virtgpu: ftruncate: %w", err)
	}
	// Fix the size so the host side cannot be made to fault by a
	// later shrink.
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS,
		unix.F_SEAL_SHRINK|unix.F_SEAL_GROW); err != nil {
		_ = unix.Close(fd)
		return Image{}, fmt.Errorf("virtgpu: seal: %w", err)
	}

	return Image{
		FD:       fd,
		HostSize: size,
		Offset:   0,
		Stride:   q.Width,
	}, nil
}

// Close marks the device closed. Outstanding images stay valid; their
// fds are owned by their holders.
func (d *MemfdDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
