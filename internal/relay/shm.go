//go:build linux

package relay

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/jonleivent/wayland-proxy-clipname/internal/protocol"
	"github.com/jonleivent/wayland-proxy-clipname/internal/wire"
	"github.com/jonleivent/wayland-proxy-clipname/virtgpu"
)

// shmPool mirrors one guest shared-memory pool. Guest pool fds cannot
// be handed to the host compositor when the host sits behind virtio-gpu,
// so the pool lazily allocates a host-resident twin of identical size
// and maps both into the relay.
//
// The mapping is deferred until a buffer from the pool is first attached
// to a surface: Xwayland creates large numbers of pools that never get
// attached, and mapping them eagerly would dominate startup.
type shmPool struct {
	fd   int   // guest pool fd; owned until refs drops to zero
	size int32

	// refs counts the guest pool proxy plus every live guest buffer
	// proxy carved from the pool.
	refs int

	// hostShm is the host-side wl_shm the pool was created under.
	hostShm *Object

	mapping *poolMapping
}

// poolMapping is the realized double mapping of a pool.
type poolMapping struct {
	hostPool *Object
	guestMem []byte
	hostMem  []byte
}

// shmBuffer is one buffer record within a virtualized pool.
type shmBuffer struct {
	pool   *shmPool
	offset int32
	width  int32
	height int32
	stride int32
	format uint32

	// realized is set on first attach: the host-side buffer and the
	// two memory slices covering this buffer's bytes.
	realized *realizedBuffer
}

// realizedBuffer is the lazily-created host view of a buffer.
type realizedBuffer struct {
	hostBuffer *Object
	guestMem   []byte
	hostMem    []byte
}

// shmCreatePool intercepts wl_shm.create_pool in virtualized mode. No
// host request goes out; the guest pool object exists without a twin
// until first attach forces the mapping.
func (s *Session) shmCreatePool(shmObj *Object, desc *protocol.Msg, msg *wire.Message) error {
	hostShm, err := shmObj.toHost()
	if err != nil {
		return err
	}
	dec := wire.NewDecoder(msg.Args, msg.FDs)
	id, err := dec.NewID()
	if err != nil {
		return fmt.Errorf("%w: create_pool: %v", ErrProtocolViolation, err)
	}
	fd, err := dec.FD()
	if err != nil {
		return fmt.Errorf("%w: create_pool: %v", ErrProtocolViolation, err)
	}
	size, err := dec.Int32()
	if err != nil || size <= 0 {
		_ = unix.Close(fd)
		return fmt.Errorf("%w: create_pool size %d", ErrProtocolViolation, size)
	}

	pool := &shmPool{fd: fd, size: size, refs: 1, hostShm: hostShm}
	poolObj := s.guest.add(id, protocol.WlShmPool, shmObj.version)
	poolObj.data = pool
	poolObj.addDeleteHook(func() { s.unrefPool(pool) })
	return nil
}

// shmPoolRequest services requests on a virtualized pool.
func (s *Session) shmPoolRequest(poolObj *Object, desc *protocol.Msg, msg *wire.Message) error {
	pool := poolObj.data.(*shmPool)
	dec := wire.NewDecoder(msg.Args, nil)

	switch desc.Name {
	case "create_buffer":
		id, err := dec.NewID()
		if err != nil {
			return fmt.Errorf("%w: create_buffer: %v", ErrProtocolViolation, err)
		}
		var geom [4]int32
		for i := range geom {
			if geom[i], err = dec.Int32(); err != nil {
				return fmt.Errorf("%w: create_buffer: %v", ErrProtocolViolation, err)
			}
		}
		format, err := dec.Uint32()
		if err != nil {
			return fmt.Errorf("%w: create_buffer: %v", ErrProtocolViolation, err)
		}
		buf := &shmBuffer{
			pool:   pool,
			offset: geom[0],
			width:  geom[1],
			height: geom[2],
			stride: geom[3],
			format: format,
		}
		if end := int64(buf.offset) + int64(buf.height)*int64(buf.stride); buf.offset < 0 || end > int64(pool.size) {
			return fmt.Errorf("%w: buffer [%d, %d) outside pool of %d bytes",
				ErrProtocolViolation, buf.offset, end, pool.size)
		}
		pool.refs++
		bufObj := s.guest.add(id, protocol.WlBuffer, 1)
		bufObj.data = buf
		bufObj.addDeleteHook(func() { s.unrefPool(pool) })
		return nil

	case "destroy":
		s.deleteGuest(poolObj)
		return nil

	case "resize":
		newSize, err := dec.Int32()
		if err != nil || newSize <= 0 {
			return fmt.Errorf("%w: resize to %d", ErrProtocolViolation, newSize)
		}
		if newSize == pool.size {
			return nil
		}
		pool.size = newSize
		s.dropMapping(pool)
		return nil

	default:
		return fmt.Errorf("%w: wl_shm_pool.%s", ErrProtocolViolation, desc.Name)
	}
}

// shmBufferRequest services requests on a virtualized buffer. The only
// request is destroy: a realized buffer tears down its host twin with
// deferred acknowledgement; an unrealized one has nothing on the host to
// wait for.
func (s *Session) shmBufferRequest(bufObj *Object, desc *protocol.Msg, msg *wire.Message) error {
	if desc.Name != "destroy" {
		return fmt.Errorf("%w: wl_buffer.%s", ErrProtocolViolation, desc.Name)
	}
	buf := bufObj.data.(*shmBuffer)
	if buf.realized == nil {
		s.deleteGuest(bufObj)
		return nil
	}
	hostBuf := buf.realized.hostBuffer
	enc := wire.NewEncoder(0)
	destroy := enc.Message(hostBuf.id, wire.Opcode(protocol.WlBuffer.RequestOpcode("destroy")))
	if err := s.host.conn.WriteMessage(destroy); err != nil {
		return fmt.Errorf("%w: %v", ErrHostFailure, err)
	}
	s.sequenceDestroy(bufObj, hostBuf)
	return nil
}

// realizeBuffer forces the lazy slot of a buffer: the pool's double
// mapping, the host-side buffer of identical geometry, and the two
// memory slices for commit-time copying.
func (s *Session) realizeBuffer(bufObj *Object) (*realizedBuffer, error) {
	buf := bufObj.data.(*shmBuffer)
	if buf.realized != nil {
		return buf.realized, nil
	}
	m, err := s.ensureMapping(buf.pool)
	if err != nil {
		return nil, err
	}

	hostBuf := s.host.add(s.host.allocID(), protocol.WlBuffer, 1)
	pair(bufObj, hostBuf)

	enc := wire.NewEncoder(24)
	enc.PutNewID(hostBuf.id)
	enc.PutInt32(buf.offset)
	enc.PutInt32(buf.width)
	enc.PutInt32(buf.height)
	enc.PutInt32(buf.stride)
	enc.PutUint32(buf.format)
	create := enc.Message(m.hostPool.id, wire.Opcode(protocol.WlShmPool.RequestOpcode("create_buffer")))
	if err := s.host.conn.WriteMessage(create); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHostFailure, err)
	}

	span := int(buf.height) * int(buf.stride)
	off := int(buf.offset)
	buf.realized = &realizedBuffer{
		hostBuffer: hostBuf,
		guestMem:   m.guestMem[off : off+span : off+span],
		hostMem:    m.hostMem[off : off+span : off+span],
	}
	return buf.realized, nil
}

// ensureMapping realizes the pool's double mapping: a virtio-gpu
// allocation of the pool size (a one-row R8 image), a host wl_shm_pool
// over its fd, and mmaps of both the guest fd and the host allocation.
func (s *Session) ensureMapping(pool *shmPool) (*poolMapping, error) {
	if pool.mapping != nil {
		return pool.mapping, nil
	}

	img, err := s.device.Alloc(virtgpu.Query{
		Width:  uint32(pool.size),
		Height: 1,
		Format: virtgpu.FormatR8,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: alloc %d bytes: %v", ErrHostFailure, pool.size, err)
	}

	guestMem, err := unix.Mmap(pool.fd, 0, int(pool.size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(img.FD)
		return nil, fmt.Errorf("%w: mmap guest pool: %v", ErrProtocolViolation, err)
	}
	hostMem, err := virtgpu.MapImage(img, int(pool.size))
	if err != nil {
		_ = unix.Munmap(guestMem)
		_ = unix.Close(img.FD)
		return nil, fmt.Errorf("%w: map host pool: %v", ErrHostFailure, err)
	}

	hostPool := s.host.add(s.host.allocID(), protocol.WlShmPool, 1)
	enc := wire.NewEncoder(8)
	enc.PutNewID(hostPool.id)
	enc.PutFD(img.FD)
	enc.PutInt32(pool.size)
	create := enc.Message(pool.hostShm.id, wire.Opcode(protocol.WlShm.RequestOpcode("create_pool")))
	if err := s.host.conn.WriteMessage(create); err != nil {
		_ = unix.Munmap(guestMem)
		_ = unix.Munmap(hostMem)
		_ = unix.Close(img.FD)
		return nil, fmt.Errorf("%w: %v", ErrHostFailure, err)
	}
	// The compositor holds its own duplicate and the bytes stay
	// reachable through hostMem.
	_ = unix.Close(img.FD)

	pool.mapping = &poolMapping{hostPool: hostPool, guestMem: guestMem, hostMem: hostMem}
	s.log.Debug().Int32("size", pool.size).Msg("realized shm pool mapping")
	return pool.mapping, nil
}

// dropMapping releases the realized mapping, destroying the host pool if
// the host transport is still live. Buffers already realized keep their
// existing host buffers and slices; the guest is expected to re-create
// its buffers after a resize.
func (s *Session) dropMapping(pool *shmPool) {
	m := pool.mapping
	if m == nil {
		return
	}
	pool.mapping = nil
	_ = unix.Munmap(m.guestMem)
	_ = unix.Munmap(m.hostMem)
	if s.closed {
		s.host.remove(m.hostPool)
		return
	}
	enc := wire.NewEncoder(0)
	destroy := enc.Message(m.hostPool.id, wire.Opcode(protocol.WlShmPool.RequestOpcode("destroy")))
	if err := s.host.conn.WriteMessage(destroy); err != nil {
		s.log.Debug().Err(err).Msg("host pool destroy after hangup")
	}
}

// unrefPool drops one reference; the last reference closes the guest fd
// and releases the mapping.
func (s *Session) unrefPool(pool *shmPool) {
	pool.refs--
	if pool.refs > 0 {
		return
	}
	s.dropMapping(pool)
	_ = unix.Close(pool.fd)
	pool.fd = -1
}
