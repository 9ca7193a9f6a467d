//go:build linux

package relay

import (
	"fmt"

	"github.com/jonleivent/wayland-proxy-clipname/internal/protocol"
	"github.com/jonleivent/wayland-proxy-clipname/internal/wire"
	"github.com/jonleivent/wayland-proxy-clipname/xwayland"
)

// surface lifecycle states.
const (
	surfaceReady = iota
	surfaceUnconfigured
	surfaceDestroyed
)

// surfaceState is the per-surface record. When Xwayland hooks are
// installed a new surface starts unconfigured and queues its requests
// until the window manager rules on it; without hooks it is ready
// immediately.
type surfaceState struct {
	lifecycle  int
	queue      []deferredOp
	visibility xwayland.Visibility

	// guestMem/hostMem view the currently attached buffer's bytes on
	// both sides; commit copies guestMem into hostMem. Empty when no
	// virtualized buffer is attached.
	guestMem []byte
	hostMem  []byte

	// userData is the opaque extension-owned slot.
	userData any
}

// deferredOp is one queued request of an unconfigured surface.
type deferredOp struct {
	desc *protocol.Msg
	msg  *wire.Message
}

// compositorRequest forwards wl_compositor requests and attaches the
// surface record to each new surface pair.
func (s *Session) compositorRequest(obj *Object, desc *protocol.Msg, msg *wire.Message) error {
	created, err := s.forwardRequest(obj, desc, msg)
	if err != nil {
		return err
	}
	if desc.Name != "create_surface" || len(created) != 1 {
		return nil
	}

	surfObj := created[0]
	st := &surfaceState{lifecycle: surfaceReady, visibility: xwayland.Show}
	surfObj.data = st

	if s.hooks == nil {
		return nil
	}
	st.lifecycle = surfaceUnconfigured

	hostSurf := surfObj.peer
	if s.hooks.Active() {
		// Xwayland renders at the scaled size; tell the host so it
		// does not scale a second time.
		if err := s.setHostBufferScale(hostSurf, s.hooks.ScaleFactor()); err != nil {
			return err
		}
	}
	if s.hooks.OnCreateSurface != nil {
		guestID := uint32(surfObj.id)
		hostID := uint32(hostSurf.id)
		s.hooks.OnCreateSurface(hostID, guestID, func(v xwayland.Visibility) {
			s.post(func() { s.surfaceConfigured(surfObj, v) })
		})
	} else {
		// Hooks without a surface callback never configure; do not
		// wedge the surface.
		st.lifecycle = surfaceReady
	}
	return nil
}

// surfaceRequest routes a wl_surface request through the deferred queue.
func (s *Session) surfaceRequest(obj *Object, desc *protocol.Msg, msg *wire.Message) error {
	st, ok := obj.data.(*surfaceState)
	if !ok {
		// Surfaces created before the relay attached state cannot
		// exist; treat as a relay fault.
		return fmt.Errorf("relay: surface %s without state", obj)
	}

	if desc.Name == "destroy" {
		return s.surfaceDestroy(obj, st, desc, msg)
	}

	switch st.lifecycle {
	case surfaceDestroyed:
		wire.CloseFDs(msg)
		return nil
	case surfaceUnconfigured:
		st.queue = append(st.queue, deferredOp{desc: desc, msg: msg})
		return nil
	default:
		return s.surfaceExec(obj, st, desc, msg)
	}
}

// surfaceDestroy tears the surface down immediately, bypassing the
// queue: pending deferred requests are dropped with it.
func (s *Session) surfaceDestroy(obj *Object, st *surfaceState, desc *protocol.Msg, msg *wire.Message) error {
	st.lifecycle = surfaceDestroyed
	for _, op := range st.queue {
		wire.CloseFDs(op.msg)
	}
	st.queue = nil
	st.guestMem = nil
	st.hostMem = nil

	if s.hooks != nil && s.hooks.OnDestroySurface != nil && obj.peer != nil {
		s.hooks.OnDestroySurface(uint32(obj.peer.id))
	}
	_, err := s.forwardRequest(obj, desc, msg)
	return err
}

// surfaceConfigured applies the window manager's verdict and drains the
// deferred queue in FIFO order.
func (s *Session) surfaceConfigured(obj *Object, v xwayland.Visibility) {
	st, ok := obj.data.(*surfaceState)
	if !ok || st.lifecycle == surfaceDestroyed {
		return
	}
	st.visibility = v
	if v == xwayland.Unmanaged && s.hooks.Active() && obj.peer != nil {
		// Cursor surfaces and override-redirect markers render at
		// native size; undo the compensation scale.
		if err := s.setHostBufferScale(obj.peer, 1); err != nil {
			s.log.Warn().Err(err).Msg("reverting buffer scale")
		}
	}

	queue := st.queue
	st.queue = nil
	st.lifecycle = surfaceReady
	for _, op := range queue {
		if err := s.surfaceExec(obj, st, op.desc, op.msg); err != nil {
			s.log.Error().Err(err).Str("request", op.desc.Name).Msg("deferred surface request failed")
			s.shutdown()
			return
		}
	}
}

// surfaceExec performs one surface request against the host.
func (s *Session) surfaceExec(obj *Object, st *surfaceState, desc *protocol.Msg, msg *wire.Message) error {
	switch desc.Name {
	case "attach":
		return s.surfaceAttach(obj, st, msg)

	case "commit":
		if len(st.guestMem) > 0 {
			copy(st.hostMem, st.guestMem)
		}
		_, err := s.forwardRequest(obj, desc, msg)
		return err

	case "damage":
		return s.forwardScaledRect(obj, desc, msg)

	case "offset":
		return s.forwardScaledRect(obj, desc, msg)

	default:
		// damage_buffer stays in buffer space and is never scaled;
		// frame, regions, transforms and scale forward generically.
		_, err := s.forwardRequest(obj, desc, msg)
		return err
	}
}

// surfaceAttach resolves the attached buffer. Virtualized buffers are
// realized on first attach and their memory views recorded for commit;
// direct buffers translate like any object argument.
func (s *Session) surfaceAttach(obj *Object, st *surfaceState, msg *wire.Message) error {
	hostSurf, err := obj.toHost()
	if err != nil {
		return err
	}
	dec := wire.NewDecoder(msg.Args, nil)
	bufID, err := dec.Object()
	if err != nil {
		return fmt.Errorf("%w: attach: %v", ErrProtocolViolation, err)
	}
	x, err := dec.Int32()
	if err != nil {
		return fmt.Errorf("%w: attach: %v", ErrProtocolViolation, err)
	}
	y, err := dec.Int32()
	if err != nil {
		return fmt.Errorf("%w: attach: %v", ErrProtocolViolation, err)
	}
	x = s.toHostCoord(x)
	y = s.toHostCoord(y)

	var hostBufID wire.ObjectID
	switch {
	case bufID == 0:
		st.guestMem = nil
		st.hostMem = nil

	case st.visibility == xwayland.Hide:
		// Hidden surfaces keep their buffers away from the host.
		st.guestMem = nil
		st.hostMem = nil

	default:
		bufObj, err := s.guest.lookup(bufID)
		if err != nil {
			return fmt.Errorf("%w: attach: %v", ErrProtocolViolation, err)
		}
		if _, virt := bufObj.data.(*shmBuffer); virt {
			realized, err := s.realizeBuffer(bufObj)
			if err != nil {
				return err
			}
			st.guestMem = realized.guestMem
			st.hostMem = realized.hostMem
			hostBufID = realized.hostBuffer.id
		} else {
			hostBuf, err := bufObj.toHost()
			if err != nil {
				return err
			}
			st.guestMem = nil
			st.hostMem = nil
			hostBufID = hostBuf.id
		}
	}

	enc := wire.NewEncoder(12)
	enc.PutObject(hostBufID)
	enc.PutInt32(x)
	enc.PutInt32(y)
	attach := enc.Message(hostSurf.id, msg.Opcode)
	if err := s.host.conn.WriteMessage(attach); err != nil {
		return fmt.Errorf("%w: %v", ErrHostFailure, err)
	}
	return nil
}

// forwardScaledRect forwards a request whose int32 arguments are all
// surface-local coordinates needing host-ward scaling.
func (s *Session) forwardScaledRect(obj *Object, desc *protocol.Msg, msg *wire.Message) error {
	hostObj, err := obj.toHost()
	if err != nil {
		return err
	}
	dec := wire.NewDecoder(msg.Args, nil)
	enc := wire.NewEncoder(len(msg.Args))
	for range desc.Args() {
		v, err := dec.Int32()
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrProtocolViolation, desc.Name, err)
		}
		enc.PutInt32(s.toHostCoord(v))
	}
	out := enc.Message(hostObj.id, msg.Opcode)
	if err := s.host.conn.WriteMessage(out); err != nil {
		return fmt.Errorf("%w: %v", ErrHostFailure, err)
	}
	return nil
}

// setHostBufferScale emits wl_surface.set_buffer_scale on a host surface.
func (s *Session) setHostBufferScale(hostSurf *Object, scale int32) error {
	enc := wire.NewEncoder(4)
	enc.PutInt32(scale)
	req := enc.Message(hostSurf.id, wire.Opcode(protocol.WlSurface.RequestOpcode("set_buffer_scale")))
	if err := s.host.conn.WriteMessage(req); err != nil {
		return fmt.Errorf("%w: %v", ErrHostFailure, err)
	}
	return nil
}

// toHostCoord rescales a guest coordinate toward host logical space.
func (s *Session) toHostCoord(v int32) int32 {
	if !s.hooks.Active() {
		return v
	}
	return v / s.hooks.ScaleFactor()
}

// toClientCoord rescales a host coordinate toward guest space.
func (s *Session) toClientCoord(v int32) int32 {
	if !s.hooks.Active() {
		return v
	}
	return v * s.hooks.ScaleFactor()
}

// toClientFixed rescales a host fixed-point coordinate toward guest space.
func (s *Session) toClientFixed(v wire.Fixed) wire.Fixed {
	if !s.hooks.Active() {
		return v
	}
	return v.Mul(s.hooks.ScaleFactor())
}
