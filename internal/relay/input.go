//go:build linux

package relay

import (
	"fmt"

	"github.com/jonleivent/wayland-proxy-clipname/internal/protocol"
	"github.com/jonleivent/wayland-proxy-clipname/internal/wire"
)

// Seat capability bits (wl_seat.capability).
const (
	seatCapPointer  uint32 = 1 << 0
	seatCapKeyboard uint32 = 1 << 1
)

// relayedCaps masks the capabilities the relay forwards. Touch is not
// relayed, so its bit never reaches the guest.
const relayedCaps = seatCapPointer | seatCapKeyboard

// seatCapabilities intersects the host capability bitmask before it
// reaches the guest.
func (s *Session) seatCapabilities(obj *Object, desc *protocol.Msg, msg *wire.Message) error {
	guestSeat, err := obj.toClient()
	if err != nil {
		return err
	}
	dec := wire.NewDecoder(msg.Args, nil)
	caps, err := dec.Uint32()
	if err != nil {
		return fmt.Errorf("%w: capabilities: %v", ErrHostFailure, err)
	}
	enc := wire.NewEncoder(4)
	enc.PutUint32(caps & relayedCaps)
	return s.sendGuestEvent(guestSeat, msg.Opcode, enc)
}

// pointerEvent relays wl_pointer events: serial tracking, coordinate
// rescaling on enter/motion, and the Xwayland entry hook.
func (s *Session) pointerEvent(obj *Object, desc *protocol.Msg, msg *wire.Message) error {
	switch desc.Name {
	case "enter":
		return s.pointerEnter(obj, desc, msg)

	case "leave", "button":
		// serial is the first argument.
		return s.forwardTracked(obj, desc, msg, 0)

	case "motion":
		guestPtr, err := obj.toClient()
		if err != nil {
			return err
		}
		_, err = s.forwardEventTo(guestPtr, obj, desc, msg, func(a protocol.Arg, raw uint32) uint32 {
			if a.Kind == 'f' {
				return uint32(s.toClientFixed(wire.Fixed(raw)))
			}
			return raw
		})
		return err

	default:
		_, err := s.forwardEvent(obj, desc, msg)
		return err
	}
}

// pointerEnter translates and rescales the enter event, then lets the
// Xwayland hook decide when the guest sees it.
func (s *Session) pointerEnter(obj *Object, desc *protocol.Msg, msg *wire.Message) error {
	guestPtr, err := obj.toClient()
	if err != nil {
		return err
	}
	dec := wire.NewDecoder(msg.Args, nil)
	serial, err := dec.Uint32()
	if err != nil {
		return fmt.Errorf("%w: pointer enter: %v", ErrHostFailure, err)
	}
	surfID, err := dec.Object()
	if err != nil {
		return fmt.Errorf("%w: pointer enter: %v", ErrHostFailure, err)
	}
	sx, err := dec.Fixed()
	if err != nil {
		return fmt.Errorf("%w: pointer enter: %v", ErrHostFailure, err)
	}
	sy, err := dec.Fixed()
	if err != nil {
		return fmt.Errorf("%w: pointer enter: %v", ErrHostFailure, err)
	}
	s.lastSerial = serial

	guestSurfID, err := s.translateHostArg(surfID, false)
	if err != nil {
		return err
	}

	enc := wire.NewEncoder(16)
	enc.PutUint32(serial)
	enc.PutObject(guestSurfID)
	enc.PutFixed(s.toClientFixed(sx))
	enc.PutFixed(s.toClientFixed(sy))
	ev := enc.Message(guestPtr.id, msg.Opcode)

	forward := func() {
		if err := s.guest.conn.WriteMessage(ev); err != nil {
			s.log.Debug().Err(err).Msg("pointer enter after guest hangup")
		}
	}
	if s.hooks != nil && s.hooks.OnPointerEntry != nil {
		s.hooks.OnPointerEntry(uint32(surfID), func() { s.post(forward) })
		return nil
	}
	forward()
	return nil
}

// keyboardEvent relays wl_keyboard events with serial tracking and the
// Xwayland entry/leave hooks. keymap travels on the generic path, which
// forwards and then closes the local descriptor copy.
func (s *Session) keyboardEvent(obj *Object, desc *protocol.Msg, msg *wire.Message) error {
	switch desc.Name {
	case "enter":
		return s.keyboardEnter(obj, desc, msg)

	case "leave":
		if s.hooks != nil && s.hooks.OnKeyboardLeave != nil {
			if surfID, ok := peekSurfaceArg(msg); ok {
				s.hooks.OnKeyboardLeave(uint32(surfID))
			}
		}
		return s.forwardTracked(obj, desc, msg, 0)

	case "key", "modifiers":
		return s.forwardTracked(obj, desc, msg, 0)

	default:
		_, err := s.forwardEvent(obj, desc, msg)
		return err
	}
}

// keyboardEnter mirrors pointerEnter for keyboard focus.
func (s *Session) keyboardEnter(obj *Object, desc *protocol.Msg, msg *wire.Message) error {
	guestKbd, err := obj.toClient()
	if err != nil {
		return err
	}
	dec := wire.NewDecoder(msg.Args, nil)
	serial, err := dec.Uint32()
	if err != nil {
		return fmt.Errorf("%w: keyboard enter: %v", ErrHostFailure, err)
	}
	surfID, err := dec.Object()
	if err != nil {
		return fmt.Errorf("%w: keyboard enter: %v", ErrHostFailure, err)
	}
	keys, err := dec.Array()
	if err != nil {
		return fmt.Errorf("%w: keyboard enter: %v", ErrHostFailure, err)
	}
	s.lastSerial = serial

	guestSurfID, err := s.translateHostArg(surfID, false)
	if err != nil {
		return err
	}

	enc := wire.NewEncoder(12 + len(keys))
	enc.PutUint32(serial)
	enc.PutObject(guestSurfID)
	enc.PutArray(keys)
	ev := enc.Message(guestKbd.id, msg.Opcode)

	forward := func() {
		if err := s.guest.conn.WriteMessage(ev); err != nil {
			s.log.Debug().Err(err).Msg("keyboard enter after guest hangup")
		}
	}
	if s.hooks != nil && s.hooks.OnKeyboardEntry != nil {
		s.hooks.OnKeyboardEntry(uint32(surfID), func() { s.post(forward) })
		return nil
	}
	forward()
	return nil
}

// forwardTracked forwards an event generically while recording the
// serial found at the given logical argument index.
func (s *Session) forwardTracked(obj *Object, desc *protocol.Msg, msg *wire.Message, serialIdx int) error {
	guestObj, err := obj.toClient()
	if err != nil {
		return err
	}
	_, err = s.forwardEventTo(guestObj, obj, desc, msg, func(a protocol.Arg, raw uint32) uint32 {
		if a.Index == serialIdx && a.Kind == 'u' {
			s.lastSerial = raw
		}
		return raw
	})
	return err
}

// peekSurfaceArg extracts the surface argument of enter/leave-shaped
// events (serial, surface, ...) without consuming the message.
func peekSurfaceArg(msg *wire.Message) (wire.ObjectID, bool) {
	dec := wire.NewDecoder(msg.Args, nil)
	if _, err := dec.Uint32(); err != nil {
		return 0, false
	}
	id, err := dec.Object()
	if err != nil {
		return 0, false
	}
	return id, true
}
