//go:build linux

package relay

import (
	"fmt"

	"github.com/jonleivent/wayland-proxy-clipname/internal/protocol"
	"github.com/jonleivent/wayland-proxy-clipname/internal/wire"
)

// outputScale rewrites wl_output.scale for Xwayland sessions: the guest
// renders at the compensation scale, so the host's factor shrinks by it.
// Without hooks the factor forwards unchanged.
func (s *Session) outputScale(obj *Object, desc *protocol.Msg, msg *wire.Message) error {
	guestOut, err := obj.toClient()
	if err != nil {
		return err
	}
	dec := wire.NewDecoder(msg.Args, nil)
	factor, err := dec.Int32()
	if err != nil {
		return fmt.Errorf("%w: output scale: %v", ErrHostFailure, err)
	}
	if s.hooks.Active() {
		factor /= s.hooks.ScaleFactor()
		if factor < 1 {
			factor = 1
		}
	}
	enc := wire.NewEncoder(4)
	enc.PutInt32(factor)
	return s.sendGuestEvent(guestOut, msg.Opcode, enc)
}

// xdgOutputEvent rescales zxdg_output_v1 logical geometry toward the
// guest; the remaining events forward verbatim.
func (s *Session) xdgOutputEvent(obj *Object, desc *protocol.Msg, msg *wire.Message) error {
	switch desc.Name {
	case "logical_position", "logical_size":
		guestOut, err := obj.toClient()
		if err != nil {
			return err
		}
		_, err = s.forwardEventTo(guestOut, obj, desc, msg, func(a protocol.Arg, raw uint32) uint32 {
			return uint32(s.toClientCoord(int32(raw)))
		})
		return err

	default:
		_, err := s.forwardEvent(obj, desc, msg)
		return err
	}
}
