//go:build linux

package relay

import (
	"fmt"

	"github.com/jonleivent/wayland-proxy-clipname/internal/protocol"
	"github.com/jonleivent/wayland-proxy-clipname/internal/wire"
)

// shellPing forwards a host xdg_wm_base.ping to the guest and queues the
// matching host pong for the guest's reply. The queue is strict FIFO:
// the xdg protocol serializes pings, so the next guest pong always
// answers the oldest outstanding ping.
func (s *Session) shellPing(obj *Object, desc *protocol.Msg, msg *wire.Message) error {
	guestBase, err := obj.toClient()
	if err != nil {
		return err
	}
	dec := wire.NewDecoder(msg.Args, nil)
	serial, err := dec.Uint32()
	if err != nil {
		return fmt.Errorf("%w: ping: %v", ErrHostFailure, err)
	}

	hostBase := obj
	s.pongs = append(s.pongs, func() {
		enc := wire.NewEncoder(4)
		enc.PutUint32(serial)
		pong := enc.Message(hostBase.id, wire.Opcode(protocol.XdgWmBase.RequestOpcode("pong")))
		if err := s.host.conn.WriteMessage(pong); err != nil {
			s.log.Debug().Err(err).Msg("pong after host hangup")
		}
	})

	enc := wire.NewEncoder(4)
	enc.PutUint32(serial)
	return s.sendGuestEvent(guestBase, msg.Opcode, enc)
}

// shellPong answers the oldest outstanding ping. A pong with an empty
// queue is logged and dropped.
func (s *Session) shellPong(obj *Object, desc *protocol.Msg, msg *wire.Message) error {
	if len(s.pongs) == 0 {
		s.log.Warn().Msg("unexpected pong from guest; dropping")
		return nil
	}
	handler := s.pongs[0]
	s.pongs = append(s.pongs[:0], s.pongs[1:]...)
	handler()
	return nil
}

// pingGuest probes guest liveness for the Xwayland hooks: it sends an
// xdg_wm_base.ping to the guest and returns a channel that closes when
// the matching pong arrives. Without a bound xdg_wm_base the probe
// completes immediately.
func (s *Session) pingGuest() <-chan struct{} {
	done := make(chan struct{})
	s.post(func() {
		var guestBase *Object
		for _, o := range s.guest.byID {
			if o.iface == protocol.XdgWmBase {
				guestBase = o
				break
			}
		}
		if guestBase == nil {
			close(done)
			return
		}
		s.pingSerial++
		serial := s.pingSerial
		s.pongs = append(s.pongs, func() { close(done) })
		enc := wire.NewEncoder(4)
		enc.PutUint32(serial)
		ev := enc.Message(guestBase.id, wire.Opcode(protocol.XdgWmBase.EventOpcode("ping")))
		if err := s.guest.conn.WriteMessage(ev); err != nil {
			s.log.Debug().Err(err).Msg("ping after guest hangup")
			close(done)
		}
	})
	return done
}

// shellSetTitle prefixes the session tag onto xdg_toplevel titles.
func (s *Session) shellSetTitle(obj *Object, desc *protocol.Msg, msg *wire.Message) error {
	hostTop, err := obj.toHost()
	if err != nil {
		return err
	}
	dec := wire.NewDecoder(msg.Args, nil)
	title, err := dec.String()
	if err != nil {
		return fmt.Errorf("%w: set_title: %v", ErrProtocolViolation, err)
	}
	enc := wire.NewEncoder(8 + len(s.tag) + len(title))
	enc.PutString(s.tag + title)
	out := enc.Message(hostTop.id, msg.Opcode)
	if err := s.host.conn.WriteMessage(out); err != nil {
		return fmt.Errorf("%w: %v", ErrHostFailure, err)
	}
	return nil
}
