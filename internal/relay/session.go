//go:build linux

// Package relay implements the bidirectional Wayland proxy engine: one
// Session per guest client, mirroring the client's object graph onto a
// host compositor connection with id translation in both directions,
// deferred destruction, shared-memory buffer virtualization and the
// protocol-specific rewrites (clipboard namespacing, Xwayland scaling,
// primary-selection compatibility).
package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jonleivent/wayland-proxy-clipname/internal/protocol"
	"github.com/jonleivent/wayland-proxy-clipname/internal/wire"
	"github.com/jonleivent/wayland-proxy-clipname/virtgpu"
	"github.com/jonleivent/wayland-proxy-clipname/xwayland"
)

// Session errors. They classify which side failed so the session loop
// can log the origin before tearing both transports down.
var (
	ErrProtocolViolation  = errors.New("relay: client protocol violation")
	ErrUnsupportedFeature = errors.New("relay: unsupported feature")
	ErrHostFailure        = errors.New("relay: host connection failed")
	ErrSessionClosed      = errors.New("relay: session closed")
)

// wl_display error codes sent to a misbehaving guest.
const (
	displayErrorInvalidObject  uint32 = 0
	displayErrorInvalidMethod  uint32 = 1
	displayErrorImplementation uint32 = 3
)

// Params configures a Session.
type Params struct {
	// GuestConn is the accepted client connection (relay = server).
	GuestConn *wire.Conn

	// HostConn is the established compositor connection (relay = client).
	HostConn *wire.Conn

	// Log is the parent logger; the session forks it with its id.
	Log zerolog.Logger

	// Tag is prepended to xdg_toplevel titles.
	Tag string

	// ClipPrefix namespaces MIME types toward the host. Empty disables
	// prefixing.
	ClipPrefix string

	// Hooks is the optional Xwayland integration record.
	Hooks *xwayland.Hooks

	// Device enables shared-memory buffer virtualization. When nil,
	// guest pool fds pass through to the host untouched.
	Device virtgpu.Device
}

// Session relays one guest client to the host compositor. All protocol
// state is confined to the dispatch goroutine; external callers reach it
// only through the action queue.
type Session struct {
	id   string
	log  zerolog.Logger
	tag  string
	clip clipNamespace

	hooks  *xwayland.Hooks
	device virtgpu.Device

	guest *endpoint
	host  *endpoint

	// lastSerial is the most recent input serial seen from the host.
	lastSerial uint32

	// pongs holds pending xdg_wm_base pong handlers, strict FIFO.
	pongs []func()

	// pingSerial numbers relay-originated liveness pings.
	pingSerial uint32

	// actions carries thunks injected from outside the dispatch
	// goroutine (Xwayland setConfigured, pings).
	actions chan func()

	registry sessionRegistry

	closed bool
}

// New assembles a Session over two established connections.
func New(p Params) *Session {
	id := uuid.NewString()
	s := &Session{
		id:      id,
		log:     p.Log.With().Str("session", id).Logger(),
		tag:     p.Tag,
		clip:    clipNamespace{prefix: p.ClipPrefix},
		hooks:   p.Hooks,
		device:  p.Device,
		actions: make(chan func(), 16),
	}
	s.guest = newEndpoint(s, GuestSide, p.GuestConn)
	s.host = newEndpoint(s, HostSide, p.HostConn)

	// wl_display is implicit object 1 on both connections.
	s.guest.add(1, protocol.WlDisplay, 1)
	s.host.add(1, protocol.WlDisplay, 1)

	if p.Hooks != nil && p.Hooks.SetPing != nil {
		p.Hooks.SetPing(s.pingGuest)
	}
	return s
}

// LastSerial returns the most recent input serial observed from the host.
func (s *Session) LastSerial() uint32 {
	return s.lastSerial
}

// Run drives the session until either transport closes or ctx is
// cancelled. It reports which side ended the session.
func (s *Session) Run(ctx context.Context) error {
	if err := s.initRegistry(); err != nil {
		s.shutdown()
		return fmt.Errorf("%w: %v", ErrHostFailure, err)
	}

	type inbound struct {
		msg *wire.Message
		err error
	}
	done := make(chan struct{})
	read := func(ep *endpoint, ch chan<- inbound) {
		for {
			msg, err := ep.conn.ReadMessage()
			select {
			case ch <- inbound{msg: msg, err: err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}
	guestCh := make(chan inbound, 1)
	hostCh := make(chan inbound, 1)
	go read(s.guest, guestCh)
	go read(s.host, hostCh)

	defer close(done)
	defer s.shutdown()
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("session cancelled")
			return ctx.Err()

		case fn := <-s.actions:
			fn()

		case in := <-guestCh:
			if in.err != nil {
				s.log.Info().Err(in.err).Msg("guest closed the session")
				return nil
			}
			if err := s.handleRequest(in.msg); err != nil {
				return s.fail(GuestSide, err)
			}

		case in := <-hostCh:
			if in.err != nil {
				s.log.Warn().Err(in.err).Msg("host closed the session")
				return fmt.Errorf("%w: %v", ErrHostFailure, in.err)
			}
			if err := s.handleEvent(in.msg); err != nil {
				return s.fail(HostSide, err)
			}
		}
	}
}

// fail logs a fatal dispatch error, tells the guest when it is at fault,
// and returns the session error.
func (s *Session) fail(side Side, err error) error {
	s.log.Error().Err(err).Stringer("side", side).Msg("fatal protocol error")
	if side == GuestSide {
		code := displayErrorImplementation
		if errors.Is(err, ErrUnknownID) {
			code = displayErrorInvalidObject
		} else if errors.Is(err, ErrProtocolViolation) || errors.Is(err, ErrUnsupportedFeature) {
			code = displayErrorInvalidMethod
		}
		s.sendGuestError(1, code, err.Error())
	}
	return err
}

// shutdown closes both transports. Safe to call more than once.
func (s *Session) shutdown() {
	if s.closed {
		return
	}
	s.closed = true
	_ = s.guest.conn.Close()
	_ = s.host.conn.Close()
}

// post schedules fn on the dispatch goroutine. It is the only safe entry
// point for other goroutines (Xwayland hooks).
func (s *Session) post(fn func()) {
	select {
	case s.actions <- fn:
	default:
		// A full queue hands fn to a goroutine that delivers it once
		// there is room; after the session has stopped it never runs.
		go func() { s.actions <- fn }()
	}
}

// ---- guest requests ------------------------------------------------

// handleRequest dispatches one request from the guest client.
func (s *Session) handleRequest(msg *wire.Message) error {
	obj, err := s.guest.lookup(msg.Object)
	if err != nil {
		return fmt.Errorf("%w: request for %v", ErrProtocolViolation, err)
	}
	desc, err := obj.iface.Request(uint16(msg.Opcode))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	msg.FDs, err = s.guest.conn.TakeFDs(desc.FDCount())
	if err != nil {
		return fmt.Errorf("%w: %s.%s: %v", ErrProtocolViolation, obj.iface.Name, desc.Name, err)
	}

	switch obj.iface {
	case protocol.WlDisplay:
		return s.handleDisplayRequest(obj, desc, msg)
	case protocol.WlRegistry:
		return s.handleBind(obj, msg)
	case protocol.WlShm:
		if s.device != nil {
			return s.shmCreatePool(obj, desc, msg)
		}
	case protocol.WlShmPool:
		if _, ok := obj.data.(*shmPool); ok {
			return s.shmPoolRequest(obj, desc, msg)
		}
	case protocol.WlBuffer:
		if _, ok := obj.data.(*shmBuffer); ok {
			return s.shmBufferRequest(obj, desc, msg)
		}
	case protocol.WlCompositor:
		return s.compositorRequest(obj, desc, msg)
	case protocol.WlSurface:
		return s.surfaceRequest(obj, desc, msg)
	case protocol.WlSeat:
		if desc.Name == "get_touch" {
			return fmt.Errorf("%w: touch input is not relayed", ErrUnsupportedFeature)
		}
	case protocol.XdgWmBase:
		if desc.Name == "pong" {
			return s.shellPong(obj, desc, msg)
		}
	case protocol.XdgToplevel:
		if desc.Name == "set_title" {
			return s.shellSetTitle(obj, desc, msg)
		}
	}

	if flow := flowForInterface(obj.iface); flow != nil {
		return s.selectionRequest(flow, obj, desc, msg)
	}

	_, err = s.forwardRequest(obj, desc, msg)
	return err
}

// handleDisplayRequest services wl_display.sync and get_registry. sync
// is relayed so that the guest's roundtrip completes only after the
// host has processed everything forwarded before it.
func (s *Session) handleDisplayRequest(obj *Object, desc *protocol.Msg, msg *wire.Message) error {
	dec := wire.NewDecoder(msg.Args, nil)
	switch desc.Name {
	case "sync":
		id, err := dec.NewID()
		if err != nil {
			return fmt.Errorf("%w: sync: %v", ErrProtocolViolation, err)
		}
		_, hostCb := s.createPairFromGuest(id, protocol.WlCallback, 1)
		enc := wire.NewEncoder(4)
		enc.PutNewID(hostCb.id)
		return s.host.conn.WriteMessage(enc.Message(1, wire.Opcode(protocol.WlDisplay.RequestOpcode("sync"))))

	case "get_registry":
		id, err := dec.NewID()
		if err != nil {
			return fmt.Errorf("%w: get_registry: %v", ErrProtocolViolation, err)
		}
		reg := s.guest.add(id, protocol.WlRegistry, 1)
		return s.announceGlobals(reg)

	default:
		return fmt.Errorf("%w: wl_display.%s", ErrProtocolViolation, desc.Name)
	}
}

// forwardRequest is the generic request path: translate every object
// argument guest-to-host, materialize pairs for new_id arguments, move file
// descriptors, and keep destruction ordered through the host. It returns
// the guest-side objects created by new_id arguments.
func (s *Session) forwardRequest(obj *Object, desc *protocol.Msg, msg *wire.Message) ([]*Object, error) {
	hostObj, err := obj.toHost()
	if err != nil {
		return nil, err
	}

	out := wire.NewEncoder(len(msg.Args))
	dec := wire.NewDecoder(msg.Args, msg.FDs)
	var created []*Object

	for _, a := range desc.Args() {
		switch a.Kind {
		case 'i', 'u', 'f':
			v, err := dec.Uint32()
			if err != nil {
				return nil, fmt.Errorf("%w: %s.%s: %v", ErrProtocolViolation, obj.iface.Name, desc.Name, err)
			}
			out.PutUint32(v)

		case 's':
			v, err := dec.String()
			if err != nil {
				return nil, fmt.Errorf("%w: %s.%s: %v", ErrProtocolViolation, obj.iface.Name, desc.Name, err)
			}
			out.PutString(v)

		case 'a':
			v, err := dec.Array()
			if err != nil {
				return nil, fmt.Errorf("%w: %s.%s: %v", ErrProtocolViolation, obj.iface.Name, desc.Name, err)
			}
			out.PutArray(v)

		case 'h':
			fd, err := dec.FD()
			if err != nil {
				return nil, fmt.Errorf("%w: %s.%s: %v", ErrProtocolViolation, obj.iface.Name, desc.Name, err)
			}
			out.PutFD(fd)

		case 'o':
			id, err := dec.Object()
			if err != nil {
				return nil, fmt.Errorf("%w: %s.%s: %v", ErrProtocolViolation, obj.iface.Name, desc.Name, err)
			}
			hostID, err := s.translateGuestArg(id, a.Nullable)
			if err != nil {
				return nil, err
			}
			out.PutObject(hostID)

		case 'n':
			id, err := dec.NewID()
			if err != nil {
				return nil, fmt.Errorf("%w: %s.%s: %v", ErrProtocolViolation, obj.iface.Name, desc.Name, err)
			}
			iface := desc.Type(a.Index)
			if iface == nil {
				return nil, fmt.Errorf("%w: untyped new_id in %s.%s", ErrProtocolViolation, obj.iface.Name, desc.Name)
			}
			guestNew, hostNew := s.createPairFromGuest(id, iface, obj.version)
			created = append(created, guestNew)
			out.PutNewID(hostNew.id)
		}
	}

	hm := out.Message(hostObj.id, msg.Opcode)
	if err := s.host.conn.WriteMessage(hm); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHostFailure, err)
	}
	closeForwarded(msg)

	if desc.Destructor() {
		s.sequenceDestroy(obj, hostObj)
	}
	return created, nil
}

// translateGuestArg maps a guest object argument to its host id.
func (s *Session) translateGuestArg(id wire.ObjectID, nullable bool) (wire.ObjectID, error) {
	if id == 0 {
		if !nullable {
			return 0, fmt.Errorf("%w: null object in non-nullable argument", ErrProtocolViolation)
		}
		return 0, nil
	}
	ref, err := s.guest.lookup(id)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	hostRef, err := ref.toHost()
	if err != nil {
		return 0, err
	}
	return hostRef.id, nil
}

// ---- host events ---------------------------------------------------

// handleEvent dispatches one event from the host compositor.
func (s *Session) handleEvent(msg *wire.Message) error {
	if msg.Object == 1 {
		return s.handleDisplayEvent(msg)
	}

	obj, ok := s.host.byID[msg.Object]
	if !ok {
		// Events racing a teardown the host was not told to confirm
		// (host-allocated ids). Consume their fds and drop.
		if iface, zombie := s.host.zombies[msg.Object]; zombie {
			s.dropZombieEvent(iface, msg)
			return nil
		}
		return fmt.Errorf("%w: event for unknown host id %d", ErrHostFailure, msg.Object)
	}
	desc, err := obj.iface.Event(uint16(msg.Opcode))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHostFailure, err)
	}
	msg.FDs, err = s.host.conn.TakeFDs(desc.FDCount())
	if err != nil {
		return fmt.Errorf("%w: %s.%s: %v", ErrHostFailure, obj.iface.Name, desc.Name, err)
	}

	switch obj.iface {
	case protocol.WlRegistry:
		return s.hostRegistryEvent(obj, desc, msg)
	case protocol.WlCallback:
		return s.callbackDone(obj, msg)
	case protocol.WlSeat:
		if desc.Name == "capabilities" {
			return s.seatCapabilities(obj, desc, msg)
		}
	case protocol.WlPointer:
		return s.pointerEvent(obj, desc, msg)
	case protocol.WlKeyboard:
		return s.keyboardEvent(obj, desc, msg)
	case protocol.WlOutput:
		if desc.Name == "scale" {
			return s.outputScale(obj, desc, msg)
		}
	case protocol.ZxdgOutputV1:
		return s.xdgOutputEvent(obj, desc, msg)
	case protocol.XdgWmBase:
		if desc.Name == "ping" {
			return s.shellPing(obj, desc, msg)
		}
	}

	if flow := flowForInterface(obj.iface); flow != nil {
		return s.selectionEvent(flow, obj, desc, msg)
	}

	_, err = s.forwardEvent(obj, desc, msg)
	return err
}

// handleDisplayEvent services wl_display.error and delete_id from the
// host. delete_id is the deferred-ack trigger.
func (s *Session) handleDisplayEvent(msg *wire.Message) error {
	desc, err := protocol.WlDisplay.Event(uint16(msg.Opcode))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHostFailure, err)
	}
	dec := wire.NewDecoder(msg.Args, nil)
	switch desc.Name {
	case "error":
		objID, _ := dec.Object()
		code, _ := dec.Uint32()
		text, _ := dec.String()
		return fmt.Errorf("%w: display error on %d code %d: %s", ErrHostFailure, objID, code, text)

	case "delete_id":
		id, err := dec.Uint32()
		if err != nil {
			return fmt.Errorf("%w: delete_id: %v", ErrHostFailure, err)
		}
		s.confirmHostDelete(wire.ObjectID(id))
		return nil

	default:
		s.log.Debug().Str("event", desc.Name).Msg("ignoring wl_display event")
		return nil
	}
}

// forwardEvent is the generic event path: translate object arguments
// host-to-guest, materialize pairs for host-introduced objects, move fds.
// It returns the guest-side objects created by new_id arguments.
func (s *Session) forwardEvent(obj *Object, desc *protocol.Msg, msg *wire.Message) ([]*Object, error) {
	guestObj, err := obj.toClient()
	if err != nil {
		return nil, err
	}
	return s.forwardEventTo(guestObj, obj, desc, msg, nil)
}

// argRewrite lets specialized handlers rewrite decoded scalar arguments
// in flight (coordinate scaling, serial capture). It receives the
// logical argument index and raw value; the return value is forwarded.
type argRewrite func(arg protocol.Arg, raw uint32) uint32

// forwardEventTo forwards an event to an explicit guest-side target,
// which the selection relay needs for its cross-interface pairs.
func (s *Session) forwardEventTo(guestObj, obj *Object, desc *protocol.Msg, msg *wire.Message, rw argRewrite) ([]*Object, error) {
	out := wire.NewEncoder(len(msg.Args))
	dec := wire.NewDecoder(msg.Args, msg.FDs)
	var created []*Object

	for _, a := range desc.Args() {
		switch a.Kind {
		case 'i', 'u', 'f':
			v, err := dec.Uint32()
			if err != nil {
				return nil, fmt.Errorf("%w: %s.%s: %v", ErrHostFailure, obj.iface.Name, desc.Name, err)
			}
			if rw != nil {
				v = rw(a, v)
			}
			out.PutUint32(v)

		case 's':
			v, err := dec.String()
			if err != nil {
				return nil, fmt.Errorf("%w: %s.%s: %v", ErrHostFailure, obj.iface.Name, desc.Name, err)
			}
			out.PutString(v)

		case 'a':
			v, err := dec.Array()
			if err != nil {
				return nil, fmt.Errorf("%w: %s.%s: %v", ErrHostFailure, obj.iface.Name, desc.Name, err)
			}
			out.PutArray(v)

		case 'h':
			fd, err := dec.FD()
			if err != nil {
				return nil, fmt.Errorf("%w: %s.%s: %v", ErrHostFailure, obj.iface.Name, desc.Name, err)
			}
			out.PutFD(fd)

		case 'o':
			id, err := dec.Object()
			if err != nil {
				return nil, fmt.Errorf("%w: %s.%s: %v", ErrHostFailure, obj.iface.Name, desc.Name, err)
			}
			guestID, err := s.translateHostArg(id, a.Nullable)
			if err != nil {
				return nil, err
			}
			out.PutObject(guestID)

		case 'n':
			id, err := dec.NewID()
			if err != nil {
				return nil, fmt.Errorf("%w: %s.%s: %v", ErrHostFailure, obj.iface.Name, desc.Name, err)
			}
			iface := desc.Type(a.Index)
			if iface == nil {
				return nil, fmt.Errorf("%w: untyped new_id in %s.%s", ErrHostFailure, obj.iface.Name, desc.Name)
			}
			guestNew, _ := s.createPairFromHost(id, iface, obj.version)
			created = append(created, guestNew)
			out.PutNewID(guestNew.id)
		}
	}

	gm := out.Message(guestObj.id, msg.Opcode)
	if err := s.guest.conn.WriteMessage(gm); err != nil {
		return nil, fmt.Errorf("guest write: %w", err)
	}
	closeForwarded(msg)
	return created, nil
}

// translateHostArg maps a host object argument to its guest id.
func (s *Session) translateHostArg(id wire.ObjectID, nullable bool) (wire.ObjectID, error) {
	if id == 0 {
		if !nullable {
			return 0, fmt.Errorf("%w: null object in non-nullable argument", ErrHostFailure)
		}
		return 0, nil
	}
	ref, ok := s.host.byID[id]
	if !ok {
		return 0, fmt.Errorf("%w: unknown host object %d in event", ErrHostFailure, id)
	}
	guestRef, err := ref.toClient()
	if err != nil {
		return 0, err
	}
	return guestRef.id, nil
}

// callbackDone relays wl_callback.done and finalizes the short-lived
// callback pair. The host deletes its side and will confirm with
// delete_id; the guest side goes away with the event.
func (s *Session) callbackDone(obj *Object, msg *wire.Message) error {
	guestObj, err := obj.toClient()
	if err != nil {
		return err
	}
	dec := wire.NewDecoder(msg.Args, nil)
	data, err := dec.Uint32()
	if err != nil {
		return fmt.Errorf("%w: callback done: %v", ErrHostFailure, err)
	}
	enc := wire.NewEncoder(4)
	enc.PutUint32(data)
	ev := enc.Message(guestObj.id, wire.Opcode(protocol.WlCallback.EventOpcode("done")))
	if err := s.guest.conn.WriteMessage(ev); err != nil {
		return fmt.Errorf("guest write: %w", err)
	}
	s.deleteGuest(guestObj)
	return nil
}

// dropZombieEvent consumes a late event aimed at a torn-down object.
func (s *Session) dropZombieEvent(iface *protocol.Interface, msg *wire.Message) {
	desc, err := iface.Event(uint16(msg.Opcode))
	if err == nil {
		if fds, err := s.host.conn.TakeFDs(desc.FDCount()); err == nil {
			msg.FDs = fds
		}
	}
	wire.CloseFDs(msg)
	s.log.Debug().
		Str("interface", iface.Name).
		Uint32("id", uint32(msg.Object)).
		Msg("dropping event for deleted object")
}

// ---- guest-facing synthesized messages ------------------------------

// sendGuestEvent emits a synthesized event on the guest connection.
func (s *Session) sendGuestEvent(obj *Object, opcode wire.Opcode, enc *wire.Encoder) error {
	if err := s.guest.conn.WriteMessage(enc.Message(obj.id, opcode)); err != nil {
		return fmt.Errorf("guest write: %w", err)
	}
	return nil
}

// sendDeleteID tells the guest a client-allocated id is free again.
func (s *Session) sendDeleteID(id wire.ObjectID) {
	enc := wire.NewEncoder(4)
	enc.PutUint32(uint32(id))
	ev := enc.Message(1, wire.Opcode(protocol.WlDisplay.EventOpcode("delete_id")))
	if err := s.guest.conn.WriteMessage(ev); err != nil {
		s.log.Debug().Err(err).Msg("delete_id after guest hangup")
	}
}

// sendGuestError emits wl_display.error before the session closes.
func (s *Session) sendGuestError(objID wire.ObjectID, code uint32, text string) {
	enc := wire.NewEncoder(16 + len(text))
	enc.PutObject(objID)
	enc.PutUint32(code)
	enc.PutString(text)
	ev := enc.Message(1, wire.Opcode(protocol.WlDisplay.EventOpcode("error")))
	if err := s.guest.conn.WriteMessage(ev); err != nil {
		s.log.Debug().Err(err).Msg("error event after guest hangup")
	}
}

// closeForwarded closes the local copies of descriptors that were
// forwarded with a message; sendmsg duplicated them for the receiver.
func closeForwarded(msg *wire.Message) {
	wire.CloseFDs(msg)
}
