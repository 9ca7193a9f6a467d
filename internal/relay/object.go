//go:build linux

package relay

import (
	"errors"
	"fmt"

	"github.com/jonleivent/wayland-proxy-clipname/internal/protocol"
	"github.com/jonleivent/wayland-proxy-clipname/internal/wire"
)

// Errors raised by the binding and translation layer. A failed
// translation on a live session is a relay bug or a client protocol
// violation, never a recoverable condition.
var (
	ErrNoBinding    = errors.New("relay: object has no peer binding")
	ErrCrossBinding = errors.New("relay: cross-interface binding excluded from generic translation")
	ErrUnknownID    = errors.New("relay: unknown object id")
)

// Side distinguishes the two connections of a session.
type Side int

const (
	// GuestSide faces the guest client; the relay plays the server role.
	GuestSide Side = iota

	// HostSide faces the host compositor; the relay plays the client role.
	HostSide
)

// String returns the side name used in logs.
func (s Side) String() string {
	if s == GuestSide {
		return "guest"
	}
	return "host"
}

// Object is the relay's handle for one Wayland protocol object on one
// connection. Almost every object is paired with a twin on the other
// connection; the pair shares interface and version, except for the
// GTK-to-Zwp primary-selection case, which is flagged cross and excluded
// from generic translation.
type Object struct {
	ep      *endpoint
	id      wire.ObjectID
	iface   *protocol.Interface
	version uint32

	peer  *Object
	cross bool

	// data carries per-interface state: *surfaceState, *shmPool or
	// *shmBuffer. Extension-owned user data
	// for surfaces lives inside surfaceState, not here.
	data any

	// onDelete hooks run exactly once when the object's deletion is
	// final: for host-side objects, when the host confirms via
	// wl_display.delete_id; for guest-side objects, when the relay
	// removes them.
	onDelete []func()

	deleted bool
}

// ID returns the object's wire id.
func (o *Object) ID() wire.ObjectID {
	return o.id
}

// String identifies the object in logs.
func (o *Object) String() string {
	return fmt.Sprintf("%s/%s@%d", o.ep.side, o.iface.Name, o.id)
}

// toHost resolves the host-side twin of a guest-side object. It fails
// loudly for cross-interface bindings; selection relays use crossPeer
// for those.
func (o *Object) toHost() (*Object, error) {
	if o.ep.side != GuestSide {
		return nil, fmt.Errorf("relay: toHost on %s: wrong side", o)
	}
	if o.cross {
		return nil, fmt.Errorf("%w: %s", ErrCrossBinding, o)
	}
	if o.peer == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoBinding, o)
	}
	return o.peer, nil
}

// toClient resolves the guest-side twin of a host-side object, with the
// same cross-interface exclusion as toHost.
func (o *Object) toClient() (*Object, error) {
	if o.ep.side != HostSide {
		return nil, fmt.Errorf("relay: toClient on %s: wrong side", o)
	}
	if o.cross {
		return nil, fmt.Errorf("%w: %s", ErrCrossBinding, o)
	}
	if o.peer == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoBinding, o)
	}
	return o.peer, nil
}

// crossPeer returns the twin regardless of the cross flag. Only the
// selection relay, which knows the GTK-to-Zwp pairing, may use it.
func (o *Object) crossPeer() *Object {
	return o.peer
}

// addDeleteHook registers fn to run when deletion becomes final.
func (o *Object) addDeleteHook(fn func()) {
	o.onDelete = append(o.onDelete, fn)
}

// endpoint owns the object table of one connection.
type endpoint struct {
	sess   *Session
	side   Side
	conn   *wire.Conn
	byID   map[wire.ObjectID]*Object
	nextID wire.ObjectID

	// zombies remembers the interface of host-allocated objects the
	// relay tore down without a confirmation handshake, so late host
	// events can still consume their fds before being dropped.
	zombies map[wire.ObjectID]*protocol.Interface
}

func newEndpoint(sess *Session, side Side, conn *wire.Conn) *endpoint {
	ep := &endpoint{
		sess:    sess,
		side:    side,
		conn:    conn,
		byID:    make(map[wire.ObjectID]*Object),
		zombies: make(map[wire.ObjectID]*protocol.Interface),
	}
	if side == GuestSide {
		// The relay is the server here; it allocates from the
		// server range when host events introduce new objects.
		ep.nextID = wire.ServerIDBase
	} else {
		// The relay is the client of the host; id 1 is wl_display.
		ep.nextID = 2
	}
	return ep
}

// allocID hands out the next relay-allocated id for this side.
func (ep *endpoint) allocID() wire.ObjectID {
	id := ep.nextID
	ep.nextID++
	return id
}

// add registers a new object under the given id.
func (ep *endpoint) add(id wire.ObjectID, iface *protocol.Interface, version uint32) *Object {
	o := &Object{ep: ep, id: id, iface: iface, version: version}
	ep.byID[id] = o
	return o
}

// lookup resolves an id to a live object.
func (ep *endpoint) lookup(id wire.ObjectID) (*Object, error) {
	o, ok := ep.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s id %d", ErrUnknownID, ep.side, id)
	}
	return o, nil
}

// remove unregisters an object without protocol side effects.
func (ep *endpoint) remove(o *Object) {
	delete(ep.byID, o.id)
}

// pair links a guest-side object with its host-side twin.
func pair(guest, host *Object) {
	guest.peer = host
	host.peer = guest
}

// pairCross links a GTK guest object with its Zwp host twin and flags
// the binding out of generic translation.
func pairCross(guest, host *Object) {
	pair(guest, host)
	guest.cross = true
	host.cross = true
}

// deleteGuest finalizes a guest-side object: it leaves the table, its
// delete hooks run, and for client-allocated ids the guest is told the
// id is free. This is the single place a guest-visible deletion
// happens, so deferred acknowledgement reduces to calling this from a
// host delete hook.
func (s *Session) deleteGuest(o *Object) {
	if o.deleted {
		return
	}
	o.deleted = true
	s.guest.remove(o)
	for _, fn := range o.onDelete {
		fn()
	}
	o.onDelete = nil
	if !o.id.IsServerAllocated() {
		s.sendDeleteID(o.id)
	}
}

// confirmHostDelete handles wl_display.delete_id from the host: the
// host-side object leaves the table and its delete hooks run, which is
// where deferred guest deletions fire.
func (s *Session) confirmHostDelete(id wire.ObjectID) {
	o, ok := s.host.byID[id]
	if !ok {
		// Deletion of an id the relay already forgot (callback
		// teardown races are normal). Nothing to do.
		return
	}
	o.deleted = true
	s.host.remove(o)
	for _, fn := range o.onDelete {
		fn()
	}
	o.onDelete = nil
}

// sequenceDestroy orders the guest-visible deletion of guestObj after
// the host's confirmed teardown of its twin. The destructor request
// itself must already be on its way to the host.
//
// Host ids the relay allocated are confirmed by wl_display.delete_id;
// ids the host allocated (event-introduced objects such as data offers)
// get no confirmation, so both sides drop immediately.
func (s *Session) sequenceDestroy(guestObj, hostObj *Object) {
	if hostObj == nil {
		s.deleteGuest(guestObj)
		return
	}
	if hostObj.id.IsServerAllocated() {
		hostObj.deleted = true
		s.host.remove(hostObj)
		s.host.zombies[hostObj.id] = hostObj.iface
		s.deleteGuest(guestObj)
		return
	}
	hostObj.addDeleteHook(func() {
		s.deleteGuest(guestObj)
	})
}

// createPairFromGuest materializes the object pair for a guest-issued
// new_id: the guest picked guestID, the relay picks the host id.
func (s *Session) createPairFromGuest(guestID wire.ObjectID, iface *protocol.Interface, version uint32) (*Object, *Object) {
	guestObj := s.guest.add(guestID, iface, version)
	hostObj := s.host.add(s.host.allocID(), iface, version)
	pair(guestObj, hostObj)
	return guestObj, hostObj
}

// createPairFromHost materializes the object pair for a host-issued
// new_id: the host picked hostID, the relay picks a server-range guest id.
func (s *Session) createPairFromHost(hostID wire.ObjectID, iface *protocol.Interface, version uint32) (*Object, *Object) {
	hostObj := s.host.add(hostID, iface, version)
	guestObj := s.guest.add(s.guest.allocID(), iface, version)
	pair(guestObj, hostObj)
	return guestObj, hostObj
}
