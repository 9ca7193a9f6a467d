//go:build linux

package relay

import (
	"fmt"

	"github.com/jonleivent/wayland-proxy-clipname/internal/protocol"
	"github.com/jonleivent/wayland-proxy-clipname/internal/wire"
)

// supportedGlobal is one compile-time entry of the relay's registry.
// hostIface differs from iface only for the GTK primary-selection
// alias, which is backed by the host's zwp global.
type supportedGlobal struct {
	iface     *protocol.Interface
	hostIface *protocol.Interface
}

// supportedGlobals is the fixed advertisement order. Primary-selection
// managers must precede wl_seat: some clients bind the seat first and
// then never rescan, missing managers advertised after it.
var supportedGlobals = []supportedGlobal{
	{iface: protocol.WlCompositor},
	{iface: protocol.WlSubcompositor},
	{iface: protocol.WlShm},
	{iface: protocol.WlDataDeviceManager},
	{iface: protocol.ZxdgOutputManagerV1},
	{iface: protocol.ZwpPrimarySelectionDeviceManagerV1},
	{iface: protocol.GtkPrimarySelectionDeviceManager, hostIface: protocol.ZwpPrimarySelectionDeviceManagerV1},
	{iface: protocol.WlSeat},
	{iface: protocol.WlOutput},
	{iface: protocol.XdgWmBase},
}

// advertisedGlobal is a registry entry the relay exposes to the guest.
type advertisedGlobal struct {
	name      uint32
	iface     *protocol.Interface
	hostIface *protocol.Interface
	version   uint32 // min(relay ceiling, host version)
	hostName  uint32
}

// hostGlobal records one global announced by the host registry.
type hostGlobal struct {
	name    uint32
	version uint32
}

// sessionRegistry holds the session's registry state.
type sessionRegistry struct {
	hostRegistry *Object
	hostGlobals  map[string]hostGlobal

	entries []*advertisedGlobal
	byName  map[uint32]*advertisedGlobal

	guestRegistries []*Object
}

// initRegistry binds the host registry, collects the host's globals with
// one roundtrip, and derives the advertisement table.
func (s *Session) initRegistry() error {
	s.registry.hostGlobals = make(map[string]hostGlobal)
	s.registry.byName = make(map[uint32]*advertisedGlobal)

	regObj := s.host.add(s.host.allocID(), protocol.WlRegistry, 1)
	s.registry.hostRegistry = regObj

	enc := wire.NewEncoder(4)
	enc.PutNewID(regObj.id)
	getReg := enc.Message(1, wire.Opcode(protocol.WlDisplay.RequestOpcode("get_registry")))
	if err := s.host.conn.WriteMessage(getReg); err != nil {
		return fmt.Errorf("get_registry: %w", err)
	}

	cb := s.host.add(s.host.allocID(), protocol.WlCallback, 1)
	enc = wire.NewEncoder(4)
	enc.PutNewID(cb.id)
	sync := enc.Message(1, wire.Opcode(protocol.WlDisplay.RequestOpcode("sync")))
	if err := s.host.conn.WriteMessage(sync); err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	// The session loop has not started; read the host directly until
	// the sync callback fires.
	doneOp := wire.Opcode(protocol.WlCallback.EventOpcode("done"))
	for {
		msg, err := s.host.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("initial roundtrip: %w", err)
		}
		switch {
		case msg.Object == cb.id && msg.Opcode == doneOp:
			s.host.remove(cb)
			s.buildAdvertisements()
			return nil
		case msg.Object == regObj.id:
			if err := s.recordHostGlobal(msg); err != nil {
				return err
			}
		case msg.Object == 1:
			if err := s.handleDisplayEvent(msg); err != nil {
				return err
			}
		default:
			s.log.Debug().Stringer("msg", msg).Msg("unexpected message during registry init")
		}
	}
}

// recordHostGlobal stores a host wl_registry.global/global_remove event.
func (s *Session) recordHostGlobal(msg *wire.Message) error {
	desc, err := protocol.WlRegistry.Event(uint16(msg.Opcode))
	if err != nil {
		return fmt.Errorf("host registry: %w", err)
	}
	dec := wire.NewDecoder(msg.Args, nil)
	switch desc.Name {
	case "global":
		name, _ := dec.Uint32()
		iface, err := dec.String()
		if err != nil {
			return fmt.Errorf("host registry global: %w", err)
		}
		version, _ := dec.Uint32()
		if _, dup := s.registry.hostGlobals[iface]; !dup {
			s.registry.hostGlobals[iface] = hostGlobal{name: name, version: version}
		}
	case "global_remove":
		name, _ := dec.Uint32()
		s.hostGlobalRemoved(name)
	}
	return nil
}

// buildAdvertisements intersects the supported list with the host's
// globals, preserving the compile-time order.
func (s *Session) buildAdvertisements() {
	var nextName uint32 = 1
	for _, sup := range supportedGlobals {
		hostIface := sup.hostIface
		if hostIface == nil {
			hostIface = sup.iface
		}
		hg, ok := s.registry.hostGlobals[hostIface.Name]
		if !ok {
			continue
		}
		version := sup.iface.Version
		if hg.version < version {
			version = hg.version
		}
		entry := &advertisedGlobal{
			name:      nextName,
			iface:     sup.iface,
			hostIface: hostIface,
			version:   version,
			hostName:  hg.name,
		}
		nextName++
		s.registry.entries = append(s.registry.entries, entry)
		s.registry.byName[entry.name] = entry
	}
	s.log.Info().Int("globals", len(s.registry.entries)).Msg("registry ready")
}

// announceGlobals replays the advertisement table to a fresh guest
// registry object.
func (s *Session) announceGlobals(reg *Object) error {
	s.registry.guestRegistries = append(s.registry.guestRegistries, reg)
	globalOp := wire.Opcode(protocol.WlRegistry.EventOpcode("global"))
	for _, entry := range s.registry.entries {
		enc := wire.NewEncoder(16 + len(entry.iface.Name))
		enc.PutUint32(entry.name)
		enc.PutString(entry.iface.Name)
		enc.PutUint32(entry.version)
		if err := s.sendGuestEvent(reg, globalOp, enc); err != nil {
			return err
		}
	}
	return nil
}

// handleBind validates a guest wl_registry.bind and materializes the
// pair, binding the matching host global.
func (s *Session) handleBind(reg *Object, msg *wire.Message) error {
	dec := wire.NewDecoder(msg.Args, nil)
	name, err := dec.Uint32()
	if err != nil {
		return fmt.Errorf("%w: bind: %v", ErrProtocolViolation, err)
	}
	ifaceName, err := dec.String()
	if err != nil {
		return fmt.Errorf("%w: bind: %v", ErrProtocolViolation, err)
	}
	version, err := dec.Uint32()
	if err != nil {
		return fmt.Errorf("%w: bind: %v", ErrProtocolViolation, err)
	}
	id, err := dec.NewID()
	if err != nil {
		return fmt.Errorf("%w: bind: %v", ErrProtocolViolation, err)
	}

	entry, ok := s.registry.byName[name]
	if !ok {
		return fmt.Errorf("%w: bind of unknown registry name %d", ErrProtocolViolation, name)
	}
	if ifaceName != entry.iface.Name {
		return fmt.Errorf("%w: bind name %d expects %s, client sent %s",
			ErrProtocolViolation, name, entry.iface.Name, ifaceName)
	}
	if version == 0 || version > entry.version {
		return fmt.Errorf("%w: bind %s version %d outside advertised 1..%d",
			ErrProtocolViolation, ifaceName, version, entry.version)
	}

	guestObj := s.guest.add(id, entry.iface, version)
	hostObj := s.host.add(s.host.allocID(), entry.hostIface, version)
	if entry.iface == entry.hostIface {
		pair(guestObj, hostObj)
	} else {
		pairCross(guestObj, hostObj)
	}

	enc := wire.NewEncoder(24 + len(entry.hostIface.Name))
	enc.PutUint32(entry.hostName)
	enc.PutString(entry.hostIface.Name)
	enc.PutUint32(version)
	enc.PutNewID(hostObj.id)
	bind := enc.Message(s.registry.hostRegistry.id, wire.Opcode(protocol.WlRegistry.RequestOpcode("bind")))
	if err := s.host.conn.WriteMessage(bind); err != nil {
		return fmt.Errorf("%w: %v", ErrHostFailure, err)
	}

	s.log.Debug().
		Str("interface", entry.iface.Name).
		Uint32("version", version).
		Msg("bound global")
	return nil
}

// hostRegistryEvent handles host registry traffic after initialization.
func (s *Session) hostRegistryEvent(obj *Object, desc *protocol.Msg, msg *wire.Message) error {
	return s.recordHostGlobal(msg)
}

// hostGlobalRemoved withdraws advertisements backed by a removed host
// global and forgets the host entry.
func (s *Session) hostGlobalRemoved(name uint32) {
	for iface, hg := range s.registry.hostGlobals {
		if hg.name == name {
			delete(s.registry.hostGlobals, iface)
		}
	}
	removeOp := wire.Opcode(protocol.WlRegistry.EventOpcode("global_remove"))
	for _, entry := range s.registry.entries {
		if entry.hostName != name {
			continue
		}
		delete(s.registry.byName, entry.name)
		for _, reg := range s.registry.guestRegistries {
			enc := wire.NewEncoder(4)
			enc.PutUint32(entry.name)
			if err := s.sendGuestEvent(reg, removeOp, enc); err != nil {
				s.log.Debug().Err(err).Msg("global_remove after guest hangup")
			}
		}
	}
}
