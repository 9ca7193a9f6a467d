//go:build linux

package relay

import (
	"fmt"

	"github.com/jonleivent/wayland-proxy-clipname/internal/protocol"
	"github.com/jonleivent/wayland-proxy-clipname/internal/wire"
)

// selectionFlow describes one of the three near-identical selection
// protocols. Guest-facing and host-facing interfaces differ only for
// the legacy GTK flow, whose host side speaks the wire-compatible zwp
// protocol; those pairs are flagged cross and translated with the
// flow's own accessors instead of the generic functions.
type selectionFlow struct {
	name string

	manager *protocol.Interface
	device  *protocol.Interface
	source  *protocol.Interface
	offer   *protocol.Interface

	hostManager *protocol.Interface
	hostDevice  *protocol.Interface
	hostSource  *protocol.Interface
	hostOffer   *protocol.Interface
}

var (
	dataDeviceFlow = &selectionFlow{
		name:        "data-device",
		manager:     protocol.WlDataDeviceManager,
		device:      protocol.WlDataDevice,
		source:      protocol.WlDataSource,
		offer:       protocol.WlDataOffer,
		hostManager: protocol.WlDataDeviceManager,
		hostDevice:  protocol.WlDataDevice,
		hostSource:  protocol.WlDataSource,
		hostOffer:   protocol.WlDataOffer,
	}
	zwpPrimaryFlow = &selectionFlow{
		name:        "primary-selection",
		manager:     protocol.ZwpPrimarySelectionDeviceManagerV1,
		device:      protocol.ZwpPrimarySelectionDeviceV1,
		source:      protocol.ZwpPrimarySelectionSourceV1,
		offer:       protocol.ZwpPrimarySelectionOfferV1,
		hostManager: protocol.ZwpPrimarySelectionDeviceManagerV1,
		hostDevice:  protocol.ZwpPrimarySelectionDeviceV1,
		hostSource:  protocol.ZwpPrimarySelectionSourceV1,
		hostOffer:   protocol.ZwpPrimarySelectionOfferV1,
	}
	gtkPrimaryFlow = &selectionFlow{
		name:        "gtk-primary-selection",
		manager:     protocol.GtkPrimarySelectionDeviceManager,
		device:      protocol.GtkPrimarySelectionDevice,
		source:      protocol.GtkPrimarySelectionSource,
		offer:       protocol.GtkPrimarySelectionOffer,
		hostManager: protocol.ZwpPrimarySelectionDeviceManagerV1,
		hostDevice:  protocol.ZwpPrimarySelectionDeviceV1,
		hostSource:  protocol.ZwpPrimarySelectionSourceV1,
		hostOffer:   protocol.ZwpPrimarySelectionOfferV1,
	}
)

// flowByInterface indexes every selection interface, guest- and
// host-facing, to its flow.
var flowByInterface = map[*protocol.Interface]*selectionFlow{}

func init() {
	for _, f := range []*selectionFlow{dataDeviceFlow, zwpPrimaryFlow, gtkPrimaryFlow} {
		for _, i := range []*protocol.Interface{
			f.manager, f.device, f.source, f.offer,
			f.hostManager, f.hostDevice, f.hostSource, f.hostOffer,
		} {
			if _, taken := flowByInterface[i]; !taken {
				flowByInterface[i] = f
			}
		}
	}
}

// flowForInterface resolves the selection flow owning an interface, or
// nil for interfaces outside the selection protocols.
func flowForInterface(i *protocol.Interface) *selectionFlow {
	return flowByInterface[i]
}

// hostEquivalent maps a guest-facing interface of this flow to the
// host-facing one.
func (f *selectionFlow) hostEquivalent(i *protocol.Interface) *protocol.Interface {
	switch i {
	case f.manager:
		return f.hostManager
	case f.device:
		return f.hostDevice
	case f.source:
		return f.hostSource
	case f.offer:
		return f.hostOffer
	default:
		return i
	}
}

// crossFlow reports whether this flow pairs differing interfaces.
func (f *selectionFlow) crossFlow() bool {
	return f.manager != f.hostManager
}

// linkPair pairs a guest and host object according to the flow kind.
func (f *selectionFlow) linkPair(guest, host *Object) {
	if f.crossFlow() {
		pairCross(guest, host)
	} else {
		pair(guest, host)
	}
}

// ---- guest requests ------------------------------------------------

// selectionRequest dispatches a guest request on any selection object.
func (s *Session) selectionRequest(flow *selectionFlow, obj *Object, desc *protocol.Msg, msg *wire.Message) error {
	switch {
	case obj.iface == flow.offer && desc.Name == "receive":
		return s.offerReceive(obj, desc, msg)
	case obj.iface == flow.source && desc.Name == "offer":
		return s.sourceOffer(obj, desc, msg)
	default:
		return s.flowForwardRequest(flow, obj, desc, msg)
	}
}

// offerReceive forwards data_offer.receive with the namespaced MIME
// type. The descriptor's local copy is closed once the host owns its
// duplicate.
func (s *Session) offerReceive(obj *Object, desc *protocol.Msg, msg *wire.Message) error {
	hostOffer := obj.crossPeer()
	if hostOffer == nil {
		return fmt.Errorf("%w: %s", ErrNoBinding, obj)
	}
	dec := wire.NewDecoder(msg.Args, msg.FDs)
	mime, err := dec.String()
	if err != nil {
		return fmt.Errorf("%w: receive: %v", ErrProtocolViolation, err)
	}
	fd, err := dec.FD()
	if err != nil {
		return fmt.Errorf("%w: receive: %v", ErrProtocolViolation, err)
	}

	out := wire.NewEncoder(8 + len(mime))
	out.PutString(s.clip.toHost(mime))
	out.PutFD(fd)
	req := out.Message(hostOffer.id, msg.Opcode)
	if err := s.host.conn.WriteMessage(req); err != nil {
		return fmt.Errorf("%w: %v", ErrHostFailure, err)
	}
	closeForwarded(msg)
	return nil
}

// sourceOffer forwards data_source.offer with the namespaced MIME type.
func (s *Session) sourceOffer(obj *Object, desc *protocol.Msg, msg *wire.Message) error {
	hostSource := obj.crossPeer()
	if hostSource == nil {
		return fmt.Errorf("%w: %s", ErrNoBinding, obj)
	}
	dec := wire.NewDecoder(msg.Args, nil)
	mime, err := dec.String()
	if err != nil {
		return fmt.Errorf("%w: offer: %v", ErrProtocolViolation, err)
	}
	out := wire.NewEncoder(8 + len(mime))
	out.PutString(s.clip.toHost(mime))
	req := out.Message(hostSource.id, msg.Opcode)
	if err := s.host.conn.WriteMessage(req); err != nil {
		return fmt.Errorf("%w: %v", ErrHostFailure, err)
	}
	return nil
}

// flowForwardRequest mirrors the generic request path using the flow's
// accessors, so GTK objects translate through their zwp twins.
func (s *Session) flowForwardRequest(flow *selectionFlow, obj *Object, desc *protocol.Msg, msg *wire.Message) error {
	hostObj := obj.crossPeer()
	if hostObj == nil {
		return fmt.Errorf("%w: %s", ErrNoBinding, obj)
	}

	out := wire.NewEncoder(len(msg.Args))
	dec := wire.NewDecoder(msg.Args, msg.FDs)

	for _, a := range desc.Args() {
		switch a.Kind {
		case 'i', 'u', 'f':
			v, err := dec.Uint32()
			if err != nil {
				return fmt.Errorf("%w: %s.%s: %v", ErrProtocolViolation, obj.iface.Name, desc.Name, err)
			}
			out.PutUint32(v)

		case 's':
			v, err := dec.String()
			if err != nil {
				return fmt.Errorf("%w: %s.%s: %v", ErrProtocolViolation, obj.iface.Name, desc.Name, err)
			}
			out.PutString(v)

		case 'a':
			v, err := dec.Array()
			if err != nil {
				return fmt.Errorf("%w: %s.%s: %v", ErrProtocolViolation, obj.iface.Name, desc.Name, err)
			}
			out.PutArray(v)

		case 'h':
			fd, err := dec.FD()
			if err != nil {
				return fmt.Errorf("%w: %s.%s: %v", ErrProtocolViolation, obj.iface.Name, desc.Name, err)
			}
			out.PutFD(fd)

		case 'o':
			id, err := dec.Object()
			if err != nil {
				return fmt.Errorf("%w: %s.%s: %v", ErrProtocolViolation, obj.iface.Name, desc.Name, err)
			}
			if id == 0 {
				out.PutObject(0)
				break
			}
			ref, err := s.guest.lookup(id)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
			}
			hostRef := ref.crossPeer()
			if hostRef == nil {
				return fmt.Errorf("%w: %s", ErrNoBinding, ref)
			}
			out.PutObject(hostRef.id)

		case 'n':
			id, err := dec.NewID()
			if err != nil {
				return fmt.Errorf("%w: %s.%s: %v", ErrProtocolViolation, obj.iface.Name, desc.Name, err)
			}
			iface := desc.Type(a.Index)
			if iface == nil {
				return fmt.Errorf("%w: untyped new_id in %s.%s", ErrProtocolViolation, obj.iface.Name, desc.Name)
			}
			guestNew := s.guest.add(id, iface, obj.version)
			hostNew := s.host.add(s.host.allocID(), flow.hostEquivalent(iface), obj.version)
			flow.linkPair(guestNew, hostNew)
			out.PutNewID(hostNew.id)
		}
	}

	req := out.Message(hostObj.id, msg.Opcode)
	if err := s.host.conn.WriteMessage(req); err != nil {
		return fmt.Errorf("%w: %v", ErrHostFailure, err)
	}
	closeForwarded(msg)

	if desc.Destructor() {
		// Offers are host-introduced, so sequenceDestroy drops both
		// sides at once: the host protocol has no delete event for
		// them. Relay-allocated twins wait for delete_id as usual.
		s.sequenceDestroy(obj, hostObj)
	}
	return nil
}

// ---- host events ---------------------------------------------------

// selectionEvent dispatches a host event on any selection object.
func (s *Session) selectionEvent(flow *selectionFlow, obj *Object, desc *protocol.Msg, msg *wire.Message) error {
	switch {
	case obj.iface == flow.hostOffer && desc.Name == "offer":
		return s.offerAdvertised(obj, desc, msg)
	case obj.iface == flow.hostSource && desc.Name == "send":
		return s.sourceSend(obj, desc, msg)
	case obj.iface == flow.hostDevice && desc.Name == "data_offer":
		return s.deviceDataOffer(flow, obj, desc, msg)
	default:
		return s.flowForwardEvent(flow, obj, desc, msg)
	}
}

// offerAdvertised relays a host offer's MIME type, stripping the
// namespace. Types from other namespaces never reach the guest.
func (s *Session) offerAdvertised(obj *Object, desc *protocol.Msg, msg *wire.Message) error {
	guestOffer := obj.crossPeer()
	if guestOffer == nil {
		return fmt.Errorf("%w: %s", ErrNoBinding, obj)
	}
	dec := wire.NewDecoder(msg.Args, nil)
	mime, err := dec.String()
	if err != nil {
		return fmt.Errorf("%w: offer: %v", ErrHostFailure, err)
	}
	stripped, ok := s.clip.toClients(mime)
	if !ok {
		s.log.Debug().Str("mime", mime).Msg("dropping foreign-namespace offer")
		return nil
	}
	out := wire.NewEncoder(8 + len(stripped))
	out.PutString(stripped)
	return s.sendGuestEvent(guestOffer, msg.Opcode, out)
}

// sourceSend relays a host-side transfer request to the guest source,
// stripping the namespace. A request for a foreign-namespace type is
// dropped and its descriptor closed.
func (s *Session) sourceSend(obj *Object, desc *protocol.Msg, msg *wire.Message) error {
	guestSource := obj.crossPeer()
	if guestSource == nil {
		return fmt.Errorf("%w: %s", ErrNoBinding, obj)
	}
	dec := wire.NewDecoder(msg.Args, msg.FDs)
	mime, err := dec.String()
	if err != nil {
		return fmt.Errorf("%w: send: %v", ErrHostFailure, err)
	}
	fd, err := dec.FD()
	if err != nil {
		return fmt.Errorf("%w: send: %v", ErrHostFailure, err)
	}
	stripped, ok := s.clip.toClients(mime)
	if !ok {
		s.log.Debug().Str("mime", mime).Msg("dropping foreign-namespace send")
		wire.CloseFDs(msg)
		return nil
	}

	out := wire.NewEncoder(8 + len(stripped))
	out.PutString(stripped)
	out.PutFD(fd)
	ev := out.Message(guestSource.id, msg.Opcode)
	if err := s.guest.conn.WriteMessage(ev); err != nil {
		return fmt.Errorf("guest write: %w", err)
	}
	closeForwarded(msg)
	return nil
}

// deviceDataOffer twins a host-introduced offer onto the guest
// connection and announces it.
func (s *Session) deviceDataOffer(flow *selectionFlow, obj *Object, desc *protocol.Msg, msg *wire.Message) error {
	guestDevice := obj.crossPeer()
	if guestDevice == nil {
		return fmt.Errorf("%w: %s", ErrNoBinding, obj)
	}
	dec := wire.NewDecoder(msg.Args, nil)
	hostOfferID, err := dec.NewID()
	if err != nil {
		return fmt.Errorf("%w: data_offer: %v", ErrHostFailure, err)
	}

	// The guest twin's interface decides the offer family: a GTK
	// device receives GTK offers even though the host side is zwp.
	guestIface := offerIfaceForDevice(guestDevice.iface)
	hostIface := offerIfaceForDevice(obj.iface)
	hostOffer := s.host.add(hostOfferID, hostIface, obj.version)
	guestOffer := s.guest.add(s.guest.allocID(), guestIface, obj.version)
	if guestDevice.cross {
		pairCross(guestOffer, hostOffer)
	} else {
		pair(guestOffer, hostOffer)
	}

	out := wire.NewEncoder(4)
	out.PutNewID(guestOffer.id)
	return s.sendGuestEvent(guestDevice, msg.Opcode, out)
}

// offerIfaceForDevice maps a device interface to its flow-family offer
// interface.
func offerIfaceForDevice(device *protocol.Interface) *protocol.Interface {
	switch device {
	case protocol.WlDataDevice:
		return protocol.WlDataOffer
	case protocol.ZwpPrimarySelectionDeviceV1:
		return protocol.ZwpPrimarySelectionOfferV1
	case protocol.GtkPrimarySelectionDevice:
		return protocol.GtkPrimarySelectionOffer
	default:
		return protocol.WlDataOffer
	}
}

// flowForwardEvent mirrors the generic event path with the flow's
// accessors and the selection-specific rewrites: serial capture and
// coordinate rescaling on drag-and-drop enter/motion. An event naming
// an object the relay no longer knows is a recoverable stray (a
// selection raced its teardown); it is logged and dropped.
func (s *Session) flowForwardEvent(flow *selectionFlow, obj *Object, desc *protocol.Msg, msg *wire.Message) error {
	guestObj := obj.crossPeer()
	if guestObj == nil {
		return fmt.Errorf("%w: %s", ErrNoBinding, obj)
	}

	out := wire.NewEncoder(len(msg.Args))
	dec := wire.NewDecoder(msg.Args, msg.FDs)

	for _, a := range desc.Args() {
		switch a.Kind {
		case 'i', 'u', 'f':
			v, err := dec.Uint32()
			if err != nil {
				return fmt.Errorf("%w: %s.%s: %v", ErrHostFailure, obj.iface.Name, desc.Name, err)
			}
			if a.Kind == 'u' && a.Index == 0 && desc.Name == "enter" {
				s.lastSerial = v
			}
			if a.Kind == 'f' && (desc.Name == "enter" || desc.Name == "motion") {
				v = uint32(s.toClientFixed(wire.Fixed(v)))
			}
			out.PutUint32(v)

		case 's':
			v, err := dec.String()
			if err != nil {
				return fmt.Errorf("%w: %s.%s: %v", ErrHostFailure, obj.iface.Name, desc.Name, err)
			}
			out.PutString(v)

		case 'a':
			v, err := dec.Array()
			if err != nil {
				return fmt.Errorf("%w: %s.%s: %v", ErrHostFailure, obj.iface.Name, desc.Name, err)
			}
			out.PutArray(v)

		case 'h':
			fd, err := dec.FD()
			if err != nil {
				return fmt.Errorf("%w: %s.%s: %v", ErrHostFailure, obj.iface.Name, desc.Name, err)
			}
			out.PutFD(fd)

		case 'o':
			id, err := dec.Object()
			if err != nil {
				return fmt.Errorf("%w: %s.%s: %v", ErrHostFailure, obj.iface.Name, desc.Name, err)
			}
			if id == 0 {
				out.PutObject(0)
				break
			}
			ref, ok := s.host.byID[id]
			if !ok {
				s.log.Warn().
					Str("event", desc.Name).
					Uint32("id", uint32(id)).
					Msg("selection event names unknown object; dropping")
				wire.CloseFDs(msg)
				return nil
			}
			guestRef := ref.crossPeer()
			if guestRef == nil {
				return fmt.Errorf("%w: %s", ErrNoBinding, ref)
			}
			out.PutObject(guestRef.id)

		case 'n':
			return fmt.Errorf("%w: unexpected new_id in %s.%s", ErrHostFailure, obj.iface.Name, desc.Name)
		}
	}

	ev := out.Message(guestObj.id, msg.Opcode)
	if err := s.guest.conn.WriteMessage(ev); err != nil {
		return fmt.Errorf("guest write: %w", err)
	}
	closeForwarded(msg)
	return nil
}
