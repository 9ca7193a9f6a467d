//go:build linux

package relay

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prep/socketpair"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/jonleivent/wayland-proxy-clipname/internal/protocol"
	"github.com/jonleivent/wayland-proxy-clipname/internal/wire"
	"github.com/jonleivent/wayland-proxy-clipname/virtgpu"
	"github.com/jonleivent/wayland-proxy-clipname/xwayland"
)

// readRelayMsg reads one message with a timeout guard.
func readRelayMsg(t *testing.T, c *wire.Conn) *wire.Message {
	t.Helper()
	type result struct {
		msg *wire.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		msg, err := c.ReadMessage()
		ch <- result{msg, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("ReadMessage: %v", r.err)
		}
		return r.msg
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

// hostGlobalSpec is one global the fake compositor advertises.
type hostGlobalSpec struct {
	name    uint32
	iface   string
	version uint32
}

// defaultHostGlobals covers every interface the scenarios bind.
var defaultHostGlobals = []hostGlobalSpec{
	{1, "wl_compositor", 4},
	{2, "wl_subcompositor", 1},
	{3, "wl_shm", 1},
	{4, "wl_data_device_manager", 3},
	{5, "zxdg_output_manager_v1", 3},
	{6, "zwp_primary_selection_device_manager_v1", 1},
	{7, "wl_seat", 7},
	{8, "wl_output", 3},
	{9, "xdg_wm_base", 3},
}

// countingDevice wraps a Device and counts allocations.
type countingDevice struct {
	virtgpu.Device
	allocs atomic.Int32
}

func (d *countingDevice) Alloc(q virtgpu.Query) (virtgpu.Image, error) {
	d.allocs.Add(1)
	return d.Device.Alloc(q)
}

// harness runs a real Session between a scripted guest and a scripted
// host compositor.
type harness struct {
	t     *testing.T
	sess  *Session
	guest *wire.Conn // fake client's end
	host  *wire.Conn // fake compositor's end

	hostRegistryID wire.ObjectID
	cancel         context.CancelFunc
	runDone        chan error

	guestRegistryID wire.ObjectID
	globals         map[string]advertisedGlobal
	globalOrder     []string
}

type harnessOpts struct {
	prefix  string
	tag     string
	hooks   *xwayland.Hooks
	device  virtgpu.Device
	globals []hostGlobalSpec
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()
	if opts.globals == nil {
		opts.globals = defaultHostGlobals
	}

	mk := func() (*wire.Conn, *wire.Conn) {
		a, b, err := socketpair.New("unix")
		if err != nil {
			t.Fatalf("socketpair: %v", err)
		}
		ca, err := wire.NewConn(a.(*net.UnixConn))
		if err != nil {
			t.Fatalf("NewConn: %v", err)
		}
		cb, err := wire.NewConn(b.(*net.UnixConn))
		if err != nil {
			t.Fatalf("NewConn: %v", err)
		}
		return ca, cb
	}
	guestNear, guestFar := mk()
	hostNear, hostFar := mk()

	sess := New(Params{
		GuestConn:  guestNear,
		HostConn:   hostNear,
		Log:        zerolog.Nop(),
		Tag:        opts.tag,
		ClipPrefix: opts.prefix,
		Hooks:      opts.hooks,
		Device:     opts.device,
	})

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		t:       t,
		sess:    sess,
		guest:   guestFar,
		host:    hostFar,
		cancel:  cancel,
		runDone: make(chan error, 1),
	}
	t.Cleanup(func() {
		cancel()
		_ = guestFar.Close()
		_ = hostFar.Close()
		select {
		case <-h.runDone:
		case <-time.After(3 * time.Second):
			t.Error("session did not stop")
		}
	})

	go func() { h.runDone <- sess.Run(ctx) }()
	h.serveRegistryInit(opts.globals)
	return h
}

// serveRegistryInit answers the session's startup roundtrip.
func (h *harness) serveRegistryInit(globals []hostGlobalSpec) {
	h.t.Helper()

	getReg := readRelayMsg(h.t, h.host)
	if getReg.Object != 1 || getReg.Opcode != 1 {
		h.t.Fatalf("expected get_registry, got %v", getReg)
	}
	dec := wire.NewDecoder(getReg.Args, nil)
	regID, _ := dec.NewID()
	h.hostRegistryID = regID

	sync := readRelayMsg(h.t, h.host)
	if sync.Object != 1 || sync.Opcode != 0 {
		h.t.Fatalf("expected sync, got %v", sync)
	}
	dec = wire.NewDecoder(sync.Args, nil)
	cbID, _ := dec.NewID()

	for _, g := range globals {
		enc := wire.NewEncoder(16 + len(g.iface))
		enc.PutUint32(g.name)
		enc.PutString(g.iface)
		enc.PutUint32(g.version)
		h.hostSendRaw(enc.Message(regID, 0))
	}
	enc := wire.NewEncoder(4)
	enc.PutUint32(0)
	h.hostSendRaw(enc.Message(cbID, 0))
}

func (h *harness) hostSendRaw(msg *wire.Message) {
	h.t.Helper()
	if err := h.host.WriteMessage(msg); err != nil {
		h.t.Fatalf("host write: %v", err)
	}
}

func (h *harness) guestSendRaw(msg *wire.Message) {
	h.t.Helper()
	if err := h.guest.WriteMessage(msg); err != nil {
		h.t.Fatalf("guest write: %v", err)
	}
}

// getRegistry performs wl_display.get_registry from the guest and
// collects the advertised globals.
func (h *harness) getRegistry(regID wire.ObjectID, count int) {
	h.t.Helper()
	enc := wire.NewEncoder(4)
	enc.PutNewID(regID)
	h.guestSendRaw(enc.Message(1, 1))

	h.guestRegistryID = regID
	h.globals = make(map[string]advertisedGlobal)
	for i := 0; i < count; i++ {
		msg := readRelayMsg(h.t, h.guest)
		if msg.Object != regID || msg.Opcode != 0 {
			h.t.Fatalf("expected global event, got %v", msg)
		}
		dec := wire.NewDecoder(msg.Args, nil)
		name, _ := dec.Uint32()
		iface, err := dec.String()
		if err != nil {
			h.t.Fatalf("global event: %v", err)
		}
		version, _ := dec.Uint32()
		h.globals[iface] = advertisedGlobal{name: name, version: version}
		h.globalOrder = append(h.globalOrder, iface)
	}
}

// bind issues wl_registry.bind from the guest and returns the host-side
// object id observed at the fake compositor.
func (h *harness) bind(iface string, version uint32, guestID wire.ObjectID) wire.ObjectID {
	h.t.Helper()
	ad, ok := h.globals[iface]
	if !ok {
		h.t.Fatalf("global %s was not advertised", iface)
	}

	enc := wire.NewEncoder(32 + len(iface))
	enc.PutUint32(ad.name)
	enc.PutString(iface)
	enc.PutUint32(version)
	enc.PutNewID(guestID)
	h.guestSendRaw(enc.Message(h.guestRegistryID, 0))

	msg := readRelayMsg(h.t, h.host)
	if msg.Object != h.hostRegistryID || msg.Opcode != 0 {
		h.t.Fatalf("expected host bind, got %v", msg)
	}
	dec := wire.NewDecoder(msg.Args, nil)
	name, _ := dec.Uint32()
	hostIface, _ := dec.String()
	hostVersion, _ := dec.Uint32()
	hostID, _ := dec.NewID()

	if name != h.hostGlobalName(hostIface) {
		h.t.Fatalf("host bind name %d for %s", name, hostIface)
	}
	if hostVersion != version {
		h.t.Fatalf("host bind version %d, want %d", hostVersion, version)
	}
	return hostID
}

func (h *harness) hostGlobalName(iface string) uint32 {
	for _, g := range defaultHostGlobals {
		if g.iface == iface {
			return g.name
		}
	}
	return 0
}

// roundtrip performs a guest sync through the relay and the fake host,
// guaranteeing every prior message has been dispatched.
func (h *harness) roundtrip(cbID wire.ObjectID) {
	h.t.Helper()
	enc := wire.NewEncoder(4)
	enc.PutNewID(cbID)
	h.guestSendRaw(enc.Message(1, 0))

	msg := readRelayMsg(h.t, h.host)
	if msg.Object != 1 || msg.Opcode != 0 {
		h.t.Fatalf("expected relayed sync, got %v", msg)
	}
	dec := wire.NewDecoder(msg.Args, nil)
	hostCb, _ := dec.NewID()

	enc = wire.NewEncoder(4)
	enc.PutUint32(0)
	h.hostSendRaw(enc.Message(hostCb, 0))

	done := readRelayMsg(h.t, h.guest)
	if done.Object != cbID || done.Opcode != 0 {
		h.t.Fatalf("expected callback done on %d, got %v", cbID, done)
	}
	del := readRelayMsg(h.t, h.guest)
	if del.Object != 1 || del.Opcode != 1 {
		h.t.Fatalf("expected delete_id after done, got %v", del)
	}
}

// newGuestMemfd builds a filled guest pool backing file.
func newGuestMemfd(t *testing.T, size int, fill byte) (int, []byte) {
	t.Helper()
	fd, err := unix.MemfdCreate("guest-pool", unix.MFD_CLOEXEC)
	if err != nil {
		t.Fatalf("memfd_create: %v", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		t.Fatalf("ftruncate: %v", err)
	}
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}
	for i := range mem {
		mem[i] = fill
	}
	t.Cleanup(func() {
		_ = unix.Munmap(mem)
		_ = unix.Close(fd)
	})
	return fd, mem
}

// ---- scenarios ------------------------------------------------------

func TestRegistryAdvertisement(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.getRegistry(2, 10)

	// Both primary-selection variants back the single zwp host global.
	if _, ok := h.globals["zwp_primary_selection_device_manager_v1"]; !ok {
		t.Error("zwp primary selection not advertised")
	}
	if _, ok := h.globals["gtk_primary_selection_device_manager"]; !ok {
		t.Error("gtk primary selection not advertised")
	}

	// Primary-selection managers are advertised before wl_seat.
	seen := map[string]int{}
	for i, iface := range h.globalOrder {
		seen[iface] = i
	}
	if seen["zwp_primary_selection_device_manager_v1"] > seen["wl_seat"] ||
		seen["gtk_primary_selection_device_manager"] > seen["wl_seat"] {
		t.Errorf("primary selection after wl_seat in %v", h.globalOrder)
	}

	// Versions are min(relay ceiling, host version).
	tests := []struct {
		iface   string
		version uint32
	}{
		{"wl_compositor", 4},
		{"wl_seat", 5},   // relay ceiling below host's 7
		{"wl_output", 3}, // host below relay ceiling 4
		{"xdg_wm_base", 3},
	}
	for _, tt := range tests {
		if got := h.globals[tt.iface].version; got != tt.version {
			t.Errorf("%s advertised at %d, want %d", tt.iface, got, tt.version)
		}
	}
}

func TestBindValidation(t *testing.T) {
	tests := []struct {
		name  string
		build func(h *harness) *wire.Message
	}{
		{
			name: "unknown name",
			build: func(h *harness) *wire.Message {
				enc := wire.NewEncoder(32)
				enc.PutUint32(9999)
				enc.PutString("wl_compositor")
				enc.PutUint32(1)
				enc.PutNewID(3)
				return enc.Message(h.guestRegistryID, 0)
			},
		},
		{
			name: "interface mismatch",
			build: func(h *harness) *wire.Message {
				enc := wire.NewEncoder(32)
				enc.PutUint32(h.globals["wl_shm"].name)
				enc.PutString("wl_compositor")
				enc.PutUint32(1)
				enc.PutNewID(3)
				return enc.Message(h.guestRegistryID, 0)
			},
		},
		{
			name: "version beyond advertised",
			build: func(h *harness) *wire.Message {
				enc := wire.NewEncoder(32)
				enc.PutUint32(h.globals["wl_seat"].name)
				enc.PutString("wl_seat")
				enc.PutUint32(6)
				enc.PutNewID(3)
				return enc.Message(h.guestRegistryID, 0)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, harnessOpts{})
			h.getRegistry(2, 10)
			h.guestSendRaw(tt.build(h))

			// The violation is fatal: the guest sees wl_display.error.
			msg := readRelayMsg(t, h.guest)
			if msg.Object != 1 || msg.Opcode != 0 {
				t.Fatalf("expected wl_display.error, got %v", msg)
			}
		})
	}
}

func TestDeferredAckDestroy(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.getRegistry(2, 10)
	hostComp := h.bind("wl_compositor", 4, 3)

	// create_region
	enc := wire.NewEncoder(4)
	enc.PutNewID(4)
	h.guestSendRaw(enc.Message(3, 1))
	create := readRelayMsg(t, h.host)
	if create.Object != hostComp || create.Opcode != 1 {
		t.Fatalf("expected host create_region, got %v", create)
	}
	dec := wire.NewDecoder(create.Args, nil)
	hostRegion, _ := dec.NewID()

	// destroy: the host sees it immediately...
	enc = wire.NewEncoder(0)
	h.guestSendRaw(enc.Message(4, 0))
	destroy := readRelayMsg(t, h.host)
	if destroy.Object != hostRegion || destroy.Opcode != 0 {
		t.Fatalf("expected host region destroy, got %v", destroy)
	}

	// ...but the guest is not told the id is free before the host
	// confirms. A roundtrip proves no delete_id is in flight.
	h.roundtrip(5)

	enc = wire.NewEncoder(4)
	enc.PutUint32(uint32(hostRegion))
	h.hostSendRaw(enc.Message(1, 1)) // wl_display.delete_id

	del := readRelayMsg(t, h.guest)
	if del.Object != 1 || del.Opcode != 1 {
		t.Fatalf("expected delete_id, got %v", del)
	}
	dec = wire.NewDecoder(del.Args, nil)
	if id, _ := dec.Uint32(); id != 4 {
		t.Errorf("delete_id %d, want 4", id)
	}
}

func TestShmLazyMapping(t *testing.T) {
	dev := &countingDevice{Device: virtgpu.NewMemfdDevice()}
	h := newHarness(t, harnessOpts{device: dev})
	h.getRegistry(2, 10)
	h.bind("wl_shm", 1, 3)

	fd, _ := newGuestMemfd(t, 4096, 0)

	// create_pool, create_buffer, destroy both, never attaching.
	enc := wire.NewEncoder(12)
	enc.PutNewID(4)
	enc.PutFD(fd)
	enc.PutInt32(4096)
	h.guestSendRaw(enc.Message(3, 0))

	enc = wire.NewEncoder(24)
	enc.PutNewID(5)
	enc.PutInt32(0)
	enc.PutInt32(16)
	enc.PutInt32(16)
	enc.PutInt32(64)
	enc.PutUint32(1)
	h.guestSendRaw(enc.Message(4, 0))

	h.guestSendRaw(wire.NewEncoder(0).Message(5, 0)) // buffer destroy
	h.guestSendRaw(wire.NewEncoder(0).Message(4, 1)) // pool destroy

	// Virtual teardown acks immediately.
	for _, want := range []uint32{5, 4} {
		del := readRelayMsg(t, h.guest)
		if del.Object != 1 || del.Opcode != 1 {
			t.Fatalf("expected delete_id, got %v", del)
		}
		dec := wire.NewDecoder(del.Args, nil)
		if id, _ := dec.Uint32(); id != want {
			t.Errorf("delete_id %d, want %d", id, want)
		}
	}

	// The host never saw the pool; the next host-bound message is the
	// roundtrip's sync.
	h.roundtrip(6)

	if n := dev.allocs.Load(); n != 0 {
		t.Errorf("virtio-gpu allocations = %d, want 0", n)
	}
}

func TestCommitCopiesBuffer(t *testing.T) {
	dev := &countingDevice{Device: virtgpu.NewMemfdDevice()}
	h := newHarness(t, harnessOpts{device: dev})
	h.getRegistry(2, 10)
	hostComp := h.bind("wl_compositor", 4, 3)
	h.bind("wl_shm", 1, 4)

	// Surface.
	enc := wire.NewEncoder(4)
	enc.PutNewID(5)
	h.guestSendRaw(enc.Message(3, 0))
	createSurf := readRelayMsg(t, h.host)
	if createSurf.Object != hostComp {
		t.Fatalf("expected host create_surface, got %v", createSurf)
	}
	dec := wire.NewDecoder(createSurf.Args, nil)
	hostSurf, _ := dec.NewID()

	// Pool of 1024 bytes filled with 0xAA, one 16x16 XRGB buffer.
	fd, _ := newGuestMemfd(t, 1024, 0xAA)
	enc = wire.NewEncoder(12)
	enc.PutNewID(6)
	enc.PutFD(fd)
	enc.PutInt32(1024)
	h.guestSendRaw(enc.Message(4, 0))

	enc = wire.NewEncoder(24)
	enc.PutNewID(7)
	enc.PutInt32(0)
	enc.PutInt32(16)
	enc.PutInt32(16)
	enc.PutInt32(64)
	enc.PutUint32(1)
	h.guestSendRaw(enc.Message(6, 0))

	// Attach forces the lazy realization: host sees create_pool with
	// the host-resident fd, then create_buffer, then attach.
	enc = wire.NewEncoder(12)
	enc.PutObject(7)
	enc.PutInt32(0)
	enc.PutInt32(0)
	h.guestSendRaw(enc.Message(5, 1))

	createPool := readRelayMsg(t, h.host)
	if createPool.Opcode != 0 {
		t.Fatalf("expected host create_pool, got %v", createPool)
	}
	fds, err := h.host.TakeFDs(1)
	if err != nil {
		t.Fatalf("host pool fd: %v", err)
	}
	hostPoolFD := fds[0]
	defer unix.Close(hostPoolFD)
	dec = wire.NewDecoder(createPool.Args, nil)
	if _, err := dec.NewID(); err != nil {
		t.Fatalf("create_pool id: %v", err)
	}
	if size, _ := dec.Int32(); size != 1024 {
		t.Errorf("host pool size %d, want 1024", size)
	}

	createBuf := readRelayMsg(t, h.host)
	dec = wire.NewDecoder(createBuf.Args, nil)
	hostBuf, _ := dec.NewID()

	attach := readRelayMsg(t, h.host)
	if attach.Object != hostSurf || attach.Opcode != 1 {
		t.Fatalf("expected host attach, got %v", attach)
	}
	dec = wire.NewDecoder(attach.Args, nil)
	if id, _ := dec.Object(); id != hostBuf {
		t.Errorf("attached host buffer %d, want %d", id, hostBuf)
	}

	// Commit: host memory holds the guest bytes, then commit arrives.
	h.guestSendRaw(wire.NewEncoder(0).Message(5, 6))
	commit := readRelayMsg(t, h.host)
	if commit.Object != hostSurf || commit.Opcode != 6 {
		t.Fatalf("expected host commit, got %v", commit)
	}

	hostMem, err := unix.Mmap(hostPoolFD, 0, 1024, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		t.Fatalf("mmap host pool: %v", err)
	}
	defer unix.Munmap(hostMem)
	for i, b := range hostMem {
		if b != 0xAA {
			t.Fatalf("host byte %d = %#x, want 0xAA", i, b)
		}
	}

	if n := dev.allocs.Load(); n != 1 {
		t.Errorf("virtio-gpu allocations = %d, want 1", n)
	}
}

func TestShmResizeDropsMapping(t *testing.T) {
	dev := &countingDevice{Device: virtgpu.NewMemfdDevice()}
	h := newHarness(t, harnessOpts{device: dev})
	h.getRegistry(2, 10)
	hostComp := h.bind("wl_compositor", 4, 3)
	h.bind("wl_shm", 1, 4)

	enc := wire.NewEncoder(4)
	enc.PutNewID(5)
	h.guestSendRaw(enc.Message(3, 0))
	createSurf := readRelayMsg(t, h.host)
	if createSurf.Object != hostComp {
		t.Fatalf("expected create_surface, got %v", createSurf)
	}

	fd, _ := newGuestMemfd(t, 8192, 0x11)
	enc = wire.NewEncoder(12)
	enc.PutNewID(6)
	enc.PutFD(fd)
	enc.PutInt32(4096)
	h.guestSendRaw(enc.Message(4, 0))

	enc = wire.NewEncoder(24)
	enc.PutNewID(7)
	enc.PutInt32(0)
	enc.PutInt32(16)
	enc.PutInt32(16)
	enc.PutInt32(64)
	enc.PutUint32(1)
	h.guestSendRaw(enc.Message(6, 0))

	// First attach maps the pool.
	enc = wire.NewEncoder(12)
	enc.PutObject(7)
	enc.PutInt32(0)
	enc.PutInt32(0)
	h.guestSendRaw(enc.Message(5, 1))
	readRelayMsg(t, h.host)        // create_pool
	if _, err := h.host.TakeFDs(1); err != nil {
		t.Fatalf("pool fd: %v", err)
	}
	readRelayMsg(t, h.host) // create_buffer
	readRelayMsg(t, h.host) // attach

	// Same-size resize is a no-op.
	enc = wire.NewEncoder(4)
	enc.PutInt32(4096)
	h.guestSendRaw(enc.Message(6, 2))
	h.roundtrip(8)
	if n := dev.allocs.Load(); n != 1 {
		t.Fatalf("allocations after same-size resize = %d, want 1", n)
	}

	// Growing the pool drops the mapping: the host pool is destroyed.
	enc = wire.NewEncoder(4)
	enc.PutInt32(8192)
	h.guestSendRaw(enc.Message(6, 2))
	destroy := readRelayMsg(t, h.host)
	if destroy.Opcode != wire.Opcode(protocol.WlShmPool.RequestOpcode("destroy")) {
		t.Fatalf("expected host pool destroy, got %v", destroy)
	}

	// The next attach remaps at the new size.
	enc = wire.NewEncoder(24)
	enc.PutNewID(9)
	enc.PutInt32(0)
	enc.PutInt32(16)
	enc.PutInt32(16)
	enc.PutInt32(64)
	enc.PutUint32(1)
	h.guestSendRaw(enc.Message(6, 0))
	enc = wire.NewEncoder(12)
	enc.PutObject(9)
	enc.PutInt32(0)
	enc.PutInt32(0)
	h.guestSendRaw(enc.Message(5, 1))

	createPool := readRelayMsg(t, h.host)
	if createPool.Opcode != 0 {
		t.Fatalf("expected create_pool after resize, got %v", createPool)
	}
	fds, err := h.host.TakeFDs(1)
	if err != nil {
		t.Fatalf("pool fd: %v", err)
	}
	defer unix.Close(fds[0])
	dec := wire.NewDecoder(createPool.Args, nil)
	if _, err := dec.NewID(); err != nil {
		t.Fatal(err)
	}
	if size, _ := dec.Int32(); size != 8192 {
		t.Errorf("remapped pool size %d, want 8192", size)
	}
	if n := dev.allocs.Load(); n != 2 {
		t.Errorf("allocations after remap = %d, want 2", n)
	}
}

func TestClipboardNamespacing(t *testing.T) {
	h := newHarness(t, harnessOpts{prefix: "#PID1#"})
	h.getRegistry(2, 10)
	hostDdm := h.bind("wl_data_device_manager", 3, 3)
	h.bind("wl_seat", 5, 4)

	// Guest source advertising text/plain reaches the host namespaced.
	enc := wire.NewEncoder(4)
	enc.PutNewID(5)
	h.guestSendRaw(enc.Message(3, 0)) // create_data_source
	createSource := readRelayMsg(t, h.host)
	if createSource.Object != hostDdm {
		t.Fatalf("expected host create_data_source, got %v", createSource)
	}
	dec := wire.NewDecoder(createSource.Args, nil)
	hostSource, _ := dec.NewID()

	enc = wire.NewEncoder(16)
	enc.PutString("text/plain")
	h.guestSendRaw(enc.Message(5, 0)) // offer
	offer := readRelayMsg(t, h.host)
	if offer.Object != hostSource {
		t.Fatalf("expected host offer, got %v", offer)
	}
	dec = wire.NewDecoder(offer.Args, nil)
	if mime, _ := dec.String(); mime != "#PID1#text/plain" {
		t.Errorf("host offer mime %q, want #PID1#text/plain", mime)
	}

	// Host transfer request comes back stripped, fd intact.
	pipe := make([]int, 2)
	if err := unix.Pipe(pipe); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(pipe[0])
	enc = wire.NewEncoder(24)
	enc.PutString("#PID1#text/plain")
	enc.PutFD(pipe[1])
	h.hostSendRaw(enc.Message(hostSource, 1)) // send
	_ = unix.Close(pipe[1])

	send := readRelayMsg(t, h.guest)
	if send.Object != 5 || send.Opcode != 1 {
		t.Fatalf("expected guest send, got %v", send)
	}
	fds, err := h.guest.TakeFDs(1)
	if err != nil {
		t.Fatalf("send fd: %v", err)
	}
	defer unix.Close(fds[0])
	dec = wire.NewDecoder(send.Args, nil)
	if mime, _ := dec.String(); mime != "text/plain" {
		t.Errorf("guest send mime %q, want text/plain", mime)
	}

	// The descriptor still reaches the guest end: write through it.
	if _, err := unix.Write(fds[0], []byte("x")); err != nil {
		t.Errorf("write through relayed fd: %v", err)
	}
	buf := make([]byte, 1)
	if _, err := unix.Read(pipe[0], buf); err != nil || buf[0] != 'x' {
		t.Errorf("relayed pipe read = (%q, %v)", buf, err)
	}

	// A foreign-namespace send is dropped entirely.
	pipe2 := make([]int, 2)
	if err := unix.Pipe(pipe2); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(pipe2[0])
	enc = wire.NewEncoder(24)
	enc.PutString("#other#text/plain")
	enc.PutFD(pipe2[1])
	h.hostSendRaw(enc.Message(hostSource, 1))
	_ = unix.Close(pipe2[1])

	// cancelled is relayed after it, proving the send vanished.
	h.hostSendRaw(wire.NewEncoder(0).Message(hostSource, 2))
	next := readRelayMsg(t, h.guest)
	if next.Object != 5 || next.Opcode != 2 {
		t.Fatalf("expected cancelled after dropped send, got %v", next)
	}
}

func TestOfferNamespacing(t *testing.T) {
	h := newHarness(t, harnessOpts{prefix: "#PID1#"})
	h.getRegistry(2, 10)
	h.bind("wl_data_device_manager", 3, 3)
	h.bind("wl_seat", 5, 4)

	// get_data_device
	enc := wire.NewEncoder(8)
	enc.PutNewID(5)
	enc.PutObject(4)
	h.guestSendRaw(enc.Message(3, 1))
	getDev := readRelayMsg(t, h.host)
	dec := wire.NewDecoder(getDev.Args, nil)
	hostDev, _ := dec.NewID()

	// Host introduces an offer with one native and one foreign type.
	const hostOfferID = wire.ObjectID(0xff000001)
	enc = wire.NewEncoder(4)
	enc.PutNewID(hostOfferID)
	h.hostSendRaw(enc.Message(hostDev, 0)) // data_offer

	dataOffer := readRelayMsg(t, h.guest)
	if dataOffer.Object != 5 || dataOffer.Opcode != 0 {
		t.Fatalf("expected guest data_offer, got %v", dataOffer)
	}
	dec = wire.NewDecoder(dataOffer.Args, nil)
	guestOffer, _ := dec.NewID()
	if !guestOffer.IsServerAllocated() {
		t.Errorf("guest offer id %#x not server-allocated", uint32(guestOffer))
	}

	enc = wire.NewEncoder(24)
	enc.PutString("#PID1#text/plain")
	h.hostSendRaw(enc.Message(hostOfferID, 0)) // offer

	enc = wire.NewEncoder(24)
	enc.PutString("#other#text/plain")
	h.hostSendRaw(enc.Message(hostOfferID, 0)) // dropped

	enc = wire.NewEncoder(4)
	enc.PutObject(hostOfferID)
	h.hostSendRaw(enc.Message(hostDev, 5)) // selection

	offer := readRelayMsg(t, h.guest)
	if offer.Object != guestOffer || offer.Opcode != 0 {
		t.Fatalf("expected guest offer event, got %v", offer)
	}
	dec = wire.NewDecoder(offer.Args, nil)
	if mime, _ := dec.String(); mime != "text/plain" {
		t.Errorf("guest offer mime %q, want text/plain", mime)
	}

	// The foreign offer was dropped: selection is next.
	selection := readRelayMsg(t, h.guest)
	if selection.Object != 5 || selection.Opcode != 5 {
		t.Fatalf("expected selection after dropped offer, got %v", selection)
	}
	dec = wire.NewDecoder(selection.Args, nil)
	if id, _ := dec.Object(); id != guestOffer {
		t.Errorf("selection names %d, want %d", id, guestOffer)
	}

	// receive is namespaced on its way to the host.
	pipe := make([]int, 2)
	if err := unix.Pipe(pipe); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(pipe[0])
	enc = wire.NewEncoder(24)
	enc.PutString("text/plain")
	enc.PutFD(pipe[1])
	h.guestSendRaw(enc.Message(guestOffer, 1))
	_ = unix.Close(pipe[1])

	receive := readRelayMsg(t, h.host)
	if receive.Object != hostOfferID || receive.Opcode != 1 {
		t.Fatalf("expected host receive, got %v", receive)
	}
	if _, err := h.host.TakeFDs(1); err != nil {
		t.Fatalf("receive fd: %v", err)
	}
	dec = wire.NewDecoder(receive.Args, nil)
	if mime, _ := dec.String(); mime != "#PID1#text/plain" {
		t.Errorf("host receive mime %q, want #PID1#text/plain", mime)
	}
}

func TestGtkPrimarySelectionCompat(t *testing.T) {
	h := newHarness(t, harnessOpts{prefix: "#PID1#"})
	h.getRegistry(2, 10)

	// Binding the GTK alias binds the host's zwp global (checked
	// inside bind()).
	hostMgr := h.bind("gtk_primary_selection_device_manager", 1, 3)
	h.bind("wl_seat", 5, 4)

	// get_device through the GTK manager.
	enc := wire.NewEncoder(8)
	enc.PutNewID(5)
	enc.PutObject(4)
	h.guestSendRaw(enc.Message(3, 1))
	getDev := readRelayMsg(t, h.host)
	if getDev.Object != hostMgr {
		t.Fatalf("expected host get_device, got %v", getDev)
	}
	dec := wire.NewDecoder(getDev.Args, nil)
	hostDev, _ := dec.NewID()

	// Guest sets a GTK selection; the host sees the zwp request.
	enc = wire.NewEncoder(4)
	enc.PutNewID(6)
	h.guestSendRaw(enc.Message(3, 0)) // create_source
	createSource := readRelayMsg(t, h.host)
	dec = wire.NewDecoder(createSource.Args, nil)
	hostSource, _ := dec.NewID()

	enc = wire.NewEncoder(16)
	enc.PutString("text/plain")
	h.guestSendRaw(enc.Message(6, 0)) // offer
	offer := readRelayMsg(t, h.host)
	if offer.Object != hostSource {
		t.Fatalf("expected host offer, got %v", offer)
	}

	enc = wire.NewEncoder(8)
	enc.PutObject(6)
	enc.PutUint32(77)
	h.guestSendRaw(enc.Message(5, 0)) // set_selection
	setSel := readRelayMsg(t, h.host)
	if setSel.Object != hostDev || setSel.Opcode != 0 {
		t.Fatalf("expected host set_selection, got %v", setSel)
	}
	dec = wire.NewDecoder(setSel.Args, nil)
	if id, _ := dec.Object(); id != hostSource {
		t.Errorf("set_selection names %d, want %d", id, hostSource)
	}

	// The host re-emits the selection as an offer; the GTK client
	// receives it through its own protocol.
	const hostOfferID = wire.ObjectID(0xff000001)
	enc = wire.NewEncoder(4)
	enc.PutNewID(hostOfferID)
	h.hostSendRaw(enc.Message(hostDev, 0)) // data_offer
	dataOffer := readRelayMsg(t, h.guest)
	if dataOffer.Object != 5 || dataOffer.Opcode != 0 {
		t.Fatalf("expected gtk data_offer, got %v", dataOffer)
	}
	dec = wire.NewDecoder(dataOffer.Args, nil)
	guestOffer, _ := dec.NewID()

	enc = wire.NewEncoder(24)
	enc.PutString("#PID1#text/plain")
	h.hostSendRaw(enc.Message(hostOfferID, 0))
	offerEv := readRelayMsg(t, h.guest)
	if offerEv.Object != guestOffer {
		t.Fatalf("expected offer on gtk offer object, got %v", offerEv)
	}
	dec = wire.NewDecoder(offerEv.Args, nil)
	if mime, _ := dec.String(); mime != "text/plain" {
		t.Errorf("gtk offer mime %q, want text/plain", mime)
	}
}

func TestSeatCapabilityIntersection(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.getRegistry(2, 10)
	hostSeat := h.bind("wl_seat", 5, 3)

	const touchBit = 1 << 2
	enc := wire.NewEncoder(4)
	enc.PutUint32(seatCapPointer | seatCapKeyboard | touchBit)
	h.hostSendRaw(enc.Message(hostSeat, 0))

	caps := readRelayMsg(t, h.guest)
	if caps.Object != 3 || caps.Opcode != 0 {
		t.Fatalf("expected capabilities, got %v", caps)
	}
	dec := wire.NewDecoder(caps.Args, nil)
	if v, _ := dec.Uint32(); v != seatCapPointer|seatCapKeyboard {
		t.Errorf("capabilities %#x, want pointer|keyboard", v)
	}

	// get_touch is an unsupported feature and fatal.
	enc = wire.NewEncoder(4)
	enc.PutNewID(4)
	h.guestSendRaw(enc.Message(3, 2))
	errMsg := readRelayMsg(t, h.guest)
	if errMsg.Object != 1 || errMsg.Opcode != 0 {
		t.Fatalf("expected wl_display.error, got %v", errMsg)
	}
}

func TestPingPongFIFO(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.getRegistry(2, 10)
	hostBase := h.bind("xdg_wm_base", 3, 3)

	for _, serial := range []uint32{100, 200} {
		enc := wire.NewEncoder(4)
		enc.PutUint32(serial)
		h.hostSendRaw(enc.Message(hostBase, 0)) // ping

		ping := readRelayMsg(t, h.guest)
		if ping.Object != 3 || ping.Opcode != 0 {
			t.Fatalf("expected guest ping, got %v", ping)
		}
		dec := wire.NewDecoder(ping.Args, nil)
		if v, _ := dec.Uint32(); v != serial {
			t.Errorf("ping serial %d, want %d", v, serial)
		}
	}

	// Pongs pop handlers in FIFO order regardless of their payload.
	for _, want := range []uint32{100, 200} {
		enc := wire.NewEncoder(4)
		enc.PutUint32(want)
		h.guestSendRaw(enc.Message(3, 3))

		pong := readRelayMsg(t, h.host)
		if pong.Object != hostBase || pong.Opcode != 3 {
			t.Fatalf("expected host pong, got %v", pong)
		}
		dec := wire.NewDecoder(pong.Args, nil)
		if v, _ := dec.Uint32(); v != want {
			t.Errorf("pong serial %d, want %d", v, want)
		}
	}

	// A stray pong is dropped: the host's next message is the
	// roundtrip sync, not a pong.
	enc := wire.NewEncoder(4)
	enc.PutUint32(999)
	h.guestSendRaw(enc.Message(3, 3))
	h.roundtrip(4)
}

func TestTitleTagging(t *testing.T) {
	h := newHarness(t, harnessOpts{tag: "[vm] "})
	h.getRegistry(2, 10)
	h.bind("wl_compositor", 4, 3)
	h.bind("xdg_wm_base", 3, 4)

	enc := wire.NewEncoder(4)
	enc.PutNewID(5)
	h.guestSendRaw(enc.Message(3, 0)) // create_surface
	readRelayMsg(t, h.host)

	enc = wire.NewEncoder(8)
	enc.PutNewID(6)
	enc.PutObject(5)
	h.guestSendRaw(enc.Message(4, 2)) // get_xdg_surface
	readRelayMsg(t, h.host)

	enc = wire.NewEncoder(4)
	enc.PutNewID(7)
	h.guestSendRaw(enc.Message(6, 1)) // get_toplevel
	getTop := readRelayMsg(t, h.host)
	dec := wire.NewDecoder(getTop.Args, nil)
	hostTop, _ := dec.NewID()

	enc = wire.NewEncoder(16)
	enc.PutString("editor")
	h.guestSendRaw(enc.Message(7, 2)) // set_title
	setTitle := readRelayMsg(t, h.host)
	if setTitle.Object != hostTop || setTitle.Opcode != 2 {
		t.Fatalf("expected host set_title, got %v", setTitle)
	}
	dec = wire.NewDecoder(setTitle.Args, nil)
	if title, _ := dec.String(); title != "[vm] editor" {
		t.Errorf("host title %q, want %q", title, "[vm] editor")
	}
}
