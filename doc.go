//go:build linux

// Package wlproxy relays Wayland clients in a guest environment to a
// compositor on the host. Clients connect to the relay as if it were
// the compositor; every request is forwarded to the host and every
// event back, with object ids translated in both directions and a small
// set of payload rewrites where guest and host disagree.
//
// # Quick start
//
// The simplest deployment listens on its own socket and forwards to the
// compositor named by WAYLAND_DISPLAY:
//
//	cfg := wlproxy.DefaultConfig().WithSocketName("wayland-proxy-0")
//	proxy, err := wlproxy.New(cfg, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := proxy.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Guest applications then run with WAYLAND_DISPLAY=wayland-proxy-0.
//
// # Architecture
//
//   - Proxy: socket lifecycle, host dialing, one Session per client
//   - internal/relay: the proxy engine: object mirroring, deferred
//     destruction, shm virtualization, clipboard namespacing,
//     selection/input/output/shell relays
//   - internal/wire: Wayland wire codec with SCM_RIGHTS fd passing
//   - internal/protocol: static interface metadata
//   - virtgpu: host buffer allocation, consumed by shm virtualization
//   - xwayland: hook surface for an external X11 window manager
//
// # Clipboard namespacing
//
// MIME types crossing to the host gain a per-guest prefix (the
// WAYLAND_PROXY_CLIPNAME environment variable, defaulting to
// "#PID<pid>#"); offers from other namespaces never reach the guest.
// A prefix-aware clipboard manager on the host can route content
// between namespaces deliberately, and nothing leaks by accident.
//
// # Shared-memory virtualization
//
// With a virtgpu.Device configured, guest shm pools are mirrored into
// host-visible allocations and buffer bytes are copied on commit; the
// guest's own pool descriptors never cross the boundary. Without a
// device, pool descriptors pass straight through.
package wlproxy
