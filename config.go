//go:build linux

package wlproxy

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"

	"github.com/jonleivent/wayland-proxy-clipname/virtgpu"
	"github.com/jonleivent/wayland-proxy-clipname/xwayland"
)

// Env is the relay's environment surface.
type Env struct {
	// RuntimeDir locates Wayland sockets.
	RuntimeDir string `envconfig:"XDG_RUNTIME_DIR" required:"true"`

	// HostDisplay names the host compositor socket.
	HostDisplay string `envconfig:"WAYLAND_DISPLAY" default:"wayland-0"`

	// Tag is the default window-title tag.
	Tag string `envconfig:"WAYLAND_PROXY_TAG"`
}

// LoadEnv reads the environment surface.
func LoadEnv() (Env, error) {
	var e Env
	if err := envconfig.Process("", &e); err != nil {
		return Env{}, fmt.Errorf("wlproxy: environment: %w", err)
	}
	return e, nil
}

// Config configures a Proxy.
type Config struct {
	// SocketName is the relay's own listening socket, created under
	// XDG_RUNTIME_DIR.
	SocketName string

	// Tag is prepended to window titles so host-side tooling can tell
	// relayed windows apart. Overrides WAYLAND_PROXY_TAG when set.
	Tag string

	// Clipname overrides the clipboard namespace prefix. nil consults
	// WAYLAND_PROXY_CLIPNAME and falls back to "#PID<pid>#"; a pointer
	// to the empty string disables prefixing.
	Clipname *string

	// HostDisplay overrides WAYLAND_DISPLAY for the host connection.
	HostDisplay string

	// Device enables shared-memory buffer virtualization. nil passes
	// guest pool descriptors through to the host untouched.
	Device virtgpu.Device

	// Hooks is the optional Xwayland window-manager integration.
	Hooks *xwayland.Hooks
}

// DefaultConfig returns a configuration suitable for a socket-transport
// relay without Xwayland.
func DefaultConfig() Config {
	return Config{
		SocketName: "wayland-proxy-0",
	}
}

// WithSocketName returns a copy with the listening socket name set.
func (c Config) WithSocketName(name string) Config {
	c.SocketName = name
	return c
}

// WithTag returns a copy with the title tag set.
func (c Config) WithTag(tag string) Config {
	c.Tag = tag
	return c
}

// WithClipname returns a copy with the clipboard prefix fixed. The
// empty string disables prefixing.
func (c Config) WithClipname(name string) Config {
	c.Clipname = &name
	return c
}

// WithDevice returns a copy with buffer virtualization enabled.
func (c Config) WithDevice(dev virtgpu.Device) Config {
	c.Device = dev
	return c
}

// WithHooks returns a copy with Xwayland hooks installed.
func (c Config) WithHooks(h *xwayland.Hooks) Config {
	c.Hooks = h
	return c
}

// ClipPrefix resolves the effective clipboard namespace prefix: the
// configured value, else WAYLAND_PROXY_CLIPNAME, else "#PID<pid>#".
// Setting either to the empty string disables prefixing.
func (c Config) ClipPrefix() string {
	if c.Clipname != nil {
		return *c.Clipname
	}
	if v, ok := os.LookupEnv("WAYLAND_PROXY_CLIPNAME"); ok {
		return v
	}
	return fmt.Sprintf("#PID%d#", os.Getpid())
}

// hostSocketPath resolves the host compositor socket path.
func (c Config) hostSocketPath(env Env) string {
	display := c.HostDisplay
	if display == "" {
		display = env.HostDisplay
	}
	if filepath.IsAbs(display) {
		return display
	}
	return filepath.Join(env.RuntimeDir, display)
}

// listenSocketPath resolves the relay's own socket path.
func (c Config) listenSocketPath(env Env) string {
	if filepath.IsAbs(c.SocketName) {
		return c.SocketName
	}
	return filepath.Join(env.RuntimeDir, c.SocketName)
}

// tag resolves the effective title tag.
func (c Config) tag(env Env) string {
	if c.Tag != "" {
		return c.Tag
	}
	return env.Tag
}
