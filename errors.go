//go:build linux

package wlproxy

import (
	"errors"

	"github.com/jonleivent/wayland-proxy-clipname/internal/relay"
)

// Session failure classes. Recoverable conditions (foreign-namespace
// clipboard traffic, stray pongs) are logged and dropped inside the
// relay and never surface here.
var (
	// ErrProtocolViolation marks a client message inconsistent with
	// the protocol or the binding table. Fatal to its session.
	ErrProtocolViolation = relay.ErrProtocolViolation

	// ErrUnsupportedFeature marks a request the relay does not
	// implement, such as touch input. Fatal to its session.
	ErrUnsupportedFeature = relay.ErrUnsupportedFeature

	// ErrHostFailure marks a dropped or erroring host connection.
	ErrHostFailure = relay.ErrHostFailure

	// ErrNoWaylandSocket is returned when the host compositor socket
	// cannot be located.
	ErrNoWaylandSocket = errors.New("wlproxy: no wayland socket found")

	// ErrClosed is returned from Run after Close.
	ErrClosed = errors.New("wlproxy: proxy closed")
)
