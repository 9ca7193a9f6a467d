//go:build linux

package wlproxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"github.com/jonleivent/wayland-proxy-clipname/internal/relay"
	"github.com/jonleivent/wayland-proxy-clipname/internal/wire"
)

// Proxy owns the relay's listening socket and supervises one Session
// per accepted guest client. Sessions are independent: each gets its
// own host connection and dies with either of its transports.
type Proxy struct {
	cfg Config
	env Env
	log zerolog.Logger

	mu       sync.Mutex
	listener *net.UnixListener
	closed   bool
	sessions sync.WaitGroup
}

// New validates the configuration and environment and returns a Proxy.
func New(cfg Config, log zerolog.Logger) (*Proxy, error) {
	env, err := LoadEnv()
	if err != nil {
		return nil, err
	}
	if cfg.SocketName == "" {
		return nil, errors.New("wlproxy: empty socket name")
	}
	return &Proxy{cfg: cfg, env: env, log: log}, nil
}

// Run listens for guest clients until ctx is cancelled or Close is
// called. The listening socket is removed on return.
func (p *Proxy) Run(ctx context.Context) error {
	path := p.cfg.listenSocketPath(p.env)
	_ = os.Remove(path)

	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return fmt.Errorf("wlproxy: listen %s: %w", path, err)
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = listener.Close()
		_ = os.Remove(path)
		return ErrClosed
	}
	p.listener = listener
	p.mu.Unlock()

	defer func() {
		_ = listener.Close()
		_ = os.Remove(path)
		p.sessions.Wait()
	}()

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	p.log.Info().Str("socket", path).Msg("listening for guest clients")
	for {
		conn, err := listener.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.mu.Lock()
			closed := p.closed
			p.mu.Unlock()
			if closed {
				return ErrClosed
			}
			return fmt.Errorf("wlproxy: accept: %w", err)
		}
		p.sessions.Add(1)
		go func() {
			defer p.sessions.Done()
			if err := p.ServeConn(ctx, conn); err != nil && !errors.Is(err, context.Canceled) {
				p.log.Warn().Err(err).Msg("session ended with error")
			}
		}()
	}
}

// ServeConn relays a single established guest connection. It blocks
// until the session ends and is the entry point used when the guest
// socket is handed over by other machinery (an Xwayland launcher, a
// test harness).
func (p *Proxy) ServeConn(ctx context.Context, conn *net.UnixConn) error {
	guest, err := wire.NewConn(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}

	host, err := p.dialHost(ctx)
	if err != nil {
		_ = guest.Close()
		return err
	}

	sess := relay.New(relay.Params{
		GuestConn:  guest,
		HostConn:   host,
		Log:        p.log,
		Tag:        p.cfg.tag(p.env),
		ClipPrefix: p.cfg.ClipPrefix(),
		Hooks:      p.cfg.Hooks,
		Device:     p.cfg.Device,
	})
	return sess.Run(ctx)
}

// Close stops accepting clients. Active sessions keep running until
// their transports close.
func (p *Proxy) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.listener != nil {
		return p.listener.Close()
	}
	return nil
}

// dialHost connects to the host compositor, waiting for the socket to
// appear when the relay races compositor startup and backing off on
// transient dial failures.
func (p *Proxy) dialHost(ctx context.Context) (*wire.Conn, error) {
	path := p.cfg.hostSocketPath(p.env)

	if err := p.waitForSocket(ctx, path); err != nil {
		return nil, err
	}

	b := &backoff.Backoff{Min: 10 * time.Millisecond, Max: 2 * time.Second, Jitter: true}
	for {
		conn, err := wire.Dial(path)
		if err == nil {
			return conn, nil
		}
		if b.Attempt() >= 8 {
			return nil, fmt.Errorf("%w: %s: %v", ErrHostFailure, path, err)
		}
		d := b.Duration()
		p.log.Debug().Err(err).Dur("retry_in", d).Msg("host dial failed")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d):
		}
	}
}

// waitForSocket blocks until the host socket exists, watching its
// directory for creation.
func (p *Proxy) waitForSocket(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("wlproxy: watch: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNoWaylandSocket, dir, err)
	}
	// Re-check after the watch is in place; the socket may have
	// appeared in between.
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	p.log.Info().Str("socket", path).Msg("waiting for host compositor socket")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return ErrNoWaylandSocket
			}
			if ev.Op.Has(fsnotify.Create) && ev.Name == path {
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return ErrNoWaylandSocket
			}
			p.log.Debug().Err(err).Msg("socket watch error")
		}
	}
}
