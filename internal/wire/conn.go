//go:build linux

package wire

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// Errors returned by Conn operations.
var (
	ErrConnClosed = errors.New("wire: connection closed")
)

// Conn is a Wayland transport over a unix-domain socket. It frames
// messages out of the byte stream and pairs them with the file
// descriptors received in the same ancillary batch.
//
// Reads and writes are independently serialized; a reader goroutine and
// writer goroutines may use the Conn concurrently.
type Conn struct {
	conn *net.UnixConn
	file *os.File

	// readMu serializes stream reads; it is held across blocking
	// recvmsg calls, so the fd queue lives under its own lock to keep
	// TakeFDs callable from the dispatch goroutine while the reader
	// blocks.
	readMu  sync.Mutex
	readBuf []byte // unconsumed stream bytes

	fdMu    sync.Mutex
	readFDs []int // received, not yet consumed fds

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps an established unix-domain connection.
func NewConn(conn *net.UnixConn) (*Conn, error) {
	file, err := conn.File()
	if err != nil {
		return nil, fmt.Errorf("wire: socket file: %w", err)
	}
	return &Conn{
		conn:    conn,
		file:    file,
		readBuf: make([]byte, 0, maxMessageSize),
	}, nil
}

// Dial connects to the Wayland socket at the given path.
func Dial(path string) (*Conn, error) {
	raw, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("wire: dial %s: %w", path, err)
	}
	uc, ok := raw.(*net.UnixConn)
	if !ok {
		_ = raw.Close()
		return nil, fmt.Errorf("wire: expected unix socket, got %T", raw)
	}
	c, err := NewConn(uc)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	return c, nil
}

// Close shuts the connection down. Unconsumed received file descriptors
// are closed.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.fdMu.Lock()
		for _, fd := range c.readFDs {
			_ = unix.Close(fd)
		}
		c.readFDs = nil
		c.fdMu.Unlock()
		_ = c.file.Close()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// Fd returns the underlying socket descriptor, for poll integration.
func (c *Conn) Fd() int {
	return int(c.file.Fd())
}

// WriteMessage sends a message, transferring its file descriptors via
// SCM_RIGHTS. The kernel duplicates the descriptors; the caller retains
// ownership of its copies.
func (c *Conn) WriteMessage(msg *Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if len(msg.FDs) > 0 {
		rights := unix.UnixRights(msg.FDs...)
		if err := unix.Sendmsg(c.Fd(), data, rights, nil, 0); err != nil {
			return fmt.Errorf("wire: sendmsg: %w", err)
		}
		return nil
	}
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("wire: write: %w", err)
	}
	return nil
}

// ReadMessage returns the next complete message from the stream,
// blocking until one is available. File descriptors are not attached
// here: they stay queued on the connection and are drawn positionally
// with TakeFDs once the caller knows the message signature, matching
// libwayland's fd-queue discipline.
//
// Wayland peers may pack several messages into one segment and split a
// message across segments, so framing is reassembled from an internal
// buffer rather than assumed per-read.
func (c *Conn) ReadMessage() (*Message, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		msg, err := c.nextBuffered()
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
		if err := c.fill(); err != nil {
			return nil, err
		}
	}
}

// TakeFDs removes and returns the n oldest received file descriptors.
// Ownership passes to the caller. By the time a complete message has
// been framed, the descriptors sent with it have been received, so a
// signature-driven TakeFDs immediately after ReadMessage pairs them
// correctly.
func (c *Conn) TakeFDs(n int) ([]int, error) {
	if n == 0 {
		return nil, nil
	}
	c.fdMu.Lock()
	defer c.fdMu.Unlock()
	if len(c.readFDs) < n {
		return nil, ErrNoFD
	}
	fds := make([]int, n)
	copy(fds, c.readFDs)
	c.readFDs = append(c.readFDs[:0], c.readFDs[n:]...)
	return fds, nil
}

// nextBuffered extracts one complete message from the read buffer, or
// returns nil if none is fully buffered yet.
func (c *Conn) nextBuffered() (*Message, error) {
	if len(c.readBuf) < headerSize {
		return nil, nil
	}
	object, opcode, size, err := decodeHeader(c.readBuf)
	if err != nil {
		return nil, err
	}
	if len(c.readBuf) < size {
		return nil, nil
	}
	args := make([]byte, size-headerSize)
	copy(args, c.readBuf[headerSize:size])
	c.readBuf = append(c.readBuf[:0], c.readBuf[size:]...)

	return &Message{Object: object, Opcode: opcode, Args: args}, nil
}

// fill reads more stream bytes and ancillary fds from the socket.
func (c *Conn) fill() error {
	buf := make([]byte, maxMessageSize)
	oob := make([]byte, unix.CmsgSpace(28*4))

	n, oobn, _, _, err := unix.Recvmsg(c.Fd(), buf, oob, 0)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}
		return fmt.Errorf("wire: recvmsg: %w", err)
	}
	if n == 0 {
		return ErrConnClosed
	}

	c.readBuf = append(c.readBuf, buf[:n]...)
	if oobn > 0 {
		fds, err := parseRights(oob[:oobn])
		if err != nil {
			return err
		}
		c.fdMu.Lock()
		c.readFDs = append(c.readFDs, fds...)
		c.fdMu.Unlock()
	}
	return nil
}

// parseRights extracts SCM_RIGHTS descriptors from ancillary data.
func parseRights(oob []byte) ([]int, error) {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("wire: parse control message: %w", err)
	}
	var fds []int
	for _, scm := range scms {
		if scm.Header.Level != unix.SOL_SOCKET || scm.Header.Type != unix.SCM_RIGHTS {
			continue
		}
		got, err := unix.ParseUnixRights(&scm)
		if err != nil {
			return nil, fmt.Errorf("wire: parse unix rights: %w", err)
		}
		fds = append(fds, got...)
	}
	return fds, nil
}

// CloseFDs closes every descriptor attached to msg. Used when a message
// is dropped without forwarding.
func CloseFDs(msg *Message) {
	for _, fd := range msg.FDs {
		_ = unix.Close(fd)
	}
	msg.FDs = nil
}
