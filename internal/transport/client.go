// Package transport implements one TCP connection per device,
// single-flight timed request/response with lazy reconnect. Applies a
// SetDeadline around every connection operation and a single
// goroutine-owns-the-socket discipline.
package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// ErrTimeout and ErrTransport are the two socket-level error categories
// a Client can surface; a Protocol error (malformed frame) is produced
// by the caller's ReadFunc and passed through unchanged.
var (
	ErrTimeout   = errors.New("transport: timeout")
	ErrTransport = errors.New("transport: io error")
)

// ReadFunc reads and validates exactly one response frame from conn. It
// owns framing knowledge (how many bytes make up one ADU/line) so
// Client stays protocol-agnostic. Framing- or decode-level failures
// should be returned as-is (e.g. a *modbus.ProtocolError) so Request
// can tell them apart from raw socket errors.
type ReadFunc func(conn net.Conn) ([]byte, error)

// Client is a single-flight TCP client for one device. At most one
// request is in flight at a time; callers serialize through Request.
type Client struct {
	mu      sync.Mutex
	host    string
	port    int
	conn    net.Conn
	connect func(network, addr string) (net.Conn, error) // test seam
}

// NewClient creates a Client for host:port. Connection is established
// lazily on the first Request.
func NewClient(host string, port int) *Client {
	return &Client{host: host, port: port}
}

// SetDialFunc overrides the dial function; used by tests to inject fake
// connections without a real listener.
func (c *Client) SetDialFunc(fn func(network, addr string) (net.Conn, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connect = fn
}

func (c *Client) addr() string { return fmt.Sprintf("%s:%d", c.host, c.port) }

// Connect dials the device if not already connected. Safe to call when
// already connected (no-op).
func (c *Client) Connect(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(deadline)
}

func (c *Client) connectLocked(deadline time.Time) error {
	if c.conn != nil {
		return nil
	}
	dial := c.connect
	if dial == nil {
		dial = (&net.Dialer{Deadline: deadline}).Dial
	}
	conn, err := dial("tcp", c.addr())
	if err != nil {
		return classify(err)
	}
	c.conn = conn
	return nil
}

// Close closes the underlying socket if open.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// IsConnected reports whether a socket is currently open. Liveness is
// inferred from successful reads, not from this flag alone.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Request performs one write (if payload is non-empty) followed by a
// caller-defined read, all before deadline. On any I/O error or
// deadline expiry it closes the socket so the next call reconnects.
func (c *Client) Request(payload []byte, deadline time.Time, read ReadFunc) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(deadline); err != nil {
		return nil, err
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		_ = c.closeLocked()
		return nil, classify(err)
	}
	if len(payload) > 0 {
		if _, err := c.conn.Write(payload); err != nil {
			_ = c.closeLocked()
			return nil, classify(err)
		}
	}
	resp, err := read(c.conn)
	if err != nil {
		if isSocketErr(err) {
			_ = c.closeLocked()
			return nil, classify(err)
		}
		// Protocol-level error from the codec: frame was malformed but
		// the socket itself is still presumably usable for the next
		// request, so we leave the connection open.
		return nil, err
	}
	return resp, nil
}

func isSocketErr(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

func classify(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrTransport, err)
}
