package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/geode-project/geode/internal/util"
)

// ErrClosed means the host link is gone. Every pending request fails with it.
var ErrClosed = errors.New("host link closed")

// WriteTimeout bounds every write to the host.
const WriteTimeout = 10 * time.Second

// Connection wraps the TCP connection to the host. Reads happen on the
// extension's event loop only; writes may come from any goroutine and are
// serialized.
type Connection struct {
	mu     sync.Mutex
	conn   net.Conn
	logger zerolog.Logger

	connectedAt  time.Time
	lastActivity time.Time

	closed bool
}

// NewConnection wraps an existing net.Conn.
func NewConnection(conn net.Conn) *Connection {
	now := time.Now()
	return &Connection{
		conn:         conn,
		connectedAt:  now,
		lastActivity: now,
		logger:       util.ComponentLogger("connection").With().Str("remote", conn.RemoteAddr().String()).Logger(),
	}
}

// DialConnection connects to the host at addr.
func DialConnection(ctx context.Context, addr string) (*Connection, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to host %s: %w", addr, err)
	}
	return NewConnection(conn), nil
}

// ReadMessage reads one message. A timeout of zero waits indefinitely.
// End of stream and use of a closed connection are reported as ErrClosed.
func (c *Connection) ReadMessage(timeout time.Duration) (uint16, []byte, error) {
	if timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
	} else {
		c.conn.SetReadDeadline(time.Time{})
	}

	// Normalize the ways a dropped link surfaces
	id, body, err := ReadMessage(c.conn)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
			errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
			return 0, nil, fmt.Errorf("%w: %v", ErrClosed, err)
		}
		return 0, nil, err
	}

	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()

	return id, body, nil
}

// WriteMessage sends one message.
func (c *Connection) WriteMessage(id uint16, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	// A stalled host must not hold the write lock forever
	c.conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	if err := WriteMessage(c.conn, id, body); err != nil {
		return err
	}

	c.lastActivity = time.Now()
	return nil
}

// Close closes the connection.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	c.logger.Debug().Msg("connection closed")
	return c.conn.Close()
}

// IsClosed returns whether the connection has been closed.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// LastActivity returns the time of the last read/write activity.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// ConnectedAt returns the time the connection was established.
func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

// RemoteAddr returns the remote address of the connection.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
