package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"sync/atomic"
	"time"
)

// ConnectionConfig configures timeouts applied to a Connection.
type ConnectionConfig struct {
	IdleTimeout    time.Duration
	CommandTimeout time.Duration
}

// Connection wraps a single accepted net.Conn with buffered I/O, timeout
// management and an in-place TLS upgrade path (for STARTTLS-style
// protocols). It is never shared across goroutines.
type Connection struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	idleTimeout    time.Duration
	commandTimeout time.Duration

	isTLS  atomic.Bool
	closed atomic.Bool
}

// NewConnection wraps conn with the given timeout configuration.
func NewConnection(conn net.Conn, cfg ConnectionConfig, tlsAlready bool) *Connection {
	c := &Connection{
		conn:           conn,
		reader:         bufio.NewReader(conn),
		writer:         bufio.NewWriter(conn),
		idleTimeout:    cfg.IdleTimeout,
		commandTimeout: cfg.CommandTimeout,
	}
	c.isTLS.Store(tlsAlready)
	return c
}

// Reader returns the connection's buffered reader.
func (c *Connection) Reader() *bufio.Reader { return c.reader }

// Writer returns the connection's buffered writer.
func (c *Connection) Writer() *bufio.Writer { return c.writer }

// Flush writes any buffered output to the underlying socket.
func (c *Connection) Flush() error { return c.writer.Flush() }

// IsTLS reports whether the connection is currently using TLS.
func (c *Connection) IsTLS() bool { return c.isTLS.Load() }

// IsClosed reports whether Close has been called on this connection.
func (c *Connection) IsClosed() bool { return c.closed.Load() }

// SetCommandTimeout arms the read deadline for the next command line.
func (c *Connection) SetCommandTimeout() error {
	if c.commandTimeout <= 0 {
		return nil
	}
	return c.conn.SetReadDeadline(time.Now().Add(c.commandTimeout))
}

// ResetIdleTimeout re-arms the read deadline to the longer idle window,
// called after a command completes successfully.
func (c *Connection) ResetIdleTimeout() error {
	if c.idleTimeout <= 0 {
		return nil
	}
	return c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
}

// UpgradeToTLS performs a server-side TLS handshake in place, replacing
// the connection's reader/writer with ones backed by the TLS conn. Used
// for STARTTLS-style protocol upgrades.
func (c *Connection) UpgradeToTLS(cfg *tls.Config) error {
	if c.isTLS.Load() {
		return ErrAlreadyTLS
	}
	tlsConn := tls.Server(c.conn, cfg)
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		return err
	}
	c.conn = tlsConn
	c.reader = bufio.NewReader(tlsConn)
	c.writer = bufio.NewWriter(tlsConn)
	c.isTLS.Store(true)
	return nil
}

// RemoteAddr returns the remote network address of the connection.
func (c *Connection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Close closes the underlying connection.
func (c *Connection) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}
