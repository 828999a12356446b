package conn

import (
	"net"
	"time"
)

type idleConn struct {
	net.Conn
	timeout time.Duration
}

// WithIdleTimeout returns c with a deadline of timeout applied before every
// Read and Write, so a peer that stops making progress fails the operation
// instead of blocking forever. A non-positive timeout returns c unchanged.
func WithIdleTimeout(c net.Conn, timeout time.Duration) net.Conn {
	if timeout <= 0 {
		return c
	}
	return &idleConn{Conn: c, timeout: timeout}
}

func (c *idleConn) Read(b []byte) (int, error) {
	_ = c.Conn.SetReadDeadline(time.Now().Add(c.timeout))
	return c.Conn.Read(b)
}

func (c *idleConn) Write(b []byte) (int, error) {
	_ = c.Conn.SetWriteDeadline(time.Now().Add(c.timeout))
	return c.Conn.Write(b)
}
