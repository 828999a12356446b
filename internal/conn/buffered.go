package conn

import (
	"bufio"
	"bytes"
	"net"
)

// BufferedConn is a net.Conn that returns bytes read ahead during
// negotiation before reading from the underlying connection again.
type BufferedConn struct {
	net.Conn
	pending []byte
}

// NewBufferedConn returns c with whatever br has buffered spliced in front of
// its reads. br is not used afterwards, so it may wrap c with different
// deadlines than the caller wants for the rest of the connection.
func NewBufferedConn(c net.Conn, br *bufio.Reader) net.Conn {
	if br == nil || br.Buffered() == 0 {
		return c
	}
	b, _ := br.Peek(br.Buffered())
	return &BufferedConn{Conn: c, pending: bytes.Clone(b)}
}

func (c *BufferedConn) Read(b []byte) (int, error) {
	if len(c.pending) > 0 {
		n := copy(b, c.pending)
		c.pending = c.pending[n:]
		return n, nil
	}
	return c.Conn.Read(b)
}
