package proxy

import (
	"bufio"
	"io"
	"net"
	"time"

	"github.com/die-net/relayd/internal/conn"
)

// Job is one accepted client connection waiting for a worker.
//
// Once a Job is enqueued the worker that dequeues it owns Conn and is
// responsible for closing it.
type Job struct {
	Conn     net.Conn
	Source   string
	Accepted time.Time

	// Target is set when the inbound protocol already named a destination
	// (SOCKS5, transparent proxy). The worker then opens a tunnel to it
	// instead of reading an HTTP request.
	Target string
	// Reply tells the client how tunnel setup went. Nil sends nothing.
	Reply TunnelReplier
}

// TunnelReplier writes the inbound protocol's answer to a tunnel request.
type TunnelReplier interface {
	// Established is called once the upstream tunnel is open. bound is the
	// local address of the upstream connection.
	Established(w io.Writer, bound net.Addr) error
	// Failed is called when the tunnel could not be opened.
	Failed(w io.Writer, cause error) error
}

type silentReplier struct{}

func (silentReplier) Established(io.Writer, net.Addr) error { return nil }
func (silentReplier) Failed(io.Writer, error) error         { return nil }

const (
	connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"
	connectFailed      = "HTTP/1.1 502 Bad Gateway\r\nContent-Length: 0\r\nConnection: close\r\n\r\n"
)

// httpReplier answers an HTTP CONNECT request.
type httpReplier struct{}

func (httpReplier) Established(w io.Writer, _ net.Addr) error {
	_, err := io.WriteString(w, connectEstablished)
	return err
}

func (httpReplier) Failed(w io.Writer, _ error) error {
	_, err := io.WriteString(w, connectFailed)
	return err
}

// clientConn is a client connection being served by a worker.
type clientConn struct {
	raw  net.Conn
	conn net.Conn // raw with the client idle timeout applied
	br   *bufio.Reader
	bw   *bufio.Writer
}

func newClientConn(c net.Conn, timeout time.Duration) *clientConn {
	idle := conn.WithIdleTimeout(c, timeout)
	return &clientConn{
		raw:  c,
		conn: idle,
		br:   bufio.NewReader(idle),
		bw:   bufio.NewWriter(idle),
	}
}

// tunnelConn returns the raw connection with any bytes the client sent
// ahead of the tunnel still readable. Deadlines left by the client timeout
// are cleared; the tunnel applies its own.
func (c *clientConn) tunnelConn() net.Conn {
	_ = c.raw.SetDeadline(time.Time{})
	return conn.NewBufferedConn(c.raw, c.br)
}
