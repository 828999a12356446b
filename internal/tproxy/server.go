package tproxy

import (
	"context"
	"errors"
	"net"

	"github.com/die-net/relayd/internal/conn"
	"github.com/die-net/relayd/internal/proxy"
)

var errNoOriginalDst = errors.New("original destination unavailable")

// Listen opens a transparent listener on addr.
func Listen(ctx context.Context, addr string, ka net.KeepAliveConfig) (net.Listener, error) {
	if !IsSupported {
		return nil, errUnsupported
	}
	return conn.ListenTCP(ctx, "tcp", addr, ka, conn.ReuseAddr, transparent)
}

// Handshake is a proxy.HandshakeFunc that tunnels the connection to where
// the client originally meant it to go.
func Handshake(_ context.Context, c net.Conn) (*proxy.Job, error) {
	dst, ok := OriginalDst(c)
	if !ok {
		return nil, errNoOriginalDst
	}
	return &proxy.Job{Conn: c, Target: dst.String()}, nil
}

// localDst is the original destination on systems where the firewall
// preserves it as the accepted socket's local address.
func localDst(c net.Conn) (*net.TCPAddr, bool) {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return nil, false
	}
	addr, ok := tc.LocalAddr().(*net.TCPAddr)
	return addr, ok
}
