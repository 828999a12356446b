package proxy

import (
	"context"
	"io"
	"net"

	"github.com/die-net/relayd/internal/socks5"
)

// SOCKS5Handshake returns a HandshakeFunc that negotiates SOCKS5 with auth
// and queues the client's CONNECT target as a tunnel job.
func SOCKS5Handshake(auth socks5.Auth) HandshakeFunc {
	return func(_ context.Context, c net.Conn) (*Job, error) {
		target, atyp, err := socks5.ServerHandshake(c, auth)
		if err != nil {
			return nil, err
		}
		return &Job{Conn: c, Target: target, Reply: socks5Replier{atyp: atyp}}, nil
	}
}

type socks5Replier struct {
	atyp byte
}

func (socks5Replier) Established(w io.Writer, bound net.Addr) error {
	return socks5.WriteSuccessReply(w, bound)
}

func (r socks5Replier) Failed(w io.Writer, _ error) error {
	return socks5.WriteHostUnreachableReply(w, r.atyp)
}
