//go:build openbsd

package tproxy

import (
	"net"

	"golang.org/x/sys/unix"
)

// IsSupported is true on TPROXY-supporting OSes.
const IsSupported = true

var errUnsupported error

// transparent sets SO_BINDANY, a socket-level option on OpenBSD, so the
// socket accepts connections redirected by PF rdr-to. This needs root.
func transparent(fd uintptr) error {
	return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BINDANY, 1)
}

// OriginalDst returns the accepted socket's local address, which PF
// preserves as the original destination.
func OriginalDst(c net.Conn) (*net.TCPAddr, bool) {
	return localDst(c)
}
