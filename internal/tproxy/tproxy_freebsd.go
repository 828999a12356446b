//go:build freebsd

package tproxy

import (
	"net"

	"golang.org/x/sys/unix"
)

// IsSupported is true on TPROXY-supporting OSes.
const IsSupported = true

var errUnsupported error

// transparent sets IP_BINDANY so the socket accepts connections redirected
// by IPFW fwd or PF rdr-to. This needs PRIV_NETINET_BINDANY.
func transparent(fd uintptr) error {
	if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_BINDANY, 1); err == nil {
		return nil
	}
	return unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_BINDANY, 1)
}

// OriginalDst returns the accepted socket's local address, which the
// firewall preserves as the original destination.
func OriginalDst(c net.Conn) (*net.TCPAddr, bool) {
	return localDst(c)
}
