//go:build linux

package tproxy

import (
	"encoding/binary"
	"net"

	"golang.org/x/sys/unix"
)

// IsSupported is true on TPROXY-supporting OSes.
const IsSupported = true

var errUnsupported error

// transparent sets IP_TRANSPARENT so the socket accepts connections
// addressed to other hosts. This needs CAP_NET_ADMIN.
func transparent(fd uintptr) error {
	return unix.SetsockoptInt(int(fd), unix.SOL_IP, unix.IP_TRANSPARENT, 1)
}

// OriginalDst returns where a redirected connection was headed. It asks
// netfilter first (REDIRECT/DNAT) and falls back to the local address,
// which TPROXY leaves intact.
func OriginalDst(c net.Conn) (*net.TCPAddr, bool) {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return nil, false
	}
	rc, err := tc.SyscallConn()
	if err != nil {
		return nil, false
	}

	var addr *net.TCPAddr
	_ = rc.Control(func(fd uintptr) {
		// The kernel writes a sockaddr_in; IPv6Mreq is just a buffer of the
		// right size.
		mreq, err := unix.GetsockoptIPv6Mreq(int(fd), unix.SOL_IP, unix.SO_ORIGINAL_DST)
		if err != nil {
			return
		}
		raw := mreq.Multiaddr
		if binary.NativeEndian.Uint16(raw[0:2]) != unix.AF_INET {
			return
		}
		addr = &net.TCPAddr{
			IP:   net.IPv4(raw[4], raw[5], raw[6], raw[7]),
			Port: int(binary.BigEndian.Uint16(raw[2:4])),
		}
	})
	if addr != nil {
		return addr, true
	}
	return localDst(c)
}
