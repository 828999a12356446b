//go:build !linux && !freebsd && !openbsd

package tproxy

import (
	"errors"
	"net"
)

const IsSupported = false

var errUnsupported = errors.New("transparent proxy is not supported on this platform")

func transparent(uintptr) error {
	return errUnsupported
}

func OriginalDst(net.Conn) (*net.TCPAddr, bool) {
	return nil, false
}
