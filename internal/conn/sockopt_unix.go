//go:build unix

package conn

import "golang.org/x/sys/unix"

// ReuseAddr sets SO_REUSEADDR so a restarted relayd can rebind while old
// connections sit in TIME_WAIT.
func ReuseAddr(fd uintptr) error {
	return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
}
