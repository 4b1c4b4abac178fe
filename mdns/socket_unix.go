//go:build linux || darwin || freebsd || netbsd || openbsd

package mdns

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// Other responders (avahi, mDNSResponder) usually hold 5353 already.
func reuseControl(_, _ string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		if opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); opErr != nil {
			return
		}
		opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return opErr
}
