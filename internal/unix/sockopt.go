//go:build linux || darwin

package unix

import (
	"syscall"

	sys "golang.org/x/sys/unix"
)

// ReusePort is a net.ListenConfig Control func that sets SO_REUSEPORT, so
// several processes can accept on one address.
func ReusePort(_, _ string, c syscall.RawConn) error {
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		sockErr = sys.SetsockoptInt(int(fd), sys.SOL_SOCKET, sys.SO_REUSEPORT, 1)
	}); err != nil {
		return err
	}
	return sockErr
}
