package server

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

var lc = net.ListenConfig{
	Control: func(network, address string, c syscall.RawConn) error {
		var opErr error
		if err := c.Control(func(fd uintptr) {
			opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
		}); err != nil {
			return err
		}
		return opErr
	},
}

// Listen binds a TCP listener with SO_REUSEPORT set, so any number of
// worker processes can bind the same address and let the kernel spread
// connections between them.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	return lc.Listen(ctx, "tcp", addr)
}
