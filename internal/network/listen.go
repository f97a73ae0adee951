package network

import (
	"context"
	"net"
)

// Listen binds a TCP listener with SO_REUSEADDR set where the platform
// supports it, so a restarted process can rebind a port still in TIME_WAIT.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{Control: reuseAddrControl}
	return lc.Listen(ctx, "tcp", addr)
}
