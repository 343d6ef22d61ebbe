//go:build !linux

package tunnel

import "net"

// applyKeepaliveProbes is a no-op on platforms without support for tuning
// individual keepalive probe parameters. Keepalive itself is still enabled
// portably via SetKeepAlive before this is called.
func applyKeepaliveProbes(tc *net.TCPConn, ka KeepaliveParams) error {
	return nil
}
