package tunnel

import (
	"context"
	"net"
)

// RemoteDialer produces the remote side of a tunnel. It is the pluggable
// transport seam of a Channel: the default implementation dials plain TCP,
// and WebSocketRemoteDialer carries the same byte stream over a WebSocket
// for remotes reachable only through HTTP infrastructure. Implementations
// must honor ctx cancellation, which is how the Channel aborts an in-flight
// connect attempt.
type RemoteDialer interface {
	// DialContext connects to the remote service. addr is a "host:port"
	// address (its interpretation is implementation-specific). A returned
	// error fails this connect attempt only; future attempts may succeed.
	DialContext(ctx context.Context, addr string) (net.Conn, error)
}

// TCPRemoteDialer is the default RemoteDialer: a direct outbound TCP
// connection. Connect deadline enforcement is left to the Channel's
// lifecycle timer (the dial context is cancelled when the timer fires), so
// the dialer itself imposes no timeout.
type TCPRemoteDialer struct {
	dialer net.Dialer
}

// NewTCPRemoteDialer creates a TCPRemoteDialer.
func NewTCPRemoteDialer() *TCPRemoteDialer {
	return &TCPRemoteDialer{}
}

// DialContext connects to the remote TCP service at addr.
func (d *TCPRemoteDialer) DialContext(ctx context.Context, addr string) (net.Conn, error) {
	return d.dialer.DialContext(ctx, "tcp", addr)
}

// applyRemoteSocketOptions applies low-delay and keepalive options to a
// freshly connected remote conn, best-effort. Options only apply when the
// transport produced a real TCP socket; other transports silently skip
// them. A non-nil error is informational: the connection stays usable.
func applyRemoteSocketOptions(conn net.Conn, cfg Config) error {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if cfg.LowDelay {
		if err := tc.SetNoDelay(true); err != nil {
			return err
		}
	}
	if cfg.Keepalive.Enabled {
		if err := tc.SetKeepAlive(true); err != nil {
			return err
		}
		if err := applyKeepaliveProbes(tc, cfg.Keepalive); err != nil {
			return err
		}
	}
	return nil
}
