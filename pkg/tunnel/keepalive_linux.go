//go:build linux

package tunnel

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// applyKeepaliveProbes tunes TCP keepalive probing on Linux with the raw
// TCP_KEEPCNT / TCP_KEEPIDLE / TCP_KEEPINTVL socket options. Parameters
// that are zero or negative are left at the kernel default.
func applyKeepaliveProbes(tc *net.TCPConn, ka KeepaliveParams) error {
	raw, err := tc.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sfd := int(fd)
		if ka.ProbeCount > 0 {
			sockErr = unix.SetsockoptInt(sfd, unix.IPPROTO_TCP, unix.TCP_KEEPCNT, ka.ProbeCount)
			if sockErr != nil {
				return
			}
		}
		if ka.Idle > 0 {
			sockErr = unix.SetsockoptInt(sfd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, seconds(ka.Idle))
			if sockErr != nil {
				return
			}
		}
		if ka.Interval > 0 {
			sockErr = unix.SetsockoptInt(sfd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, seconds(ka.Interval))
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}

// seconds converts a duration to whole seconds, rounding up so that small
// nonzero durations do not collapse to a zero (kernel default) value.
func seconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}
