package tunnel

import (
	"sync"
	"time"
)

// KeepaliveParams configures TCP keepalive probing on the remote connection.
// Probe tuning beyond Enabled is platform-limited; on platforms without
// support the extra parameters are silently ignored.
type KeepaliveParams struct {
	// Enabled turns keepalive probing on.
	Enabled bool

	// ProbeCount is the number of unacknowledged probes before the
	// connection is considered dead (TCP_KEEPCNT).
	ProbeCount int

	// Idle is how long the connection may sit idle before probing starts
	// (TCP_KEEPIDLE).
	Idle time.Duration

	// Interval is the gap between successive probes (TCP_KEEPINTVL).
	Interval time.Duration
}

// Config carries the tunable parameters of a Channel. The zero value is
// usable: unbounded connect timeout, no keepalive, no low-delay, TCP remote
// transport. Fields may be mutated through the setter methods on Channel at
// any time, including while a tunnel is open; they are lock-protected since
// they are written from outside the worker.
type Config struct {
	// ConnectTimeout bounds the remote connect attempt and the graceful
	// close drain. A value <= 0 means unbounded.
	ConnectTimeout time.Duration

	// LowDelay disables Nagle's algorithm on the remote connection
	// (TCP_NODELAY) when the transport is plain TCP.
	LowDelay bool

	// Keepalive configures keepalive probing on the remote connection when
	// the transport is plain TCP.
	Keepalive KeepaliveParams

	// Dialer produces the remote connection. nil selects TCPRemoteDialer.
	Dialer RemoteDialer
}

// configStore is the lock-protected holder of mutable Channel configuration.
type configStore struct {
	lock sync.Mutex
	cfg  Config
}

func newConfigStore(cfg *Config) *configStore {
	cs := &configStore{}
	if cfg != nil {
		cs.cfg = *cfg
	}
	if cs.cfg.Dialer == nil {
		cs.cfg.Dialer = NewTCPRemoteDialer()
	}
	return cs
}

func (cs *configStore) snapshot() Config {
	cs.lock.Lock()
	defer cs.lock.Unlock()
	return cs.cfg
}

func (cs *configStore) connectTimeout() time.Duration {
	cs.lock.Lock()
	defer cs.lock.Unlock()
	return cs.cfg.ConnectTimeout
}

func (cs *configStore) setConnectTimeout(d time.Duration) {
	cs.lock.Lock()
	defer cs.lock.Unlock()
	cs.cfg.ConnectTimeout = d
}

func (cs *configStore) setLowDelay(enabled bool) {
	cs.lock.Lock()
	defer cs.lock.Unlock()
	cs.cfg.LowDelay = enabled
}

func (cs *configStore) setKeepalive(ka KeepaliveParams) {
	cs.lock.Lock()
	defer cs.lock.Unlock()
	cs.cfg.Keepalive = ka
}

func (cs *configStore) keepalive() KeepaliveParams {
	cs.lock.Lock()
	defer cs.lock.Unlock()
	return cs.cfg.Keepalive
}
