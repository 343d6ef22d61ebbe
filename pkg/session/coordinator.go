package session

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"

	"github.com/sammck-go/looptunnel/pkg/tunnel"
)

// Config carries the tunable parameters of a Coordinator. The zero value is
// usable: default tunnel configuration, unbounded operation timeout, no
// open retry.
type Config struct {
	// Tunnel configures the underlying tunnel Channel. nil selects the
	// tunnel defaults.
	Tunnel *tunnel.Config

	// OperationTimeout bounds each guarded downstream call. <= 0 means
	// unbounded.
	OperationTimeout time.Duration

	// MaxRetryCount is the number of times a failed tunnel open is retried
	// with backoff before the failure is reported. 0 disables retry.
	MaxRetryCount int

	// MaxRetryInterval caps the retry backoff. Zero selects one minute.
	MaxRetryInterval time.Duration
}

// Coordinator owns one tunnel Channel on its dedicated worker plus the
// lifetime of one downstream Session, and routes every session call through
// an OperationGuard. The Session exists only while the tunnel is Connected;
// it is constructed against the loopback port when the tunnel opens and torn
// down before (or together with) the tunnel on every close path.
type Coordinator struct {
	*asyncobj.Helper

	ch      *tunnel.Channel
	guard   *OperationGuard
	factory SessionFactory
	events  chan Event

	maxRetryCount    int
	maxRetryInterval time.Duration

	// stopC unblocks event emission and retry sleeps once shutdown starts.
	stopC chan struct{}

	// pumpDone is closed when the event pump goroutine exits.
	pumpDone chan struct{}

	lock     sync.Mutex
	sess     Session
	opening  bool
	openHost string
	openPort int
}

// NewCoordinator creates a Coordinator. factory builds the downstream
// session once the tunnel reports open. The caller must consume Events()
// and should Close() the Coordinator when done with it.
func NewCoordinator(lg logger.Logger, factory SessionFactory, cfg *Config) *Coordinator {
	if cfg == nil {
		cfg = &Config{}
	}
	maxRetryInterval := cfg.MaxRetryInterval
	if maxRetryInterval <= 0 {
		maxRetryInterval = time.Minute
	}
	myLogger := lg.ForkLogStr("Coordinator")
	c := &Coordinator{
		ch:               tunnel.NewChannel(myLogger, cfg.Tunnel),
		factory:          factory,
		events:           make(chan Event, 16),
		maxRetryCount:    cfg.MaxRetryCount,
		maxRetryInterval: maxRetryInterval,
		stopC:            make(chan struct{}),
		pumpDone:         make(chan struct{}),
	}
	c.guard = NewOperationGuard(myLogger, c.ch.AbortWithNotice)
	c.guard.SetTimeout(cfg.OperationTimeout)
	c.Helper = asyncobj.NewHelper(myLogger, c)
	c.SetIsActivated()

	go c.pump()

	return c
}

// Events returns the stream of coordinator notifications. The channel is
// closed when the Coordinator shuts down.
func (c *Coordinator) Events() <-chan Event {
	return c.events
}

// Tunnel returns the underlying tunnel Channel, mainly for configuration
// pass-through and state inspection.
func (c *Coordinator) Tunnel() *tunnel.Channel {
	return c.ch
}

// IsOpen reports whether a downstream session currently exists.
func (c *Coordinator) IsOpen() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.sess != nil
}

// SetOperationTimeout sets the deadline applied to subsequently guarded
// downstream calls. <= 0 means unbounded.
func (c *Coordinator) SetOperationTimeout(d time.Duration) {
	c.guard.SetTimeout(d)
}

// Open asynchronously opens the tunnel to the remote host/port and, once it
// is up, constructs the downstream session against the local loopback port.
// The outcome arrives as an EventOpenResult. Returns ErrAlreadyOpen if a
// session exists or an open is already in flight.
func (c *Coordinator) Open(host string, port int) error {
	c.lock.Lock()
	if c.sess != nil || c.opening {
		c.lock.Unlock()
		return ErrAlreadyOpen
	}
	c.opening = true
	c.openHost = host
	c.openPort = port
	c.lock.Unlock()

	c.ch.Open(host, port)
	return nil
}

// Close tears down the downstream session first, so no session call can
// race the closing tunnel, then requests tunnel teardown. EventClosed
// arrives when the tunnel is down. Returns ErrNotOpen if nothing is open.
func (c *Coordinator) Close() error {
	c.lock.Lock()
	sess := c.sess
	if sess == nil && !c.opening {
		c.lock.Unlock()
		return ErrNotOpen
	}
	c.sess = nil
	c.opening = false
	c.lock.Unlock()

	if sess != nil {
		sess.Close()
	}
	c.ch.Close()
	return nil
}

// Do performs one guarded downstream call. It rejects immediately with
// ErrNotOpen when no live session exists; otherwise it admits the call
// through the operation guard, runs op on the caller's goroutine (the
// downstream library blocks there), and classifies any failure: if the
// guard's deadline fired, the tunnel has been aborted under the call and
// ErrOperationTimeout is returned; otherwise the downstream error is
// returned as-is. At most one Do is in flight per Coordinator; concurrent
// callers block in the guard.
func (c *Coordinator) Do(op func(sess Session) error) error {
	c.lock.Lock()
	sess := c.sess
	c.lock.Unlock()
	if sess == nil || !sess.IsConnected() {
		return ErrNotOpen
	}

	c.guard.Begin()
	err := op(sess)
	if err != nil {
		if c.guard.IsTimedOut() {
			c.emit(Event{Kind: EventError, Message: "session operation timed out"})
			err = ErrOperationTimeout
		} else {
			detail := err
			if le := sess.LastError(); le != nil {
				detail = le
			}
			c.emit(Event{Kind: EventError, Message: "session operation failed: " + detail.Error()})
		}
	}
	c.guard.End()
	return err
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// drops the downstream session, silently aborts the tunnel (the destructor
// path emits no lifecycle events), and stops the event pump.
func (c *Coordinator) HandleOnceShutdown(completionErr error) error {
	close(c.stopC)

	c.lock.Lock()
	sess := c.sess
	c.sess = nil
	c.opening = false
	c.lock.Unlock()
	if sess != nil {
		sess.Close()
	}

	c.ch.Abort()
	c.ch.StartShutdown(nil)
	c.ch.WaitShutdown()
	<-c.pumpDone
	close(c.events)
	return completionErr
}

// emit delivers ev to the owner, unless shutdown has started and nobody is
// draining.
func (c *Coordinator) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.stopC:
		c.DLogf("event dropped after shutdown: %s", ev)
	}
}

// pump consumes tunnel lifecycle events for the life of the Coordinator,
// keeping the downstream session's existence in lockstep with the tunnel's
// Connected state. It exits when the tunnel's event stream closes.
func (c *Coordinator) pump() {
	b := &backoff.Backoff{Max: c.maxRetryInterval}
	for ev := range c.ch.Events() {
		switch ev.Kind {
		case tunnel.EventError:
			c.emit(Event{Kind: EventError, Message: ev.Message})
		case tunnel.EventOpenResult:
			if ev.Success {
				c.handleTunnelOpened(ev.LocalPort, b)
			} else {
				c.handleTunnelOpenFailed(b)
			}
		case tunnel.EventClosed:
			if ev.Success {
				c.handleTunnelClosed()
			}
		}
	}
	close(c.pumpDone)
}

func (c *Coordinator) handleTunnelOpened(localPort int, b *backoff.Backoff) {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(localPort))
	sess, err := c.factory(c.Logger, addr)
	if err == nil && !sess.IsConnected() {
		err = sess.LastError()
		if err == nil {
			err = c.Errorf("downstream session reports not connected")
		}
		sess.Close()
		sess = nil
	}
	if err != nil {
		if sess != nil {
			sess.Close()
		}
		c.ch.Abort()
		c.lock.Lock()
		c.opening = false
		c.lock.Unlock()
		c.emit(Event{Kind: EventError, Message: "downstream session setup failed: " + err.Error()})
		c.emit(Event{Kind: EventOpenResult, Success: false})
		return
	}

	c.lock.Lock()
	c.sess = sess
	c.opening = false
	c.lock.Unlock()
	b.Reset()
	c.emit(Event{Kind: EventOpenResult, Success: true})
}

func (c *Coordinator) handleTunnelOpenFailed(b *backoff.Backoff) {
	c.lock.Lock()
	opening := c.opening
	host := c.openHost
	port := c.openPort
	c.lock.Unlock()

	attempt := int(b.Attempt())
	if opening && c.maxRetryCount > 0 && attempt < c.maxRetryCount {
		d := b.Duration()
		c.ILogf("Tunnel open failed (attempt %d/%d), retrying in %s", attempt+1, c.maxRetryCount, d)
		select {
		case <-time.After(d):
			c.ch.Open(host, port)
			return
		case <-c.stopC:
			return
		}
	}

	c.lock.Lock()
	c.opening = false
	c.lock.Unlock()
	c.emit(Event{Kind: EventOpenResult, Success: false})
}

func (c *Coordinator) handleTunnelClosed() {
	c.lock.Lock()
	sess := c.sess
	c.sess = nil
	c.opening = false
	c.lock.Unlock()
	if sess != nil {
		sess.Close()
	}
	c.emit(Event{Kind: EventClosed})
}
