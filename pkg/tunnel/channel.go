package tunnel

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"

	"github.com/sammck-go/looptunnel/pkg/obs"
)

// dialResult is posted by a remote dial goroutine exactly once.
type dialResult struct {
	gen  int
	conn net.Conn
	err  error
}

// Channel is the tunnel's connection lifecycle state machine. It owns the
// loopback endpoint, the remote connection and the relay, and drives them
// through open/close/abort transitions on a single dedicated worker
// goroutine. Lifecycle progress is reported on Events().
//
// Open and Close are asynchronous requests; Abort and the keepalive apply
// are synchronous and complete on the worker before returning. A Channel is
// reusable: after a tunnel is torn down, Open may be called again.
type Channel struct {
	*asyncobj.Helper

	cs     *configStore
	events chan Event

	// cmds delivers externally requested operations to the worker.
	cmds chan func()

	// stopC unblocks a worker stuck emitting an event once shutdown of the
	// whole Channel has started.
	stopC chan struct{}

	// workerDone is closed when the worker goroutine exits.
	workerDone chan struct{}

	// stateAtomic mirrors state for cross-goroutine State() queries.
	stateAtomic int32

	// Everything below is owned exclusively by the worker goroutine.

	state ChannelState

	// gen identifies the current open cycle. It is bumped on every open and
	// every teardown so that late results from dial/relay goroutines of a
	// previous cycle can be recognized and discarded.
	gen int

	lb         *LoopbackEndpoint
	acceptC    <-chan net.Conn
	localConn  net.Conn
	remote     net.Conn
	relayUp    bool
	dialCancel context.CancelFunc

	dialsInFlight  int
	relaysInFlight int
	dialDoneC      chan dialResult
	relayDoneC     chan relayResult

	timer    *time.Timer
	timerC   <-chan time.Time
	stopping bool
}

// NewChannel creates a Channel with the given configuration (nil selects
// defaults) and starts its worker. The caller must consume Events() while
// the Channel is in use, and should Close() the Channel when done with it.
func NewChannel(lg logger.Logger, cfg *Config) *Channel {
	ch := &Channel{
		cs:         newConfigStore(cfg),
		events:     make(chan Event, 16),
		cmds:       make(chan func()),
		stopC:      make(chan struct{}),
		workerDone: make(chan struct{}),
		dialDoneC:  make(chan dialResult),
		relayDoneC: make(chan relayResult),
		state:      Unconnected,
	}
	ch.Helper = asyncobj.NewHelper(lg.ForkLogStr("Channel"), ch)
	ch.SetIsActivated()

	go ch.run()

	return ch
}

// Events returns the stream of lifecycle events. Events are delivered in
// order; an EventError describing a failed transition always precedes the
// EventOpenResult/EventClosed that completes it. The channel is closed when
// the Channel shuts down.
func (ch *Channel) Events() <-chan Event {
	return ch.events
}

// State returns the current lifecycle state. It may be read from any
// goroutine; the state is only ever written by the worker.
func (ch *Channel) State() ChannelState {
	return ChannelState(atomic.LoadInt32(&ch.stateAtomic))
}

// Open asynchronously requests that the tunnel be opened to the given
// remote host and port. The outcome arrives as an EventOpenResult. Opening
// an already-open (or opening/closing) tunnel reports failure and leaves
// the existing tunnel untouched.
func (ch *Channel) Open(host string, port int) {
	ch.post(func() { ch.handleOpen(host, port) })
}

// Close asynchronously requests tunnel teardown. A graceful remote
// disconnect is attempted first, bounded by the connect timeout; closing
// always eventually reports EventClosed. Closing a tunnel that is not open
// reports EventClosed with Success=false.
func (ch *Channel) Close() {
	ch.post(func() { ch.handleClose() })
}

// Abort synchronously collapses the tunnel to Unconnected, releasing all
// resources and emitting no events. It has no effect while a graceful close
// is already in progress, or when the tunnel is not open. Abort is the
// teardown path used by owners that no longer listen for events.
func (ch *Channel) Abort() {
	ch.postWait(func() {
		if ch.state == Connecting || ch.state == Connected {
			ch.teardown()
		}
	})
}

// AbortWithNotice aborts a Connected tunnel and emits EventClosed so that
// lifecycle listeners observe the teardown. It has no effect (and returns
// false) in any other state. This is the teardown hook used by the
// operation guard when a guarded downstream call overruns its deadline.
func (ch *Channel) AbortWithNotice() bool {
	acted := false
	ch.postWait(func() {
		if ch.state != Connected {
			return
		}
		ch.teardown()
		acted = true
		obs.TunnelCloses.Inc()
		ch.emit(Event{Kind: EventClosed, Success: true})
	})
	return acted
}

// SetConnectTimeout sets the bound on remote connect attempts and graceful
// close drains. A value <= 0 means unbounded. Takes effect on the next
// transition that arms the lifecycle timer.
func (ch *Channel) SetConnectTimeout(d time.Duration) {
	ch.cs.setConnectTimeout(d)
}

// SetLowDelay enables or disables TCP_NODELAY on remote connections. Takes
// effect on the next open.
func (ch *Channel) SetLowDelay(enabled bool) {
	ch.cs.setLowDelay(enabled)
}

// SetKeepalive sets the keepalive parameters for remote connections. If the
// tunnel is currently Connected, the parameters are applied to the live
// remote connection before SetKeepalive returns; a failure to apply is
// reported as a non-fatal EventError and the connection stays open.
func (ch *Channel) SetKeepalive(ka KeepaliveParams) {
	ch.cs.setKeepalive(ka)
	if ch.State() == Connected {
		ch.postWait(func() { ch.applyKeepaliveNow() })
	}
}

// UnsetKeepalive disables keepalive configuration for future connections.
// The live connection, if any, is left as-is.
func (ch *Channel) UnsetKeepalive() {
	ch.cs.setKeepalive(KeepaliveParams{})
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// aborts any live tunnel, stops the worker, and closes the event stream.
func (ch *Channel) HandleOnceShutdown(completionErr error) error {
	close(ch.stopC)
	ch.cmds <- func() {
		if ch.state != Unconnected {
			ch.teardown()
		}
		ch.stopping = true
	}
	<-ch.workerDone
	close(ch.events)
	return completionErr
}

// post delivers fn to the worker without waiting for it to run. It is a
// no-op after shutdown.
func (ch *Channel) post(fn func()) {
	select {
	case ch.cmds <- fn:
	case <-ch.workerDone:
	}
}

// postWait delivers fn to the worker and blocks until it has run. Returns
// false if the worker has already exited.
func (ch *Channel) postWait(fn func()) bool {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	select {
	case ch.cmds <- wrapped:
	case <-ch.workerDone:
		return false
	}
	select {
	case <-done:
	case <-ch.workerDone:
		return false
	}
	return true
}

// run is the worker loop. All lifecycle state is touched only here. The
// loop keeps draining dial and relay completions after a stop request so
// those goroutines never leak.
func (ch *Channel) run() {
	for {
		select {
		case fn := <-ch.cmds:
			fn()
		case r := <-ch.dialDoneC:
			ch.dialsInFlight--
			ch.handleDialDone(r)
		case r := <-ch.relayDoneC:
			ch.relaysInFlight--
			ch.handleRelayDone(r)
		case conn := <-ch.acceptC:
			ch.handleAccepted(conn)
		case <-ch.timerC:
			ch.timerC = nil
			ch.timer = nil
			ch.handleTimer()
		}
		if ch.stopping && ch.dialsInFlight == 0 && ch.relaysInFlight == 0 {
			break
		}
	}
	close(ch.workerDone)
}

func (ch *Channel) setState(s ChannelState) {
	if s != ch.state {
		ch.DLogf("state %s -> %s", ch.state, s)
		ch.state = s
		atomic.StoreInt32(&ch.stateAtomic, int32(s))
	}
}

// emit delivers ev to the event stream, preserving per-transition ordering.
// If Channel shutdown has started and nobody is draining, the event is
// dropped rather than wedging the worker.
func (ch *Channel) emit(ev Event) {
	select {
	case ch.events <- ev:
	case <-ch.stopC:
		ch.DLogf("event dropped after shutdown: %s", ev)
	}
}

func (ch *Channel) armTimer(d time.Duration) {
	ch.disarmTimer()
	if d > 0 {
		ch.timer = time.NewTimer(d)
		ch.timerC = ch.timer.C
	}
}

func (ch *Channel) disarmTimer() {
	if ch.timer != nil {
		ch.timer.Stop()
		ch.timer = nil
		ch.timerC = nil
	}
}

func (ch *Channel) handleOpen(host string, port int) {
	if ch.state != Unconnected {
		ch.DLogf("Open rejected in state %s", ch.state)
		obs.TunnelOpens.WithLabelValues("failure").Inc()
		ch.emit(Event{Kind: EventOpenResult, Success: false})
		return
	}

	lb, err := NewLoopbackEndpoint(ch.Logger)
	if err != nil {
		obs.TunnelOpens.WithLabelValues("failure").Inc()
		ch.emit(Event{Kind: EventError, Message: "failed to start local loopback listener: " + err.Error()})
		ch.emit(Event{Kind: EventOpenResult, Success: false})
		return
	}
	ch.lb = lb
	ch.acceptC = lb.AcceptedChan()
	ch.setState(Connecting)
	ch.gen++

	cfg := ch.cs.snapshot()
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ch.ILogf("Opening tunnel :%d -> %s", lb.Port(), addr)

	ctx, cancel := context.WithCancel(context.Background())
	ch.dialCancel = cancel
	gen := ch.gen
	ch.dialsInFlight++
	go func() {
		conn, dialErr := cfg.Dialer.DialContext(ctx, addr)
		ch.dialDoneC <- dialResult{gen: gen, conn: conn, err: dialErr}
	}()

	ch.armTimer(cfg.ConnectTimeout)
}

func (ch *Channel) handleDialDone(r dialResult) {
	if r.gen != ch.gen {
		// result from a cycle that has since been torn down
		if r.conn != nil {
			abortConn(r.conn)
		}
		return
	}
	ch.dialCancel = nil
	ch.disarmTimer()

	if r.err != nil {
		ch.teardown()
		obs.TunnelOpens.WithLabelValues("failure").Inc()
		ch.emit(Event{Kind: EventError, Message: "remote connection error: " + r.err.Error()})
		ch.emit(Event{Kind: EventOpenResult, Success: false})
		return
	}

	ch.remote = r.conn
	if err := applyRemoteSocketOptions(r.conn, ch.cs.snapshot()); err != nil {
		// non-fatal; the connection stays open
		ch.emit(Event{Kind: EventError, Message: "failed to set socket options on remote connection: " + err.Error()})
	}
	ch.setState(Connected)
	ch.ILogf("Tunnel open, local port %d", ch.lb.Port())
	obs.TunnelOpens.WithLabelValues("success").Inc()
	ch.emit(Event{Kind: EventOpenResult, Success: true, LocalPort: ch.lb.Port()})

	if ch.localConn != nil {
		ch.startRelayPair()
	}
}

func (ch *Channel) handleAccepted(conn net.Conn) {
	ch.acceptC = nil
	ch.localConn = conn
	switch ch.state {
	case Connected, Closing:
		ch.startRelayPair()
	case Connecting:
		// local client raced ahead of the remote connect; the relay starts
		// once the remote side is up
	default:
		abortConn(conn)
		ch.localConn = nil
	}
}

func (ch *Channel) startRelayPair() {
	if ch.relayUp || ch.localConn == nil || ch.remote == nil {
		return
	}
	ch.relaysInFlight++
	startRelay(ch.Logger, ch.gen, ch.localConn, ch.remote, ch.relayDoneC)
	ch.relayUp = true
}

func (ch *Channel) handleTimer() {
	switch ch.state {
	case Connecting:
		ch.teardown()
		obs.ConnectTimeouts.Inc()
		obs.TunnelOpens.WithLabelValues("failure").Inc()
		ch.emit(Event{Kind: EventError, Message: "remote connect attempt timed out"})
		ch.emit(Event{Kind: EventOpenResult, Success: false})
	case Closing:
		ch.teardown()
		obs.TunnelCloses.Inc()
		ch.emit(Event{Kind: EventError, Message: "remote disconnect attempt timed out, aborting"})
		ch.emit(Event{Kind: EventClosed, Success: true})
	default:
		// stale timer for a transition that already completed
	}
}

func (ch *Channel) handleClose() {
	switch ch.state {
	case Unconnected:
		ch.emit(Event{Kind: EventClosed, Success: false})
	case Connecting:
		ch.teardown()
		obs.TunnelCloses.Inc()
		ch.emit(Event{Kind: EventClosed, Success: true})
	case Connected:
		ch.setState(Closing)
		// half-close toward the remote so the peer sees EOF; the relay keeps
		// draining the reverse direction until the peer closes or the timer
		// gives up
		if whc, ok := ch.remote.(WriteHalfCloser); ok {
			whc.CloseWrite()
		} else {
			ch.remote.Close()
		}
		if !ch.relayUp {
			// no local client ever attached; drain the remote ourselves so
			// the peer's own close completes the graceful disconnect
			ch.relaysInFlight++
			gen := ch.gen
			remote := ch.remote
			go func() {
				io.Copy(io.Discard, remote)
				ch.relayDoneC <- relayResult{gen: gen}
			}()
			ch.relayUp = true
		}
		ch.armTimer(ch.cs.connectTimeout())
	case Closing:
		// already closing
	}
}

func (ch *Channel) handleRelayDone(r relayResult) {
	if r.gen != ch.gen {
		return
	}
	ch.relayUp = false
	switch ch.state {
	case Connected:
		// unexpected teardown by the remote peer or the local client; the
		// same Closed event is used as for a requested close
		ch.teardown()
		obs.TunnelCloses.Inc()
		ch.emit(Event{Kind: EventClosed, Success: true})
	case Closing:
		ch.disarmTimer()
		ch.teardown()
		obs.TunnelCloses.Inc()
		ch.emit(Event{Kind: EventClosed, Success: true})
	}
}

// applyKeepaliveNow applies the current keepalive parameters to the live
// remote connection. Failure is reported as a non-fatal EventError.
func (ch *Channel) applyKeepaliveNow() {
	ka := ch.cs.keepalive()
	if !ka.Enabled || ch.remote == nil {
		return
	}
	tc, ok := ch.remote.(*net.TCPConn)
	if !ok {
		return
	}
	err := tc.SetKeepAlive(true)
	if err == nil {
		err = applyKeepaliveProbes(tc, ka)
	}
	if err != nil {
		ch.emit(Event{Kind: EventError, Message: "failed to set keepalive options on remote connection: " + err.Error()})
	}
}

// teardown releases every resource of the current open cycle and returns
// the state machine to Unconnected. It emits no events; callers decide what
// to report. Bumping gen invalidates any in-flight dial or relay results.
func (ch *Channel) teardown() {
	if ch.dialCancel != nil {
		ch.dialCancel()
		ch.dialCancel = nil
	}
	ch.disarmTimer()
	if ch.remote != nil {
		abortConn(ch.remote)
		ch.remote = nil
	}
	if ch.lb != nil {
		// closes the listener and force-aborts the accepted local conn
		ch.lb.StartShutdown(nil)
		ch.lb = nil
	}
	ch.acceptC = nil
	ch.localConn = nil
	ch.relayUp = false
	ch.gen++
	ch.setState(Unconnected)
}
