package session

import (
	"sync"
	"time"

	"github.com/sammck-go/logger"

	"github.com/sammck-go/looptunnel/pkg/obs"
)

// OperationGuard serializes the blocking calls a coordinator makes into the
// downstream session and bounds each one with a deadline. At most one
// guarded operation is in flight at a time; concurrent callers of Begin
// block until the prior operation fully releases.
//
// The guard never raises an error itself. An overrun is signaled two ways:
// the timed-out flag readable through IsTimedOut, and the side effect of
// the abort hook tearing the tunnel out from under the stuck call so it
// fails through its own error path.
//
// A known race exists: an operation may complete successfully just as its
// timer fires, producing a spurious tunnel abort after a successful result.
// Deadlines should therefore be generous.
type OperationGuard struct {
	logger.Logger

	// abortHook is invoked on overrun. It should abort the tunnel iff it is
	// currently connected, and report whether it did so; the rendezvous with
	// the stuck caller is only performed when it did.
	abortHook func() bool

	// token is the capacity-1 admission token: send acquires, receive
	// releases.
	token chan struct{}

	lock     sync.Mutex
	timeout  time.Duration
	timedOut bool
	timer    *time.Timer
}

// NewOperationGuard creates an OperationGuard. abortHook is called from the
// timer goroutine when a guarded operation overruns its deadline.
func NewOperationGuard(lg logger.Logger, abortHook func() bool) *OperationGuard {
	return &OperationGuard{
		Logger:    lg.ForkLogStr("OperationGuard"),
		abortHook: abortHook,
		token:     make(chan struct{}, 1),
	}
}

// SetTimeout sets the deadline applied to subsequently guarded operations.
// A value <= 0 means unbounded.
func (g *OperationGuard) SetTimeout(d time.Duration) {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.timeout = d
}

// Begin admits one operation. It clears the timed-out flag, blocks until
// any prior operation has fully released, then arms the deadline timer if
// one is configured. The caller performs its blocking downstream call after
// Begin returns and must pair every Begin with an End.
func (g *OperationGuard) Begin() {
	g.lock.Lock()
	g.timedOut = false
	g.lock.Unlock()

	g.token <- struct{}{}

	g.lock.Lock()
	if g.timeout > 0 {
		g.timer = time.AfterFunc(g.timeout, g.handleTimeout)
	}
	g.lock.Unlock()
}

// End releases the operation admitted by Begin. Stopping the timer is
// best-effort: a timer that already fired has either been handled or will
// observe the released token immediately, both harmless.
func (g *OperationGuard) End() {
	g.lock.Lock()
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.lock.Unlock()

	<-g.token
}

// IsTimedOut reports whether the most recent guarded operation exceeded its
// deadline.
func (g *OperationGuard) IsTimedOut() bool {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.timedOut
}

// handleTimeout runs on the timer goroutine when a guarded operation
// overruns. After aborting the tunnel it performs one acquire/release pair
// on the admission token: a pure rendezvous that blocks until the stuck
// caller has observed the abort and released, so the teardown is complete
// from the perspective of anyone ordered after this handler.
func (g *OperationGuard) handleTimeout() {
	g.lock.Lock()
	g.timedOut = true
	g.lock.Unlock()

	g.DLogf("guarded operation overran its deadline")
	obs.OperationTimeouts.Inc()

	if !g.abortHook() {
		return
	}

	// rendezvous with the in-flight caller
	g.token <- struct{}{}
	<-g.token
}
