package tunnel

import (
	"net"

	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// LoopbackEndpoint binds an ephemeral loopback TCP port and accepts exactly
// one inbound connection per listen cycle. After the single connection is
// accepted the listener stays bound (so the port is never reused while the
// owning tunnel is active) but no further connections are accepted.
type LoopbackEndpoint struct {
	*asyncobj.Helper

	// accepted delivers the single accepted conn from the acceptor
	// goroutine. It is buffered so the acceptor never blocks on delivery.
	accepted chan net.Conn

	nl   net.Listener
	port int

	// conn is the single accepted connection, retained so shutdown can
	// force-abort it.
	conn net.Conn
}

// NewLoopbackEndpoint creates a LoopbackEndpoint and binds it to an
// ephemeral 127.0.0.1 port. On success the endpoint is listening and its
// acceptor goroutine is running; the caller receives the accepted connection
// from AcceptedChan().
func NewLoopbackEndpoint(logger logger.Logger) (*LoopbackEndpoint, error) {
	nl, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	ep := &LoopbackEndpoint{
		accepted: make(chan net.Conn, 1),
		nl:       nl,
		port:     nl.Addr().(*net.TCPAddr).Port,
	}
	ep.Helper = asyncobj.NewHelper(logger.ForkLog("LoopbackEndpoint(:%d)", ep.port), ep)
	ep.SetIsActivated()

	go ep.acceptOne()

	return ep, nil
}

// Port returns the ephemeral loopback port this endpoint is bound to.
func (ep *LoopbackEndpoint) Port() int {
	return ep.port
}

// AcceptedChan returns a chan on which the single accepted connection is
// delivered. At most one conn is ever sent; the chan is never closed.
func (ep *LoopbackEndpoint) AcceptedChan() <-chan net.Conn {
	return ep.accepted
}

// acceptOne runs in its own goroutine. nl.Accept is not cancellable; it is
// unblocked by HandleOnceShutdown closing the listener.
func (ep *LoopbackEndpoint) acceptOne() {
	conn, err := ep.nl.Accept()
	if err != nil {
		// listener closed by shutdown
		ep.DLogf("Accept ended: %s", err)
		return
	}
	if ep.DeferShutdown() != nil {
		// shutdown already started; the conn must not escape
		abortConn(conn)
		return
	}
	ep.Lock.Lock()
	ep.conn = conn
	ep.Lock.Unlock()
	ep.DLogf("Accepted local connection from %s", conn.RemoteAddr())
	ep.accepted <- conn
	ep.UndeferShutdown()
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// closes the listener and force-aborts any accepted connection.
func (ep *LoopbackEndpoint) HandleOnceShutdown(completionErr error) error {
	err := ep.nl.Close()
	ep.Lock.Lock()
	conn := ep.conn
	ep.conn = nil
	ep.Lock.Unlock()
	if conn != nil {
		abortConn(conn)
	}
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// abortConn closes a conn immediately, discarding any unsent data rather
// than lingering in a graceful FIN exchange.
func abortConn(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetLinger(0)
	}
	conn.Close()
}
