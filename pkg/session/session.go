// Package session coordinates an opaque downstream session with the
// loopback tunnel that carries it.
//
// The downstream session library is assumed to issue blocking calls with no
// timeout support of its own. A Coordinator owns one tunnel Channel and at
// most one live Session, keeps their lifetimes synchronized (the session
// exists only while the tunnel is Connected, and is always torn down before
// or with it), and routes every session call through an OperationGuard that
// serializes calls and bounds them with a deadline. A call that overruns
// its deadline cannot be unblocked directly; instead the guard aborts the
// tunnel underneath it, which makes the stuck call fail through the
// downstream library's own error path.
package session

import (
	"errors"

	"github.com/sammck-go/logger"
)

// Session is the opaque downstream session collaborator. The coordinator
// only needs liveness and error inspection; the concrete call surface is
// the caller's business and is reached by type-asserting inside the closure
// passed to Coordinator.Do.
type Session interface {
	// IsConnected reports whether the downstream session considers itself
	// usable.
	IsConnected() bool

	// LastError returns the most recent error recorded by the downstream
	// library, or nil.
	LastError() error

	// Close releases the downstream session. It must be safe to call while
	// the tunnel under the session is already gone.
	Close() error
}

// SessionFactory constructs the downstream session against the tunnel's
// local loopback address ("127.0.0.1:<port>") once the tunnel reports open.
// Returning an error (or a session that is not connected) fails the open
// and aborts the tunnel.
type SessionFactory func(lg logger.Logger, localAddr string) (Session, error)

// Sentinel errors for programmer-error rejections. These are ordinary
// rejections, never panics.
var (
	// ErrAlreadyOpen is returned by Open when a session already exists or
	// an open is in flight.
	ErrAlreadyOpen = errors.New("session already open")

	// ErrNotOpen is returned by Close and Do when no session exists.
	ErrNotOpen = errors.New("session not open")

	// ErrOperationTimeout is returned by Do when a guarded call overran its
	// deadline and forced the tunnel down.
	ErrOperationTimeout = errors.New("session operation timed out")
)
