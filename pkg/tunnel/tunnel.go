// Package tunnel provides a local loopback relay that makes a remote TCP
// service appear to be listening on an ephemeral localhost port.
//
// A Channel owns three collaborators: a LoopbackEndpoint that binds an
// ephemeral 127.0.0.1 port and accepts exactly one inbound connection, a
// remote connection produced by a RemoteDialer (plain TCP by default, with
// optional keepalive and low-delay socket options, or a WebSocket transport),
// and a byte relay that forwards everything read in each direction between
// the two. The Channel drives these through an asynchronous open/close/abort
// lifecycle with a configurable connect timeout, and reports progress as a
// stream of lifecycle Events.
//
// All lifecycle state is owned by a single dedicated worker goroutine. Public
// methods communicate with the worker by posting commands; a few documented
// configuration calls (keepalive apply) block until the worker has executed
// them. This makes the state machine single-threaded and race-free without
// fine-grained locking of connection state.
//
// The tunnel carries raw bytes and imposes no framing; whatever protocol the
// local client speaks is forwarded verbatim to the remote service. Exactly
// one local client connection is served per open cycle.
package tunnel

// ChannelState is the logical connection state of a tunnel Channel.
type ChannelState int32

const (
	// Unconnected means no tunnel resources exist. The only way out is Open().
	Unconnected ChannelState = iota

	// Connecting means the loopback listener is up and the remote dial is in
	// flight, possibly racing a connect timer.
	Connecting

	// Connected means the remote connection is established and the relay pair
	// is live (or waiting for the single local accept).
	Connected

	// Closing means a graceful remote disconnect is in progress, bounded by
	// the connect timeout.
	Closing
)

var channelStateNames = [...]string{
	"Unconnected", "Connecting", "Connected", "Closing",
}

func (s ChannelState) String() string {
	if s < Unconnected || s > Closing {
		return "Invalid"
	}
	return channelStateNames[s]
}
