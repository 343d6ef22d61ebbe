package tunnel

import "fmt"

// EventKind distinguishes the lifecycle events emitted by a Channel.
type EventKind int

const (
	// EventOpenResult reports completion of an Open() request. Success
	// carries the ephemeral loopback port the local client should dial.
	EventOpenResult EventKind = iota

	// EventError is an informational error notification. An EventError
	// belonging to a transition is always delivered before the
	// EventOpenResult or EventClosed that completes the transition,
	// never after it.
	EventError

	// EventClosed reports that the tunnel has been torn down. The same event
	// is used whether teardown was requested locally or initiated by the
	// remote peer. Success==false is emitted only for a Close() request on a
	// tunnel that was never open, and may be ignored by most consumers.
	EventClosed
)

var eventKindNames = [...]string{"OpenResult", "Error", "Closed"}

func (k EventKind) String() string {
	if k < EventOpenResult || k > EventClosed {
		return "Invalid"
	}
	return eventKindNames[k]
}

// Event is a single lifecycle notification from a Channel, delivered in
// order on the channel returned by Events().
type Event struct {
	// Kind is the event discriminator.
	Kind EventKind

	// Success qualifies EventOpenResult and EventClosed.
	Success bool

	// LocalPort is the ephemeral loopback port; set only on a successful
	// EventOpenResult.
	LocalPort int

	// Message is human-readable detail; set only on EventError.
	Message string
}

func (e Event) String() string {
	switch e.Kind {
	case EventOpenResult:
		if e.Success {
			return fmt.Sprintf("OpenResult(true, port=%d)", e.LocalPort)
		}
		return "OpenResult(false)"
	case EventError:
		return fmt.Sprintf("Error(%q)", e.Message)
	case EventClosed:
		return fmt.Sprintf("Closed(%v)", e.Success)
	}
	return "Invalid"
}
