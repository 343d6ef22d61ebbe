package session

import "fmt"

// EventKind distinguishes the notifications a Coordinator delivers to its
// owner.
type EventKind int

const (
	// EventOpenResult reports completion of an Open request, after both the
	// tunnel and the downstream session have been established (or one of
	// them has failed).
	EventOpenResult EventKind = iota

	// EventError is an informational error notification. It may precede the
	// EventOpenResult or EventClosed for the same transition, never follow
	// it.
	EventError

	// EventClosed reports that the session and its tunnel are gone,
	// whatever initiated the teardown.
	EventClosed
)

var eventKindNames = [...]string{"OpenResult", "Error", "Closed"}

func (k EventKind) String() string {
	if k < EventOpenResult || k > EventClosed {
		return "Invalid"
	}
	return eventKindNames[k]
}

// Event is a single coordinator notification.
type Event struct {
	Kind    EventKind
	Success bool
	Message string
}

func (e Event) String() string {
	switch e.Kind {
	case EventOpenResult:
		return fmt.Sprintf("OpenResult(%v)", e.Success)
	case EventError:
		return fmt.Sprintf("Error(%q)", e.Message)
	case EventClosed:
		return "Closed"
	}
	return "Invalid"
}
