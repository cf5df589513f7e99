package worker

import "github.com/ayusman/mudra/internal/protocol"

// EventKind discriminates supervisor events.
type EventKind int

const (
	// EventDetection carries one parsed per-frame result.
	EventDetection EventKind = iota
	// EventDetectionError reports a per-frame failure from the worker.
	// Non-fatal; the worker keeps running.
	EventDetectionError
	// EventProtocolError reports a malformed message that was discarded.
	// Non-fatal; the channel stays open.
	EventProtocolError
	// EventStopped reports that the worker process exited, gracefully or
	// not. The supervisor does not restart it; that is the caller's call.
	EventStopped
)

func (k EventKind) String() string {
	switch k {
	case EventDetection:
		return "detection"
	case EventDetectionError:
		return "detection_error"
	case EventProtocolError:
		return "protocol_error"
	case EventStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Event is one notification from the supervisor. Exactly the fields
// relevant to Kind are set.
type Event struct {
	Kind     EventKind
	Result   *protocol.Result // EventDetection
	Err      error            // EventDetectionError, EventProtocolError
	ExitCode int              // EventStopped
}
