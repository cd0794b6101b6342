package lifecycle

import "fmt"

// Status is a message's delivery status.
type Status uint8

const (
	// StatusNone is the zero value of a message that has never entered
	// the send pipeline.
	StatusNone Status = iota
	// StatusSending means a local send attempt is in flight.
	StatusSending
	// StatusUnsent means the send failed while the network was down; a
	// connectivity or activation sweep will re-enter the send pipeline.
	StatusUnsent
	// StatusFailed means the send failed while the network was reachable.
	StatusFailed
	// StatusSent means the server accepted the message.
	StatusSent
	// StatusDelivered means a delivery acknowledgment arrived.
	StatusDelivered
	// StatusViewed means an explicit view receipt was processed.
	StatusViewed
)

// String returns a stable status name.
func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusSending:
		return "sending"
	case StatusUnsent:
		return "unsent"
	case StatusFailed:
		return "failed"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusViewed:
		return "viewed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// rank collapses the status order into monotonic stages: the three send
// outcomes share a stage, so a Failed message can still become Sent by a
// retry, but nothing ever moves backward across stages.
func (s Status) rank() int {
	switch s {
	case StatusNone:
		return 0
	case StatusSending:
		return 1
	case StatusUnsent, StatusFailed, StatusSent:
		return 2
	case StatusDelivered:
		return 3
	case StatusViewed:
		return 4
	default:
		return 0
	}
}

// Advance is the single status-transition function. It returns the
// resulting status and whether anything changed. Re-entering Sending from
// Unsent or Failed is the retry path; a Delivered event for a message
// already Viewed is a no-op, never a regression.
func Advance(current, next Status) (Status, bool) {
	if current == next {
		return current, false
	}
	switch next {
	case StatusSending:
		// Fresh sends and retry re-entry only.
		if current == StatusNone || current == StatusUnsent || current == StatusFailed {
			return StatusSending, true
		}
		return current, false
	case StatusUnsent, StatusFailed, StatusSent:
		if current == StatusSending || current == StatusNone {
			return next, true
		}
		// A late Sent outcome may land after a receipt already advanced
		// the message; keep the higher stage.
		return current, false
	case StatusDelivered, StatusViewed:
		if next.rank() > current.rank() {
			return next, true
		}
		return current, false
	default:
		return current, false
	}
}
