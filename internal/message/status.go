package message

// Status is the delivery state of an outbound message. Received messages
// carry StatusNone.
type Status string

const (
	StatusNone      Status = ""
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusSeen      Status = "seen"
	StatusFailed    Status = "failed"
)

// Rank orders statuses by progress. Failed ranks with sending: both mean the
// server has not acknowledged the message.
func (s Status) Rank() int {
	switch s {
	case StatusSending, StatusFailed:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	case StatusSeen:
		return 4
	default:
		return 0
	}
}

// Acknowledged reports whether the server has accepted the message.
func (s Status) Acknowledged() bool {
	return s.Rank() >= StatusSent.Rank()
}

// CanTransition reports whether a message in status from may move to status to.
//
// Forward moves through sent, delivered and seen never go backwards. Failed is
// only reachable from sending, and sending is only re-entered from failed
// (manual retry). A late acknowledgement may still move failed forward.
func CanTransition(from, to Status) bool {
	if from == to {
		return false
	}
	switch to {
	case StatusSending:
		return from == StatusNone || from == StatusFailed
	case StatusFailed:
		return from == StatusSending
	case StatusSent, StatusDelivered, StatusSeen:
		return to.Rank() > from.Rank()
	default:
		return false
	}
}

// Advance returns to when the transition is allowed, otherwise s unchanged.
func (s Status) Advance(to Status) Status {
	if CanTransition(s, to) {
		return to
	}
	return s
}

// furthest picks the status to keep when two copies of a message are merged.
// An acknowledged status always beats an unacknowledged one.
func furthest(winner, loser Status) Status {
	if winner == StatusNone {
		return loser
	}
	if loser.Acknowledged() && loser.Rank() > winner.Rank() {
		return loser
	}
	return winner
}
