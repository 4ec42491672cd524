package channel

import "fmt"

// State is the lifecycle state of a Manager's duplex connection.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateReconnecting
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no transition can leave s.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

func canTransition(from, to State) bool {
	switch from {
	case StateConnecting:
		return to == StateOpen || to == StateReconnecting || to == StateClosed
	case StateOpen:
		return to == StateReconnecting || to == StateClosed
	case StateReconnecting:
		return to == StateConnecting || to == StateFailed || to == StateClosed
	}
	return false
}

// Transition describes one observed state change. Attempt is the
// reconnect counter after the change.
type Transition struct {
	From    State
	To      State
	Attempt int
	Err     error
}

func (t Transition) String() string {
	if t.Err != nil {
		return fmt.Sprintf("%s -> %s (attempt %d): %v", t.From, t.To, t.Attempt, t.Err)
	}
	return fmt.Sprintf("%s -> %s (attempt %d)", t.From, t.To, t.Attempt)
}
