package supervisor

import "time"

// State is the lifecycle of the supervised worker.
type State int

const (
	Uninitialized State = iota
	Initializing
	Ready
	Failed
	Disposed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	case Disposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Status is a State plus the reason for Failed and the time it was entered.
type Status struct {
	State  State
	Reason string
	Since  time.Time
}

// transitions lists the allowed moves. Disposed is reachable from every
// state but itself and is handled in canTransition.
var transitions = map[State][]State{
	Uninitialized: {Initializing},
	Initializing:  {Ready, Failed},
	Ready:         {Failed},
}

func canTransition(from, to State) bool {
	if to == Disposed {
		return from != Disposed
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
