// Package autosub implements the auto-subscription orchestrator: a state
// machine that composes a subscription.Engine with a reconnect.Strategy,
// deciding between reconnect, terminate, or reject from each close reason —
// grounded on the host application's connection.Manager reconnection loop
// and connection.ConnectionState transition table (manager_reconnect.go,
// state.go), generalized from router connections to GraphQL subscriptions.
package autosub

import "fmt"

// State is the lifecycle of a single managed subscription, per §4.7.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Error
	Rejected
	Completed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Error:
		return "error"
	case Rejected:
		return "rejected"
	case Completed:
		return "completed"
	default:
		return "unknown"
	}
}

var validTransitions = map[State][]State{
	Disconnected: {Connecting, Disconnected},
	Connecting:   {Connected, Error, Rejected, Completed, Disconnected, Connecting},
	Connected:    {Connecting, Error, Rejected, Completed, Disconnected},
	Error:        {Disconnected, Connecting},
	Rejected:     {Disconnected, Connecting},
	Completed:    {Disconnected, Connecting},
}

// canTransitionTo reports whether next is a valid transition from s. The
// orchestrator treats an invalid transition as a programming error (it
// never arises from external input, only from the engine's own close-reason
// mapping), so callers panic rather than swallow it — matching the
// severity of the host application's ErrInvalidStateTransition.
func (s State) canTransitionTo(next State) bool {
	for _, valid := range validTransitions[s] {
		if valid == next {
			return true
		}
	}
	return false
}

func (s State) mustTransitionTo(next State) State {
	if !s.canTransitionTo(next) {
		panic(fmt.Sprintf("autosub: invalid state transition %s -> %s", s, next))
	}
	return next
}
