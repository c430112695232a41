// Package lifecycle drives a service request from creation to a booked
// provider, gating every step on what storage says about its calls.
package lifecycle

import "errors"

type State string

const (
	StatePending     State = "PENDING"
	StateResearching State = "RESEARCHING"
	StateCalling     State = "CALLING"
	StateAnalyzing   State = "ANALYZING"
	StateRecommended State = "RECOMMENDED"
	StateBooking     State = "BOOKING"
	StateCompleted   State = "COMPLETED"
	StateFailed      State = "FAILED"
)

var (
	ErrInvalidTransition = errors.New("lifecycle: invalid transition")

	// ErrConflict means another worker moved the request first.
	ErrConflict = errors.New("lifecycle: concurrent transition")

	// ErrCallsPending is recoverable: calls were still running when the
	// completion ceiling was reached and the request stays in CALLING.
	ErrCallsPending = errors.New("lifecycle: calls still pending")

	ErrNoProviders     = errors.New("lifecycle: request has no providers")
	ErrUnknownProvider = errors.New("lifecycle: provider does not belong to request")
)

// Every non-terminal state may also move to FAILED.
var transitions = map[State]State{
	StatePending:     StateResearching,
	StateResearching: StateCalling,
	StateCalling:     StateAnalyzing,
	StateAnalyzing:   StateRecommended,
	StateRecommended: StateBooking,
	StateBooking:     StateCompleted,
}

func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		_, known := transitions[from]
		return known
	}
	return transitions[from] == to
}
