package dispatch

// State is a request's position in the dispatch lifecycle.
type State string

const (
	StateCreated   State = "CREATED"
	StateAudited   State = "AUDITED"
	StateQueued    State = "QUEUED"
	StateInFlight  State = "IN_FLIGHT"
	StateCompleted State = "COMPLETED"
	StateTimedOut  State = "TIMED_OUT"
	StateErrored   State = "ERRORED"
)

// Terminal reports whether no further transitions follow s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateTimedOut || s == StateErrored
}

// StateObserver is called on every transition. It runs on dispatcher
// goroutines and must not block.
type StateObserver func(requestID string, state State)
