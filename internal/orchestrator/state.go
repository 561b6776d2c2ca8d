package orchestrator

import "fmt"

// State is the phase of one comparison run.
type State int

const (
	StatePending State = iota
	StateDispatching
	StateAwaiting
	StateAssembling
	StateCompleted
	StateRejected
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateDispatching:
		return "dispatching"
	case StateAwaiting:
		return "awaiting"
	case StateAssembling:
		return "assembling"
	case StateCompleted:
		return "completed"
	case StateRejected:
		return "rejected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateRejected
}

// Pending goes straight to Completed on a cache hit.
var transitions = map[State][]State{
	StatePending:     {StateDispatching, StateCompleted, StateRejected},
	StateDispatching: {StateAwaiting},
	StateAwaiting:    {StateAssembling},
	StateAssembling:  {StateCompleted},
}

// CanTransition reports whether from -> to is a legal step.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateHook observes every transition of every run.
type StateHook func(runID string, from, to State)

type run struct {
	id    string
	state State
	hook  StateHook
}

func (r *run) advance(to State) error {
	if !CanTransition(r.state, to) {
		return fmt.Errorf("run %s: illegal transition %s -> %s", r.id, r.state, to)
	}
	from := r.state
	r.state = to
	if r.hook != nil {
		r.hook(r.id, from, to)
	}
	return nil
}
