package event

import "fmt"

// Reducer folds one committed event into state. Implementations must be pure
// deterministic functions of (state, event): no wall-clock, randomness, or
// external calls.
type Reducer interface {
	Apply(state State, ev Sequenced) (State, error)
}

// StateReducer is the default fold. StateUpdated deltas overwrite the step
// slot; ResumeApplied values are recorded per interrupt; every other variant
// is framing and only advances LastSeq.
type StateReducer struct{}

// Apply implements Reducer.
func (StateReducer) Apply(state State, ev Sequenced) (State, error) {
	if ev.Seq <= state.LastSeq {
		return state, fmt.Errorf("event seq %d not ahead of folded seq %d", ev.Seq, state.LastSeq)
	}
	next := state.Clone()
	next.LastSeq = ev.Seq

	switch p := ev.Payload.(type) {
	case StateUpdated:
		key := p.StepID
		if key == "" {
			key = fmt.Sprintf("seq-%d", ev.Seq)
		}
		next.Steps[key] = append([]byte(nil), p.Delta...)
		next.Updates++
	case ResumeApplied:
		next.Resumes[p.InterruptID] = append([]byte(nil), p.Value...)
	case ActionRequested, ActionSucceeded, ActionFailed,
		InterruptRaised, AttemptCompleted, AttemptFailed, AttemptCancelled:
		// framing only
	default:
		return state, fmt.Errorf("unknown payload variant %T at seq %d", ev.Payload, ev.Seq)
	}
	return next, nil
}
