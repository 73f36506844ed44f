package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the variant of an execution event.
type Kind string

const (
	KindActionRequested  Kind = "action_requested"
	KindActionSucceeded  Kind = "action_succeeded"
	KindActionFailed     Kind = "action_failed"
	KindStateUpdated     Kind = "state_updated"
	KindInterruptRaised  Kind = "interrupt_raised"
	KindResumeApplied    Kind = "resume_applied"
	KindAttemptCompleted Kind = "attempt_completed"
	KindAttemptFailed    Kind = "attempt_failed"
	KindAttemptCancelled Kind = "attempt_cancelled"
)

// IsTerminal returns true if the kind closes an attempt.
func (k Kind) IsTerminal() bool {
	switch k {
	case KindAttemptCompleted, KindAttemptFailed, KindAttemptCancelled:
		return true
	default:
		return false
	}
}

// Payload is the closed set of event payloads. Each variant carries an
// explicit struct so replay logic can switch exhaustively instead of
// dispatching over string-keyed maps.
type Payload interface {
	Kind() Kind
}

// ActionRequested marks the start of one step execution.
type ActionRequested struct {
	StepID string          `json:"step_id"`
	Name   string          `json:"name,omitempty"`
	Input  json.RawMessage `json:"input,omitempty"`
}

// ActionSucceeded records a successful step result.
type ActionSucceeded struct {
	StepID string          `json:"step_id"`
	Output json.RawMessage `json:"output,omitempty"`
}

// ActionFailed records a failed step. Class carries the worker-reported
// failure classification consumed by the retry policy.
type ActionFailed struct {
	StepID  string `json:"step_id"`
	Class   string `json:"class,omitempty"`
	Message string `json:"message"`
}

// StateUpdated records a folded-state delta produced by a step.
type StateUpdated struct {
	StepID       string          `json:"step_id,omitempty"`
	Delta        json.RawMessage `json:"delta"`
	CheckpointID string          `json:"checkpoint_id,omitempty"`
}

// InterruptRaised marks a human-in-the-loop pause point.
type InterruptRaised struct {
	InterruptID string          `json:"interrupt_id"`
	StepID      string          `json:"step_id,omitempty"`
	Request     json.RawMessage `json:"request,omitempty"`
}

// ResumeApplied records the resolution value applied to a blocked run.
type ResumeApplied struct {
	InterruptID string          `json:"interrupt_id"`
	Value       json.RawMessage `json:"value,omitempty"`
}

// AttemptCompleted closes an attempt successfully.
type AttemptCompleted struct {
	Result json.RawMessage `json:"result,omitempty"`
}

// AttemptFailed closes an attempt with an unrecoverable failure.
type AttemptFailed struct {
	Reason string `json:"reason,omitempty"`
}

// AttemptCancelled closes an attempt after cooperative cancellation.
type AttemptCancelled struct {
	Reason string `json:"reason,omitempty"`
}

func (ActionRequested) Kind() Kind  { return KindActionRequested }
func (ActionSucceeded) Kind() Kind  { return KindActionSucceeded }
func (ActionFailed) Kind() Kind     { return KindActionFailed }
func (StateUpdated) Kind() Kind     { return KindStateUpdated }
func (InterruptRaised) Kind() Kind  { return KindInterruptRaised }
func (ResumeApplied) Kind() Kind    { return KindResumeApplied }
func (AttemptCompleted) Kind() Kind { return KindAttemptCompleted }
func (AttemptFailed) Kind() Kind    { return KindAttemptFailed }
func (AttemptCancelled) Kind() Kind { return KindAttemptCancelled }

// Record is one unsequenced event as produced by the coordinator or a worker
// report. The log assigns the sequence number on append.
type Record struct {
	AttemptID   string
	Payload     Payload
	DedupeToken string
	StateHash   string
}

// Sequenced is one committed entry of the append-only log.
type Sequenced struct {
	RunID     string    `json:"run_id"`
	Seq       uint64    `json:"seq"`
	AttemptID string    `json:"attempt_id,omitempty"`
	Kind      Kind      `json:"kind"`
	Payload   Payload   `json:"payload"`
	StateHash string    `json:"state_hash,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// UnmarshalJSON restores the concrete payload variant from the kind field,
// so log entries round-trip through their wire form.
func (s *Sequenced) UnmarshalJSON(data []byte) error {
	type alias Sequenced
	aux := struct {
		*alias
		Payload json.RawMessage `json:"payload"`
	}{alias: (*alias)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	p, err := UnmarshalPayload(s.Kind, aux.Payload)
	if err != nil {
		return err
	}
	s.Payload = p
	return nil
}

// StepID extracts the step identifier from payloads that carry one.
func (s Sequenced) StepID() string {
	switch p := s.Payload.(type) {
	case ActionRequested:
		return p.StepID
	case ActionSucceeded:
		return p.StepID
	case ActionFailed:
		return p.StepID
	case StateUpdated:
		return p.StepID
	case InterruptRaised:
		return p.StepID
	default:
		return ""
	}
}

// MarshalPayload serializes a payload for storage.
func MarshalPayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("nil event payload")
	}
	return json.Marshal(p)
}

// UnmarshalPayload decodes a stored payload by kind.
func UnmarshalPayload(kind Kind, data []byte) (Payload, error) {
	decode := func(dst Payload) (Payload, error) {
		if len(data) == 0 {
			return dst, nil
		}
		if err := json.Unmarshal(data, dst); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		return dst, nil
	}

	var p Payload
	var err error
	switch kind {
	case KindActionRequested:
		p, err = decode(&ActionRequested{})
	case KindActionSucceeded:
		p, err = decode(&ActionSucceeded{})
	case KindActionFailed:
		p, err = decode(&ActionFailed{})
	case KindStateUpdated:
		p, err = decode(&StateUpdated{})
	case KindInterruptRaised:
		p, err = decode(&InterruptRaised{})
	case KindResumeApplied:
		p, err = decode(&ResumeApplied{})
	case KindAttemptCompleted:
		p, err = decode(&AttemptCompleted{})
	case KindAttemptFailed:
		p, err = decode(&AttemptFailed{})
	case KindAttemptCancelled:
		p, err = decode(&AttemptCancelled{})
	default:
		return nil, fmt.Errorf("unknown event kind: %s", kind)
	}
	if err != nil {
		return nil, err
	}
	return deref(p), nil
}

// deref normalizes *T payloads to T so type switches over values work for
// both freshly built and store-decoded events.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *ActionRequested:
		return *v
	case *ActionSucceeded:
		return *v
	case *ActionFailed:
		return *v
	case *StateUpdated:
		return *v
	case *InterruptRaised:
		return *v
	case *ResumeApplied:
		return *v
	case *AttemptCompleted:
		return *v
	case *AttemptFailed:
		return *v
	case *AttemptCancelled:
		return *v
	default:
		return p
	}
}
