package event

import (
	"context"
	"encoding/json"
	"time"
)

// TimelineEntry is one row of the combined event/checkpoint timeline.
type TimelineEntry struct {
	Seq          uint64    `json:"seq"`
	Kind         Kind      `json:"kind"`
	AttemptID    string    `json:"attempt_id,omitempty"`
	StepID       string    `json:"step_id,omitempty"`
	CheckpointID string    `json:"checkpoint_id,omitempty"`
	Payload      Payload   `json:"payload"`
	CreatedAt    time.Time `json:"created_at"`
}

// UnmarshalJSON restores the concrete payload variant from the kind field.
func (e *TimelineEntry) UnmarshalJSON(data []byte) error {
	type alias TimelineEntry
	aux := struct {
		*alias
		Payload json.RawMessage `json:"payload"`
	}{alias: (*alias)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	p, err := UnmarshalPayload(e.Kind, aux.Payload)
	if err != nil {
		return err
	}
	e.Payload = p
	return nil
}

// Timeline is the caller-facing fold of a run: its events annotated with the
// checkpoints taken along the way.
type Timeline struct {
	RunID     string          `json:"run_id"`
	Entries   []TimelineEntry `json:"entries"`
	LatestSeq uint64          `json:"latest_seq"`
}

// BuildTimeline scans the run's log and checkpoints into a Timeline.
func BuildTimeline(ctx context.Context, log Log, checkpoints CheckpointStore, runID string, from uint64) (*Timeline, error) {
	events, err := log.Scan(ctx, runID, from)
	if err != nil {
		return nil, err
	}

	// checkpoint id per at_seq, attached to the entry that produced it
	marks := make(map[uint64]string)
	if checkpoints != nil {
		cps, err := checkpoints.ListCheckpoints(ctx, runID)
		if err != nil {
			return nil, err
		}
		for _, cp := range cps {
			marks[cp.AtSeq] = cp.ID
		}
	}

	tl := &Timeline{RunID: runID, Entries: make([]TimelineEntry, 0, len(events))}
	for _, ev := range events {
		tl.Entries = append(tl.Entries, TimelineEntry{
			Seq:          ev.Seq,
			Kind:         ev.Kind,
			AttemptID:    ev.AttemptID,
			StepID:       ev.StepID(),
			CheckpointID: marks[ev.Seq],
			Payload:      ev.Payload,
			CreatedAt:    ev.CreatedAt,
		})
		if ev.Seq > tl.LatestSeq {
			tl.LatestSeq = ev.Seq
		}
	}
	return tl, nil
}
