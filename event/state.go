package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// State is the folded workflow state of one run: the last recorded delta per
// step plus fold bookkeeping. It is a pure fold product of the event log and
// must stay free of wall-clock or random inputs.
type State struct {
	// Steps holds the last StateUpdated delta per step id.
	Steps map[string]json.RawMessage `json:"steps,omitempty"`

	// Resumes holds the resume value applied per interrupt id.
	Resumes map[string]json.RawMessage `json:"resumes,omitempty"`

	// Updates counts the StateUpdated events folded in.
	Updates uint64 `json:"updates"`

	// LastSeq is the sequence of the last folded event.
	LastSeq uint64 `json:"last_seq"`
}

// NewState returns the empty base state used when no checkpoint exists.
func NewState() State {
	return State{
		Steps:   make(map[string]json.RawMessage),
		Resumes: make(map[string]json.RawMessage),
	}
}

// Clone returns a deep copy so folds never alias checkpoint payloads.
func (s State) Clone() State {
	out := State{
		Steps:   make(map[string]json.RawMessage, len(s.Steps)),
		Resumes: make(map[string]json.RawMessage, len(s.Resumes)),
		Updates: s.Updates,
		LastSeq: s.LastSeq,
	}
	for k, v := range s.Steps {
		out.Steps[k] = append(json.RawMessage(nil), v...)
	}
	for k, v := range s.Resumes {
		out.Resumes[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// Hash returns the canonical sha-256 of the state. Keys are serialized in
// sorted order so the hash is stable across fold replays.
func (s State) Hash() string {
	h := sha256.New()
	writeSorted := func(m map[string]json.RawMessage) {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			h.Write([]byte(k))
			h.Write([]byte{0})
			h.Write(m[k])
			h.Write([]byte{0})
		}
	}
	writeSorted(s.Steps)
	h.Write([]byte{1})
	writeSorted(s.Resumes)

	var buf [16]byte
	putUint64(buf[:8], s.Updates)
	putUint64(buf[8:], s.LastSeq)
	h.Write(buf[:])
	return hex.EncodeToString(h.Sum(nil))
}

func putUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}
