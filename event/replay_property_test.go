package event

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Replay determinism: folding identical (checkpoint, events) input twice must
// yield identical final state, and checkpoint placement must not change the
// result.
func TestProperty_ReplayDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("replay twice yields identical state", prop.ForAll(
		func(deltas []int, stepMod int) bool {
			ctx := context.Background()
			log := NewMemoryLog()
			for i, d := range deltas {
				step := fmt.Sprintf("s%d", i%(stepMod+1))
				_, err := log.Append(ctx, "run-p",
					Record{Payload: StateUpdated{
						StepID: step,
						Delta:  json.RawMessage(fmt.Sprintf(`{"v":%d}`, d)),
					}},
				)
				if err != nil {
					return false
				}
			}

			r := NewReplayer(log, nil, StateReducer{}, nil)
			a, err := r.Replay(ctx, "run-p")
			if err != nil {
				return false
			}
			b, err := r.Replay(ctx, "run-p")
			if err != nil {
				return false
			}
			return a.Hash() == b.Hash() && a.LastSeq == b.LastSeq
		},
		gen.SliceOf(gen.IntRange(-1000, 1000)),
		gen.IntRange(0, 5),
	))

	properties.Property("checkpoint position does not change the fold", prop.ForAll(
		func(deltas []int, cut int) bool {
			if len(deltas) == 0 {
				return true
			}
			ctx := context.Background()
			log := NewMemoryLog()
			for i, d := range deltas {
				_, err := log.Append(ctx, "run-p",
					Record{Payload: StateUpdated{
						StepID: fmt.Sprintf("s%d", i%3),
						Delta:  json.RawMessage(fmt.Sprintf(`{"v":%d}`, d)),
					}},
				)
				if err != nil {
					return false
				}
			}

			full := NewReplayer(log, nil, StateReducer{}, nil)
			want, err := full.Replay(ctx, "run-p")
			if err != nil {
				return false
			}

			atSeq := uint64(cut%len(deltas)) + 1
			base, err := full.ReplayFrom(ctx, "run-p", atSeq)
			if err != nil {
				return false
			}
			cps := NewMemoryCheckpointStore()
			if err := cps.SaveCheckpoint(ctx, &Checkpoint{
				ID: "cp", RunID: "run-p", AtSeq: atSeq, State: base,
			}); err != nil {
				return false
			}

			bounded := NewReplayer(log, cps, StateReducer{}, nil)
			got, err := bounded.Replay(ctx, "run-p")
			if err != nil {
				return false
			}
			return got.Hash() == want.Hash()
		},
		gen.SliceOfN(12, gen.IntRange(-50, 50)),
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}
