// Copyright (c) Loom Authors.
// Licensed under the MIT License.

/*
Package event defines the append-only execution log and the replay engine.

The log is the single source of truth for a run. Events carry a closed sum of
payload variants (ActionRequested, ActionSucceeded, ActionFailed,
StateUpdated, InterruptRaised, ResumeApplied, AttemptCompleted,
AttemptFailed, AttemptCancelled) with strictly monotonic, gap-free sequence
numbers per run.

Replay folds (checkpoint, events after it) through a pure Reducer; the result
is deterministic and verified against recorded per-event state hashes.
Checkpoints only bound replay cost and are never authoritative on their own.

MemoryLog and MemoryCheckpointStore are in-memory backends for tests and
single-process embedding; the store package provides the durable ones.
*/
package event
