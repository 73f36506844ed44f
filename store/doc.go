// Copyright (c) Loom Authors.
// Licensed under the MIT License.

/*
Package store provides the durable backing for all control-plane entities:
jobs, attempts, the append-only event log, checkpoints, leases, interrupts,
and idempotency records.

It is built on gorm over sqlite (glebarez, pure Go), postgres, or mysql.
Correctness is delegated to the database where it belongs:

  - the unique index on leases.attempt_id decides lease acquisition races
  - the composite (run_id, seq) event key keeps sequences gap-free and
    duplicate-free
  - idempotency keys and dedupe tokens are unique constraints, not in-memory
    caches
  - optimistic version counters on attempts and leases make a previous
    owner's late write detectable after requeue

Multi-entity verbs that must be atomic (interrupt raise, resume, reject,
terminal ack) run inside a single transaction via appendTx.

The store implements event.Log and event.CheckpointStore; the coordinator,
lease manager, and scheduler operate through it and hold no mutable global
state of their own.
*/
package store
