// Copyright (c) Loom Authors.
// Licensed under the MIT License.

/*
Package types provides the shared type contracts of the Loom control plane.

types is the lowest-level public package and depends on no other package in
the module. It defines the unified error taxonomy used by the store, the
coordinator, and the API layer, so that every component classifies failures
the same way:

  - invalid_argument: malformed request, surfaced immediately, never retried
  - not_found       : unknown run/attempt/lease/interrupt
  - conflict        : lease ownership mismatch, idempotency payload mismatch,
    duplicate resolution of an interrupt
  - internal        : everything else that reaches a caller

Retryable/terminal step failures and replay divergence are internal
classifications consumed by the coordinator's retry and replay machinery.
*/
package types
