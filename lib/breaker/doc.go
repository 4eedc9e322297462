// Copyright 2026 The Glyphd Authors
// SPDX-License-Identifier: Apache-2.0

// Package breaker implements a three-state circuit breaker with
// exponential backoff, used by the notification poller to stop
// hammering a degraded endpoint.
//
// The breaker is a pure state machine: [Breaker.Allow] answers "may I
// proceed?", and the caller reports the outcome of the guarded call
// back through [Breaker.RecordSuccess] and [Breaker.RecordFailure].
// It performs no I/O of its own except persisting snapshots through
// an injected [StateStore], so a restarted process resumes mid-backoff
// instead of forgetting accumulated failures.
//
// States: Closed (healthy, all requests pass) → Open (threshold
// consecutive failures reached, everything rejected) → HalfOpen (the
// recovery timer fired; exactly one probe is permitted). A successful
// probe closes the breaker and resets the backoff to its initial
// value; a failed probe reopens it at the already-doubled backoff.
// The backoff doubles on every Open→HalfOpen transition, capped at
// the configured maximum, regardless of how the probe turns out.
package breaker
