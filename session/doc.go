// Copyright 2026 The Orrery Authors
// SPDX-License-Identifier: Apache-2.0

// Package session orchestrates one client's participation in a
// document's collaboration context.
//
// The Coordinator owns the channel, the presence tracker, the sync
// engine, and the durable outbox for one document, and runs a single
// event-loop goroutine that serializes every touch of that state —
// public methods and inbound frames alike are requests queued into the
// loop, so the session needs no fine-grained locks.
//
// Lifecycle: Idle → Joining → Active ⇄ Degraded → Closed. A channel
// loss degrades the session; local edits keep landing in the outbox.
// After every (re)join acknowledgment the coordinator first replays
// the outbox in emission order, then reconciles a full snapshot, and
// only then reports Active — the UI is never told "synchronized" while
// offline edits or missed remote edits are outstanding. Transport
// failures retry forever; a rejected join is fatal and never retried.
// Leaving cancels timers and in-flight sends but not outbox
// persistence: unacknowledged mutations wait for the next join.
package session
