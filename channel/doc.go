// Copyright 2026 The Orrery Authors
// SPDX-License-Identifier: Apache-2.0

// Package channel owns the persistent bidirectional frame stream to
// the collaboration endpoint.
//
// A [Connection] dials through a [Dialer], performs the join handshake,
// and then keeps the stream alive: a heartbeat every 25 seconds, a
// forced reconnect when the acknowledgment misses its 10-second
// deadline, and capped exponential backoff with jitter between connect
// attempts. Connectivity loss is never fatal — the connection retries
// forever and reports Degraded through the state callback so the
// session can queue edits instead of sending them.
//
// Sends fail fast: Send returns a [*SendError] synchronously whenever
// the connection is not Open, rather than buffering or silently
// dropping. Queueing is the durable outbox's job, not the channel's.
//
// The wire format is newline-delimited JSON frames (package wire) over
// any stream transport; [TCPDialer] is the standard implementation and
// tests substitute in-memory pipes.
package channel
