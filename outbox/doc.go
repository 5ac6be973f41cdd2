// Copyright 2026 The Orrery Authors
// SPDX-License-Identifier: Apache-2.0

// Package outbox implements the durable FIFO of pending mutations.
//
// Every local edit is written here before it is sent, and removed only
// after the endpoint confirms delivery. The queue is backed by SQLite
// (write-ahead log, synchronous=FULL) so queued edits survive process
// restarts and crashes mid-write. Rows are ordered by a monotonic
// sequence number that is never reused, which preserves emission order
// across acknowledgments, compaction, and restarts.
//
// When the store reaches its configured cap, Enqueue first compacts
// superseded entries — queued mutations for a path that a later
// mutation to the same path has already overwritten; only the latest
// edit per path needs replay — and reports StorageFullError only if
// the store is still full afterwards.
package outbox
