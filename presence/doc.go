// Copyright 2026 The Orrery Authors
// SPDX-License-Identifier: Apache-2.0

// Package presence maintains the roster of participants in a session.
//
// The tracker consumes join/leave/cursor/heartbeat events and derives
// each participant's status from the injected clock: Active while
// events keep arriving, Idle after IdleAfter without any, Disconnected
// after DisconnectAfter. Disconnected participants leave the active
// roster but are retained for a grace period so a flaky reconnection
// resumes the original entry (and its join order) instead of creating
// a new one; after the grace period they are evicted.
package presence
