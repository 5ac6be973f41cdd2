// Copyright 2026 The Orrery Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction so that
// heartbeat, backoff, and presence-threshold logic can be tested
// deterministically.
//
// Production code accepts a Clock instead of calling time.Now,
// time.After, time.AfterFunc, or time.NewTicker directly. Real()
// returns the standard library behavior; Fake() returns a clock that
// advances only under test control.
package clock

import "time"

// Clock abstracts the time operations the engine uses: reading the
// current time, one-shot waits, scheduled callbacks, and periodic
// ticks. Every struct that owns a heartbeat, idle threshold, or
// reconnect backoff carries a Clock field.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives once, after d elapses.
	// A non-positive d delivers immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc schedules f to run after d. The returned Timer can
	// cancel the pending call via Stop. A non-positive d runs f
	// before AfterFunc returns (fake) or in a new goroutine (real).
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker returns a Ticker delivering ticks every d. Panics if
	// d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Timer is a cancellable one-shot scheduled call created by AfterFunc.
type Timer struct {
	stop func() bool
}

// Stop cancels the pending call. Returns false if the timer already
// fired or was already stopped.
func (t *Timer) Stop() bool { return t.stop() }

// Ticker delivers periodic ticks on C until stopped. C is buffered
// with capacity 1; a slow consumer drops ticks rather than queueing
// them, matching time.Ticker.
type Ticker struct {
	// C delivers ticks.
	C <-chan time.Time

	stop func()
}

// Stop turns the ticker off. No ticks are delivered after Stop
// returns. Stop does not close C.
func (t *Ticker) Stop() { t.stop() }
