// Copyright 2026 The Orrery Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync"
	"time"
)

// Fake returns a FakeClock frozen at the given instant. Time moves
// only when Advance is called; every scheduled wait registers with
// the clock and fires deterministically in deadline order.
//
// FakeClock is safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	f := &FakeClock{now: initial}
	f.registered = sync.NewCond(&f.mu)
	return f
}

// FakeClock is a deterministic Clock for tests. Goroutines under test
// register waits (After, AfterFunc, NewTicker); the test then calls
// AwaitScheduled to rendezvous with those registrations and Advance to
// fire them. This removes every sleep-based race from timer tests.
//
// AfterFunc callbacks run synchronously inside Advance. A callback
// must not call Advance itself.
type FakeClock struct {
	mu         sync.Mutex
	now        time.Time
	schedule   []*scheduled
	registered *sync.Cond
}

// scheduled is one pending wait: a one-shot channel send, a callback,
// or a repeating tick.
type scheduled struct {
	due      time.Time
	ch       chan time.Time // one-shot sends and ticks; nil for callbacks
	fn       func()         // AfterFunc callbacks; nil otherwise
	every    time.Duration  // repeat interval; zero for one-shots
	disabled bool           // Stop was called
	done     bool           // one-shot already fired
}

// Now returns the frozen current time.
func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After registers a one-shot wait. A non-positive d delivers the
// current time immediately.
func (f *FakeClock) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.schedule = append(f.schedule, &scheduled{due: f.now.Add(d), ch: ch})
	f.registered.Broadcast()
	return ch
}

// AfterFunc registers f to run when the clock advances past d. A
// non-positive d runs f synchronously before AfterFunc returns.
func (f *FakeClock) AfterFunc(d time.Duration, fn func()) *Timer {
	if d <= 0 {
		fn()
		return &Timer{stop: func() bool { return false }}
	}

	f.mu.Lock()
	entry := &scheduled{due: f.now.Add(d), fn: fn}
	f.schedule = append(f.schedule, entry)
	f.registered.Broadcast()
	f.mu.Unlock()

	return &Timer{stop: func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		if entry.disabled || entry.done {
			return false
		}
		entry.disabled = true
		return true
	}}
}

// NewTicker registers a repeating tick every d. Panics if d <= 0.
func (f *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}

	f.mu.Lock()
	ch := make(chan time.Time, 1)
	entry := &scheduled{due: f.now.Add(d), ch: ch, every: d}
	f.schedule = append(f.schedule, entry)
	f.registered.Broadcast()
	f.mu.Unlock()

	return &Ticker{C: ch, stop: func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		entry.disabled = true
	}}
}

// Advance moves the clock forward by d, firing every wait whose
// deadline falls within the new time, in deadline order. Tick sends
// are non-blocking: a full channel drops the tick, matching
// time.Ticker. Tickers spanning several intervals fire once per
// interval.
func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	target := f.now
	f.mu.Unlock()

	for {
		entry := f.popNextDue(target)
		if entry == nil {
			return
		}
		if entry.fn != nil {
			entry.fn()
			continue
		}
		select {
		case entry.ch <- entry.due:
		default:
		}
	}
}

// popNextDue removes and returns the earliest-deadline active entry
// due at or before target, rescheduling tickers as it goes. Returns
// nil when nothing further is due.
func (f *FakeClock) popNextDue(target time.Time) *scheduled {
	f.mu.Lock()
	defer f.mu.Unlock()

	var next *scheduled
	for _, entry := range f.schedule {
		if entry.disabled || entry.done || entry.due.After(target) {
			continue
		}
		if next == nil || entry.due.Before(next.due) {
			next = entry
		}
	}
	if next == nil {
		// Compact out disabled and fired entries while idle.
		active := f.schedule[:0]
		for _, entry := range f.schedule {
			if !entry.disabled && !entry.done {
				active = append(active, entry)
			}
		}
		f.schedule = active
		return nil
	}

	if next.every > 0 {
		// Copy the entry to fire, then push the original forward one
		// interval so multi-interval advances tick repeatedly.
		fired := *next
		next.due = next.due.Add(next.every)
		return &fired
	}
	next.done = true
	return next
}

// AwaitScheduled blocks until at least n waits are registered and not
// yet fired. Call this after starting the goroutine under test and
// before Advance, so the timer registration cannot race the advance.
func (f *FakeClock) AwaitScheduled(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.activeLocked() < n {
		f.registered.Wait()
	}
}

// ScheduledCount returns the number of active pending waits.
func (f *FakeClock) ScheduledCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activeLocked()
}

func (f *FakeClock) activeLocked() int {
	count := 0
	for _, entry := range f.schedule {
		if !entry.disabled && !entry.done {
			count++
		}
	}
	return count
}
