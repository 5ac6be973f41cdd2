// Copyright 2026 The Orrery Authors
// SPDX-License-Identifier: Apache-2.0

package presence

import (
	"testing"
	"time"

	"github.com/orrery-project/orrery/lib/clock"
	"github.com/orrery-project/orrery/lib/ref"
	"github.com/orrery-project/orrery/wire"
)

func testTracker(t *testing.T) (*Tracker, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewTracker(Config{Clock: clk}), clk
}

func participant(t *testing.T, raw string) ref.ParticipantID {
	t.Helper()
	id, err := ref.ParseParticipantID(raw)
	if err != nil {
		t.Fatalf("ParseParticipantID(%q): %v", raw, err)
	}
	return id
}

func rosterIDs(roster []Participant) []string {
	ids := make([]string, len(roster))
	for i, p := range roster {
		ids[i] = p.ID.String()
	}
	return ids
}

func TestRosterOrderedByJoinTime(t *testing.T) {
	tracker, clk := testTracker(t)

	tracker.OnJoin(participant(t, "carol"), "Carol")
	clk.Advance(time.Second)
	tracker.OnJoin(participant(t, "alice"), "Alice")
	clk.Advance(time.Second)
	tracker.OnJoin(participant(t, "bob"), "Bob")

	got := rosterIDs(tracker.Roster())
	want := []string{"carol", "alice", "bob"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("roster order = %v, want %v", got, want)
		}
	}
}

func TestDuplicateJoinIsIdempotent(t *testing.T) {
	tracker, clk := testTracker(t)
	alice := participant(t, "alice")

	tracker.OnJoin(alice, "Alice")
	joined := clk.Now()
	clk.Advance(10 * time.Second)
	tracker.OnJoin(alice, "Alice (away)")

	roster := tracker.Roster()
	if len(roster) != 1 {
		t.Fatalf("duplicate join produced %d entries, want 1", len(roster))
	}
	if roster[0].DisplayName != "Alice (away)" {
		t.Errorf("display name = %q, want updated metadata", roster[0].DisplayName)
	}
	if !roster[0].JoinedAt.Equal(joined) {
		t.Errorf("join time = %v, want original %v", roster[0].JoinedAt, joined)
	}
}

func TestIdleAfterSilence(t *testing.T) {
	tracker, clk := testTracker(t)
	alice := participant(t, "alice")
	tracker.OnJoin(alice, "Alice")

	clk.Advance(DefaultIdleAfter + time.Second)
	roster := tracker.Roster()
	if len(roster) != 1 || roster[0].Status != StatusIdle {
		t.Fatalf("roster after 31s silence = %+v, want one idle entry", roster)
	}

	// Any activity restores Active.
	tracker.OnHeartbeat(alice)
	roster = tracker.Roster()
	if roster[0].Status != StatusActive {
		t.Errorf("status after heartbeat = %s, want active", roster[0].Status)
	}
}

func TestDisconnectedLeavesRosterButSurvivesGrace(t *testing.T) {
	tracker, clk := testTracker(t)
	alice := participant(t, "alice")
	tracker.OnJoin(alice, "Alice")
	joined := clk.Now()

	clk.Advance(DefaultDisconnectAfter + time.Second)
	if roster := tracker.Roster(); len(roster) != 0 {
		t.Fatalf("roster after 91s silence = %v, want empty", rosterIDs(roster))
	}

	// Still known within the grace period.
	entry, ok := tracker.Lookup(alice)
	if !ok || entry.Status != StatusDisconnected {
		t.Fatalf("Lookup during grace = %+v, %v, want a disconnected entry", entry, ok)
	}

	// A flaky reconnect resumes the original entry.
	tracker.OnJoin(alice, "Alice")
	roster := tracker.Roster()
	if len(roster) != 1 || roster[0].Status != StatusActive {
		t.Fatalf("roster after rejoin = %+v, want one active entry", roster)
	}
	if !roster[0].JoinedAt.Equal(joined) {
		t.Errorf("rejoin within grace reset join time: %v, want %v", roster[0].JoinedAt, joined)
	}
}

func TestEvictionAfterGrace(t *testing.T) {
	tracker, clk := testTracker(t)
	alice := participant(t, "alice")
	tracker.OnJoin(alice, "Alice")

	clk.Advance(DefaultDisconnectAfter + DefaultEvictGrace + time.Second)
	tracker.Roster() // triggers the sweep
	if _, ok := tracker.Lookup(alice); ok {
		t.Fatal("participant still known after disconnect + grace")
	}

	// A join after eviction is a fresh entry.
	rejoined := clk.Now()
	tracker.OnJoin(alice, "Alice")
	entry, ok := tracker.Lookup(alice)
	if !ok {
		t.Fatal("Lookup after rejoin failed")
	}
	if !entry.JoinedAt.Equal(rejoined) {
		t.Errorf("join time = %v, want fresh %v", entry.JoinedAt, rejoined)
	}
}

func TestLeaveThenRejoinStartsOver(t *testing.T) {
	tracker, clk := testTracker(t)
	alice := participant(t, "alice")

	tracker.OnJoin(alice, "Alice")
	clk.Advance(5 * time.Second)
	tracker.OnLeave(alice)
	if roster := tracker.Roster(); len(roster) != 0 {
		t.Fatalf("roster after leave = %v, want empty", rosterIDs(roster))
	}

	// Leave for an unknown participant is ignored.
	tracker.OnLeave(participant(t, "ghost"))

	rejoined := clk.Now()
	tracker.OnJoin(alice, "Alice")
	entry, _ := tracker.Lookup(alice)
	if !entry.JoinedAt.Equal(rejoined) {
		t.Errorf("join time after explicit leave = %v, want fresh %v", entry.JoinedAt, rejoined)
	}
}

func TestCursorUpdateCountsAsActivity(t *testing.T) {
	tracker, clk := testTracker(t)
	alice := participant(t, "alice")
	tracker.OnJoin(alice, "Alice")

	clk.Advance(DefaultIdleAfter + time.Second)
	tracker.OnCursorUpdate(alice, wire.Position{X: 10, Y: 20})

	roster := tracker.Roster()
	if roster[0].Status != StatusActive {
		t.Errorf("status after cursor move = %s, want active", roster[0].Status)
	}
	if roster[0].Cursor == nil || roster[0].Cursor.X != 10 || roster[0].Cursor.Y != 20 {
		t.Errorf("cursor = %+v, want {10 20}", roster[0].Cursor)
	}

	// Cursor events for unknown participants are dropped.
	tracker.OnCursorUpdate(participant(t, "ghost"), wire.Position{X: 1, Y: 1})
	if len(tracker.Roster()) != 1 {
		t.Error("cursor event created a roster entry for an unknown participant")
	}
}

func TestRosterChangeNotifications(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	var calls int
	var lastRoster []Participant
	tracker := NewTracker(Config{
		Clock: clk,
		OnRosterChange: func(roster []Participant) {
			calls++
			lastRoster = roster
		},
	})

	tracker.OnJoin(participant(t, "alice"), "Alice")
	tracker.OnJoin(participant(t, "bob"), "Bob")
	tracker.OnLeave(participant(t, "alice"))

	if calls != 3 {
		t.Errorf("OnRosterChange called %d times, want 3", calls)
	}
	if len(lastRoster) != 1 || lastRoster[0].ID != participant(t, "bob") {
		t.Errorf("final roster = %v, want just bob", rosterIDs(lastRoster))
	}
}
