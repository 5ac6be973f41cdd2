// Copyright 2026 The Orrery Authors
// SPDX-License-Identifier: Apache-2.0

package presence

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/orrery-project/orrery/lib/clock"
	"github.com/orrery-project/orrery/lib/ref"
	"github.com/orrery-project/orrery/wire"
)

// Status is a participant's derived activity level.
type Status int

const (
	StatusActive Status = iota
	StatusIdle
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusIdle:
		return "idle"
	case StatusDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Default thresholds. Idle and disconnect follow the collaboration
// endpoint's expectations; the eviction grace keeps a disconnected
// entry around long enough for a flaky client to resume it.
const (
	DefaultIdleAfter       = 30 * time.Second
	DefaultDisconnectAfter = 90 * time.Second
	DefaultEvictGrace      = 60 * time.Second
)

// Participant is one roster entry.
type Participant struct {
	ID          ref.ParticipantID
	DisplayName string
	Status      Status
	Cursor      *wire.Position
	JoinedAt    time.Time
	LastSeenAt  time.Time
}

// Config holds the tracker parameters.
type Config struct {
	// IdleAfter is the silence before a participant turns Idle.
	// Zero means DefaultIdleAfter.
	IdleAfter time.Duration

	// DisconnectAfter is the silence before a participant turns
	// Disconnected and drops off the roster. Zero means
	// DefaultDisconnectAfter.
	DisconnectAfter time.Duration

	// EvictGrace is how long a Disconnected entry is retained before
	// eviction. Zero means DefaultEvictGrace.
	EvictGrace time.Duration

	// Clock drives status derivation. Nil means the real clock.
	Clock clock.Clock

	// Logger receives roster events. Nil discards.
	Logger *slog.Logger

	// OnRosterChange, if set, is called with the active roster after
	// every event that adds, removes, or updates an entry. Called
	// without internal locks held.
	OnRosterChange func(roster []Participant)
}

// Tracker derives the session roster from inbound presence events.
// Safe for concurrent use.
type Tracker struct {
	cfg    Config
	clk    clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	entries map[ref.ParticipantID]*entry
}

type entry struct {
	displayName string
	cursor      *wire.Position
	joinedAt    time.Time
	lastSeenAt  time.Time
}

// NewTracker returns an empty tracker.
func NewTracker(cfg Config) *Tracker {
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = DefaultIdleAfter
	}
	if cfg.DisconnectAfter <= 0 {
		cfg.DisconnectAfter = DefaultDisconnectAfter
	}
	if cfg.EvictGrace <= 0 {
		cfg.EvictGrace = DefaultEvictGrace
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Tracker{
		cfg:     cfg,
		clk:     clk,
		logger:  logger,
		entries: make(map[ref.ParticipantID]*entry),
	}
}

// OnJoin records a participant joining. Idempotent: a duplicate join
// updates the display name and marks the participant seen, keeping the
// original join time and roster position. A rejoin within the eviction
// grace resumes the disconnected entry the same way.
func (t *Tracker) OnJoin(id ref.ParticipantID, displayName string) {
	if id.IsZero() {
		return
	}
	now := t.clk.Now()

	t.mu.Lock()
	existing, ok := t.entries[id]
	if ok {
		existing.displayName = displayName
		existing.lastSeenAt = now
	} else {
		t.entries[id] = &entry{
			displayName: displayName,
			joinedAt:    now,
			lastSeenAt:  now,
		}
	}
	t.sweepLocked(now)
	t.mu.Unlock()

	t.logger.Info("participant joined", "participant", id, "display_name", displayName)
	t.notify()
}

// RestoreEntry seeds a roster entry from an endpoint roster snapshot,
// preserving the join time the endpoint reports so join order is
// consistent across clients. An existing entry keeps its state.
func (t *Tracker) RestoreEntry(id ref.ParticipantID, displayName string, joinedAt time.Time) {
	if id.IsZero() {
		return
	}
	now := t.clk.Now()

	t.mu.Lock()
	if _, ok := t.entries[id]; !ok {
		t.entries[id] = &entry{
			displayName: displayName,
			joinedAt:    joinedAt,
			lastSeenAt:  now,
		}
	}
	t.mu.Unlock()

	t.notify()
}

// OnLeave removes a participant after an explicit leave event.
// Unknown IDs are ignored.
func (t *Tracker) OnLeave(id ref.ParticipantID) {
	t.mu.Lock()
	_, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.sweepLocked(t.clk.Now())
	t.mu.Unlock()

	if !ok {
		return
	}
	t.logger.Info("participant left", "participant", id)
	t.notify()
}

// OnCursorUpdate records cursor movement, which also counts as
// activity. Events for unknown participants are dropped.
func (t *Tracker) OnCursorUpdate(id ref.ParticipantID, position wire.Position) {
	now := t.clk.Now()

	t.mu.Lock()
	existing, ok := t.entries[id]
	if ok {
		existing.cursor = &position
		existing.lastSeenAt = now
	}
	t.sweepLocked(now)
	t.mu.Unlock()

	if ok {
		t.notify()
	}
}

// OnHeartbeat marks a participant as seen. Any observed activity (a
// heartbeat, an edit, a frame of any kind) should be reported here.
// Events for unknown participants are dropped.
func (t *Tracker) OnHeartbeat(id ref.ParticipantID) {
	now := t.clk.Now()

	t.mu.Lock()
	existing, ok := t.entries[id]
	if ok {
		existing.lastSeenAt = now
	}
	t.sweepLocked(now)
	t.mu.Unlock()

	if ok {
		t.notify()
	}
}

// Roster returns the active roster — participants not Disconnected —
// ordered by join time. Status is derived from the clock at call time.
func (t *Tracker) Roster() []Participant {
	now := t.clk.Now()

	t.mu.Lock()
	t.sweepLocked(now)
	roster := make([]Participant, 0, len(t.entries))
	for id, e := range t.entries {
		status := t.statusAt(e, now)
		if status == StatusDisconnected {
			continue
		}
		roster = append(roster, Participant{
			ID:          id,
			DisplayName: e.displayName,
			Status:      status,
			Cursor:      e.cursor,
			JoinedAt:    e.joinedAt,
			LastSeenAt:  e.lastSeenAt,
		})
	}
	t.mu.Unlock()

	sort.Slice(roster, func(i, j int) bool {
		if !roster[i].JoinedAt.Equal(roster[j].JoinedAt) {
			return roster[i].JoinedAt.Before(roster[j].JoinedAt)
		}
		// Same join instant (fake clocks in tests): stable tie-break.
		return roster[i].ID.Compare(roster[j].ID) < 0
	})
	return roster
}

// Lookup returns the current entry for a participant, including
// Disconnected entries still within the eviction grace.
func (t *Tracker) Lookup(id ref.ParticipantID) (Participant, bool) {
	now := t.clk.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return Participant{}, false
	}
	return Participant{
		ID:          id,
		DisplayName: e.displayName,
		Status:      t.statusAt(e, now),
		Cursor:      e.cursor,
		JoinedAt:    e.joinedAt,
		LastSeenAt:  e.lastSeenAt,
	}, true
}

func (t *Tracker) statusAt(e *entry, now time.Time) Status {
	silence := now.Sub(e.lastSeenAt)
	switch {
	case silence > t.cfg.DisconnectAfter:
		return StatusDisconnected
	case silence > t.cfg.IdleAfter:
		return StatusIdle
	default:
		return StatusActive
	}
}

// sweepLocked evicts entries disconnected for longer than the grace
// period.
func (t *Tracker) sweepLocked(now time.Time) {
	for id, e := range t.entries {
		if now.Sub(e.lastSeenAt) > t.cfg.DisconnectAfter+t.cfg.EvictGrace {
			delete(t.entries, id)
			t.logger.Info("participant evicted", "participant", id)
		}
	}
}

func (t *Tracker) notify() {
	if t.cfg.OnRosterChange == nil {
		return
	}
	t.cfg.OnRosterChange(t.Roster())
}
