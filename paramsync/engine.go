// Copyright 2026 The Orrery Authors
// SPDX-License-Identifier: Apache-2.0

package paramsync

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/orrery-project/orrery/lib/ref"
	"github.com/orrery-project/orrery/wire"
)

// Policy selects how concurrent edits to the same field are settled.
type Policy int

const (
	// PolicyManual surfaces a ConflictRecord and waits for
	// ResolveConflict. This is the default: concurrent edits with no
	// reliable wall-clock order must not silently discard user work.
	PolicyManual Policy = iota

	// PolicyHighestVersion settles conflicts automatically: the
	// candidate with the higher (counter, participant) version wins.
	// Deterministic, so independent observers converge without
	// coordination. Opt-in only — callers must choose it explicitly.
	PolicyHighestVersion
)

// Outcome classifies what ApplyRemote did with an inbound edit.
type Outcome int

const (
	// OutcomeApplied means the edit extended the causal chain and is
	// now the stored value.
	OutcomeApplied Outcome = iota

	// OutcomeStale means the store had already moved past the edit;
	// it was discarded.
	OutcomeStale

	// OutcomeConflict means the edit raced a local one. The stored
	// (local) value is unchanged and a ConflictRecord is open.
	OutcomeConflict
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeStale:
		return "stale"
	case OutcomeConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// FieldValue is the synchronized state of one parameter path.
type FieldValue struct {
	Path        ref.Path
	Value       any
	Version     wire.Version
	BaseVersion wire.Version
	LastWriter  ref.ParticipantID
}

// ConflictRecord exposes both candidates of a concurrent edit. It
// stays open until ResolveConflict picks a winner; the field keeps
// showing the local value meanwhile.
type ConflictRecord struct {
	Path          ref.Path
	LocalValue    any
	RemoteValue   any
	LocalVersion  wire.Version
	RemoteVersion wire.Version
}

// Result is the outcome of one ApplyRemote call.
type Result struct {
	Outcome Outcome

	// Field is the stored value after the call (the remote edit when
	// applied, the unchanged local value otherwise). Zero when the
	// path has no stored value.
	Field FieldValue

	// Conflict is set when Outcome is OutcomeConflict.
	Conflict *ConflictRecord
}

// Choice selects the winner when resolving a conflict.
type Choice struct {
	keep  choiceKind
	value any
}

type choiceKind int

const (
	choiceLocal choiceKind = iota
	choiceRemote
	choiceValue
)

// KeepLocal resolves a conflict in favor of the local candidate.
func KeepLocal() Choice { return Choice{keep: choiceLocal} }

// KeepRemote resolves a conflict in favor of the remote candidate.
func KeepRemote() Choice { return Choice{keep: choiceRemote} }

// UseValue resolves a conflict with an explicit merged value.
func UseValue(value any) Choice { return Choice{keep: choiceValue, value: value} }

// Config holds the engine parameters.
type Config struct {
	// Self is this client's participant ID, stamped on every local
	// edit. Required.
	Self ref.ParticipantID

	// Policy selects conflict handling. Defaults to PolicyManual.
	Policy Policy

	// InitialCounter seeds the local logical clock. On restart the
	// coordinator passes the highest counter found in the outbox so
	// replayed and fresh edits never share a version.
	InitialCounter uint64

	// Logger receives merge decisions. Nil discards.
	Logger *slog.Logger
}

// Engine owns the path → FieldValue map for one document and applies
// the causal merge rule to every edit. NOT safe for concurrent use:
// the session coordinator's event loop serializes all access.
type Engine struct {
	self    ref.ParticipantID
	policy  Policy
	logger  *slog.Logger
	counter uint64

	fields    map[ref.Path]FieldValue
	conflicts map[ref.Path]*ConflictRecord

	// superseded remembers versions each path has moved past, so a
	// late-arriving causally-earlier frame is recognized as stale
	// instead of raising a spurious conflict. Reset per path on
	// snapshot reconciliation, which establishes a fresh baseline.
	superseded map[ref.Path]map[wire.Version]struct{}
}

// NewEngine returns an empty engine for one document.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Self.IsZero() {
		return nil, fmt.Errorf("paramsync: Self is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		self:       cfg.Self,
		policy:     cfg.Policy,
		logger:     logger,
		counter:    cfg.InitialCounter,
		fields:     make(map[ref.Path]FieldValue),
		conflicts:  make(map[ref.Path]*ConflictRecord),
		superseded: make(map[ref.Path]map[wire.Version]struct{}),
	}, nil
}

// Counter returns the engine's current local counter (the counter of
// the most recent local edit).
func (e *Engine) Counter() uint64 { return e.counter }

// ApplyLocal applies an optimistic local edit: the value is visible
// immediately with a freshly bumped version based on whatever was
// stored. The returned FieldValue carries everything the coordinator
// needs to build the pending mutation.
func (e *Engine) ApplyLocal(path ref.Path, value any) (FieldValue, error) {
	if path.IsZero() {
		return FieldValue{}, fmt.Errorf("paramsync: apply local: path is required")
	}

	stored, exists := e.fields[path]
	e.counter++
	field := FieldValue{
		Path:       path,
		Value:      value,
		Version:    wire.Version{Participant: e.self, Counter: e.counter},
		LastWriter: e.self,
	}
	if exists {
		field.BaseVersion = stored.Version
		e.markSuperseded(path, stored.Version)
	}
	e.fields[path] = field
	return field, nil
}

// ApplyRemote merges one inbound field change using the causal rule:
// an edit based on the stored version applies, an edit the store has
// moved past is stale, and anything else is a concurrent edit that
// raises (or auto-resolves, under PolicyHighestVersion) a conflict.
func (e *Engine) ApplyRemote(path ref.Path, value any, version, baseVersion wire.Version) (Result, error) {
	if path.IsZero() {
		return Result{}, fmt.Errorf("paramsync: apply remote: path is required")
	}
	if version.IsZero() {
		return Result{}, fmt.Errorf("paramsync: apply remote %s: version is required", path)
	}

	stored, exists := e.fields[path]

	// First write to an unknown path always applies.
	if !exists {
		field := e.store(path, value, version, baseVersion)
		return Result{Outcome: OutcomeApplied, Field: field}, nil
	}

	if e.isStale(path, stored, version) {
		e.logger.Debug("stale edit discarded",
			"path", path,
			"version", version,
			"stored", stored.Version,
		)
		return Result{Outcome: OutcomeStale, Field: stored}, nil
	}

	// Causally after the stored value: extend the chain.
	if baseVersion.Equal(stored.Version) {
		e.markSuperseded(path, stored.Version)
		field := e.store(path, value, version, baseVersion)
		return Result{Outcome: OutcomeApplied, Field: field}, nil
	}

	// Concurrent edit.
	if e.policy == PolicyHighestVersion {
		return e.autoResolve(path, stored, value, version, baseVersion), nil
	}

	conflict := &ConflictRecord{
		Path:          path,
		LocalValue:    stored.Value,
		RemoteValue:   value,
		LocalVersion:  stored.Version,
		RemoteVersion: version,
	}
	e.conflicts[path] = conflict
	e.logger.Info("concurrent edit raised a conflict",
		"path", path,
		"local_version", stored.Version,
		"remote_version", version,
	)
	return Result{Outcome: OutcomeConflict, Field: stored, Conflict: conflict}, nil
}

// autoResolve settles a concurrent edit under PolicyHighestVersion.
// The winning candidate is kept verbatim (value and version), so every
// observer applying the same frames converges on the same field state
// with no extra coordination.
func (e *Engine) autoResolve(path ref.Path, stored FieldValue, value any, version, baseVersion wire.Version) Result {
	if stored.Version.Less(version) {
		e.markSuperseded(path, stored.Version)
		field := e.store(path, value, version, baseVersion)
		e.logger.Info("conflict auto-resolved for remote candidate",
			"path", path,
			"winner", version,
			"loser", stored.Version,
		)
		return Result{Outcome: OutcomeApplied, Field: field}
	}
	e.markSuperseded(path, version)
	e.logger.Info("conflict auto-resolved for local candidate",
		"path", path,
		"winner", stored.Version,
		"loser", version,
	)
	return Result{Outcome: OutcomeStale, Field: stored}
}

// ResolveConflict settles the open conflict on a path. The resolution
// gets a freshly bumped version whose base is the greater of the two
// candidates, so it causally descends from both: either candidate
// arriving again is stale, and the resolved value can itself be
// superseded later without re-raising the same conflict.
//
// The caller broadcasts the returned FieldValue like any local edit.
func (e *Engine) ResolveConflict(path ref.Path, choice Choice) (FieldValue, error) {
	conflict, ok := e.conflicts[path]
	if !ok {
		return FieldValue{}, fmt.Errorf("paramsync: no open conflict on %s", path)
	}

	var value any
	switch choice.keep {
	case choiceLocal:
		value = conflict.LocalValue
	case choiceRemote:
		value = conflict.RemoteValue
	case choiceValue:
		value = choice.value
	}

	base := conflict.LocalVersion
	if base.Less(conflict.RemoteVersion) {
		base = conflict.RemoteVersion
	}
	e.markSuperseded(path, conflict.LocalVersion)
	e.markSuperseded(path, conflict.RemoteVersion)

	e.counter++
	field := FieldValue{
		Path:        path,
		Value:       value,
		Version:     wire.Version{Participant: e.self, Counter: e.counter},
		BaseVersion: base,
		LastWriter:  e.self,
	}
	e.fields[path] = field
	delete(e.conflicts, path)

	e.logger.Info("conflict resolved",
		"path", path,
		"version", field.Version,
		"base", base,
	)
	return field, nil
}

// Conflicts returns the open conflicts sorted by path.
func (e *Engine) Conflicts() []ConflictRecord {
	records := make([]ConflictRecord, 0, len(e.conflicts))
	for _, c := range e.conflicts {
		records = append(records, *c)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Path.String() < records[j].Path.String()
	})
	return records
}

// Field returns the stored value for a path.
func (e *Engine) Field(path ref.Path) (FieldValue, bool) {
	field, ok := e.fields[path]
	return field, ok
}

// Snapshot returns a copy of the full path → FieldValue map.
func (e *Engine) Snapshot() map[ref.Path]FieldValue {
	snapshot := make(map[ref.Path]FieldValue, len(e.fields))
	for path, field := range e.fields {
		snapshot[path] = field
	}
	return snapshot
}

// SnapshotFields returns the full state as wire snapshot fields sorted
// by path, ready for encoding.
func (e *Engine) SnapshotFields() []wire.SnapshotField {
	fields := make([]wire.SnapshotField, 0, len(e.fields))
	for _, field := range e.fields {
		fields = append(fields, wire.SnapshotField{
			Path:        field.Path,
			Value:       field.Value,
			Version:     field.Version,
			BaseVersion: field.BaseVersion,
			Writer:      field.LastWriter,
		})
	}
	sort.Slice(fields, func(i, j int) bool {
		return fields[i].Path.String() < fields[j].Path.String()
	})
	return fields
}

// ReconcileReport summarizes a snapshot reconciliation.
type ReconcileReport struct {
	Stale int

	// Applied holds the fields the snapshot changed, for UI
	// notification.
	Applied []FieldValue

	// Conflicts holds the conflicts the snapshot raised.
	Conflicts []ConflictRecord
}

// ReconcileSnapshot merges the endpoint's full state after a degraded
// period, running every field through the same three-way rule instead
// of trusting either side blindly: edits other participants made while
// this client was offline apply, fields this client is ahead on stay,
// and genuine races surface as conflicts. Paths known only locally are
// untouched — they are pending mutations the replay path delivers.
func (e *Engine) ReconcileSnapshot(fields []wire.SnapshotField) (ReconcileReport, error) {
	var report ReconcileReport
	for _, field := range fields {
		result, err := e.ApplyRemote(field.Path, field.Value, field.Version, field.BaseVersion)
		if err != nil {
			return report, fmt.Errorf("paramsync: reconciling %s: %w", field.Path, err)
		}
		switch result.Outcome {
		case OutcomeApplied:
			report.Applied = append(report.Applied, result.Field)
			// The snapshot is a fresh causal baseline for this path.
			delete(e.superseded, field.Path)
		case OutcomeStale:
			report.Stale++
		case OutcomeConflict:
			report.Conflicts = append(report.Conflicts, *result.Conflict)
		}
	}
	e.logger.Info("snapshot reconciled",
		"applied", len(report.Applied),
		"stale", report.Stale,
		"conflicts", len(report.Conflicts),
	)
	return report, nil
}

// store records a remote edit as the field's new state.
func (e *Engine) store(path ref.Path, value any, version, baseVersion wire.Version) FieldValue {
	field := FieldValue{
		Path:        path,
		Value:       value,
		Version:     version,
		BaseVersion: baseVersion,
		LastWriter:  version.Participant,
	}
	e.fields[path] = field
	return field
}

// isStale reports whether the store has already moved past an inbound
// version: it is the stored version itself, a version the path has
// superseded, or an older edit from the same participant (whose
// counter is monotonic).
func (e *Engine) isStale(path ref.Path, stored FieldValue, version wire.Version) bool {
	if version.Equal(stored.Version) {
		return true
	}
	if _, seen := e.superseded[path][version]; seen {
		return true
	}
	if version.Participant == stored.Version.Participant && version.Counter < stored.Version.Counter {
		return true
	}
	return false
}

func (e *Engine) markSuperseded(path ref.Path, version wire.Version) {
	if version.IsZero() {
		return
	}
	set, ok := e.superseded[path]
	if !ok {
		set = make(map[wire.Version]struct{})
		e.superseded[path] = set
	}
	set[version] = struct{}{}
}
