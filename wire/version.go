// Copyright 2026 The Orrery Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"fmt"

	"github.com/orrery-project/orrery/lib/ref"
)

// Version is the logical clock stamped on every field change: the
// participant that produced the edit and that participant's own
// monotonic counter. Two versions are identical only when both halves
// match; there is no global order. Causal relationships come from the
// BaseVersion reference each change carries, not from comparing
// counters across participants.
type Version struct {
	Participant ref.ParticipantID `json:"participant"`
	Counter     uint64            `json:"counter"`
}

// IsZero reports whether the Version is the zero value. A zero base
// version marks the first write to a path.
func (v Version) IsZero() bool {
	return v.Participant.IsZero() && v.Counter == 0
}

// Equal reports whether two versions are the same edit.
func (v Version) Equal(other Version) bool {
	return v.Counter == other.Counter && v.Participant == other.Participant
}

// Less orders versions by counter, breaking ties on participant ID.
// This is NOT a causal order — concurrent edits have no causal order
// at all. It exists as the deterministic tie-break for the opt-in
// automatic conflict resolution policy, where the higher version wins.
func (v Version) Less(other Version) bool {
	if v.Counter != other.Counter {
		return v.Counter < other.Counter
	}
	return v.Participant.Compare(other.Participant) < 0
}

// String renders "participant#counter" for logs. The zero version
// renders as "∅" (the empty base of a first write).
func (v Version) String() string {
	if v.IsZero() {
		return "∅"
	}
	return fmt.Sprintf("%s#%d", v.Participant, v.Counter)
}
