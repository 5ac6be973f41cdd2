// Copyright 2026 The Orrery Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// maxIDLength bounds every identifier. The collaboration endpoint
// rejects longer IDs; validating here keeps malformed values out of
// wire frames and outbox rows.
const maxIDLength = 255

// validateID checks the shared constraints for opaque identifiers:
// non-empty, bounded length, no whitespace or control characters.
func validateID(kind, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is empty", kind)
	}
	if len(raw) > maxIDLength {
		return fmt.Errorf("%s exceeds %d bytes", kind, maxIDLength)
	}
	for i := 0; i < len(raw); i++ {
		if raw[i] <= ' ' || raw[i] == 0x7f {
			return fmt.Errorf("%s contains whitespace or control character at byte %d", kind, i)
		}
	}
	return nil
}

// ParticipantID identifies one user's presence within a session. It is
// assigned by the collaboration endpoint at join time and is unique
// within a document. Participant IDs also form the first half of the
// logical clock pair carried on every field change.
type ParticipantID struct {
	id string
}

// ParseParticipantID constructs a ParticipantID from a raw string.
func ParseParticipantID(raw string) (ParticipantID, error) {
	if err := validateID("participant ID", raw); err != nil {
		return ParticipantID{}, err
	}
	return ParticipantID{id: raw}, nil
}

// String returns the raw participant ID.
func (p ParticipantID) String() string { return p.id }

// IsZero reports whether the ParticipantID is the zero value.
func (p ParticipantID) IsZero() bool { return p.id == "" }

// Compare returns -1, 0, or +1 ordering two participant IDs
// lexicographically. Used as the final tie-break when ordering
// logical clock versions.
func (p ParticipantID) Compare(other ParticipantID) int {
	switch {
	case p.id < other.id:
		return -1
	case p.id > other.id:
		return 1
	default:
		return 0
	}
}

// MarshalText implements encoding.TextMarshaler. Unlike the other ref
// types, a zero ParticipantID marshals to the empty string rather than
// erroring: it appears inside zero logical-clock versions (the empty
// base of a first write), which must round-trip through CBOR.
func (p ParticipantID) MarshalText() ([]byte, error) {
	return []byte(p.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. An empty input
// produces the zero value, matching the omitempty convention for
// optional fields (e.g., the base version of a first write).
func (p *ParticipantID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*p = ParticipantID{}
		return nil
	}
	parsed, err := ParseParticipantID(string(data))
	if err != nil {
		return fmt.Errorf("unmarshal ParticipantID: %w", err)
	}
	*p = parsed
	return nil
}

// DocumentID identifies one shared document (a universe and its nested
// scenes and parameters). Sessions, sync engines, and outboxes are all
// scoped to a DocumentID.
type DocumentID struct {
	id string
}

// ParseDocumentID constructs a DocumentID from a raw string.
func ParseDocumentID(raw string) (DocumentID, error) {
	if err := validateID("document ID", raw); err != nil {
		return DocumentID{}, err
	}
	return DocumentID{id: raw}, nil
}

// String returns the raw document ID.
func (d DocumentID) String() string { return d.id }

// IsZero reports whether the DocumentID is the zero value.
func (d DocumentID) IsZero() bool { return d.id == "" }

// MarshalText implements encoding.TextMarshaler.
func (d DocumentID) MarshalText() ([]byte, error) {
	if d.id == "" {
		return nil, fmt.Errorf("cannot marshal zero DocumentID")
	}
	return []byte(d.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *DocumentID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*d = DocumentID{}
		return nil
	}
	parsed, err := ParseDocumentID(string(data))
	if err != nil {
		return fmt.Errorf("unmarshal DocumentID: %w", err)
	}
	*d = parsed
	return nil
}

// SessionID identifies one client's live participation in a document's
// collaboration context. Assigned by the endpoint in the join
// acknowledgment; a reconnect after a dropped channel produces a new
// SessionID for the same document.
type SessionID struct {
	id string
}

// ParseSessionID constructs a SessionID from a raw string.
func ParseSessionID(raw string) (SessionID, error) {
	if err := validateID("session ID", raw); err != nil {
		return SessionID{}, err
	}
	return SessionID{id: raw}, nil
}

// String returns the raw session ID.
func (s SessionID) String() string { return s.id }

// IsZero reports whether the SessionID is the zero value.
func (s SessionID) IsZero() bool { return s.id == "" }

// MarshalText implements encoding.TextMarshaler. A zero SessionID
// marshals to the empty string: it appears in frames sent before the
// endpoint has assigned one (a heartbeat on a fresh channel).
func (s SessionID) MarshalText() ([]byte, error) {
	return []byte(s.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *SessionID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*s = SessionID{}
		return nil
	}
	parsed, err := ParseSessionID(string(data))
	if err != nil {
		return fmt.Errorf("unmarshal SessionID: %w", err)
	}
	*s = parsed
	return nil
}

// MutationID identifies one pending local edit in the durable outbox.
// Generated client-side (UUID) so the ID exists before the endpoint
// ever sees the mutation; the endpoint echoes it in the ack frame.
type MutationID struct {
	id string
}

// ParseMutationID constructs a MutationID from a raw string.
func ParseMutationID(raw string) (MutationID, error) {
	if err := validateID("mutation ID", raw); err != nil {
		return MutationID{}, err
	}
	return MutationID{id: raw}, nil
}

// String returns the raw mutation ID.
func (m MutationID) String() string { return m.id }

// IsZero reports whether the MutationID is the zero value.
func (m MutationID) IsZero() bool { return m.id == "" }

// MarshalText implements encoding.TextMarshaler. A zero MutationID
// marshals to the empty string: it appears in frames where the
// mutation reference is optional (an error frame that concerns no
// particular mutation).
func (m MutationID) MarshalText() ([]byte, error) {
	return []byte(m.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *MutationID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*m = MutationID{}
		return nil
	}
	parsed, err := ParseMutationID(string(data))
	if err != nil {
		return fmt.Errorf("unmarshal MutationID: %w", err)
	}
	*m = parsed
	return nil
}
