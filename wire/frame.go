// Copyright 2026 The Orrery Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/orrery-project/orrery/lib/ref"
)

// FrameType is the "type" discriminator on every wire frame.
type FrameType string

// Frame types exchanged with the collaboration endpoint.
const (
	FrameJoin             FrameType = "join"
	FrameJoinAck          FrameType = "join_ack"
	FrameLeave            FrameType = "leave"
	FramePresence         FrameType = "presence"
	FrameFieldChange      FrameType = "field_change"
	FrameAck              FrameType = "ack"
	FrameConflictHint     FrameType = "conflict_hint"
	FrameHeartbeat        FrameType = "heartbeat"
	FrameHeartbeatAck     FrameType = "heartbeat_ack"
	FrameSnapshotRequest  FrameType = "snapshot_request"
	FrameSnapshotResponse FrameType = "snapshot_response"
	FrameError            FrameType = "error"
)

// Frame is one message on the collaboration channel. The concrete
// types below are the complete set; Decode returns exactly one of
// them, so a type switch over Frame can be exhaustive.
type Frame interface {
	// Type returns the wire discriminator for this frame kind.
	Type() FrameType

	// validate checks required fields. Called by Decode after JSON
	// parsing; violations become *ProtocolError.
	validate() error
}

// Join opens a session on a document. Credential is the opaque session
// token issued by the authentication layer (out of this engine's
// scope — it is carried, never interpreted).
type Join struct {
	Document    ref.DocumentID `json:"document"`
	Credential  string         `json:"credential"`
	DisplayName string         `json:"display_name,omitempty"`
}

func (Join) Type() FrameType { return FrameJoin }

func (f Join) validate() error {
	if f.Document.IsZero() {
		return fmt.Errorf("join: missing document")
	}
	if f.Credential == "" {
		return fmt.Errorf("join: missing credential")
	}
	return nil
}

// JoinAck is the endpoint's acceptance of a Join: the assigned session
// and participant identity, plus the current roster so presence starts
// complete rather than trickling in.
type JoinAck struct {
	Session     ref.SessionID     `json:"session"`
	Participant ref.ParticipantID `json:"participant"`
	Roster      []PresenceEntry   `json:"roster,omitempty"`
}

func (JoinAck) Type() FrameType { return FrameJoinAck }

func (f JoinAck) validate() error {
	if f.Session.IsZero() {
		return fmt.Errorf("join_ack: missing session")
	}
	if f.Participant.IsZero() {
		return fmt.Errorf("join_ack: missing participant")
	}
	return nil
}

// PresenceEntry is one participant in a roster snapshot.
type PresenceEntry struct {
	Participant ref.ParticipantID `json:"participant"`
	DisplayName string            `json:"display_name,omitempty"`
	JoinedAt    time.Time         `json:"joined_at"`
}

// Leave closes a session explicitly.
type Leave struct {
	Session ref.SessionID `json:"session"`
}

func (Leave) Type() FrameType { return FrameLeave }

func (f Leave) validate() error {
	if f.Session.IsZero() {
		return fmt.Errorf("leave: missing session")
	}
	return nil
}

// PresenceEvent is the kind discriminator inside a Presence frame.
type PresenceEvent string

// Presence event kinds.
const (
	PresenceJoin      PresenceEvent = "join"
	PresenceLeave     PresenceEvent = "leave"
	PresenceCursor    PresenceEvent = "cursor"
	PresenceHeartbeat PresenceEvent = "heartbeat"
)

// Position is a participant's cursor location on the editing canvas.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Presence reports another participant's activity: joining, leaving,
// moving their cursor, or a liveness heartbeat.
type Presence struct {
	Event       PresenceEvent     `json:"event"`
	Participant ref.ParticipantID `json:"participant"`
	DisplayName string            `json:"display_name,omitempty"`
	Cursor      *Position         `json:"cursor,omitempty"`
}

func (Presence) Type() FrameType { return FramePresence }

func (f Presence) validate() error {
	switch f.Event {
	case PresenceJoin, PresenceLeave, PresenceCursor, PresenceHeartbeat:
	default:
		return fmt.Errorf("presence: unknown event %q", f.Event)
	}
	if f.Participant.IsZero() {
		return fmt.Errorf("presence: missing participant")
	}
	if f.Event == PresenceCursor && f.Cursor == nil {
		return fmt.Errorf("presence: cursor event without position")
	}
	return nil
}

// FieldChange carries one edit to one parameter path. Version
// identifies the edit; BaseVersion identifies the value the editor was
// looking at when they made it (zero for the first write to a path).
// Mutation is the client-generated ID the endpoint echoes back in Ack.
type FieldChange struct {
	Mutation    ref.MutationID    `json:"mutation,omitempty"`
	Path        ref.Path          `json:"path"`
	Value       any               `json:"value"`
	Version     Version           `json:"version"`
	BaseVersion Version           `json:"base_version,omitzero"`
	Writer      ref.ParticipantID `json:"writer"`
}

func (FieldChange) Type() FrameType { return FrameFieldChange }

func (f FieldChange) validate() error {
	if f.Path.IsZero() {
		return fmt.Errorf("field_change: missing path")
	}
	if f.Version.IsZero() {
		return fmt.Errorf("field_change: missing version")
	}
	if f.Writer.IsZero() {
		return fmt.Errorf("field_change: missing writer")
	}
	return nil
}

// Ack confirms the endpoint durably accepted one mutation. Receipt
// removes the mutation from the durable outbox.
type Ack struct {
	Mutation ref.MutationID `json:"mutation"`
}

func (Ack) Type() FrameType { return FrameAck }

func (f Ack) validate() error {
	if f.Mutation.IsZero() {
		return fmt.Errorf("ack: missing mutation")
	}
	return nil
}

// ConflictHint is an advisory push from the endpoint that two edits to
// a path raced server-side. The sync engine re-checks its own causal
// state; the hint itself never forces a conflict.
type ConflictHint struct {
	Path     ref.Path  `json:"path"`
	Versions []Version `json:"versions,omitempty"`
}

func (ConflictHint) Type() FrameType { return FrameConflictHint }

func (f ConflictHint) validate() error {
	if f.Path.IsZero() {
		return fmt.Errorf("conflict_hint: missing path")
	}
	return nil
}

// Heartbeat is the client's periodic liveness probe. The endpoint
// answers with HeartbeatAck; a missed answer forces a reconnect.
type Heartbeat struct {
	Session ref.SessionID `json:"session,omitempty"`
}

func (Heartbeat) Type() FrameType { return FrameHeartbeat }

func (Heartbeat) validate() error { return nil }

// HeartbeatAck answers a Heartbeat.
type HeartbeatAck struct{}

func (HeartbeatAck) Type() FrameType { return FrameHeartbeatAck }

func (HeartbeatAck) validate() error { return nil }

// SnapshotRequest asks the endpoint for the full current state of a
// document, used for reconciliation after a degraded period.
type SnapshotRequest struct {
	Session  ref.SessionID  `json:"session"`
	Document ref.DocumentID `json:"document"`
}

func (SnapshotRequest) Type() FrameType { return FrameSnapshotRequest }

func (f SnapshotRequest) validate() error {
	if f.Document.IsZero() {
		return fmt.Errorf("snapshot_request: missing document")
	}
	return nil
}

// ErrorFrame reports an endpoint-side failure. Code is one of the
// ErrCode constants; Mutation is set when the error concerns one
// specific mutation (e.g., a rejected field change).
type ErrorFrame struct {
	Code     string         `json:"code"`
	Message  string         `json:"message,omitempty"`
	Mutation ref.MutationID `json:"mutation,omitempty"`
}

func (ErrorFrame) Type() FrameType { return FrameError }

func (f ErrorFrame) validate() error {
	if f.Code == "" {
		return fmt.Errorf("error: missing code")
	}
	return nil
}

// Encode serializes a frame as a JSON object with the "type"
// discriminator merged in.
func Encode(frame Frame) ([]byte, error) {
	if err := frame.validate(); err != nil {
		return nil, &ProtocolError{Reason: err.Error(), FrameType: frame.Type(), Err: err}
	}
	body, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("wire: encoding %s frame: %w", frame.Type(), err)
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("wire: re-reading %s frame: %w", frame.Type(), err)
	}
	fields["type"], err = json.Marshal(frame.Type())
	if err != nil {
		return nil, fmt.Errorf("wire: encoding frame type: %w", err)
	}
	return json.Marshal(fields)
}

// Decode parses and validates one frame. All failures are returned as
// *ProtocolError so callers can log and drop without special-casing.
func Decode(data []byte) (Frame, error) {
	var head struct {
		Type FrameType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, &ProtocolError{Reason: "unparseable frame", Err: err}
	}

	frame, err := emptyFrame(head.Type)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, frame); err != nil {
		return nil, &ProtocolError{Reason: "malformed frame body", FrameType: head.Type, Err: err}
	}

	// frame is a pointer for json.Unmarshal; hand back the value so
	// type switches match the concrete (non-pointer) frame types.
	value := dereference(frame)
	if err := value.validate(); err != nil {
		return nil, &ProtocolError{Reason: err.Error(), FrameType: head.Type, Err: err}
	}
	return value, nil
}

func emptyFrame(t FrameType) (Frame, error) {
	switch t {
	case FrameJoin:
		return &Join{}, nil
	case FrameJoinAck:
		return &JoinAck{}, nil
	case FrameLeave:
		return &Leave{}, nil
	case FramePresence:
		return &Presence{}, nil
	case FrameFieldChange:
		return &FieldChange{}, nil
	case FrameAck:
		return &Ack{}, nil
	case FrameConflictHint:
		return &ConflictHint{}, nil
	case FrameHeartbeat:
		return &Heartbeat{}, nil
	case FrameHeartbeatAck:
		return &HeartbeatAck{}, nil
	case FrameSnapshotRequest:
		return &SnapshotRequest{}, nil
	case FrameSnapshotResponse:
		return &SnapshotResponse{}, nil
	case FrameError:
		return &ErrorFrame{}, nil
	case "":
		return nil, &ProtocolError{Reason: "missing frame type"}
	default:
		return nil, &ProtocolError{Reason: "unknown frame type", FrameType: t}
	}
}

func dereference(frame Frame) Frame {
	switch f := frame.(type) {
	case *Join:
		return *f
	case *JoinAck:
		return *f
	case *Leave:
		return *f
	case *Presence:
		return *f
	case *FieldChange:
		return *f
	case *Ack:
		return *f
	case *ConflictHint:
		return *f
	case *Heartbeat:
		return *f
	case *HeartbeatAck:
		return *f
	case *SnapshotRequest:
		return *f
	case *SnapshotResponse:
		return *f
	case *ErrorFrame:
		return *f
	default:
		return frame
	}
}
