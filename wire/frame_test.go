// Copyright 2026 The Orrery Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"strings"
	"testing"

	"github.com/orrery-project/orrery/lib/ref"
)

func mustDocument(t *testing.T, raw string) ref.DocumentID {
	t.Helper()
	id, err := ref.ParseDocumentID(raw)
	if err != nil {
		t.Fatalf("ParseDocumentID(%q): %v", raw, err)
	}
	return id
}

func mustPath(t *testing.T, raw string) ref.Path {
	t.Helper()
	path, err := ref.ParsePath(raw)
	if err != nil {
		t.Fatalf("ParsePath(%q): %v", raw, err)
	}
	return path
}

func mustParticipant(t *testing.T, raw string) ref.ParticipantID {
	t.Helper()
	id, err := ref.ParseParticipantID(raw)
	if err != nil {
		t.Fatalf("ParseParticipantID(%q): %v", raw, err)
	}
	return id
}

func mustMutation(t *testing.T, raw string) ref.MutationID {
	t.Helper()
	id, err := ref.ParseMutationID(raw)
	if err != nil {
		t.Fatalf("ParseMutationID(%q): %v", raw, err)
	}
	return id
}

func TestEncodeDecodeFieldChange(t *testing.T) {
	original := FieldChange{
		Mutation:    mustMutation(t, "m-1"),
		Path:        mustPath(t, "physics.gravity"),
		Value:       9.8,
		Version:     Version{Participant: mustParticipant(t, "c1"), Counter: 1},
		BaseVersion: Version{},
		Writer:      mustParticipant(t, "c1"),
	}

	data, err := Encode(original)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(string(data), `"type":"field_change"`) {
		t.Errorf("encoded frame missing discriminator: %s", data)
	}
	// The zero base version (first write) must be omitted, not encoded
	// as an empty object.
	if strings.Contains(string(data), "base_version") {
		t.Errorf("zero base version serialized: %s", data)
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	change, ok := decoded.(FieldChange)
	if !ok {
		t.Fatalf("decoded type = %T, want FieldChange", decoded)
	}
	if change.Path != original.Path {
		t.Errorf("path = %v, want %v", change.Path, original.Path)
	}
	if !change.Version.Equal(original.Version) {
		t.Errorf("version = %v, want %v", change.Version, original.Version)
	}
	if !change.BaseVersion.IsZero() {
		t.Errorf("base version = %v, want zero", change.BaseVersion)
	}
	if change.Value != 9.8 {
		t.Errorf("value = %v, want 9.8", change.Value)
	}
}

func TestEncodeDecodeAllFrameKinds(t *testing.T) {
	participant := mustParticipant(t, "c1")
	session, err := ref.ParseSessionID("s-1")
	if err != nil {
		t.Fatalf("ParseSessionID: %v", err)
	}

	frames := []Frame{
		Join{Document: mustDocument(t, "d1"), Credential: "tok", DisplayName: "Ada"},
		JoinAck{Session: session, Participant: participant},
		Leave{Session: session},
		Presence{Event: PresenceCursor, Participant: participant, Cursor: &Position{X: 1, Y: 2}},
		Presence{Event: PresenceHeartbeat, Participant: participant},
		Ack{Mutation: mustMutation(t, "m-9")},
		ConflictHint{Path: mustPath(t, "physics.gravity")},
		Heartbeat{Session: session},
		HeartbeatAck{},
		SnapshotRequest{Session: session, Document: mustDocument(t, "d1")},
		ErrorFrame{Code: ErrCodeRateLimited, Message: "slow down"},
	}

	for _, frame := range frames {
		data, err := Encode(frame)
		if err != nil {
			t.Fatalf("Encode(%s): %v", frame.Type(), err)
		}
		decoded, err := Decode(data)
		if err != nil {
			t.Fatalf("Decode(%s): %v", frame.Type(), err)
		}
		if decoded.Type() != frame.Type() {
			t.Errorf("round trip type = %s, want %s", decoded.Type(), frame.Type())
		}
	}
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{{{`},
		{"missing type", `{"path":"a.b"}`},
		{"unknown type", `{"type":"teleport"}`},
		{"field_change without path", `{"type":"field_change","value":1,"version":{"participant":"c1","counter":1},"writer":"c1"}`},
		{"field_change without version", `{"type":"field_change","path":"a.b","value":1,"writer":"c1"}`},
		{"presence unknown event", `{"type":"presence","event":"warp","participant":"c1"}`},
		{"presence cursor without position", `{"type":"presence","event":"cursor","participant":"c1"}`},
		{"ack without mutation", `{"type":"ack"}`},
		{"error without code", `{"type":"error","message":"boom"}`},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Decode([]byte(test.data))
			if err == nil {
				t.Fatalf("Decode(%s) succeeded, want ProtocolError", test.data)
			}
			if !IsProtocolError(err) {
				t.Errorf("Decode error = %v (%T), want *ProtocolError", err, err)
			}
		})
	}
}

func TestDecodeIgnoresUnknownFields(t *testing.T) {
	data := `{"type":"heartbeat","session":"s-1","future_field":true}`
	frame, err := Decode([]byte(data))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if frame.Type() != FrameHeartbeat {
		t.Errorf("type = %s, want heartbeat", frame.Type())
	}
}
