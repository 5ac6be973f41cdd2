// Copyright 2026 The Orrery Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"encoding/json"
	"testing"
)

func TestParseParticipantID(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"simple", "client-1", false},
		{"uuid-shaped", "6f1c2a9e-41d3-4b7a-9a10-8c2f3d4e5a6b", false},
		{"empty", "", true},
		{"embedded space", "client 1", true},
		{"control character", "client\x01", true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			id, err := ParseParticipantID(test.raw)
			if test.wantErr {
				if err == nil {
					t.Fatalf("ParseParticipantID(%q) succeeded, want error", test.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseParticipantID(%q): %v", test.raw, err)
			}
			if id.String() != test.raw {
				t.Errorf("String() = %q, want %q", id.String(), test.raw)
			}
		})
	}
}

func TestParticipantIDCompare(t *testing.T) {
	a, _ := ParseParticipantID("alpha")
	b, _ := ParseParticipantID("beta")
	if got := a.Compare(b); got != -1 {
		t.Errorf("alpha.Compare(beta) = %d, want -1", got)
	}
	if got := b.Compare(a); got != 1 {
		t.Errorf("beta.Compare(alpha) = %d, want 1", got)
	}
	if got := a.Compare(a); got != 0 {
		t.Errorf("alpha.Compare(alpha) = %d, want 0", got)
	}
}

func TestPathRoundTrip(t *testing.T) {
	path, err := NewPath("physics", "gravity")
	if err != nil {
		t.Fatalf("NewPath: %v", err)
	}
	if path.String() != "physics.gravity" {
		t.Errorf("String() = %q, want %q", path.String(), "physics.gravity")
	}

	parsed, err := ParsePath(path.String())
	if err != nil {
		t.Fatalf("ParsePath: %v", err)
	}
	if parsed != path {
		t.Errorf("ParsePath(%q) = %v, want %v", path.String(), parsed, path)
	}

	segments := parsed.Segments()
	if len(segments) != 2 || segments[0] != "physics" || segments[1] != "gravity" {
		t.Errorf("Segments() = %v, want [physics gravity]", segments)
	}
}

func TestPathRejectsInvalidSegments(t *testing.T) {
	if _, err := NewPath(); err == nil {
		t.Error("NewPath() with no segments succeeded, want error")
	}
	if _, err := NewPath("physics", ""); err == nil {
		t.Error("NewPath with empty segment succeeded, want error")
	}
	if _, err := ParsePath("physics..gravity"); err == nil {
		t.Error("ParsePath with empty middle segment succeeded, want error")
	}
	if _, err := NewPath("phy sics"); err == nil {
		t.Error("NewPath with whitespace segment succeeded, want error")
	}
}

func TestRefJSONMarshaling(t *testing.T) {
	doc, _ := ParseDocumentID("universe-42")
	path, _ := NewPath("scene", "7", "mass")

	type frame struct {
		Document DocumentID `json:"document"`
		Path     Path       `json:"path"`
	}

	data, err := json.Marshal(frame{Document: doc, Path: path})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"document":"universe-42","path":"scene.7.mass"}`
	if string(data) != want {
		t.Errorf("marshal = %s, want %s", data, want)
	}

	var decoded frame
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Document != doc || decoded.Path != path {
		t.Errorf("round trip = %+v, want document=%v path=%v", decoded, doc, path)
	}
}

func TestZeroRefMarshalBehavior(t *testing.T) {
	// IDs that appear in optional frame fields marshal their zero value
	// as the empty string: the empty base version of a first write, the
	// session of a pre-join heartbeat, the mutation of a session-level
	// error frame.
	if data, err := (ParticipantID{}).MarshalText(); err != nil || len(data) != 0 {
		t.Errorf("zero ParticipantID marshal = (%q, %v), want empty", data, err)
	}
	if data, err := (SessionID{}).MarshalText(); err != nil || len(data) != 0 {
		t.Errorf("zero SessionID marshal = (%q, %v), want empty", data, err)
	}
	if data, err := (MutationID{}).MarshalText(); err != nil || len(data) != 0 {
		t.Errorf("zero MutationID marshal = (%q, %v), want empty", data, err)
	}

	// A zero Path is never valid on the wire.
	if _, err := (Path{}).MarshalText(); err == nil {
		t.Error("zero Path marshaled, want error")
	}
}
