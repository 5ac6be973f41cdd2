// Copyright 2026 The Orrery Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"

	"github.com/orrery-project/orrery/lib/ref"
)

func TestDeterministicEncoding(t *testing.T) {
	value := map[string]any{
		"zebra":  1,
		"apple":  2,
		"mantis": 3,
	}
	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := Marshal(value)
		if err != nil {
			t.Fatalf("marshal attempt %d: %v", i, err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding not deterministic: %x vs %x", first, again)
		}
	}
}

func TestRefTypesEncodeAsText(t *testing.T) {
	path, _ := ref.NewPath("physics", "gravity")
	participant, _ := ref.ParseParticipantID("client-1")

	type record struct {
		Path   ref.Path          `cbor:"path"`
		Writer ref.ParticipantID `cbor:"writer"`
		Value  any               `cbor:"value"`
	}
	data, err := Marshal(record{Path: path, Writer: participant, Value: 9.8})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded record
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Path != path {
		t.Errorf("path = %v, want %v", decoded.Path, path)
	}
	if decoded.Writer != participant {
		t.Errorf("writer = %v, want %v", decoded.Writer, participant)
	}
	if decoded.Value != 9.8 {
		t.Errorf("value = %v, want 9.8", decoded.Value)
	}
}

func TestAnyMapsDecodeWithStringKeys(t *testing.T) {
	data, err := Marshal(map[string]any{"nested": map[string]any{"key": "value"}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	outer, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("decoded type = %T, want map[string]any", decoded)
	}
	if _, ok := outer["nested"].(map[string]any); !ok {
		t.Fatalf("nested type = %T, want map[string]any", outer["nested"])
	}
}
