// Copyright 2026 The Orrery Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"fmt"
	"strings"
	"testing"
)

func snapshotFields(t *testing.T, count int) []SnapshotField {
	t.Helper()
	fields := make([]SnapshotField, 0, count)
	for i := 0; i < count; i++ {
		fields = append(fields, SnapshotField{
			Path:    mustPath(t, fmt.Sprintf("scene.%d.mass", i)),
			Value:   float64(i) * 1.5,
			Version: Version{Participant: mustParticipant(t, "c1"), Counter: uint64(i + 1)},
			Writer:  mustParticipant(t, "c1"),
		})
	}
	return fields
}

func TestSnapshotRoundTripSmall(t *testing.T) {
	document := mustDocument(t, "d1")
	response, err := NewSnapshotResponse(document, snapshotFields(t, 3))
	if err != nil {
		t.Fatalf("NewSnapshotResponse: %v", err)
	}
	if response.Encoding != SnapshotEncodingCBOR {
		t.Errorf("encoding = %q, want plain cbor for a small body", response.Encoding)
	}

	decoded, err := response.Fields()
	if err != nil {
		t.Fatalf("Fields: %v", err)
	}
	if len(decoded) != 3 {
		t.Fatalf("fields = %d, want 3", len(decoded))
	}
	if decoded[1].Path != mustPath(t, "scene.1.mass") {
		t.Errorf("field 1 path = %v", decoded[1].Path)
	}
	if decoded[2].Value != 3.0 {
		t.Errorf("field 2 value = %v, want 3.0", decoded[2].Value)
	}
}

func TestSnapshotCompressesLargeBodies(t *testing.T) {
	document := mustDocument(t, "d1")
	fields := snapshotFields(t, 500)
	// Pad with a compressible value so the body clears the threshold.
	for i := range fields {
		fields[i].Value = strings.Repeat("orrery ", 8)
	}

	response, err := NewSnapshotResponse(document, fields)
	if err != nil {
		t.Fatalf("NewSnapshotResponse: %v", err)
	}
	if response.Encoding != SnapshotEncodingCBORZstd {
		t.Fatalf("encoding = %q, want cbor+zstd", response.Encoding)
	}

	decoded, err := response.Fields()
	if err != nil {
		t.Fatalf("Fields: %v", err)
	}
	if len(decoded) != 500 {
		t.Errorf("fields = %d, want 500", len(decoded))
	}
}

func TestSnapshotDigestMismatchRejected(t *testing.T) {
	response, err := NewSnapshotResponse(mustDocument(t, "d1"), snapshotFields(t, 3))
	if err != nil {
		t.Fatalf("NewSnapshotResponse: %v", err)
	}
	response.Body[0] ^= 0xff

	_, err = response.Fields()
	if err == nil {
		t.Fatal("corrupted snapshot decoded, want digest error")
	}
	if !IsProtocolError(err) {
		t.Errorf("error = %v (%T), want *ProtocolError", err, err)
	}
}

func TestSnapshotFrameRoundTrip(t *testing.T) {
	response, err := NewSnapshotResponse(mustDocument(t, "d1"), snapshotFields(t, 2))
	if err != nil {
		t.Fatalf("NewSnapshotResponse: %v", err)
	}

	data, err := Encode(response)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	snapshot, ok := decoded.(SnapshotResponse)
	if !ok {
		t.Fatalf("decoded type = %T, want SnapshotResponse", decoded)
	}
	fields, err := snapshot.Fields()
	if err != nil {
		t.Fatalf("Fields after wire round trip: %v", err)
	}
	if len(fields) != 2 {
		t.Errorf("fields = %d, want 2", len(fields))
	}
}
