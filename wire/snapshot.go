// Copyright 2026 The Orrery Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/hex"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/orrery-project/orrery/lib/codec"
	"github.com/orrery-project/orrery/lib/ref"
)

// Snapshot body encodings.
const (
	// SnapshotEncodingCBOR is a plain CBOR-encoded field list.
	SnapshotEncodingCBOR = "cbor"
	// SnapshotEncodingCBORZstd is CBOR compressed with zstd. Used when
	// the plain body exceeds snapshotCompressThreshold.
	SnapshotEncodingCBORZstd = "cbor+zstd"
)

// snapshotCompressThreshold is the plain-body size above which the
// snapshot is zstd-compressed. Small universes fit in one TCP segment
// either way; compression only pays off past a few kilobytes.
const snapshotCompressThreshold = 4096

// SnapshotField is one parameter's state inside a snapshot: the same
// information a FieldChange carries, minus the mutation ID.
type SnapshotField struct {
	Path        ref.Path          `cbor:"path" json:"path"`
	Value       any               `cbor:"value" json:"value"`
	Version     Version           `cbor:"version" json:"version"`
	BaseVersion Version           `cbor:"base_version,omitempty" json:"base_version,omitzero"`
	Writer      ref.ParticipantID `cbor:"writer" json:"writer"`
}

// SnapshotResponse carries the endpoint's full document state. Body is
// the encoded field list (base64 in JSON); Digest is the BLAKE3 hash
// of the plain CBOR body, verified before decoding so a corrupted
// snapshot is rejected rather than reconciled.
type SnapshotResponse struct {
	Document ref.DocumentID `json:"document"`
	Encoding string         `json:"encoding"`
	Body     []byte         `json:"body"`
	Digest   string         `json:"digest"`
}

func (SnapshotResponse) Type() FrameType { return FrameSnapshotResponse }

func (f SnapshotResponse) validate() error {
	if f.Document.IsZero() {
		return fmt.Errorf("snapshot_response: missing document")
	}
	switch f.Encoding {
	case SnapshotEncodingCBOR, SnapshotEncodingCBORZstd:
	default:
		return fmt.Errorf("snapshot_response: unknown encoding %q", f.Encoding)
	}
	if f.Digest == "" {
		return fmt.Errorf("snapshot_response: missing digest")
	}
	return nil
}

// zstd encoder/decoder shared by all snapshots. EncodeAll/DecodeAll on
// a nil-backed instance are concurrency-safe.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil)
	if err != nil {
		panic("wire: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("wire: zstd decoder initialization failed: " + err.Error())
	}
}

// NewSnapshotResponse encodes a field list into a SnapshotResponse,
// compressing when the plain body is large enough to benefit.
func NewSnapshotResponse(document ref.DocumentID, fields []SnapshotField) (SnapshotResponse, error) {
	if document.IsZero() {
		return SnapshotResponse{}, fmt.Errorf("wire: snapshot requires a document")
	}
	plain, err := codec.Marshal(fields)
	if err != nil {
		return SnapshotResponse{}, fmt.Errorf("wire: encoding snapshot body: %w", err)
	}
	sum := blake3.Sum256(plain)

	response := SnapshotResponse{
		Document: document,
		Encoding: SnapshotEncodingCBOR,
		Body:     plain,
		Digest:   hex.EncodeToString(sum[:]),
	}
	if len(plain) > snapshotCompressThreshold {
		response.Encoding = SnapshotEncodingCBORZstd
		response.Body = zstdEncoder.EncodeAll(plain, nil)
	}
	return response, nil
}

// Fields decompresses, verifies, and decodes the snapshot body. A
// digest mismatch returns a *ProtocolError: the caller discards the
// snapshot and requests a fresh one rather than reconciling bad state.
func (f SnapshotResponse) Fields() ([]SnapshotField, error) {
	plain := f.Body
	if f.Encoding == SnapshotEncodingCBORZstd {
		var err error
		plain, err = zstdDecoder.DecodeAll(f.Body, nil)
		if err != nil {
			return nil, &ProtocolError{
				Reason:    "snapshot body decompression failed",
				FrameType: FrameSnapshotResponse,
				Err:       err,
			}
		}
	}

	sum := blake3.Sum256(plain)
	if hex.EncodeToString(sum[:]) != f.Digest {
		return nil, &ProtocolError{
			Reason:    "snapshot digest mismatch",
			FrameType: FrameSnapshotResponse,
		}
	}

	var fields []SnapshotField
	if err := codec.Unmarshal(plain, &fields); err != nil {
		return nil, &ProtocolError{
			Reason:    "undecodable snapshot body",
			FrameType: FrameSnapshotResponse,
			Err:       err,
		}
	}
	return fields, nil
}
