// Copyright 2026 The Orrery Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the frame model for the collaboration channel:
// the tagged-union Frame types exchanged with the endpoint, the
// logical clock Version carried on every field change, and the
// snapshot payload encoding used for full resyncs.
//
// Frames travel as JSON objects with a "type" discriminator. [Decode]
// validates at the transport boundary and returns a concrete frame
// type; malformed input produces a [*ProtocolError] so the session can
// log and drop the frame without crashing. [Encode] is the inverse.
//
// Versions are Lamport-style (participant, counter) pairs. They
// establish causal order through base-version references, not through
// numeric comparison: a change is causally after the stored value only
// when its base version equals the stored version. Numeric ordering
// ([Version.Less]) exists solely as the explicit tie-break used by the
// opt-in automatic conflict resolution policy.
//
// Snapshot bodies are CBOR (lib/codec), zstd-compressed above a size
// threshold, and carry a BLAKE3 digest so a resync never applies a
// corrupted snapshot.
package wire
