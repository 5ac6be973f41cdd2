// Copyright 2026 The Orrery Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides strongly typed, immutable identity references
// for the collaboration engine: participants, documents, sessions,
// mutations, and field paths.
//
// Each identifier is a distinct value type wrapping a validated string,
// so a participant ID can never be passed where a document ID is
// expected. Constructors validate their inputs; once constructed, a
// ref is immutable.
//
// JSON marshaling uses the canonical string form via
// encoding.TextMarshaler, so refs serialize as plain strings in wire
// frames and as text keys in CBOR-encoded outbox records.
package ref
