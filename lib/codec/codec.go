// Copyright 2026 The Orrery Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the engine's standard CBOR encoding: Core
// Deterministic Encoding (RFC 8949 §4.2) so the same logical value
// always produces identical bytes. Outbox records and snapshot payload
// bodies go through this package; wire frames stay JSON per the
// transport contract.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	options := cbor.CoreDetEncOptions()
	// ref types (ParticipantID, DocumentID, Path, ...) carry their
	// identity in unexported fields and serialize via MarshalText.
	// Without this setting they would encode as empty CBOR maps.
	options.TextMarshaler = cbor.TextMarshalerTextString

	var err error
	encMode, err = options.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Any-typed targets (field values are arbitrary JSON-shaped
		// data) decode maps as map[string]any rather than the CBOR
		// default map[any]any, keeping decoded values compatible with
		// encoding/json.
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v deterministically.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v. Unknown fields are ignored for
// forward compatibility.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is a raw encoded CBOR value, used to defer decoding or
// embed pre-encoded bytes without a second encode pass.
type RawMessage = cbor.RawMessage
