// Copyright 2026 The Orrery Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"errors"
	"fmt"
)

// ProtocolError reports a frame that violates the wire contract:
// unparseable JSON, an unknown type discriminator, or a frame missing
// required fields. The session logs these and drops the frame; a
// malformed inbound frame never crashes the session.
type ProtocolError struct {
	// Reason describes the violation.
	Reason string
	// FrameType is the discriminator, when one could be read.
	FrameType FrameType
	// Err is the underlying parse error, if any.
	Err error
}

func (e *ProtocolError) Error() string {
	if e.FrameType != "" {
		return fmt.Sprintf("wire: protocol error in %q frame: %s", e.FrameType, e.Reason)
	}
	return fmt.Sprintf("wire: protocol error: %s", e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsProtocolError reports whether err is (or wraps) a *ProtocolError.
func IsProtocolError(err error) bool {
	var protocolErr *ProtocolError
	return errors.As(err, &protocolErr)
}

// Error codes carried by the "error" frame. The endpoint uses these to
// distinguish fatal rejections from transient conditions.
const (
	// ErrCodeAuthRejected means the join credential was refused or a
	// previously granted permission was revoked. Fatal: the session
	// surfaces it and does not retry.
	ErrCodeAuthRejected = "auth_rejected"

	// ErrCodeUnknownDocument means the requested document does not
	// exist at the endpoint. Fatal for the join that named it.
	ErrCodeUnknownDocument = "unknown_document"

	// ErrCodeMalformed means the endpoint could not parse a frame this
	// client sent.
	ErrCodeMalformed = "malformed_frame"

	// ErrCodeRateLimited means the endpoint is shedding load. The
	// affected mutation stays queued and is retried.
	ErrCodeRateLimited = "rate_limited"
)
