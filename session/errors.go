// Copyright 2026 The Orrery Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by methods called after the session closed.
var ErrClosed = errors.New("session: closed")

// ErrNotJoined is returned when an operation needs a joined session
// (Active or Degraded) and the coordinator is still Idle or Joining.
var ErrNotJoined = errors.New("session: not joined")

// AuthError is a fatal join rejection: the credential was refused or
// the document is not accessible. Never retried; the session closes
// and the error surfaces to the caller.
type AuthError struct {
	Code    string
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("session: join rejected (%s)", e.Code)
	}
	return fmt.Sprintf("session: join rejected (%s): %s", e.Code, e.Message)
}

// IsAuthError reports whether err is (or wraps) an AuthError.
func IsAuthError(err error) bool {
	var target *AuthError
	return errors.As(err, &target)
}
