// Copyright 2026 The Orrery Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"errors"
	"fmt"
)

// ConnectError reports a failed connect attempt. The connection
// absorbs these internally and retries with backoff; it is surfaced
// only through logs and the Connecting/Degraded state transitions.
type ConnectError struct {
	Address string
	Attempt int
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("channel: connect to %s failed (attempt %d): %v", e.Address, e.Attempt, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// SendError reports a frame that could not be handed to the transport,
// either because the connection is not Open or because the write
// itself failed. The caller keeps the mutation queued; nothing is
// dropped silently.
type SendError struct {
	State State
	Err   error
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("channel: send failed in state %s: %v", e.State, e.Err)
	}
	return fmt.Sprintf("channel: cannot send in state %s", e.State)
}

func (e *SendError) Unwrap() error { return e.Err }

// IsSendError reports whether err is (or wraps) a *SendError.
func IsSendError(err error) bool {
	var sendErr *SendError
	return errors.As(err, &sendErr)
}
