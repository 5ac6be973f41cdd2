// Copyright 2026 The Orrery Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides small networking helpers shared by the
// channel transport and the mock collaboration endpoint.
package netutil

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// IsExpectedCloseError reports whether err is a normal connection
// termination: EOF, closed connection, broken pipe, or connection
// reset. A collaboration endpoint closing its side mid-session
// produces these on the surviving reader and writer; they signal a
// reconnect, not a fault worth an error-level log line.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
