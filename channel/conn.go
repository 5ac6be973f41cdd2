// Copyright 2026 The Orrery Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// maxFrameBytes bounds a single inbound frame. Snapshot responses for
// large universes are the biggest frames; 16 MB leaves wide headroom
// while keeping a malformed length from exhausting memory.
const maxFrameBytes = 16 << 20

// Compile-time interface checks.
var _ Dialer = (*TCPDialer)(nil)
var _ Conn = (*StreamConn)(nil)

// Dialer opens framed streams to the collaboration endpoint. The
// address format is dialer-specific ("host:port" for TCP). Tests use
// an in-memory dialer over net.Pipe.
type Dialer interface {
	DialContext(ctx context.Context, address string) (Conn, error)
}

// Conn is one bidirectional frame stream. ReadFrame blocks; WriteFrame
// is safe for concurrent use. Close unblocks any pending ReadFrame.
type Conn interface {
	// ReadFrame returns the next inbound frame's raw bytes.
	ReadFrame() ([]byte, error)

	// WriteFrame sends one frame's raw bytes.
	WriteFrame(data []byte) error

	// Close tears the stream down.
	Close() error
}

// TCPDialer opens TCP connections carrying newline-delimited JSON
// frames. This is the production transport to the collaboration
// endpoint.
type TCPDialer struct {
	// Timeout bounds connection establishment. Zero means only the
	// context deadline applies.
	Timeout time.Duration
}

// DialContext opens a TCP frame stream to address ("host:port").
func (d *TCPDialer) DialContext(ctx context.Context, address string) (Conn, error) {
	netConn, err := (&net.Dialer{Timeout: d.Timeout}).DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return NewStreamConn(netConn), nil
}

// StreamConn frames newline-delimited JSON over any byte stream. JSON
// encoding never emits raw newlines, so '\n' is an unambiguous frame
// delimiter.
type StreamConn struct {
	stream  io.ReadWriteCloser
	scanner *bufio.Scanner

	writeMu sync.Mutex
}

// NewStreamConn wraps a byte stream in frame delimiting. Used by
// TCPDialer in production and directly over net.Pipe in tests.
func NewStreamConn(stream io.ReadWriteCloser) *StreamConn {
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)
	return &StreamConn{stream: stream, scanner: scanner}
}

// ReadFrame returns the next frame. Not safe for concurrent use — the
// connection owns a single read loop.
func (c *StreamConn) ReadFrame() ([]byte, error) {
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	// The scanner reuses its buffer across Scan calls; hand back a copy.
	line := c.scanner.Bytes()
	frame := make([]byte, len(line))
	copy(frame, line)
	return frame, nil
}

// WriteFrame sends one frame followed by the delimiter. Safe for
// concurrent use: the heartbeat loop and callers' sends interleave on
// the same stream.
func (c *StreamConn) WriteFrame(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, data...)
	buf = append(buf, '\n')
	if _, err := c.stream.Write(buf); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// Close tears down the underlying stream.
func (c *StreamConn) Close() error {
	return c.stream.Close()
}
