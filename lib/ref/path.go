// Copyright 2026 The Orrery Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"
)

// pathSeparator joins path segments in the canonical string form.
// Segments themselves may not contain it.
const pathSeparator = "."

// maxPathSegments bounds path depth. Universe documents nest scenes a
// handful of levels deep; 32 leaves generous headroom while keeping
// malformed frames from allocating unbounded slices.
const maxPathSegments = 32

// Path is the stable logical address of one synchronized parameter,
// e.g. "physics.gravity" for the segments ["physics", "gravity"].
// The canonical string form is the segments joined with dots, which
// doubles as the map key in the sync engine and the outbox.
//
// Path is immutable. The zero Path is invalid and fails MarshalText.
type Path struct {
	canonical string
}

// NewPath builds a Path from individual segments. Every segment must
// be non-empty and free of separators, whitespace, and control
// characters.
func NewPath(segments ...string) (Path, error) {
	if len(segments) == 0 {
		return Path{}, fmt.Errorf("path has no segments")
	}
	if len(segments) > maxPathSegments {
		return Path{}, fmt.Errorf("path has %d segments, limit is %d", len(segments), maxPathSegments)
	}
	for i, segment := range segments {
		if err := validateSegment(segment); err != nil {
			return Path{}, fmt.Errorf("path segment %d: %w", i, err)
		}
	}
	return Path{canonical: strings.Join(segments, pathSeparator)}, nil
}

// ParsePath parses the canonical dotted form ("physics.gravity").
func ParsePath(raw string) (Path, error) {
	if raw == "" {
		return Path{}, fmt.Errorf("path is empty")
	}
	return NewPath(strings.Split(raw, pathSeparator)...)
}

func validateSegment(segment string) error {
	if segment == "" {
		return fmt.Errorf("empty segment")
	}
	for i := 0; i < len(segment); i++ {
		if segment[i] <= ' ' || segment[i] == 0x7f {
			return fmt.Errorf("whitespace or control character at byte %d", i)
		}
	}
	return nil
}

// String returns the canonical dotted form.
func (p Path) String() string { return p.canonical }

// IsZero reports whether the Path is the zero value.
func (p Path) IsZero() bool { return p.canonical == "" }

// Segments returns the individual path segments. The returned slice is
// freshly allocated; callers may modify it.
func (p Path) Segments() []string {
	if p.canonical == "" {
		return nil
	}
	return strings.Split(p.canonical, pathSeparator)
}

// MarshalText implements encoding.TextMarshaler.
func (p Path) MarshalText() ([]byte, error) {
	if p.canonical == "" {
		return nil, fmt.Errorf("cannot marshal zero Path")
	}
	return []byte(p.canonical), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Path) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*p = Path{}
		return nil
	}
	parsed, err := ParsePath(string(data))
	if err != nil {
		return fmt.Errorf("unmarshal Path: %w", err)
	}
	*p = parsed
	return nil
}
