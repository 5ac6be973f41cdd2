// Copyright 2026 The Orrery Authors
// SPDX-License-Identifier: Apache-2.0

package outbox

import (
	"errors"
	"fmt"
)

// StorageFullError reports that the outbox is at its cap and
// compaction could not free a slot. The edit that triggered it was NOT
// stored; callers must surface this to the user rather than drop the
// edit silently.
type StorageFullError struct {
	// Pending is the number of mutations held after compaction.
	Pending int64

	// Cap is the configured maximum.
	Cap int64
}

func (e *StorageFullError) Error() string {
	return fmt.Sprintf("outbox: storage full: %d pending mutations (cap %d)", e.Pending, e.Cap)
}

// IsStorageFull reports whether err is (or wraps) a StorageFullError.
func IsStorageFull(err error) bool {
	var target *StorageFullError
	return errors.As(err, &target)
}
