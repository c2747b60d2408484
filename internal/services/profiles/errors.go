package profiles

import (
	"errors"
	"fmt"
)

// Resource errors raised during profile creation. Non-retryable for the
// attempt that raised them; the pool may retry on a fresh clone slot.
var (
	// ErrProfileLocked means the base profile is held by a live browser
	ErrProfileLocked = errors.New("base profile is locked by another process")

	// ErrInsufficientSpace means the clone would not fit on disk
	ErrInsufficientSpace = errors.New("insufficient disk space for profile clone")

	// ErrPermissionDenied means the base or clone root is not accessible
	ErrPermissionDenied = errors.New("permission denied accessing profile directory")
)

// CorruptedError reports a structurally invalid base profile or clone
type CorruptedError struct {
	Path   string
	Reason string
}

func (e *CorruptedError) Error() string {
	return fmt.Sprintf("profile corrupted at %s: %s", e.Path, e.Reason)
}

// IsCorrupted reports whether err wraps a CorruptedError
func IsCorrupted(err error) bool {
	var ce *CorruptedError
	return errors.As(err, &ce)
}
