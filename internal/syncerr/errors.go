// Package syncerr holds the error taxonomy of the sync engine.
//
// Conflicts are not errors: they are persisted state. Only the classes below
// travel as Go errors, and callers match them with errors.Is / errors.As.
package syncerr

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrStaleVersion indicates a token mismatch. Expected during sync and routed
	// to conflict handling rather than reported as a failure.
	ErrStaleVersion = errors.New("stale version")

	// ErrResurrectionBlocked indicates an incoming write targets a tombstoned id
	ErrResurrectionBlocked = errors.New("resurrection blocked by tombstone")

	// ErrSessionConflict indicates two sessions overlap for the same device
	ErrSessionConflict = errors.New("sync session already in progress for device")

	// ErrStorageUnavailable indicates a retryable storage collaborator failure
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrInvalidBatch indicates a malformed change inside a batch
	ErrInvalidBatch = errors.New("invalid batch item")

	// ErrStorageCorrupt indicates storage returned data that violates invariants
	ErrStorageCorrupt = errors.New("storage corruption detected")

	// ErrIdentityUnavailable indicates the acting user/device could not be established
	ErrIdentityUnavailable = errors.New("identity unavailable")

	// ErrNotFound indicates the requested row does not exist
	ErrNotFound = errors.New("not found")

	// ErrAlreadyRestored indicates a tombstone was already restored once
	ErrAlreadyRestored = errors.New("tombstone already restored")
)

// InvalidChangeError reports a malformed change at a batch position
type InvalidChangeError struct {
	Index  int
	Reason string
}

func (e *InvalidChangeError) Error() string {
	return fmt.Sprintf("invalid change at index %d: %s", e.Index, e.Reason)
}

func (e *InvalidChangeError) Unwrap() error { return ErrInvalidBatch }

// VersionMismatchError indicates optimistic locking failure
type VersionMismatchError struct {
	Expected int64
	Actual   int64
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("version mismatch: expected %d, actual %d", e.Expected, e.Actual)
}

func (e *VersionMismatchError) Unwrap() error { return ErrStaleVersion }

// Unavailable wraps err as a retryable storage failure
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

// Corrupt wraps err as a fatal storage failure
func Corrupt(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageCorrupt, err)
}

// IsRetryable reports whether err may succeed on retry
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}

// IsFatal reports whether err must abort the whole session.
// Context cancellation is fatal for the batch but not for already-committed writes.
func IsFatal(err error) bool {
	return errors.Is(err, ErrStorageCorrupt) ||
		errors.Is(err, ErrIdentityUnavailable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
