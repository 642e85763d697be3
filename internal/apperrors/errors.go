// Package apperrors provides common static errors used throughout the application.
package apperrors

import (
	"errors"
	"fmt"
)

// CorruptionError reports a file whose bytes no longer match the indexed hash.
type CorruptionError struct {
	Path     string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *CorruptionError) Error() string {
	return fmt.Sprintf("%s: %s: expected hash %s, got %s", ErrCorrupted, e.Path, e.Expected, e.Actual)
}

// Is makes errors.Is(err, ErrCorrupted) match a CorruptionError.
func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorrupted
}

// NewCorruptionError creates a new CorruptionError.
func NewCorruptionError(path, expected, actual string) *CorruptionError {
	return &CorruptionError{Path: path, Expected: expected, Actual: actual}
}

// Common static errors used throughout the application.
var (
	// ErrNotFound is returned when a path has no metadata, or its file vanished from disk.
	ErrNotFound = errors.New("not found")

	// ErrCorrupted is returned when a file exists but its content hash differs from the index.
	ErrCorrupted = errors.New("content hash mismatch")

	// ErrInvalidPath is returned for empty, absolute or escaping paths, and for non-regular files.
	ErrInvalidPath = errors.New("invalid path")

	// ErrPathRequired is returned when a command needs a path argument.
	ErrPathRequired = errors.New("path required")

	// ErrFileTooLarge is returned when a file exceeds the configured maximum sync size.
	ErrFileTooLarge = errors.New("file exceeds maximum size")

	// ErrMissingFileData is returned when a transfer is planned but the source side has no file.
	ErrMissingFileData = errors.New("file data missing for transfer")

	// ErrSyncEnvironment is returned when the sync root disappears while syncing.
	ErrSyncEnvironment = errors.New("sync environment is corrupted")

	// ErrStoreClosed is returned when using a store after Close.
	ErrStoreClosed = errors.New("store closed")

	// ErrUnknownBackend is returned for an unsupported metadata backend name.
	ErrUnknownBackend = errors.New("unknown metadata backend")

	// ErrUnknownRemote is returned for an unsupported remote replica type.
	ErrUnknownRemote = errors.New("unknown remote type")

	// ErrUnknownConflictPolicy is returned for an unsupported conflict policy name.
	ErrUnknownConflictPolicy = errors.New("unknown conflict policy")

	// ErrInvalidConfig is returned when the configuration fails validation.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrRemoteNotConfigured is returned when sync is attempted without a remote.
	ErrRemoteNotConfigured = errors.New("remote not configured (set BOX_REMOTE_DIR or BOX_S3_BUCKET)")
)
