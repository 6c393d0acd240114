package errors

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for different categories
var (
	// ErrNotFound - session or file missing
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists - duplicate ID on create/import
	ErrAlreadyExists = errors.New("already exists")

	// ErrValidationFailed - schema or invariant violation
	ErrValidationFailed = errors.New("validation failed")

	// ErrCorruptedData - JSON parse failure or checksum mismatch
	ErrCorruptedData = errors.New("corrupted data")

	// ErrPermissionDenied - filesystem permissions invalid and not repairable
	ErrPermissionDenied = errors.New("permission denied")

	// ErrIO - non-retryable filesystem failure, or retries exhausted
	ErrIO = errors.New("io error")

	// ErrMigrationFailed - schema migration aborted (see migration package for subtypes)
	ErrMigrationFailed = errors.New("migration failed")

	// ErrProblematicSession - blocked by error-recovery policy
	ErrProblematicSession = errors.New("problematic session")

	// ErrCancelled - user rejected a confirmation
	ErrCancelled = errors.New("cancelled")

	// ErrTimeout - background task exceeded its deadline
	ErrTimeout = errors.New("timeout")

	// ErrConfigInvalid - rejected configuration value
	ErrConfigInvalid = errors.New("invalid config")

	// ErrTransient - retryable filesystem condition (busy, locked, missing parent)
	ErrTransient = errors.New("transient error")
)

func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

func IsCategory(err error, category error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, category)
}

func NotFound(message string) error {
	return fmt.Errorf("%s: %w", message, ErrNotFound)
}

func AlreadyExists(message string) error {
	return fmt.Errorf("%s: %w", message, ErrAlreadyExists)
}

func ValidationFailed(message string) error {
	return fmt.Errorf("%s: %w", message, ErrValidationFailed)
}

func CorruptedData(message string) error {
	return fmt.Errorf("%s: %w", message, ErrCorruptedData)
}

func PermissionDenied(message string) error {
	return fmt.Errorf("%s: %w", message, ErrPermissionDenied)
}

func IO(message string) error {
	return fmt.Errorf("%s: %w", message, ErrIO)
}

func ConfigInvalid(message string) error {
	return fmt.Errorf("%s: %w", message, ErrConfigInvalid)
}

func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrTransient)
}
