package errors

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"syscall"
)

// MapFilesystemError classifies raw filesystem errors into the engine
// taxonomy. Busy/locked/interrupted conditions map to ErrTransient so
// callers can retry; the rest map to a terminal category.
func MapFilesystemError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case os.IsNotExist(err):
		return fmt.Errorf("%v: %w", err, ErrNotFound)
	case os.IsPermission(err):
		return fmt.Errorf("%v: %w", err, ErrPermissionDenied)
	case os.IsExist(err):
		return fmt.Errorf("%v: %w", err, ErrAlreadyExists)
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EBUSY, syscall.EAGAIN, syscall.EINTR, syscall.ETXTBSY, syscall.EMFILE, syscall.ENFILE:
			return fmt.Errorf("%v: %w", err, ErrTransient)
		}
	}

	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return fmt.Errorf("%v: %w", err, ErrIO)
	}

	return fmt.Errorf("%v: %w", err, ErrIO)
}

// Category returns the taxonomy name for an error, or "internal" when the
// error carries no known sentinel.
func Category(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrAlreadyExists):
		return "ALREADY_EXISTS"
	case errors.Is(err, ErrValidationFailed):
		return "VALIDATION_FAILED"
	case errors.Is(err, ErrCorruptedData):
		return "CORRUPTED_DATA"
	case errors.Is(err, ErrPermissionDenied):
		return "PERMISSION_DENIED"
	case errors.Is(err, ErrMigrationFailed):
		return "MIGRATION_FAILED"
	case errors.Is(err, ErrProblematicSession):
		return "PROBLEMATIC_SESSION"
	case errors.Is(err, ErrCancelled):
		return "CANCELLED"
	case errors.Is(err, ErrTimeout):
		return "TIMEOUT"
	case errors.Is(err, ErrConfigInvalid):
		return "CONFIG_INVALID"
	case errors.Is(err, ErrTransient):
		return "TRANSIENT"
	case errors.Is(err, ErrIO):
		return "IO_ERROR"
	default:
		return "INTERNAL"
	}
}
