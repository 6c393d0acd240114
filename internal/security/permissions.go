package security

import (
	"fmt"
	"log/slog"
	"os"

	kerrors "github.com/kazedev/kiroku/internal/errors"
	"github.com/kazedev/kiroku/internal/fsutil"
)

// Permissions enforces owner-only modes: 0600 on files, 0700 on directories.
type Permissions struct {
	ValidateOnRead bool
	AutoRepair     bool
}

func NewPermissions(validateOnRead, autoRepair bool) *Permissions {
	return &Permissions{ValidateOnRead: validateOnRead, AutoRepair: autoRepair}
}

// CheckFile validates (and optionally repairs) a session file's mode.
func (p *Permissions) CheckFile(path string) error {
	return p.check(path, fsutil.FileMode, false)
}

// CheckDir validates (and optionally repairs) a directory's mode.
func (p *Permissions) CheckDir(path string) error {
	return p.check(path, fsutil.DirMode, true)
}

func (p *Permissions) check(path string, want os.FileMode, dir bool) error {
	if !p.ValidateOnRead {
		return nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return kerrors.MapFilesystemError(err)
	}
	if dir != info.IsDir() {
		return kerrors.IO(fmt.Sprintf("%s: unexpected entry type", path))
	}
	got := info.Mode().Perm()
	if got == want {
		return nil
	}

	slog.Warn("Permission violation detected", "path", path, "mode", got, "want", want)
	if !p.AutoRepair {
		return kerrors.PermissionDenied(fmt.Sprintf("%s has mode %o, want %o", path, got, want))
	}
	if err := os.Chmod(path, want); err != nil {
		return kerrors.PermissionDenied(fmt.Sprintf("repair %s to %o: %v", path, want, err))
	}
	slog.Info("Permissions repaired", "path", path, "mode", want)
	return nil
}
