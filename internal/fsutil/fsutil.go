package fsutil

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	kerrors "github.com/kazedev/kiroku/internal/errors"

	"github.com/natefinch/atomic"
)

const (
	// FileMode is applied to every session file.
	FileMode = os.FileMode(0o600)
	// DirMode is applied to the sessions directory tree.
	DirMode = os.FileMode(0o700)

	// DefaultMaxReadSize guards against runaway files.
	DefaultMaxReadSize = int64(10 * 1024 * 1024)
	DefaultMaxRetries  = 3
	DefaultRetryDelay  = 100 * time.Millisecond
)

type WriteOptions struct {
	CreateBackup bool
	MaxRetries   int
	RetryDelay   time.Duration
}

type ReadOptions struct {
	MaxSize    int64
	MaxRetries int
	RetryDelay time.Duration
}

// EnsureDir creates the directory owner-only if missing and tightens its
// mode if it already exists with a wider one.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, DirMode); err != nil {
		return kerrors.MapFilesystemError(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return kerrors.MapFilesystemError(err)
	}
	if info.Mode().Perm() != DirMode {
		if err := os.Chmod(path, DirMode); err != nil {
			return kerrors.MapFilesystemError(err)
		}
	}
	return nil
}

// AtomicWriteFile replaces path with data. The target either retains its
// prior content or holds the full new content; a crash never exposes a
// partial file. With CreateBackup set and an existing target, the prior
// content is copied to path+".bak" before replacement.
func AtomicWriteFile(path string, data []byte, opts WriteOptions) error {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}

	// The atomic library stages a temp file next to the target, so the
	// parent has to exist before the first attempt.
	if err := os.MkdirAll(filepath.Dir(path), DirMode); err != nil {
		return kerrors.MapFilesystemError(err)
	}

	if opts.CreateBackup {
		if prior, err := os.ReadFile(path); err == nil {
			if err := atomic.WriteFile(path+".bak", bytes.NewReader(prior)); err != nil {
				return kerrors.Wrap(kerrors.MapFilesystemError(err), "write backup")
			}
			if err := os.Chmod(path+".bak", FileMode); err != nil {
				slog.Warn("Failed to tighten backup mode", "path", path+".bak", "error", err)
			}
		} else if !os.IsNotExist(err) {
			return kerrors.Wrap(kerrors.MapFilesystemError(err), "read prior content for backup")
		}
	}

	var lastErr error
	for attempt := 0; attempt < opts.MaxRetries; attempt++ {
		err := atomic.WriteFile(path, bytes.NewReader(data))
		if err == nil {
			if err := os.Chmod(path, FileMode); err != nil {
				return kerrors.MapFilesystemError(err)
			}
			return nil
		}

		mapped := kerrors.MapFilesystemError(err)
		if !kerrors.IsRetryable(mapped) {
			return mapped
		}
		lastErr = mapped

		if attempt < opts.MaxRetries-1 {
			time.Sleep(opts.RetryDelay * (1 << attempt))
		}
	}
	return kerrors.Wrap(lastErr, fmt.Sprintf("atomic write %s exhausted %d retries", path, opts.MaxRetries))
}

// SafeReadFile reads path with a size guard and bounded retries on
// transient errors. A missing file fails immediately with NOT_FOUND.
func SafeReadFile(path string, opts ReadOptions) ([]byte, error) {
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxReadSize
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}

	var lastErr error
	for attempt := 0; attempt < opts.MaxRetries; attempt++ {
		info, err := os.Stat(path)
		if err != nil {
			mapped := kerrors.MapFilesystemError(err)
			if !kerrors.IsRetryable(mapped) {
				return nil, mapped
			}
			lastErr = mapped
		} else {
			if info.Size() > opts.MaxSize {
				return nil, kerrors.IO(fmt.Sprintf("file %s exceeds max size (%d > %d bytes)", path, info.Size(), opts.MaxSize))
			}
			data, err := os.ReadFile(path)
			if err == nil {
				return data, nil
			}
			mapped := kerrors.MapFilesystemError(err)
			if !kerrors.IsRetryable(mapped) {
				return nil, mapped
			}
			lastErr = mapped
		}

		if attempt < opts.MaxRetries-1 {
			time.Sleep(opts.RetryDelay * (1 << attempt))
		}
	}
	return nil, kerrors.Wrap(lastErr, fmt.Sprintf("read %s exhausted %d retries", path, opts.MaxRetries))
}

// SafeDeleteFile removes path; a missing file is not an error.
func SafeDeleteFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return kerrors.MapFilesystemError(err)
	}
	return nil
}

func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Compress gzips data and returns it base64-encoded.
func Compress(data []byte) (string, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return "", err
	}
	if _, err := zw.Write(data); err != nil {
		zw.Close()
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decompress reverses Compress.
func Decompress(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, kerrors.CorruptedData(fmt.Sprintf("decode base64: %v", err))
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, kerrors.CorruptedData(fmt.Sprintf("open gzip stream: %v", err))
	}
	defer zr.Close()

	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, kerrors.CorruptedData(fmt.Sprintf("decompress: %v", err))
	}
	return data, nil
}

func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func VerifyChecksum(data []byte, hexSum string) bool {
	computed := SHA256Hex(data)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(strings.ToLower(hexSum))) == 1
}

// ListSessionFiles returns the IDs of session files in dir: entries named
// <id>.json, excluding the index, backups and migration backups.
func ListSessionFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, kerrors.MapFilesystemError(err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		if name == "index.json" || strings.Contains(name, ".backup.") || strings.Contains(name, ".migration-backup.") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

// RepairPermissions walks dir tightening every directory to 0700 and every
// file to 0600. It returns the number of entries repaired.
func RepairPermissions(dir string) (int, error) {
	repaired := 0
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		want := FileMode
		if d.IsDir() {
			want = DirMode
		}
		if info.Mode().Perm() != want {
			if err := os.Chmod(path, want); err != nil {
				return err
			}
			slog.Warn("Repaired permissions", "path", path, "mode", want)
			repaired++
		}
		return nil
	})
	if err != nil {
		return repaired, kerrors.MapFilesystemError(err)
	}
	return repaired, nil
}
