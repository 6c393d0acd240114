package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	kerrors "github.com/kazedev/kiroku/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicWriteCreatesFileWithOwnerOnlyMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.json")

	require.NoError(t, AtomicWriteFile(path, []byte(`{"x":1}`), WriteOptions{}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, FileMode, info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"x":1}`, string(data))
}

func TestAtomicWriteBackupKeepsPriorContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.json")

	require.NoError(t, AtomicWriteFile(path, []byte("first"), WriteOptions{}))
	require.NoError(t, AtomicWriteFile(path, []byte("second"), WriteOptions{CreateBackup: true}))

	backup, err := os.ReadFile(path + ".bak")
	require.NoError(t, err)
	assert.Equal(t, "first", string(backup))

	current, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(current))
}

func TestAtomicWriteCreatesMissingParent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "deep", "a.json")

	require.NoError(t, AtomicWriteFile(path, []byte("x"), WriteOptions{}))
	assert.True(t, FileExists(path))
}

func TestSafeReadFileEnforcesMaxSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.json")
	require.NoError(t, os.WriteFile(path, make([]byte, 2048), 0o600))

	_, err := SafeReadFile(path, ReadOptions{MaxSize: 1024})
	require.Error(t, err)
	assert.True(t, kerrors.IsCategory(err, kerrors.ErrIO))
}

func TestSafeReadFileMissingIsNotFound(t *testing.T) {
	_, err := SafeReadFile(filepath.Join(t.TempDir(), "nope.json"), ReadOptions{})
	require.Error(t, err)
	assert.True(t, kerrors.IsCategory(err, kerrors.ErrNotFound))
}

func TestCompressRoundTrip(t *testing.T) {
	payload := []byte(`{"messages":["hello hello hello hello hello hello hello"]}`)

	encoded, err := Compress(payload)
	require.NoError(t, err)

	decoded, err := Decompress(encoded)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

func TestDecompressRejectsGarbage(t *testing.T) {
	_, err := Decompress("not base64 at all!!!")
	require.Error(t, err)
	assert.True(t, kerrors.IsCategory(err, kerrors.ErrCorruptedData))
}

func TestChecksumVerification(t *testing.T) {
	data := []byte("payload")
	sum := SHA256Hex(data)

	assert.Len(t, sum, 64)
	assert.True(t, VerifyChecksum(data, sum))
	assert.False(t, VerifyChecksum([]byte("tampered"), sum))
}

func TestListSessionFilesSkipsIndexAndBackups(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"11111111-2222-4333-8444-555555555555.json",
		"11111111-2222-4333-8444-555555555555.json.bak",
		"index.json",
		"index.json.backup.2026-01-01T00-00-00-000Z",
		"11111111-2222-4333-8444-555555555555.migration-backup.1700000000000.json",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o600))
	}

	ids, err := ListSessionFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"11111111-2222-4333-8444-555555555555"}, ids)
}

func TestRepairPermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loose.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))
	require.NoError(t, os.Chmod(dir, 0o755))

	repaired, err := RepairPermissions(dir)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, repaired, 2)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, FileMode, info.Mode().Perm())

	dirInfo, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, DirMode, dirInfo.Mode().Perm())
}
