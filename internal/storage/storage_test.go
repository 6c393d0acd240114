package storage

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	kerrors "github.com/kazedev/kiroku/internal/errors"
	"github.com/kazedev/kiroku/internal/fsutil"
	"github.com/kazedev/kiroku/internal/migration"
	"github.com/kazedev/kiroku/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/uuid"
)

func openStore(t *testing.T, dir string, cfg Config) *Store {
	t.Helper()
	cfg.Dir = dir
	migrator, err := migration.New(dir, func() string { return "/workspace" })
	require.NoError(t, err)
	store, err := Open(cfg, migrator, nil, nil)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func newSession(model string, lastModified int64) *session.Session {
	now := session.NowMillis()
	if lastModified == 0 {
		lastModified = now
	}
	created := lastModified
	if created > now {
		created = now
	}
	title := "T"
	return &session.Session{
		ID:            uuid.NewString(),
		Version:       session.CurrentSchemaVersion,
		Created:       created,
		LastModified:  lastModified,
		Model:         model,
		WorkspaceRoot: "/w",
		TokenCount:    session.TokenCount{Total: 10, Input: 6, Output: 4},
		FilesAccessed: []string{},
		Messages: []session.Message{
			{ID: session.NewMessageID(), Role: session.RoleUser, Content: session.TextContent("hello"), Timestamp: created},
			{ID: session.NewMessageID(), Role: session.RoleAssistant, Content: session.TextContent("hi"), Timestamp: created},
		},
		ContextFiles: []string{},
		Tags:         []string{"test"},
		Title:        &title,
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	store := openStore(t, t.TempDir(), Config{ChecksumEnabled: true})
	sess := newSession("gpt-4o", 0)

	require.NoError(t, store.WriteSession(sess))

	back, err := store.ReadSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess, back)

	idx, err := store.GetIndex()
	require.NoError(t, err)
	meta, ok := idx.Sessions[sess.ID]
	require.True(t, ok)
	assert.Equal(t, 2, meta.MessageCount)
	assert.Equal(t, "hello", meta.Preview)
	assert.Equal(t, "hi", meta.LastMessage)
	assert.Equal(t, sess.LastModified, meta.LastModified)
}

func TestCompressionTransparency(t *testing.T) {
	dir := t.TempDir()
	store := openStore(t, dir, Config{CompressionEnabled: true, ChecksumEnabled: true})

	small := newSession("gpt-4o", 0)
	big := newSession("gpt-4o", 0)
	body := strings.Repeat("the same phrase over and over ", 200)
	big.Messages = append(big.Messages, session.Message{
		ID: session.NewMessageID(), Role: session.RoleUser, Content: session.TextContent(body), Timestamp: big.Created,
	})

	require.NoError(t, store.WriteSession(small))
	require.NoError(t, store.WriteSession(big))

	// The large repetitive session must actually be stored compressed.
	raw, err := os.ReadFile(filepath.Join(dir, big.ID+".json"))
	require.NoError(t, err)
	var env session.Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.True(t, env.Compressed)

	backSmall, err := store.ReadSession(small.ID)
	require.NoError(t, err)
	assert.Equal(t, small, backSmall)

	backBig, err := store.ReadSession(big.ID)
	require.NoError(t, err)
	assert.Equal(t, big, backBig)
}

func TestChecksumDetectsFlippedByte(t *testing.T) {
	dir := t.TempDir()
	store := openStore(t, dir, Config{ChecksumEnabled: true})
	sess := newSession("gpt-4o", 0)
	require.NoError(t, store.WriteSession(sess))

	path := filepath.Join(dir, sess.ID+".json")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := bytes.Replace(raw, []byte("gpt-4o"), []byte("gpt-4x"), 1)
	require.NotEqual(t, raw, tampered)
	require.NoError(t, os.WriteFile(path, tampered, 0o600))

	_, err = store.ReadSession(sess.ID)
	require.Error(t, err)
	assert.True(t, kerrors.IsCategory(err, kerrors.ErrCorruptedData))
}

func TestDeleteRemovesFileAndIndexEntry(t *testing.T) {
	dir := t.TempDir()
	store := openStore(t, dir, Config{})
	sess := newSession("gpt-4o", 0)
	require.NoError(t, store.WriteSession(sess))

	require.NoError(t, store.DeleteSession(sess.ID))

	assert.False(t, fsutil.FileExists(filepath.Join(dir, sess.ID+".json")))
	idx, err := store.GetIndex()
	require.NoError(t, err)
	_, ok := idx.Sessions[sess.ID]
	assert.False(t, ok)

	err = store.DeleteSession(sess.ID)
	require.Error(t, err)
	assert.True(t, kerrors.IsCategory(err, kerrors.ErrNotFound))
}

func TestIndexConsistencyAfterWritesAndDeletes(t *testing.T) {
	dir := t.TempDir()
	store := openStore(t, dir, Config{})

	var ids []string
	for i := 0; i < 5; i++ {
		sess := newSession("gpt-4o", 0)
		require.NoError(t, store.WriteSession(sess))
		ids = append(ids, sess.ID)
	}
	require.NoError(t, store.DeleteSession(ids[0]))
	require.NoError(t, store.DeleteSession(ids[3]))

	files, err := fsutil.ListSessionFiles(dir)
	require.NoError(t, err)
	idx, err := store.GetIndex()
	require.NoError(t, err)

	assert.Len(t, idx.Sessions, len(files))
	for _, id := range files {
		_, ok := idx.Sessions[id]
		assert.True(t, ok, "file %s missing from index", id)
	}
}

func TestRebuildIndexMatchesWrittenMetadata(t *testing.T) {
	dir := t.TempDir()
	store := openStore(t, dir, Config{})

	sess := newSession("gpt-4o", 0)
	require.NoError(t, store.WriteSession(sess))

	before, err := store.GetIndex()
	require.NoError(t, err)

	require.NoError(t, store.RebuildIndex())

	after, err := store.GetIndex()
	require.NoError(t, err)
	assert.Equal(t, before.Sessions, after.Sessions)
}

func TestIndexRebuiltWhenFileCorrupted(t *testing.T) {
	dir := t.TempDir()
	store := openStore(t, dir, Config{})
	sess := newSession("gpt-4o", 0)
	require.NoError(t, store.WriteSession(sess))
	store.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.json"), []byte("{broken"), 0o600))

	reopened := openStore(t, dir, Config{})
	idx, err := reopened.GetIndex()
	require.NoError(t, err)
	_, ok := idx.Sessions[sess.ID]
	assert.True(t, ok)
}

func TestIndexBackupPrecedesMutation(t *testing.T) {
	dir := t.TempDir()
	store := openStore(t, dir, Config{})

	first := newSession("gpt-4o", 0)
	require.NoError(t, store.WriteSession(first))
	second := newSession("gpt-4o", 0)
	require.NoError(t, store.WriteSession(second))

	backups, err := filepath.Glob(filepath.Join(dir, "index.json.backup.*"))
	require.NoError(t, err)
	require.NotEmpty(t, backups)

	// The newest backup holds the pre-mutation index, which knows the
	// first session but not necessarily the second.
	data, err := os.ReadFile(backups[len(backups)-1])
	require.NoError(t, err)
	var idx session.Index
	require.NoError(t, json.Unmarshal(data, &idx))
	_, ok := idx.Sessions[first.ID]
	assert.True(t, ok)
}

func TestCleanupByAgeAndCount(t *testing.T) {
	dir := t.TempDir()
	store := openStore(t, dir, Config{})

	now := session.NowMillis()
	day := int64(24 * 60 * 60 * 1000)

	var old, fresh []string
	for i := 0; i < 3; i++ {
		sess := newSession("gpt-4o", now-40*day+int64(i))
		require.NoError(t, store.WriteSession(sess))
		old = append(old, sess.ID)
	}
	for i := 0; i < 7; i++ {
		sess := newSession("gpt-4o", now-int64(7-i)*day)
		require.NoError(t, store.WriteSession(sess))
		fresh = append(fresh, sess.ID)
	}

	deleted, err := store.CleanupOldSessions(5, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Len(t, deleted, 5)

	idx, err := store.GetIndex()
	require.NoError(t, err)
	assert.Len(t, idx.Sessions, 5)

	for _, id := range old {
		_, ok := idx.Sessions[id]
		assert.False(t, ok, "aged-out session %s survived", id)
	}
	// The five most recently modified sessions survive.
	for _, id := range fresh[2:] {
		_, ok := idx.Sessions[id]
		assert.True(t, ok, "recent session %s was deleted", id)
	}
}

func TestCreateBackupCopiesCurrentContent(t *testing.T) {
	dir := t.TempDir()
	store := openStore(t, dir, Config{})
	sess := newSession("gpt-4o", 0)
	require.NoError(t, store.WriteSession(sess))

	require.NoError(t, store.CreateBackup(sess.ID))

	orig, err := os.ReadFile(filepath.Join(dir, sess.ID+".json"))
	require.NoError(t, err)
	backup, err := os.ReadFile(filepath.Join(dir, sess.ID+".json.bak"))
	require.NoError(t, err)
	assert.Equal(t, orig, backup)
}

func TestReadMigratesLegacySessionFile(t *testing.T) {
	dir := t.TempDir()
	store := openStore(t, dir, Config{})

	id := uuid.NewString()
	legacy := map[string]any{
		"id":           id,
		"version":      "0.7.0",
		"created":      int64(1700000000000),
		"lastModified": int64(1700000000001),
		"model":        "gpt-4o",
		"tokenCount":   map[string]any{"total": 0, "input": 0, "output": 0},
		"messages":     []any{},
	}
	raw, err := json.Marshal(legacy)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+".json"), raw, 0o600))

	sess, err := store.ReadSession(id)
	require.NoError(t, err)
	assert.Equal(t, session.CurrentSchemaVersion, sess.Version)
	assert.Equal(t, "/workspace", sess.WorkspaceRoot)
	assert.NotNil(t, sess.ContextFiles)
	assert.NotNil(t, sess.Tags)

	backups, err := filepath.Glob(filepath.Join(dir, id+".migration-backup.*.json"))
	require.NoError(t, err)
	assert.Len(t, backups, 1)

	// The upgraded session was persisted and indexed.
	idx, err := store.GetIndex()
	require.NoError(t, err)
	_, ok := idx.Sessions[id]
	assert.True(t, ok)

	again, err := store.ReadSession(id)
	require.NoError(t, err)
	assert.Equal(t, sess, again)
}

func TestValidateSessionFileReports(t *testing.T) {
	dir := t.TempDir()
	store := openStore(t, dir, Config{})

	sess := newSession("gpt-4o", 0)
	require.NoError(t, store.WriteSession(sess))

	report := store.ValidateSessionFile(sess.ID)
	assert.True(t, report.Exists)
	assert.True(t, report.Readable)
	assert.True(t, report.StructuralOK)
	assert.Empty(t, report.Errors)

	missing := store.ValidateSessionFile(uuid.NewString())
	assert.False(t, missing.Exists)
	assert.NotEmpty(t, missing.Errors)
}

func TestCleanupOrphanedEntries(t *testing.T) {
	dir := t.TempDir()
	store := openStore(t, dir, Config{})

	keep := newSession("gpt-4o", 0)
	lost := newSession("gpt-4o", 0)
	require.NoError(t, store.WriteSession(keep))
	require.NoError(t, store.WriteSession(lost))

	// Remove a file behind the store's back to orphan its index entry.
	require.NoError(t, os.Remove(filepath.Join(dir, lost.ID+".json")))

	report, err := store.CleanupOrphanedEntries()
	require.NoError(t, err)
	assert.Equal(t, []string{lost.ID}, report.OrphanedEntriesRemoved)
	assert.NotEmpty(t, report.BackupCreated)

	idx, err := store.GetIndex()
	require.NoError(t, err)
	_, ok := idx.Sessions[lost.ID]
	assert.False(t, ok)
	_, ok = idx.Sessions[keep.ID]
	assert.True(t, ok)
}

func TestSecondStoreCannotShareDirectory(t *testing.T) {
	dir := t.TempDir()
	openStore(t, dir, Config{})

	migrator, err := migration.New(dir, nil)
	require.NoError(t, err)
	_, err = Open(Config{Dir: dir, LockTimeout: 50 * time.Millisecond, LockRetry: 10 * time.Millisecond, LockMaxRetry: 3},
		migrator, nil, nil)
	require.Error(t, err)
}

func TestCheckStorageLimitsWarnsNearBudget(t *testing.T) {
	dir := t.TempDir()
	store := openStore(t, dir, Config{})

	for i := 0; i < 9; i++ {
		require.NoError(t, store.WriteSession(newSession("gpt-4o", 0)))
	}

	limits, err := store.CheckStorageLimits(10)
	require.NoError(t, err)
	assert.Equal(t, 9, limits.SessionCount)
	assert.NotEmpty(t, limits.Warnings)
	assert.Positive(t, limits.EstimatedBytes)
}
