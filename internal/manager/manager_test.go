package manager

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kazedev/kiroku/internal/cache"
	kerrors "github.com/kazedev/kiroku/internal/errors"
	"github.com/kazedev/kiroku/internal/migration"
	"github.com/kazedev/kiroku/internal/session"
	"github.com/kazedev/kiroku/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/uuid"
)

func newManager(t *testing.T, opts ...Option) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	migrator, err := migration.New(dir, nil)
	require.NoError(t, err)
	store, err := storage.Open(storage.Config{Dir: dir}, migrator, nil, nil)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	mgr, err := New(store, nil, Config{}, opts...)
	require.NoError(t, err)
	t.Cleanup(mgr.Close)
	return mgr, dir
}

func TestCreateSessionAllocatesUniqueIDs(t *testing.T) {
	mgr, dir := newManager(t)

	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		sess, err := mgr.CreateSession(CreateParams{Model: "gpt-4o", WorkspaceRoot: "/w"})
		require.NoError(t, err)

		parsed, err := uuid.Parse(sess.ID)
		require.NoError(t, err)
		assert.Equal(t, uuid.Version(4), parsed.Version())
		assert.False(t, seen[sess.ID])
		seen[sess.ID] = true

		assert.FileExists(t, filepath.Join(dir, sess.ID+".json"))
	}
}

func TestCreateSessionRequiresModel(t *testing.T) {
	mgr, _ := newManager(t)
	_, err := mgr.CreateSession(CreateParams{})
	require.Error(t, err)
	assert.True(t, kerrors.IsCategory(err, kerrors.ErrValidationFailed))
}

func TestSaveSessionBumpsLastModifiedStrictly(t *testing.T) {
	mgr, _ := newManager(t)
	sess, err := mgr.CreateSession(CreateParams{Model: "gpt-4o", WorkspaceRoot: "/w"})
	require.NoError(t, err)

	created := sess.Created
	prev := sess.LastModified
	for i := 0; i < 5; i++ {
		require.NoError(t, mgr.SaveSession(sess))
		assert.Greater(t, sess.LastModified, prev)
		assert.Equal(t, created, sess.Created)
		prev = sess.LastModified
	}
}

func TestRoundTripScenario(t *testing.T) {
	mgr, _ := newManager(t)

	title := "T"
	sess, err := mgr.CreateSession(CreateParams{Model: "gpt-4o", WorkspaceRoot: "/w", Title: &title})
	require.NoError(t, err)

	sess.Messages = append(sess.Messages,
		session.Message{ID: session.NewMessageID(), Role: session.RoleUser, Content: session.TextContent("hello"), Timestamp: session.NowMillis()},
		session.Message{ID: session.NewMessageID(), Role: session.RoleAssistant, Content: session.TextContent("hi"), Timestamp: session.NowMillis()},
	)
	require.NoError(t, mgr.SaveSession(sess))

	back, err := mgr.LoadSession(sess.ID, LoadOptions{ValidateIntegrity: true})
	require.NoError(t, err)
	assert.Equal(t, sess.Messages, back.Messages)
	assert.Equal(t, "T", *back.Title)

	metas, err := mgr.ListSessions(ListOptions{})
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, 2, metas[0].MessageCount)
	assert.Equal(t, "hello", metas[0].Preview)
	assert.Equal(t, "hi", metas[0].LastMessage)
}

func TestDeleteSessionClearsCurrent(t *testing.T) {
	mgr, _ := newManager(t)
	sess, err := mgr.CreateSession(CreateParams{Model: "gpt-4o", WorkspaceRoot: "/w"})
	require.NoError(t, err)
	require.NotNil(t, mgr.CurrentSession())

	require.NoError(t, mgr.DeleteSession(sess.ID))
	assert.Nil(t, mgr.CurrentSession())

	err = mgr.DeleteSession(sess.ID)
	require.Error(t, err)
	assert.True(t, kerrors.IsCategory(err, kerrors.ErrNotFound))
}

func TestRestoreSessionSetsCurrentAndBumpsTimestamp(t *testing.T) {
	mgr, _ := newManager(t)
	sess, err := mgr.CreateSession(CreateParams{Model: "gpt-4o", WorkspaceRoot: "/w"})
	require.NoError(t, err)
	before := sess.LastModified
	mgr.SetCurrentSession(nil)

	restored, err := mgr.RestoreSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, restored.ID)
	assert.Greater(t, restored.LastModified, before)
	require.NotNil(t, mgr.CurrentSession())
	assert.Equal(t, sess.ID, mgr.CurrentSession().ID)
}

func TestRestoreSessionWithContextPartitionsFiles(t *testing.T) {
	mgr, dir := newManager(t)

	present := filepath.Join(dir, "present.txt")
	require.NoError(t, os.WriteFile(present, []byte("x"), 0o600))

	sess, err := mgr.CreateSession(CreateParams{Model: "gpt-4o", WorkspaceRoot: "/w"})
	require.NoError(t, err)
	sess.ContextFiles = []string{present, filepath.Join(dir, "gone.txt")}
	require.NoError(t, mgr.SaveSession(sess))

	_, report, err := mgr.RestoreSessionWithContext(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{present}, report.Found)
	assert.Len(t, report.Missing, 1)
}

func TestListSessionsSortingAndPagination(t *testing.T) {
	mgr, _ := newManager(t)

	var ids []string
	for i := 0; i < 5; i++ {
		sess, err := mgr.CreateSession(CreateParams{Model: "gpt-4o", WorkspaceRoot: "/w"})
		require.NoError(t, err)
		// Space the timestamps out deterministically.
		sess.LastModified = sess.Created + int64(i*1000)
		require.NoError(t, mgr.Store().WriteSession(sess))
		ids = append(ids, sess.ID)
	}
	mgr.ListSessions(ListOptions{}) // warm

	metas, err := mgr.ListSessions(ListOptions{SortBy: SortByLastModified})
	require.NoError(t, err)
	require.Len(t, metas, 5)
	for i := 1; i < len(metas); i++ {
		assert.GreaterOrEqual(t, metas[i-1].LastModified, metas[i].LastModified)
	}
	assert.Equal(t, ids[4], metas[0].ID)

	asc, err := mgr.ListSessions(ListOptions{SortBy: SortByLastModified, SortOrder: "asc"})
	require.NoError(t, err)
	assert.Equal(t, ids[0], asc[0].ID)

	page, err := mgr.ListSessions(ListOptions{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, page, 2)

	tail, err := mgr.ListSessions(ListOptions{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, tail)
}

func TestListSessionsFilters(t *testing.T) {
	mgr, _ := newManager(t)

	_, err := mgr.CreateSession(CreateParams{Model: "gpt-4o", WorkspaceRoot: "/w", Tags: []string{"work"}})
	require.NoError(t, err)
	_, err = mgr.CreateSession(CreateParams{Model: "claude", WorkspaceRoot: "/w", Tags: []string{"home"}})
	require.NoError(t, err)

	byModel, err := mgr.ListSessions(ListOptions{Model: "claude"})
	require.NoError(t, err)
	assert.Len(t, byModel, 1)

	byTag, err := mgr.ListSessions(ListOptions{Tags: []string{"work", "missing"}})
	require.NoError(t, err)
	assert.Len(t, byTag, 1)
}

func TestCleanupDryRunLeavesStateUntouched(t *testing.T) {
	mgr, dir := newManager(t)

	now := session.NowMillis()
	day := int64(24 * 60 * 60 * 1000)
	for i := 0; i < 4; i++ {
		sess, err := mgr.CreateSession(CreateParams{Model: "gpt-4o", WorkspaceRoot: "/w"})
		require.NoError(t, err)
		sess.Created = now - 40*day
		sess.LastModified = now - 40*day + int64(i)
		require.NoError(t, mgr.Store().WriteSession(sess))
	}

	result, err := mgr.CleanupOldSessions(CleanupOptions{MaxAge: 30 * 24 * time.Hour, DryRun: true})
	require.NoError(t, err)
	assert.Len(t, result.DeletedSessions, 4)
	assert.Equal(t, 4, result.DeletedByAge)
	assert.Positive(t, result.SpaceFreed)

	files, err := filepath.Glob(filepath.Join(dir, "*-*.json"))
	require.NoError(t, err)
	assert.Len(t, files, 4)
}

func TestCleanupAgeAndCountScenario(t *testing.T) {
	mgr, _ := newManager(t)

	now := session.NowMillis()
	day := int64(24 * 60 * 60 * 1000)
	for i := 0; i < 10; i++ {
		sess, err := mgr.CreateSession(CreateParams{Model: "gpt-4o", WorkspaceRoot: "/w"})
		require.NoError(t, err)
		if i < 3 {
			sess.Created = now - 40*day
			sess.LastModified = now - 40*day + int64(i)
		} else {
			sess.LastModified = sess.Created + int64(i)
		}
		require.NoError(t, mgr.Store().WriteSession(sess))
	}

	result, err := mgr.CleanupOldSessions(CleanupOptions{
		MaxCount: 5,
		MaxAge:   30 * 24 * time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, result.DeletedByAge)
	assert.Equal(t, 2, result.DeletedByCount)
	assert.Len(t, result.DeletedSessions, 5)

	metas, err := mgr.ListSessions(ListOptions{})
	require.NoError(t, err)
	assert.Len(t, metas, 5)
}

func TestDeleteWithConfirmationHonorsCallback(t *testing.T) {
	answer := false
	mgr, dir := newManager(t, WithConfirmation(func(message, details string) bool { return answer }))

	sess, err := mgr.CreateSession(CreateParams{Model: "gpt-4o", WorkspaceRoot: "/w"})
	require.NoError(t, err)

	deleted, err := mgr.DeleteSessionWithConfirmation(sess.ID, false)
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.FileExists(t, filepath.Join(dir, sess.ID+".json"))

	answer = true
	deleted, err = mgr.DeleteSessionWithConfirmation(sess.ID, false)
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.NoFileExists(t, filepath.Join(dir, sess.ID+".json"))
	// The pre-delete backup survives.
	assert.FileExists(t, filepath.Join(dir, sess.ID+".json.bak"))
}

func TestDeleteWithConfirmationForceSkipsPrompt(t *testing.T) {
	mgr, _ := newManager(t)
	sess, err := mgr.CreateSession(CreateParams{Model: "gpt-4o", WorkspaceRoot: "/w"})
	require.NoError(t, err)

	deleted, err := mgr.DeleteSessionWithConfirmation(sess.ID, true)
	require.NoError(t, err)
	assert.True(t, deleted)
}

func TestForceAutoSaveWithoutCurrentFails(t *testing.T) {
	mgr, _ := newManager(t)
	err := mgr.ForceAutoSave()
	require.Error(t, err)
	assert.True(t, kerrors.IsCategory(err, kerrors.ErrNotFound))
}

func TestForceAutoSavePersistsCurrent(t *testing.T) {
	mgr, _ := newManager(t)
	sess, err := mgr.CreateSession(CreateParams{Model: "gpt-4o", WorkspaceRoot: "/w"})
	require.NoError(t, err)
	before := sess.LastModified

	require.NoError(t, mgr.ForceAutoSave())
	assert.Greater(t, mgr.CurrentSession().LastModified, before)
}

func TestAutoSaveConfigRejected(t *testing.T) {
	dir := t.TempDir()
	migrator, err := migration.New(dir, nil)
	require.NoError(t, err)
	store, err := storage.Open(storage.Config{Dir: dir}, migrator, nil, nil)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	_, err = New(store, nil, Config{AutoSave: AutoSaveConfig{Enabled: true, Interval: 0}})
	require.Error(t, err)
	assert.True(t, kerrors.IsCategory(err, kerrors.ErrConfigInvalid))

	_, err = New(store, nil, Config{AutoSave: AutoSaveConfig{Enabled: true, Interval: time.Minute, MaxRetries: -1}})
	require.Error(t, err)
}

func TestSessionStatsAggregates(t *testing.T) {
	mgr, _ := newManager(t, WithCache(cache.NewMetadataCache(time.Minute, 10)))

	sess, err := mgr.CreateSession(CreateParams{Model: "gpt-4o", WorkspaceRoot: "/w"})
	require.NoError(t, err)
	sess.TokenCount = session.TokenCount{Total: 100, Input: 60, Output: 40}
	sess.Messages = append(sess.Messages, session.Message{
		ID: session.NewMessageID(), Role: session.RoleUser, Content: session.TextContent("hi"), Timestamp: session.NowMillis(),
	})
	require.NoError(t, mgr.SaveSession(sess))

	stats, err := mgr.SessionStats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.SessionCount)
	assert.Equal(t, 1, stats.TotalMessages)
	assert.Equal(t, int64(100), stats.TotalTokens)
	assert.Equal(t, int64(1*500+100*4), stats.EstimatedBytes)

	// Cached listing still reflects the latest write.
	stats2, err := mgr.SessionStats()
	require.NoError(t, err)
	assert.Equal(t, stats, stats2)
}
