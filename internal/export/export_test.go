package export

import (
	"encoding/json"
	"strings"
	"testing"

	kerrors "github.com/kazedev/kiroku/internal/errors"
	"github.com/kazedev/kiroku/internal/migration"
	"github.com/kazedev/kiroku/internal/session"
	"github.com/kazedev/kiroku/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/uuid"
)

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	dir := t.TempDir()
	migrator, err := migration.New(dir, nil)
	require.NoError(t, err)
	store, err := storage.Open(storage.Config{Dir: dir}, migrator, nil, nil)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func sampleSession() *session.Session {
	now := session.NowMillis()
	title := "export me"
	return &session.Session{
		ID:            uuid.NewString(),
		Version:       session.CurrentSchemaVersion,
		Created:       now,
		LastModified:  now,
		Model:         "gpt-4o",
		WorkspaceRoot: "/home/dev/project",
		TokenCount:    session.TokenCount{Total: 20, Input: 12, Output: 8},
		FilesAccessed: []string{},
		Messages: []session.Message{
			{ID: session.NewMessageID(), Role: session.RoleUser, Content: session.TextContent("my key is sk-abcdefghijklmnopqrst"), Timestamp: now},
			{ID: session.NewMessageID(), Role: session.RoleAssistant, Content: session.TextContent("noted"), Timestamp: now},
		},
		ContextFiles: []string{"/definitely/missing/file.go"},
		Tags:         []string{"demo"},
		Title:        &title,
	}
}

func TestExportSanitizesSecretsAndWorkspace(t *testing.T) {
	data, err := Export(sampleSession(), DefaultOptions())
	require.NoError(t, err)

	text := string(data)
	assert.NotContains(t, text, "sk-abcdefghijklmnopqrst")
	assert.Contains(t, text, "[REDACTED]")
	assert.Contains(t, text, WorkspacePathRemoved)
	assert.NotContains(t, text, "/home/dev/project")
}

func TestExportWithoutContentRemovesBodies(t *testing.T) {
	opts := DefaultOptions()
	opts.IncludeContent = false

	data, err := Export(sampleSession(), opts)
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	require.NotNil(t, env.Session)
	for _, m := range env.Session.Messages {
		assert.Equal(t, ContentRemoved, m.Content.Flatten())
	}
}

func TestExportDoesNotMutateSource(t *testing.T) {
	src := sampleSession()
	originalBody := src.Messages[0].Content.Flatten()

	opts := DefaultOptions()
	opts.IncludeContent = false
	_, err := Export(src, opts)
	require.NoError(t, err)

	assert.Equal(t, originalBody, src.Messages[0].Content.Flatten())
	assert.Equal(t, "/home/dev/project", src.WorkspaceRoot)
}

func TestExportMetadataOnly(t *testing.T) {
	opts := DefaultOptions()
	opts.MetadataOnly = true

	data, err := Export(sampleSession(), opts)
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, TypeSessionMetadata, env.Type)
	assert.Nil(t, env.Session)
	require.NotNil(t, env.Metadata)
}

func TestExportDeterministicApartFromStamp(t *testing.T) {
	src := sampleSession()
	opts := DefaultOptions()

	first, err := Export(src, opts)
	require.NoError(t, err)
	second, err := Export(src, opts)
	require.NoError(t, err)

	var a, b map[string]any
	require.NoError(t, json.Unmarshal(first, &a))
	require.NoError(t, json.Unmarshal(second, &b))
	delete(a, "exported")
	delete(b, "exported")
	assert.Equal(t, a, b)
}

func TestImportRoundTripWithNewID(t *testing.T) {
	store := newStore(t)
	src := sampleSession()

	opts := DefaultOptions()
	opts.IncludeContent = false
	data, err := Export(src, opts)
	require.NoError(t, err)

	result, err := Import(data, store, ImportOptions{GenerateNewID: true})
	require.NoError(t, err)

	assert.True(t, result.NewIDGenerated)
	assert.Equal(t, src.ID, result.OriginalID)
	assert.NotEqual(t, src.ID, result.Session.ID)
	assert.Equal(t, WorkspacePathRemoved, result.Session.WorkspaceRoot)
	assert.Contains(t, result.MissingContextFiles, "/definitely/missing/file.go")
	for _, m := range result.Session.Messages {
		assert.Equal(t, ContentRemoved, m.Content.Flatten())
	}

	back, err := store.ReadSession(result.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, result.Session.ID, back.ID)
}

func TestImportSamePayloadYieldsDistinctSessions(t *testing.T) {
	store := newStore(t)
	data, err := Export(sampleSession(), DefaultOptions())
	require.NoError(t, err)

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		result, err := Import(data, store, ImportOptions{GenerateNewID: true})
		require.NoError(t, err)
		assert.False(t, seen[result.Session.ID])
		seen[result.Session.ID] = true

		_, err = store.ReadSession(result.Session.ID)
		require.NoError(t, err)
	}
	assert.Len(t, seen, 3)
}

func TestImportDuplicateIDStrictFails(t *testing.T) {
	store := newStore(t)
	src := sampleSession()

	data, err := Export(src, DefaultOptions())
	require.NoError(t, err)

	first, err := Import(data, store, ImportOptions{})
	require.NoError(t, err)
	assert.False(t, first.NewIDGenerated)

	_, err = Import(data, store, ImportOptions{Strict: true})
	require.Error(t, err)
	assert.True(t, kerrors.IsCategory(err, kerrors.ErrAlreadyExists))

	second, err := Import(data, store, ImportOptions{})
	require.NoError(t, err)
	assert.True(t, second.NewIDGenerated)
	assert.NotEmpty(t, second.Warnings)
}

func TestImportRepairsIncompletePayload(t *testing.T) {
	store := newStore(t)

	payload := `{"session": {"messages": [{"role": "user", "content": "hi"}]}}`
	result, err := Import([]byte(payload), store, ImportOptions{GenerateNewID: true})
	require.NoError(t, err)

	assert.NotEmpty(t, result.Warnings)
	require.Len(t, result.Session.Messages, 1)
	assert.NotEmpty(t, result.Session.Messages[0].ID)
	assert.Positive(t, result.Session.Created)
}

func TestImportStrictRejectsMissingHeader(t *testing.T) {
	store := newStore(t)
	payload := `{"session": {"id": "` + uuid.NewString() + `"}}`

	_, err := Import([]byte(payload), store, ImportOptions{Strict: true})
	require.Error(t, err)
	assert.True(t, kerrors.IsCategory(err, kerrors.ErrValidationFailed))
}

func TestImportRejectsGarbage(t *testing.T) {
	store := newStore(t)
	_, err := Import([]byte("not json"), store, ImportOptions{})
	require.Error(t, err)
	assert.True(t, kerrors.IsCategory(err, kerrors.ErrCorruptedData))
}

func TestImportWorkspaceOverride(t *testing.T) {
	store := newStore(t)
	data, err := Export(sampleSession(), DefaultOptions())
	require.NoError(t, err)

	result, err := Import(data, store, ImportOptions{GenerateNewID: true, WorkspaceRoot: "/new/workspace"})
	require.NoError(t, err)
	assert.Equal(t, "/new/workspace", result.Session.WorkspaceRoot)
}

func TestFormatVariants(t *testing.T) {
	src := sampleSession()

	pretty, err := Export(src, Options{Format: FormatJSONPretty, IncludeContent: true})
	require.NoError(t, err)
	compact, err := Export(src, Options{Format: FormatJSONCompact, IncludeContent: true})
	require.NoError(t, err)

	assert.True(t, strings.Contains(string(pretty), "\n"))
	assert.False(t, strings.Contains(string(compact), "\n  "))

	_, err = Export(src, Options{Format: "xml"})
	require.Error(t, err)
}
