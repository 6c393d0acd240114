package manager

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/kazedev/kiroku/internal/cache"
	kerrors "github.com/kazedev/kiroku/internal/errors"
	"github.com/kazedev/kiroku/internal/export"
	"github.com/kazedev/kiroku/internal/search"
	"github.com/kazedev/kiroku/internal/security"
	"github.com/kazedev/kiroku/internal/session"
	"github.com/kazedev/kiroku/internal/storage"

	"github.com/google/uuid"
)

// ConfirmationCallback is provided by the host UI; the engine never prompts
// on its own.
type ConfirmationCallback func(message, details string) bool

// NotificationCallback surfaces non-fatal events to the host UI.
type NotificationCallback func(message string)

type Config struct {
	MaxSessions int
	MaxAge      time.Duration
	AutoSave    AutoSaveConfig
}

// Manager owns the current-session slot and fronts every session
// operation consumed by the UI and command layer.
type Manager struct {
	store    *storage.Store
	searcher *search.Engine
	audit    *security.AuditLogger
	cache    *cache.MetadataCache
	cfg      Config

	confirm       ConfirmationCallback
	notify        NotificationCallback
	workspaceRoot func() string

	mu       sync.Mutex
	current  *session.Session
	autosave *autoSaver
}

type Option func(*Manager)

func WithConfirmation(cb ConfirmationCallback) Option {
	return func(m *Manager) { m.confirm = cb }
}

func WithNotification(cb NotificationCallback) Option {
	return func(m *Manager) { m.notify = cb }
}

func WithWorkspaceRoot(fn func() string) Option {
	return func(m *Manager) { m.workspaceRoot = fn }
}

// WithCache enables index caching on the listing path.
func WithCache(c *cache.MetadataCache) Option {
	return func(m *Manager) { m.cache = c }
}

func New(store *storage.Store, audit *security.AuditLogger, cfg Config, opts ...Option) (*Manager, error) {
	m := &Manager{
		store:    store,
		searcher: search.NewEngine(store),
		audit:    audit,
		cfg:      cfg,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.workspaceRoot == nil {
		m.workspaceRoot = func() string {
			wd, err := os.Getwd()
			if err != nil {
				return "."
			}
			return wd
		}
	}

	saver, err := newAutoSaver(m, cfg.AutoSave)
	if err != nil {
		return nil, err
	}
	m.autosave = saver
	return m, nil
}

// --- Lifecycle ---

type CreateParams struct {
	Model         string
	WorkspaceRoot string
	Title         *string
	Tags          []string
	Notes         *string
}

func (m *Manager) CreateSession(params CreateParams) (*session.Session, error) {
	if params.Model == "" {
		return nil, kerrors.ValidationFailed("model is required")
	}
	workspaceRoot := params.WorkspaceRoot
	if workspaceRoot == "" {
		workspaceRoot = m.workspaceRoot()
	}

	now := session.NowMillis()
	sess := &session.Session{
		ID:            uuid.NewString(),
		Version:       session.CurrentSchemaVersion,
		Created:       now,
		LastModified:  now,
		Model:         params.Model,
		WorkspaceRoot: workspaceRoot,
		FilesAccessed: []string{},
		Messages:      []session.Message{},
		ContextFiles:  []string{},
		Tags:          append([]string{}, params.Tags...),
		Title:         params.Title,
		Notes:         params.Notes,
	}

	if err := m.store.WriteSession(sess); err != nil {
		return nil, err
	}
	m.invalidateCache()

	m.mu.Lock()
	m.current = sess
	m.mu.Unlock()
	return sess, nil
}

// SaveSession bumps lastModified strictly past its prior value and
// persists. If the clock has not advanced, the stamp moves forward 1 ms.
func (m *Manager) SaveSession(sess *session.Session) error {
	if sess == nil {
		return kerrors.ValidationFailed("session is nil")
	}

	now := session.NowMillis()
	if now <= sess.LastModified {
		now = sess.LastModified + 1
	}
	sess.LastModified = now

	if err := m.store.WriteSession(sess); err != nil {
		return err
	}
	m.invalidateCache()

	m.mu.Lock()
	if m.current != nil && m.current.ID == sess.ID {
		m.current = sess
	}
	m.mu.Unlock()
	return nil
}

type LoadOptions struct {
	ValidateIntegrity bool
	UpdateTimestamp   bool
}

func (m *Manager) LoadSession(id string, opts LoadOptions) (*session.Session, error) {
	sess, err := m.store.ReadSession(id)
	if err != nil {
		return nil, err
	}
	if opts.ValidateIntegrity {
		if err := m.ValidateSessionIntegrityErr(sess); err != nil {
			return nil, err
		}
	}
	if opts.UpdateTimestamp {
		if err := m.SaveSession(sess); err != nil {
			return nil, err
		}
	}
	return sess, nil
}

func (m *Manager) DeleteSession(id string) error {
	m.mu.Lock()
	if m.current != nil && m.current.ID == id {
		m.current = nil
	}
	m.mu.Unlock()

	if err := m.store.DeleteSession(id); err != nil {
		return err
	}
	m.invalidateCache()
	return nil
}

func (m *Manager) RestoreSession(id string) (*session.Session, error) {
	sess, err := m.LoadSession(id, LoadOptions{ValidateIntegrity: true, UpdateTimestamp: true})
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.current = sess
	m.mu.Unlock()
	return sess, nil
}

// ContextReport partitions a restored session's context files by presence
// on the local filesystem.
type ContextReport struct {
	Found   []string
	Missing []string
}

func (m *Manager) RestoreSessionWithContext(id string) (*session.Session, ContextReport, error) {
	sess, err := m.RestoreSession(id)
	if err != nil {
		return nil, ContextReport{}, err
	}

	report := ContextReport{}
	for _, file := range sess.ContextFiles {
		if info, err := os.Stat(file); err == nil && !info.IsDir() {
			report.Found = append(report.Found, file)
		} else {
			report.Missing = append(report.Missing, file)
		}
	}
	return sess, report, nil
}

func (m *Manager) CurrentSession() *session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Manager) SetCurrentSession(sess *session.Session) {
	m.mu.Lock()
	m.current = sess
	m.mu.Unlock()
}

// --- Listing ---

type SortBy string

const (
	SortByCreated      SortBy = "created"
	SortByLastModified SortBy = "lastModified"
	SortByMessageCount SortBy = "messageCount"
	SortByTokenCount   SortBy = "tokenCount"
)

type ListOptions struct {
	SortBy    SortBy
	SortOrder string // "asc" or "desc" (default)
	Limit     int
	Offset    int
	Model     string
	Tags      []string
}

// getIndex consults the metadata cache before hitting storage.
func (m *Manager) getIndex() (*session.Index, error) {
	if m.cache != nil {
		if idx, ok := m.cache.GetIndex(); ok {
			return idx, nil
		}
	}
	idx, err := m.store.GetIndex()
	if err != nil {
		return nil, err
	}
	if m.cache != nil {
		m.cache.PutIndex(idx)
	}
	return idx, nil
}

func (m *Manager) invalidateCache() {
	if m.cache != nil {
		m.cache.Invalidate(cache.IndexKey)
	}
}

func (m *Manager) ListSessions(opts ListOptions) ([]session.Metadata, error) {
	idx, err := m.getIndex()
	if err != nil {
		return nil, err
	}

	var out []session.Metadata
	for _, meta := range idx.Sessions {
		if opts.Model != "" && meta.Model != opts.Model {
			continue
		}
		if len(opts.Tags) > 0 && !hasAnyTag(meta.Tags, opts.Tags) {
			continue
		}
		out = append(out, meta)
	}

	sortBy := opts.SortBy
	if sortBy == "" {
		sortBy = SortByLastModified
	}
	asc := opts.SortOrder == "asc"
	sort.Slice(out, func(i, j int) bool {
		less := false
		switch sortBy {
		case SortByCreated:
			less = out[i].Created < out[j].Created
		case SortByMessageCount:
			less = out[i].MessageCount < out[j].MessageCount
		case SortByTokenCount:
			less = out[i].TokenCount.Total < out[j].TokenCount.Total
		default:
			less = out[i].LastModified < out[j].LastModified
		}
		if asc {
			return less
		}
		return !less
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return []session.Metadata{}, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func hasAnyTag(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if w == h {
				return true
			}
		}
	}
	return false
}

// --- Integrity ---

func (m *Manager) ValidateSessionIntegrity(sess *session.Session) bool {
	return m.ValidateSessionIntegrityErr(sess) == nil
}

func (m *Manager) ValidateSessionIntegrityErr(sess *session.Session) error {
	return session.Validate(sess)
}

// --- Delete with confirmation ---

// DeleteSessionWithConfirmation asks the host to confirm unless forced.
// On approval a backup is taken before deletion. Returns whether the
// session was deleted.
func (m *Manager) DeleteSessionWithConfirmation(id string, force bool) (bool, error) {
	if !m.store.SessionExists(id) {
		return false, kerrors.NotFound(fmt.Sprintf("session %s", id))
	}

	if !force {
		if m.confirm == nil {
			return false, kerrors.ConfigInvalid("no confirmation callback configured; use force to delete")
		}
		if !m.confirm(fmt.Sprintf("Delete session %s?", id), "This cannot be undone.") {
			return false, nil
		}
	}

	if err := m.store.CreateBackup(id); err != nil {
		return false, kerrors.Wrap(err, "backup before delete")
	}
	if err := m.DeleteSession(id); err != nil {
		return false, err
	}
	return true, nil
}

// --- Search, filter, export, import ---

func (m *Manager) SearchSessions(query string, opts search.Options) ([]search.Result, error) {
	return m.searcher.Search(query, opts)
}

func (m *Manager) FilterSessions(criteria search.FilterCriteria) ([]session.Metadata, error) {
	return m.searcher.Filter(criteria)
}

func (m *Manager) ExportSession(id string, opts export.Options) ([]byte, error) {
	sess, err := m.store.ReadSession(id)
	if err != nil {
		return nil, err
	}
	return export.Export(sess, opts)
}

func (m *Manager) ImportSession(data []byte, opts export.ImportOptions) (*export.ImportResult, error) {
	return export.Import(data, m.store, opts)
}

// --- Stats ---

type Stats struct {
	SessionCount   int
	TotalMessages  int
	TotalTokens    int64
	EstimatedBytes int64
}

func (m *Manager) SessionStats() (Stats, error) {
	idx, err := m.getIndex()
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{SessionCount: len(idx.Sessions)}
	for _, meta := range idx.Sessions {
		stats.TotalMessages += meta.MessageCount
		stats.TotalTokens += meta.TokenCount.Total
		stats.EstimatedBytes += storage.EstimateSessionBytes(meta.MessageCount, meta.TokenCount.Total)
	}
	return stats, nil
}

func (m *Manager) Store() *storage.Store {
	return m.store
}

func (m *Manager) Notify(message string) {
	if m.notify != nil {
		m.notify(message)
	}
}

// Close stops auto-save; the store is closed by its owner.
func (m *Manager) Close() {
	if m.autosave != nil {
		m.autosave.stop()
	}
}
