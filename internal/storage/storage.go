package storage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	stdatomic "sync/atomic"
	"time"

	kerrors "github.com/kazedev/kiroku/internal/errors"
	"github.com/kazedev/kiroku/internal/fsutil"
	"github.com/kazedev/kiroku/internal/migration"
	"github.com/kazedev/kiroku/internal/security"
	"github.com/kazedev/kiroku/internal/session"

	"github.com/gofrs/flock"
)

type Operation int

const (
	OpWriteSession Operation = iota
	OpReadSession
	OpDeleteSession
	OpGetIndex
	OpUpdateIndex
	OpRebuildIndex
	OpCreateBackup
	OpRemoveIndexEntry
	OpCleanupOldSessions
	OpValidateSessionFile
	OpCleanupOrphans
	OpIndexBackup
)

type Request struct {
	Op       Operation
	Payload  interface{}
	Result   chan error
	Response chan interface{}
}

type writeSessionPayload struct {
	Session *session.Session
}

type readSessionPayload struct {
	ID string
}

type deleteSessionPayload struct {
	ID string
}

type updateIndexPayload struct {
	Meta session.Metadata
}

type createBackupPayload struct {
	ID string
}

type cleanupPayload struct {
	MaxCount int
	MaxAge   time.Duration
}

type Config struct {
	Dir                string
	CompressionEnabled bool
	ChecksumEnabled    bool
	CreateBackups      bool
	MaxFileSize        int64
	MaxRetries         int
	RetryDelay         time.Duration
	LockTimeout        time.Duration
	LockRetry          time.Duration
	LockMaxRetry       int
}

// Store owns the on-disk session layout. A single worker goroutine
// serializes every mutation of session files and the index; public
// methods block until their request is handled, so a completed write is
// observable by the next read.
type Store struct {
	cfg      Config
	dir      string
	inbox    chan Request
	quit     chan struct{}
	closed   sync.Once
	wg       sync.WaitGroup
	running  stdatomic.Bool
	index    *session.Index
	fileLock *flock.Flock
	migrator *migration.Framework
	perms    *security.Permissions
	audit    *security.AuditLogger
}

func Open(cfg Config, migrator *migration.Framework, perms *security.Permissions, audit *security.AuditLogger) (*Store, error) {
	if cfg.Dir == "" {
		return nil, kerrors.ConfigInvalid("sessions dir is empty")
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = fsutil.DefaultMaxReadSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = fsutil.DefaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = fsutil.DefaultRetryDelay
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 30 * time.Second
	}
	if cfg.LockRetry <= 0 {
		cfg.LockRetry = 100 * time.Millisecond
	}
	if cfg.LockMaxRetry <= 0 {
		cfg.LockMaxRetry = 300
	}

	if err := fsutil.EnsureDir(cfg.Dir); err != nil {
		return nil, kerrors.Wrap(err, "create sessions dir")
	}

	// Single process owns the sessions directory while the engine runs.
	fileLock := flock.New(filepath.Join(cfg.Dir, "sessions.lock"))
	if err := acquireLock(fileLock, cfg); err != nil {
		return nil, err
	}

	s := &Store{
		cfg:      cfg,
		dir:      cfg.Dir,
		inbox:    make(chan Request, 64),
		quit:     make(chan struct{}),
		fileLock: fileLock,
		migrator: migrator,
		perms:    perms,
		audit:    audit,
	}

	s.index = s.loadOrRebuildIndex()

	s.wg.Add(1)
	go s.loop()
	return s, nil
}

func acquireLock(fileLock *flock.Flock, cfg Config) error {
	deadline := time.Now().Add(cfg.LockTimeout)
	for i := 0; i < cfg.LockMaxRetry; i++ {
		locked, err := fileLock.TryLock()
		if err != nil {
			return kerrors.Wrap(kerrors.MapFilesystemError(err), "acquire sessions lock")
		}
		if locked {
			return nil
		}
		if time.Now().After(deadline) {
			break
		}
		time.Sleep(cfg.LockRetry)
	}
	return kerrors.IO(fmt.Sprintf("sessions directory is locked by another instance (timeout after %v)", cfg.LockTimeout))
}

func (s *Store) loop() {
	slog.Info("Session store started", "dir", s.dir)
	s.running.Store(true)
	defer func() {
		s.running.Store(false)
		s.wg.Done()
	}()

	for {
		select {
		case req := <-s.inbox:
			err := s.handle(req)
			if req.Result != nil {
				req.Result <- err
			}
		case <-s.quit:
			slog.Info("Session store stopping")
			return
		}
	}
}

func (s *Store) handle(req Request) error {
	switch req.Op {
	case OpWriteSession:
		p, ok := req.Payload.(writeSessionPayload)
		if !ok {
			return fmt.Errorf("invalid payload for WriteSession")
		}
		return s.writeSession(p.Session)
	case OpReadSession:
		p, ok := req.Payload.(readSessionPayload)
		if !ok {
			return fmt.Errorf("invalid payload for ReadSession")
		}
		sess, err := s.readSession(p.ID)
		if req.Response != nil {
			req.Response <- sess
		}
		return err
	case OpDeleteSession:
		p, ok := req.Payload.(deleteSessionPayload)
		if !ok {
			return fmt.Errorf("invalid payload for DeleteSession")
		}
		return s.deleteSession(p.ID)
	case OpGetIndex:
		if req.Response != nil {
			req.Response <- s.copyIndex()
		}
		return nil
	case OpUpdateIndex:
		p, ok := req.Payload.(updateIndexPayload)
		if !ok {
			return fmt.Errorf("invalid payload for UpdateIndex")
		}
		return s.updateIndex(p.Meta)
	case OpRebuildIndex:
		return s.rebuildIndex()
	case OpCreateBackup:
		p, ok := req.Payload.(createBackupPayload)
		if !ok {
			return fmt.Errorf("invalid payload for CreateBackup")
		}
		return s.createBackup(p.ID)
	case OpRemoveIndexEntry:
		p, ok := req.Payload.(deleteSessionPayload)
		if !ok {
			return fmt.Errorf("invalid payload for RemoveIndexEntry")
		}
		return s.removeIndexEntry(p.ID)
	case OpCleanupOldSessions:
		p, ok := req.Payload.(cleanupPayload)
		if !ok {
			return fmt.Errorf("invalid payload for CleanupOldSessions")
		}
		deleted, err := s.cleanupOldSessions(p.MaxCount, p.MaxAge)
		if req.Response != nil {
			req.Response <- deleted
		}
		return err
	case OpValidateSessionFile:
		p, ok := req.Payload.(readSessionPayload)
		if !ok {
			return fmt.Errorf("invalid payload for ValidateSessionFile")
		}
		if req.Response != nil {
			req.Response <- s.validateSessionFile(p.ID)
		}
		return nil
	case OpCleanupOrphans:
		report, err := s.cleanupOrphanedEntries()
		if req.Response != nil {
			req.Response <- report
		}
		return err
	case OpIndexBackup:
		path, err := s.createIndexBackup()
		if req.Response != nil {
			req.Response <- path
		}
		return err
	default:
		return fmt.Errorf("unknown operation: %d", req.Op)
	}
}

func (s *Store) sessionPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) indexPath() string {
	return filepath.Join(s.dir, "index.json")
}

// --- Session files ---

func (s *Store) writeSession(sess *session.Session) error {
	if err := session.Validate(sess); err != nil {
		return err
	}

	inner, err := json.Marshal(sess)
	if err != nil {
		return kerrors.Wrap(err, "serialize session")
	}

	env := session.Envelope{
		Version:    sess.Version,
		Compressed: false,
		Data:       json.RawMessage(inner),
	}

	if s.cfg.CompressionEnabled {
		blob, err := fsutil.Compress(inner)
		if err != nil {
			return kerrors.Wrap(err, "compress session")
		}
		// Compress only when the stored form actually shrinks.
		if len(blob) < len(inner) {
			encoded, err := json.Marshal(blob)
			if err != nil {
				return kerrors.Wrap(err, "encode compressed payload")
			}
			env.Compressed = true
			env.Data = json.RawMessage(encoded)
		}
	}

	if s.cfg.ChecksumEnabled {
		env.Checksum = fsutil.SHA256Hex(inner)
	}

	out, err := json.Marshal(env)
	if err != nil {
		return kerrors.Wrap(err, "serialize session envelope")
	}

	if err := fsutil.AtomicWriteFile(s.sessionPath(sess.ID), out, fsutil.WriteOptions{
		CreateBackup: s.cfg.CreateBackups,
		MaxRetries:   s.cfg.MaxRetries,
		RetryDelay:   s.cfg.RetryDelay,
	}); err != nil {
		return err
	}

	return s.updateIndex(session.DeriveMetadata(sess))
}

func (s *Store) readSession(id string) (*session.Session, error) {
	path := s.sessionPath(id)
	if !fsutil.FileExists(path) {
		return nil, kerrors.NotFound(fmt.Sprintf("session %s", id))
	}
	if s.perms != nil {
		if err := s.perms.CheckFile(path); err != nil {
			return nil, err
		}
	}

	raw, err := fsutil.SafeReadFile(path, fsutil.ReadOptions{
		MaxSize:    s.cfg.MaxFileSize,
		MaxRetries: s.cfg.MaxRetries,
		RetryDelay: s.cfg.RetryDelay,
	})
	if err != nil {
		return nil, err
	}

	inner, version, err := decodeEnvelope(raw, s.cfg.ChecksumEnabled)
	if err != nil {
		return nil, err
	}

	var sess session.Session
	parseErr := json.Unmarshal(inner, &sess)
	if parseErr == nil && version == session.CurrentSchemaVersion && sess.Version == session.CurrentSchemaVersion {
		if err := session.Validate(&sess); err == nil {
			return &sess, nil
		}
	}

	// Old or partial schema: hand the raw payload to the migration chain.
	if s.migrator == nil {
		if parseErr != nil {
			return nil, kerrors.CorruptedData(fmt.Sprintf("parse session %s: %v", id, parseErr))
		}
		return nil, kerrors.ValidationFailed(fmt.Sprintf("session %s has schema version %s, want %s", id, version, session.CurrentSchemaVersion))
	}

	migrated, result := s.migrator.MigrateSession(id, inner)
	if result.Err != nil {
		return nil, result.Err
	}

	// Persist the upgraded session so the next read skips the chain.
	if err := s.writeSession(migrated); err != nil {
		return nil, kerrors.Wrap(err, fmt.Sprintf("persist migrated session %s", id))
	}
	return migrated, nil
}

// decodeEnvelope returns the uncompressed inner session JSON and the
// envelope's schema version. Files written before the envelope existed are
// returned as-is with their embedded version.
func decodeEnvelope(raw []byte, verifyChecksum bool) ([]byte, string, error) {
	var env session.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, "", kerrors.CorruptedData(fmt.Sprintf("parse session envelope: %v", err))
	}

	if len(env.Data) == 0 {
		// Legacy layout: the file is the bare session object.
		var probe map[string]any
		if err := json.Unmarshal(raw, &probe); err != nil {
			return nil, "", kerrors.CorruptedData(fmt.Sprintf("parse legacy session file: %v", err))
		}
		version, _ := probe["version"].(string)
		return raw, version, nil
	}

	inner := []byte(env.Data)
	if env.Compressed {
		var blob string
		if err := json.Unmarshal(env.Data, &blob); err != nil {
			return nil, "", kerrors.CorruptedData(fmt.Sprintf("compressed payload is not a string: %v", err))
		}
		decoded, err := fsutil.Decompress(blob)
		if err != nil {
			return nil, "", err
		}
		inner = decoded
	}

	if verifyChecksum && env.Checksum != "" {
		if !fsutil.VerifyChecksum(inner, env.Checksum) {
			return nil, "", kerrors.CorruptedData("session checksum mismatch")
		}
	}
	return inner, env.Version, nil
}

func (s *Store) deleteSession(id string) error {
	path := s.sessionPath(id)
	if !fsutil.FileExists(path) {
		if _, ok := s.index.Sessions[id]; !ok {
			return kerrors.NotFound(fmt.Sprintf("session %s", id))
		}
		// Orphaned entry: the file is already gone, drop the record.
		return s.removeIndexEntry(id)
	}

	if err := fsutil.SafeDeleteFile(path); err != nil {
		return err
	}
	return s.removeIndexEntry(id)
}

func (s *Store) createBackup(id string) error {
	path := s.sessionPath(id)
	data, err := fsutil.SafeReadFile(path, fsutil.ReadOptions{MaxSize: s.cfg.MaxFileSize})
	if err != nil {
		return kerrors.Wrap(err, fmt.Sprintf("backup session %s", id))
	}
	return fsutil.AtomicWriteFile(path+".bak", data, fsutil.WriteOptions{})
}

// --- Index ---

func (s *Store) loadOrRebuildIndex() *session.Index {
	data, err := os.ReadFile(s.indexPath())
	if err == nil {
		var idx session.Index
		if jsonErr := json.Unmarshal(data, &idx); jsonErr == nil && idx.Sessions != nil {
			return &idx
		}
		slog.Warn("Session index corrupted, rebuilding", "path", s.indexPath())
	}

	idx := session.NewIndex()
	s.index = idx
	if err := s.rebuildIndex(); err != nil {
		slog.Error("Index rebuild failed, starting empty", "error", err)
	}
	return s.index
}

func (s *Store) copyIndex() *session.Index {
	out := session.Index{
		Version:     s.index.Version,
		LastUpdated: s.index.LastUpdated,
		Sessions:    make(map[string]session.Metadata, len(s.index.Sessions)),
	}
	for id, meta := range s.index.Sessions {
		out.Sessions[id] = meta
	}
	return &out
}

func (s *Store) updateIndex(meta session.Metadata) error {
	s.index.Sessions[meta.ID] = meta
	return s.saveIndex(true)
}

func (s *Store) removeIndexEntry(id string) error {
	delete(s.index.Sessions, id)
	return s.saveIndex(true)
}

func (s *Store) saveIndex(backup bool) error {
	if backup {
		if _, err := s.createIndexBackup(); err != nil {
			slog.Warn("Index backup failed", "error", err)
		}
	}

	s.index.Version = session.CurrentSchemaVersion
	s.index.LastUpdated = session.NowMillis()

	data, err := json.MarshalIndent(s.index, "", "  ")
	if err != nil {
		return kerrors.Wrap(err, "serialize index")
	}
	return fsutil.AtomicWriteFile(s.indexPath(), data, fsutil.WriteOptions{
		MaxRetries: s.cfg.MaxRetries,
		RetryDelay: s.cfg.RetryDelay,
	})
}

// rebuildIndex reconstructs the index from the session files on disk. No
// backup is taken here so a broken index cannot cascade into the backups.
func (s *Store) rebuildIndex() error {
	ids, err := fsutil.ListSessionFiles(s.dir)
	if err != nil {
		return kerrors.Wrap(err, "list session files")
	}

	idx := session.NewIndex()
	for _, id := range ids {
		if err := session.ValidateID(id); err != nil {
			slog.Warn("Skipping non-session file during rebuild", "name", id)
			continue
		}
		sess, err := s.readSession(id)
		if err != nil {
			slog.Warn("Skipping unreadable session during rebuild", "session", id, "error", err)
			continue
		}
		idx.Sessions[sess.ID] = session.DeriveMetadata(sess)
	}

	s.index = idx
	return s.saveIndex(false)
}

func (s *Store) createIndexBackup() (string, error) {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", kerrors.MapFilesystemError(err)
	}

	stamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	stamp = strings.NewReplacer(":", "-", ".", "-").Replace(stamp)
	backupPath := s.indexPath() + ".backup." + stamp
	if err := fsutil.AtomicWriteFile(backupPath, data, fsutil.WriteOptions{}); err != nil {
		return "", kerrors.Wrap(err, "write index backup")
	}
	return backupPath, nil
}

// --- Cleanup ---

// cleanupOldSessions deletes sessions older than maxAge, then the oldest of
// the remainder until at most maxCount are left. Returns the deleted IDs,
// age victims first.
func (s *Store) cleanupOldSessions(maxCount int, maxAge time.Duration) ([]string, error) {
	now := session.NowMillis()

	type candidate struct {
		id           string
		lastModified int64
	}
	var all []candidate
	for id, meta := range s.index.Sessions {
		all = append(all, candidate{id: id, lastModified: meta.LastModified})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].lastModified < all[j].lastModified })

	var victims []string
	var remainder []candidate
	for _, c := range all {
		if maxAge > 0 && now-c.lastModified > maxAge.Milliseconds() {
			victims = append(victims, c.id)
		} else {
			remainder = append(remainder, c)
		}
	}
	if maxCount > 0 && len(remainder) > maxCount {
		for _, c := range remainder[:len(remainder)-maxCount] {
			victims = append(victims, c.id)
		}
	}

	for _, id := range victims {
		if err := s.deleteSession(id); err != nil {
			return victims, kerrors.Wrap(err, fmt.Sprintf("cleanup session %s", id))
		}
	}
	return victims, nil
}

// --- Public API ---

func (s *Store) WriteSession(sess *session.Session) error {
	res := make(chan error, 1)
	s.inbox <- Request{Op: OpWriteSession, Payload: writeSessionPayload{Session: sess}, Result: res}
	err := <-res
	if s.audit != nil {
		s.auditOp("write_session", sess.ID, err)
	}
	return err
}

func (s *Store) ReadSession(id string) (*session.Session, error) {
	res := make(chan error, 1)
	resp := make(chan interface{}, 1)
	s.inbox <- Request{Op: OpReadSession, Payload: readSessionPayload{ID: id}, Result: res, Response: resp}
	err := <-res
	val := <-resp
	if err != nil {
		if s.audit != nil {
			s.auditOp("read_session", id, err)
		}
		return nil, err
	}
	return val.(*session.Session), nil
}

func (s *Store) DeleteSession(id string) error {
	res := make(chan error, 1)
	s.inbox <- Request{Op: OpDeleteSession, Payload: deleteSessionPayload{ID: id}, Result: res}
	err := <-res
	if s.audit != nil {
		s.auditOp("delete_session", id, err)
	}
	return err
}

func (s *Store) SessionExists(id string) bool {
	return fsutil.FileExists(s.sessionPath(id))
}

func (s *Store) GetIndex() (*session.Index, error) {
	res := make(chan error, 1)
	resp := make(chan interface{}, 1)
	s.inbox <- Request{Op: OpGetIndex, Result: res, Response: resp}
	if err := <-res; err != nil {
		return nil, err
	}
	val := <-resp
	return val.(*session.Index), nil
}

func (s *Store) UpdateIndex(meta session.Metadata) error {
	res := make(chan error, 1)
	s.inbox <- Request{Op: OpUpdateIndex, Payload: updateIndexPayload{Meta: meta}, Result: res}
	return <-res
}

// RemoveIndexEntry drops an index record without touching the session
// file. Used by recovery when a corrupted file must stay on disk for
// manual inspection.
func (s *Store) RemoveIndexEntry(id string) error {
	res := make(chan error, 1)
	s.inbox <- Request{Op: OpRemoveIndexEntry, Payload: deleteSessionPayload{ID: id}, Result: res}
	return <-res
}

func (s *Store) RebuildIndex() error {
	res := make(chan error, 1)
	s.inbox <- Request{Op: OpRebuildIndex, Result: res}
	return <-res
}

func (s *Store) CreateBackup(id string) error {
	res := make(chan error, 1)
	s.inbox <- Request{Op: OpCreateBackup, Payload: createBackupPayload{ID: id}, Result: res}
	return <-res
}

func (s *Store) CleanupOldSessions(maxCount int, maxAge time.Duration) ([]string, error) {
	res := make(chan error, 1)
	resp := make(chan interface{}, 1)
	s.inbox <- Request{Op: OpCleanupOldSessions, Payload: cleanupPayload{MaxCount: maxCount, MaxAge: maxAge}, Result: res, Response: resp}
	err := <-res
	val := <-resp
	deleted, _ := val.([]string)
	return deleted, err
}

func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) auditOp(operation, id string, err error) {
	entry := security.AuditEntry{
		Level:     security.AuditInfo,
		Operation: operation,
		SessionID: id,
		Result:    "success",
	}
	if err != nil {
		entry.Level = security.AuditError
		entry.Result = "failure"
		entry.Error = err.Error()
	}
	s.audit.Log(entry)
}

func (s *Store) Close() {
	s.closed.Do(func() {
		close(s.quit)
		s.wg.Wait()
		if s.fileLock != nil {
			if err := s.fileLock.Unlock(); err != nil {
				slog.Error("Failed to release sessions lock", "error", err)
			}
		}
	})
}

func (s *Store) IsRunning() bool {
	return s.running.Load()
}
