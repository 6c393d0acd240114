package storage

import (
	"encoding/json"
	"fmt"
	"log/slog"

	kerrors "github.com/kazedev/kiroku/internal/errors"
	"github.com/kazedev/kiroku/internal/fsutil"
	"github.com/kazedev/kiroku/internal/session"
)

// FileReport is the result of structurally checking a single session file.
type FileReport struct {
	ID           string
	Exists       bool
	Readable     bool
	StructuralOK bool
	Errors       []string
}

// OrphanReport summarizes an index reconciliation pass.
type OrphanReport struct {
	OrphanedEntriesRemoved []string
	OrphanedFilesIndexed   []string
	BackupCreated          string
}

func (s *Store) validateSessionFile(id string) FileReport {
	report := FileReport{ID: id}

	path := s.sessionPath(id)
	if !fsutil.FileExists(path) {
		report.Errors = append(report.Errors, "session file does not exist")
		return report
	}
	report.Exists = true

	raw, err := fsutil.SafeReadFile(path, fsutil.ReadOptions{MaxSize: s.cfg.MaxFileSize})
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("read: %v", err))
		return report
	}
	report.Readable = true

	inner, _, err := decodeEnvelope(raw, s.cfg.ChecksumEnabled)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("envelope: %v", err))
		return report
	}

	var probe map[string]any
	if err := json.Unmarshal(inner, &probe); err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("payload: %v", err))
		return report
	}
	if gotID, _ := probe["id"].(string); gotID != id {
		report.Errors = append(report.Errors, fmt.Sprintf("payload id %q does not match file name", gotID))
		return report
	}

	report.StructuralOK = true
	return report
}

// cleanupOrphanedEntries cross-references index keys against session files.
// Entries whose file is gone are dropped; files missing from the index are
// read back in. A timestamped index backup is taken before any change.
func (s *Store) cleanupOrphanedEntries() (OrphanReport, error) {
	report := OrphanReport{}

	ids, err := fsutil.ListSessionFiles(s.dir)
	if err != nil {
		return report, kerrors.Wrap(err, "list session files")
	}
	onDisk := make(map[string]bool, len(ids))
	for _, id := range ids {
		onDisk[id] = true
	}

	var orphanedEntries []string
	for id := range s.index.Sessions {
		if !onDisk[id] {
			orphanedEntries = append(orphanedEntries, id)
		}
	}
	var orphanedFiles []string
	for id := range onDisk {
		if _, ok := s.index.Sessions[id]; !ok {
			if err := session.ValidateID(id); err == nil {
				orphanedFiles = append(orphanedFiles, id)
			}
		}
	}

	if len(orphanedEntries) == 0 && len(orphanedFiles) == 0 {
		return report, nil
	}

	backupPath, err := s.createIndexBackup()
	if err != nil {
		return report, kerrors.Wrap(err, "backup index before orphan cleanup")
	}
	report.BackupCreated = backupPath

	for _, id := range orphanedEntries {
		delete(s.index.Sessions, id)
		report.OrphanedEntriesRemoved = append(report.OrphanedEntriesRemoved, id)
		slog.Warn("Removed orphaned index entry", "session", id)
	}
	for _, id := range orphanedFiles {
		sess, err := s.readSession(id)
		if err != nil {
			slog.Warn("Orphaned session file is unreadable, leaving unindexed", "session", id, "error", err)
			continue
		}
		s.index.Sessions[id] = session.DeriveMetadata(sess)
		report.OrphanedFilesIndexed = append(report.OrphanedFilesIndexed, id)
		slog.Info("Re-indexed orphaned session file", "session", id)
	}

	// Backup already taken above; skip the per-save one.
	return report, s.saveIndex(false)
}

// --- Public API ---

func (s *Store) ValidateSessionFile(id string) FileReport {
	res := make(chan error, 1)
	resp := make(chan interface{}, 1)
	s.inbox <- Request{Op: OpValidateSessionFile, Payload: readSessionPayload{ID: id}, Result: res, Response: resp}
	<-res
	val := <-resp
	return val.(FileReport)
}

func (s *Store) CleanupOrphanedEntries() (OrphanReport, error) {
	res := make(chan error, 1)
	resp := make(chan interface{}, 1)
	s.inbox <- Request{Op: OpCleanupOrphans, Result: res, Response: resp}
	err := <-res
	val := <-resp
	report, _ := val.(OrphanReport)
	return report, err
}

func (s *Store) CreateIndexBackup() (string, error) {
	res := make(chan error, 1)
	resp := make(chan interface{}, 1)
	s.inbox <- Request{Op: OpIndexBackup, Result: res, Response: resp}
	err := <-res
	val := <-resp
	path, _ := val.(string)
	return path, err
}
