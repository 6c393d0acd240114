package recovery

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/kazedev/kiroku/internal/session"
)

// DetectionReport is the cleaned view of the sessions directory produced
// before any session is exposed to the host.
type DetectionReport struct {
	ValidSessions    []session.Metadata
	InvalidSessions  []string
	CleanupPerformed bool
	Warnings         []string
}

// DetectAvailableSessionsSafely reconciles the index with the session
// files, drops index records for unreadable sessions (leaving the files on
// disk for inspection) and returns the sessions whose files pass the
// structural check (envelope, checksum, id); schema validity is not checked.
func (s *SafeManager) DetectAvailableSessionsSafely() (DetectionReport, error) {
	report := DetectionReport{}
	store := s.Store()

	orphans, err := store.CleanupOrphanedEntries()
	if err != nil {
		report.Warnings = append(report.Warnings, fmt.Sprintf("orphan cleanup failed: %v", err))
	} else {
		if len(orphans.OrphanedEntriesRemoved) > 0 {
			report.CleanupPerformed = true
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("removed %d orphaned index entries", len(orphans.OrphanedEntriesRemoved)))
		}
		if len(orphans.OrphanedFilesIndexed) > 0 {
			report.CleanupPerformed = true
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("re-indexed %d unindexed session files", len(orphans.OrphanedFilesIndexed)))
		}
	}

	idx, err := store.GetIndex()
	if err != nil {
		return report, err
	}

	for id, meta := range idx.Sessions {
		fileReport := store.ValidateSessionFile(id)
		if fileReport.StructuralOK {
			report.ValidSessions = append(report.ValidSessions, meta)
			continue
		}

		report.InvalidSessions = append(report.InvalidSessions, id)
		s.MarkProblematic(id, firstError(fileReport.Errors))
		slog.Warn("Session failed startup validation", "session", id, "errors", fileReport.Errors)

		if err := store.RemoveIndexEntry(id); err != nil {
			report.Warnings = append(report.Warnings, fmt.Sprintf("failed to unindex %s: %v", id, err))
			continue
		}
		report.CleanupPerformed = true
	}

	sort.Slice(report.ValidSessions, func(i, j int) bool {
		return report.ValidSessions[i].LastModified > report.ValidSessions[j].LastModified
	})
	return report, nil
}

func firstError(errs []string) string {
	if len(errs) == 0 {
		return "unknown validation failure"
	}
	return errs[0]
}
