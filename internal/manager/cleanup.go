package manager

import (
	"fmt"
	"sort"
	"time"

	kerrors "github.com/kazedev/kiroku/internal/errors"
	"github.com/kazedev/kiroku/internal/session"
	"github.com/kazedev/kiroku/internal/storage"
)

type CleanupOptions struct {
	MaxCount          int
	MaxAge            time.Duration
	CreateBackups     bool
	ShowNotifications bool
	DryRun            bool
}

type CleanupResult struct {
	DeletedSessions []string
	DeletedByAge    int
	DeletedByCount  int
	SpaceFreed      int64 // heuristic estimate, not a measurement
	Errors          []string
}

// CleanupOldSessions removes sessions past the age limit, then the oldest
// of the remainder until the count limit holds. Dry-run computes the same
// victim set without touching disk.
func (m *Manager) CleanupOldSessions(opts CleanupOptions) (CleanupResult, error) {
	result := CleanupResult{}

	idx, err := m.store.GetIndex()
	if err != nil {
		return result, err
	}

	now := session.NowMillis()
	all := make([]session.Metadata, 0, len(idx.Sessions))
	for _, meta := range idx.Sessions {
		all = append(all, meta)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].LastModified < all[j].LastModified })

	var ageVictims, countVictims []session.Metadata
	var remainder []session.Metadata
	for _, meta := range all {
		if opts.MaxAge > 0 && now-meta.LastModified > opts.MaxAge.Milliseconds() {
			ageVictims = append(ageVictims, meta)
		} else {
			remainder = append(remainder, meta)
		}
	}
	if opts.MaxCount > 0 && len(remainder) > opts.MaxCount {
		countVictims = remainder[:len(remainder)-opts.MaxCount]
	}

	victims := append(append([]session.Metadata{}, ageVictims...), countVictims...)
	result.DeletedByAge = len(ageVictims)
	result.DeletedByCount = len(countVictims)
	for _, meta := range victims {
		result.DeletedSessions = append(result.DeletedSessions, meta.ID)
		result.SpaceFreed += storage.EstimateSessionBytes(meta.MessageCount, meta.TokenCount.Total)
	}

	if opts.DryRun {
		return result, nil
	}

	for _, meta := range victims {
		if opts.CreateBackups {
			if err := m.store.CreateBackup(meta.ID); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("backup %s: %v", meta.ID, err))
				continue
			}
		}
		if err := m.DeleteSession(meta.ID); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("delete %s: %v", meta.ID, err))
		}
	}

	if opts.ShowNotifications && len(victims) > 0 {
		m.Notify(fmt.Sprintf("Cleaned up %d sessions (%d by age, %d by count), freed about %d bytes",
			len(victims), result.DeletedByAge, result.DeletedByCount, result.SpaceFreed))
	}

	if len(result.Errors) > 0 {
		return result, kerrors.IO(fmt.Sprintf("cleanup finished with %d errors", len(result.Errors)))
	}
	return result, nil
}
