package storage

import "fmt"

// StorageLimits is an advisory snapshot; the estimate is a heuristic, not a
// measurement.
type StorageLimits struct {
	SessionCount   int
	EstimatedBytes int64
	Warnings       []string
}

// EstimateSessionBytes approximates the disk footprint of a session from
// its index record.
func EstimateSessionBytes(messageCount int, totalTokens int64) int64 {
	return int64(messageCount)*500 + totalTokens*4
}

// CheckStorageLimits reports how close the store is to the configured
// session budget. Thresholds are advisory only.
func (s *Store) CheckStorageLimits(maxSessions int) (StorageLimits, error) {
	idx, err := s.GetIndex()
	if err != nil {
		return StorageLimits{}, err
	}

	limits := StorageLimits{SessionCount: len(idx.Sessions)}
	for _, meta := range idx.Sessions {
		limits.EstimatedBytes += EstimateSessionBytes(meta.MessageCount, meta.TokenCount.Total)
	}

	if maxSessions > 0 && limits.SessionCount*10 >= maxSessions*9 {
		limits.Warnings = append(limits.Warnings,
			fmt.Sprintf("session count %d is near the configured limit of %d", limits.SessionCount, maxSessions))
	}
	return limits, nil
}
