package recovery

import (
	"fmt"
	"sync"

	kerrors "github.com/kazedev/kiroku/internal/errors"
	"github.com/kazedev/kiroku/internal/manager"
	"github.com/kazedev/kiroku/internal/session"
)

const DefaultFailureThreshold = 3

type RecoveryOption string

const (
	OptionRetry           RecoveryOption = "retry"
	OptionNewSession      RecoveryOption = "new-session"
	OptionSelectDifferent RecoveryOption = "select-different"
	OptionSkipSession     RecoveryOption = "skip-session"
)

// RecoveryError carries the failure plus the choices the host UI can offer.
type RecoveryError struct {
	SessionID string
	Message   string
	Options   []RecoveryOption
	cause     error
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("session %s: %s", e.SessionID, e.Message)
}

func (e *RecoveryError) Unwrap() error {
	return e.cause
}

type FailureRecord struct {
	FailureCount int
	LastError    string
	Problematic  bool
}

// SafeManager wraps the manager with per-session failure tracking. Once a
// session crosses the threshold it is blocked from further automatic
// restoration until the user chooses a recovery option.
type SafeManager struct {
	*manager.Manager

	threshold int

	mu       sync.Mutex
	failures map[string]*FailureRecord
}

func NewSafeManager(m *manager.Manager, threshold int) *SafeManager {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	return &SafeManager{
		Manager:   m,
		threshold: threshold,
		failures:  make(map[string]*FailureRecord),
	}
}

// RestoreSessionSafely fails fast on problematic sessions and records
// every restoration failure.
func (s *SafeManager) RestoreSessionSafely(id string) (*session.Session, error) {
	if record := s.FailureRecordFor(id); record != nil && record.Problematic {
		return nil, &RecoveryError{
			SessionID: id,
			Message:   fmt.Sprintf("blocked after %d failed restorations: %s", record.FailureCount, record.LastError),
			Options:   []RecoveryOption{OptionRetry, OptionNewSession, OptionSelectDifferent, OptionSkipSession},
			cause:     kerrors.ErrProblematicSession,
		}
	}

	sess, err := s.RestoreSession(id)
	if err != nil {
		s.recordFailure(id, err)
		return nil, err
	}

	s.ClearFailures(id)
	return sess, nil
}

func (s *SafeManager) recordFailure(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.failures[id]
	if !ok {
		record = &FailureRecord{}
		s.failures[id] = record
	}
	record.FailureCount++
	record.LastError = err.Error()
	if record.FailureCount >= s.threshold {
		record.Problematic = true
	}
}

// MarkProblematic blocks a session immediately, regardless of its count.
func (s *SafeManager) MarkProblematic(id, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.failures[id]
	if !ok {
		record = &FailureRecord{}
		s.failures[id] = record
	}
	record.Problematic = true
	if reason != "" {
		record.LastError = reason
	}
}

func (s *SafeManager) ClearFailures(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, id)
}

// FailureRecordFor returns a copy of the record, or nil when clean.
func (s *SafeManager) FailureRecordFor(id string) *FailureRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.failures[id]
	if !ok {
		return nil
	}
	out := *record
	return &out
}
