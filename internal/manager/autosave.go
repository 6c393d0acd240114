package manager

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	kerrors "github.com/kazedev/kiroku/internal/errors"
)

const maxAutoSaveBackoff = 30 * time.Second

type AutoSaveConfig struct {
	Enabled    bool
	Interval   time.Duration
	MaxRetries int
}

// autoSaver persists the current session on a single-shot timer chain.
// Failures back off exponentially; exhausting the retry budget disables
// auto-save until it is re-enabled.
type autoSaver struct {
	m          *Manager
	interval   time.Duration
	maxRetries int

	mu      sync.Mutex
	timer   *time.Timer
	retries int
	enabled bool
	stopped bool
}

func newAutoSaver(m *Manager, cfg AutoSaveConfig) (*autoSaver, error) {
	if cfg.Enabled {
		if cfg.Interval <= 0 {
			return nil, kerrors.ConfigInvalid("auto-save interval must be positive")
		}
		if cfg.MaxRetries < 0 {
			return nil, kerrors.ConfigInvalid("auto-save max retries must not be negative")
		}
		if cfg.Interval < time.Second {
			slog.Warn("Auto-save interval below 1s will thrash the disk", "interval", cfg.Interval)
		}
	}

	a := &autoSaver{
		m:          m,
		interval:   cfg.Interval,
		maxRetries: cfg.MaxRetries,
	}
	if cfg.Enabled {
		a.enable()
	}
	return a, nil
}

func (a *autoSaver) enable() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped || a.enabled {
		return
	}
	a.enabled = true
	a.retries = 0
	a.scheduleLocked(a.interval)
}

func (a *autoSaver) disable() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enabled = false
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *autoSaver) stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	a.enabled = false
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *autoSaver) scheduleLocked(delay time.Duration) {
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(delay, a.tick)
}

func (a *autoSaver) tick() {
	a.mu.Lock()
	if !a.enabled || a.stopped {
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	err := a.saveCurrent()

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.enabled || a.stopped {
		return
	}

	if err == nil {
		a.retries = 0
		a.scheduleLocked(a.interval)
		return
	}

	a.retries++
	if a.retries > a.maxRetries {
		a.enabled = false
		a.timer = nil
		slog.Error("Auto-save disabled after repeated failures", "retries", a.retries-1, "error", err)
		a.m.Notify(fmt.Sprintf("Auto-save disabled after %d failed attempts: %v", a.retries, err))
		return
	}

	backoff := a.interval * (1 << (a.retries - 1))
	if backoff > maxAutoSaveBackoff {
		backoff = maxAutoSaveBackoff
	}
	slog.Warn("Auto-save failed, retrying", "attempt", a.retries, "backoff", backoff, "error", err)
	a.scheduleLocked(backoff)
}

// saveCurrent persists the current session; with no session set, the tick
// is a no-op rather than a failure.
func (a *autoSaver) saveCurrent() error {
	current := a.m.CurrentSession()
	if current == nil {
		return nil
	}
	return a.m.SaveSession(current)
}

// --- Manager surface ---

// ForceAutoSave persists the current session immediately.
func (m *Manager) ForceAutoSave() error {
	current := m.CurrentSession()
	if current == nil {
		return kerrors.NotFound("no current session to auto-save")
	}
	return m.SaveSession(current)
}

func (m *Manager) EnableAutoSave() {
	m.autosave.enable()
}

func (m *Manager) DisableAutoSave() {
	m.autosave.disable()
}

func (m *Manager) AutoSaveEnabled() bool {
	m.autosave.mu.Lock()
	defer m.autosave.mu.Unlock()
	return m.autosave.enabled
}
