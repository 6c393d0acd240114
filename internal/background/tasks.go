package background

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kazedev/kiroku/internal/concurrency"
	kerrors "github.com/kazedev/kiroku/internal/errors"

	"github.com/robfig/cron/v3"
)

type TaskType string

const (
	TaskCleanup          TaskType = "cleanup"
	TaskIndexRebuild     TaskType = "index-rebuild"
	TaskCacheMaintenance TaskType = "cache-maintenance"
	TaskMigration        TaskType = "migration"
)

const (
	DefaultTickInterval  = time.Minute
	DefaultMaxConcurrent = 2
	DefaultTaskTimeout   = 60 * time.Second
	retryBaseDelay       = time.Second
)

type Task struct {
	ID       string
	Type     TaskType
	Priority int // higher dispatches first
	Execute  func(ctx context.Context) error
	Timeout  time.Duration
	Retries  int
}

type queuedTask struct {
	task    Task
	seq     int64
	attempt int
}

type taskHeap []*queuedTask

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*queuedTask)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

type Config struct {
	TickInterval   time.Duration
	MaxConcurrent  int
	DefaultTimeout time.Duration
}

// Manager runs maintenance tasks from a priority queue with bounded
// concurrency. A cron schedule fires the dispatcher at a fixed cadence;
// each execution is wrapped with a timeout and retried with exponential
// backoff up to the task's budget.
type Manager struct {
	tick           time.Duration
	maxConcurrent  int
	defaultTimeout time.Duration

	mu      sync.Mutex
	queue   taskHeap
	seq     int64
	running int
	stopped bool

	cron *cron.Cron
	wg   sync.WaitGroup
}

func NewManager(cfg Config) *Manager {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTaskTimeout
	}
	return &Manager{
		tick:           cfg.TickInterval,
		maxConcurrent:  cfg.MaxConcurrent,
		defaultTimeout: cfg.DefaultTimeout,
	}
}

func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron != nil {
		return nil
	}
	if m.stopped {
		return fmt.Errorf("task manager already stopped")
	}

	m.cron = cron.New()
	if _, err := m.cron.AddFunc(fmt.Sprintf("@every %s", m.tick), m.dispatch); err != nil {
		m.cron = nil
		return kerrors.Wrap(err, "schedule background dispatch")
	}
	m.cron.Start()
	slog.Info("Background task manager started", "tick", m.tick, "max_concurrent", m.maxConcurrent)
	return nil
}

// Submit enqueues a task; it runs at the next dispatch tick.
func (m *Manager) Submit(task Task) error {
	if task.Execute == nil {
		return kerrors.ConfigInvalid(fmt.Sprintf("task %s has no execute function", task.ID))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return fmt.Errorf("task manager stopped")
	}
	m.seq++
	heap.Push(&m.queue, &queuedTask{task: task, seq: m.seq})
	return nil
}

// QueueDepth reports how many tasks are waiting.
func (m *Manager) QueueDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.Len()
}

func (m *Manager) dispatch() {
	for {
		m.mu.Lock()
		if m.stopped || m.running >= m.maxConcurrent || m.queue.Len() == 0 {
			m.mu.Unlock()
			return
		}
		item := heap.Pop(&m.queue).(*queuedTask)
		m.running++
		m.mu.Unlock()

		m.wg.Add(1)
		concurrency.SafeGo(func() {
			defer m.wg.Done()
			m.run(item)
		}, nil)
	}
}

func (m *Manager) run(item *queuedTask) {
	defer m.finish()

	timeout := item.task.Timeout
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan error, 1)
	concurrency.SafeGo(func() {
		done <- item.task.Execute(ctx)
	}, func(any) {
		done <- fmt.Errorf("task panicked")
	})

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = fmt.Errorf("task %s exceeded %s deadline: %w", item.task.ID, timeout, kerrors.ErrTimeout)
	}

	if err == nil {
		slog.Debug("Background task finished", "task", item.task.ID, "type", item.task.Type)
		return
	}

	if item.attempt >= item.task.Retries {
		slog.Error("Background task abandoned", "task", item.task.ID, "type", item.task.Type, "attempts", item.attempt+1, "error", err)
		return
	}

	item.attempt++
	backoff := retryBaseDelay * (1 << (item.attempt - 1))
	slog.Warn("Background task failed, requeueing", "task", item.task.ID, "attempt", item.attempt, "backoff", backoff, "error", err)
	time.AfterFunc(backoff, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.stopped {
			return
		}
		m.seq++
		item.seq = m.seq
		heap.Push(&m.queue, item)
	})
}

func (m *Manager) finish() {
	m.mu.Lock()
	m.running--
	m.mu.Unlock()
}

// Stop halts scheduling and waits (best-effort) for in-flight tasks.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	c := m.cron
	m.cron = nil
	m.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}

	waited := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(2 * DefaultTaskTimeout):
		slog.Warn("Background tasks still running at shutdown")
	}
}
