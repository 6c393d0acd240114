package lazy

import (
	"sync"

	"github.com/kazedev/kiroku/internal/concurrency"
	"github.com/kazedev/kiroku/internal/session"
)

const (
	DefaultPageSize       = 50
	DefaultMaxCachedPages = 10
)

// PageLoader fetches [offset, offset+limit) of the listing.
type PageLoader func(offset, limit int) ([]session.Metadata, error)

type pageSlot struct {
	ready chan struct{}
	items []session.Metadata
	err   error
}

// Loader pages session listings on demand, deduplicating in-flight loads
// and optionally preloading the next page in the background. Cached pages
// are evicted FIFO.
type Loader struct {
	pageSize          int
	maxCachedPages    int
	backgroundPreload bool

	mu    sync.Mutex
	pages map[int]*pageSlot
	fifo  []int
}

type Config struct {
	PageSize          int
	MaxCachedPages    int
	BackgroundPreload bool
}

func NewLoader(cfg Config) *Loader {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.MaxCachedPages <= 0 {
		cfg.MaxCachedPages = DefaultMaxCachedPages
	}
	return &Loader{
		pageSize:          cfg.PageSize,
		maxCachedPages:    cfg.MaxCachedPages,
		backgroundPreload: cfg.BackgroundPreload,
		pages:             make(map[int]*pageSlot),
	}
}

func (l *Loader) PageSize() int {
	return l.pageSize
}

// GetPage returns page n, reusing a cached or in-flight load when one
// exists. With preloading on, retrieving a page speculatively kicks off
// the next one.
func (l *Loader) GetPage(n int, loader PageLoader) ([]session.Metadata, error) {
	slot, owner := l.slotFor(n)
	if owner {
		l.load(n, slot, loader)
	}
	<-slot.ready

	if l.backgroundPreload && owner && slot.err == nil && len(slot.items) == l.pageSize {
		l.preload(n+1, loader)
	}
	return slot.items, slot.err
}

// slotFor returns the slot for page n and whether the caller owns the load.
func (l *Loader) slotFor(n int) (*pageSlot, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if slot, ok := l.pages[n]; ok {
		return slot, false
	}

	slot := &pageSlot{ready: make(chan struct{})}
	l.pages[n] = slot
	l.fifo = append(l.fifo, n)
	for len(l.fifo) > l.maxCachedPages {
		oldest := l.fifo[0]
		l.fifo = l.fifo[1:]
		delete(l.pages, oldest)
	}
	return slot, true
}

func (l *Loader) load(n int, slot *pageSlot, loader PageLoader) {
	defer close(slot.ready)
	slot.items, slot.err = loader(n*l.pageSize, l.pageSize)
	if slot.err != nil {
		// Do not cache failures.
		l.mu.Lock()
		if l.pages[n] == slot {
			delete(l.pages, n)
		}
		l.mu.Unlock()
	}
}

func (l *Loader) preload(n int, loader PageLoader) {
	slot, owner := l.slotFor(n)
	if !owner {
		return
	}
	concurrency.SafeGo(func() {
		l.load(n, slot, loader)
	}, nil)
}

// Invalidate drops every cached page; call after writes or deletions.
func (l *Loader) Invalidate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pages = make(map[int]*pageSlot)
	l.fifo = nil
}
