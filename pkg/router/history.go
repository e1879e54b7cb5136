package router

import (
	"sync"

	"github.com/vango-dev/routeloader/pkg/route"
)

// MemoryHistory is an in-memory History for servers, tests and tools.
// Push and Replace do not notify subscribers; Back, Forward and Go do.
type MemoryHistory struct {
	mu      sync.Mutex
	entries []route.Location
	index   int
	subs    map[int]func(route.Location)
	nextSub int
}

// NewMemoryHistory creates a history whose only entry is initial.
func NewMemoryHistory(initial route.Location) *MemoryHistory {
	if initial.Pathname == "" {
		initial.Pathname = "/"
	}
	return &MemoryHistory{
		entries: []route.Location{initial},
		subs:    make(map[int]func(route.Location)),
	}
}

// Location implements History.
func (h *MemoryHistory) Location() route.Location {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.entries[h.index]
}

// Push implements History. Forward entries are dropped.
func (h *MemoryHistory) Push(loc route.Location) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries[:h.index+1], loc)
	h.index++
}

// Replace implements History.
func (h *MemoryHistory) Replace(loc route.Location) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[h.index] = loc
}

// Subscribe implements History.
func (h *MemoryHistory) Subscribe(fn func(route.Location)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextSub
	h.nextSub++
	h.subs[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs, id)
	}
}

// Len returns the number of entries.
func (h *MemoryHistory) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Back moves one entry back.
func (h *MemoryHistory) Back() bool { return h.Go(-1) }

// Forward moves one entry forward.
func (h *MemoryHistory) Forward() bool { return h.Go(1) }

// Go moves delta entries and notifies subscribers. It reports false, and
// does nothing, when the target is out of range.
func (h *MemoryHistory) Go(delta int) bool {
	h.mu.Lock()
	target := h.index + delta
	if delta == 0 || target < 0 || target >= len(h.entries) {
		h.mu.Unlock()
		return false
	}
	h.index = target
	loc := h.entries[target]
	subs := make([]func(route.Location), 0, len(h.subs))
	for _, fn := range h.subs {
		subs = append(subs, fn)
	}
	h.mu.Unlock()

	for _, fn := range subs {
		fn(loc)
	}
	return true
}
