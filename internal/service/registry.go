package service

import (
	"sort"
	"sync"

	"github.com/fwdslsh/dispatch/internal/adapter"
	"github.com/fwdslsh/dispatch/internal/domain"
)

// liveEntry is a session that is live in this process.
type liveEntry struct {
	runID  string
	kind   domain.SessionKind
	handle adapter.Handle

	// nextSeq is guarded by the run's lock in runLocks.
	nextSeq int64
}

// liveRegistry maps run IDs to live entries. An entry exists iff the handle is live here.
type liveRegistry struct {
	mu      sync.RWMutex
	entries map[string]*liveEntry
}

func newLiveRegistry() *liveRegistry {
	return &liveRegistry{entries: make(map[string]*liveEntry)}
}

func (r *liveRegistry) Get(runID string) *liveEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[runID]
}

func (r *liveRegistry) Has(runID string) bool {
	return r.Get(runID) != nil
}

func (r *liveRegistry) Set(entry *liveEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entry.runID] = entry
}

// CompareAndDelete removes runID only if it still maps to entry.
func (r *liveRegistry) CompareAndDelete(runID string, entry *liveEntry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[runID]; ok && cur == entry {
		delete(r.entries, runID)
		return true
	}
	return false
}

// Keys returns the live run IDs in sorted order.
func (r *liveRegistry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *liveRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// runLocks hands out one mutex per run ID. Locks are never removed, so a
// late event for a closed run still serializes against a concurrent resume.
type runLocks struct {
	m sync.Map // runID -> *sync.Mutex
}

func (l *runLocks) get(runID string) *sync.Mutex {
	if mu, ok := l.m.Load(runID); ok {
		return mu.(*sync.Mutex)
	}
	mu, _ := l.m.LoadOrStore(runID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}
