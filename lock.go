package federation

import (
	"context"
	"sync"
)

// LockManager serializes resolve-or-create critical sections per canonical
// URI. Two equivalent but differently-spelled URIs may map to different
// locks; idempotent creation in the stores restores correctness for that
// case. Locks are held only across a critical section, never across a
// whole activity.
type LockManager struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	sem  chan struct{}
	refs int
}

func NewLockManager() *LockManager {
	return &LockManager{
		entries: make(map[string]*lockEntry),
	}
}

// Acquire blocks until the URI's lock is held or the context is done. The
// returned release function is safe to call more than once and must be
// called on all paths.
func (m *LockManager) Acquire(c context.Context, uri string) (func(), error) {
	m.mu.Lock()
	entry, ok := m.entries[uri]
	if !ok {
		entry = &lockEntry{sem: make(chan struct{}, 1)}
		m.entries[uri] = entry
	}
	entry.refs++
	m.mu.Unlock()

	select {
	case entry.sem <- struct{}{}:
	case <-c.Done():
		m.unref(uri, entry)
		return nil, c.Err()
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			<-entry.sem
			m.unref(uri, entry)
		})
	}
	return release, nil
}

func (m *LockManager) unref(uri string, entry *lockEntry) {
	m.mu.Lock()
	entry.refs--
	if entry.refs == 0 {
		delete(m.entries, uri)
	}
	m.mu.Unlock()
}
