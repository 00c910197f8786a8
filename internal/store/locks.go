package store

import "sync"

// lockTable hands out per-(workspace, item) mutexes so read-modify-write
// item updates serialize without holding the store-wide lock. Entries are
// reference counted and reclaimed on release, which bounds the table by the
// number of concurrently held locks rather than the number of items ever
// touched.
type lockTable struct {
	mu      sync.Mutex
	max     int
	entries map[lockKey]*lockEntry
}

type lockKey struct {
	workspace string
	item      string
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newLockTable(max int) *lockTable {
	if max <= 0 {
		max = 1024
	}
	return &lockTable{max: max, entries: make(map[lockKey]*lockEntry)}
}

// acquire blocks until the per-item lock is held and returns the release
// function.
func (t *lockTable) acquire(workspace, id string) func() {
	key := lockKey{workspace: workspace, item: id}

	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok {
		e = &lockEntry{}
		t.entries[key] = e
	}
	e.refs++
	t.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()
		t.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(t.entries, key)
		}
		t.mu.Unlock()
	}
}
