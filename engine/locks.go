package engine

import "sync"

// lockTable serializes mutations per intent ID. Entries are refcounted and
// removed once the last holder releases, so the map only ever holds IDs with
// live contention.
type lockTable struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{entries: make(map[string]*lockEntry)}
}

// acquire blocks until the per-ID lock is held and returns the release func.
// Release is idempotent.
func (t *lockTable) acquire(id string) func() {
	t.mu.Lock()
	entry, ok := t.entries[id]
	if !ok {
		entry = &lockEntry{}
		t.entries[id] = entry
	}
	entry.refs++
	t.mu.Unlock()

	entry.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			entry.mu.Unlock()
			t.mu.Lock()
			entry.refs--
			if entry.refs == 0 {
				delete(t.entries, id)
			}
			t.mu.Unlock()
		})
	}
}

// size reports how many IDs currently hold an entry; used by tests.
func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
