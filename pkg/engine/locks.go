package engine

import "sync"

// lockTable hands out named mutexes on demand. Entries are reference-counted
// and dropped when the last holder unlocks, so the table stays bounded by the
// number of in-flight operations rather than the number of keys ever touched.
type lockTable struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.RWMutex
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{entries: make(map[string]*lockEntry)}
}

func (t *lockTable) acquire(name string) *lockEntry {
	t.mu.Lock()
	e, ok := t.entries[name]
	if !ok {
		e = &lockEntry{}
		t.entries[name] = e
	}
	e.refs++
	t.mu.Unlock()
	return e
}

func (t *lockTable) release(name string, e *lockEntry) {
	t.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(t.entries, name)
	}
	t.mu.Unlock()
}

// Lock takes the exclusive lock for name and returns its unlock function.
func (t *lockTable) Lock(name string) func() {
	e := t.acquire(name)
	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		t.release(name, e)
	}
}

// RLock takes the shared lock for name and returns its unlock function.
func (t *lockTable) RLock(name string) func() {
	e := t.acquire(name)
	e.mu.RLock()
	return func() {
		e.mu.RUnlock()
		t.release(name, e)
	}
}
