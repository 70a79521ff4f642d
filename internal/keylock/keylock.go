// Package keylock provides per-identity mutual exclusion. A takeover
// and a concurrent load/save of the same identity must not interleave,
// so the cache, reconciler and sweeper share one Map.
package keylock

import "sync"

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// Map hands out one mutex per key, dropping mutexes nobody holds.
type Map struct {
	mu    sync.Mutex
	locks map[int64]*lockEntry
}

// NewMap returns an empty lock map.
func NewMap() *Map {
	return &Map{locks: make(map[int64]*lockEntry)}
}

// Lock acquires the mutex for key and returns its unlock function.
func (m *Map) Lock(key int64) func() {
	m.mu.Lock()
	entry, ok := m.locks[key]
	if !ok {
		entry = &lockEntry{}
		m.locks[key] = entry
	}
	entry.refs++
	m.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		m.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(m.locks, key)
		}
		m.mu.Unlock()
	}
}
