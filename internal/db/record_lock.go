package db

import (
	"sort"
	"sync"
)

// recordLocks hands out one mutex per record id. Entries are dropped when the
// last holder releases them.
type recordLocks struct {
	mu    sync.Mutex
	locks map[string]*recordLock
}

type recordLock struct {
	mu   sync.Mutex
	refs int
}

// LockRecords serialises writers of the given records until the returned
// function is called. The router holds it across a read-modify-write of a
// record, and the drain holds it while moving a record to its server id.
// Ids are locked in sorted order, so overlapping callers cannot deadlock.
func (r *Repository) LockRecords(ids ...string) (unlock func()) {
	sorted := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id != "" && !seen[id] {
			seen[id] = true
			sorted = append(sorted, id)
		}
	}
	sort.Strings(sorted)

	held := make([]*recordLock, 0, len(sorted))
	for _, id := range sorted {
		l := r.locks.acquire(id)
		l.mu.Lock()
		held = append(held, l)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(held) - 1; i >= 0; i-- {
				held[i].mu.Unlock()
				r.locks.release(sorted[i])
			}
		})
	}
}

func (l *recordLocks) acquire(id string) *recordLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locks == nil {
		l.locks = make(map[string]*recordLock)
	}
	lock, ok := l.locks[id]
	if !ok {
		lock = &recordLock{}
		l.locks[id] = lock
	}
	lock.refs++
	return lock
}

func (l *recordLocks) release(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock := l.locks[id]
	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, id)
	}
}
