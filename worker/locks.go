package worker

import (
	"context"
	"sync"
)

// lockArena hands out per-entity mutual exclusion. Entries are created lazily
// and removed once the last interested worker releases, so the map only holds
// keys with active contention. A single global mutex guards only the map
// itself; waiting for an entity lock never blocks unrelated entities.
type lockArena struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	sem  chan struct{}
	refs int
}

func newLockArena() *lockArena {
	return &lockArena{entries: make(map[string]*lockEntry)}
}

// Acquire blocks until the lock for key is held or ctx expires. On success it
// returns a release function that must be called exactly once; on timeout it
// returns ErrLockTimeout.
func (a *lockArena) Acquire(ctx context.Context, key string) (func(), error) {
	a.mu.Lock()
	e, ok := a.entries[key]
	if !ok {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		a.entries[key] = e
	}
	e.refs++
	a.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
		return func() {
			<-e.sem
			a.unref(key, e)
		}, nil
	case <-ctx.Done():
		a.unref(key, e)
		return nil, ErrLockTimeout
	}
}

func (a *lockArena) unref(key string, e *lockEntry) {
	a.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(a.entries, key)
	}
	a.mu.Unlock()
}

// size reports the number of live entries, for tests.
func (a *lockArena) size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}
