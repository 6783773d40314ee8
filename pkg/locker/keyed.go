// Package locker provides context-aware mutual exclusion scoped to string keys.
package locker

import (
	"context"
	"sync"
)

// UnlockFunc releases a held lock. Calling it more than once is a no-op.
type UnlockFunc func()

// Keyed serialises callers that share a key while callers on different keys
// proceed without contention. Idle keys are garbage collected.
type Keyed struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	slot chan struct{}
	refs int
}

// NewKeyed constructs an empty keyed locker.
func NewKeyed() *Keyed {
	return &Keyed{locks: make(map[string]*keyedEntry)}
}

// Lock blocks until key is free or ctx is done.
func (k *Keyed) Lock(ctx context.Context, key string) (UnlockFunc, error) {
	entry := k.acquireRef(key)

	select {
	case entry.slot <- struct{}{}:
	case <-ctx.Done():
		k.releaseRef(key, entry)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.slot
			k.releaseRef(key, entry)
		})
	}, nil
}

// tryLock acquires key only if it is free right now.
func (k *Keyed) tryLock(key string) (UnlockFunc, bool) {
	entry := k.acquireRef(key)
	select {
	case entry.slot <- struct{}{}:
	default:
		k.releaseRef(key, entry)
		return nil, false
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.slot
			k.releaseRef(key, entry)
		})
	}, true
}

// Len reports how many keys are currently held or awaited.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

func (k *Keyed) acquireRef(key string) *keyedEntry {
	k.mu.Lock()
	defer k.mu.Unlock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedEntry{slot: make(chan struct{}, 1)}
		k.locks[key] = entry
	}
	entry.refs++
	return entry
}

func (k *Keyed) releaseRef(key string, entry *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(k.locks, key)
	}
}
