package flow

import (
	"sync"

	"github.com/BTreeMap/ReplyPipe/internal/models"
)

type keyLockEntry struct {
	mu   sync.Mutex
	refs int
}

// keyLocks serializes work per (flow, user). Entries are dropped once no
// goroutine holds or waits on them, so the map stays bounded by concurrency.
type keyLocks struct {
	mu    sync.Mutex
	locks map[models.StateKey]*keyLockEntry
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[models.StateKey]*keyLockEntry)}
}

// Lock acquires the lock for key and returns its release function.
func (k *keyLocks) Lock(key models.StateKey) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyLockEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyLocks) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
