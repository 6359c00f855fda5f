package periscope

import "sync"

// keyedMutex serializes operations per key (item_id). There is no global
// lock; entries are reference-counted and removed when released.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock acquires the per-key mutex, creating it on first use.
func (k *keyedMutex) Lock(key string) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
}

// Unlock releases the per-key mutex and drops it when no longer referenced.
func (k *keyedMutex) Unlock(key string) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if ok {
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
	}
	k.mu.Unlock()

	if ok {
		l.mu.Unlock()
	}
}
