package sync

import (
	"sync"
)

// KeyedMutex provides fine-grained locking with one mutex per key, created
// lazily on first use. Callers racing for the same key serialize on that key's
// lock; callers for different keys never contend with each other.
//
// Locks are never removed: the key space here (client/bank pairs) is small and
// bounded, so a handful of idle mutexes is cheaper than the bookkeeping to
// reap them safely.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the lock for the given key, creating it if needed.
func (m *KeyedMutex) Lock(key string) {
	m.lockFor(key).Lock()
}

// Unlock releases the lock for the given key.
// Unlocking a key that was never locked panics, same as sync.Mutex.
func (m *KeyedMutex) Unlock(key string) {
	m.lockFor(key).Unlock()
}

func (m *KeyedMutex) lockFor(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}
