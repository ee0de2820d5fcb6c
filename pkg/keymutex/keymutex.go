// Package keymutex serializes operations that share a string key, such as
// concurrent balance mutations against the same agent.
package keymutex

import "sync"

// KeyMutex hands out one mutex per key. Mutexes are created on first use and
// kept for the life of the process; the key space here (agent ids) is small.
type KeyMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an empty KeyMutex.
func New() *KeyMutex {
	return &KeyMutex{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for key and returns the matching unlock function.
func (k *KeyMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
