// Package lock provides per-shadow write serialization.
package lock

import "sync"

// KeyedMutex interns one mutex per key so that writes to the same
// (thing, shadowName) never interleave, while writes to distinct keys
// proceed concurrently. Entries are never evicted: the set of distinct
// keys a gateway manages is bounded by fleet provisioning, not by
// request volume.
type KeyedMutex struct {
	locks sync.Map // string -> *sync.Mutex
}

func New() *KeyedMutex {
	return &KeyedMutex{}
}

func Key(thing, shadowName string) string {
	if shadowName == "" {
		return thing
	}
	return thing + "\x00" + shadowName
}

func (k *KeyedMutex) mutexFor(key string) *sync.Mutex {
	m, _ := k.locks.LoadOrStore(key, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// Lock acquires the mutex for key, blocking until available.
func (k *KeyedMutex) Lock(key string) {
	k.mutexFor(key).Lock()
}

// Unlock releases the mutex for key.
func (k *KeyedMutex) Unlock(key string) {
	k.mutexFor(key).Unlock()
}

// WithLock runs fn while holding the lock for key.
func (k *KeyedMutex) WithLock(key string, fn func()) {
	m := k.mutexFor(key)
	m.Lock()
	defer m.Unlock()
	fn()
}
