package multipart

import "sync"

// keyedRWMutex hands out one reader/writer lock per key and forgets keys
// nobody holds.
type keyedRWMutex struct {
	mu    sync.Mutex
	locks map[string]*refRWMutex
}

type refRWMutex struct {
	sync.RWMutex
	refs int
}

func newKeyedRWMutex() *keyedRWMutex {
	return &keyedRWMutex{locks: make(map[string]*refRWMutex)}
}

func (k *keyedRWMutex) acquire(key string) *refRWMutex {
	k.mu.Lock()
	defer k.mu.Unlock()

	l, ok := k.locks[key]
	if !ok {
		l = &refRWMutex{}
		k.locks[key] = l
	}
	l.refs++
	return l
}

func (k *keyedRWMutex) release(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	l := k.locks[key]
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

// RLock takes the shared side for key and returns its unlock function.
func (k *keyedRWMutex) RLock(key string) func() {
	l := k.acquire(key)
	l.RLock()
	return func() {
		l.RUnlock()
		k.release(key)
	}
}

// Lock takes the exclusive side for key and returns its unlock function.
func (k *keyedRWMutex) Lock(key string) func() {
	l := k.acquire(key)
	l.Lock()
	return func() {
		l.Unlock()
		k.release(key)
	}
}
