package service

import "sync"

// KeyedMutex hands out one mutex per key. Entries are dropped once nobody
// holds or waits for them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock blocks until key is free and returns the unlock function.
func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// TryLock acquires key only when it is free.
func (k *KeyedMutex) TryLock(key string) (func(), bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, busy := k.locks[key]; busy {
		return nil, false
	}
	l := &keyedLock{refs: 1}
	l.mu.Lock()
	k.locks[key] = l
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}, true
}
