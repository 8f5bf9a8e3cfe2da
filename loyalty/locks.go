package loyalty

import "sync"

// =============================================================================
// KEYED MUTEX - Per-customer critical sections
// =============================================================================

// KeyedMutex serializes work per customer while leaving unrelated customers
// fully concurrent. Entries are reference counted and dropped when the last
// holder or waiter releases, so the map only holds customers in flight.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[CustomerID]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[CustomerID]*keyedLock)}
}

// Lock blocks until the caller holds the lock for id and returns the
// release function.
func (k *KeyedMutex) Lock(id CustomerID) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[id]
	if !ok {
		l = &keyedLock{}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()
			k.mu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(k.locks, id)
			}
			k.mu.Unlock()
		})
	}
}

// held returns the number of customers with a holder or waiter.
func (k *KeyedMutex) held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
