package service

import "sync"

// intentLocks serializes read-modify-write cycles on one payment id. Entries
// are dropped once nobody holds or waits for them.
type intentLocks struct {
	mu    sync.Mutex
	locks map[string]*intentLock
}

type intentLock struct {
	mu   sync.Mutex
	refs int
}

// lock blocks until paymentID is free and returns the matching unlock.
func (l *intentLocks) lock(paymentID string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*intentLock)
	}
	entry, ok := l.locks[paymentID]
	if !ok {
		entry = &intentLock{}
		l.locks[paymentID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()

		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, paymentID)
		}
		l.mu.Unlock()
	}
}

func (l *intentLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
