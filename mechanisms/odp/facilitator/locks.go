package facilitator

import "sync"

// sessionLocks serializes verify and settle per session. Entries are
// reference counted so a closed session's entry can be dropped without
// yanking the mutex out from under a blocked waiter.
type sessionLocks struct {
	mu      sync.Mutex
	entries map[string]*sessionLock
}

type sessionLock struct {
	mu     sync.Mutex
	refs   int
	closed bool
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{entries: make(map[string]*sessionLock)}
}

// acquire blocks until the session's lock is held.
func (l *sessionLocks) acquire(sessionID string) *sessionLock {
	l.mu.Lock()
	entry, ok := l.entries[sessionID]
	if !ok {
		entry = &sessionLock{}
		l.entries[sessionID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return entry
}

// release unlocks and drops the reference. The entry is removed once the
// session is closed and the last holder releases.
func (l *sessionLocks) release(sessionID string, entry *sessionLock) {
	entry.mu.Unlock()

	l.mu.Lock()
	entry.refs--
	if entry.refs == 0 && entry.closed {
		if current, ok := l.entries[sessionID]; ok && current == entry {
			delete(l.entries, sessionID)
		}
	}
	l.mu.Unlock()
}

// markClosed flags the entry for removal on final release. Callers must hold
// the entry's lock.
func (l *sessionLocks) markClosed(entry *sessionLock) {
	l.mu.Lock()
	entry.closed = true
	l.mu.Unlock()
}

func (l *sessionLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
