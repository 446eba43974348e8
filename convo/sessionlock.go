package convo

import "sync"

// lockTable serializes operations per session. Turns and sweeps for the
// same session take the same lock; different sessions never contend.
// Entries are evicted when a session is purged so the table stays sized
// to active sessions.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*sync.Mutex)}
}

// acquire returns the session's mutex in the locked state, creating the
// entry on first use. The caller unlocks it.
//
// A goroutine can park on a mutex that a purge then evicts from the
// table; once woken it would hold a lock that no longer serializes the
// session against newer arrivals. acquire detects that by re-checking
// the table entry after locking and retries on the current mutex.
func (t *lockTable) acquire(sessionID string) *sync.Mutex {
	for {
		t.mu.Lock()
		l, ok := t.locks[sessionID]
		if !ok {
			l = &sync.Mutex{}
			t.locks[sessionID] = l
		}
		t.mu.Unlock()

		l.Lock()

		t.mu.Lock()
		current := t.locks[sessionID] == l
		t.mu.Unlock()
		if current {
			return l
		}
		l.Unlock()
	}
}

// evict drops the session's entry. Only called while holding the
// session's own lock during a purge.
func (t *lockTable) evict(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.locks, sessionID)
}
