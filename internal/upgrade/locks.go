package upgrade

import "sync"

// lockTable holds per-(instance, container) upgrade locks. A second upgrade
// for the same key is rejected, not queued: interleaved state machines on one
// container would corrupt it.
type lockTable struct {
	mu   sync.Mutex
	held map[string]bool
}

func newLockTable() *lockTable {
	return &lockTable{held: make(map[string]bool)}
}

func (l *lockTable) acquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return false
	}
	l.held[key] = true
	return true
}

func (l *lockTable) release(key string) {
	l.mu.Lock()
	delete(l.held, key)
	l.mu.Unlock()
}
