package control

import "sync"

// groupLocks serializes command execution per interlock group.
//
// The lock key for a device is the ID of its interlock group root: a
// valve with a parent pump locks on the pump's ID, everything else
// locks on its own ID. This means a pump and all the valves feeding it
// share one mutex, so a cascade stop can never race a concurrent
// sibling close into double-accruing runtime or double-appending
// alerts.
//
// Mutexes are created on demand and kept for the life of the process;
// the map is bounded by the number of distinct devices commanded.
type groupLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newGroupLocks() *groupLocks {
	return &groupLocks{locks: make(map[string]*sync.Mutex)}
}

// acquire returns the mutex for a group key, creating it if needed.
// The caller locks and unlocks the returned mutex.
func (g *groupLocks) acquire(key string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()

	lock, ok := g.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		g.locks[key] = lock
	}
	return lock
}
