// Package devicelock serializes mutations per device identity. A heartbeat
// arriving concurrently with a liveness sweep or an operator command must
// not interleave on the same device; mutations to different devices proceed
// in parallel.
package devicelock

import "sync"

// Keyed hands out one mutex per device id. Locks are never released back;
// the fleet is small and entries are a mutex each.
type Keyed struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewKeyed creates an empty lock table.
func NewKeyed() *Keyed {
	return &Keyed{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for id and returns its unlock function.
func (k *Keyed) Lock(id string) func() {
	k.mu.Lock()
	l, ok := k.locks[id]
	if !ok {
		l = &sync.Mutex{}
		k.locks[id] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
