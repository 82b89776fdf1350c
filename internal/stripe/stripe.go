// Package stripe provides per-key mutual exclusion over a fixed pool of
// mutexes.
package stripe

import (
	"hash/fnv"
	"sync"
)

// DefaultStripes is the pool size used when none is given.
const DefaultStripes = 64

// Locks maps keys onto a fixed set of mutexes. Two keys may share a mutex;
// the same key always maps to the same one.
type Locks struct {
	mus []sync.Mutex
}

// New creates a lock pool with n stripes.
func New(n int) *Locks {
	if n <= 0 {
		n = DefaultStripes
	}
	return &Locks{mus: make([]sync.Mutex, n)}
}

func (l *Locks) stripe(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &l.mus[h.Sum32()%uint32(len(l.mus))]
}

// Lock acquires the mutex for key and returns its unlock function.
func (l *Locks) Lock(key string) func() {
	mu := l.stripe(key)
	mu.Lock()
	return mu.Unlock
}
