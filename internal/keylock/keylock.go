// Package keylock serializes work per user id with a fixed set of striped
// mutexes.
package keylock

import "sync"

const defaultStripes = 256

type Locker struct {
	stripes []sync.Mutex
}

func New(stripes int) *Locker {
	if stripes <= 0 {
		stripes = defaultStripes
	}
	return &Locker{stripes: make([]sync.Mutex, stripes)}
}

func (l *Locker) stripe(id int64) *sync.Mutex {
	u := uint64(id)
	// fibonacci hashing spreads sequential ids
	u *= 11400714819323198485
	return &l.stripes[u%uint64(len(l.stripes))]
}

// Lock locks id and returns the unlock func.
func (l *Locker) Lock(id int64) func() {
	m := l.stripe(id)
	m.Lock()
	return m.Unlock
}

// Do runs fn while holding id's lock.
func (l *Locker) Do(id int64, fn func()) {
	unlock := l.Lock(id)
	defer unlock()
	fn()
}
