// Package keylock serializes operations that share a string key.
//
// Entries are reference counted and dropped once no goroutine holds or waits
// for them, so the table does not grow with the number of ids ever seen.
package keylock

import (
	"strconv"
	"sync"
)

type entry struct {
	mu   sync.Mutex
	refs int
}

// Locker hands out one mutex per key.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*entry
}

func New() *Locker {
	return &Locker{locks: make(map[string]*entry)}
}

// Lock blocks until key is free and returns the matching unlock func.
func (l *Locker) Lock(key string) (unlock func()) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &entry{}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			l.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(l.locks, key)
			}
			l.mu.Unlock()
		})
	}
}

// Len reports how many keys are currently held or awaited.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// RackKey is the lock key for a rack id.
func RackKey(id int64) string {
	return "rack/" + strconv.FormatInt(id, 10)
}

// ServerKey is the lock key for a server id.
func ServerKey(id int64) string {
	return "server/" + strconv.FormatInt(id, 10)
}
