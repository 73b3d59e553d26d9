// Package keylock serializes work per key while letting distinct keys run in
// parallel.
package keylock

import (
	"context"
	"sync"
)

type entry struct {
	sem  chan struct{}
	refs int
}

// Map hands out one single-slot semaphore per key. Entries are dropped once
// nobody holds or waits on them. The zero value is ready to use.
type Map struct {
	mu    sync.Mutex
	slots map[string]*entry
}

// Lock blocks until key is free or ctx is done. The returned func releases
// the key and must be called exactly once.
func (m *Map) Lock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	if m.slots == nil {
		m.slots = make(map[string]*entry)
	}
	e, ok := m.slots[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		m.slots[key] = e
	}
	e.refs++
	m.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.sem
				m.drop(key, e)
			})
		}, nil
	case <-ctx.Done():
		m.drop(key, e)
		return nil, ctx.Err()
	}
}

func (m *Map) drop(key string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 && m.slots[key] == e {
		delete(m.slots, key)
	}
}

// Len reports how many keys are currently held or awaited.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}
