package connectivity

import (
	"sync"
)

// Signal reports network reachability and notifies subscribers about transitions.
type Signal interface {
	Online() bool
	// Subscribe registers fn for online/offline transitions and returns a function that removes it.
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// Manual is a Signal whose state is set by its owner. Subscribers are only
// notified when the state actually changes.
type Manual struct {
	mu     sync.Mutex
	online bool
	nextID int
	subs   map[int]func(bool)
}

func NewManual(online bool) *Manual {
	return &Manual{online: online, subs: make(map[int]func(bool))}
}

func (m *Manual) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline updates the state and reports whether it changed.
func (m *Manual) SetOnline(online bool) bool {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return false
	}
	m.online = online
	subs := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(online)
	}
	return true
}

func (m *Manual) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}
