// Package connectivity tracks whether the client can reach the server.
// Signal holds the current state; Monitor drives it from a websocket
// connection to the change feed.
package connectivity

import "sync"

// Signal is an online/offline flag that notifies listeners on every
// transition.
type Signal struct {
	mu        sync.Mutex
	online    bool
	next      int
	listeners map[int]func(online bool)
}

// NewSignal returns a signal in the given initial state.
func NewSignal(online bool) *Signal {
	return &Signal{online: online, listeners: make(map[int]func(bool))}
}

// Online reports the current state.
func (s *Signal) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.online
}

// SetOnline records the state. Listeners run only when it changes.
func (s *Signal) SetOnline(online bool) {
	s.mu.Lock()
	if s.online == online {
		s.mu.Unlock()
		return
	}

	s.online = online

	fns := make([]func(bool), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
}

// Subscribe registers fn for every transition.
func (s *Signal) Subscribe(fn func(online bool)) (cancel func()) {
	s.mu.Lock()
	s.next++
	id := s.next
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// OnOnline registers fn for offline-to-online transitions.
func (s *Signal) OnOnline(fn func()) (cancel func()) {
	return s.Subscribe(func(online bool) {
		if online {
			fn()
		}
	})
}
