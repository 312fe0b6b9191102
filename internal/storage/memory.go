package storage

import (
	"fmt"
	"sync"

	apperrors "github.com/cyruslayo/buildr/internal/errors"
)

// Memory is an in-process slot shared by any number of sessions. Each
// session plays the part of one browsing context: it is notified of
// writes made by the other sessions, never of its own. quota caps the
// total stored bytes across all keys; zero disables it.
type Memory struct {
	mu       sync.Mutex
	data     map[string][]byte
	quota    int64
	sessions map[*MemorySession]struct{}
}

// NewMemory creates an empty shared slot.
func NewMemory(quota int64) *Memory {
	return &Memory{
		data:     make(map[string][]byte),
		quota:    quota,
		sessions: make(map[*MemorySession]struct{}),
	}
}

// Session opens a new context on the shared slot.
func (m *Memory) Session() *MemorySession {
	s := &MemorySession{mem: m}

	m.mu.Lock()
	m.sessions[s] = struct{}{}
	m.mu.Unlock()

	return s
}

// SetQuota changes the byte cap. Existing values are kept even if they
// exceed the new cap.
func (m *Memory) SetQuota(quota int64) {
	m.mu.Lock()
	m.quota = quota
	m.mu.Unlock()
}

func (m *Memory) usedLocked() int64 {
	var total int64
	for _, v := range m.data {
		total += int64(len(v))
	}

	return total
}

// MemorySession is one context's view of a Memory slot.
type MemorySession struct {
	mem *Memory

	mu   sync.Mutex
	subs subscribers
}

// Read returns a copy of the stored value.
func (s *MemorySession) Read(key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	s.mem.mu.Lock()
	defer s.mem.mu.Unlock()

	v, ok := s.mem.data[key]
	if !ok {
		return nil, apperrors.ErrKeyNotFound
	}

	return append([]byte(nil), v...), nil
}

// Write stores data and notifies the other sessions.
func (s *MemorySession) Write(key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}

	s.mem.mu.Lock()

	if s.mem.quota > 0 {
		used := s.mem.usedLocked() - int64(len(s.mem.data[key])) + int64(len(data))
		if used > s.mem.quota {
			s.mem.mu.Unlock()
			return fmt.Errorf("writing %s (%d bytes): %w", key, len(data), apperrors.ErrQuotaExceeded)
		}
	}

	s.mem.data[key] = append([]byte(nil), data...)
	others := s.othersLocked()
	s.mem.mu.Unlock()

	broadcast(others, key)

	return nil
}

// Remove deletes key and notifies the other sessions.
func (s *MemorySession) Remove(key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	s.mem.mu.Lock()
	_, existed := s.mem.data[key]
	delete(s.mem.data, key)
	others := s.othersLocked()
	s.mem.mu.Unlock()

	if existed {
		broadcast(others, key)
	}

	return nil
}

// Subscribe registers fn for writes made by other sessions.
func (s *MemorySession) Subscribe(fn func(key string)) func() {
	s.mu.Lock()
	id := s.subs.add(fn)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		s.subs.remove(id)
		s.mu.Unlock()
	}
}

// Close detaches the session from the shared slot.
func (s *MemorySession) Close() error {
	s.mem.mu.Lock()
	delete(s.mem.sessions, s)
	s.mem.mu.Unlock()

	return nil
}

func (s *MemorySession) othersLocked() []*MemorySession {
	out := make([]*MemorySession, 0, len(s.mem.sessions))
	for other := range s.mem.sessions {
		if other != s {
			out = append(out, other)
		}
	}

	return out
}

// broadcast delivers asynchronously, like a browser storage event, so a
// writer never runs another context's callbacks on its own stack.
func broadcast(sessions []*MemorySession, key string) {
	for _, other := range sessions {
		other.mu.Lock()
		fns := other.subs.snapshot()
		other.mu.Unlock()

		for _, fn := range fns {
			go fn(key)
		}
	}
}
