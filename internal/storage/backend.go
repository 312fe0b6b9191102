// Package storage wraps the local key-value slot that holds the wizard
// draft between runs. Backends report raw bytes; the Adapter owns the
// envelope encoding and turns write failures into warnings.
package storage

import (
	"fmt"
)

// Backend is a durable key-value slot shared by every context that opens
// the same location. Subscribe delivers keys written by other contexts;
// a context never sees its own writes.
type Backend interface {
	// Read returns errors.ErrKeyNotFound when the key was never written.
	Read(key string) ([]byte, error)
	Write(key string, data []byte) error
	Remove(key string) error
	Subscribe(fn func(key string)) (cancel func())
	Close() error
}

// validateKey keeps keys usable as file names on every platform.
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty storage key")
	}

	if key[0] == '.' {
		return fmt.Errorf("storage key %q must not start with a dot", key)
	}

	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '-', r == '_':
		default:
			return fmt.Errorf("storage key %q contains invalid character %q", key, r)
		}
	}

	return nil
}

// subscribers is a small registry of change callbacks.
type subscribers struct {
	next int
	fns  map[int]func(string)
}

func (s *subscribers) add(fn func(string)) int {
	if s.fns == nil {
		s.fns = make(map[int]func(string))
	}

	s.next++
	s.fns[s.next] = fn

	return s.next
}

func (s *subscribers) remove(id int) {
	delete(s.fns, id)
}

func (s *subscribers) snapshot() []func(string) {
	out := make([]func(string), 0, len(s.fns))
	for _, fn := range s.fns {
		out = append(out, fn)
	}

	return out
}
