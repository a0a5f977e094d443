package timer

import (
	"sync"

	"go.uber.org/atomic"
)

// Set holds the active metric timers. Snapshot never blocks; Add and Remove
// replace the whole slice under a writer-only lock.
type Set struct {
	mu     sync.Mutex
	timers atomic.Pointer[[]*Timer]
}

// Add registers t. Adding a timer twice is a no-op.
func (s *Set) Add(t *Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.Snapshot()
	for _, existing := range cur {
		if existing == t {
			return
		}
	}
	next := make([]*Timer, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, t)
	s.timers.Store(&next)
}

// Remove unregisters t and reports whether it was present.
func (s *Set) Remove(t *Timer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.Snapshot()
	next := make([]*Timer, 0, len(cur))
	for _, existing := range cur {
		if existing != t {
			next = append(next, existing)
		}
	}
	if len(next) == len(cur) {
		return false
	}
	s.timers.Store(&next)
	return true
}

// Snapshot returns the registered timers. The returned slice must not be modified.
func (s *Set) Snapshot() []*Timer {
	p := s.timers.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Len returns the number of registered timers.
func (s *Set) Len() int {
	return len(s.Snapshot())
}
