package executor

import "sync"

// ClosingSet tracks positions currently being closed. The risk controller
// and the profit monitor both claim a position here before acting on it, so
// the two paths never race a close against each other.
type ClosingSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

// NewClosingSet returns an empty set.
func NewClosingSet() *ClosingSet {
	return &ClosingSet{ids: make(map[string]struct{})}
}

// TryAdd claims a position id. Returns false if it was already claimed.
func (s *ClosingSet) TryAdd(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

// Remove releases a claim. Unknown ids are ignored.
func (s *ClosingSet) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, id)
}

// Contains reports whether a position is currently being closed.
func (s *ClosingSet) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}
