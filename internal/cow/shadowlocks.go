package cow

import "sync"

// ShadowLocks is the cooperative exclusion set of order ids / slot ids
// currently in flight in a COW batch. Strategy selection must skip any id
// in this set so in-flight operations are never chosen again; enforcement
// is cooperative (a mutex-guarded map), not an OS-level lock.
type ShadowLocks struct {
	mu  sync.Mutex
	set map[string]struct{}
}

// NewShadowLocks constructs an empty shadow-lock set.
func NewShadowLocks() *ShadowLocks {
	return &ShadowLocks{set: make(map[string]struct{})}
}

// TryAcquire adds every id to the set atomically: it first checks all ids,
// and if any is already held it acquires none of them and returns false;
// otherwise it adds them all and returns true.
func (s *ShadowLocks) TryAcquire(ids []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if _, held := s.set[id]; held {
			return false
		}
	}
	for _, id := range ids {
		s.set[id] = struct{}{}
	}
	return true
}

// Release removes every id from the set.
func (s *ShadowLocks) Release(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.set, id)
	}
}

// Contains reports whether id is currently shadow-locked; strategy
// selection calls this to skip in-flight ids.
func (s *ShadowLocks) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, held := s.set[id]
	return held
}

// Count reports the number of currently held ids, for the
// shadowLocksActive metric.
func (s *ShadowLocks) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.set)
}

// Snapshot returns the currently held ids, for callers (e.g. strategy
// selection) that need to exclude the whole in-flight set at once rather
// than probing Contains per candidate.
func (s *ShadowLocks) Snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.set))
	for id := range s.set {
		out = append(out, id)
	}
	return out
}
