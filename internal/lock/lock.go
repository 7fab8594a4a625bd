// Package lock provides the per-run path lock set that keeps two tasks
// from transferring the same file at once.
package lock

import (
	mapset "github.com/deckarep/golang-set/v2"
)

// PathSet holds the paths currently claimed by a transfer.
// It is safe for concurrent use.
type PathSet struct {
	held mapset.Set[string]
}

// NewPathSet returns an empty set
func NewPathSet() *PathSet {
	return &PathSet{held: mapset.NewSet[string]()}
}

// TryLock claims path. It returns false when another task holds it;
// the caller then skips the path instead of waiting.
func (s *PathSet) TryLock(path string) bool {
	return s.held.Add(path)
}

// Unlock releases path. Unlocking a path that is not held does nothing.
func (s *PathSet) Unlock(path string) {
	s.held.Remove(path)
}

// IsLocked reports whether path is currently claimed
func (s *PathSet) IsLocked(path string) bool {
	return s.held.Contains(path)
}

// Len returns the number of claimed paths
func (s *PathSet) Len() int {
	return s.held.Cardinality()
}

// Held returns a snapshot of the claimed paths
func (s *PathSet) Held() []string {
	return s.held.ToSlice()
}
