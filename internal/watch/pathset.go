package watch

import (
	"sort"
	"sync"
)

// PathSet is a concurrent set of absolute paths registered with the monitor.
type PathSet struct {
	mu    sync.RWMutex
	paths map[string]struct{}
}

func NewPathSet() *PathSet {
	return &PathSet{paths: make(map[string]struct{})}
}

// Add inserts path and reports whether it was new.
func (s *PathSet) Add(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.paths[path]; ok {
		return false
	}
	s.paths[path] = struct{}{}
	return true
}

func (s *PathSet) Contains(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.paths[path]
	return ok
}

func (s *PathSet) Remove(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.paths, path)
}

func (s *PathSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.paths)
}

// List returns the members in sorted order.
func (s *PathSet) List() []string {
	s.mu.RLock()
	paths := make([]string, 0, len(s.paths))
	for path := range s.paths {
		paths = append(paths, path)
	}
	s.mu.RUnlock()
	sort.Strings(paths)
	return paths
}
