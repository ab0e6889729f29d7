// Package pattern builds the include/exclude predicate that decides which
// build inputs are registered with the filesystem monitor.
package pattern

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Filter reports whether a path should be watched. Both forms of the path are
// offered: the absolute path and the path relative to the working directory.
type Filter func(absolute, relative string) bool

// Set is a compiled include/exclude pair.
type Set struct {
	include []string
	exclude []string
}

// Compile validates every pattern. Patterns use doublestar syntax with
// forward slashes on every platform.
func Compile(include, exclude []string) (*Set, error) {
	set := &Set{}
	for _, raw := range include {
		pattern, err := normalize(raw)
		if err != nil {
			return nil, fmt.Errorf("include pattern: %w", err)
		}
		if pattern != "" {
			set.include = append(set.include, pattern)
		}
	}
	for _, raw := range exclude {
		pattern, err := normalize(raw)
		if err != nil {
			return nil, fmt.Errorf("exclude pattern: %w", err)
		}
		if pattern != "" {
			set.exclude = append(set.exclude, pattern)
		}
	}
	return set, nil
}

// Match applies exclude first: a path matching any exclude pattern is
// rejected even when an include pattern also matches. With no include
// patterns every non-excluded path passes.
func (s *Set) Match(absolute, relative string) bool {
	if s == nil {
		return true
	}
	candidates := candidatesFor(absolute, relative)
	for _, pattern := range s.exclude {
		if matchAny(pattern, candidates) {
			return false
		}
	}
	if len(s.include) == 0 {
		return true
	}
	for _, pattern := range s.include {
		if matchAny(pattern, candidates) {
			return true
		}
	}
	return false
}

// Filter returns Match as a Filter value.
func (s *Set) Filter() Filter {
	return s.Match
}

// Empty reports whether the set has no patterns at all.
func (s *Set) Empty() bool {
	return s == nil || (len(s.include) == 0 && len(s.exclude) == 0)
}

// AllowAll is the filter used when no patterns are configured.
func AllowAll(string, string) bool {
	return true
}

func normalize(raw string) (string, error) {
	pattern := strings.TrimSpace(raw)
	if pattern == "" {
		return "", nil
	}
	pattern = filepath.ToSlash(pattern)
	pattern = strings.TrimPrefix(pattern, "./")
	if !doublestar.ValidatePattern(pattern) {
		return "", fmt.Errorf("invalid pattern %q", raw)
	}
	return pattern, nil
}

func candidatesFor(absolute, relative string) []string {
	candidates := make([]string, 0, 2)
	if absolute != "" {
		candidates = append(candidates, filepath.ToSlash(absolute))
	}
	if relative != "" {
		rel := strings.TrimPrefix(filepath.ToSlash(relative), "./")
		if rel != "" && (len(candidates) == 0 || rel != candidates[0]) {
			candidates = append(candidates, rel)
		}
	}
	return candidates
}

func matchAny(pattern string, candidates []string) bool {
	for _, candidate := range candidates {
		if matched, err := doublestar.Match(pattern, candidate); err == nil && matched {
			return true
		}
	}
	return false
}
