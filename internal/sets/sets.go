// Package sets holds the named sets referenced by "in" conditions, such as a
// merchant blacklist.
package sets

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Store is an in-memory snapshot of named sets. It implements
// domain.SetResolver and is safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	sets map[string]map[string]struct{}
}

// NewStore creates a store holding the given static sets.
func NewStore(static map[string][]string) *Store {
	s := &Store{sets: make(map[string]map[string]struct{})}
	for name, members := range static {
		s.Replace(name, members)
	}
	return s
}

// Contains reports whether member belongs to set. ok is false for an unknown
// set.
func (s *Store) Contains(set, member string) (found bool, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members, ok := s.sets[normalize(set)]
	if !ok {
		return false, false
	}
	_, found = members[member]
	return found, true
}

// HasSet reports whether the named set exists.
func (s *Store) HasSet(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sets[normalize(name)]
	return ok
}

// Replace swaps the members of a set, creating it if needed.
func (s *Store) Replace(name string, members []string) {
	m := make(map[string]struct{}, len(members))
	for _, member := range members {
		m[strings.TrimSpace(member)] = struct{}{}
	}

	s.mu.Lock()
	s.sets[normalize(name)] = m
	s.mu.Unlock()
}

// Names returns the known set names, sorted.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.sets))
	for name := range s.sets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Size returns the number of members of a set, -1 if it is unknown.
func (s *Store) Size(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members, ok := s.sets[normalize(name)]
	if !ok {
		return -1
	}
	return len(members)
}

// Source fetches set members from an external system.
type Source interface {
	Members(ctx context.Context, name string) ([]string, error)
}

// Refresh reloads the named sets from src. Sets that fail to load keep their
// previous members; the first error is returned after all names are tried.
func (s *Store) Refresh(ctx context.Context, src Source, names []string) error {
	var firstErr error
	for _, name := range names {
		members, err := src.Members(ctx, name)
		if err != nil {
			slog.Warn("failed to load set",
				"set", name,
				"error", err,
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("load set %s: %w", name, err)
			}
			continue
		}
		s.Replace(name, members)
		slog.Debug("set loaded",
			"set", name,
			"members", len(members),
		)
	}
	return firstErr
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
