// Package directory resolves escalation target roles to on-duty users.
// The engine only depends on the contracts.Directory interface; this
// package supplies a static, configuration-backed implementation.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownRole marks a rule that targets a role the directory has
// never heard of. It is a configuration error: the case is left at its
// current level rather than escalated to nobody.
var ErrUnknownRole = errors.New("unknown target role")

// Static maps roles to an ordered duty roster and assigns round-robin.
// A role present with an empty roster is known but unstaffed; lookups
// resolve to no user and the escalation proceeds unassigned.
type Static struct {
	mu     sync.Mutex
	roster map[string][]string
	next   map[string]int
}

// NewStatic builds a directory from a role -> users roster.
func NewStatic(roster map[string][]string) *Static {
	r := make(map[string][]string, len(roster))
	for role, users := range roster {
		r[role] = append([]string(nil), users...)
	}
	return &Static{roster: r, next: make(map[string]int)}
}

// ResolveTarget implements contracts.Directory.
func (s *Static) ResolveTarget(_ context.Context, role string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	users, ok := s.roster[role]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	if len(users) == 0 {
		return "", nil
	}
	i := s.next[role] % len(users)
	s.next[role]++
	return users[i], nil
}

// Roles lists the configured roles, for doctor output.
func (s *Static) Roles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.roster))
	for role := range s.roster {
		out = append(out, role)
	}
	return out
}
