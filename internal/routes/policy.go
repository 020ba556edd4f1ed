// Package routes holds the declarative access policy of every HTTP endpoint.
package routes

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"gatehouse.dev/internal/auth"
)

// Policy is the access rule attached to one endpoint.
type Policy struct {
	// Public endpoints skip authentication entirely.
	Public bool
	// OptionalAuth endpoints try to authenticate but fall back to anonymous on any failure.
	OptionalAuth bool
	// AllowedRoles restricts authenticated callers; empty admits every role.
	AllowedRoles []auth.Role
}

// Public returns the policy of endpoints open to anyone.
func Public() Policy { return Policy{Public: true} }

// OptionalAuth returns the policy of endpoints that serve both anonymous and signed-in callers.
func OptionalAuth() Policy { return Policy{OptionalAuth: true} }

// Authenticated returns the policy requiring any signed-in caller.
func Authenticated() Policy { return Policy{} }

// Roles returns the policy requiring a signed-in caller holding one of roles.
func Roles(roles ...auth.Role) Policy {
	return Policy{AllowedRoles: slices.Clone(roles)}
}

// Admits reports whether the principal's role satisfies the allow-set.
func (p Policy) Admits(principal auth.Principal) bool {
	return principal.HasAnyRole(p.AllowedRoles...)
}

func (p Policy) String() string {
	switch {
	case p.Public:
		return "public"
	case p.OptionalAuth:
		return "optional"
	case len(p.AllowedRoles) == 0:
		return "authenticated"
	}
	roles := make([]string, len(p.AllowedRoles))
	for i, r := range p.AllowedRoles {
		roles[i] = string(r)
	}
	return "roles(" + strings.Join(roles, ",") + ")"
}

// Table maps ServeMux patterns to their policies. It is filled while routes are
// registered and only read afterwards.
type Table struct {
	mu       sync.RWMutex
	policies map[string]Policy
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{policies: make(map[string]Policy)}
}

// Register records the policy for pattern. Registering a pattern twice is an error.
func (t *Table) Register(pattern string, p Policy) error {
	if strings.TrimSpace(pattern) == "" {
		return fmt.Errorf("routes: empty pattern")
	}
	if p.Public && p.OptionalAuth {
		return fmt.Errorf("routes: %s cannot be both public and optional-auth", pattern)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, dup := t.policies[pattern]; dup {
		return fmt.Errorf("routes: policy for %s already registered", pattern)
	}
	p.AllowedRoles = slices.Clone(p.AllowedRoles)
	t.policies[pattern] = p
	return nil
}

// Lookup returns the policy for a matched pattern. Unknown patterns require authentication.
func (t *Table) Lookup(pattern string) Policy {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if p, ok := t.policies[pattern]; ok {
		return p
	}
	return Authenticated()
}

// Patterns lists registered patterns in sorted order.
func (t *Table) Patterns() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.policies))
	for p := range t.policies {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
