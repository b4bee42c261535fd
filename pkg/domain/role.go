package domain

import (
	"fmt"
	"sort"
	"strings"
)

// Role is a capability tag held by a member. Roles form an open set rather than a
// hierarchy: checks are set-membership tests.
type Role string

const (
	// RoleMember is the base flag every participant holds.
	RoleMember Role = "member"
	// RoleContributor marks members who may raise work for the community.
	RoleContributor Role = "contributor"
	// RoleAdmin marks members who administer the registry, assets and budgets.
	RoleAdmin Role = "admin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleMember, RoleContributor, RoleAdmin:
		return true
	}
	return false
}

// ParseRole converts a case-insensitive name into a Role.
func ParseRole(name string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(name)))
	if !r.Valid() {
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidParameter, name)
	}
	return r, nil
}

// RoleSet is the set of roles held by one member.
type RoleSet map[Role]struct{}

// NewRoleSet returns a set holding roles.
func NewRoleSet(roles ...Role) RoleSet {
	s := make(RoleSet, len(roles))
	for _, r := range roles {
		s[r] = struct{}{}
	}
	return s
}

// Has reports whether r is in the set.
func (s RoleSet) Has(r Role) bool {
	_, ok := s[r]
	return ok
}

// Clone returns an independent copy.
func (s RoleSet) Clone() RoleSet {
	out := make(RoleSet, len(s))
	for r := range s {
		out[r] = struct{}{}
	}
	return out
}

// Sorted lists the roles in a stable order, for audit records and JSON output.
func (s RoleSet) Sorted() []Role {
	out := make([]Role, 0, len(s))
	for r := range s {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Strings is Sorted rendered as plain strings.
func (s RoleSet) Strings() []string {
	sorted := s.Sorted()
	out := make([]string, len(sorted))
	for i, r := range sorted {
		out[i] = string(r)
	}
	return out
}
