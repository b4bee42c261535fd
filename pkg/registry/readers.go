package registry

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/polisai/polis-dao/pkg/domain"
)

var _ domain.MembershipView = (*Registry)(nil)

// IsMember reports whether addr is an active member.
func (r *Registry) IsMember(addr common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hasRole(addr, domain.RoleMember)
}

// IsAdmin reports whether addr holds Admin.
func (r *Registry) IsAdmin(addr common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hasRole(addr, domain.RoleAdmin)
}

// IsContributor reports whether addr holds Contributor.
func (r *Registry) IsContributor(addr common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hasRole(addr, domain.RoleContributor)
}

// MemberCount returns the number of active members.
func (r *Registry) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

// RolesOf returns a copy of the roles held by addr; empty for non-members.
func (r *Registry) RolesOf(addr common.Address) domain.RoleSet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[addr]
	if !ok || !m.Active {
		return domain.NewRoleSet()
	}
	return m.Roles.Clone()
}

// Member returns the record of addr, including removed members.
func (r *Registry) Member(addr common.Address) (domain.Member, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[addr]
	if !ok {
		return domain.Member{}, domain.EntityError(domain.ErrNotFound, "registry.Member", entityMember, addr.Hex(), "")
	}
	return m.Clone(), nil
}

// Members returns a page of active members in join order.
func (r *Registry) Members(offset, limit int) []domain.Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lo, hi := domain.Page(len(r.active), offset, limit)
	out := make([]domain.Member, 0, hi-lo)
	for _, addr := range r.active[lo:hi] {
		out = append(out, r.members[addr].Clone())
	}
	return out
}
