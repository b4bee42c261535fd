// Package registry holds the set of participants of a DAO instance and their role flags.
package registry

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/polisai/polis-dao/pkg/audit"
	"github.com/polisai/polis-dao/pkg/domain"
)

const entityMember = "member"

// Registry is the member registry. All methods are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	members map[common.Address]*domain.Member
	// active lists current members in join order; it backs pagination.
	active []common.Address

	governance common.Address
	guard      domain.Guard
	audit      audit.Emitter
	logger     *slog.Logger
	now        domain.Clock
}

// Option configures a Registry.
type Option func(*Registry)

// WithGovernance sets the address of the governance engine, which may manage members
// like an admin.
func WithGovernance(addr common.Address) Option {
	return func(r *Registry) { r.governance = addr }
}

// WithGuard installs a policy veto hook for privileged operations.
func WithGuard(g domain.Guard) Option {
	return func(r *Registry) { r.guard = g }
}

// WithAudit sets the audit emitter.
func WithAudit(e audit.Emitter) Option {
	return func(r *Registry) {
		if e != nil {
			r.audit = e
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(c domain.Clock) Option {
	return func(r *Registry) {
		if c != nil {
			r.now = c
		}
	}
}

// New creates a Registry whose founder holds Member and Admin.
func New(founder common.Address, opts ...Option) (*Registry, error) {
	r := &Registry{
		members: make(map[common.Address]*domain.Member),
		audit:   audit.Discard,
		logger:  slog.Default(),
		now:     domain.SystemClock(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if founder == (common.Address{}) {
		return nil, domain.Errorf(domain.ErrInvalidParameter, "registry.New", "founder address is zero")
	}
	r.insert(context.Background(), founder, founder, domain.RoleAdmin, "founder")
	return r, nil
}

// Governance returns the governance address recognised as a privileged caller.
func (r *Registry) Governance() common.Address {
	return r.governance
}

// AddMember registers addr with tier (Member, Contributor or Admin). Every tier also
// grants Member.
func (r *Registry) AddMember(ctx context.Context, caller, addr common.Address, tier domain.Role) error {
	const op = "registry.AddMember"
	if addr == (common.Address{}) {
		return domain.Errorf(domain.ErrInvalidParameter, op, "member address is zero")
	}
	if !tier.Valid() {
		return domain.Errorf(domain.ErrInvalidParameter, op, "unknown tier %q", tier)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.authorizeManager(ctx, op, caller, addr, map[string]any{"tier": string(tier)}); err != nil {
		return err
	}
	if m, ok := r.members[addr]; ok && m.Active {
		return domain.EntityError(domain.ErrAlreadyExists, op, entityMember, addr.Hex(), "")
	}
	r.insert(ctx, caller, addr, tier, "")
	r.logger.Info("Member added", "member", addr.Hex(), "tier", tier, "actor", caller.Hex())
	return nil
}

func (r *Registry) insert(ctx context.Context, caller, addr common.Address, tier domain.Role, reason string) {
	roles := domain.NewRoleSet(domain.RoleMember)
	roles[tier] = struct{}{}
	m := &domain.Member{
		Address:  addr,
		JoinedAt: r.now(),
		Roles:    roles,
		Active:   true,
	}
	r.members[addr] = m
	r.active = append(r.active, addr)
	r.audit.Emit(ctx, audit.Record{
		Type:     audit.MemberAdded,
		Entity:   entityMember,
		EntityID: addr.Hex(),
		Actor:    caller,
		After:    rolesFields(roles),
		Reason:   reason,
	})
}

// RemoveMember clears every flag of addr and drops it from the active set. The
// record itself is kept. Members cannot remove themselves.
func (r *Registry) RemoveMember(ctx context.Context, caller, addr common.Address) error {
	const op = "registry.RemoveMember"
	if caller == addr {
		return domain.ErrSelfRemoval
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.authorizeManager(ctx, op, caller, addr, nil); err != nil {
		return err
	}
	m, ok := r.members[addr]
	if !ok || !m.Active {
		return domain.EntityError(domain.ErrNotFound, op, entityMember, addr.Hex(), "")
	}
	r.remove(ctx, caller, m)
	return nil
}

func (r *Registry) remove(ctx context.Context, caller common.Address, m *domain.Member) {
	before := rolesFields(m.Roles)
	m.Roles = domain.NewRoleSet()
	m.Active = false
	for i, a := range r.active {
		if a == m.Address {
			r.active = append(r.active[:i], r.active[i+1:]...)
			break
		}
	}
	r.audit.Emit(ctx, audit.Record{
		Type:     audit.MemberRemoved,
		Entity:   entityMember,
		EntityID: m.Address.Hex(),
		Actor:    caller,
		Before:   before,
		After:    audit.Fields("active", "false"),
	})
	r.logger.Info("Member removed", "member", m.Address.Hex(), "actor", caller.Hex())
}

// GrantRole adds role to an existing member.
func (r *Registry) GrantRole(ctx context.Context, caller, addr common.Address, role domain.Role) error {
	const op = "registry.GrantRole"
	if !role.Valid() {
		return domain.Errorf(domain.ErrInvalidParameter, op, "unknown role %q", role)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.authorizeManager(ctx, op, caller, addr, map[string]any{"role": string(role)}); err != nil {
		return err
	}
	m, ok := r.members[addr]
	if !ok || !m.Active {
		return domain.EntityError(domain.ErrNotFound, op, entityMember, addr.Hex(), "")
	}
	if m.Roles.Has(role) {
		return domain.EntityError(domain.ErrAlreadyDone, op, entityMember, addr.Hex(), "role "+string(role)+" already held")
	}
	before := rolesFields(m.Roles)
	m.Roles[role] = struct{}{}
	r.audit.Emit(ctx, audit.Record{
		Type:     audit.RoleGranted,
		Entity:   entityMember,
		EntityID: addr.Hex(),
		Actor:    caller,
		Before:   before,
		After:    rolesFields(m.Roles),
	})
	r.logger.Info("Role granted", "member", addr.Hex(), "role", role, "actor", caller.Hex())
	return nil
}

// RevokeRole removes role from addr. Revoking Member is only possible once the other
// roles are gone and then amounts to removing the member.
func (r *Registry) RevokeRole(ctx context.Context, caller, addr common.Address, role domain.Role) error {
	const op = "registry.RevokeRole"
	if !role.Valid() {
		return domain.Errorf(domain.ErrInvalidParameter, op, "unknown role %q", role)
	}
	if role == domain.RoleMember && caller == addr {
		return domain.ErrSelfRemoval
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.authorizeManager(ctx, op, caller, addr, map[string]any{"role": string(role)}); err != nil {
		return err
	}
	m, ok := r.members[addr]
	if !ok || !m.Active {
		return domain.EntityError(domain.ErrNotFound, op, entityMember, addr.Hex(), "")
	}
	if !m.Roles.Has(role) {
		return domain.EntityError(domain.ErrInvalidState, op, entityMember, addr.Hex(), "role "+string(role)+" not held")
	}
	if role == domain.RoleMember {
		if len(m.Roles) > 1 {
			return domain.EntityError(domain.ErrInvalidState, op, entityMember, addr.Hex(),
				"member flag is required while other roles are held")
		}
		r.remove(ctx, caller, m)
		return nil
	}
	before := rolesFields(m.Roles)
	delete(m.Roles, role)
	r.audit.Emit(ctx, audit.Record{
		Type:     audit.RoleRevoked,
		Entity:   entityMember,
		EntityID: addr.Hex(),
		Actor:    caller,
		Before:   before,
		After:    rolesFields(m.Roles),
	})
	r.logger.Info("Role revoked", "member", addr.Hex(), "role", role, "actor", caller.Hex())
	return nil
}

// UpdateMemberMetadata replaces the profile reference of addr. Members may update their
// own entry; admins may update anyone's.
func (r *Registry) UpdateMemberMetadata(ctx context.Context, caller, addr common.Address, ref string) error {
	const op = "registry.UpdateMemberMetadata"

	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[addr]
	if !ok || !m.Active {
		return domain.EntityError(domain.ErrNotFound, op, entityMember, addr.Hex(), "")
	}
	if caller != addr && !r.hasRole(caller, domain.RoleAdmin) {
		return domain.EntityError(domain.ErrNotAuthorized, op, entityMember, addr.Hex(), "only the member or an admin may update metadata")
	}
	if err := domain.CheckGuard(ctx, r.guard, r.request(op, caller, addr, nil)); err != nil {
		return err
	}
	before := m.ProfileRef
	m.ProfileRef = ref
	r.audit.Emit(ctx, audit.Record{
		Type:     audit.MemberMetadataUpdated,
		Entity:   entityMember,
		EntityID: addr.Hex(),
		Actor:    caller,
		Before:   audit.Fields("profile_ref", before),
		After:    audit.Fields("profile_ref", ref),
	})
	return nil
}

// authorizeManager requires caller to be an admin or the governance address, then
// consults the guard. Must be called with r.mu held.
func (r *Registry) authorizeManager(ctx context.Context, op string, caller, subject common.Address, attrs map[string]any) error {
	if !r.isManager(caller) {
		return domain.EntityError(domain.ErrNotAuthorized, op, entityMember, subject.Hex(), "caller is not an admin")
	}
	return domain.CheckGuard(ctx, r.guard, r.request(op, caller, subject, attrs))
}

func (r *Registry) isManager(caller common.Address) bool {
	if r.governance != (common.Address{}) && caller == r.governance {
		return true
	}
	return r.hasRole(caller, domain.RoleAdmin)
}

func (r *Registry) request(op string, caller, subject common.Address, attrs map[string]any) domain.AuthzRequest {
	var roles []string
	if m, ok := r.members[caller]; ok && m.Active {
		roles = m.Roles.Strings()
	}
	if r.governance != (common.Address{}) && caller == r.governance {
		roles = append(roles, "governance")
	}
	return domain.AuthzRequest{
		Operation:  op,
		Actor:      caller,
		ActorRoles: roles,
		Subject:    subject.Hex(),
		Attributes: attrs,
	}
}

func (r *Registry) hasRole(addr common.Address, role domain.Role) bool {
	m, ok := r.members[addr]
	return ok && m.Active && m.Roles.Has(role)
}

func rolesFields(roles domain.RoleSet) map[string]string {
	return audit.Fields("roles", strings.Join(roles.Strings(), ","))
}
