package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Member is a registry entry. Removed members keep their record with Active false.
type Member struct {
	Address    common.Address
	JoinedAt   time.Time
	ProfileRef string
	Roles      RoleSet
	Active     bool
}

// Clone returns a copy that shares no mutable state with m.
func (m Member) Clone() Member {
	m.Roles = m.Roles.Clone()
	return m
}

// MembershipView is the read side of the registry consumed by the engine and the ledger.
type MembershipView interface {
	IsMember(addr common.Address) bool
	IsAdmin(addr common.Address) bool
	IsContributor(addr common.Address) bool
	MemberCount() int
	RolesOf(addr common.Address) RoleSet
}
