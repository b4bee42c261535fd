package dao

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/polisai/polis-dao/pkg/domain"
	"github.com/polisai/polis-dao/pkg/governance"
)

// Config describes a DAO instance to provision.
type Config struct {
	Name    string
	Founder common.Address

	Governance governance.Parameters
	// ApprovalThreshold is the number of treasury approvals required; zero selects 1.
	ApprovalThreshold int
	NativeSymbol      string
	NativeDecimals    uint8

	Members  []MemberSeed
	Assets   []AssetSeed
	Budgets  []BudgetSeed
	Deposits []DepositSeed
	// Stakes seed the stake book of the weighted template. Ignored by flat.
	Stakes []StakeSeed
}

// MemberSeed is a member added by the founder at provisioning.
type MemberSeed struct {
	Address common.Address
	Tier    domain.Role
}

// AssetSeed is an asset tracked from the start.
type AssetSeed struct {
	Token    common.Address
	Symbol   string
	Decimals uint8
}

// BudgetSeed is a budget created at provisioning.
type BudgetSeed struct {
	Category   string
	Allocation decimal.Decimal
	Period     time.Duration
}

// DepositSeed is an initial treasury balance.
type DepositSeed struct {
	Token  common.Address
	Amount decimal.Decimal
}

// StakeSeed is an initial stake balance.
type StakeSeed struct {
	Address common.Address
	Amount  decimal.Decimal
}

// DefaultConfig returns a config for founder with default governance parameters.
func DefaultConfig(founder common.Address) Config {
	return Config{
		Founder:           founder,
		Governance:        governance.DefaultParameters(),
		ApprovalThreshold: 1,
	}
}

// Validate checks the config without provisioning anything.
func (c Config) Validate() error {
	const op = "dao.Config"
	if c.Founder == (common.Address{}) {
		return domain.Errorf(domain.ErrInvalidParameter, op, "founder address is zero")
	}
	if err := c.Governance.Validate(); err != nil {
		return err
	}
	if c.ApprovalThreshold < 0 {
		return domain.Errorf(domain.ErrInvalidParameter, op, "approval threshold must not be negative, got %d", c.ApprovalThreshold)
	}
	seen := map[common.Address]bool{c.Founder: true}
	for i, m := range c.Members {
		if m.Address == (common.Address{}) {
			return domain.Errorf(domain.ErrInvalidParameter, op, "member %d has a zero address", i)
		}
		if seen[m.Address] {
			return domain.Errorf(domain.ErrInvalidParameter, op, "member %s listed twice", m.Address.Hex())
		}
		seen[m.Address] = true
		if !m.Tier.Valid() {
			return domain.Errorf(domain.ErrInvalidParameter, op, "member %s has unknown tier %q", m.Address.Hex(), m.Tier)
		}
	}
	for _, b := range c.Budgets {
		if strings.TrimSpace(b.Category) == "" {
			return domain.Errorf(domain.ErrInvalidParameter, op, "budget category is required")
		}
	}
	for _, s := range c.Stakes {
		if s.Amount.IsNegative() {
			return domain.Errorf(domain.ErrInvalidParameter, op, "stake of %s is negative", s.Address.Hex())
		}
	}
	return nil
}

func (c Config) String() string {
	return fmt.Sprintf("dao %q (founder %s, %d members)", c.Name, c.Founder.Hex(), len(c.Members)+1)
}
