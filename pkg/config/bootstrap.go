package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/polisai/polis-dao/pkg/dao"
	"github.com/polisai/polis-dao/pkg/domain"
)

// BootstrapConfig describes the DAO instance provisioned at startup. The lists are
// file-only; the environment can override the scalar fields.
type BootstrapConfig struct {
	// Template is flat or weighted.
	Template string         `yaml:"template" toml:"template" json:"template"`
	Name     string         `yaml:"name" toml:"name" json:"name"`
	Founder  common.Address `yaml:"founder" toml:"founder" json:"founder"`

	Members  []MemberEntry  `yaml:"members" toml:"members" json:"members" ignored:"true"`
	Assets   []AssetEntry   `yaml:"assets" toml:"assets" json:"assets" ignored:"true"`
	Budgets  []BudgetEntry  `yaml:"budgets" toml:"budgets" json:"budgets" ignored:"true"`
	Deposits []DepositEntry `yaml:"deposits" toml:"deposits" json:"deposits" ignored:"true"`
	Stakes   []StakeEntry   `yaml:"stakes" toml:"stakes" json:"stakes" ignored:"true"`
}

// MemberEntry is a member added at startup. Tier defaults to member.
type MemberEntry struct {
	Address common.Address `yaml:"address" toml:"address" json:"address"`
	Tier    string         `yaml:"tier" toml:"tier" json:"tier"`
}

// AssetEntry is an asset tracked at startup.
type AssetEntry struct {
	Token    common.Address `yaml:"token" toml:"token" json:"token"`
	Symbol   string         `yaml:"symbol" toml:"symbol" json:"symbol"`
	Decimals uint8          `yaml:"decimals" toml:"decimals" json:"decimals"`
}

// BudgetEntry is a budget created at startup.
type BudgetEntry struct {
	Category   string          `yaml:"category" toml:"category" json:"category"`
	Allocation decimal.Decimal `yaml:"allocation" toml:"allocation" json:"allocation"`
	Period     time.Duration   `yaml:"period" toml:"period" json:"period"`
}

// DepositEntry is an initial treasury balance. A zero token is the native asset.
type DepositEntry struct {
	Token  common.Address  `yaml:"token" toml:"token" json:"token"`
	Amount decimal.Decimal `yaml:"amount" toml:"amount" json:"amount"`
}

// StakeEntry is an initial stake for the weighted template.
type StakeEntry struct {
	Address common.Address  `yaml:"address" toml:"address" json:"address"`
	Amount  decimal.Decimal `yaml:"amount" toml:"amount" json:"amount"`
}

// Enabled reports whether an instance should be provisioned at startup.
func (c BootstrapConfig) Enabled() bool {
	return c.Founder != (common.Address{})
}

// Validate checks the entries that can be checked without provisioning.
func (c *BootstrapConfig) Validate() error {
	c.Template = strings.ToLower(strings.TrimSpace(c.Template))
	if c.Template == "" {
		c.Template = dao.TemplateFlat
	}
	if !c.Enabled() {
		if len(c.Members)+len(c.Assets)+len(c.Budgets)+len(c.Deposits)+len(c.Stakes) > 0 {
			return fmt.Errorf("founder is required when seeds are listed")
		}
		return nil
	}
	for i, m := range c.Members {
		if _, err := parseTier(m.Tier); err != nil {
			return fmt.Errorf("members[%d]: %w", i, err)
		}
	}
	for i, b := range c.Budgets {
		if b.Period <= 0 {
			return fmt.Errorf("budgets[%d]: period must be positive", i)
		}
	}
	for i, d := range c.Deposits {
		if !d.Amount.IsPositive() {
			return fmt.Errorf("deposits[%d]: amount must be positive", i)
		}
	}
	return nil
}

func parseTier(s string) (domain.Role, error) {
	if strings.TrimSpace(s) == "" {
		return domain.RoleMember, nil
	}
	return domain.ParseRole(s)
}

// DAOConfig converts the bootstrap section, together with the governance and
// treasury sections, to a provisioning config.
func (c *Config) DAOConfig() (dao.Config, error) {
	b := c.Bootstrap
	out := dao.Config{
		Name:              b.Name,
		Founder:           b.Founder,
		Governance:        c.Governance,
		ApprovalThreshold: c.Treasury.ApprovalThreshold,
		NativeSymbol:      c.Treasury.NativeSymbol,
		NativeDecimals:    c.Treasury.NativeDecimals,
	}
	for i, m := range b.Members {
		tier, err := parseTier(m.Tier)
		if err != nil {
			return dao.Config{}, fmt.Errorf("members[%d]: %w", i, err)
		}
		out.Members = append(out.Members, dao.MemberSeed{Address: m.Address, Tier: tier})
	}
	for _, a := range b.Assets {
		out.Assets = append(out.Assets, dao.AssetSeed{Token: a.Token, Symbol: a.Symbol, Decimals: a.Decimals})
	}
	for _, bu := range b.Budgets {
		out.Budgets = append(out.Budgets, dao.BudgetSeed{Category: bu.Category, Allocation: bu.Allocation, Period: bu.Period})
	}
	for _, d := range b.Deposits {
		out.Deposits = append(out.Deposits, dao.DepositSeed{Token: d.Token, Amount: d.Amount})
	}
	for _, s := range b.Stakes {
		out.Stakes = append(out.Stakes, dao.StakeSeed{Address: s.Address, Amount: s.Amount})
	}
	return out, out.Validate()
}
