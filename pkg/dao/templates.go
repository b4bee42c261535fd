package dao

import (
	"github.com/shopspring/decimal"

	"github.com/polisai/polis-dao/pkg/governance"
	"github.com/polisai/polis-dao/pkg/votingpower"
)

// Template ids shipped with the factory.
const (
	TemplateFlat     = "flat"
	TemplateWeighted = "weighted"
)

// Template decides how an instance weighs votes.
type Template interface {
	ID() string
	Description() string
	// VotingPower returns the provider for a new instance, or nil for one member
	// one vote.
	VotingPower(cfg Config) (governance.VotingPowerProvider, error)
}

type flatTemplate struct{}

func (flatTemplate) ID() string { return TemplateFlat }

func (flatTemplate) Description() string {
	return "one member one vote; quorum counted over active members"
}

func (flatTemplate) VotingPower(Config) (governance.VotingPowerProvider, error) {
	return nil, nil
}

type weightedTemplate struct{}

func (weightedTemplate) ID() string { return TemplateWeighted }

func (weightedTemplate) Description() string {
	return "stake weighted votes with delegation; quorum counted over total stake"
}

// VotingPower seeds a stake book from cfg.Stakes. Without stakes the founder and
// every seeded member start with a stake of one.
func (weightedTemplate) VotingPower(cfg Config) (governance.VotingPowerProvider, error) {
	book := votingpower.NewStakeBook()
	if len(cfg.Stakes) == 0 {
		if err := book.SetBalance(cfg.Founder, decimal.NewFromInt(1)); err != nil {
			return nil, err
		}
		for _, m := range cfg.Members {
			if err := book.SetBalance(m.Address, decimal.NewFromInt(1)); err != nil {
				return nil, err
			}
		}
		return book, nil
	}
	for _, s := range cfg.Stakes {
		if err := book.AddStake(s.Address, s.Amount); err != nil {
			return nil, err
		}
	}
	return book, nil
}
