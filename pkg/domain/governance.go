package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ProposalState is the lifecycle stage of a proposal, derived at query time.
type ProposalState string

const (
	ProposalPending   ProposalState = "pending"
	ProposalActive    ProposalState = "active"
	ProposalCanceled  ProposalState = "canceled"
	ProposalDefeated  ProposalState = "defeated"
	ProposalSucceeded ProposalState = "succeeded"
	ProposalExecuted  ProposalState = "executed"
	ProposalExpired   ProposalState = "expired"
)

// VoteDirection is the choice recorded in a vote receipt.
type VoteDirection uint8

const (
	VoteAgainst VoteDirection = iota
	VoteFor
	VoteAbstain
)

func (d VoteDirection) String() string {
	switch d {
	case VoteAgainst:
		return "against"
	case VoteFor:
		return "for"
	case VoteAbstain:
		return "abstain"
	default:
		return "unknown"
	}
}

// Valid reports whether d is one of the three directions.
func (d VoteDirection) Valid() bool {
	return d <= VoteAbstain
}

// Proposal is a staged batch of actions put to a vote.
type Proposal struct {
	ID           uint64
	Proposer     common.Address
	Title        string
	ContentRef   string
	Start        time.Time
	End          time.Time
	Actions      []Action
	Results      []Result
	ForVotes     decimal.Decimal
	AgainstVotes decimal.Decimal
	AbstainVotes decimal.Decimal
	Executed     bool
	Canceled     bool
	CreatedAt    time.Time
	ExecutedAt   time.Time
}

// CastWeight is the total weight cast in any direction.
func (p Proposal) CastWeight() decimal.Decimal {
	return p.ForVotes.Add(p.AgainstVotes).Add(p.AbstainVotes)
}

// Clone returns a copy that shares no slices with p.
func (p Proposal) Clone() Proposal {
	actions := make([]Action, len(p.Actions))
	for i, a := range p.Actions {
		actions[i] = a.Clone()
	}
	p.Actions = actions
	if p.Results != nil {
		p.Results = append([]Result(nil), p.Results...)
	}
	return p
}

// VoteReceipt records one member's vote on one proposal.
type VoteReceipt struct {
	HasVoted  bool
	Direction VoteDirection
	Weight    decimal.Decimal
	CastAt    time.Time
}
