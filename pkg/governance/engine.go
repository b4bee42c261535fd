// Package governance implements the proposal lifecycle of a DAO instance: proposing
// batches of actions, weighted voting within a fixed window, quorum and majority
// evaluation, delegation and execution of approved batches.
package governance

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/polisai/polis-dao/pkg/audit"
	"github.com/polisai/polis-dao/pkg/domain"
	"github.com/polisai/polis-dao/pkg/telemetry"
)

const entityProposal = "proposal"

// VotingPowerProvider supplies vote weights. Without one every member weighs 1 and
// the quorum basis is the member count.
type VotingPowerProvider interface {
	WeightOf(ctx context.Context, member common.Address) (decimal.Decimal, error)
	TotalWeight(ctx context.Context) (decimal.Decimal, error)
}

// Delegator is implemented by providers that derive weights from delegations.
type Delegator interface {
	Delegate(ctx context.Context, from, to common.Address) error
}

type proposalRecord struct {
	domain.Proposal
	receipts  map[common.Address]domain.VoteReceipt
	executing bool
	// basis is the quorum basis, captured at the first vote when SnapshotQuorum is set
	// and otherwise when execution first starts.
	basis *decimal.Decimal
}

// Engine is the governance engine. All methods are safe for concurrent use; target
// invocation during Execute happens without holding the engine lock, so actions may
// call back into the engine.
type Engine struct {
	mu        sync.RWMutex
	address   common.Address
	members   domain.MembershipView
	sink      domain.ActionSink
	power     VotingPowerProvider
	params    Parameters
	proposals map[uint64]*proposalRecord
	ids       []uint64
	lastID    uint64
	delegates map[common.Address]common.Address

	guard  domain.Guard
	audit  audit.Emitter
	logger *slog.Logger
	now    domain.Clock
}

// Option configures an Engine.
type Option func(*Engine)

// WithParameters sets the initial parameters.
func WithParameters(p Parameters) Option {
	return func(e *Engine) { e.params = p }
}

// WithVotingPower installs a voting power provider.
func WithVotingPower(p VotingPowerProvider) Option {
	return func(e *Engine) { e.power = p }
}

// WithGuard installs a policy veto hook.
func WithGuard(g domain.Guard) Option {
	return func(e *Engine) { e.guard = g }
}

// WithAudit sets the audit emitter.
func WithAudit(a audit.Emitter) Option {
	return func(e *Engine) {
		if a != nil {
			e.audit = a
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(c domain.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.now = c
		}
	}
}

// NewEngine creates an engine identified by address. Actions of executed proposals are
// carried out through sink with address as the caller.
func NewEngine(address common.Address, members domain.MembershipView, sink domain.ActionSink, opts ...Option) (*Engine, error) {
	e := &Engine{
		address:   address,
		members:   members,
		sink:      sink,
		params:    DefaultParameters(),
		proposals: make(map[uint64]*proposalRecord),
		delegates: make(map[common.Address]common.Address),
		audit:     audit.Discard,
		logger:    slog.Default(),
		now:       domain.SystemClock(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if address == (common.Address{}) {
		return nil, domain.Errorf(domain.ErrInvalidParameter, "governance.NewEngine", "engine address is zero")
	}
	if members == nil {
		return nil, domain.Errorf(domain.ErrInvalidParameter, "governance.NewEngine", "member registry is required")
	}
	if err := e.params.Validate(); err != nil {
		return nil, err
	}
	if e.sink == nil {
		e.sink = domain.ActionSinkFunc(func(context.Context, domain.Call) domain.Result {
			return domain.Failure("no action sink configured")
		})
	}
	return e, nil
}

// Address returns the identity the engine acts as when executing actions.
func (e *Engine) Address() common.Address {
	return e.address
}

// HasVotingPower reports whether a voting power provider is configured.
func (e *Engine) HasVotingPower() bool {
	return e.power != nil
}

// checkGuard consults the guard for op. Must be called with e.mu held.
func (e *Engine) checkGuard(ctx context.Context, op string, caller common.Address, subject string, attrs map[string]any) error {
	if e.guard == nil {
		return nil
	}
	roles := e.members.RolesOf(caller).Strings()
	if caller == e.address {
		roles = append(roles, "governance")
	}
	err := domain.CheckGuard(ctx, e.guard, domain.AuthzRequest{
		Operation:  op,
		Actor:      caller,
		ActorRoles: roles,
		Subject:    subject,
		Attributes: attrs,
	})
	if err != nil {
		telemetry.RecordAuthzDenial(ctx, op)
		e.logger.Warn("Operation denied by policy", "operation", op, "actor", caller.Hex(), "error", err)
	}
	return err
}

// weightOf returns the vote weight of member: the provider weight, or 1 without one.
func (e *Engine) weightOf(ctx context.Context, member common.Address) (decimal.Decimal, error) {
	if e.power == nil {
		return decimal.NewFromInt(1), nil
	}
	return e.power.WeightOf(ctx, member)
}

// quorumBasis is the total voting power, or the member count without a provider.
func (e *Engine) quorumBasis(ctx context.Context) (decimal.Decimal, error) {
	if e.power == nil {
		return decimal.NewFromInt(int64(e.members.MemberCount())), nil
	}
	return e.power.TotalWeight(ctx)
}

// state derives the lifecycle state of p. Must be called with e.mu held.
func (e *Engine) state(ctx context.Context, p *proposalRecord) (domain.ProposalState, error) {
	switch {
	case p.Canceled:
		return domain.ProposalCanceled, nil
	case p.Executed:
		return domain.ProposalExecuted, nil
	}
	now := e.now()
	if now.Before(p.Start) {
		return domain.ProposalPending, nil
	}
	if !now.After(p.End) {
		return domain.ProposalActive, nil
	}

	var basis decimal.Decimal
	if p.basis != nil {
		basis = *p.basis
	} else {
		b, err := e.quorumBasis(ctx)
		if err != nil {
			return "", err
		}
		basis = b
	}
	if !quorumReached(p.CastWeight(), basis, e.params.QuorumPercent) {
		return domain.ProposalExpired, nil
	}
	if p.ForVotes.GreaterThan(p.AgainstVotes) {
		return domain.ProposalSucceeded, nil
	}
	return domain.ProposalDefeated, nil
}

// quorumReached compares cast*100 >= basis*percent exactly.
func quorumReached(cast, basis decimal.Decimal, percent int) bool {
	hundred := decimal.NewFromInt(100)
	return cast.Mul(hundred).GreaterThanOrEqual(basis.Mul(decimal.NewFromInt(int64(percent))))
}
