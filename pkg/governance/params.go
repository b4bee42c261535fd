package governance

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/polisai/polis-dao/pkg/audit"
	"github.com/polisai/polis-dao/pkg/domain"
)

// Parameters are the tunable rules of the engine.
type Parameters struct {
	// VotingPeriod is the length of the Active window.
	VotingPeriod time.Duration `json:"voting_period" yaml:"voting_period" toml:"voting_period" split_words:"true"`
	// QuorumPercent is the share (1..100) of the quorum basis that must be cast.
	QuorumPercent int `json:"quorum_percent" yaml:"quorum_percent" toml:"quorum_percent" split_words:"true"`
	// ProposalThreshold is the voting weight required to propose when a provider is set.
	ProposalThreshold decimal.Decimal `json:"proposal_threshold" yaml:"proposal_threshold" toml:"proposal_threshold" split_words:"true"`
	// SnapshotQuorum fixes the quorum basis of a proposal at its first vote.
	SnapshotQuorum bool `json:"snapshot_quorum" yaml:"snapshot_quorum" toml:"snapshot_quorum" split_words:"true"`
}

// DefaultParameters returns a three day voting period with a 10% quorum.
func DefaultParameters() Parameters {
	return Parameters{
		VotingPeriod:      72 * time.Hour,
		QuorumPercent:     10,
		ProposalThreshold: decimal.Zero,
	}
}

// Validate checks the parameter ranges.
func (p Parameters) Validate() error {
	const op = "governance.Parameters"
	if p.VotingPeriod <= 0 {
		return domain.Errorf(domain.ErrInvalidParameter, op, "voting period must be positive, got %s", p.VotingPeriod)
	}
	if p.QuorumPercent < 1 || p.QuorumPercent > 100 {
		return domain.Errorf(domain.ErrInvalidParameter, op, "quorum percent must be within 1..100, got %d", p.QuorumPercent)
	}
	if p.ProposalThreshold.IsNegative() {
		return domain.Errorf(domain.ErrInvalidParameter, op, "proposal threshold must not be negative, got %s", p.ProposalThreshold)
	}
	return nil
}

func (p Parameters) fields() map[string]string {
	return audit.Fields(
		"voting_period", p.VotingPeriod.String(),
		"quorum_percent", fmt.Sprint(p.QuorumPercent),
		"proposal_threshold", p.ProposalThreshold.String(),
		"snapshot_quorum", fmt.Sprint(p.SnapshotQuorum),
	)
}

// Parameters returns the current parameters.
func (e *Engine) Parameters() Parameters {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.params
}

// UpdateParameters replaces the engine parameters. Callable by an admin or by the
// engine's own address, i.e. through a passed proposal. Changes apply to proposals
// created afterwards for the voting period and immediately for quorum evaluation.
func (e *Engine) UpdateParameters(ctx context.Context, caller common.Address, p Parameters) error {
	const op = "governance.UpdateParameters"
	if err := p.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if caller != e.address && !e.members.IsAdmin(caller) {
		return domain.Errorf(domain.ErrNotAuthorized, op, "caller is neither an admin nor the governance engine")
	}
	if err := e.checkGuard(ctx, op, caller, "parameters", nil); err != nil {
		return err
	}
	before := e.params
	e.params = p
	e.audit.Emit(ctx, audit.Record{
		Type:     audit.ParametersUpdated,
		Entity:   "governance",
		EntityID: e.address.Hex(),
		Actor:    caller,
		Before:   before.fields(),
		After:    p.fields(),
	})
	e.logger.Info("Governance parameters updated",
		"voting_period", p.VotingPeriod,
		"quorum_percent", p.QuorumPercent,
		"proposal_threshold", p.ProposalThreshold.String(),
		"actor", caller.Hex(),
	)
	return nil
}
