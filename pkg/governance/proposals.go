package governance

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/polisai/polis-dao/pkg/audit"
	"github.com/polisai/polis-dao/pkg/domain"
)

// NewActions builds an action list from parallel slices.
func NewActions(targets []common.Address, values []decimal.Decimal, signatures []string, payloads [][]byte) ([]domain.Action, error) {
	n := len(targets)
	if len(values) != n || len(signatures) != n || len(payloads) != n {
		return nil, domain.Errorf(domain.ErrInvalidParameter, "governance.NewActions",
			"mismatched lengths: %d targets, %d values, %d signatures, %d payloads",
			n, len(values), len(signatures), len(payloads))
	}
	actions := make([]domain.Action, n)
	for i := range targets {
		actions[i] = domain.Action{
			Target:    targets[i],
			Value:     values[i],
			Signature: signatures[i],
			Payload:   payloads[i],
		}
	}
	return actions, nil
}

// Propose records a new proposal and returns its id. A zero start means now.
func (e *Engine) Propose(ctx context.Context, caller common.Address, title, contentRef string, actions []domain.Action, start time.Time) (uint64, error) {
	const op = "governance.Propose"
	if len(actions) == 0 {
		return 0, domain.Errorf(domain.ErrInvalidParameter, op, "a proposal needs at least one action")
	}
	for i, a := range actions {
		if a.Target == (common.Address{}) {
			return 0, domain.Errorf(domain.ErrInvalidParameter, op, "action %d has a zero target", i)
		}
		if a.Value.IsNegative() {
			return 0, domain.Errorf(domain.ErrInvalidParameter, op, "action %d has a negative value", i)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.members.IsMember(caller) {
		return 0, domain.Errorf(domain.ErrNotAuthorized, op, "proposer %s is not a member", caller.Hex())
	}
	if e.power != nil {
		w, err := e.power.WeightOf(ctx, caller)
		if err != nil {
			return 0, fmt.Errorf("%s: voting weight of %s: %w", op, caller.Hex(), err)
		}
		if w.LessThan(e.params.ProposalThreshold) {
			return 0, domain.Errorf(domain.ErrBelowThreshold, op, "weight %s below threshold %s", w, e.params.ProposalThreshold)
		}
	}
	now := e.now()
	if start.IsZero() {
		start = now
	} else if start.Before(now) {
		return 0, domain.Errorf(domain.ErrInvalidParameter, op, "start %s is in the past", start.Format(time.RFC3339))
	}
	if err := e.checkGuard(ctx, op, caller, "", map[string]any{"actions": len(actions), "title": title}); err != nil {
		return 0, err
	}

	e.lastID++
	id := e.lastID
	copied := make([]domain.Action, len(actions))
	for i, a := range actions {
		copied[i] = a.Clone()
	}
	p := &proposalRecord{
		Proposal: domain.Proposal{
			ID:         id,
			Proposer:   caller,
			Title:      title,
			ContentRef: contentRef,
			Start:      start,
			End:        start.Add(e.params.VotingPeriod),
			Actions:    copied,
			CreatedAt:  now,
		},
		receipts: make(map[common.Address]domain.VoteReceipt),
	}
	e.proposals[id] = p
	e.ids = append(e.ids, id)

	e.audit.Emit(ctx, audit.Record{
		Type:     audit.ProposalCreated,
		Entity:   entityProposal,
		EntityID: strconv.FormatUint(id, 10),
		Actor:    caller,
		After: audit.Fields(
			"title", title,
			"content_ref", contentRef,
			"actions", strconv.Itoa(len(actions)),
			"start", start.UTC().Format(time.RFC3339),
			"end", p.End.UTC().Format(time.RFC3339),
		),
	})
	e.logger.Info("Proposal created", "proposal_id", id, "proposer", caller.Hex(), "actions", len(actions))
	return id, nil
}

// CastVote records caller's vote on proposal id with the caller's current weight.
func (e *Engine) CastVote(ctx context.Context, caller common.Address, id uint64, direction domain.VoteDirection) error {
	const op = "governance.CastVote"
	if !direction.Valid() {
		return domain.Errorf(domain.ErrInvalidParameter, op, "unknown vote direction %d", direction)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.lookup(op, id)
	if err != nil {
		return err
	}
	st, err := e.state(ctx, p)
	if err != nil {
		return err
	}
	if st != domain.ProposalActive {
		return domain.EntityError(domain.ErrInvalidState, op, entityProposal, strconv.FormatUint(id, 10), "proposal is "+string(st))
	}
	if p.receipts[caller].HasVoted {
		return domain.EntityError(domain.ErrAlreadyDone, op, entityProposal, strconv.FormatUint(id, 10), "already voted")
	}
	if !e.members.IsMember(caller) {
		return domain.Errorf(domain.ErrNotAuthorized, op, "voter %s is not a member", caller.Hex())
	}
	if err := e.checkGuard(ctx, op, caller, strconv.FormatUint(id, 10), map[string]any{"direction": direction.String()}); err != nil {
		return err
	}
	weight, err := e.weightOf(ctx, caller)
	if err != nil {
		return fmt.Errorf("%s: voting weight of %s: %w", op, caller.Hex(), err)
	}
	if e.params.SnapshotQuorum && p.basis == nil {
		basis, err := e.quorumBasis(ctx)
		if err != nil {
			return fmt.Errorf("%s: quorum basis: %w", op, err)
		}
		p.basis = &basis
	}

	switch direction {
	case domain.VoteFor:
		p.ForVotes = p.ForVotes.Add(weight)
	case domain.VoteAgainst:
		p.AgainstVotes = p.AgainstVotes.Add(weight)
	case domain.VoteAbstain:
		p.AbstainVotes = p.AbstainVotes.Add(weight)
	}
	p.receipts[caller] = domain.VoteReceipt{
		HasVoted:  true,
		Direction: direction,
		Weight:    weight,
		CastAt:    e.now(),
	}

	e.audit.Emit(ctx, audit.Record{
		Type:     audit.ProposalVoted,
		Entity:   entityProposal,
		EntityID: strconv.FormatUint(id, 10),
		Actor:    caller,
		After: audit.Fields(
			"direction", direction.String(),
			"weight", weight.String(),
			"for", p.ForVotes.String(),
			"against", p.AgainstVotes.String(),
			"abstain", p.AbstainVotes.String(),
		),
	})
	e.logger.Debug("Vote cast", "proposal_id", id, "voter", caller.Hex(), "direction", direction.String(), "weight", weight.String())
	return nil
}

// Cancel withdraws a Pending or Active proposal. Only the proposer or an admin may cancel.
func (e *Engine) Cancel(ctx context.Context, caller common.Address, id uint64) error {
	const op = "governance.Cancel"

	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.lookup(op, id)
	if err != nil {
		return err
	}
	if caller != p.Proposer && !e.members.IsAdmin(caller) {
		return domain.Errorf(domain.ErrNotAuthorized, op, "only the proposer or an admin may cancel")
	}
	st, err := e.state(ctx, p)
	if err != nil {
		return err
	}
	if st != domain.ProposalPending && st != domain.ProposalActive {
		return domain.EntityError(domain.ErrInvalidState, op, entityProposal, strconv.FormatUint(id, 10), "proposal is "+string(st))
	}
	if err := e.checkGuard(ctx, op, caller, strconv.FormatUint(id, 10), nil); err != nil {
		return err
	}
	p.Canceled = true
	e.audit.Emit(ctx, audit.Record{
		Type:     audit.ProposalCanceled,
		Entity:   entityProposal,
		EntityID: strconv.FormatUint(id, 10),
		Actor:    caller,
		Before:   audit.Fields("state", string(st)),
		After:    audit.Fields("state", string(domain.ProposalCanceled)),
	})
	e.logger.Info("Proposal canceled", "proposal_id", id, "actor", caller.Hex())
	return nil
}

// lookup returns the record for id. Must be called with e.mu held.
func (e *Engine) lookup(op string, id uint64) (*proposalRecord, error) {
	p, ok := e.proposals[id]
	if !ok {
		return nil, domain.EntityError(domain.ErrNotFound, op, entityProposal, strconv.FormatUint(id, 10), "")
	}
	return p, nil
}

// State returns the lifecycle state of proposal id at the current time.
func (e *Engine) State(ctx context.Context, id uint64) (domain.ProposalState, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, err := e.lookup("governance.State", id)
	if err != nil {
		return "", err
	}
	return e.state(ctx, p)
}

// Proposal returns a copy of proposal id.
func (e *Engine) Proposal(id uint64) (domain.Proposal, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, err := e.lookup("governance.Proposal", id)
	if err != nil {
		return domain.Proposal{}, err
	}
	return p.Proposal.Clone(), nil
}

// Receipt returns voter's receipt on proposal id; HasVoted is false when none exists.
func (e *Engine) Receipt(id uint64, voter common.Address) (domain.VoteReceipt, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, err := e.lookup("governance.Receipt", id)
	if err != nil {
		return domain.VoteReceipt{}, err
	}
	return p.receipts[voter], nil
}

// ProposalIDs returns a page of proposal ids in creation order.
func (e *Engine) ProposalIDs(offset, limit int) []uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	lo, hi := domain.Page(len(e.ids), offset, limit)
	return append([]uint64(nil), e.ids[lo:hi]...)
}

// ProposalCount returns the number of proposals ever created.
func (e *Engine) ProposalCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.ids)
}
