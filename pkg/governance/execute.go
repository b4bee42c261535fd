package governance

import (
	"context"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-dao/pkg/audit"
	"github.com/polisai/polis-dao/pkg/domain"
	"github.com/polisai/polis-dao/pkg/telemetry"
)

// Execute runs the actions of a Succeeded proposal in order. Any failed action aborts
// the batch with ErrActionFailed and leaves the proposal Succeeded so it can be retried;
// actions applied before the failure are not rolled back. Only one execution of a
// proposal may be in flight.
func (e *Engine) Execute(ctx context.Context, caller common.Address, id uint64) error {
	const op = "governance.Execute"
	idStr := strconv.FormatUint(id, 10)

	e.mu.Lock()
	p, err := e.lookup(op, id)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if p.executing {
		e.mu.Unlock()
		return domain.EntityError(domain.ErrInvalidState, op, entityProposal, idStr, "execution already in flight")
	}
	st, err := e.state(ctx, p)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if st != domain.ProposalSucceeded {
		e.mu.Unlock()
		return domain.EntityError(domain.ErrInvalidState, op, entityProposal, idStr, "proposal is "+string(st))
	}
	if err := e.checkGuard(ctx, op, caller, idStr, nil); err != nil {
		e.mu.Unlock()
		return err
	}
	if p.basis == nil {
		// Once Succeeded, the outcome no longer follows membership changes made by
		// this or a later attempt.
		basis, err := e.quorumBasis(ctx)
		if err != nil {
			e.mu.Unlock()
			return err
		}
		p.basis = &basis
	}
	p.executing = true
	actions := make([]domain.Action, len(p.Actions))
	for i, a := range p.Actions {
		actions[i] = a.Clone()
	}
	e.mu.Unlock()

	ctx, span := telemetry.Tracer("governance").Start(ctx, "governance.execute",
		trace.WithAttributes(
			attribute.String("proposal.id", idStr),
			attribute.Int("proposal.actions", len(actions)),
			attribute.String("caller", caller.Hex()),
		),
	)
	defer span.End()

	results := make([]domain.Result, 0, len(actions))
	failedAt := -1
	for i, a := range actions {
		res := e.invoke(ctx, i, a)
		results = append(results, res)
		if !res.OK {
			failedAt = i
			break
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	p.executing = false

	if failedAt >= 0 {
		reason := results[failedAt].Reason
		if reason == "" {
			reason = "action reverted without reason"
		}
		span.SetStatus(codes.Error, reason)
		e.audit.Emit(ctx, audit.Record{
			Type:     audit.ProposalExecutionFailed,
			Entity:   entityProposal,
			EntityID: idStr,
			Actor:    caller,
			After: audit.Fields(
				"failed_action", strconv.Itoa(failedAt),
				"signature", actions[failedAt].Signature,
				"target", actions[failedAt].Target.Hex(),
			),
			Reason: reason,
		})
		e.logger.Warn("Proposal execution failed",
			"proposal_id", id,
			"action", failedAt,
			"signature", actions[failedAt].Signature,
			"reason", reason,
		)
		return domain.EntityError(domain.ErrActionFailed, op, entityProposal, idStr,
			"action "+strconv.Itoa(failedAt)+" failed: "+reason)
	}

	p.Executed = true
	p.ExecutedAt = e.now()
	p.Results = results
	e.audit.Emit(ctx, audit.Record{
		Type:     audit.ProposalExecuted,
		Entity:   entityProposal,
		EntityID: idStr,
		Actor:    caller,
		Before:   audit.Fields("state", string(domain.ProposalSucceeded)),
		After:    audit.Fields("state", string(domain.ProposalExecuted), "actions", strconv.Itoa(len(results))),
	})
	e.logger.Info("Proposal executed", "proposal_id", id, "actions", len(results), "actor", caller.Hex())
	return nil
}

func (e *Engine) invoke(ctx context.Context, index int, a domain.Action) domain.Result {
	call := domain.Call{
		From:      e.address,
		Target:    a.Target,
		Value:     a.Value,
		Signature: a.Signature,
		Payload:   a.Payload,
	}
	ctx, span := telemetry.Tracer("governance").Start(ctx, "governance.action",
		trace.WithAttributes(append(telemetry.CallAttributes(call), attribute.Int("action.index", index))...),
	)
	defer span.End()

	started := time.Now()
	res := e.sink.Invoke(ctx, call)
	telemetry.RecordInvocation(ctx, telemetry.Invocation{
		Component: "governance",
		Signature: a.Signature,
		Target:    a.Target.Hex(),
		OK:        res.OK,
		Duration:  time.Since(started),
	})
	if !res.OK {
		span.SetStatus(codes.Error, res.Reason)
	}
	return res
}
