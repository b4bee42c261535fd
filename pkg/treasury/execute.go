package treasury

import (
	"context"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-dao/pkg/audit"
	"github.com/polisai/polis-dao/pkg/domain"
	"github.com/polisai/polis-dao/pkg/telemetry"
)

// execute runs t. It must be called with l.mu held and t open; the lock is released
// while the target is invoked and held again on return.
//
// While the call is in flight the transaction is only marked executing and its value
// is reserved against the native balance. The executed flag, budget spend and debit
// are applied once the call succeeds.
func (l *Ledger) execute(ctx context.Context, caller common.Address, t *txRecord, op string) error {
	idStr := strconv.FormatUint(t.ID, 10)
	t.Attempts++

	available := l.balances[domain.NativeAsset].Sub(l.reserved)
	if t.Value.GreaterThan(available) {
		reason := "insufficient native balance: have " + available.String() + ", need " + t.Value.String()
		l.recordFailure(ctx, caller, t, reason)
		return domain.EntityError(domain.ErrActionFailed, op, entityTransaction, idStr, reason)
	}

	t.executing = true
	l.reserved = l.reserved.Add(t.Value)
	budget := l.activeBudget(t.Category)

	call := domain.Call{
		From:    l.address,
		Target:  t.Target,
		Value:   t.Value,
		Payload: append([]byte(nil), t.Payload...),
	}
	l.mu.Unlock()
	res := l.invoke(ctx, t.ID, call)
	l.mu.Lock()

	t.executing = false
	l.reserved = l.reserved.Sub(t.Value)
	if !res.OK {
		reason := res.Reason
		if reason == "" {
			reason = "target call failed without reason"
		}
		l.recordFailure(ctx, caller, t, reason)
		return domain.EntityError(domain.ErrActionFailed, op, entityTransaction, idStr, reason)
	}

	t.Executed = true
	l.balances[domain.NativeAsset] = l.balances[domain.NativeAsset].Sub(t.Value)
	if budget != nil {
		budget.Spent = budget.Spent.Add(t.Value)
	}
	t.ExecutedAt = l.now()
	l.audit.Emit(ctx, audit.Record{
		Type:     audit.TransactionExecuted,
		Entity:   entityTransaction,
		EntityID: idStr,
		Actor:    caller,
		Before:   audit.Fields("executed", "false"),
		After: audit.Fields(
			"executed", "true",
			"value", t.Value.String(),
			"target", t.Target.Hex(),
			"attempts", strconv.Itoa(t.Attempts),
		),
	})
	if budget != nil && t.Value.IsPositive() {
		l.audit.Emit(ctx, audit.Record{
			Type:     audit.BudgetSpent,
			Entity:   entityBudget,
			EntityID: budget.Category,
			Actor:    caller,
			Before:   audit.Fields("spent", budget.Spent.Sub(t.Value).String()),
			After:    audit.Fields("spent", budget.Spent.String(), "transaction", idStr),
		})
	}
	l.logger.Info("Transaction executed", "transaction_id", t.ID, "value", t.Value.String(), "actor", caller.Hex())
	return nil
}

func (l *Ledger) recordFailure(ctx context.Context, caller common.Address, t *txRecord, reason string) {
	t.LastFailure = &domain.ExecutionFailure{Reason: reason, At: l.now()}
	l.audit.Emit(ctx, audit.Record{
		Type:     audit.TransactionFailed,
		Entity:   entityTransaction,
		EntityID: strconv.FormatUint(t.ID, 10),
		Actor:    caller,
		After:    audit.Fields("attempts", strconv.Itoa(t.Attempts)),
		Reason:   reason,
	})
	l.logger.Warn("Transaction execution failed", "transaction_id", t.ID, "attempt", t.Attempts, "reason", reason)
}

func (l *Ledger) invoke(ctx context.Context, id uint64, call domain.Call) domain.Result {
	ctx, span := telemetry.Tracer("treasury").Start(ctx, "treasury.execute",
		trace.WithAttributes(append(telemetry.CallAttributes(call),
			attribute.String("transaction.id", strconv.FormatUint(id, 10)))...),
	)
	defer span.End()

	started := time.Now()
	res := l.sink.Invoke(ctx, call)
	telemetry.RecordInvocation(ctx, telemetry.Invocation{
		Component: "treasury",
		Signature: call.Signature,
		Target:    call.Target.Hex(),
		OK:        res.OK,
		Duration:  time.Since(started),
	})
	if !res.OK {
		span.SetStatus(codes.Error, res.Reason)
	}
	return res
}

// activeBudget returns the budget accruing spend for category, or nil.
func (l *Ledger) activeBudget(category string) *domain.Budget {
	if category == "" {
		return nil
	}
	b, ok := l.budgets[category]
	if !ok || !b.Active {
		return nil
	}
	return b
}

// Balance returns the internal balance of token.
func (l *Ledger) Balance(token common.Address) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[token]
}
