package treasury

import (
	"context"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/polisai/polis-dao/pkg/audit"
	"github.com/polisai/polis-dao/pkg/domain"
)

// TxRequest describes a transaction to create.
type TxRequest struct {
	Description string          `json:"description"`
	Target      common.Address  `json:"target"`
	Value       decimal.Decimal `json:"value"`
	Payload     []byte          `json:"payload,omitempty"`
	Category    string          `json:"category,omitempty"`
}

// CreateTransaction records a transaction raised by caller, who approves it
// implicitly. With a threshold of 1 it executes within this call; an execution
// failure is recorded on the transaction and does not fail the call.
func (l *Ledger) CreateTransaction(ctx context.Context, caller common.Address, req TxRequest) (uint64, error) {
	const op = "treasury.CreateTransaction"
	if req.Target == (common.Address{}) {
		return 0, domain.Errorf(domain.ErrInvalidParameter, op, "target address is zero")
	}
	if req.Value.IsNegative() {
		return 0, domain.Errorf(domain.ErrInvalidParameter, op, "value must not be negative, got %s", req.Value)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.members.IsMember(caller) {
		return 0, domain.Errorf(domain.ErrNotAuthorized, op, "proposer %s is not a member", caller.Hex())
	}
	if err := l.checkGuard(ctx, op, caller, req.Target.Hex(), map[string]any{
		"value":    req.Value.String(),
		"category": req.Category,
	}); err != nil {
		return 0, err
	}

	l.lastID++
	id := l.lastID
	t := &txRecord{
		Transaction: domain.Transaction{
			ID:            id,
			Proposer:      caller,
			Description:   req.Description,
			Target:        req.Target,
			Value:         req.Value,
			Payload:       append([]byte(nil), req.Payload...),
			Category:      req.Category,
			CreatedAt:     l.now(),
			ApprovalCount: 1,
			Approvers:     []common.Address{caller},
		},
		approvers: map[common.Address]struct{}{caller: {}},
	}
	l.txs[id] = t
	l.ids = append(l.ids, id)

	l.audit.Emit(ctx, audit.Record{
		Type:     audit.TransactionCreated,
		Entity:   entityTransaction,
		EntityID: strconv.FormatUint(id, 10),
		Actor:    caller,
		After: audit.Fields(
			"target", req.Target.Hex(),
			"value", req.Value.String(),
			"category", req.Category,
			"description", req.Description,
			"approvals", "1",
		),
	})
	l.logger.Info("Transaction created", "transaction_id", id, "proposer", caller.Hex(), "value", req.Value.String())

	if t.ApprovalCount >= l.threshold {
		// failure is retained on the transaction and audited
		_ = l.execute(ctx, caller, t, op)
	}
	return id, nil
}

// ApproveTransaction adds caller's approval. Reaching the threshold executes the
// transaction within this call; an execution failure does not fail the call.
func (l *Ledger) ApproveTransaction(ctx context.Context, caller common.Address, id uint64) error {
	const op = "treasury.ApproveTransaction"
	idStr := strconv.FormatUint(id, 10)

	l.mu.Lock()
	defer l.mu.Unlock()
	t, err := l.lookup(op, id)
	if err != nil {
		return err
	}
	if err := t.checkOpen(op); err != nil {
		return err
	}
	if _, ok := t.approvers[caller]; ok {
		return domain.EntityError(domain.ErrAlreadyDone, op, entityTransaction, idStr, "already approved")
	}
	if !l.members.IsMember(caller) {
		return domain.Errorf(domain.ErrNotAuthorized, op, "approver %s is not a member", caller.Hex())
	}
	if err := l.checkGuard(ctx, op, caller, idStr, nil); err != nil {
		return err
	}

	before := t.ApprovalCount
	t.approvers[caller] = struct{}{}
	t.Approvers = append(t.Approvers, caller)
	t.ApprovalCount = len(t.approvers)
	l.audit.Emit(ctx, audit.Record{
		Type:     audit.TransactionApproved,
		Entity:   entityTransaction,
		EntityID: idStr,
		Actor:    caller,
		Before:   audit.Fields("approvals", strconv.Itoa(before)),
		After:    audit.Fields("approvals", strconv.Itoa(t.ApprovalCount)),
	})
	l.logger.Debug("Transaction approved", "transaction_id", id, "approver", caller.Hex(), "approvals", t.ApprovalCount)

	if t.ApprovalCount >= l.threshold {
		_ = l.execute(ctx, caller, t, op)
	}
	return nil
}

// ExecuteTransaction executes a transaction that has enough approvals. Anyone may call
// it. A failed execution changes no balances, is recorded and returns ErrActionFailed;
// the transaction stays executable.
func (l *Ledger) ExecuteTransaction(ctx context.Context, caller common.Address, id uint64) error {
	const op = "treasury.ExecuteTransaction"

	l.mu.Lock()
	defer l.mu.Unlock()
	t, err := l.lookup(op, id)
	if err != nil {
		return err
	}
	if err := t.checkOpen(op); err != nil {
		return err
	}
	if t.ApprovalCount < l.threshold {
		return domain.EntityError(domain.ErrThresholdNotMet, op, entityTransaction, strconv.FormatUint(id, 10),
			strconv.Itoa(t.ApprovalCount)+" of "+strconv.Itoa(l.threshold)+" approvals")
	}
	if err := l.checkGuard(ctx, op, caller, strconv.FormatUint(id, 10), nil); err != nil {
		return err
	}
	return l.execute(ctx, caller, t, op)
}

// CancelTransaction withdraws a transaction before execution. Allowed for the proposer,
// an admin or governance.
func (l *Ledger) CancelTransaction(ctx context.Context, caller common.Address, id uint64) error {
	const op = "treasury.CancelTransaction"
	idStr := strconv.FormatUint(id, 10)

	l.mu.Lock()
	defer l.mu.Unlock()
	t, err := l.lookup(op, id)
	if err != nil {
		return err
	}
	if err := t.checkOpen(op); err != nil {
		return err
	}
	if caller != t.Proposer && !l.isGovernance(caller) && !l.members.IsAdmin(caller) {
		return domain.Errorf(domain.ErrNotAuthorized, op, "only the proposer, an admin or governance may cancel")
	}
	if err := l.checkGuard(ctx, op, caller, idStr, nil); err != nil {
		return err
	}
	t.Canceled = true
	l.audit.Emit(ctx, audit.Record{
		Type:     audit.TransactionCanceled,
		Entity:   entityTransaction,
		EntityID: idStr,
		Actor:    caller,
		Before:   audit.Fields("approvals", strconv.Itoa(t.ApprovalCount)),
		After:    audit.Fields("canceled", "true"),
	})
	l.logger.Info("Transaction canceled", "transaction_id", id, "actor", caller.Hex())
	return nil
}

// checkOpen rejects transactions that are executed, canceled or executing.
func (t *txRecord) checkOpen(op string) error {
	idStr := strconv.FormatUint(t.ID, 10)
	switch {
	case t.executing:
		return domain.EntityError(domain.ErrInvalidState, op, entityTransaction, idStr, "execution in flight")
	case t.Executed:
		return domain.EntityError(domain.ErrInvalidState, op, entityTransaction, idStr, "already executed")
	case t.Canceled:
		return domain.EntityError(domain.ErrInvalidState, op, entityTransaction, idStr, "canceled")
	}
	return nil
}

func (l *Ledger) lookup(op string, id uint64) (*txRecord, error) {
	t, ok := l.txs[id]
	if !ok {
		return nil, domain.EntityError(domain.ErrNotFound, op, entityTransaction, strconv.FormatUint(id, 10), "")
	}
	return t, nil
}

// Transaction returns a copy of transaction id.
func (l *Ledger) Transaction(id uint64) (domain.Transaction, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, err := l.lookup("treasury.Transaction", id)
	if err != nil {
		return domain.Transaction{}, err
	}
	return t.Transaction.Clone(), nil
}

// HasApproved reports whether approver has approved transaction id.
func (l *Ledger) HasApproved(id uint64, approver common.Address) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, err := l.lookup("treasury.HasApproved", id)
	if err != nil {
		return false, err
	}
	_, ok := t.approvers[approver]
	return ok, nil
}

// TransactionIDs returns a page of transaction ids in creation order.
func (l *Ledger) TransactionIDs(offset, limit int) []uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	lo, hi := domain.Page(len(l.ids), offset, limit)
	return append([]uint64(nil), l.ids[lo:hi]...)
}

// TransactionCount returns the number of transactions ever created.
func (l *Ledger) TransactionCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.ids)
}

// PendingTransactionIDs lists transactions neither executed nor canceled.
func (l *Ledger) PendingTransactionIDs() []uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []uint64
	for _, id := range l.ids {
		t := l.txs[id]
		if !t.Executed && !t.Canceled {
			out = append(out, id)
		}
	}
	return out
}
