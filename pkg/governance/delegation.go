package governance

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/polisai/polis-dao/pkg/audit"
	"github.com/polisai/polis-dao/pkg/domain"
)

// Delegate records that caller's voting power goes to to, replacing any earlier
// delegation. Delegating to oneself clears it. Votes already cast keep their weight.
func (e *Engine) Delegate(ctx context.Context, caller, to common.Address) error {
	const op = "governance.Delegate"
	if to == (common.Address{}) {
		return domain.Errorf(domain.ErrInvalidParameter, op, "delegatee address is zero")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.power == nil {
		return domain.Errorf(domain.ErrInvalidState, op, "delegation requires a voting power provider")
	}
	if !e.members.IsMember(caller) {
		return domain.Errorf(domain.ErrNotAuthorized, op, "delegator %s is not a member", caller.Hex())
	}
	if err := e.checkGuard(ctx, op, caller, to.Hex(), nil); err != nil {
		return err
	}
	if d, ok := e.power.(Delegator); ok {
		if err := d.Delegate(ctx, caller, to); err != nil {
			return fmt.Errorf("%s: provider: %w", op, err)
		}
	}

	before := e.delegates[caller]
	if to == caller {
		delete(e.delegates, caller)
	} else {
		e.delegates[caller] = to
	}
	e.audit.Emit(ctx, audit.Record{
		Type:     audit.DelegationChanged,
		Entity:   "delegation",
		EntityID: caller.Hex(),
		Actor:    caller,
		Before:   audit.Fields("delegatee", before.Hex()),
		After:    audit.Fields("delegatee", to.Hex()),
	})
	e.logger.Info("Delegation changed", "delegator", caller.Hex(), "delegatee", to.Hex())
	return nil
}

// DelegateOf returns the delegatee of member, or the zero address when none is set.
func (e *Engine) DelegateOf(member common.Address) common.Address {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.delegates[member]
}
