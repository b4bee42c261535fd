package treasury

import (
	"context"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/polisai/polis-dao/pkg/audit"
	"github.com/polisai/polis-dao/pkg/domain"
)

// CreateBudget opens an accounting bucket for category. Admin only. Budgets never
// cap spending; executed transactions tagged with an active category accrue to it.
func (l *Ledger) CreateBudget(ctx context.Context, caller common.Address, category string, allocation decimal.Decimal, period time.Duration) error {
	const op = "treasury.CreateBudget"
	category = strings.TrimSpace(category)
	if category == "" {
		return domain.Errorf(domain.ErrInvalidParameter, op, "budget category is required")
	}
	if !allocation.IsPositive() {
		return domain.Errorf(domain.ErrInvalidParameter, op, "allocation must be positive, got %s", allocation)
	}
	if period <= 0 {
		return domain.Errorf(domain.ErrInvalidParameter, op, "period must be positive, got %s", period)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.requireAdmin(ctx, op, caller, category, map[string]any{"allocation": allocation.String()}); err != nil {
		return err
	}
	if _, ok := l.budgets[category]; ok {
		return domain.EntityError(domain.ErrAlreadyExists, op, entityBudget, category, "")
	}
	l.budgets[category] = &domain.Budget{
		Category:   category,
		Allocation: allocation,
		Spent:      decimal.Zero,
		Period:     period,
		Active:     true,
		CreatedAt:  l.now(),
	}
	l.categories = append(l.categories, category)
	l.audit.Emit(ctx, audit.Record{
		Type:     audit.BudgetCreated,
		Entity:   entityBudget,
		EntityID: category,
		Actor:    caller,
		After:    audit.Fields("allocation", allocation.String(), "period", period.String()),
	})
	l.logger.Info("Budget created", "category", category, "allocation", allocation.String(), "actor", caller.Hex())
	return nil
}

// UpdateBudget changes the allocation of an active budget. Admin only.
func (l *Ledger) UpdateBudget(ctx context.Context, caller common.Address, category string, allocation decimal.Decimal) error {
	const op = "treasury.UpdateBudget"
	if !allocation.IsPositive() {
		return domain.Errorf(domain.ErrInvalidParameter, op, "allocation must be positive, got %s", allocation)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.requireAdmin(ctx, op, caller, category, map[string]any{"allocation": allocation.String()}); err != nil {
		return err
	}
	b, ok := l.budgets[category]
	if !ok {
		return domain.EntityError(domain.ErrNotFound, op, entityBudget, category, "")
	}
	if !b.Active {
		return domain.EntityError(domain.ErrInvalidState, op, entityBudget, category, "budget is inactive")
	}
	before := b.Allocation
	b.Allocation = allocation
	l.audit.Emit(ctx, audit.Record{
		Type:     audit.BudgetUpdated,
		Entity:   entityBudget,
		EntityID: category,
		Actor:    caller,
		Before:   audit.Fields("allocation", before.String()),
		After:    audit.Fields("allocation", allocation.String()),
	})
	return nil
}

// DeactivateBudget stops further accrual to category. Spent is preserved.
func (l *Ledger) DeactivateBudget(ctx context.Context, caller common.Address, category string) error {
	const op = "treasury.DeactivateBudget"

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.requireAdmin(ctx, op, caller, category, nil); err != nil {
		return err
	}
	b, ok := l.budgets[category]
	if !ok {
		return domain.EntityError(domain.ErrNotFound, op, entityBudget, category, "")
	}
	if !b.Active {
		return domain.EntityError(domain.ErrInvalidState, op, entityBudget, category, "budget already inactive")
	}
	b.Active = false
	l.audit.Emit(ctx, audit.Record{
		Type:     audit.BudgetDeactivated,
		Entity:   entityBudget,
		EntityID: category,
		Actor:    caller,
		Before:   audit.Fields("active", "true"),
		After:    audit.Fields("active", "false", "spent", b.Spent.String()),
	})
	l.logger.Info("Budget deactivated", "category", category, "actor", caller.Hex())
	return nil
}

// BudgetInfo returns the budget for category with its remaining amount.
func (l *Ledger) BudgetInfo(category string) (domain.BudgetInfo, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.budgets[category]
	if !ok {
		return domain.BudgetInfo{}, domain.EntityError(domain.ErrNotFound, "treasury.BudgetInfo", entityBudget, category, "")
	}
	return domain.BudgetInfo{Budget: *b, Remaining: b.Remaining()}, nil
}

// BudgetCategories lists every budget category in creation order.
func (l *Ledger) BudgetCategories() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]string(nil), l.categories...)
}
