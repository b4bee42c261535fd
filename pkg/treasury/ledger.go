// Package treasury implements the shared-funds ledger of a DAO instance: multi-approver
// transactions, the asset registry with internal balances, and advisory budgets.
package treasury

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/polisai/polis-dao/pkg/audit"
	"github.com/polisai/polis-dao/pkg/domain"
	"github.com/polisai/polis-dao/pkg/telemetry"
)

const (
	entityTransaction = "transaction"
	entityAsset       = "asset"
	entityBudget      = "budget"
)

type txRecord struct {
	domain.Transaction
	approvers map[common.Address]struct{}
	executing bool
}

// Ledger is the treasury ledger. All methods are safe for concurrent use.
type Ledger struct {
	mu         sync.RWMutex
	address    common.Address
	governance common.Address
	members    domain.MembershipView
	sink       domain.ActionSink
	threshold  int

	txs    map[uint64]*txRecord
	ids    []uint64
	lastID uint64

	assets     map[common.Address]*domain.Asset
	assetOrder []common.Address
	balances   map[common.Address]decimal.Decimal
	// reserved is native value held by executions whose target call is in flight.
	reserved   decimal.Decimal

	budgets    map[string]*domain.Budget
	categories []string

	guard  domain.Guard
	audit  audit.Emitter
	logger *slog.Logger
	now    domain.Clock
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithGovernance sets the governance address, which may cancel transactions and change
// the approval threshold.
func WithGovernance(addr common.Address) Option {
	return func(l *Ledger) { l.governance = addr }
}

// WithApprovalThreshold sets the initial number of approvals required.
func WithApprovalThreshold(n int) Option {
	return func(l *Ledger) { l.threshold = n }
}

// WithNativeSymbol sets the symbol and decimals of the native asset.
func WithNativeSymbol(symbol string, decimals uint8) Option {
	return func(l *Ledger) {
		native := l.assets[domain.NativeAsset]
		native.Symbol = symbol
		native.Decimals = decimals
	}
}

// WithGuard installs a policy veto hook.
func WithGuard(g domain.Guard) Option {
	return func(l *Ledger) { l.guard = g }
}

// WithAudit sets the audit emitter.
func WithAudit(a audit.Emitter) Option {
	return func(l *Ledger) {
		if a != nil {
			l.audit = a
		}
	}
}

// WithLogger sets the logger.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Ledger) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// WithClock overrides the time source.
func WithClock(c domain.Clock) Option {
	return func(l *Ledger) {
		if c != nil {
			l.now = c
		}
	}
}

// New creates a Ledger identified by address. Executed transactions are carried out
// through sink with address as the caller.
func New(address common.Address, members domain.MembershipView, sink domain.ActionSink, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		address:   address,
		members:   members,
		sink:      sink,
		threshold: 1,
		txs:       make(map[uint64]*txRecord),
		assets: map[common.Address]*domain.Asset{
			domain.NativeAsset: {Token: domain.NativeAsset, Symbol: "NATIVE", Decimals: 18, Tracked: true},
		},
		assetOrder: []common.Address{domain.NativeAsset},
		balances:   make(map[common.Address]decimal.Decimal),
		budgets:    make(map[string]*domain.Budget),
		audit:      audit.Discard,
		logger:     slog.Default(),
		now:        domain.SystemClock(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if address == (common.Address{}) {
		return nil, domain.Errorf(domain.ErrInvalidParameter, "treasury.New", "ledger address is zero")
	}
	if members == nil {
		return nil, domain.Errorf(domain.ErrInvalidParameter, "treasury.New", "member registry is required")
	}
	if l.threshold < 1 {
		return nil, domain.Errorf(domain.ErrInvalidParameter, "treasury.New", "approval threshold must be at least 1, got %d", l.threshold)
	}
	if l.sink == nil {
		l.sink = domain.ActionSinkFunc(func(context.Context, domain.Call) domain.Result {
			return domain.Failure("no action sink configured")
		})
	}
	return l, nil
}

// Address returns the identity the ledger acts as when executing transactions.
func (l *Ledger) Address() common.Address {
	return l.address
}

// ApprovalThreshold returns the number of approvals a transaction needs.
func (l *Ledger) ApprovalThreshold() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.threshold
}

// SetApprovalThreshold changes the number of approvals required. Admin or governance.
// Pending transactions that already meet a lowered threshold are not executed
// automatically.
func (l *Ledger) SetApprovalThreshold(ctx context.Context, caller common.Address, n int) error {
	const op = "treasury.SetApprovalThreshold"
	if n < 1 {
		return domain.Errorf(domain.ErrInvalidParameter, op, "approval threshold must be at least 1, got %d", n)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.isGovernance(caller) && !l.members.IsAdmin(caller) {
		return domain.Errorf(domain.ErrNotAuthorized, op, "caller is neither an admin nor governance")
	}
	if err := l.checkGuard(ctx, op, caller, "approval_threshold", map[string]any{"threshold": n}); err != nil {
		return err
	}
	before := l.threshold
	l.threshold = n
	l.audit.Emit(ctx, audit.Record{
		Type:     audit.ParametersUpdated,
		Entity:   "treasury",
		EntityID: l.address.Hex(),
		Actor:    caller,
		Before:   audit.Fields("approval_threshold", fmt.Sprint(before)),
		After:    audit.Fields("approval_threshold", fmt.Sprint(n)),
	})
	l.logger.Info("Approval threshold updated", "threshold", n, "actor", caller.Hex())
	return nil
}

func (l *Ledger) isGovernance(caller common.Address) bool {
	return l.governance != (common.Address{}) && caller == l.governance
}

// requireAdmin checks the Admin role and the guard. Must be called with l.mu held.
func (l *Ledger) requireAdmin(ctx context.Context, op string, caller common.Address, subject string, attrs map[string]any) error {
	if !l.members.IsAdmin(caller) {
		return domain.Errorf(domain.ErrNotAuthorized, op, "caller %s is not an admin", caller.Hex())
	}
	return l.checkGuard(ctx, op, caller, subject, attrs)
}

func (l *Ledger) checkGuard(ctx context.Context, op string, caller common.Address, subject string, attrs map[string]any) error {
	if l.guard == nil {
		return nil
	}
	roles := l.members.RolesOf(caller).Strings()
	if l.isGovernance(caller) {
		roles = append(roles, "governance")
	}
	err := domain.CheckGuard(ctx, l.guard, domain.AuthzRequest{
		Operation:  op,
		Actor:      caller,
		ActorRoles: roles,
		Subject:    subject,
		Attributes: attrs,
	})
	if err != nil {
		telemetry.RecordAuthzDenial(ctx, op)
		l.logger.Warn("Operation denied by policy", "operation", op, "actor", caller.Hex(), "error", err)
	}
	return err
}
