package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// NativeAsset is the identity of the native currency in the asset registry.
var NativeAsset = common.Address{}

// Transaction is a treasury movement raised by a member and approved by others.
type Transaction struct {
	ID            uint64
	Proposer      common.Address
	Description   string
	Target        common.Address
	Value         decimal.Decimal
	Payload       []byte
	Category      string
	CreatedAt     time.Time
	Executed      bool
	Canceled      bool
	ExecutedAt    time.Time
	ApprovalCount int
	Approvers     []common.Address
	LastFailure   *ExecutionFailure
	Attempts      int
}

// Clone returns a copy that shares no slices with t.
func (t Transaction) Clone() Transaction {
	t.Approvers = append([]common.Address(nil), t.Approvers...)
	if t.Payload != nil {
		t.Payload = append([]byte(nil), t.Payload...)
	}
	if t.LastFailure != nil {
		f := *t.LastFailure
		t.LastFailure = &f
	}
	return t
}

// ExecutionFailure is retained on a transaction whose last execution attempt failed.
type ExecutionFailure struct {
	Reason string
	At     time.Time
}

// Asset is an entry of the treasury asset registry.
type Asset struct {
	Token    common.Address
	Symbol   string
	Decimals uint8
	Tracked  bool
}

// IsNative reports whether a is the native currency.
func (a Asset) IsNative() bool {
	return a.Token == NativeAsset
}

// Budget is an accounting bucket. Spending is attributed, never capped.
type Budget struct {
	Category   string
	Allocation decimal.Decimal
	Spent      decimal.Decimal
	Period     time.Duration
	Active     bool
	CreatedAt  time.Time
}

// BudgetInfo is a Budget plus the derived remaining amount.
type BudgetInfo struct {
	Budget
	Remaining decimal.Decimal
}

// Remaining returns max(allocation - spent, 0).
func (b Budget) Remaining() decimal.Decimal {
	r := b.Allocation.Sub(b.Spent)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}
