package treasury

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/polisai/polis-dao/pkg/domain"
	"github.com/polisai/polis-dao/pkg/registry"
)

func newPropertyLedger(t *rapid.T, threshold int, members int) (*Ledger, []common.Address, *switchSink) {
	ctx := context.Background()
	founder := common.BigToAddress(big.NewInt(1))
	reg, err := registry.New(founder)
	if err != nil {
		t.Fatal(err)
	}
	addrs := []common.Address{founder}
	for i := 0; i < members; i++ {
		a := common.BigToAddress(big.NewInt(int64(i + 2)))
		if err := reg.AddMember(ctx, founder, a, domain.RoleMember); err != nil {
			t.Fatal(err)
		}
		addrs = append(addrs, a)
	}
	sink := &switchSink{}
	l, err := New(ledgerAddr, reg, sink, WithApprovalThreshold(threshold))
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Deposit(ctx, founder, domain.NativeAsset, decimal.NewFromInt(1_000_000)); err != nil {
		t.Fatal(err)
	}
	return l, addrs, sink
}

func TestThresholdOneExecutesOnCreateProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		l, addrs, _ := newPropertyLedger(t, 1, rapid.IntRange(0, 5).Draw(t, "members"))
		proposer := rapid.SampledFrom(addrs).Draw(t, "proposer")
		value := decimal.NewFromInt(rapid.Int64Range(0, 1000).Draw(t, "value"))

		id, err := l.CreateTransaction(context.Background(), proposer, TxRequest{Target: payee, Value: value})
		if err != nil {
			t.Fatal(err)
		}
		tx, err := l.Transaction(id)
		if err != nil {
			t.Fatal(err)
		}
		if !tx.Executed {
			t.Fatalf("transaction %d not executed on create", id)
		}
	})
}

func TestReapprovalIsAlreadyDoneProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		members := rapid.IntRange(2, 8).Draw(t, "members")
		// one more approval than there are members, so the transaction never executes
		l, addrs, _ := newPropertyLedger(t, members+2, members)
		id, err := l.CreateTransaction(ctx, addrs[0], TxRequest{Target: payee})
		if err != nil {
			t.Fatal(err)
		}
		approved := map[common.Address]bool{addrs[0]: true}
		steps := rapid.IntRange(1, 20).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			who := rapid.SampledFrom(addrs).Draw(t, "approver")
			before, _ := l.Transaction(id)
			err := l.ApproveTransaction(ctx, who, id)
			after, _ := l.Transaction(id)
			if approved[who] {
				if !errors.Is(err, domain.ErrAlreadyDone) {
					t.Fatalf("re-approval by %s: expected AlreadyDone, got %v", who.Hex(), err)
				}
				if after.ApprovalCount != before.ApprovalCount {
					t.Fatalf("approval count changed on re-approval: %d -> %d", before.ApprovalCount, after.ApprovalCount)
				}
				continue
			}
			if err != nil {
				t.Fatalf("approve: %v", err)
			}
			approved[who] = true
			if after.ApprovalCount != len(approved) || len(after.Approvers) != len(approved) {
				t.Fatalf("approval count %d does not match approver set %d", after.ApprovalCount, len(approved))
			}
		}
	})
}

func TestBudgetSpentMonotoneProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		l, addrs, sink := newPropertyLedger(t, 1, 2)
		admin := addrs[0]
		categories := []string{"ops", "grants", "untracked"}
		for _, c := range categories[:2] {
			if err := l.CreateBudget(ctx, admin, c, decimal.NewFromInt(500), time.Hour); err != nil {
				t.Fatal(err)
			}
		}

		spent := map[string]decimal.Decimal{"ops": decimal.Zero, "grants": decimal.Zero}
		steps := rapid.IntRange(1, 30).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 2).Draw(t, "op") {
			case 0:
				c := rapid.SampledFrom(categories[:2]).Draw(t, "deactivate")
				_ = l.DeactivateBudget(ctx, admin, c)
			default:
				c := rapid.SampledFrom(categories).Draw(t, "category")
				v := decimal.NewFromInt(rapid.Int64Range(0, 300).Draw(t, "value"))
				fail := rapid.Bool().Draw(t, "fail")
				if fail {
					sink.setFail("boom")
				} else {
					sink.setFail("")
				}
				wasActive := false
				if info, err := l.BudgetInfo(c); err == nil {
					wasActive = info.Active
				}
				if _, err := l.CreateTransaction(ctx, rapid.SampledFrom(addrs).Draw(t, "proposer"), TxRequest{
					Target: payee, Value: v, Category: c,
				}); err != nil {
					t.Fatal(err)
				}
				if wasActive && !fail {
					spent[c] = spent[c].Add(v)
				}
			}

			for c, want := range spent {
				info, err := l.BudgetInfo(c)
				if err != nil {
					t.Fatal(err)
				}
				if !info.Spent.Equal(want) {
					t.Fatalf("budget %s spent %s, expected %s", c, info.Spent, want)
				}
				if info.Remaining.IsNegative() {
					t.Fatalf("budget %s remaining negative", c)
				}
			}
		}
	})
}
