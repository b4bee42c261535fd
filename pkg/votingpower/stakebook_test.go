package votingpower

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/polis-dao/pkg/domain"
)

var (
	alice = common.HexToAddress("0xA1")
	bob   = common.HexToAddress("0xB0")
	carol = common.HexToAddress("0xC0")
)

func weight(t *testing.T, s *StakeBook, addr common.Address) string {
	t.Helper()
	w, err := s.WeightOf(context.Background(), addr)
	require.NoError(t, err)
	return w.String()
}

func TestStakeBookDelegation(t *testing.T) {
	ctx := context.Background()
	s := NewStakeBook()
	require.NoError(t, s.SetBalance(alice, decimal.NewFromInt(30)))
	require.NoError(t, s.SetBalance(bob, decimal.NewFromInt(10)))

	assert.Equal(t, "30", weight(t, s, alice))
	assert.Equal(t, "10", weight(t, s, bob))

	require.NoError(t, s.Delegate(ctx, alice, bob))
	assert.Equal(t, "0", weight(t, s, alice))
	assert.Equal(t, "40", weight(t, s, bob))
	assert.Equal(t, bob, s.DelegateOf(alice))

	// balance changes follow the delegatee
	require.NoError(t, s.AddStake(alice, decimal.NewFromInt(5)))
	assert.Equal(t, "45", weight(t, s, bob))

	// re-delegation overwrites
	require.NoError(t, s.Delegate(ctx, alice, carol))
	assert.Equal(t, "10", weight(t, s, bob))
	assert.Equal(t, "35", weight(t, s, carol))

	require.NoError(t, s.Delegate(ctx, alice, common.Address{}))
	assert.Equal(t, "35", weight(t, s, alice))
	assert.Equal(t, alice, s.DelegateOf(alice))

	total, err := s.TotalWeight(ctx)
	require.NoError(t, err)
	assert.Equal(t, "45", total.String())
}

func TestStakeBookRejectsNegativeStake(t *testing.T) {
	s := NewStakeBook()
	err := s.SetBalance(alice, decimal.NewFromInt(-1))
	assert.ErrorIs(t, err, domain.ErrInvalidParameter)
	err = s.AddStake(alice, decimal.NewFromInt(-1))
	assert.ErrorIs(t, err, domain.ErrInvalidParameter)
}

func TestStakeBookWeightsSumToTotalProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		s := NewStakeBook()
		accounts := make([]common.Address, rapid.IntRange(1, 8).Draw(t, "accounts"))
		for i := range accounts {
			accounts[i] = common.BigToAddress(big.NewInt(int64(i + 1)))
		}
		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			from := rapid.SampledFrom(accounts).Draw(t, "from")
			if rapid.Bool().Draw(t, "stake") {
				amt := decimal.NewFromInt(rapid.Int64Range(0, 1000).Draw(t, "amount"))
				if err := s.SetBalance(from, amt); err != nil {
					t.Fatal(err)
				}
				continue
			}
			to := rapid.SampledFrom(accounts).Draw(t, "to")
			if err := s.Delegate(ctx, from, to); err != nil {
				t.Fatal(err)
			}
		}

		sum := decimal.Zero
		for _, a := range accounts {
			w, _ := s.WeightOf(ctx, a)
			if w.IsNegative() {
				t.Fatalf("negative weight for %s", a.Hex())
			}
			sum = sum.Add(w)
		}
		total, _ := s.TotalWeight(ctx)
		if !sum.Equal(total) {
			t.Fatalf("weights sum to %s, total is %s", sum, total)
		}
	})
}
