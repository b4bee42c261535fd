// Package votingpower provides a reference voting power provider: weights derived from
// stake balances, following delegation.
package votingpower

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/polisai/polis-dao/pkg/domain"
)

// StakeBook tracks stake balances and delegations. The weight of an address is the sum
// of the balances of every account whose current delegatee is that address; accounts
// that never delegated count for themselves.
type StakeBook struct {
	mu        sync.RWMutex
	balances  map[common.Address]decimal.Decimal
	delegates map[common.Address]common.Address
	power     map[common.Address]decimal.Decimal
	total     decimal.Decimal
}

// NewStakeBook creates an empty StakeBook.
func NewStakeBook() *StakeBook {
	return &StakeBook{
		balances:  make(map[common.Address]decimal.Decimal),
		delegates: make(map[common.Address]common.Address),
		power:     make(map[common.Address]decimal.Decimal),
	}
}

// SetBalance replaces the stake of addr.
func (s *StakeBook) SetBalance(addr common.Address, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return domain.Errorf(domain.ErrInvalidParameter, "votingpower.SetBalance", "negative stake %s", amount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delta := amount.Sub(s.balances[addr])
	s.balances[addr] = amount
	s.shift(s.delegateOf(addr), delta)
	s.total = s.total.Add(delta)
	return nil
}

// AddStake increases the stake of addr by amount.
func (s *StakeBook) AddStake(addr common.Address, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return domain.Errorf(domain.ErrInvalidParameter, "votingpower.AddStake", "negative stake %s", amount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[addr] = s.balances[addr].Add(amount)
	s.shift(s.delegateOf(addr), amount)
	s.total = s.total.Add(amount)
	return nil
}

// Balance returns the own stake of addr.
func (s *StakeBook) Balance(addr common.Address) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[addr]
}

// WeightOf returns the voting weight currently held by addr.
func (s *StakeBook) WeightOf(_ context.Context, addr common.Address) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.power[addr], nil
}

// TotalWeight returns the sum of all stake.
func (s *StakeBook) TotalWeight(context.Context) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total, nil
}

// Delegate moves the weight of from's stake to to. Delegating to the zero address or
// to from itself reclaims it.
func (s *StakeBook) Delegate(_ context.Context, from, to common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bal := s.balances[from]
	s.shift(s.delegateOf(from), bal.Neg())
	if to == (common.Address{}) || to == from {
		delete(s.delegates, from)
	} else {
		s.delegates[from] = to
	}
	s.shift(s.delegateOf(from), bal)
	return nil
}

// DelegateOf returns the address currently receiving from's weight.
func (s *StakeBook) DelegateOf(from common.Address) common.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.delegateOf(from)
}

func (s *StakeBook) delegateOf(from common.Address) common.Address {
	if to, ok := s.delegates[from]; ok {
		return to
	}
	return from
}

func (s *StakeBook) shift(addr common.Address, delta decimal.Decimal) {
	p := s.power[addr].Add(delta)
	if p.IsZero() {
		delete(s.power, addr)
		return
	}
	s.power[addr] = p
}
