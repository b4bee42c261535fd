package governance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-dao/pkg/audit"
	"github.com/polisai/polis-dao/pkg/domain"
	"github.com/polisai/polis-dao/pkg/registry"
	"github.com/polisai/polis-dao/pkg/votingpower"
)

var (
	engineAddr = common.HexToAddress("0x6060")
	alice      = common.HexToAddress("0xA1")
	bob        = common.HexToAddress("0xB0")
	carol      = common.HexToAddress("0xC0")
	outsider   = common.HexToAddress("0xEE")
	target     = common.HexToAddress("0x7A")
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingSink struct {
	mu     sync.Mutex
	calls  []domain.Call
	result func(domain.Call) domain.Result
}

func (s *recordingSink) Invoke(_ context.Context, call domain.Call) domain.Result {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	fn := s.result
	s.mu.Unlock()
	if fn != nil {
		return fn(call)
	}
	return domain.Success(nil)
}

func (s *recordingSink) Calls() []domain.Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Call(nil), s.calls...)
}

type fixture struct {
	reg    *registry.Registry
	engine *Engine
	sink   *recordingSink
	clock  *testClock
	store  *audit.MemoryStore
}

func newFixture(t *testing.T, params Parameters, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	clock := newTestClock()
	store := audit.NewMemoryStore()
	bus := audit.NewBus(audit.WithSinks(store), audit.WithClock(clock.Now))
	t.Cleanup(func() { _ = bus.Close() })

	reg, err := registry.New(alice, registry.WithGovernance(engineAddr), registry.WithClock(clock.Now))
	require.NoError(t, err)
	require.NoError(t, reg.AddMember(ctx, alice, bob, domain.RoleMember))
	require.NoError(t, reg.AddMember(ctx, alice, carol, domain.RoleMember))

	sink := &recordingSink{}
	opts = append([]Option{
		WithParameters(params),
		WithAudit(bus),
		WithClock(clock.Now),
	}, opts...)
	engine, err := NewEngine(engineAddr, reg, sink, opts...)
	require.NoError(t, err)
	return &fixture{reg: reg, engine: engine, sink: sink, clock: clock, store: store}
}

func weekParams() Parameters {
	return Parameters{
		VotingPeriod:      604800 * time.Second,
		QuorumPercent:     51,
		ProposalThreshold: decimal.Zero,
	}
}

func oneAction() []domain.Action {
	return []domain.Action{{Target: target, Value: decimal.Zero, Signature: "ping", Payload: []byte("{}")}}
}

func (f *fixture) state(t *testing.T, id uint64) domain.ProposalState {
	t.Helper()
	st, err := f.engine.State(context.Background(), id)
	require.NoError(t, err)
	return st
}

func TestFlatVotingSucceedsAndExecutes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, weekParams())

	id, err := f.engine.Propose(ctx, alice, "Fund the garden", "ipfs://garden", oneAction(), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)
	assert.Equal(t, domain.ProposalActive, f.state(t, id))

	require.NoError(t, f.engine.CastVote(ctx, alice, id, domain.VoteFor))
	require.NoError(t, f.engine.CastVote(ctx, bob, id, domain.VoteFor))
	require.NoError(t, f.engine.CastVote(ctx, carol, id, domain.VoteAgainst))

	err = f.engine.Execute(ctx, bob, id)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	f.clock.Advance(604800*time.Second + time.Second)
	assert.Equal(t, domain.ProposalSucceeded, f.state(t, id))

	require.NoError(t, f.engine.Execute(ctx, outsider, id))
	assert.Equal(t, domain.ProposalExecuted, f.state(t, id))

	calls := f.sink.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, engineAddr, calls[0].From)
	assert.Equal(t, target, calls[0].Target)
	assert.Equal(t, "ping", calls[0].Signature)

	p, err := f.engine.Proposal(id)
	require.NoError(t, err)
	assert.True(t, p.Executed)
	require.Len(t, p.Results, 1)
	assert.True(t, p.Results[0].OK)
	assert.Equal(t, "2", p.ForVotes.String())
	assert.Equal(t, "1", p.AgainstVotes.String())

	err = f.engine.Execute(ctx, outsider, id)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	assert.Len(t, f.sink.Calls(), 1)

	assert.Len(t, f.store.ByType(audit.ProposalCreated), 1)
	assert.Len(t, f.store.ByType(audit.ProposalVoted), 3)
	assert.Len(t, f.store.ByType(audit.ProposalExecuted), 1)
}

func TestQuorumUnmetExpires(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, weekParams())

	id, err := f.engine.Propose(ctx, alice, "Lonely", "", oneAction(), time.Time{})
	require.NoError(t, err)
	require.NoError(t, f.engine.CastVote(ctx, alice, id, domain.VoteFor))

	f.clock.Advance(8 * 24 * time.Hour)
	assert.Equal(t, domain.ProposalExpired, f.state(t, id))

	err = f.engine.Execute(ctx, alice, id)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	assert.Empty(t, f.sink.Calls())
}

func TestTieIsDefeated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, weekParams())
	require.NoError(t, f.reg.AddMember(ctx, alice, outsider, domain.RoleMember))

	id, err := f.engine.Propose(ctx, alice, "Split", "", oneAction(), time.Time{})
	require.NoError(t, err)
	require.NoError(t, f.engine.CastVote(ctx, alice, id, domain.VoteFor))
	require.NoError(t, f.engine.CastVote(ctx, bob, id, domain.VoteAgainst))
	require.NoError(t, f.engine.CastVote(ctx, carol, id, domain.VoteAbstain))

	f.clock.Advance(8 * 24 * time.Hour)
	assert.Equal(t, domain.ProposalDefeated, f.state(t, id))
}

func TestProposeValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, weekParams())

	_, err := f.engine.Propose(ctx, outsider, "x", "", oneAction(), time.Time{})
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)

	_, err = f.engine.Propose(ctx, alice, "x", "", nil, time.Time{})
	assert.ErrorIs(t, err, domain.ErrInvalidParameter)

	_, err = f.engine.Propose(ctx, alice, "x", "", []domain.Action{{Signature: "noop"}}, time.Time{})
	assert.ErrorIs(t, err, domain.ErrInvalidParameter)

	_, err = f.engine.Propose(ctx, alice, "x", "", oneAction(), f.clock.Now().Add(-time.Minute))
	assert.ErrorIs(t, err, domain.ErrInvalidParameter)

	_, err = NewActions([]common.Address{target}, nil, []string{"a"}, [][]byte{nil})
	assert.ErrorIs(t, err, domain.ErrInvalidParameter)

	actions, err := NewActions(
		[]common.Address{target, target},
		[]decimal.Decimal{decimal.Zero, decimal.NewFromInt(3)},
		[]string{"a", "b"},
		[][]byte{nil, []byte("x")},
	)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, "b", actions[1].Signature)

	assert.Equal(t, 0, f.engine.ProposalCount())
}

func TestPendingProposalRejectsVotes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, weekParams())

	start := f.clock.Now().Add(time.Hour)
	id, err := f.engine.Propose(ctx, alice, "Later", "", oneAction(), start)
	require.NoError(t, err)
	assert.Equal(t, domain.ProposalPending, f.state(t, id))

	err = f.engine.CastVote(ctx, bob, id, domain.VoteFor)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	f.clock.Advance(time.Hour)
	assert.Equal(t, domain.ProposalActive, f.state(t, id))
	require.NoError(t, f.engine.CastVote(ctx, bob, id, domain.VoteFor))

	p, err := f.engine.Proposal(id)
	require.NoError(t, err)
	assert.Equal(t, start.Add(604800*time.Second), p.End)
}

func TestCastVoteErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, weekParams())

	err := f.engine.CastVote(ctx, alice, 42, domain.VoteFor)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	id, err := f.engine.Propose(ctx, alice, "x", "", oneAction(), time.Time{})
	require.NoError(t, err)

	require.NoError(t, f.engine.CastVote(ctx, bob, id, domain.VoteFor))
	err = f.engine.CastVote(ctx, bob, id, domain.VoteAgainst)
	assert.ErrorIs(t, err, domain.ErrAlreadyDone)

	err = f.engine.CastVote(ctx, outsider, id, domain.VoteFor)
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)

	err = f.engine.CastVote(ctx, carol, id, domain.VoteDirection(9))
	assert.ErrorIs(t, err, domain.ErrInvalidParameter)

	rec, err := f.engine.Receipt(id, bob)
	require.NoError(t, err)
	assert.True(t, rec.HasVoted)
	assert.Equal(t, domain.VoteFor, rec.Direction)
	assert.Equal(t, "1", rec.Weight.String())

	rec, err = f.engine.Receipt(id, carol)
	require.NoError(t, err)
	assert.False(t, rec.HasVoted)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, weekParams())

	id, err := f.engine.Propose(ctx, bob, "x", "", oneAction(), time.Time{})
	require.NoError(t, err)

	err = f.engine.Cancel(ctx, carol, id)
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)

	require.NoError(t, f.engine.Cancel(ctx, alice, id))
	assert.Equal(t, domain.ProposalCanceled, f.state(t, id))

	err = f.engine.Cancel(ctx, bob, id)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	err = f.engine.CastVote(ctx, carol, id, domain.VoteFor)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	id2, err := f.engine.Propose(ctx, bob, "y", "", oneAction(), time.Time{})
	require.NoError(t, err)
	f.clock.Advance(8 * 24 * time.Hour)
	err = f.engine.Cancel(ctx, bob, id2)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	assert.Len(t, f.store.ByType(audit.ProposalCanceled), 1)
}

func TestExecuteFailureKeepsProposalSucceeded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, weekParams())

	fail := true
	f.sink.result = func(call domain.Call) domain.Result {
		if call.Signature == "second" && fail {
			return domain.Failure("target unavailable")
		}
		return domain.Success(nil)
	}

	actions := []domain.Action{
		{Target: target, Signature: "first"},
		{Target: target, Signature: "second"},
		{Target: target, Signature: "third"},
	}
	id, err := f.engine.Propose(ctx, alice, "batch", "", actions, time.Time{})
	require.NoError(t, err)
	for _, voter := range []common.Address{alice, bob} {
		require.NoError(t, f.engine.CastVote(ctx, voter, id, domain.VoteFor))
	}
	f.clock.Advance(8 * 24 * time.Hour)

	err = f.engine.Execute(ctx, alice, id)
	assert.ErrorIs(t, err, domain.ErrActionFailed)
	assert.Contains(t, err.Error(), "target unavailable")
	assert.Equal(t, domain.ProposalSucceeded, f.state(t, id))
	assert.Len(t, f.sink.Calls(), 2)

	failed := f.store.ByType(audit.ProposalExecutionFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "target unavailable", failed[0].Reason)
	assert.Equal(t, "1", failed[0].After["failed_action"])

	fail = false
	require.NoError(t, f.engine.Execute(ctx, alice, id))
	assert.Equal(t, domain.ProposalExecuted, f.state(t, id))
	// the first action ran again: applied actions are never rolled back
	assert.Len(t, f.sink.Calls(), 5)
}

func TestPartiallyAppliedBatchKeepsQuorum(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, weekParams())

	joiners := []common.Address{common.HexToAddress("0xD1"), common.HexToAddress("0xD2")}
	fail := true
	f.sink.result = func(call domain.Call) domain.Result {
		switch call.Signature {
		case "addMembers":
			for _, m := range joiners {
				if f.reg.IsMember(m) {
					continue
				}
				if err := f.reg.AddMember(ctx, call.From, m, domain.RoleMember); err != nil {
					return domain.Failure(err.Error())
				}
			}
		case "payout":
			if fail {
				return domain.Failure("payout target offline")
			}
		}
		return domain.Success(nil)
	}

	actions := []domain.Action{
		{Target: target, Signature: "addMembers"},
		{Target: target, Signature: "payout"},
	}
	id, err := f.engine.Propose(ctx, alice, "grow and pay", "", actions, time.Time{})
	require.NoError(t, err)
	for _, voter := range []common.Address{alice, bob} {
		require.NoError(t, f.engine.CastVote(ctx, voter, id, domain.VoteFor))
	}
	f.clock.Advance(8 * 24 * time.Hour)
	require.Equal(t, domain.ProposalSucceeded, f.state(t, id))

	// 2 of 5 members is below quorum, but the outcome was settled before the batch ran
	assert.ErrorIs(t, f.engine.Execute(ctx, alice, id), domain.ErrActionFailed)
	assert.Equal(t, 5, f.reg.MemberCount())
	assert.Equal(t, domain.ProposalSucceeded, f.state(t, id))

	fail = false
	require.NoError(t, f.engine.Execute(ctx, alice, id))
	assert.Equal(t, domain.ProposalExecuted, f.state(t, id))
}

func TestConcurrentExecuteOnlyOneInFlight(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, weekParams())

	entered := make(chan struct{})
	release := make(chan struct{})
	f.sink.result = func(domain.Call) domain.Result {
		close(entered)
		<-release
		return domain.Success(nil)
	}

	id, err := f.engine.Propose(ctx, alice, "slow", "", oneAction(), time.Time{})
	require.NoError(t, err)
	require.NoError(t, f.engine.CastVote(ctx, alice, id, domain.VoteFor))
	require.NoError(t, f.engine.CastVote(ctx, bob, id, domain.VoteFor))
	f.clock.Advance(8 * 24 * time.Hour)

	done := make(chan error, 1)
	go func() { done <- f.engine.Execute(ctx, alice, id) }()
	<-entered

	err = f.engine.Execute(ctx, bob, id)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, domain.ProposalExecuted, f.state(t, id))
}

func TestSelfTargetingActionDoesNotDeadlock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, weekParams())

	newParams := weekParams()
	newParams.QuorumPercent = 75
	f.sink.result = func(call domain.Call) domain.Result {
		if err := f.engine.UpdateParameters(ctx, call.From, newParams); err != nil {
			return domain.Failure(err.Error())
		}
		return domain.Success(nil)
	}

	id, err := f.engine.Propose(ctx, alice, "raise quorum", "", []domain.Action{{Target: engineAddr, Signature: "updateParameters"}}, time.Time{})
	require.NoError(t, err)
	for _, voter := range []common.Address{alice, bob, carol} {
		require.NoError(t, f.engine.CastVote(ctx, voter, id, domain.VoteFor))
	}
	f.clock.Advance(8 * 24 * time.Hour)

	require.NoError(t, f.engine.Execute(ctx, carol, id))
	assert.Equal(t, 75, f.engine.Parameters().QuorumPercent)

	updates := f.store.ByType(audit.ParametersUpdated)
	require.Len(t, updates, 1)
	assert.Equal(t, "51", updates[0].Before["quorum_percent"])
	assert.Equal(t, "75", updates[0].After["quorum_percent"])
	assert.Equal(t, engineAddr, updates[0].Actor)
}

func TestUpdateParameters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, weekParams())

	bad := weekParams()
	bad.QuorumPercent = 0
	assert.ErrorIs(t, f.engine.UpdateParameters(ctx, alice, bad), domain.ErrInvalidParameter)
	bad = weekParams()
	bad.QuorumPercent = 101
	assert.ErrorIs(t, f.engine.UpdateParameters(ctx, alice, bad), domain.ErrInvalidParameter)
	bad = weekParams()
	bad.VotingPeriod = 0
	assert.ErrorIs(t, f.engine.UpdateParameters(ctx, alice, bad), domain.ErrInvalidParameter)
	bad = weekParams()
	bad.ProposalThreshold = decimal.NewFromInt(-1)
	assert.ErrorIs(t, f.engine.UpdateParameters(ctx, alice, bad), domain.ErrInvalidParameter)

	good := weekParams()
	good.VotingPeriod = time.Hour
	assert.ErrorIs(t, f.engine.UpdateParameters(ctx, bob, good), domain.ErrNotAuthorized)
	require.NoError(t, f.engine.UpdateParameters(ctx, alice, good))
	assert.Equal(t, time.Hour, f.engine.Parameters().VotingPeriod)
}

func TestWeightedVotingWithDelegation(t *testing.T) {
	ctx := context.Background()
	book := votingpower.NewStakeBook()
	require.NoError(t, book.SetBalance(alice, decimal.NewFromInt(60)))
	require.NoError(t, book.SetBalance(bob, decimal.NewFromInt(30)))
	require.NoError(t, book.SetBalance(carol, decimal.NewFromInt(10)))

	params := weekParams()
	params.ProposalThreshold = decimal.NewFromInt(20)
	f := newFixture(t, params, WithVotingPower(book))

	_, err := f.engine.Propose(ctx, carol, "x", "", oneAction(), time.Time{})
	assert.ErrorIs(t, err, domain.ErrBelowThreshold)

	require.NoError(t, f.engine.Delegate(ctx, carol, bob))
	assert.Equal(t, bob, f.engine.DelegateOf(carol))

	id, err := f.engine.Propose(ctx, bob, "weighted", "", oneAction(), time.Time{})
	require.NoError(t, err)

	require.NoError(t, f.engine.CastVote(ctx, bob, id, domain.VoteFor))
	require.NoError(t, f.engine.CastVote(ctx, alice, id, domain.VoteAgainst))

	// re-delegating after the vote does not change the recorded weight
	require.NoError(t, f.engine.Delegate(ctx, carol, carol))
	assert.Equal(t, common.Address{}, f.engine.DelegateOf(carol))

	p, err := f.engine.Proposal(id)
	require.NoError(t, err)
	assert.Equal(t, "40", p.ForVotes.String())
	assert.Equal(t, "60", p.AgainstVotes.String())

	f.clock.Advance(8 * 24 * time.Hour)
	assert.Equal(t, domain.ProposalDefeated, f.state(t, id))
	assert.Len(t, f.store.ByType(audit.DelegationChanged), 2)
}

func TestDelegateRequiresProvider(t *testing.T) {
	f := newFixture(t, weekParams())
	err := f.engine.Delegate(context.Background(), alice, bob)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestSnapshotQuorumFixesBasisAtFirstVote(t *testing.T) {
	ctx := context.Background()
	book := votingpower.NewStakeBook()
	require.NoError(t, book.SetBalance(alice, decimal.NewFromInt(50)))
	require.NoError(t, book.SetBalance(bob, decimal.NewFromInt(50)))

	params := weekParams()
	params.QuorumPercent = 50
	params.SnapshotQuorum = true
	f := newFixture(t, params, WithVotingPower(book))

	id, err := f.engine.Propose(ctx, alice, "snap", "", oneAction(), time.Time{})
	require.NoError(t, err)
	require.NoError(t, f.engine.CastVote(ctx, alice, id, domain.VoteFor))

	// total power doubles after the first vote; the snapshot basis stays at 100
	require.NoError(t, book.SetBalance(carol, decimal.NewFromInt(100)))

	f.clock.Advance(8 * 24 * time.Hour)
	assert.Equal(t, domain.ProposalSucceeded, f.state(t, id))

	require.NoError(t, f.engine.UpdateParameters(ctx, alice, weekParams()))
	id2, err := f.engine.Propose(ctx, alice, "live", "", oneAction(), time.Time{})
	require.NoError(t, err)
	require.NoError(t, f.engine.CastVote(ctx, alice, id2, domain.VoteFor))
	f.clock.Advance(8 * 24 * time.Hour)
	// 50 of 200 is below 51%
	assert.Equal(t, domain.ProposalExpired, f.state(t, id2))
}

type failingProvider struct{}

func (failingProvider) WeightOf(context.Context, common.Address) (decimal.Decimal, error) {
	return decimal.Zero, errors.New("provider offline")
}

func (failingProvider) TotalWeight(context.Context) (decimal.Decimal, error) {
	return decimal.Zero, errors.New("provider offline")
}

func TestProviderErrorsPropagate(t *testing.T) {
	f := newFixture(t, weekParams(), WithVotingPower(failingProvider{}))
	_, err := f.engine.Propose(context.Background(), alice, "x", "", oneAction(), time.Time{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider offline")
	assert.Equal(t, 0, f.engine.ProposalCount())
}

func TestProposalPagination(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, weekParams())
	for i := 0; i < 5; i++ {
		_, err := f.engine.Propose(ctx, alice, "p", "", oneAction(), time.Time{})
		require.NoError(t, err)
	}
	assert.Equal(t, 5, f.engine.ProposalCount())
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, f.engine.ProposalIDs(0, 0))
	assert.Equal(t, []uint64{3, 4}, f.engine.ProposalIDs(2, 2))
	assert.Empty(t, f.engine.ProposalIDs(9, 2))

	_, err := f.engine.Proposal(0)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGuardVeto(t *testing.T) {
	ctx := context.Background()
	guard := guardFunc(func(_ context.Context, req domain.AuthzRequest) error {
		if req.Operation == "governance.Propose" && req.Attributes["title"] == "forbidden" {
			return errors.New("title not allowed")
		}
		return nil
	})
	f := newFixture(t, weekParams(), WithGuard(guard))

	_, err := f.engine.Propose(ctx, alice, "forbidden", "", oneAction(), time.Time{})
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)
	_, err = f.engine.Propose(ctx, alice, "fine", "", oneAction(), time.Time{})
	assert.NoError(t, err)
}

type guardFunc func(ctx context.Context, req domain.AuthzRequest) error

func (g guardFunc) Authorize(ctx context.Context, req domain.AuthzRequest) error {
	return g(ctx, req)
}
