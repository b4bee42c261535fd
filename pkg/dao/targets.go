package dao

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/polisai/polis-dao/pkg/domain"
	"github.com/polisai/polis-dao/pkg/governance"
	"github.com/polisai/polis-dao/pkg/registry"
	"github.com/polisai/polis-dao/pkg/treasury"
)

// Envelope carries the method and arguments of a call whose signature is empty,
// such as a treasury transaction addressed to an in-process target.
type Envelope struct {
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// EncodeCall builds an envelope payload for method with args.
func EncodeCall(method string, args any) ([]byte, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode %s args: %w", method, err)
	}
	return json.Marshal(Envelope{Method: method, Args: raw})
}

// NewAction builds a proposal action invoking method on an in-process target.
func NewAction(target common.Address, method string, args any) (domain.Action, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return domain.Action{}, fmt.Errorf("encode %s args: %w", method, err)
	}
	return domain.Action{Target: target, Value: decimal.Zero, Signature: method, Payload: raw}, nil
}

// decodeCall resolves the method and raw arguments of call. A signature such as
// "addMember(address,string)" names the method "addMember".
func decodeCall(call domain.Call) (string, json.RawMessage, error) {
	if sig := strings.TrimSpace(call.Signature); sig != "" {
		if i := strings.IndexByte(sig, '('); i >= 0 {
			sig = sig[:i]
		}
		return sig, call.Payload, nil
	}
	if len(call.Payload) == 0 {
		return "", nil, errors.New("call has neither signature nor payload")
	}
	var env Envelope
	if err := json.Unmarshal(call.Payload, &env); err != nil {
		return "", nil, fmt.Errorf("decode call envelope: %w", err)
	}
	if env.Method == "" {
		return "", nil, errors.New("call envelope has no method")
	}
	return env.Method, env.Args, nil
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode args: %w", err)
	}
	return nil
}

type method func(ctx context.Context, from common.Address, args json.RawMessage) (any, error)

// target exposes a component's operations to the action router. The caller of each
// operation is the identity the call is made on behalf of.
type target struct {
	name    string
	methods map[string]method
	logger  *slog.Logger
}

func (t *target) Invoke(ctx context.Context, call domain.Call) domain.Result {
	name, args, err := decodeCall(call)
	if err != nil {
		return domain.Failure(err.Error())
	}
	m, ok := t.methods[name]
	if !ok {
		return domain.Failure(fmt.Sprintf("%s has no method %q", t.name, name))
	}
	if call.Value.IsPositive() {
		return domain.Failure(fmt.Sprintf("%s.%s does not accept value", t.name, name))
	}
	out, err := m(ctx, call.From, args)
	if err != nil {
		t.logger.Debug("In-process call failed", "target", t.name, "method", name, "from", call.From.Hex(), "error", err)
		return domain.Failure(err.Error())
	}
	if out == nil {
		return domain.Success(nil)
	}
	data, err := json.Marshal(out)
	if err != nil {
		return domain.Failure(fmt.Sprintf("encode %s result: %v", name, err))
	}
	return domain.Success(data)
}

// MemberArgs are the arguments of the registry methods.
type MemberArgs struct {
	Address common.Address `json:"address"`
	Tier    string         `json:"tier,omitempty"`
	Role    string         `json:"role,omitempty"`
	Ref     string         `json:"ref,omitempty"`
}

func registryTarget(r *registry.Registry, logger *slog.Logger) *target {
	withRole := func(fn func(context.Context, common.Address, common.Address, domain.Role) error, field func(MemberArgs) string) method {
		return func(ctx context.Context, from common.Address, raw json.RawMessage) (any, error) {
			var a MemberArgs
			if err := decodeArgs(raw, &a); err != nil {
				return nil, err
			}
			role, err := domain.ParseRole(field(a))
			if err != nil {
				return nil, err
			}
			return nil, fn(ctx, from, a.Address, role)
		}
	}
	return &target{
		name:   "registry",
		logger: logger,
		methods: map[string]method{
			"addMember":  withRole(r.AddMember, func(a MemberArgs) string { return a.Tier }),
			"grantRole":  withRole(r.GrantRole, func(a MemberArgs) string { return a.Role }),
			"revokeRole": withRole(r.RevokeRole, func(a MemberArgs) string { return a.Role }),
			"removeMember": func(ctx context.Context, from common.Address, raw json.RawMessage) (any, error) {
				var a MemberArgs
				if err := decodeArgs(raw, &a); err != nil {
					return nil, err
				}
				return nil, r.RemoveMember(ctx, from, a.Address)
			},
			"updateMemberMetadata": func(ctx context.Context, from common.Address, raw json.RawMessage) (any, error) {
				var a MemberArgs
				if err := decodeArgs(raw, &a); err != nil {
					return nil, err
				}
				return nil, r.UpdateMemberMetadata(ctx, from, a.Address, a.Ref)
			},
		},
	}
}

// ParametersArgs is a partial parameter update; omitted fields keep their value.
type ParametersArgs struct {
	VotingPeriod      *string          `json:"voting_period,omitempty"`
	QuorumPercent     *int             `json:"quorum_percent,omitempty"`
	ProposalThreshold *decimal.Decimal `json:"proposal_threshold,omitempty"`
	SnapshotQuorum    *bool            `json:"snapshot_quorum,omitempty"`
}

func (a ParametersArgs) apply(p governance.Parameters) (governance.Parameters, error) {
	if a.VotingPeriod != nil {
		d, err := time.ParseDuration(*a.VotingPeriod)
		if err != nil {
			return p, fmt.Errorf("voting_period: %w", err)
		}
		p.VotingPeriod = d
	}
	if a.QuorumPercent != nil {
		p.QuorumPercent = *a.QuorumPercent
	}
	if a.ProposalThreshold != nil {
		p.ProposalThreshold = *a.ProposalThreshold
	}
	if a.SnapshotQuorum != nil {
		p.SnapshotQuorum = *a.SnapshotQuorum
	}
	return p, nil
}

func governanceTarget(e *governance.Engine, logger *slog.Logger) *target {
	return &target{
		name:   "governance",
		logger: logger,
		methods: map[string]method{
			"updateParameters": func(ctx context.Context, from common.Address, raw json.RawMessage) (any, error) {
				var a ParametersArgs
				if err := decodeArgs(raw, &a); err != nil {
					return nil, err
				}
				p, err := a.apply(e.Parameters())
				if err != nil {
					return nil, err
				}
				return nil, e.UpdateParameters(ctx, from, p)
			},
		},
	}
}

// ThresholdArgs are the arguments of setApprovalThreshold.
type ThresholdArgs struct {
	Threshold int `json:"threshold"`
}

// TransactionArgs identify a treasury transaction.
type TransactionArgs struct {
	ID uint64 `json:"id"`
}

// AssetArgs are the arguments of addAsset and removeAsset.
type AssetArgs struct {
	Token    common.Address `json:"token"`
	Symbol   string         `json:"symbol,omitempty"`
	Decimals uint8          `json:"decimals,omitempty"`
}

// BudgetArgs are the arguments of the budget methods.
type BudgetArgs struct {
	Category   string          `json:"category"`
	Allocation decimal.Decimal `json:"allocation"`
	Period     string          `json:"period,omitempty"`
}

func treasuryTarget(l *treasury.Ledger, logger *slog.Logger) *target {
	txMethod := func(fn func(context.Context, common.Address, uint64) error) method {
		return func(ctx context.Context, from common.Address, raw json.RawMessage) (any, error) {
			var a TransactionArgs
			if err := decodeArgs(raw, &a); err != nil {
				return nil, err
			}
			return nil, fn(ctx, from, a.ID)
		}
	}
	return &target{
		name:   "treasury",
		logger: logger,
		methods: map[string]method{
			"setApprovalThreshold": func(ctx context.Context, from common.Address, raw json.RawMessage) (any, error) {
				var a ThresholdArgs
				if err := decodeArgs(raw, &a); err != nil {
					return nil, err
				}
				return nil, l.SetApprovalThreshold(ctx, from, a.Threshold)
			},
			"createTransaction": func(ctx context.Context, from common.Address, raw json.RawMessage) (any, error) {
				var req treasury.TxRequest
				if err := decodeArgs(raw, &req); err != nil {
					return nil, err
				}
				id, err := l.CreateTransaction(ctx, from, req)
				if err != nil {
					return nil, err
				}
				return TransactionArgs{ID: id}, nil
			},
			"approveTransaction": txMethod(l.ApproveTransaction),
			"executeTransaction": txMethod(l.ExecuteTransaction),
			"cancelTransaction":  txMethod(l.CancelTransaction),
			"addAsset": func(ctx context.Context, from common.Address, raw json.RawMessage) (any, error) {
				var a AssetArgs
				if err := decodeArgs(raw, &a); err != nil {
					return nil, err
				}
				return nil, l.AddAsset(ctx, from, a.Token, a.Symbol, a.Decimals)
			},
			"removeAsset": func(ctx context.Context, from common.Address, raw json.RawMessage) (any, error) {
				var a AssetArgs
				if err := decodeArgs(raw, &a); err != nil {
					return nil, err
				}
				return nil, l.RemoveAsset(ctx, from, a.Token)
			},
			"createBudget": func(ctx context.Context, from common.Address, raw json.RawMessage) (any, error) {
				var a BudgetArgs
				if err := decodeArgs(raw, &a); err != nil {
					return nil, err
				}
				period, err := time.ParseDuration(a.Period)
				if err != nil {
					return nil, fmt.Errorf("period: %w", err)
				}
				return nil, l.CreateBudget(ctx, from, a.Category, a.Allocation, period)
			},
			"updateBudget": func(ctx context.Context, from common.Address, raw json.RawMessage) (any, error) {
				var a BudgetArgs
				if err := decodeArgs(raw, &a); err != nil {
					return nil, err
				}
				return nil, l.UpdateBudget(ctx, from, a.Category, a.Allocation)
			},
			"deactivateBudget": func(ctx context.Context, from common.Address, raw json.RawMessage) (any, error) {
				var a BudgetArgs
				if err := decodeArgs(raw, &a); err != nil {
					return nil, err
				}
				return nil, l.DeactivateBudget(ctx, from, a.Category)
			},
		},
	}
}
