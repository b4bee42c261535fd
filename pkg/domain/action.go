package domain

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Action is one step of a proposal: a call against a target.
type Action struct {
	Target    common.Address  `json:"target"`
	Value     decimal.Decimal `json:"value"`
	Signature string          `json:"signature"`
	Payload   []byte          `json:"payload,omitempty"`
}

// Clone returns a copy with its own payload buffer.
func (a Action) Clone() Action {
	if a.Payload != nil {
		a.Payload = append([]byte(nil), a.Payload...)
	}
	return a
}

// Call is what an ActionSink receives: an action plus the identity it is made on behalf of.
type Call struct {
	From      common.Address
	Target    common.Address
	Value     decimal.Decimal
	Signature string
	Payload   []byte
}

// Result is the outcome of an invocation. Failure is a value: Reason carries the
// optional diagnostic reported by the target.
type Result struct {
	OK         bool   `json:"ok"`
	Reason     string `json:"reason,omitempty"`
	ReturnData []byte `json:"return_data,omitempty"`
}

// Success returns a successful result carrying data.
func Success(data []byte) Result {
	return Result{OK: true, ReturnData: data}
}

// Failure returns a failed result with reason.
func Failure(reason string) Result {
	return Result{OK: false, Reason: reason}
}

// ActionSink carries out calls against targets and reports their outcome.
// Implementations must not panic; failures are reported through Result.
type ActionSink interface {
	Invoke(ctx context.Context, call Call) Result
}

// ActionSinkFunc adapts a function to ActionSink.
type ActionSinkFunc func(ctx context.Context, call Call) Result

// Invoke calls f.
func (f ActionSinkFunc) Invoke(ctx context.Context, call Call) Result {
	return f(ctx, call)
}

// AuthzRequest describes a privileged operation submitted to a Guard.
type AuthzRequest struct {
	Operation  string
	Actor      common.Address
	ActorRoles []string
	Subject    string
	Attributes map[string]any
}

// Guard is an optional veto hook consulted after the built-in role checks pass.
// It can only narrow what the role checks allow; a nil error permits the operation.
type Guard interface {
	Authorize(ctx context.Context, req AuthzRequest) error
}

// CheckGuard consults g (when set) and converts a veto into an ErrNotAuthorized error.
func CheckGuard(ctx context.Context, g Guard, req AuthzRequest) error {
	if g == nil {
		return nil
	}
	if err := g.Authorize(ctx, req); err != nil {
		return &DomainError{Err: ErrNotAuthorized, Op: req.Operation, Message: "denied by policy", Cause: err}
	}
	return nil
}
