package policy

import (
	"context"
	"errors"
	"fmt"

	"github.com/polisai/polis-dao/pkg/domain"
)

// ErrDenied is the cause carried by a veto.
var ErrDenied = errors.New("policy denied operation")

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Allow  bool
	Reason string
}

// Input is the document a policy is evaluated against.
type Input struct {
	Operation  string         `json:"operation"`
	Actor      string         `json:"actor"`
	Roles      []string       `json:"roles"`
	Subject    string         `json:"subject"`
	Attributes map[string]any `json:"attributes"`
}

// InputFromRequest converts an authorization request into policy input.
func InputFromRequest(req domain.AuthzRequest) Input {
	roles := append([]string{}, req.ActorRoles...)
	attrs := make(map[string]any, len(req.Attributes))
	for k, v := range req.Attributes {
		attrs[k] = v
	}
	return Input{
		Operation:  req.Operation,
		Actor:      req.Actor.Hex(),
		Roles:      roles,
		Subject:    req.Subject,
		Attributes: attrs,
	}
}

// DeniedError reports a veto with the policy's reason.
type DeniedError struct {
	Operation string
	Reason    string
}

func (e *DeniedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: %s", e.Operation, ErrDenied)
	}
	return fmt.Sprintf("%s: %s: %s", e.Operation, ErrDenied, e.Reason)
}

// Is matches ErrDenied.
func (e *DeniedError) Is(target error) bool {
	return target == ErrDenied
}

// Chain consults guards in order and stops at the first veto.
type Chain []domain.Guard

// Authorize implements domain.Guard.
func (c Chain) Authorize(ctx context.Context, req domain.AuthzRequest) error {
	for _, g := range c {
		if g == nil {
			continue
		}
		if err := g.Authorize(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// GuardFunc adapts a function to domain.Guard.
type GuardFunc func(ctx context.Context, req domain.AuthzRequest) error

// Authorize calls f.
func (f GuardFunc) Authorize(ctx context.Context, req domain.AuthzRequest) error {
	return f(ctx, req)
}

var (
	_ domain.Guard = Chain(nil)
	_ domain.Guard = GuardFunc(nil)
)
