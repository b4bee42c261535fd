// Package audit carries the notification stream produced by every state-changing
// operation of a DAO instance.
//
// Components emit Records through an Emitter. The Bus stamps each record with a
// sequence number and an id, writes it synchronously to the configured Sinks in
// emission order, and fans it out to subscribers. Stores are Sinks that also
// answer paginated reads; memory, SQLite (gorm) and Badger implementations are
// provided.
package audit

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// EventType names the kind of state change a Record describes.
type EventType string

const (
	MemberAdded           EventType = "member.added"
	MemberRemoved         EventType = "member.removed"
	MemberMetadataUpdated EventType = "member.metadata_updated"
	RoleGranted           EventType = "role.granted"
	RoleRevoked           EventType = "role.revoked"

	ProposalCreated         EventType = "proposal.created"
	ProposalVoted           EventType = "proposal.voted"
	ProposalExecuted        EventType = "proposal.executed"
	ProposalExecutionFailed EventType = "proposal.execution_failed"
	ProposalCanceled        EventType = "proposal.canceled"
	DelegationChanged       EventType = "delegation.changed"

	TransactionCreated  EventType = "transaction.created"
	TransactionApproved EventType = "transaction.approved"
	TransactionExecuted EventType = "transaction.executed"
	TransactionFailed   EventType = "transaction.failed"
	TransactionCanceled EventType = "transaction.canceled"

	AssetAdded        EventType = "asset.added"
	AssetRemoved      EventType = "asset.removed"
	DepositReceived   EventType = "asset.deposit_received"
	BudgetCreated     EventType = "budget.created"
	BudgetUpdated     EventType = "budget.updated"
	BudgetDeactivated EventType = "budget.deactivated"
	BudgetSpent       EventType = "budget.spent"

	ParametersUpdated EventType = "parameters.updated"
)

// Record is one entry of the audit stream.
type Record struct {
	ID        uuid.UUID         `json:"id"`
	Seq       uint64            `json:"seq"`
	Instance  string            `json:"instance,omitempty"`
	Type      EventType         `json:"type"`
	Entity    string            `json:"entity"`
	EntityID  string            `json:"entity_id"`
	Actor     common.Address    `json:"actor"`
	Before    map[string]string `json:"before,omitempty"`
	After     map[string]string `json:"after,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Emitter accepts records from the components.
type Emitter interface {
	Emit(ctx context.Context, rec Record)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, rec Record)

// Emit calls f.
func (f EmitterFunc) Emit(ctx context.Context, rec Record) {
	f(ctx, rec)
}

// Discard drops every record.
var Discard Emitter = EmitterFunc(func(context.Context, Record) {})

// Sink durably receives records in emission order.
type Sink interface {
	Write(ctx context.Context, rec Record) error
	Close() error
}

// Store is a Sink that can be read back.
type Store interface {
	Sink
	List(ctx context.Context, offset, limit int) ([]Record, error)
	Count(ctx context.Context) (int, error)
}

// Fields is a convenience constructor for Before/After maps.
func Fields(kv ...string) map[string]string {
	if len(kv) == 0 {
		return nil
	}
	out := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i]] = kv[i+1]
	}
	return out
}
