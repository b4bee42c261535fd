package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-dao/pkg/audit"
	"github.com/polisai/polis-dao/pkg/dao"
	"github.com/polisai/polis-dao/pkg/domain"
	"github.com/polisai/polis-dao/pkg/governance"
	"github.com/polisai/polis-dao/pkg/metrics"
)

const defaultPageLimit = 50

// adminAPI serves read-only views of the instances held by a factory.
type adminAPI struct {
	factory *dao.Factory
	logger  *slog.Logger
}

func newAdminMux(factory *dao.Factory, collector *metrics.Collector, logger *slog.Logger) *http.ServeMux {
	api := &adminAPI{factory: factory, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle("GET /metrics", collector.Handler())
	mux.HandleFunc("GET /v1/templates", api.templates)
	mux.HandleFunc("GET /v1/instances", api.instances)
	mux.HandleFunc("GET /v1/instances/{id}", api.instance(api.describe))
	mux.HandleFunc("GET /v1/instances/{id}/members", api.instance(api.members))
	mux.HandleFunc("GET /v1/instances/{id}/members/{addr}", api.instance(api.member))
	mux.HandleFunc("GET /v1/instances/{id}/parameters", api.instance(api.parameters))
	mux.HandleFunc("GET /v1/instances/{id}/proposals", api.instance(api.proposals))
	mux.HandleFunc("GET /v1/instances/{id}/proposals/{pid}", api.instance(api.proposal))
	mux.HandleFunc("GET /v1/instances/{id}/transactions", api.instance(api.transactions))
	mux.HandleFunc("GET /v1/instances/{id}/transactions/{tid}", api.instance(api.transaction))
	mux.HandleFunc("GET /v1/instances/{id}/budgets", api.instance(api.budgets))
	mux.HandleFunc("GET /v1/instances/{id}/assets", api.instance(api.assets))
	mux.HandleFunc("GET /v1/instances/{id}/audit", api.instance(api.audit))
	return mux
}

// routePattern labels request metrics with the matched route, keeping label
// cardinality bounded.
func routePattern(r *http.Request) string {
	if r.Pattern == "" {
		return "unmatched"
	}
	return r.Pattern
}

type instanceHandler func(w http.ResponseWriter, r *http.Request, inst *dao.Instance)

func (a *adminAPI) instance(next instanceHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			a.writeError(w, r, domain.Errorf(domain.ErrInvalidParameter, "api.instance", "malformed instance id %q", r.PathValue("id")))
			return
		}
		inst, err := a.factory.Instance(id)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		next(w, r, inst)
	}
}

type pageView[T any] struct {
	Total  int `json:"total"`
	Offset int `json:"offset"`
	Items  []T `json:"items"`
}

func page(r *http.Request) (int, int, error) {
	offset, limit := 0, defaultPageLimit
	q := r.URL.Query()
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, domain.Errorf(domain.ErrInvalidParameter, "api.page", "offset must be a non-negative integer")
		}
		offset = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			return 0, 0, domain.Errorf(domain.ErrInvalidParameter, "api.page", "limit must be between 1 and 1000")
		}
		limit = n
	}
	return offset, limit, nil
}

func (a *adminAPI) templates(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, r, a.factory.Templates())
}

type instanceView struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Template  string        `json:"template"`
	CreatedAt time.Time     `json:"created_at"`
	Addresses dao.Addresses `json:"addresses"`
	Members   int           `json:"members"`
	Proposals int           `json:"proposals"`
	Txs       int           `json:"transactions"`
	Threshold int           `json:"approval_threshold"`
}

func viewInstance(inst *dao.Instance) instanceView {
	return instanceView{
		ID:        inst.ID.String(),
		Name:      inst.Name,
		Template:  inst.Template,
		CreatedAt: inst.CreatedAt,
		Addresses: inst.Addresses(),
		Members:   inst.Registry.MemberCount(),
		Proposals: inst.Governance.ProposalCount(),
		Txs:       inst.Treasury.TransactionCount(),
		Threshold: inst.Treasury.ApprovalThreshold(),
	}
}

func (a *adminAPI) instances(w http.ResponseWriter, r *http.Request) {
	all := a.factory.Instances()
	out := make([]instanceView, 0, len(all))
	for _, inst := range all {
		out = append(out, viewInstance(inst))
	}
	a.writeJSON(w, r, out)
}

func (a *adminAPI) describe(w http.ResponseWriter, r *http.Request, inst *dao.Instance) {
	a.writeJSON(w, r, viewInstance(inst))
}

type memberView struct {
	Address    common.Address `json:"address"`
	JoinedAt   time.Time      `json:"joined_at"`
	ProfileRef string         `json:"profile_ref,omitempty"`
	Roles      []string       `json:"roles"`
	Active     bool           `json:"active"`
}

func viewMember(m domain.Member) memberView {
	return memberView{
		Address:    m.Address,
		JoinedAt:   m.JoinedAt,
		ProfileRef: m.ProfileRef,
		Roles:      m.Roles.Strings(),
		Active:     m.Active,
	}
}

func (a *adminAPI) members(w http.ResponseWriter, r *http.Request, inst *dao.Instance) {
	offset, limit, err := page(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	members := inst.Registry.Members(offset, limit)
	out := pageView[memberView]{Total: inst.Registry.MemberCount(), Offset: offset, Items: make([]memberView, 0, len(members))}
	for _, m := range members {
		out.Items = append(out.Items, viewMember(m))
	}
	a.writeJSON(w, r, out)
}

func (a *adminAPI) member(w http.ResponseWriter, r *http.Request, inst *dao.Instance) {
	raw := r.PathValue("addr")
	if !common.IsHexAddress(raw) {
		a.writeError(w, r, domain.Errorf(domain.ErrInvalidParameter, "api.member", "%q is not a hex address", raw))
		return
	}
	m, err := inst.Registry.Member(common.HexToAddress(raw))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, r, viewMember(m))
}

func (a *adminAPI) parameters(w http.ResponseWriter, r *http.Request, inst *dao.Instance) {
	p := inst.Governance.Parameters()
	a.writeJSON(w, r, struct {
		governance.Parameters
		VotingPeriod      string `json:"voting_period"`
		ApprovalThreshold int    `json:"approval_threshold"`
		WeightedVoting    bool   `json:"weighted_voting"`
	}{
		Parameters:        p,
		VotingPeriod:      p.VotingPeriod.String(),
		ApprovalThreshold: inst.Treasury.ApprovalThreshold(),
		WeightedVoting:    inst.Governance.HasVotingPower(),
	})
}

type actionView struct {
	Target    common.Address  `json:"target"`
	Value     decimal.Decimal `json:"value"`
	Signature string          `json:"signature,omitempty"`
	Payload   string          `json:"payload,omitempty"`
}

type resultView struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

type proposalView struct {
	ID           uint64               `json:"id"`
	State        domain.ProposalState `json:"state"`
	Proposer     common.Address       `json:"proposer"`
	Title        string               `json:"title"`
	ContentRef   string               `json:"content_ref,omitempty"`
	Start        time.Time            `json:"start"`
	End          time.Time            `json:"end"`
	ForVotes     decimal.Decimal      `json:"for_votes"`
	AgainstVotes decimal.Decimal      `json:"against_votes"`
	AbstainVotes decimal.Decimal      `json:"abstain_votes"`
	Actions      []actionView         `json:"actions,omitempty"`
	Results      []resultView         `json:"results,omitempty"`
	ExecutedAt   *time.Time           `json:"executed_at,omitempty"`
}

func (a *adminAPI) viewProposal(r *http.Request, inst *dao.Instance, id uint64) (proposalView, error) {
	p, err := inst.Governance.Proposal(id)
	if err != nil {
		return proposalView{}, err
	}
	state, err := inst.Governance.State(r.Context(), id)
	if err != nil {
		return proposalView{}, err
	}
	v := proposalView{
		ID:           p.ID,
		State:        state,
		Proposer:     p.Proposer,
		Title:        p.Title,
		ContentRef:   p.ContentRef,
		Start:        p.Start,
		End:          p.End,
		ForVotes:     p.ForVotes,
		AgainstVotes: p.AgainstVotes,
		AbstainVotes: p.AbstainVotes,
	}
	for _, act := range p.Actions {
		v.Actions = append(v.Actions, actionView{
			Target:    act.Target,
			Value:     act.Value,
			Signature: act.Signature,
			Payload:   hexPayload(act.Payload),
		})
	}
	for _, res := range p.Results {
		v.Results = append(v.Results, resultView{OK: res.OK, Reason: res.Reason})
	}
	if p.Executed {
		at := p.ExecutedAt
		v.ExecutedAt = &at
	}
	return v, nil
}

func (a *adminAPI) proposals(w http.ResponseWriter, r *http.Request, inst *dao.Instance) {
	offset, limit, err := page(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	ids := inst.Governance.ProposalIDs(offset, limit)
	out := pageView[proposalView]{Total: inst.Governance.ProposalCount(), Offset: offset, Items: make([]proposalView, 0, len(ids))}
	for _, id := range ids {
		v, err := a.viewProposal(r, inst, id)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		out.Items = append(out.Items, v)
	}
	a.writeJSON(w, r, out)
}

func (a *adminAPI) proposal(w http.ResponseWriter, r *http.Request, inst *dao.Instance) {
	id, err := pathID(r, "pid")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	v, err := a.viewProposal(r, inst, id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, r, v)
}

type transactionView struct {
	ID            uint64           `json:"id"`
	Status        string           `json:"status"`
	Proposer      common.Address   `json:"proposer"`
	Description   string           `json:"description"`
	Target        common.Address   `json:"target"`
	Value         decimal.Decimal  `json:"value"`
	Payload       string           `json:"payload,omitempty"`
	Category      string           `json:"category,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	ApprovalCount int              `json:"approval_count"`
	Approvers     []common.Address `json:"approvers"`
	Attempts      int              `json:"attempts"`
	LastFailure   string           `json:"last_failure,omitempty"`
	ExecutedAt    *time.Time       `json:"executed_at,omitempty"`
}

func viewTransaction(t domain.Transaction) transactionView {
	v := transactionView{
		ID:            t.ID,
		Status:        "pending",
		Proposer:      t.Proposer,
		Description:   t.Description,
		Target:        t.Target,
		Value:         t.Value,
		Payload:       hexPayload(t.Payload),
		Category:      t.Category,
		CreatedAt:     t.CreatedAt,
		ApprovalCount: t.ApprovalCount,
		Approvers:     t.Approvers,
		Attempts:      t.Attempts,
	}
	switch {
	case t.Executed:
		v.Status = "executed"
		at := t.ExecutedAt
		v.ExecutedAt = &at
	case t.Canceled:
		v.Status = "canceled"
	}
	if t.LastFailure != nil {
		v.LastFailure = t.LastFailure.Reason
	}
	return v
}

func (a *adminAPI) transactions(w http.ResponseWriter, r *http.Request, inst *dao.Instance) {
	offset, limit, err := page(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	ids := inst.Treasury.TransactionIDs(offset, limit)
	out := pageView[transactionView]{Total: inst.Treasury.TransactionCount(), Offset: offset, Items: make([]transactionView, 0, len(ids))}
	for _, id := range ids {
		t, err := inst.Treasury.Transaction(id)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		out.Items = append(out.Items, viewTransaction(t))
	}
	a.writeJSON(w, r, out)
}

func (a *adminAPI) transaction(w http.ResponseWriter, r *http.Request, inst *dao.Instance) {
	id, err := pathID(r, "tid")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	t, err := inst.Treasury.Transaction(id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, r, viewTransaction(t))
}

type budgetView struct {
	Category   string          `json:"category"`
	Allocation decimal.Decimal `json:"allocation"`
	Spent      decimal.Decimal `json:"spent"`
	Remaining  decimal.Decimal `json:"remaining"`
	Period     string          `json:"period"`
	Active     bool            `json:"active"`
	CreatedAt  time.Time       `json:"created_at"`
}

func (a *adminAPI) budgets(w http.ResponseWriter, r *http.Request, inst *dao.Instance) {
	categories := inst.Treasury.BudgetCategories()
	out := make([]budgetView, 0, len(categories))
	for _, c := range categories {
		b, err := inst.Treasury.BudgetInfo(c)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		out = append(out, budgetView{
			Category:   b.Category,
			Allocation: b.Allocation,
			Spent:      b.Spent,
			Remaining:  b.Remaining,
			Period:     b.Period.String(),
			Active:     b.Active,
			CreatedAt:  b.CreatedAt,
		})
	}
	a.writeJSON(w, r, out)
}

type assetView struct {
	Token    common.Address  `json:"token"`
	Symbol   string          `json:"symbol"`
	Decimals uint8           `json:"decimals"`
	Native   bool            `json:"native"`
	Balance  decimal.Decimal `json:"balance"`
}

func (a *adminAPI) assets(w http.ResponseWriter, r *http.Request, inst *dao.Instance) {
	tokens := inst.Treasury.TrackedAssets()
	out := make([]assetView, 0, len(tokens))
	for _, token := range tokens {
		asset, err := inst.Treasury.AssetInfo(token)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		out = append(out, assetView{
			Token:    asset.Token,
			Symbol:   asset.Symbol,
			Decimals: asset.Decimals,
			Native:   asset.IsNative(),
			Balance:  inst.Treasury.Balance(token),
		})
	}
	a.writeJSON(w, r, out)
}

func (a *adminAPI) audit(w http.ResponseWriter, r *http.Request, inst *dao.Instance) {
	offset, limit, err := page(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if inst.Store == nil {
		a.writeError(w, r, domain.EntityError(domain.ErrNotFound, "api.audit", "audit store", inst.ID.String(), "instance has no audit store"))
		return
	}
	total, err := inst.Store.Count(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	records, err := inst.Store.List(r.Context(), offset, limit)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []audit.Record{}
	}
	a.writeJSON(w, r, pageView[audit.Record]{Total: total, Offset: offset, Items: records})
}

func pathID(r *http.Request, name string) (uint64, error) {
	id, err := strconv.ParseUint(r.PathValue(name), 10, 64)
	if err != nil {
		return 0, domain.Errorf(domain.ErrInvalidParameter, "api."+name, "malformed id %q", r.PathValue(name))
	}
	return id, nil
}

func hexPayload(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return "0x" + hex.EncodeToString(b)
}

func (a *adminAPI) writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.ErrorContext(r.Context(), "failed to encode response", "path", r.URL.Path, "error", err)
	}
}

func statusOf(err error) int {
	switch {
	case domain.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidParameter):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes a domain.ErrorResponse carrying the request's trace ID.
func (a *adminAPI) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		a.logger.ErrorContext(r.Context(), "admin request failed", "path", r.URL.Path, "error", err)
	}

	var traceID string
	if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() {
		traceID = sc.TraceID().String()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := domain.ErrorResponse{Code: domain.ErrorCode(err), Message: err.Error(), TraceID: traceID}
	if encErr := json.NewEncoder(w).Encode(resp); encErr != nil {
		a.logger.Error("failed to encode error response", "error", encErr)
	}
}
