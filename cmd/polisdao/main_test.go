package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-dao/pkg/audit"
	"github.com/polisai/polis-dao/pkg/config"
	"github.com/polisai/polis-dao/pkg/dao"
	"github.com/polisai/polis-dao/pkg/domain"
	"github.com/polisai/polis-dao/pkg/metrics"
	"github.com/polisai/polis-dao/pkg/treasury"
)

var (
	founder = common.HexToAddress("0xA1")
	bob     = common.HexToAddress("0xB0")
	payee   = common.HexToAddress("0x9A7EE")
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type apiFixture struct {
	handler http.Handler
	inst    *dao.Instance
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	collector := metrics.NewCollector()
	factory := dao.NewFactory(
		dao.WithStoreOpener(func(string) (audit.Store, error) { return audit.NewMemoryStore(), nil }),
		dao.WithAuditSinks(collector),
		dao.WithLogger(quietLogger()),
		dao.WithExternalSink(domain.ActionSinkFunc(func(context.Context, domain.Call) domain.Result {
			return domain.Success(nil)
		})),
	)
	t.Cleanup(func() { require.NoError(t, factory.Close()) })

	cfg := dao.DefaultConfig(founder)
	cfg.Name = "garden club"
	cfg.ApprovalThreshold = 2
	cfg.NativeSymbol = "ETH"
	cfg.NativeDecimals = 18
	cfg.Members = []dao.MemberSeed{{Address: bob, Tier: domain.RoleMember}}
	cfg.Budgets = []dao.BudgetSeed{{Category: "grants", Allocation: decimal.NewFromInt(1000), Period: 720 * time.Hour}}
	cfg.Deposits = []dao.DepositSeed{{Token: domain.NativeAsset, Amount: decimal.NewFromInt(5000)}}

	ctx := context.Background()
	inst, err := factory.Create(ctx, dao.TemplateFlat, cfg)
	require.NoError(t, err)

	action, err := dao.NewAction(inst.Addresses().Registry, "addMember(address,string)", dao.MemberArgs{Address: payee})
	require.NoError(t, err)
	_, err = inst.Governance.Propose(ctx, founder, "add payee", "ipfs://proposal", []domain.Action{action}, time.Time{})
	require.NoError(t, err)
	_, err = inst.Treasury.CreateTransaction(ctx, founder, treasury.TxRequest{
		Description: "seed grant",
		Target:      payee,
		Value:       decimal.NewFromInt(100),
		Category:    "grants",
	})
	require.NoError(t, err)

	mux := newAdminMux(factory, collector, quietLogger())
	return &apiFixture{handler: collector.Middleware(routePattern, mux), inst: inst}
}

func (f *apiFixture) get(t *testing.T, path string, out any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if out != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

func (f *apiFixture) path(suffix string) string {
	return "/v1/instances/" + f.inst.ID.String() + suffix
}

func TestAdminHealthAndMetrics(t *testing.T) {
	f := newAPIFixture(t)

	var health map[string]string
	assert.Equal(t, http.StatusOK, f.get(t, "/healthz", &health))
	assert.Equal(t, "ok", health["status"])

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "polisdao_http_requests_total")
	assert.Contains(t, body, `endpoint="GET /healthz"`)
}

func TestAdminInstances(t *testing.T) {
	f := newAPIFixture(t)

	var list []instanceView
	require.Equal(t, http.StatusOK, f.get(t, "/v1/instances", &list))
	require.Len(t, list, 1)
	assert.Equal(t, f.inst.ID.String(), list[0].ID)
	assert.Equal(t, "garden club", list[0].Name)
	assert.Equal(t, 2, list[0].Members)
	assert.Equal(t, 1, list[0].Proposals)
	assert.Equal(t, 1, list[0].Txs)
	assert.Equal(t, f.inst.Addresses(), list[0].Addresses)

	var one instanceView
	require.Equal(t, http.StatusOK, f.get(t, f.path(""), &one))
	assert.Equal(t, 2, one.Threshold)
}

func TestAdminMembersPaginate(t *testing.T) {
	f := newAPIFixture(t)

	var members pageView[memberView]
	require.Equal(t, http.StatusOK, f.get(t, f.path("/members?offset=1&limit=5"), &members))
	assert.Equal(t, 2, members.Total)
	assert.Equal(t, 1, members.Offset)
	require.Len(t, members.Items, 1)
	assert.Equal(t, bob, members.Items[0].Address)
	assert.Equal(t, []string{"member"}, members.Items[0].Roles)

	var m memberView
	require.Equal(t, http.StatusOK, f.get(t, f.path("/members/"+founder.Hex()), &m))
	assert.Contains(t, m.Roles, "admin")

	var errResp domain.ErrorResponse
	assert.Equal(t, http.StatusNotFound, f.get(t, f.path("/members/"+payee.Hex()), &errResp))
	assert.Equal(t, "NOT_FOUND", errResp.Code)
}

func TestAdminProposalsAndTransactions(t *testing.T) {
	f := newAPIFixture(t)

	var proposals pageView[proposalView]
	require.Equal(t, http.StatusOK, f.get(t, f.path("/proposals"), &proposals))
	require.Len(t, proposals.Items, 1)
	p := proposals.Items[0]
	assert.Equal(t, domain.ProposalActive, p.State)
	assert.Equal(t, "add payee", p.Title)
	require.Len(t, p.Actions, 1)
	assert.Equal(t, f.inst.Addresses().Registry, p.Actions[0].Target)
	assert.True(t, strings.HasPrefix(p.Actions[0].Payload, "0x"))

	var one proposalView
	require.Equal(t, http.StatusOK, f.get(t, f.path("/proposals/1"), &one))
	assert.Equal(t, uint64(1), one.ID)

	var tx transactionView
	require.Equal(t, http.StatusOK, f.get(t, f.path("/transactions/1"), &tx))
	assert.Equal(t, "pending", tx.Status)
	assert.Equal(t, 1, tx.ApprovalCount)
	assert.Equal(t, []common.Address{founder}, tx.Approvers)
	assert.True(t, tx.Value.Equal(decimal.NewFromInt(100)))

	var txs pageView[transactionView]
	require.Equal(t, http.StatusOK, f.get(t, f.path("/transactions"), &txs))
	assert.Equal(t, 1, txs.Total)
}

func TestAdminTreasuryViews(t *testing.T) {
	f := newAPIFixture(t)

	var budgets []budgetView
	require.Equal(t, http.StatusOK, f.get(t, f.path("/budgets"), &budgets))
	require.Len(t, budgets, 1)
	assert.Equal(t, "grants", budgets[0].Category)
	assert.True(t, budgets[0].Remaining.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, "720h0m0s", budgets[0].Period)

	var assets []assetView
	require.Equal(t, http.StatusOK, f.get(t, f.path("/assets"), &assets))
	require.Len(t, assets, 1)
	assert.True(t, assets[0].Native)
	assert.Equal(t, "ETH", assets[0].Symbol)
	assert.True(t, assets[0].Balance.Equal(decimal.NewFromInt(5000)))

	var params map[string]any
	require.Equal(t, http.StatusOK, f.get(t, f.path("/parameters"), &params))
	assert.Equal(t, "72h0m0s", params["voting_period"])
	assert.EqualValues(t, 2, params["approval_threshold"])
	assert.Equal(t, false, params["weighted_voting"])
}

func TestAdminAuditTrail(t *testing.T) {
	f := newAPIFixture(t)

	var trail pageView[audit.Record]
	require.Equal(t, http.StatusOK, f.get(t, f.path("/audit?limit=2"), &trail))
	assert.Greater(t, trail.Total, 2)
	require.Len(t, trail.Items, 2)
	assert.Equal(t, f.inst.ID.String(), trail.Items[0].Instance)
	assert.Less(t, trail.Items[0].Seq, trail.Items[1].Seq)
}

func TestAdminErrors(t *testing.T) {
	f := newAPIFixture(t)

	tests := []struct {
		name   string
		path   string
		status int
		code   string
	}{
		{"malformed instance", "/v1/instances/not-a-uuid", http.StatusBadRequest, "INVALID_PARAMETER"},
		{"unknown instance", "/v1/instances/5f0c7f4e-8c7a-4a53-9b7b-0a9f2b1d2c3e", http.StatusNotFound, "NOT_FOUND"},
		{"unknown proposal", f.path("/proposals/99"), http.StatusNotFound, "NOT_FOUND"},
		{"malformed proposal id", f.path("/proposals/abc"), http.StatusBadRequest, "INVALID_PARAMETER"},
		{"bad limit", f.path("/members?limit=0"), http.StatusBadRequest, "INVALID_PARAMETER"},
		{"bad offset", f.path("/transactions?offset=-1"), http.StatusBadRequest, "INVALID_PARAMETER"},
		{"bad address", f.path("/members/0xzz"), http.StatusBadRequest, "INVALID_PARAMETER"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp domain.ErrorResponse
			assert.Equal(t, tt.status, f.get(t, tt.path, &resp))
			assert.Equal(t, tt.code, resp.Code)
			assert.NotEmpty(t, resp.Message)
		})
	}
}

func TestRoutePattern(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/nowhere", nil)
	assert.Equal(t, "unmatched", routePattern(r))
	r.Pattern = "GET /v1/instances/{id}"
	assert.Equal(t, "GET /v1/instances/{id}", routePattern(r))
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append(args, "--env-file", ""))
	err := cmd.Execute()
	return out.String(), err
}

func TestTemplatesCommand(t *testing.T) {
	out, err := execute(t, "templates")
	require.NoError(t, err)
	assert.Equal(t, "flat\nweighted\n", out)
}

func TestConfigValidateCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "polisdao.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  admin_address: ":8088"
treasury:
  approval_threshold: 2
bootstrap:
  founder: "0x00000000000000000000000000000000000000a1"
  members:
    - address: "0x00000000000000000000000000000000000000b0"
`), 0o600))

	out, err := execute(t, "config", "validate", "--config", path)
	require.NoError(t, err)

	var cfg config.Config
	require.NoError(t, json.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, ":8088", cfg.Server.AdminAddress)
	assert.Equal(t, 2, cfg.Treasury.ApprovalThreshold)
	assert.Equal(t, founder, cfg.Bootstrap.Founder)
}

func TestConfigValidateRejectsBadBootstrap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "polisdao.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
bootstrap:
  founder: "0x00000000000000000000000000000000000000a1"
  members:
    - address: "0x00000000000000000000000000000000000000b0"
      tier: emperor
`), 0o600))

	_, err := execute(t, "config", "validate", "--config", path)
	require.Error(t, err)
}

func TestAuditDumpCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	store, err := audit.OpenStore(audit.BackendSQLite, path)
	require.NoError(t, err)
	ctx := context.Background()
	for seq := uint64(1); seq <= 3; seq++ {
		require.NoError(t, store.Write(ctx, audit.Record{
			ID:        uuid.New(),
			Seq:       seq,
			Type:      audit.MemberAdded,
			Entity:    "member",
			EntityID:  bob.Hex(),
			Actor:     founder,
			Timestamp: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC),
		}))
	}
	require.NoError(t, store.Close())

	out, err := execute(t, "audit", "dump", "--backend", "sqlite", "--path", path, "--offset", "1")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	var rec audit.Record
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, uint64(2), rec.Seq)
	assert.Equal(t, audit.MemberAdded, rec.Type)
}

func TestAuditDumpNeedsPath(t *testing.T) {
	_, err := execute(t, "audit", "dump")
	require.ErrorContains(t, err, "persistent store path")
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("POLISDAO_TEST_ENV_FILE=loaded\n"), 0o600))
	t.Setenv("POLISDAO_TEST_ENV_FILE", "")
	require.NoError(t, os.Unsetenv("POLISDAO_TEST_ENV_FILE"))

	require.NoError(t, loadEnvFile(path))
	assert.Equal(t, "loaded", os.Getenv("POLISDAO_TEST_ENV_FILE"))

	require.NoError(t, loadEnvFile(filepath.Join(t.TempDir(), "missing.env")))
	require.NoError(t, loadEnvFile(""))
}

func TestNewAppBootstrapsInstance(t *testing.T) {
	cfg := config.Default()
	cfg.Bootstrap.Founder = founder
	cfg.Bootstrap.Members = []config.MemberEntry{{Address: bob}}
	require.NoError(t, cfg.Validate())

	a, err := newApp(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close()) })

	instances := a.factory.Instances()
	require.Len(t, instances, 1)
	assert.Equal(t, 2, instances[0].Registry.MemberCount())

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/instances", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNewAppRestartKeepsAuditHistory(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Bootstrap.Founder = founder
	cfg.Bootstrap.Members = []config.MemberEntry{{Address: bob}}
	cfg.Audit.Backend = audit.BackendSQLite
	cfg.Audit.Path = filepath.Join(t.TempDir(), "audit.db")
	require.NoError(t, cfg.Validate())

	boot := func() int {
		a, err := newApp(ctx, cfg, quietLogger())
		require.NoError(t, err)
		defer func() { require.NoError(t, a.Close()) }()
		instances := a.factory.Instances()
		require.Len(t, instances, 1)
		n, err := instances[0].Store.Count(ctx)
		require.NoError(t, err)
		return n
	}
	first := boot()
	require.Positive(t, first)
	assert.Equal(t, first, boot())

	store, err := audit.OpenStore(audit.BackendSQLite, cfg.Audit.Path)
	require.NoError(t, err)
	defer store.Close()
	total, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2*first, total)
}

func TestNewAppWithoutBootstrap(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())

	a, err := newApp(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close()) })
	assert.Empty(t, a.factory.Instances())
}
