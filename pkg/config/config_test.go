package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/polisai/polis-dao/pkg/domain"
	"github.com/polisai/polis-dao/pkg/policy"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const yamlConfig = `
server:
  admin_address: ":8088"
  shutdown_timeout: 5s
logging:
  level: debug
  format: text
governance:
  voting_period: 168h
  quorum_percent: 51
  proposal_threshold: "0"
treasury:
  approval_threshold: 2
  native_symbol: ETH
  native_decimals: 18
  sink:
    endpoint: http://executor.local/invoke
    timeout: 3s
    breaker:
      max_failures: 3
      open_timeout: 10s
audit:
  backend: sqlite
  path: /var/lib/polisdao/audit.db
bootstrap:
  template: weighted
  name: garden club
  founder: "0x00000000000000000000000000000000000000a1"
  members:
    - address: "0x00000000000000000000000000000000000000b0"
    - address: "0x00000000000000000000000000000000000000c0"
      tier: contributor
  budgets:
    - category: grants
      allocation: "1000"
      period: 720h
  deposits:
    - amount: "5000"
  stakes:
    - address: "0x00000000000000000000000000000000000000a1"
      amount: "60"
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":19090", cfg.Server.AdminAddress)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 1, cfg.Treasury.ApprovalThreshold)
	assert.Equal(t, "memory", cfg.Audit.Backend)
	assert.Equal(t, string(policy.ModeFailClosed), cfg.Policy.Mode)
	assert.Equal(t, policy.DefaultEntrypoint, cfg.Policy.Entrypoint)
	assert.False(t, cfg.Bootstrap.Enabled())
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "polisdao.yaml", yamlConfig)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8088", cfg.Server.AdminAddress)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 168*time.Hour, cfg.Governance.VotingPeriod)
	assert.Equal(t, 51, cfg.Governance.QuorumPercent)
	assert.Equal(t, "http://executor.local/invoke", cfg.Treasury.Sink.Endpoint)
	assert.Equal(t, 3*time.Second, cfg.Treasury.Sink.Timeout)
	assert.Equal(t, 3, cfg.Treasury.Sink.Breaker.MaxFailures)
	assert.Equal(t, "sqlite", cfg.Audit.Backend)

	dc, err := cfg.DAOConfig()
	require.NoError(t, err)
	assert.Equal(t, "garden club", dc.Name)
	assert.Equal(t, common.HexToAddress("0xa1"), dc.Founder)
	assert.Equal(t, 2, dc.ApprovalThreshold)
	require.Len(t, dc.Members, 2)
	assert.Equal(t, domain.RoleMember, dc.Members[0].Tier)
	assert.Equal(t, domain.RoleContributor, dc.Members[1].Tier)
	require.Len(t, dc.Budgets, 1)
	assert.Equal(t, "1000", dc.Budgets[0].Allocation.String())
	assert.Equal(t, 720*time.Hour, dc.Budgets[0].Period)
	require.Len(t, dc.Deposits, 1)
	assert.Equal(t, domain.NativeAsset, dc.Deposits[0].Token)
	require.Len(t, dc.Stakes, 1)
	assert.Equal(t, "weighted", cfg.Bootstrap.Template)
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "polisdao.toml", `
[server]
admin_address = ":8089"

[governance]
voting_period = "72h"
quorum_percent = 20
proposal_threshold = "5"

[treasury]
approval_threshold = 3
native_symbol = "ETH"

[treasury.sink.targets]
"0x00000000000000000000000000000000000000d0" = "https://payroll.local/call"

[bootstrap]
founder = "0x00000000000000000000000000000000000000a1"

[[bootstrap.members]]
address = "0x00000000000000000000000000000000000000b0"
tier = "admin"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8089", cfg.Server.AdminAddress)
	assert.Equal(t, 72*time.Hour, cfg.Governance.VotingPeriod)
	assert.Equal(t, "5", cfg.Governance.ProposalThreshold.String())
	assert.Equal(t, 3, cfg.Treasury.ApprovalThreshold)
	assert.Len(t, cfg.Treasury.Sink.Targets, 1)
	require.Len(t, cfg.Bootstrap.Members, 1)
	assert.Equal(t, "admin", cfg.Bootstrap.Members[0].Tier)
}

func TestLoadJSONAsYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "polisdao.json", `{
  "logging": {"level": "warn"},
  "governance": {"voting_period": "1h", "quorum_percent": 60, "proposal_threshold": "0"}
}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, time.Hour, cfg.Governance.VotingPeriod)
	assert.Equal(t, 60, cfg.Governance.QuorumPercent)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(writeFile(t, dir, "bad.yaml", "server:\n  admin_adress: \":1\"\n"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, dir, "bad.toml", "[server]\nadmin_adress = \":1\"\n"))
	assert.ErrorContains(t, err, "unknown key")

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestEnvironmentOverrides(t *testing.T) {
	path := writeFile(t, t.TempDir(), "polisdao.yaml", yamlConfig)
	t.Setenv("POLISDAO_SERVER_ADMIN_ADDRESS", ":7000")
	t.Setenv("POLISDAO_LOG_LEVEL", "error")
	t.Setenv("POLISDAO_GOVERNANCE_QUORUM_PERCENT", "40")
	t.Setenv("POLISDAO_GOVERNANCE_VOTING_PERIOD", "24h")
	t.Setenv("POLISDAO_TREASURY_SINK_ENDPOINT", "https://other.local/invoke")
	t.Setenv("POLISDAO_TELEMETRY_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("POLISDAO_AUDIT_BACKEND", "badger")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.AdminAddress)
	assert.Equal(t, "error", cfg.Logging.Level)
	assert.Equal(t, 40, cfg.Governance.QuorumPercent)
	assert.Equal(t, 24*time.Hour, cfg.Governance.VotingPeriod)
	assert.Equal(t, "https://other.local/invoke", cfg.Treasury.Sink.Endpoint)
	assert.Equal(t, "collector:4317", cfg.Telemetry.Provider().Endpoint)
	assert.Equal(t, "badger", cfg.Audit.Backend)
	assert.Len(t, cfg.Bootstrap.Members, 2, "lists come from the file only")
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"log level", func(c *Config) { c.Logging.Level = "chatty" }},
		{"quorum", func(c *Config) { c.Governance.QuorumPercent = 101 }},
		{"threshold", func(c *Config) { c.Treasury.ApprovalThreshold = 0 }},
		{"sink endpoint", func(c *Config) { c.Treasury.Sink.Endpoint = "ftp://x" }},
		{"audit backend", func(c *Config) { c.Audit.Backend = "postgres" }},
		{"policy mode", func(c *Config) { c.Policy.Mode = "maybe" }},
		{"policy watch without dir", func(c *Config) { c.Policy.Watch = true }},
		{"policy dir missing", func(c *Config) { c.Policy.Dir = "/does/not/exist" }},
		{"tls without key", func(c *Config) { c.Server.TLS = TLSConfig{Enabled: true, CertFile: "c.pem"} }},
		{"tls version", func(c *Config) {
			c.Server.TLS = TLSConfig{Enabled: true, CertFile: "c.pem", KeyFile: "k.pem", MinVersion: "1.0"}
		}},
		{"seeds without founder", func(c *Config) { c.Bootstrap.Members = []MemberEntry{{Address: common.HexToAddress("0xb0")}} }},
		{"bad tier", func(c *Config) {
			c.Bootstrap.Founder = common.HexToAddress("0xa1")
			c.Bootstrap.Members = []MemberEntry{{Address: common.HexToAddress("0xb0"), Tier: "owner"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestTLSBuildDisabled(t *testing.T) {
	tlsCfg, err := TLSConfig{}.Build()
	require.NoError(t, err)
	assert.Nil(t, tlsCfg)

	_, err = TLSConfig{Enabled: true, CertFile: "missing.pem", KeyFile: "missing.key"}.Build()
	assert.Error(t, err)
}

const denyAllPolicy = `package polisdao.authz

default decision := {"allow": false, "reason": "maintenance"}
`

func TestPolicyWatcherReloadsEngine(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, dir, "authz.rego", policy.DefaultModule)
	modules, err := policy.LoadModules(dir)
	require.NoError(t, err)
	engine, err := policy.NewEngine(ctx, policy.Options{Modules: modules})
	require.NoError(t, err)

	w, err := NewPolicyWatcher(dir, engine, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, w.Close()) }()

	req := domain.AuthzRequest{Operation: "treasury.CreateBudget", Actor: common.HexToAddress("0xa1")}
	require.NoError(t, engine.Authorize(ctx, req))

	writeFile(t, dir, "authz.rego", denyAllPolicy)
	require.Eventually(t, func() bool {
		n, _ := w.Reloads()
		return n >= 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.ErrorIs(t, engine.Authorize(ctx, req), policy.ErrDenied)

	gen := engine.Generation()
	writeFile(t, dir, "authz.rego", "package polisdao.authz\ndecision := {")
	require.Eventually(t, func() bool {
		_, err := w.Reloads()
		return err != nil
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, gen, engine.Generation(), "a broken module keeps the previous policy")
	assert.ErrorIs(t, engine.Authorize(ctx, req), policy.ErrDenied)
}

func TestPolicyWatcherIgnoresOtherFiles(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	dir := t.TempDir()
	rel := &countingReloader{}
	w, err := NewPolicyWatcher(dir, rel, nil)
	require.NoError(t, err)

	writeFile(t, dir, "notes.txt", "hello")
	time.Sleep(3 * defaultDebounce)
	n, _ := w.Reloads()
	assert.Zero(t, n)
	require.NoError(t, w.Close())
	assert.Zero(t, rel.calls)
}

func TestNewPolicyWatcherMissingDir(t *testing.T) {
	_, err := NewPolicyWatcher(filepath.Join(t.TempDir(), "absent"), &countingReloader{}, nil)
	assert.Error(t, err)
}

type countingReloader struct {
	calls int
}

func (r *countingReloader) Reload(context.Context, map[string]string) error {
	r.calls++
	return nil
}
