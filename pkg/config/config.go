// Package config provides configuration structures and loading logic for the
// polisdao service.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-dao/pkg/audit"
	"github.com/polisai/polis-dao/pkg/governance"
	"github.com/polisai/polis-dao/pkg/logging"
	"github.com/polisai/polis-dao/pkg/policy"
	"github.com/polisai/polis-dao/pkg/sink"
	"github.com/polisai/polis-dao/pkg/telemetry"
)

// EnvPrefix prefixes every environment override, e.g. POLISDAO_SERVER_ADMIN_ADDRESS.
const EnvPrefix = "POLISDAO"

// Config holds the global configuration of the service.
type Config struct {
	Server     ServerConfig          `yaml:"server" toml:"server" json:"server" envconfig:"SERVER"`
	Logging    logging.Config        `yaml:"logging" toml:"logging" json:"logging" envconfig:"LOG"`
	Telemetry  TelemetryConfig       `yaml:"telemetry" toml:"telemetry" json:"telemetry" envconfig:"TELEMETRY"`
	Governance governance.Parameters `yaml:"governance" toml:"governance" json:"governance" envconfig:"GOVERNANCE"`
	Treasury   TreasuryConfig        `yaml:"treasury" toml:"treasury" json:"treasury" envconfig:"TREASURY"`
	Audit      AuditConfig           `yaml:"audit" toml:"audit" json:"audit" envconfig:"AUDIT"`
	Policy     PolicyConfig          `yaml:"policy" toml:"policy" json:"policy" envconfig:"POLICY"`
	Bootstrap  BootstrapConfig       `yaml:"bootstrap" toml:"bootstrap" json:"bootstrap" envconfig:"BOOTSTRAP"`
}

// ServerConfig holds configuration for the admin HTTP server.
type ServerConfig struct {
	AdminAddress    string        `yaml:"admin_address" toml:"admin_address" json:"admin_address" split_words:"true"`
	ReadTimeout     time.Duration `yaml:"read_timeout" toml:"read_timeout" json:"read_timeout" split_words:"true"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout" json:"shutdown_timeout" split_words:"true"`
	TLS             TLSConfig     `yaml:"tls" toml:"tls" json:"tls" envconfig:"TLS"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	ServiceName  string            `yaml:"service_name" toml:"service_name" json:"service_name" split_words:"true"`
	OTLPEndpoint string            `yaml:"otlp_endpoint" toml:"otlp_endpoint" json:"otlp_endpoint" split_words:"true"`
	Environment  string            `yaml:"environment" toml:"environment" json:"environment"`
	Insecure     bool              `yaml:"insecure" toml:"insecure" json:"insecure"`
	Headers      map[string]string `yaml:"headers" toml:"headers" json:"headers"`
}

// Provider converts c to the telemetry bootstrap options.
func (c TelemetryConfig) Provider() telemetry.Config {
	return telemetry.Config{
		ServiceName: c.ServiceName,
		Endpoint:    c.OTLPEndpoint,
		Environment: c.Environment,
		Insecure:    c.Insecure,
		Headers:     c.Headers,
	}
}

// TreasuryConfig holds the ledger settings and the external executor.
type TreasuryConfig struct {
	ApprovalThreshold int    `yaml:"approval_threshold" toml:"approval_threshold" json:"approval_threshold" split_words:"true"`
	NativeSymbol      string `yaml:"native_symbol" toml:"native_symbol" json:"native_symbol" split_words:"true"`
	NativeDecimals    uint8  `yaml:"native_decimals" toml:"native_decimals" json:"native_decimals" split_words:"true"`
	// Sink delivers calls to targets outside the instance. Without an endpoint
	// such calls fail.
	Sink sink.HTTPConfig `yaml:"sink" toml:"sink" json:"sink" envconfig:"SINK"`
}

// AuditConfig selects the audit store.
type AuditConfig struct {
	// Backend is memory, sqlite or badger.
	Backend string `yaml:"backend" toml:"backend" json:"backend"`
	// Path is the sqlite file or badger directory. Empty keeps the data in memory.
	Path string `yaml:"path" toml:"path" json:"path"`
}

// PolicyConfig configures the Rego authorization policy.
type PolicyConfig struct {
	// Dir holds *.rego modules. Empty selects the built-in allow-all policy.
	Dir        string `yaml:"dir" toml:"dir" json:"dir"`
	Entrypoint string `yaml:"entrypoint" toml:"entrypoint" json:"entrypoint"`
	// Mode is fail-closed or fail-open.
	Mode      string `yaml:"mode" toml:"mode" json:"mode"`
	CacheSize int    `yaml:"cache_size" toml:"cache_size" json:"cache_size" split_words:"true"`
	// Watch reloads the policy when a module in Dir changes.
	Watch bool `yaml:"watch" toml:"watch" json:"watch"`
}

// Default returns the configuration used before the file and environment apply.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			AdminAddress:    ":19090",
			ReadTimeout:     10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
		},
		Governance: governance.DefaultParameters(),
		Treasury: TreasuryConfig{
			ApprovalThreshold: 1,
			NativeSymbol:      "ETH",
			NativeDecimals:    18,
		},
		Audit: AuditConfig{
			Backend: audit.BackendMemory,
		},
		Policy: PolicyConfig{
			Entrypoint: policy.DefaultEntrypoint,
			Mode:       string(policy.ModeFailClosed),
		},
		Bootstrap: BootstrapConfig{
			Template: "flat",
		},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
// The format follows the extension: .toml, or YAML for anything else (JSON being
// a subset of YAML).
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	//nolint:gosec // Config file path is controlled by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("config file %s: unknown key %q", path, undecoded[0].String())
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	return nil
}

// Validate performs validation of the entire configuration.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	if err := c.Governance.Validate(); err != nil {
		return fmt.Errorf("governance configuration: %w", err)
	}
	if err := c.Treasury.Validate(); err != nil {
		return fmt.Errorf("treasury configuration: %w", err)
	}
	if err := c.Audit.Validate(); err != nil {
		return fmt.Errorf("audit configuration: %w", err)
	}
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("policy configuration: %w", err)
	}
	if err := c.Bootstrap.Validate(); err != nil {
		return fmt.Errorf("bootstrap configuration: %w", err)
	}
	return nil
}

// Validate performs validation of server configuration.
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.AdminAddress) == "" {
		c.AdminAddress = ":19090"
	}
	if c.ReadTimeout < 0 || c.ShutdownTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return c.TLS.Validate()
}

// Validate checks the ledger settings and the sink endpoints.
func (c *TreasuryConfig) Validate() error {
	if c.ApprovalThreshold < 1 {
		return fmt.Errorf("approval_threshold must be at least 1, got %d", c.ApprovalThreshold)
	}
	if strings.TrimSpace(c.NativeSymbol) == "" {
		return fmt.Errorf("native_symbol is required")
	}
	if err := c.Sink.Validate(); err != nil {
		return fmt.Errorf("sink: %w", err)
	}
	return nil
}

// Validate checks the backend name.
func (c *AuditConfig) Validate() error {
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	switch c.Backend {
	case "", audit.BackendMemory:
		c.Backend = audit.BackendMemory
		return nil
	case audit.BackendSQLite, audit.BackendBadger:
		return nil
	default:
		return fmt.Errorf("unknown backend %q, supported: memory, sqlite, badger", c.Backend)
	}
}

// Validate checks the failure mode and the module directory.
func (c *PolicyConfig) Validate() error {
	mode, err := policy.ParseMode(c.Mode)
	if err != nil {
		return err
	}
	c.Mode = string(mode)
	if strings.TrimSpace(c.Entrypoint) == "" {
		c.Entrypoint = policy.DefaultEntrypoint
	}
	if c.Watch && c.Dir == "" {
		return fmt.Errorf("watch requires dir")
	}
	if c.Dir != "" {
		info, err := os.Stat(c.Dir)
		if err != nil {
			return fmt.Errorf("dir: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("dir %s is not a directory", c.Dir)
		}
	}
	return nil
}
