package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-dao/internal/resilience"
	"github.com/polisai/polis-dao/pkg/domain"
)

const maxResponseBytes = 1 << 20

// HTTPConfig configures an HTTPSink.
type HTTPConfig struct {
	// Endpoint receives calls for every target without an entry in Targets.
	Endpoint string `yaml:"endpoint" toml:"endpoint" json:"endpoint"`
	// Targets maps a target address (hex) to its own endpoint.
	Targets map[string]string `yaml:"targets" toml:"targets" json:"targets"`
	// Headers are added to every request, e.g. an authorization token.
	Headers   map[string]string        `yaml:"headers" toml:"headers" json:"headers"`
	Timeout   time.Duration            `yaml:"timeout" toml:"timeout" json:"timeout"`
	Breaker   resilience.BreakerConfig `yaml:"breaker" toml:"breaker" json:"breaker"`
	RateLimit resilience.LimitConfig   `yaml:"rate_limit" toml:"rate_limit" json:"rate_limit"`
}

// Validate checks that every endpoint is an absolute http(s) URL.
func (c HTTPConfig) Validate() error {
	check := func(name, u string) error {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("%s: endpoint %q must be an http(s) URL", name, u)
		}
		return nil
	}
	if c.Endpoint != "" {
		if err := check("endpoint", c.Endpoint); err != nil {
			return err
		}
	}
	for target, u := range c.Targets {
		if !common.IsHexAddress(target) {
			return fmt.Errorf("targets: %q is not a hex address", target)
		}
		if err := check("targets."+target, u); err != nil {
			return err
		}
	}
	if c.Timeout < 0 {
		return errors.New("timeout must not be negative")
	}
	return nil
}

// CallEnvelope is the JSON body POSTed for each call.
type CallEnvelope struct {
	From      common.Address  `json:"from"`
	Target    common.Address  `json:"target"`
	Value     decimal.Decimal `json:"value"`
	Signature string          `json:"signature"`
	Payload   []byte          `json:"payload,omitempty"`
}

// HTTPSink delivers calls to external executors over HTTP. A call succeeds when
// the executor answers 2xx with a Result body whose ok field is true. There are
// no retries; a failed call is reported and the caller may execute again.
type HTTPSink struct {
	client   *http.Client
	endpoint string
	targets  map[common.Address]string
	headers  map[string]string
	breakers *resilience.BreakerSet
	limiter  *resilience.Limiter
	logger   *slog.Logger
}

// HTTPOption configures an HTTPSink.
type HTTPOption func(*HTTPSink)

// WithHTTPClient replaces the HTTP client. Its transport is used as is.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPSink) {
		if c != nil {
			s.client = c
		}
	}
}

// WithHTTPLogger sets the sink logger.
func WithHTTPLogger(l *slog.Logger) HTTPOption {
	return func(s *HTTPSink) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewHTTPSink creates a sink from cfg. The default client is traced with otelhttp.
func NewHTTPSink(cfg HTTPConfig, opts ...HTTPOption) (*HTTPSink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("http sink: %w", err)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	s := &HTTPSink{
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		endpoint: cfg.Endpoint,
		targets:  make(map[common.Address]string, len(cfg.Targets)),
		headers:  cfg.Headers,
		limiter:  resilience.NewLimiter(cfg.RateLimit, nil),
		logger:   slog.Default(),
	}
	for target, u := range cfg.Targets {
		s.targets[common.HexToAddress(target)] = u
	}
	for _, opt := range opts {
		opt(s)
	}
	breaker := cfg.Breaker
	if breaker == (resilience.BreakerConfig{}) {
		breaker = resilience.DefaultBreakerConfig()
	}
	s.breakers = resilience.NewBreakerSet(breaker)
	return s, nil
}

// Breakers exposes the per-target circuit breakers.
func (s *HTTPSink) Breakers() *resilience.BreakerSet {
	return s.breakers
}

// Invoke implements domain.ActionSink.
func (s *HTTPSink) Invoke(ctx context.Context, call domain.Call) domain.Result {
	endpoint, ok := s.targets[call.Target]
	if !ok {
		endpoint = s.endpoint
	}
	if endpoint == "" {
		return domain.Failure("no endpoint for target " + call.Target.Hex())
	}
	key := call.Target.Hex()
	if !s.limiter.Allow(key) {
		s.logger.Warn("Action call rate limited", "target", key)
		return domain.Failure("rate limited")
	}

	var res domain.Result
	err := s.breakers.Get(key).Do(ctx, func(ctx context.Context) error {
		var err error
		res, err = s.post(ctx, endpoint, call)
		return err
	})
	switch {
	case errors.Is(err, resilience.ErrOpen):
		s.logger.Warn("Action target circuit open", "target", key)
		return domain.Failure("target unavailable: circuit open")
	case err != nil:
		s.logger.Warn("Action call failed", "target", key, "endpoint", endpoint, "error", err)
		return domain.Failure(err.Error())
	}
	return res
}

// post returns an error only for transport-level failures, which count against
// the breaker. A well-formed failure reported by the executor is a Result.
func (s *HTTPSink) post(ctx context.Context, endpoint string, call domain.Call) (domain.Result, error) {
	body, err := json.Marshal(CallEnvelope{
		From:      call.From,
		Target:    call.Target,
		Value:     call.Value,
		Signature: call.Signature,
		Payload:   call.Payload,
	})
	if err != nil {
		return domain.Result{}, fmt.Errorf("encode call: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return domain.Result{}, fmt.Errorf("post call: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			s.logger.Debug("Failed to close response body", "error", cerr)
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return domain.Result{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return domain.Result{}, fmt.Errorf("executor returned status %d", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.Failure(fmt.Sprintf("executor rejected call: status %d", resp.StatusCode)), nil
	}

	var res domain.Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return domain.Result{}, fmt.Errorf("decode result: %w", err)
	}
	if !res.OK && res.Reason == "" {
		res.Reason = "executor reported failure"
	}
	return res, nil
}

var _ domain.ActionSink = (*HTTPSink)(nil)
