package policy

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-dao/pkg/domain"
	"github.com/polisai/polis-dao/pkg/telemetry"
)

const (
	// DefaultEntrypoint is the rule queried when Options.Entrypoint is empty.
	DefaultEntrypoint    = "polisdao/authz/decision"
	defaultCacheCapacity = 1024
)

// DefaultModule allows every operation. It is loaded when no policy is configured.
const DefaultModule = `package polisdao.authz

default decision := {"allow": true}
`

// Options control engine construction.
type Options struct {
	// Entrypoint is the decision path, e.g. "polisdao/authz/decision".
	Entrypoint string
	// Modules maps module names to Rego source. Empty selects DefaultModule.
	Modules map[string]string
	// CacheMaxEntries bounds the decision cache (LRU). Zero selects the default
	// size; negative disables caching.
	CacheMaxEntries int
	// Mode decides the outcome when evaluation fails.
	Mode   Mode
	Logger *slog.Logger
}

// Engine evaluates authorization decisions with an embedded OPA instance and
// implements domain.Guard.
//
// The decision rule yields either a boolean or an object {"allow": bool,
// "reason": string}. An undefined decision allows the operation.
type Engine struct {
	mu         sync.RWMutex
	entrypoint string
	prepared   *rego.PreparedEvalQuery
	modules    []string
	generation uint64

	cache  *decisionCache
	mode   Mode
	logger *slog.Logger
}

// NewEngine compiles the modules and prepares the decision query.
func NewEngine(ctx context.Context, opts Options) (*Engine, error) {
	entry := strings.Trim(strings.TrimSpace(opts.Entrypoint), "/")
	if entry == "" {
		entry = DefaultEntrypoint
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeFailClosed
	}
	if !mode.IsValid() {
		return nil, fmt.Errorf("policy engine: invalid failure mode %q", mode)
	}

	maxEntries := opts.CacheMaxEntries
	switch {
	case maxEntries == 0:
		maxEntries = defaultCacheCapacity
	case maxEntries < 0:
		maxEntries = 0
	}

	e := &Engine{
		entrypoint: entry,
		mode:       mode,
		logger:     opts.Logger,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if maxEntries > 0 {
		e.cache = newDecisionCache(maxEntries)
	}
	if err := e.Reload(ctx, opts.Modules); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload compiles modules and swaps them in. On error the previous policy
// stays active.
func (e *Engine) Reload(ctx context.Context, modules map[string]string) error {
	if len(modules) == 0 {
		modules = map[string]string{"default.rego": DefaultModule}
	}
	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)

	opts := make([]func(*rego.Rego), 0, len(names)+1)
	opts = append(opts, rego.Query("data."+strings.ReplaceAll(e.entrypoint, "/", ".")))
	for _, name := range names {
		module, err := ast.ParseModuleWithOpts(name, modules[name], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return fmt.Errorf("parse rego module %q: %w", name, err)
		}
		opts = append(opts, rego.ParsedModule(module))
	}
	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("compile rego modules: %w", err)
	}

	e.mu.Lock()
	e.prepared = &prepared
	e.modules = names
	e.generation++
	gen := e.generation
	e.mu.Unlock()

	if e.cache != nil {
		e.cache.Clear()
	}
	e.logger.Info("Authorization policy loaded", "modules", names, "generation", gen)
	return nil
}

// Modules returns the names of the loaded modules.
func (e *Engine) Modules() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.modules...)
}

// Generation counts successful loads.
func (e *Engine) Generation() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.generation
}

// Evaluate runs the decision query against input.
func (e *Engine) Evaluate(ctx context.Context, input Input) (Decision, error) {
	e.mu.RLock()
	prepared := e.prepared
	gen := e.generation
	e.mu.RUnlock()

	key, cacheable := e.cacheKey(gen, input)
	if cacheable {
		if dec, ok := e.cache.Get(key); ok {
			return dec, nil
		}
	}

	results, err := prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("opa decision: %w", err)
	}
	dec := Decision{Allow: true}
	if len(results) > 0 && len(results[0].Expressions) > 0 {
		dec, err = parseDecision(results[0].Expressions[0].Value)
		if err != nil {
			return Decision{}, err
		}
	}
	if cacheable {
		e.cache.Add(key, dec)
	}
	return dec, nil
}

// Authorize implements domain.Guard.
func (e *Engine) Authorize(ctx context.Context, req domain.AuthzRequest) error {
	ctx, span := telemetry.Tracer("policy").Start(ctx, "policy.authorize",
		trace.WithAttributes(attribute.String("authz.operation", req.Operation)))
	defer span.End()

	dec, err := e.Evaluate(ctx, InputFromRequest(req))
	if err != nil {
		span.RecordError(err)
		if e.mode == ModeFailOpen {
			e.logger.Warn("Authorization policy failed, allowing", "operation", req.Operation, "error", err)
			telemetry.RecordAuthzDecision(span, req.Operation, true, "evaluation failed")
			return nil
		}
		e.logger.Error("Authorization policy failed, denying", "operation", req.Operation, "error", err)
		telemetry.RecordAuthzDecision(span, req.Operation, false, "evaluation failed")
		span.SetStatus(codes.Error, "policy evaluation failed")
		return fmt.Errorf("%w: %w", errEvaluation, err)
	}

	telemetry.RecordAuthzDecision(span, req.Operation, dec.Allow, dec.Reason)
	if !dec.Allow {
		e.logger.Info("Operation denied by policy", "operation", req.Operation, "actor", req.Actor.Hex(), "reason", dec.Reason)
		return &DeniedError{Operation: req.Operation, Reason: dec.Reason}
	}
	return nil
}

func (e *Engine) cacheKey(gen uint64, input Input) (string, bool) {
	if e.cache == nil {
		return "", false
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return "", false
	}
	h := sha256.New()
	h.Write([]byte(strconv.FormatUint(gen, 10)))
	h.Write([]byte{0})
	h.Write(raw)
	return hex.EncodeToString(h.Sum(nil)), true
}

func parseDecision(value any) (Decision, error) {
	switch v := value.(type) {
	case bool:
		return Decision{Allow: v}, nil
	case map[string]any:
		dec := Decision{Allow: true}
		if raw, ok := v["allow"]; ok {
			allow, ok := raw.(bool)
			if !ok {
				return Decision{}, fmt.Errorf("opa decision: allow must be boolean, got %T", raw)
			}
			dec.Allow = allow
		}
		dec.Reason, _ = v["reason"].(string)
		return dec, nil
	default:
		return Decision{}, fmt.Errorf("opa decision: unexpected result type %T", value)
	}
}

// LoadModules reads every .rego file in dir.
func LoadModules(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read policy dir: %w", err)
	}
	modules := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".rego" {
			continue
		}
		src, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read policy %s: %w", entry.Name(), err)
		}
		modules[entry.Name()] = string(src)
	}
	if len(modules) == 0 {
		return nil, errors.New("no .rego modules in " + dir)
	}
	return modules, nil
}

type decisionCache struct {
	mu      sync.Mutex
	max     int
	order   *list.List
	entries map[string]*list.Element
}

type cacheItem struct {
	key   string
	value Decision
}

func newDecisionCache(capacity int) *decisionCache {
	return &decisionCache{
		max:     capacity,
		order:   list.New(),
		entries: make(map[string]*list.Element, capacity),
	}
}

func (c *decisionCache) Get(key string) (Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[key]
	if !ok {
		return Decision{}, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(cacheItem).value, true
}

func (c *decisionCache) Add(key string, value Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		elem.Value = cacheItem{key: key, value: value}
		c.order.MoveToFront(elem)
		return
	}
	c.entries[key] = c.order.PushFront(cacheItem{key: key, value: value})
	if c.order.Len() <= c.max {
		return
	}
	if tail := c.order.Back(); tail != nil {
		c.order.Remove(tail)
		delete(c.entries, tail.Value.(cacheItem).key)
	}
}

func (c *decisionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *decisionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.entries = make(map[string]*list.Element, c.max)
}

var _ domain.Guard = (*Engine)(nil)
