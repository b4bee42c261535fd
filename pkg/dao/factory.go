// Package dao provisions DAO instances: a member registry, a governance engine and
// a treasury ledger wired to one audit bus and one action router, so that approved
// proposals can act on the instance's own components.
package dao

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/polisai/polis-dao/pkg/audit"
	"github.com/polisai/polis-dao/pkg/domain"
	"github.com/polisai/polis-dao/pkg/governance"
	"github.com/polisai/polis-dao/pkg/registry"
	"github.com/polisai/polis-dao/pkg/sink"
	"github.com/polisai/polis-dao/pkg/treasury"
	"github.com/polisai/polis-dao/pkg/votingpower"
)

const entityInstance = "dao"

// Component labels used to derive instance addresses.
const (
	labelRegistry   = "registry"
	labelGovernance = "governance"
	labelTreasury   = "treasury"
)

// StoreOpener opens the audit store of a new instance.
type StoreOpener func(instanceID string) (audit.Store, error)

// Factory creates and tracks DAO instances.
type Factory struct {
	mu        sync.RWMutex
	templates map[string]Template
	instances map[uuid.UUID]*Instance
	order     []uuid.UUID

	external   domain.ActionSink
	guard      domain.Guard
	openStore  StoreOpener
	shared     []audit.Sink
	registerer prometheus.Registerer
	logger     *slog.Logger
	now        domain.Clock
}

// Option configures a Factory.
type Option func(*Factory)

// WithExternalSink routes calls to targets outside the instance, such as treasury
// payouts, to s.
func WithExternalSink(s domain.ActionSink) Option {
	return func(f *Factory) { f.external = s }
}

// WithGuard installs the policy veto hook on every component.
func WithGuard(g domain.Guard) Option {
	return func(f *Factory) { f.guard = g }
}

// WithStoreOpener gives every instance its own audit store.
func WithStoreOpener(open StoreOpener) Option {
	return func(f *Factory) { f.openStore = open }
}

// WithAuditSinks adds sinks shared by every instance. The factory closes them.
func WithAuditSinks(sinks ...audit.Sink) Option {
	return func(f *Factory) { f.shared = append(f.shared, sinks...) }
}

// WithRegisterer exposes audit bus metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(f *Factory) { f.registerer = reg }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Factory) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithClock overrides the time source of every component.
func WithClock(c domain.Clock) Option {
	return func(f *Factory) {
		if c != nil {
			f.now = c
		}
	}
}

// WithTemplate registers an additional template, replacing one with the same id.
func WithTemplate(t Template) Option {
	return func(f *Factory) { f.templates[t.ID()] = t }
}

// NewFactory creates a factory with the flat and weighted templates.
func NewFactory(opts ...Option) *Factory {
	f := &Factory{
		templates: map[string]Template{
			TemplateFlat:     flatTemplate{},
			TemplateWeighted: weightedTemplate{},
		},
		instances: make(map[uuid.UUID]*Instance),
		logger:    slog.Default(),
		now:       domain.SystemClock(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Templates lists the registered template ids in sorted order.
func (f *Factory) Templates() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ids := make([]string, 0, len(f.templates))
	for id := range f.templates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Create provisions an instance from templateID and cfg. Seeds are applied by the
// founder, so each one appears in the audit stream.
func (f *Factory) Create(ctx context.Context, templateID string, cfg Config) (*Instance, error) {
	const op = "dao.Create"
	f.mu.RLock()
	tmpl, ok := f.templates[templateID]
	f.mu.RUnlock()
	if !ok {
		return nil, domain.EntityError(domain.ErrNotFound, op, "template", templateID, "unknown template")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	id := uuid.New()
	logger := f.logger.With("instance", id.String())
	inst := &Instance{
		ID:         id,
		Name:       cfg.Name,
		Template:   templateID,
		CreatedAt:  f.now(),
		registry:   componentAddress(id, labelRegistry),
		governance: componentAddress(id, labelGovernance),
		treasury:   componentAddress(id, labelTreasury),
	}

	sinks := make([]audit.Sink, 0, len(f.shared)+1)
	if f.openStore != nil {
		store, err := f.openStore(id.String())
		if err != nil {
			return nil, fmt.Errorf("open audit store for %s: %w", id, err)
		}
		inst.Store = store
		sinks = append(sinks, store)
	}
	for _, s := range f.shared {
		sinks = append(sinks, keepOpen{s})
	}
	busOpts := []audit.BusOption{
		audit.WithInstance(id.String()),
		audit.WithLogger(logger),
		audit.WithSinks(sinks...),
		audit.WithClock(f.now),
	}
	if f.registerer != nil {
		busOpts = append(busOpts, audit.WithRegisterer(f.registerer))
	}
	inst.Audit = audit.NewBus(busOpts...)

	if err := f.assemble(ctx, inst, tmpl, cfg, logger); err != nil {
		if cerr := inst.Close(); cerr != nil {
			logger.Warn("Closing partially provisioned instance failed", "error", cerr)
		}
		return nil, err
	}

	f.mu.Lock()
	f.instances[id] = inst
	f.order = append(f.order, id)
	f.mu.Unlock()
	logger.Info("DAO instance created",
		"name", cfg.Name,
		"template", templateID,
		"founder", cfg.Founder.Hex(),
		"governance", inst.governance.Hex(),
		"treasury", inst.treasury.Hex(),
	)
	return inst, nil
}

func (f *Factory) assemble(ctx context.Context, inst *Instance, tmpl Template, cfg Config, logger *slog.Logger) error {
	power, err := tmpl.VotingPower(cfg)
	if err != nil {
		return fmt.Errorf("template %s: %w", tmpl.ID(), err)
	}
	if book, ok := power.(*votingpower.StakeBook); ok {
		inst.Stakes = book
	}

	inst.Router = sink.NewRouter(
		sink.WithFallback(f.external),
		sink.WithRouterLogger(logger),
	)

	inst.Registry, err = registry.New(cfg.Founder,
		registry.WithGovernance(inst.governance),
		registry.WithGuard(f.guard),
		registry.WithAudit(inst.Audit),
		registry.WithLogger(logger),
		registry.WithClock(f.now),
	)
	if err != nil {
		return err
	}

	engineOpts := []governance.Option{
		governance.WithParameters(cfg.Governance),
		governance.WithGuard(f.guard),
		governance.WithAudit(inst.Audit),
		governance.WithLogger(logger),
		governance.WithClock(f.now),
	}
	if power != nil {
		engineOpts = append(engineOpts, governance.WithVotingPower(power))
	}
	inst.Governance, err = governance.NewEngine(inst.governance, inst.Registry, inst.Router, engineOpts...)
	if err != nil {
		return err
	}

	ledgerOpts := []treasury.Option{
		treasury.WithGovernance(inst.governance),
		treasury.WithGuard(f.guard),
		treasury.WithAudit(inst.Audit),
		treasury.WithLogger(logger),
		treasury.WithClock(f.now),
	}
	if cfg.ApprovalThreshold > 0 {
		ledgerOpts = append(ledgerOpts, treasury.WithApprovalThreshold(cfg.ApprovalThreshold))
	}
	if cfg.NativeSymbol != "" {
		ledgerOpts = append(ledgerOpts, treasury.WithNativeSymbol(cfg.NativeSymbol, cfg.NativeDecimals))
	}
	inst.Treasury, err = treasury.New(inst.treasury, inst.Registry, inst.Router, ledgerOpts...)
	if err != nil {
		return err
	}

	inst.Router.Register(inst.registry, registryTarget(inst.Registry, logger))
	inst.Router.Register(inst.governance, governanceTarget(inst.Governance, logger))
	inst.Router.Register(inst.treasury, treasuryTarget(inst.Treasury, logger))

	return seed(ctx, inst, cfg)
}

func seed(ctx context.Context, inst *Instance, cfg Config) error {
	founder := cfg.Founder
	for _, m := range cfg.Members {
		if err := inst.Registry.AddMember(ctx, founder, m.Address, m.Tier); err != nil {
			return fmt.Errorf("seed member %s: %w", m.Address.Hex(), err)
		}
	}
	for _, a := range cfg.Assets {
		if err := inst.Treasury.AddAsset(ctx, founder, a.Token, a.Symbol, a.Decimals); err != nil {
			return fmt.Errorf("seed asset %s: %w", a.Token.Hex(), err)
		}
	}
	for _, b := range cfg.Budgets {
		if err := inst.Treasury.CreateBudget(ctx, founder, b.Category, b.Allocation, b.Period); err != nil {
			return fmt.Errorf("seed budget %s: %w", b.Category, err)
		}
	}
	for _, d := range cfg.Deposits {
		if err := inst.Treasury.Deposit(ctx, founder, d.Token, d.Amount); err != nil {
			return fmt.Errorf("seed deposit of %s: %w", d.Token.Hex(), err)
		}
	}
	return nil
}

// Instance returns the instance with id.
func (f *Factory) Instance(id uuid.UUID) (*Instance, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	inst, ok := f.instances[id]
	if !ok {
		return nil, domain.EntityError(domain.ErrNotFound, "dao.Instance", entityInstance, id.String(), "")
	}
	return inst, nil
}

// Instances lists instances in creation order.
func (f *Factory) Instances() []*Instance {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*Instance, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.instances[id])
	}
	return out
}

// Close closes every instance and the shared sinks.
func (f *Factory) Close() error {
	f.mu.Lock()
	instances := f.instances
	order := f.order
	f.instances = make(map[uuid.UUID]*Instance)
	f.order = nil
	f.mu.Unlock()

	var errs []error
	for _, id := range order {
		if err := instances[id].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, s := range f.shared {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close shared audit sink: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Instance is one provisioned DAO.
type Instance struct {
	ID        uuid.UUID
	Name      string
	Template  string
	CreatedAt time.Time

	Registry   *registry.Registry
	Governance *governance.Engine
	Treasury   *treasury.Ledger
	Router     *sink.Router
	Audit      *audit.Bus
	// Store is nil unless the factory has a store opener.
	Store audit.Store
	// Stakes is set for the weighted template.
	Stakes *votingpower.StakeBook

	registry   common.Address
	governance common.Address
	treasury   common.Address

	closeOnce sync.Once
	closeErr  error
}

// Addresses are the identities of an instance's components.
type Addresses struct {
	Registry   common.Address `json:"registry"`
	Governance common.Address `json:"governance"`
	Treasury   common.Address `json:"treasury"`
}

// Addresses returns the component addresses. Proposal actions target these.
func (i *Instance) Addresses() Addresses {
	return Addresses{Registry: i.registry, Governance: i.governance, Treasury: i.treasury}
}

// Close closes the audit bus and the instance store.
func (i *Instance) Close() error {
	i.closeOnce.Do(func() {
		if i.Audit != nil {
			i.closeErr = i.Audit.Close()
		}
	})
	return i.closeErr
}

// componentAddress derives a stable address for label within instance id.
func componentAddress(id uuid.UUID, label string) common.Address {
	return common.BytesToAddress(crypto.Keccak256(id[:], []byte(label)))
}

// keepOpen shields a shared sink from the bus closing it.
type keepOpen struct {
	audit.Sink
}

func (keepOpen) Close() error { return nil }
