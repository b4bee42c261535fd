package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned when the breaker rejects a call without attempting it.
var ErrOpen = errors.New("circuit breaker is open")

// State is the breaker position.
type State string

const (
	// StateClosed lets calls through and counts failures.
	StateClosed State = "closed"
	// StateOpen rejects calls until the open timeout elapses.
	StateOpen State = "open"
	// StateHalfOpen lets a limited number of probe calls through.
	StateHalfOpen State = "half-open"
)

// BreakerConfig defines when a breaker opens and how it recovers.
type BreakerConfig struct {
	// MaxFailures opens the breaker after this many consecutive failures. Zero disables it.
	MaxFailures int `yaml:"max_failures" toml:"max_failures" json:"max_failures"`
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration `yaml:"open_timeout" toml:"open_timeout" json:"open_timeout"`
	// HalfOpenProbes is the number of successful probes needed to close again.
	HalfOpenProbes int `yaml:"half_open_probes" toml:"half_open_probes" json:"half_open_probes"`
	// Window is the look-back for rate-based evaluation, split into Buckets.
	Window  time.Duration `yaml:"window" toml:"window" json:"window"`
	Buckets int           `yaml:"buckets" toml:"buckets" json:"buckets"`
	// FailureRate is the percentage (0-100) of failed calls in Window that opens the breaker.
	FailureRate float64 `yaml:"failure_rate" toml:"failure_rate" json:"failure_rate"`
	// MinSamples is the number of calls in Window required before FailureRate applies.
	MinSamples int `yaml:"min_samples" toml:"min_samples" json:"min_samples"`
}

// DefaultBreakerConfig returns the defaults used for external targets.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures:    5,
		OpenTimeout:    30 * time.Second,
		HalfOpenProbes: 1,
		Window:         time.Minute,
		Buckets:        6,
		FailureRate:    50,
		MinSamples:     10,
	}
}

func (c BreakerConfig) normalized() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.MaxFailures < 0 {
		c.MaxFailures = 0
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = d.OpenTimeout
	}
	if c.HalfOpenProbes <= 0 {
		c.HalfOpenProbes = d.HalfOpenProbes
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.Buckets <= 0 {
		c.Buckets = d.Buckets
	}
	if c.FailureRate < 0 {
		c.FailureRate = 0
	}
	if c.MinSamples < 0 {
		c.MinSamples = 0
	}
	return c
}

// Breaker is a circuit breaker over a rolling window of call outcomes.
type Breaker struct {
	mu     sync.Mutex
	cfg    BreakerConfig
	now    func() time.Time
	state  State
	window rollingWindow

	consecutiveFailures int
	probesInFlight      int
	probeSuccesses      int
	openUntil           time.Time
	lastChange          time.Time

	onChange func(from, to State)
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithBreakerClock replaces the wall clock.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// OnStateChange registers fn to be called, under the breaker lock, on every transition.
func OnStateChange(fn func(from, to State)) BreakerOption {
	return func(b *Breaker) {
		b.onChange = fn
	}
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig, opts ...BreakerOption) *Breaker {
	cfg = cfg.normalized()
	b := &Breaker{cfg: cfg, now: time.Now, state: StateClosed}
	for _, opt := range opts {
		opt(b)
	}
	b.window = newRollingWindow(cfg.Window, cfg.Buckets)
	b.lastChange = b.now()
	return b
}

// Do runs fn unless the breaker is open. fn's error counts as a failure.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.acquire(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err == nil)
	return err
}

func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Before(b.openUntil) {
			return ErrOpen
		}
		b.transitionLocked(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if b.probesInFlight >= b.cfg.HalfOpenProbes {
			return ErrOpen
		}
		b.probesInFlight++
	}
	return nil
}

func (b *Breaker) record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.window.add(now, ok)
	if ok {
		b.consecutiveFailures = 0
	} else {
		b.consecutiveFailures++
	}

	switch b.state {
	case StateHalfOpen:
		b.probesInFlight--
		if !ok {
			b.transitionLocked(StateOpen)
			return
		}
		b.probeSuccesses++
		if b.probeSuccesses >= b.cfg.HalfOpenProbes {
			b.transitionLocked(StateClosed)
		}
	case StateClosed:
		if !ok && b.cfg.MaxFailures > 0 && b.consecutiveFailures >= b.cfg.MaxFailures {
			b.transitionLocked(StateOpen)
			return
		}
		if b.cfg.FailureRate <= 0 {
			return
		}
		calls, failures := b.window.totals(now)
		if calls == 0 || calls < b.cfg.MinSamples {
			return
		}
		if float64(failures)*100/float64(calls) >= b.cfg.FailureRate {
			b.transitionLocked(StateOpen)
		}
	}
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	now := b.now()
	b.state = to
	b.lastChange = now
	b.consecutiveFailures = 0
	b.probesInFlight = 0
	b.probeSuccesses = 0
	switch to {
	case StateOpen:
		b.openUntil = now.Add(b.cfg.OpenTimeout)
		b.window.reset()
	case StateHalfOpen, StateClosed:
		b.openUntil = time.Time{}
		b.window.reset()
	}
	if b.onChange != nil {
		b.onChange(from, to)
	}
}

// State returns the current position. An open breaker whose timeout has elapsed
// still reports open until the next call probes it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// BreakerStats is a point-in-time view of a breaker.
type BreakerStats struct {
	State       State     `json:"state"`
	Calls       int       `json:"calls"`
	Failures    int       `json:"failures"`
	FailureRate float64   `json:"failure_rate"`
	LastChange  time.Time `json:"last_change"`
}

// Stats reports the window totals.
func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	calls, failures := b.window.totals(b.now())
	st := BreakerStats{State: b.state, Calls: calls, Failures: failures, LastChange: b.lastChange}
	if calls > 0 {
		st.FailureRate = float64(failures) * 100 / float64(calls)
	}
	return st
}

// Reset closes the breaker and clears its window.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(StateClosed)
	b.window.reset()
}

type bucket struct {
	start    time.Time
	calls    int
	failures int
}

// rollingWindow approximates a sliding window with fixed time buckets.
type rollingWindow struct {
	span    time.Duration
	width   time.Duration
	buckets []bucket
}

func newRollingWindow(span time.Duration, n int) rollingWindow {
	width := span / time.Duration(n)
	if width <= 0 {
		width = time.Second
	}
	return rollingWindow{span: span, width: width, buckets: make([]bucket, n)}
}

func (w *rollingWindow) add(now time.Time, ok bool) {
	start := now.Truncate(w.width)
	idx := int(start.UnixNano()/int64(w.width)) % len(w.buckets)
	if idx < 0 {
		idx += len(w.buckets)
	}
	b := &w.buckets[idx]
	if !b.start.Equal(start) {
		*b = bucket{start: start}
	}
	b.calls++
	if !ok {
		b.failures++
	}
}

func (w *rollingWindow) totals(now time.Time) (calls, failures int) {
	for _, b := range w.buckets {
		if b.calls == 0 || now.Sub(b.start) >= w.span {
			continue
		}
		calls += b.calls
		failures += b.failures
	}
	return calls, failures
}

func (w *rollingWindow) reset() {
	for i := range w.buckets {
		w.buckets[i] = bucket{}
	}
}

// BreakerSet keeps one breaker per key, created on first use.
type BreakerSet struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	opts     []BreakerOption
	breakers map[string]*Breaker
}

// NewBreakerSet creates an empty set whose breakers share cfg and opts.
func NewBreakerSet(cfg BreakerConfig, opts ...BreakerOption) *BreakerSet {
	return &BreakerSet{cfg: cfg, opts: opts, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for key.
func (s *BreakerSet) Get(key string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[key]
	if !ok {
		b = NewBreaker(s.cfg, s.opts...)
		s.breakers[key] = b
	}
	return b
}

// Stats returns the stats of every breaker in the set.
func (s *BreakerSet) Stats() map[string]BreakerStats {
	s.mu.Lock()
	breakers := make(map[string]*Breaker, len(s.breakers))
	for k, b := range s.breakers {
		breakers[k] = b
	}
	s.mu.Unlock()

	out := make(map[string]BreakerStats, len(breakers))
	for k, b := range breakers {
		out[k] = b.Stats()
	}
	return out
}
