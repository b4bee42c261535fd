package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

const subscriberQueueSize = 64

// SubscriberID identifies a subscription on the Bus.
type SubscriberID int

// Bus stamps records and delivers them to sinks and subscribers.
type Bus struct {
	instance string
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	seq   uint64
	sinks []Sink

	subMu     sync.RWMutex
	subs      map[SubscriberID]*subscriber
	lastSubID SubscriberID
	wg        sync.WaitGroup

	metrics *busMetrics
}

type subscriber struct {
	types  map[EventType]struct{}
	ch     chan Record
	mu     sync.RWMutex
	closed bool
}

func (s *subscriber) wants(t EventType) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// deliver never blocks the emitting component; a full queue drops the record for
// this subscriber only. Sinks, not subscribers, are the durable path.
func (s *subscriber) deliver(rec Record) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- rec:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

type busMetrics struct {
	recordsTotal *prometheus.CounterVec
	sinkErrors   *prometheus.CounterVec
	dropped      *prometheus.CounterVec
	subscribers  prometheus.Gauge
}

// BusOption customises a Bus.
type BusOption func(*Bus)

// WithInstance tags every record with the DAO instance id.
func WithInstance(id string) BusOption {
	return func(b *Bus) { b.instance = id }
}

// WithLogger sets the logger used to report sink failures.
func WithLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithSinks registers sinks that receive every record.
func WithSinks(sinks ...Sink) BusOption {
	return func(b *Bus) { b.sinks = append(b.sinks, sinks...) }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) BusOption {
	return func(b *Bus) { b.now = now }
}

// WithRegisterer exposes bus metrics on reg.
func WithRegisterer(reg prometheus.Registerer) BusOption {
	return func(b *Bus) {
		if reg != nil {
			b.initMetrics(reg)
		}
	}
}

// NewBus creates a Bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		logger: slog.Default(),
		now:    time.Now,
		subs:   make(map[SubscriberID]*subscriber),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) initMetrics(reg prometheus.Registerer) {
	m := &busMetrics{
		recordsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polisdao_audit_records_total",
			Help: "Audit records emitted by type",
		}, []string{"type"}),
		sinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polisdao_audit_sink_errors_total",
			Help: "Audit sink write failures",
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polisdao_audit_subscriber_dropped_total",
			Help: "Audit records dropped because a subscriber queue was full",
		}, []string{"type"}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "polisdao_audit_subscribers",
			Help: "Current audit stream subscribers",
		}),
	}
	m.recordsTotal = register(reg, m.recordsTotal)
	m.sinkErrors = register(reg, m.sinkErrors)
	m.dropped = register(reg, m.dropped)
	m.subscribers = register(reg, m.subscribers)
	b.metrics = m
}

// AddSink registers an additional sink.
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Emit stamps rec and delivers it. Sink failures are logged and counted; they never
// fail the operation that produced the record.
func (b *Bus) Emit(ctx context.Context, rec Record) {
	b.mu.Lock()
	b.seq++
	rec.Seq = b.seq
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = b.now()
	}
	if rec.Instance == "" {
		rec.Instance = b.instance
	}
	for _, s := range b.sinks {
		if err := s.Write(ctx, rec); err != nil {
			b.logger.Error("Audit sink write failed",
				"type", rec.Type,
				"seq", rec.Seq,
				"entity_id", rec.EntityID,
				"error", err,
			)
			if b.metrics != nil {
				b.metrics.sinkErrors.WithLabelValues(string(rec.Type)).Inc()
			}
		}
	}
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.recordsTotal.WithLabelValues(string(rec.Type)).Inc()
	}

	b.subMu.RLock()
	defer b.subMu.RUnlock()
	for id, sub := range b.subs {
		if !sub.wants(rec.Type) {
			continue
		}
		if !sub.deliver(rec) {
			b.logger.Warn("Audit subscriber queue full, dropping record",
				"subscriber", id,
				"type", rec.Type,
				"seq", rec.Seq,
			)
			if b.metrics != nil {
				b.metrics.dropped.WithLabelValues(string(rec.Type)).Inc()
			}
		}
	}
}

// Subscribe returns a channel receiving records of the given types (all types when
// none are given). The channel is closed by Unsubscribe or Close.
func (b *Bus) Subscribe(types ...EventType) (SubscriberID, <-chan Record) {
	sub := &subscriber{
		types: make(map[EventType]struct{}, len(types)),
		ch:    make(chan Record, subscriberQueueSize),
	}
	for _, t := range types {
		sub.types[t] = struct{}{}
	}

	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.lastSubID++
	id := b.lastSubID
	b.subs[id] = sub
	if b.metrics != nil {
		b.metrics.subscribers.Inc()
	}
	return id, sub.ch
}

// SubscribeFunc runs fn for every matching record on a dedicated goroutine.
func (b *Bus) SubscribeFunc(fn func(Record), types ...EventType) SubscriberID {
	id, ch := b.Subscribe(types...)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for rec := range ch {
			fn(rec)
		}
	}()
	return id
}

// Unsubscribe stops delivery to id and closes its channel.
func (b *Bus) Unsubscribe(id SubscriberID) {
	b.subMu.Lock()
	sub, ok := b.subs[id]
	delete(b.subs, id)
	b.subMu.Unlock()
	if !ok {
		return
	}
	sub.close()
	if b.metrics != nil {
		b.metrics.subscribers.Dec()
	}
}

// Close closes every subscriber, waits for SubscribeFunc goroutines and closes sinks.
func (b *Bus) Close() error {
	b.subMu.Lock()
	subs := b.subs
	b.subs = make(map[SubscriberID]*subscriber)
	b.subMu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
	if b.metrics != nil {
		b.metrics.subscribers.Set(0)
	}
	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for _, s := range b.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close audit sink: %w", err)
		}
	}
	b.sinks = nil
	return firstErr
}

// Seq returns the sequence number of the last emitted record.
func (b *Bus) Seq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// register adds c to reg, sharing an identical collector already registered by
// another bus on the same registry.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		slog.Warn("Audit metric registration failed", "error", err)
	}
	return c
}
