// Package metrics derives Prometheus metrics for DAO instances from the audit
// stream and instruments the admin HTTP server.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/polisai/polis-dao/pkg/audit"
)

// Collector holds the DAO metrics and their registry. It is an audit.Sink, so
// attaching it to an audit bus keeps the metrics in step with committed changes.
type Collector struct {
	membersActive     *prometheus.GaugeVec
	proposals         *prometheus.CounterVec
	votes             *prometheus.CounterVec
	transactions      *prometheus.CounterVec
	treasuryOutflow   *prometheus.CounterVec
	treasuryDeposits  *prometheus.CounterVec
	budgetSpent       *prometheus.GaugeVec
	parameterUpdates  *prometheus.CounterVec
	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewCollector creates a collector with its own registry, including the Go
// runtime and process collectors.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		membersActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "polisdao_members_active",
				Help: "Number of active members",
			},
			[]string{"instance"},
		),
		proposals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polisdao_proposals_total",
				Help: "Proposal lifecycle events by kind",
			},
			[]string{"instance", "event"},
		),
		votes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polisdao_votes_total",
				Help: "Votes cast by direction",
			},
			[]string{"instance", "direction"},
		),
		transactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polisdao_transactions_total",
				Help: "Treasury transaction lifecycle events by kind",
			},
			[]string{"instance", "event"},
		),
		treasuryOutflow: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polisdao_treasury_outflow_total",
				Help: "Native value paid out by executed transactions",
			},
			[]string{"instance"},
		),
		treasuryDeposits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polisdao_treasury_deposits_total",
				Help: "Value deposited by asset",
			},
			[]string{"instance", "asset"},
		),
		budgetSpent: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "polisdao_budget_spent",
				Help: "Amount accrued to each budget category",
			},
			[]string{"instance", "category"},
		),
		parameterUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polisdao_parameter_updates_total",
				Help: "Governance parameter updates",
			},
			[]string{"instance"},
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polisdao_http_requests_total",
				Help: "Admin API requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "polisdao_http_request_duration_seconds",
				Help:    "Admin API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		registry: registry,
	}

	registry.MustRegister(
		c.membersActive,
		c.proposals,
		c.votes,
		c.transactions,
		c.treasuryOutflow,
		c.treasuryDeposits,
		c.budgetSpent,
		c.parameterUpdates,
		c.httpRequestsTotal,
		c.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Write implements audit.Sink.
func (c *Collector) Write(_ context.Context, rec audit.Record) error {
	inst := rec.Instance
	switch rec.Type {
	case audit.MemberAdded:
		c.membersActive.WithLabelValues(inst).Inc()
	case audit.MemberRemoved:
		c.membersActive.WithLabelValues(inst).Dec()
	case audit.ProposalCreated, audit.ProposalExecuted, audit.ProposalExecutionFailed, audit.ProposalCanceled:
		c.proposals.WithLabelValues(inst, string(rec.Type)).Inc()
	case audit.ProposalVoted:
		c.votes.WithLabelValues(inst, rec.After["direction"]).Inc()
	case audit.TransactionCreated, audit.TransactionApproved, audit.TransactionFailed, audit.TransactionCanceled:
		c.transactions.WithLabelValues(inst, string(rec.Type)).Inc()
	case audit.TransactionExecuted:
		c.transactions.WithLabelValues(inst, string(rec.Type)).Inc()
		c.treasuryOutflow.WithLabelValues(inst).Add(amount(rec.After["value"]))
	case audit.DepositReceived:
		c.treasuryDeposits.WithLabelValues(inst, rec.EntityID).Add(amount(rec.After["amount"]))
	case audit.BudgetSpent:
		c.budgetSpent.WithLabelValues(inst, rec.EntityID).Set(amount(rec.After["spent"]))
	case audit.BudgetCreated:
		c.budgetSpent.WithLabelValues(inst, rec.EntityID).Set(0)
	case audit.ParametersUpdated:
		c.parameterUpdates.WithLabelValues(inst).Inc()
	}
	return nil
}

// Close implements audit.Sink.
func (c *Collector) Close() error {
	return nil
}

// amount converts a decimal string to a float sample. Unparseable values count as zero.
func amount(s string) float64 {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	f, _ := d.Float64()
	return f
}

// Registry returns the Prometheus registry, for components registering their own metrics.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns the Prometheus scrape handler.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency for next. endpoint maps a
// request to a bounded label value.
func (c *Collector) Middleware(endpoint func(*http.Request) string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		name := endpoint(r)
		c.httpRequestsTotal.WithLabelValues(r.Method, name, strconv.Itoa(wrapped.statusCode)).Inc()
		c.httpDuration.WithLabelValues(r.Method, name).Observe(time.Since(start).Seconds())
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

var _ audit.Sink = (*Collector)(nil)
