package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	metricsOnce         sync.Once
	metricsInitErr      error
	invocationCounter   metric.Int64Counter
	invocationFailures  metric.Int64Counter
	invocationLatency   metric.Float64Histogram
	authzDenialsCounter metric.Int64Counter
)

// Invocation captures one call made by a component against an action target.
type Invocation struct {
	Component string
	Signature string
	Target    string
	OK        bool
	Duration  time.Duration
}

// RecordInvocation emits counters and a latency histogram for inv.
func RecordInvocation(ctx context.Context, inv Invocation) {
	if err := ensureMetrics(); err != nil {
		return
	}
	outcome := "ok"
	if !inv.OK {
		outcome = "failed"
	}
	attrs := metric.WithAttributes(
		attribute.String("component", inv.Component),
		attribute.String("action.signature", inv.Signature),
		attribute.String("action.outcome", outcome),
	)
	invocationCounter.Add(ctx, 1, attrs)
	if !inv.OK {
		invocationFailures.Add(ctx, 1, attrs)
	}
	if inv.Duration > 0 {
		invocationLatency.Record(ctx, float64(inv.Duration)/float64(time.Millisecond), attrs)
	}
}

// RecordAuthzDenial counts an operation vetoed by the policy guard.
func RecordAuthzDenial(ctx context.Context, operation string) {
	if err := ensureMetrics(); err != nil {
		return
	}
	authzDenialsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter(InstrumentationName)

		invocationCounter, metricsInitErr = meter.Int64Counter(
			"polisdao.action.invocations_total",
			metric.WithDescription("Action invocations partitioned by component and outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		invocationFailures, metricsInitErr = meter.Int64Counter(
			"polisdao.action.failures_total",
			metric.WithDescription("Action invocations reported as failed by their target"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		invocationLatency, metricsInitErr = meter.Float64Histogram(
			"polisdao.action.duration_ms",
			metric.WithDescription("Observed action invocation latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		authzDenialsCounter, metricsInitErr = meter.Int64Counter(
			"polisdao.authz.denials_total",
			metric.WithDescription("Operations vetoed by the authorization policy"),
			metric.WithUnit("{count}"),
		)
	})

	return metricsInitErr
}

// RecordAuthzDecision annotates span with a policy decision.
func RecordAuthzDecision(span trace.Span, operation string, allowed bool, reason string) {
	if span == nil || !span.IsRecording() {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("authz.operation", operation),
		attribute.Bool("authz.allowed", allowed),
	}
	if reason != "" {
		attrs = append(attrs, attribute.String("authz.reason", reason))
	}
	span.AddEvent("authz.decision", trace.WithAttributes(attrs...))
}
