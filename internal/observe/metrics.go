// Package observe provides the observability primitives of the ingestion
// service: OpenTelemetry metrics, tracing helpers, trace-aware logging and
// HTTP middleware.
//
// Metrics are recorded through the OpenTelemetry Metrics API and scraped
// through the Prometheus exporter bridge configured by [InitProvider].
// Tests should build their own instance with [NewMetrics] and a manual
// reader instead of using [DefaultMetrics].
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/epic-hq/Insights-sub011"

// Metrics holds all instruments. The OTel types handle their own
// synchronisation.
type Metrics struct {
	// StageDuration: attributes stage, outcome.
	StageDuration metric.Float64Histogram

	// ExtractionDuration: attribute mode (live, final).
	ExtractionDuration metric.Float64Histogram

	WebhookDuration     metric.Float64Histogram
	HTTPRequestDuration metric.Float64Histogram

	// StageOutcomes: attributes stage, outcome (done, retry, error, duplicate).
	StageOutcomes metric.Int64Counter

	// WebhookOutcomes: attribute outcome.
	WebhookOutcomes metric.Int64Counter

	// EvidenceActions: attribute action (new, update, skip, invalid).
	EvidenceActions metric.Int64Counter

	FramesSent    metric.Int64Counter
	FramesSkipped metric.Int64Counter

	// ProviderRequests: attributes provider, kind, status.
	ProviderRequests metric.Int64Counter

	// BreakerTransitions: attributes name, to.
	BreakerTransitions metric.Int64Counter

	ActiveRuns         metric.Int64UpDownCounter
	ActiveLiveSessions metric.Int64UpDownCounter
}

var (
	// Seconds; covers webhook handling through long transcodes.
	latencyBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 180, 600}
)

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}
	var err error

	hist := func(dst *metric.Float64Histogram, name, desc string) {
		if err != nil {
			return
		}
		*dst, err = m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
	}
	counter := func(dst *metric.Int64Counter, name, desc string) {
		if err != nil {
			return
		}
		*dst, err = m.Int64Counter(name, metric.WithDescription(desc))
	}
	gauge := func(dst *metric.Int64UpDownCounter, name, desc string) {
		if err != nil {
			return
		}
		*dst, err = m.Int64UpDownCounter(name, metric.WithDescription(desc))
	}

	hist(&met.StageDuration, "insights.pipeline.stage.duration", "Duration of one pipeline stage attempt.")
	hist(&met.ExtractionDuration, "insights.evidence.extraction.duration", "Latency of one evidence extraction call.")
	hist(&met.WebhookDuration, "insights.webhook.duration", "Transcription webhook handling latency.")
	hist(&met.HTTPRequestDuration, "insights.http.request.duration", "HTTP request latency by method and route.")

	counter(&met.StageOutcomes, "insights.pipeline.stage.outcomes", "Pipeline stage attempts by stage and outcome.")
	counter(&met.WebhookOutcomes, "insights.webhook.outcomes", "Transcription webhooks by outcome.")
	counter(&met.EvidenceActions, "insights.evidence.actions", "Extracted evidence candidates by action.")
	counter(&met.FramesSent, "insights.live.frames.sent", "PCM16 frames delivered to the transcription service.")
	counter(&met.FramesSkipped, "insights.live.frames.skipped", "Framer ticks skipped for insufficient audio.")
	counter(&met.ProviderRequests, "insights.provider.requests", "Provider API requests by provider, kind and status.")
	counter(&met.BreakerTransitions, "insights.breaker.transitions", "Circuit breaker state changes by breaker and target state.")

	gauge(&met.ActiveRuns, "insights.pipeline.active_runs", "Pipeline runs currently executing.")
	gauge(&met.ActiveLiveSessions, "insights.live.active_sessions", "Live capture sessions currently streaming.")

	if err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide instance backed by the global
// meter provider. It panics if instrument creation fails, which does not
// happen with the global provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordStage records one stage attempt.
func (m *Metrics) RecordStage(ctx context.Context, stage, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(Attr("stage", stage), Attr("outcome", outcome))
	m.StageDuration.Record(ctx, d.Seconds(), attrs)
	m.StageOutcomes.Add(ctx, 1, attrs)
}

// CountStageOutcome counts an outcome that has no duration, such as a
// retry or a rejected duplicate run.
func (m *Metrics) CountStageOutcome(ctx context.Context, stage, outcome string) {
	m.StageOutcomes.Add(ctx, 1, metric.WithAttributes(Attr("stage", stage), Attr("outcome", outcome)))
}

// RecordWebhook records one webhook delivery.
func (m *Metrics) RecordWebhook(ctx context.Context, outcome string, d time.Duration) {
	m.WebhookDuration.Record(ctx, d.Seconds(), metric.WithAttributes(Attr("outcome", outcome)))
	m.WebhookOutcomes.Add(ctx, 1, metric.WithAttributes(Attr("outcome", outcome)))
}

// RecordEvidenceActions adds n candidates classified as action.
func (m *Metrics) RecordEvidenceActions(ctx context.Context, action string, n int) {
	if n <= 0 {
		return
	}
	m.EvidenceActions.Add(ctx, int64(n), metric.WithAttributes(Attr("action", action)))
}

// RecordProviderRequest counts one provider call.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		Attr("provider", provider),
		Attr("kind", kind),
		Attr("status", status),
	))
}

// RecordBreakerTransition counts a circuit breaker state change. Its
// signature matches resilience.CircuitBreakerConfig.OnStateChange once the
// states are stringified.
func (m *Metrics) RecordBreakerTransition(name, to string) {
	m.BreakerTransitions.Add(context.Background(), 1, metric.WithAttributes(
		Attr("name", name),
		Attr("to", to),
	))
}
