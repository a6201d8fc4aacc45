// Package observe holds the OpenTelemetry metric instruments of the ingestion
// core. A Prometheus exporter bridge is installed by InitProvider so the
// instruments can be scraped from /metrics.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/yoockh/intraview"

// Metrics is safe for concurrent use.
type Metrics struct {
	// ModelLoads counts loader calls by kind and status (ok|error).
	ModelLoads metric.Int64Counter
	// ModelEvictions counts models torn down, by kind.
	ModelEvictions metric.Int64Counter
	// AbandonedCalls counts inference calls given up at their deadline.
	AbandonedCalls metric.Int64Counter
	// SlotWait is the time callers spend waiting for the model slot.
	SlotWait metric.Float64Histogram
	// InferenceDuration is per-call inference latency by kind and status.
	InferenceDuration metric.Float64Histogram

	// Fragments counts completed fragments by modality and outcome
	// (queued|skipped|rejected).
	Fragments metric.Int64Counter
	// ActiveChannels is the number of accepted realtime channels.
	ActiveChannels metric.Int64UpDownCounter
	// AnalysisRuns counts post-session analyses by status.
	AnalysisRuns metric.Int64Counter

	HTTPRequestDuration metric.Float64Histogram
}

var latencyBuckets = []float64{
	0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ModelLoads, err = m.Int64Counter("intraview.model.loads",
		metric.WithDescription("Model loads by kind and status."),
	); err != nil {
		return nil, err
	}
	if met.ModelEvictions, err = m.Int64Counter("intraview.model.evictions",
		metric.WithDescription("Model evictions by kind."),
	); err != nil {
		return nil, err
	}
	if met.AbandonedCalls, err = m.Int64Counter("intraview.model.abandoned_calls",
		metric.WithDescription("Inference calls abandoned at their deadline, by kind."),
	); err != nil {
		return nil, err
	}
	if met.SlotWait, err = m.Float64Histogram("intraview.model.slot_wait",
		metric.WithDescription("Time spent waiting for the model slot."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.InferenceDuration, err = m.Float64Histogram("intraview.inference.duration",
		metric.WithDescription("Inference latency by kind and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Fragments, err = m.Int64Counter("intraview.fragments",
		metric.WithDescription("Completed fragments by modality and outcome."),
	); err != nil {
		return nil, err
	}
	if met.ActiveChannels, err = m.Int64UpDownCounter("intraview.active_channels",
		metric.WithDescription("Accepted realtime channels."),
	); err != nil {
		return nil, err
	}
	if met.AnalysisRuns, err = m.Int64Counter("intraview.analysis.runs",
		metric.WithDescription("Post-session analyses by status."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("intraview.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns instruments on the global meter provider. It is a
// no-op recorder unless InitProvider ran first.
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

func (m *Metrics) RecordModelLoad(ctx context.Context, kind string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ModelLoads.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

func (m *Metrics) RecordEviction(ctx context.Context, kind string) {
	m.ModelEvictions.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) RecordAbandoned(ctx context.Context, kind string) {
	m.AbandonedCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) RecordSlotWait(ctx context.Context, kind string, d time.Duration) {
	m.SlotWait.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) RecordInference(ctx context.Context, kind, status string, d time.Duration) {
	m.InferenceDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

func (m *Metrics) RecordFragment(ctx context.Context, modality, outcome string) {
	m.Fragments.Add(ctx, 1, metric.WithAttributes(
		attribute.String("modality", modality),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) RecordAnalysis(ctx context.Context, status string) {
	m.AnalysisRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, route string, status int, d time.Duration) {
	m.HTTPRequestDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.Int("status", status),
	))
}

func (m *Metrics) RecordChannel(ctx context.Context, delta int64) {
	m.ActiveChannels.Add(ctx, delta)
}
