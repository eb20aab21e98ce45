package daemon

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SchedulerMetrics holds scheduler metrics using OTEL semantic conventions
type SchedulerMetrics struct {
	runs         metric.Int64Counter
	runDuration  metric.Float64Histogram
	nextRun      metric.Int64Gauge
	auditsPerRun metric.Int64Gauge
}

// NewSchedulerMetrics creates scheduler metrics on the global meter provider
func NewSchedulerMetrics() (*SchedulerMetrics, error) {
	return newSchedulerMetrics(otel.Meter("cureiam.scheduler"))
}

func newSchedulerMetricsWithProvider(provider metric.MeterProvider) (*SchedulerMetrics, error) {
	return newSchedulerMetrics(provider.Meter("cureiam.scheduler"))
}

func newSchedulerMetrics(meter metric.Meter) (*SchedulerMetrics, error) {
	runs, err := meter.Int64Counter(
		"cureiam.scheduler.runs",
		metric.WithDescription("Number of audit runs started by the scheduler"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram(
		"cureiam.scheduler.run.duration",
		metric.WithDescription("Duration of audit runs"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	nextRun, err := meter.Int64Gauge(
		"cureiam.scheduler.next_run",
		metric.WithDescription("Unix time of the next scheduled run"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	auditsPerRun, err := meter.Int64Gauge(
		"cureiam.scheduler.audits",
		metric.WithDescription("Number of audits in the last run"),
		metric.WithUnit("{audit}"),
	)
	if err != nil {
		return nil, err
	}

	return &SchedulerMetrics{
		runs:         runs,
		runDuration:  runDuration,
		nextRun:      nextRun,
		auditsPerRun: auditsPerRun,
	}, nil
}

// RecordRun records a finished run with its status
func (m *SchedulerMetrics) RecordRun(ctx context.Context, status string, audits int, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.runs.Add(ctx, 1, attrs)
	m.runDuration.Record(ctx, d.Seconds(), attrs)
	m.auditsPerRun.Record(ctx, int64(audits))
}

// RecordNextRun records when the scheduler will fire next
func (m *SchedulerMetrics) RecordNextRun(ctx context.Context, at time.Time) {
	if m == nil {
		return
	}
	m.nextRun.Record(ctx, at.Unix())
}
