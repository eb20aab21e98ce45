package orchestrator

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// PipelineMetrics holds audit pipeline metrics using OTEL semantic conventions
type PipelineMetrics struct {
	recordsEmitted  metric.Int64Counter
	recordsConsumed metric.Int64Counter
	recordErrors    metric.Int64Counter
	workerFailures  metric.Int64Counter
	auditDuration   metric.Float64Histogram
}

// NewPipelineMetrics creates pipeline metrics on the global meter provider
func NewPipelineMetrics() (*PipelineMetrics, error) {
	return newPipelineMetrics(otel.Meter("cureiam.pipeline"))
}

func newPipelineMetricsWithProvider(provider metric.MeterProvider) (*PipelineMetrics, error) {
	return newPipelineMetrics(provider.Meter("cureiam.pipeline"))
}

func newPipelineMetrics(meter metric.Meter) (*PipelineMetrics, error) {
	recordsEmitted, err := meter.Int64Counter(
		"cureiam.pipeline.records.emitted",
		metric.WithDescription("Records pushed to downstream queues"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	recordsConsumed, err := meter.Int64Counter(
		"cureiam.pipeline.records.consumed",
		metric.WithDescription("Records popped and handled by transform and sink workers"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	recordErrors, err := meter.Int64Counter(
		"cureiam.pipeline.record.errors",
		metric.WithDescription("Records dropped after a processing error"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	workerFailures, err := meter.Int64Counter(
		"cureiam.pipeline.worker.failures",
		metric.WithDescription("Workers stopped because their plugin could not be constructed"),
		metric.WithUnit("{worker}"),
	)
	if err != nil {
		return nil, err
	}

	auditDuration, err := meter.Float64Histogram(
		"cureiam.audit.duration",
		metric.WithDescription("Duration of audits from start to last worker joined"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &PipelineMetrics{
		recordsEmitted:  recordsEmitted,
		recordsConsumed: recordsConsumed,
		recordErrors:    recordErrors,
		workerFailures:  workerFailures,
		auditDuration:   auditDuration,
	}, nil
}

func workerAttrs(audit string, kind Kind, key string) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("audit", audit),
		attribute.String("worker.kind", string(kind)),
		attribute.String("plugin", key),
	)
}

// RecordEmitted counts a record pushed by a source or transform worker
func (m *PipelineMetrics) RecordEmitted(ctx context.Context, audit string, kind Kind, key string) {
	if m == nil {
		return
	}
	m.recordsEmitted.Add(ctx, 1, workerAttrs(audit, kind, key))
}

// RecordConsumed counts a record popped by a transform, sink or alert worker
func (m *PipelineMetrics) RecordConsumed(ctx context.Context, audit string, kind Kind, key string) {
	if m == nil {
		return
	}
	m.recordsConsumed.Add(ctx, 1, workerAttrs(audit, kind, key))
}

// RecordError counts a dropped record
func (m *PipelineMetrics) RecordError(ctx context.Context, audit string, kind Kind, key string) {
	if m == nil {
		return
	}
	m.recordErrors.Add(ctx, 1, workerAttrs(audit, kind, key))
}

// RecordWorkerFailure counts a worker whose plugin failed to construct
func (m *PipelineMetrics) RecordWorkerFailure(ctx context.Context, audit string, kind Kind, key string) {
	if m == nil {
		return
	}
	m.workerFailures.Add(ctx, 1, workerAttrs(audit, kind, key))
}

// RecordAuditDuration records how long an audit took
func (m *PipelineMetrics) RecordAuditDuration(ctx context.Context, audit string, seconds float64) {
	if m == nil {
		return
	}
	m.auditDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("audit", audit)))
}
