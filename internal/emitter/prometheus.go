package emitter

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/cureiam/telemetry"
)

// PrometheusEmitter emits audit findings in Prometheus format via OTEL.
type PrometheusEmitter struct {
	meter metric.Meter

	riskScore     metric.Int64ObservableGauge
	safeScore     metric.Int64ObservableGauge
	auditDuration metric.Float64Histogram
	findingsTotal metric.Int64Counter
	changesTotal  metric.Int64Counter

	// State for the observable gauges, per audit key
	mu       sync.RWMutex
	findings map[string][]Finding
	trackers map[string]*DiffTracker

	logger *telemetry.Logger
}

// NewPrometheusEmitter creates an emitter on the global meter provider.
func NewPrometheusEmitter() (*PrometheusEmitter, error) {
	return newPrometheusEmitter(otel.Meter("cureiam"))
}

func newPrometheusEmitterWithProvider(provider metric.MeterProvider) (*PrometheusEmitter, error) {
	return newPrometheusEmitter(provider.Meter("cureiam"))
}

func newPrometheusEmitter(meter metric.Meter) (*PrometheusEmitter, error) {
	e := &PrometheusEmitter{
		meter:    meter,
		findings: make(map[string][]Finding),
		trackers: make(map[string]*DiffTracker),
		logger:   telemetry.NewLogger("prometheus-emitter"),
	}

	if err := e.initMetrics(); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	return e, nil
}

func (e *PrometheusEmitter) initMetrics() error {
	var err error

	e.riskScore, err = e.meter.Int64ObservableGauge(
		"cureiam_recommendation_risk_score",
		metric.WithDescription("Risk score of the latest audited recommendations"),
		metric.WithInt64Callback(e.observe(func(f Finding) int64 { return int64(f.RiskScore) })),
	)
	if err != nil {
		return fmt.Errorf("create risk_score gauge: %w", err)
	}

	e.safeScore, err = e.meter.Int64ObservableGauge(
		"cureiam_recommendation_safe_to_apply_score",
		metric.WithDescription("Safe to apply score of the latest audited recommendations"),
		metric.WithInt64Callback(e.observe(func(f Finding) int64 { return int64(f.SafeToApplyScore) })),
	)
	if err != nil {
		return fmt.Errorf("create safe_to_apply_score gauge: %w", err)
	}

	e.auditDuration, err = e.meter.Float64Histogram(
		"cureiam_store_audit_duration_seconds",
		metric.WithDescription("Time between the first and last record a store saw in an audit"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("create audit_duration histogram: %w", err)
	}

	e.findingsTotal, err = e.meter.Int64Counter(
		"cureiam_recommendations_total",
		metric.WithDescription("Total scored recommendations by state"),
	)
	if err != nil {
		return fmt.Errorf("create recommendations counter: %w", err)
	}

	e.changesTotal, err = e.meter.Int64Counter(
		"cureiam_recommendation_changes_total",
		metric.WithDescription("Total recommendation changes detected between audits"),
	)
	if err != nil {
		return fmt.Errorf("create recommendation_changes counter: %w", err)
	}

	return nil
}

// Emit records the audit result as metrics.
func (e *PrometheusEmitter) Emit(ctx context.Context, result AuditResult) error {
	keyAttr := attribute.String("audit_key", result.AuditKey)

	e.auditDuration.Record(ctx, result.Duration.Seconds(), metric.WithAttributes(keyAttr))

	byState := make(map[string]int64)
	for _, f := range result.Findings {
		byState[f.State]++
	}
	for state, n := range byState {
		e.findingsTotal.Add(ctx, n, metric.WithAttributes(keyAttr, attribute.String("state", state)))
	}

	e.mu.Lock()
	tracker, ok := e.trackers[result.AuditKey]
	if !ok {
		tracker = NewDiffTracker()
		e.trackers[result.AuditKey] = tracker
	}
	e.findings[result.AuditKey] = result.Findings
	e.mu.Unlock()

	e.emitDiffs(ctx, result.AuditKey, tracker.ComputeDiff(result.Findings))
	tracker.Update(result.Findings)

	e.logger.WithContext(ctx).Info().
		Str("audit_key", result.AuditKey).
		Int("recommendations", len(result.Findings)).
		Dur("duration", result.Duration).
		Msg("audit metrics published")

	return nil
}

// emitDiffs counts and logs changes. A nil slice is the baseline audit.
func (e *PrometheusEmitter) emitDiffs(ctx context.Context, auditKey string, diffs []Diff) {
	for _, diff := range diffs {
		e.changesTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("audit_key", auditKey),
			attribute.String("subtype", diff.Finding.Subtype),
			attribute.String("change_type", string(diff.Type)),
		))

		event := e.logger.WithContext(ctx).Info().
			Str("recommendation_id", diff.Finding.ID).
			Str("project", telemetry.Obfuscate(diff.Finding.Project)).
			Str("change", string(diff.Type))

		for field, change := range diff.Changes {
			event = event.
				Str(field+".from", change.Previous).
				Str(field+".to", change.Current)
		}

		event.Msg("recommendation changed")
	}
}

// observe builds a gauge callback reporting value for every current finding.
func (e *PrometheusEmitter) observe(value func(Finding) int64) metric.Int64Callback {
	return func(_ context.Context, o metric.Int64Observer) error {
		e.mu.RLock()
		defer e.mu.RUnlock()

		for auditKey, findings := range e.findings {
			for _, f := range findings {
				o.Observe(value(f), metric.WithAttributes(
					attribute.String("audit_key", auditKey),
					attribute.String("recommendation_id", f.ID),
					attribute.String("project", f.Project),
					attribute.String("account_type", f.AccountType),
					attribute.String("subtype", f.Subtype),
					attribute.String("state", f.State),
				))
			}
		}
		return nil
	}
}

// Close is a no-op for the Prometheus emitter.
func (e *PrometheusEmitter) Close() error {
	return nil
}
