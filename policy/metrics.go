package policy

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/cureiam/types"
)

// EnforcementMetrics counts enforcement outcomes
type EnforcementMetrics struct {
	outcomes metric.Int64Counter
}

// NewEnforcementMetrics creates enforcement metrics on the global meter provider
func NewEnforcementMetrics() (*EnforcementMetrics, error) {
	return newEnforcementMetrics(otel.Meter("cureiam.enforcement"))
}

func newEnforcementMetricsWithProvider(provider metric.MeterProvider) (*EnforcementMetrics, error) {
	return newEnforcementMetrics(provider.Meter("cureiam.enforcement"))
}

func newEnforcementMetrics(meter metric.Meter) (*EnforcementMetrics, error) {
	outcomes, err := meter.Int64Counter(
		"cureiam.enforcement.outcomes",
		metric.WithDescription("Recommendations evaluated for enforcement, by outcome"),
		metric.WithUnit("{recommendation}"),
	)
	if err != nil {
		return nil, err
	}
	return &EnforcementMetrics{outcomes: outcomes}, nil
}

// RecordOutcome counts one enforcement outcome
func (m *EnforcementMetrics) RecordOutcome(ctx context.Context, outcome types.EnforcementOutcome, gate, accountType string) {
	if m == nil {
		return
	}
	m.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", string(outcome)),
		attribute.String("gate", gate),
		attribute.String("account.type", accountType),
	))
}
