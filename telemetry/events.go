package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/cureiam/types"
)

// RecordEnforcementEvent adds an enforcement decision event to span
func RecordEnforcementEvent(span trace.Span, event types.EnforcementEvent) {
	if span == nil {
		return
	}

	span.AddEvent("iam.recommendation.enforcement", trace.WithAttributes(
		attribute.String("event.type", "iam.recommendation.enforcement"),
		attribute.String("recommendation.id", event.RecommendationID),
		attribute.String("project", Obfuscate(event.Project)),
		attribute.String("account.type", event.AccountType),
		attribute.Int("safe_to_apply_score", event.SafeToApplyScore),
		attribute.String("outcome", string(event.Outcome)),
		attribute.String("gate", event.Gate),
	))
}

// RecordAuditEvent adds an audit lifecycle event to span
func RecordAuditEvent(span trace.Span, auditKey, auditVersion, state string) {
	if span == nil {
		return
	}

	span.AddEvent("iam.audit."+state, trace.WithAttributes(
		attribute.String("event.type", "iam.audit."+state),
		attribute.String("audit.key", auditKey),
		attribute.String("audit.version", auditVersion),
	))
}
