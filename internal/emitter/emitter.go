// Package emitter publishes audit results as Prometheus metrics via OTEL.
package emitter

import (
	"context"
	"time"

	"github.com/yairfalse/cureiam/types"
)

// Finding is the metric view of one scored recommendation
type Finding struct {
	ID                 string
	Project            string
	AccountType        string
	Subtype            string
	State              string
	RiskScore          int
	SafeToApplyScore   int
	OverPrivilegeScore int
}

// FindingFrom returns the finding of a processed record. Raw and marker
// records have none.
func FindingFrom(rec *types.Record) (Finding, bool) {
	if rec == nil || rec.Processor == nil || rec.Score == nil {
		return Finding{}, false
	}
	f := Finding{
		ID:                 rec.Processor.RecommendationID,
		Project:            rec.Processor.Project,
		AccountType:        rec.Processor.AccountType,
		Subtype:            rec.Processor.RecommenderSubtype,
		State:              rec.Processor.RecommendationState,
		RiskScore:          rec.Score.RiskScore,
		SafeToApplyScore:   rec.Score.SafeToApplyScore,
		OverPrivilegeScore: rec.Score.OverPrivilegeScore,
	}
	if rec.ApplyRecommendation != nil && rec.ApplyRecommendation.RecommendationState != "" {
		f.State = rec.ApplyRecommendation.RecommendationState
	}
	return f, f.ID != ""
}

// AuditResult is what one audit left in a store
type AuditResult struct {
	AuditKey string
	Findings []Finding
	Duration time.Duration
}

// Emitter publishes audit results
type Emitter interface {
	Emit(ctx context.Context, result AuditResult) error
	Close() error
}
