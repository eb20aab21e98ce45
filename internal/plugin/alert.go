package plugin

import (
	"fmt"
	"slices"

	"github.com/yairfalse/cureiam/types"
)

// AlertParams select which processed records an alert sink reports. Alert
// sinks embed them with the mapstructure squash tag.
type AlertParams struct {
	MinRiskScore int      `mapstructure:"min_risk_score"`
	States       []string `mapstructure:"states"`
	Outcomes     []string `mapstructure:"outcomes"`
}

// Matches reports whether rec is a processed record worth alerting on
func (a AlertParams) Matches(rec *types.Record) bool {
	if rec == nil || rec.IsMarker() || rec.Processor == nil || rec.Score == nil {
		return false
	}
	if rec.Score.RiskScore < a.MinRiskScore {
		return false
	}
	if len(a.States) > 0 && !slices.Contains(a.States, rec.Processor.RecommendationState) {
		return false
	}
	if len(a.Outcomes) > 0 && !slices.Contains(a.Outcomes, rec.Ext[types.ExtEnforcementOutcome]) {
		return false
	}
	return true
}

// Alert is the payload alert sinks deliver
type Alert struct {
	AuditKey           string `json:"audit_key"`
	AuditVersion       string `json:"audit_version,omitempty"`
	RecommendationID   string `json:"recommendation_id"`
	Description        string `json:"description,omitempty"`
	Project            string `json:"project"`
	AccountType        string `json:"account_type"`
	AccountID          string `json:"account_id"`
	Subtype            string `json:"recommender_subtype"`
	State              string `json:"recommendation_state"`
	RiskScore          int    `json:"risk_score"`
	SafeToApplyScore   int    `json:"safe_to_apply_score"`
	OverPrivilegeScore int    `json:"over_privilege_score"`
	Outcome            string `json:"enforcement_outcome,omitempty"`
}

// NewAlert builds the alert of a processed record
func NewAlert(rec *types.Record) Alert {
	a := Alert{
		AuditKey:     rec.Com["audit_key"],
		AuditVersion: rec.Com["audit_version"],
		Outcome:      rec.Ext[types.ExtEnforcementOutcome],
	}
	if p := rec.Processor; p != nil {
		a.RecommendationID = p.RecommendationID
		a.Description = p.RecommendationDescription
		a.Project = p.Project
		a.AccountType = p.AccountType
		a.AccountID = p.AccountID
		a.Subtype = p.RecommenderSubtype
		a.State = p.RecommendationState
	}
	if s := rec.Score; s != nil {
		a.RiskScore = s.RiskScore
		a.SafeToApplyScore = s.SafeToApplyScore
		a.OverPrivilegeScore = s.OverPrivilegeScore
	}
	if rec.ApplyRecommendation != nil && rec.ApplyRecommendation.RecommendationState != "" {
		a.State = rec.ApplyRecommendation.RecommendationState
	}
	return a
}

// Subject is a one line summary for mail subjects and chat messages
func (a Alert) Subject() string {
	return fmt.Sprintf("[%s] %s %s:%s in %s (risk %d)",
		a.AuditKey, a.Subtype, a.AccountType, a.AccountID, a.Project, a.RiskScore)
}
