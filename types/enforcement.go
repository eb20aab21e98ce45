package types

import "time"

// EnforcementOutcome is the result of evaluating one recommendation
type EnforcementOutcome string

const (
	OutcomeApplied          EnforcementOutcome = "applied"
	OutcomeAlreadySucceeded EnforcementOutcome = "already_succeeded"
	OutcomeDenied           EnforcementOutcome = "denied"
	OutcomeFailed           EnforcementOutcome = "failed"
	OutcomeScanOnly         EnforcementOutcome = "scan_only"
	OutcomeSkipped          EnforcementOutcome = "skipped"
)

// EnforcementEvent records an enforcement decision for one recommendation
type EnforcementEvent struct {
	Timestamp        time.Time          `json:"timestamp"`
	RunID            string             `json:"run_id,omitempty"`
	AuditVersion     string             `json:"audit_version,omitempty"`
	RecommendationID string             `json:"recommendation_id"`
	Project          string             `json:"project"`
	AccountType      string             `json:"account_type"`
	AccountID        string             `json:"account_id"`
	SafeToApplyScore int                `json:"safe_to_apply_score"`
	Outcome          EnforcementOutcome `json:"outcome"`
	Gate             string             `json:"gate,omitempty"`
	Reason           string             `json:"reason,omitempty"`
	Error            string             `json:"error,omitempty"`
}

// Ext keys carrying the enforcement decision on a processed record
const (
	ExtEnforcementOutcome = "enforcement_outcome"
	ExtEnforcementGate    = "enforcement_gate"
	ExtEnforcementReason  = "enforcement_reason"
	ExtEnforcementError   = "enforcement_error"
)

// SetEnforcement stamps the decision of event onto the record
func (r *Record) SetEnforcement(event EnforcementEvent) {
	if r.Ext == nil {
		r.Ext = make(map[string]string, 4)
	}
	r.Ext[ExtEnforcementOutcome] = string(event.Outcome)
	for key, value := range map[string]string{
		ExtEnforcementGate:   event.Gate,
		ExtEnforcementReason: event.Reason,
		ExtEnforcementError:  event.Error,
	} {
		if value != "" {
			r.Ext[key] = value
		}
	}
}

// Enforcement rebuilds the enforcement event stamped on the record. Records
// never run through an enforcer have none.
func (r *Record) Enforcement(at time.Time) (EnforcementEvent, bool) {
	if r == nil || r.Ext[ExtEnforcementOutcome] == "" || r.Processor == nil {
		return EnforcementEvent{}, false
	}
	event := EnforcementEvent{
		Timestamp:        at,
		RunID:            r.Com["run_id"],
		AuditVersion:     r.Com["audit_version"],
		RecommendationID: r.Processor.RecommendationID,
		Project:          r.Processor.Project,
		AccountType:      r.Processor.AccountType,
		AccountID:        r.Processor.AccountID,
		Outcome:          EnforcementOutcome(r.Ext[ExtEnforcementOutcome]),
		Gate:             r.Ext[ExtEnforcementGate],
		Reason:           r.Ext[ExtEnforcementReason],
		Error:            r.Ext[ExtEnforcementError],
	}
	if r.ApplyRecommendation != nil {
		event.SafeToApplyScore = r.ApplyRecommendation.SafeToApplyScore
	}
	return event, true
}
