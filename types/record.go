package types

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// Record types carried in Ext["record_type"] by audit lifecycle markers
const (
	RecordTypeBeginAudit = "begin_audit"
	RecordTypeEndAudit   = "end_audit"
)

// Record is the unit of data flowing through an audit pipeline.
// Only Raw is set by sources; later stages add the other sections.
type Record struct {
	Raw                 *Recommendation   `json:"raw,omitempty" msgpack:"raw,omitempty"`
	Processor           *ProcessorRecord  `json:"processor,omitempty" msgpack:"processor,omitempty"`
	Score               *ScoreBundle      `json:"score,omitempty" msgpack:"score,omitempty"`
	ApplyRecommendation *ApplyRecord      `json:"apply_recommendation,omitempty" msgpack:"apply_recommendation,omitempty"`
	Com                 map[string]string `json:"com,omitempty" msgpack:"com,omitempty"`
	Ext                 map[string]string `json:"ext,omitempty" msgpack:"ext,omitempty"`
}

// ProcessorRecord holds the fields normalized out of a raw recommendation
type ProcessorRecord struct {
	Project                   string      `json:"project" msgpack:"project"`
	RecommendationID          string      `json:"recommendation_id" msgpack:"recommendation_id"`
	RecommendationDescription string      `json:"recommendation_description" msgpack:"recommendation_description"`
	RecommendationActions     []Operation `json:"recommendation_actions" msgpack:"recommendation_actions"`
	RecommenderSubtype        string      `json:"recommender_subtype" msgpack:"recommender_subtype"`
	RecommendationState       string      `json:"recommendation_state" msgpack:"recommendation_state"`
	AccountType               string      `json:"account_type" msgpack:"account_type"`
	AccountID                 string      `json:"account_id" msgpack:"account_id"`
	AccountTotalPermissions   *int        `json:"account_total_permissions" msgpack:"account_total_permissions"`
	AccountUsedPermissions    int         `json:"account_used_permissions" msgpack:"account_used_permissions"`
	InsightCategory           string      `json:"insight_category,omitempty" msgpack:"insight_category,omitempty"`
}

// Validate checks the identifying fields every processor section must carry
func (p *ProcessorRecord) Validate() error {
	switch {
	case p.Project == "":
		return fmt.Errorf("processor record: project is required")
	case p.RecommendationID == "":
		return fmt.Errorf("processor record: recommendation_id is required")
	case p.AccountType == "":
		return fmt.Errorf("processor record: account_type is required")
	case p.AccountID == "":
		return fmt.Errorf("processor record: account_id is required")
	}
	return nil
}

// ScoreBundle is the output of the scoring engine
type ScoreBundle struct {
	SafeToApplyScore        int `json:"safe_to_apply_recommendation_score" msgpack:"safe_to_apply_recommendation_score"`
	SafeToApplyScoreFactors int `json:"safe_to_apply_recommendation_score_factors" msgpack:"safe_to_apply_recommendation_score_factors"`
	RiskScore               int `json:"risk_score" msgpack:"risk_score"`
	RiskScoreFactors        int `json:"risk_score_factors" msgpack:"risk_score_factors"`
	OverPrivilegeScore      int `json:"over_privilege_score" msgpack:"over_privilege_score"`
}

// ApplyRecord is the enforcement bookkeeping attached to a processed record
type ApplyRecord struct {
	RecommendationID          string     `json:"recommendation_id" msgpack:"recommendation_id"`
	ProjectID                 string     `json:"project_id" msgpack:"project_id"`
	AccountType               string     `json:"account_type" msgpack:"account_type"`
	AccountID                 string     `json:"account_id" msgpack:"account_id"`
	SafeToApplyScore          int        `json:"safe_to_apply_score" msgpack:"safe_to_apply_score"`
	RecommendationState       string     `json:"recommendation_state" msgpack:"recommendation_state"`
	RecommendationAppliedTime *time.Time `json:"recommendation_applied_time,omitempty" msgpack:"recommendation_applied_time,omitempty"`
}

// NewMarker creates an audit lifecycle record with no payload
func NewMarker(recordType string) *Record {
	return &Record{
		Com: map[string]string{},
		Ext: map[string]string{"record_type": recordType},
	}
}

// RecordType returns the lifecycle record type, empty for data records
func (r *Record) RecordType() string {
	if r == nil || r.Ext == nil {
		return ""
	}
	return r.Ext["record_type"]
}

// IsMarker reports whether the record is an audit lifecycle marker
func (r *Record) IsMarker() bool {
	return r.RecordType() != ""
}

// MergeCom merges pipeline metadata into the record. Keys are added or
// overwritten, never removed.
func (r *Record) MergeCom(com map[string]string) {
	if r.Com == nil {
		r.Com = make(map[string]string, len(com))
	}
	maps.Copy(r.Com, com)
}

// Clone returns a deep copy of the record
func (r *Record) Clone() (*Record, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	var out Record
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return &out, nil
}

// Key returns a stable identifier for the record, preferring the
// recommendation name
func (r *Record) Key() string {
	switch {
	case r.Processor != nil && r.Processor.RecommendationID != "":
		return r.Processor.RecommendationID
	case r.Raw != nil && r.Raw.Name != "":
		return r.Raw.Name
	case r.IsMarker():
		return r.RecordType() + ":" + r.Com["audit_key"]
	}
	return ""
}
