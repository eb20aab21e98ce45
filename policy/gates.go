package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/yairfalse/cureiam/types"
)

// Candidate is the view of a processed record the gates decide on
type Candidate struct {
	Project          string `json:"project"`
	RecommendationID string `json:"recommendation_id"`
	AccountType      string `json:"account_type"`
	AccountID        string `json:"account_id"`
	SuggestionType   string `json:"suggestion_type"`
	SafeToApplyScore int    `json:"safe_to_apply_score"`
	RiskScore        int    `json:"risk_score"`
	OperationGroups  string `json:"operation_groups"`
}

// CandidateFrom extracts a candidate from a processed record
func CandidateFrom(rec *types.Record) (Candidate, error) {
	if rec == nil || rec.Processor == nil || rec.Score == nil {
		return Candidate{}, fmt.Errorf("record has no processor or score section")
	}
	c := Candidate{
		Project:          rec.Processor.Project,
		RecommendationID: rec.Processor.RecommendationID,
		AccountType:      rec.Processor.AccountType,
		AccountID:        rec.Processor.AccountID,
		SuggestionType:   rec.Processor.RecommenderSubtype,
		SafeToApplyScore: rec.Score.SafeToApplyScore,
		RiskScore:        rec.Score.RiskScore,
	}
	if rec.Raw != nil {
		c.OperationGroups = rec.Raw.OperationGroupsText()
	}
	return c, nil
}

// GateResult is the verdict of one gate
type GateResult struct {
	Gate   string
	Passed bool
	Reason string
}

// GateFunc checks one condition a candidate must meet to be applied
type GateFunc func(ctx context.Context, cfg *Config, c Candidate) GateResult

// DefaultGates returns the gates in evaluation order. Blocklists run first
// so they win over any allowlist.
func DefaultGates() []GateFunc {
	return []GateFunc{
		checkBlocklist,
		checkAccountTypeAllowlist,
		checkAllowlists,
		checkMinScore,
		checkSubtype,
	}
}

func checkBlocklist(_ context.Context, cfg *Config, c Candidate) GateResult {
	r := GateResult{Gate: "blocklist", Passed: true}
	switch {
	case cfg.projects.Blocked(c.Project):
		r.Passed, r.Reason = false, "project is blocklisted"
	case cfg.accounts.Blocked(c.AccountID):
		r.Passed, r.Reason = false, "account is blocklisted"
	case cfg.accountTypes.Blocked(c.AccountType):
		r.Passed, r.Reason = false, fmt.Sprintf("account type %s is blocklisted", c.AccountType)
	}
	return r
}

func checkAccountTypeAllowlist(_ context.Context, cfg *Config, c Candidate) GateResult {
	r := GateResult{Gate: "account_type_allowlist", Passed: true}
	if !cfg.accountTypes.Allowed(c.AccountType) {
		r.Passed, r.Reason = false, fmt.Sprintf("account type %s is not allowlisted", c.AccountType)
	}
	return r
}

func checkAllowlists(_ context.Context, cfg *Config, c Candidate) GateResult {
	r := GateResult{Gate: "allowlist", Passed: true}
	switch {
	case !cfg.projects.Allowed(c.Project):
		r.Passed, r.Reason = false, "project is not allowlisted"
	case !cfg.accounts.Allowed(c.AccountID):
		r.Passed, r.Reason = false, "account is not allowlisted"
	}
	return r
}

func checkMinScore(_ context.Context, cfg *Config, c Candidate) GateResult {
	r := GateResult{Gate: "min_score", Passed: true}
	if minScore := cfg.MinScore(c.AccountType); c.SafeToApplyScore < minScore {
		r.Passed, r.Reason = false, fmt.Sprintf("safe to apply score %d below minimum %d", c.SafeToApplyScore, minScore)
	}
	return r
}

// checkSubtype only lets service account recommendations through when they
// remove or replace a role. Other principals are refused when the operation
// groups mention an owner role anywhere in their text.
func checkSubtype(_ context.Context, _ *Config, c Candidate) GateResult {
	r := GateResult{Gate: "subtype", Passed: true}
	if c.AccountType == types.AccountTypeServiceAccount {
		if c.SuggestionType != types.SubtypeRemoveRole && c.SuggestionType != types.SubtypeReplaceRole {
			r.Passed, r.Reason = false, fmt.Sprintf("service account recommendation of subtype %q", c.SuggestionType)
		}
		return r
	}
	// substring match over the whole text, not a structured role check
	if strings.Contains(c.OperationGroups, "owner") {
		r.Passed, r.Reason = false, "recommendation mentions an owner role"
	}
	return r
}
