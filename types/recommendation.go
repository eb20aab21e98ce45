package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Recommendation states as reported by the recommender API
const (
	StateActive    = "ACTIVE"
	StateClaimed   = "CLAIMED"
	StateSucceeded = "SUCCEEDED"
	StateFailed    = "FAILED"
	StateDismissed = "DISMISSED"
)

// Recommender subtypes that drive scoring and service account gating
const (
	SubtypeRemoveRole  = "REMOVE_ROLE"
	SubtypeReplaceRole = "REPLACE_ROLE"
)

// Account types of IAM principals
const (
	AccountTypeUser           = "user"
	AccountTypeGroup          = "group"
	AccountTypeServiceAccount = "serviceAccount"
)

// MemberPathFilter is the path filter key naming the principal a remove
// operation targets
const MemberPathFilter = "/iamPolicy/bindings/*/members/*"

// RolePathFilter is the path filter key naming the role a remove operation targets
const RolePathFilter = "/iamPolicy/bindings/*/role"

// Recommendation mirrors the recommender v1 payload, plus the project the
// source fetched it from and its resolved insights
type Recommendation struct {
	Name               string                `json:"name"`
	Description        string                `json:"description,omitempty"`
	RecommenderSubtype string                `json:"recommenderSubtype,omitempty"`
	Priority           string                `json:"priority,omitempty"`
	LastRefreshTime    string                `json:"lastRefreshTime,omitempty"`
	Etag               string                `json:"etag,omitempty"`
	Content            RecommendationContent `json:"content"`
	StateInfo          StateInfo             `json:"stateInfo"`
	AssociatedInsights []InsightReference    `json:"associatedInsights,omitempty"`
	Project            string                `json:"project,omitempty"`
	Insights           []Insight             `json:"insights,omitempty"`
}

// RecommendationContent holds the operation groups of a recommendation
type RecommendationContent struct {
	OperationGroups []OperationGroup `json:"operationGroups,omitempty"`
}

// OperationGroup is a set of operations applied together
type OperationGroup struct {
	Operations []Operation `json:"operations,omitempty"`
}

// Operation is one remediation action against an IAM policy
type Operation struct {
	Action       string         `json:"action"`
	ResourceType string         `json:"resourceType,omitempty"`
	Resource     string         `json:"resource,omitempty"`
	Path         string         `json:"path,omitempty"`
	Value        any            `json:"value,omitempty"`
	PathFilters  map[string]any `json:"pathFilters,omitempty"`
}

// StringValue returns Value when it is a string
func (o Operation) StringValue() string {
	s, _ := o.Value.(string)
	return s
}

// PathFilter returns the string path filter stored under key
func (o Operation) PathFilter(key string) string {
	s, _ := o.PathFilters[key].(string)
	return s
}

// StateInfo holds the recommendation lifecycle state
type StateInfo struct {
	State         string            `json:"state"`
	StateMetadata map[string]string `json:"stateMetadata,omitempty"`
}

// InsightReference points at an insight by resource name
type InsightReference struct {
	Insight string `json:"insight"`
}

// Insight is the permission usage evidence behind a recommendation
type Insight struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Category    string         `json:"category,omitempty"`
	Content     InsightContent `json:"content"`
}

// InsightContent carries the permission usage counters
type InsightContent struct {
	ExercisedPermissions         []PermissionUsage `json:"exercisedPermissions,omitempty"`
	InferredPermissions          []PermissionUsage `json:"inferredPermissions,omitempty"`
	CurrentTotalPermissionsCount string            `json:"currentTotalPermissionsCount,omitempty"`
}

// PermissionUsage names one permission observed or inferred as used
type PermissionUsage struct {
	Permission string `json:"permission"`
}

// UsedPermissions returns the number of exercised plus inferred permissions
func (c InsightContent) UsedPermissions() int {
	return len(c.ExercisedPermissions) + len(c.InferredPermissions)
}

// TotalPermissions parses the total permission count. A missing count is 0.
func (c InsightContent) TotalPermissions() (int, error) {
	if c.CurrentTotalPermissionsCount == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(c.CurrentTotalPermissionsCount)
	if err != nil {
		return 0, fmt.Errorf("invalid currentTotalPermissionsCount %q: %w", c.CurrentTotalPermissionsCount, err)
	}
	return n, nil
}

// Actions returns the operations of the first operation group
func (r *Recommendation) Actions() []Operation {
	if len(r.Content.OperationGroups) == 0 {
		return nil
	}
	return r.Content.OperationGroups[0].Operations
}

// Principal returns the account type and id targeted by the last remove
// operation across all operation groups, e.g. "user:alice@example.com"
// becomes ("user", "alice@example.com")
func (r *Recommendation) Principal() (accountType, accountID string, ok bool) {
	for _, group := range r.Content.OperationGroups {
		for _, op := range group.Operations {
			if op.Action != "remove" {
				continue
			}
			member := op.PathFilter(MemberPathFilter)
			typ, id, found := strings.Cut(member, ":")
			if !found || typ == "" || id == "" {
				continue
			}
			accountType, accountID, ok = typ, id, true
		}
	}
	return accountType, accountID, ok
}

// OperationGroupsText returns the JSON text of the operation groups
func (r *Recommendation) OperationGroupsText() string {
	data, err := json.Marshal(r.Content.OperationGroups)
	if err != nil {
		return ""
	}
	return string(data)
}
