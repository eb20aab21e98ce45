package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecommendation() *Recommendation {
	return &Recommendation{
		Name:               "projects/123/locations/global/recommenders/google.iam.policy.Recommender/recommendations/abc",
		RecommenderSubtype: SubtypeRemoveRole,
		Project:            "proj-a",
		StateInfo:          StateInfo{State: StateActive},
		Content: RecommendationContent{
			OperationGroups: []OperationGroup{{
				Operations: []Operation{{
					Action:       "remove",
					ResourceType: "cloudresourcemanager.googleapis.com/Project",
					Path:         "/iamPolicy/bindings/*/members/*",
					PathFilters: map[string]any{
						RolePathFilter:   "roles/editor",
						MemberPathFilter: "user:alice@example.com",
					},
				}},
			}},
		},
	}
}

func TestRecord_MergeComNeverRemoves(t *testing.T) {
	rec := &Record{Raw: sampleRecommendation()}

	rec.MergeCom(map[string]string{"audit_key": "a1", "origin_type": "cloud"})
	rec.MergeCom(map[string]string{"target_type": "store"})

	assert.Equal(t, "a1", rec.Com["audit_key"])
	assert.Equal(t, "cloud", rec.Com["origin_type"])
	assert.Equal(t, "store", rec.Com["target_type"])
}

func TestRecord_CloneIsDeep(t *testing.T) {
	total := 10
	rec := &Record{
		Raw:       sampleRecommendation(),
		Processor: &ProcessorRecord{Project: "proj-a", AccountTotalPermissions: &total},
		Com:       map[string]string{"audit_key": "a1"},
	}

	clone, err := rec.Clone()
	require.NoError(t, err)

	clone.Raw.StateInfo.State = StateSucceeded
	clone.Com["audit_key"] = "changed"
	*clone.Processor.AccountTotalPermissions = 99

	assert.Equal(t, StateActive, rec.Raw.StateInfo.State)
	assert.Equal(t, "a1", rec.Com["audit_key"])
	assert.Equal(t, 10, total)
}

func TestRecord_Markers(t *testing.T) {
	m := NewMarker(RecordTypeBeginAudit)
	assert.True(t, m.IsMarker())
	assert.Nil(t, m.Raw)
	assert.Equal(t, RecordTypeBeginAudit, m.RecordType())

	data := &Record{Raw: sampleRecommendation()}
	assert.False(t, data.IsMarker())
}

func TestRecommendation_Principal(t *testing.T) {
	typ, id, ok := sampleRecommendation().Principal()
	require.True(t, ok)
	assert.Equal(t, AccountTypeUser, typ)
	assert.Equal(t, "alice@example.com", id)

	empty := &Recommendation{}
	_, _, ok = empty.Principal()
	assert.False(t, ok)
}

// Test the last remove operation wins across operation groups
func TestRecommendation_PrincipalLastRemove(t *testing.T) {
	remove := func(member string) Operation {
		return Operation{Action: "remove", PathFilters: map[string]any{MemberPathFilter: member}}
	}
	rec := &Recommendation{Content: RecommendationContent{OperationGroups: []OperationGroup{
		{Operations: []Operation{remove("user:alice@example.com"), {Action: "add", Value: "group:x@example.com"}}},
		{Operations: []Operation{remove("group:team@example.com"), remove("bogus")}},
	}}}

	typ, id, ok := rec.Principal()
	require.True(t, ok)
	assert.Equal(t, AccountTypeGroup, typ)
	assert.Equal(t, "team@example.com", id)
}

func TestInsightContent_Permissions(t *testing.T) {
	c := InsightContent{
		ExercisedPermissions:         []PermissionUsage{{Permission: "a"}, {Permission: "b"}},
		InferredPermissions:          []PermissionUsage{{Permission: "c"}},
		CurrentTotalPermissionsCount: "40",
	}
	assert.Equal(t, 3, c.UsedPermissions())

	total, err := c.TotalPermissions()
	require.NoError(t, err)
	assert.Equal(t, 40, total)

	total, err = InsightContent{}.TotalPermissions()
	require.NoError(t, err)
	assert.Zero(t, total)

	_, err = InsightContent{CurrentTotalPermissionsCount: "many"}.TotalPermissions()
	assert.Error(t, err)
}

func TestProcessorRecord_Validate(t *testing.T) {
	p := &ProcessorRecord{Project: "p", RecommendationID: "r", AccountType: "user", AccountID: "a"}
	assert.NoError(t, p.Validate())

	p.AccountID = ""
	assert.Error(t, p.Validate())
}

func TestRecommendation_OperationGroupsText(t *testing.T) {
	rec := sampleRecommendation()
	assert.Contains(t, rec.OperationGroupsText(), "roles/editor")
	assert.NotContains(t, rec.OperationGroupsText(), "owner")
}
