package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/yairfalse/cureiam/telemetry"
	"github.com/yairfalse/cureiam/types"
	"github.com/yairfalse/cureiam/wal"
)

type fakeApplier struct {
	calls int
	err   error
}

func (f *fakeApplier) Apply(context.Context, *types.Record) error {
	f.calls++
	return f.err
}

func scoredRecord(accountType, accountID, subtype, state string, safeScore int) *types.Record {
	member := accountType + ":" + accountID
	return &types.Record{
		Raw: &types.Recommendation{
			Name:               "projects/proj-a/locations/global/recommenders/google.iam.policy.Recommender/recommendations/r1",
			RecommenderSubtype: subtype,
			Etag:               `"abc"`,
			Project:            "proj-a",
			StateInfo:          types.StateInfo{State: state},
			Content: types.RecommendationContent{OperationGroups: []types.OperationGroup{{
				Operations: []types.Operation{{
					Action: "remove",
					Path:   types.MemberPathFilter,
					PathFilters: map[string]any{
						types.MemberPathFilter: member,
						types.RolePathFilter:   "roles/editor",
					},
				}},
			}}},
		},
		Processor: &types.ProcessorRecord{
			Project:             "proj-a",
			RecommendationID:    "rec-1",
			RecommenderSubtype:  subtype,
			RecommendationState: state,
			AccountType:         accountType,
			AccountID:           accountID,
		},
		Score: &types.ScoreBundle{
			SafeToApplyScore:        safeScore,
			SafeToApplyScoreFactors: 3,
			RiskScore:               40,
			RiskScoreFactors:        2,
			OverPrivilegeScore:      50,
		},
		ApplyRecommendation: &types.ApplyRecord{
			RecommendationID:    "rec-1",
			ProjectID:           "proj-a",
			AccountType:         accountType,
			AccountID:           accountID,
			SafeToApplyScore:    safeScore,
			RecommendationState: types.StateActive,
		},
		Com: map[string]string{"run_id": "run-1", "audit_version": "20240301_000000"},
	}
}

func enforcingConfig() Config {
	return Config{ModeScan: true, ModeEnforce: true}
}

func newTestEnforcer(cfg Config, applier Applier, opts ...Option) *Enforcer {
	opts = append([]Option{WithLogger(telemetry.NewNopLogger())}, opts...)
	return NewEnforcer(cfg, applier, opts...)
}

// Test a blocklisted service account is never applied even with a passing score
func TestEnforce_BlocklistedServiceAccount(t *testing.T) {
	cfg := enforcingConfig()
	cfg.BlocklistAccountTypes = []string{types.AccountTypeServiceAccount}
	cfg.AllowlistAccountTypes = []string{types.AccountTypeUser, types.AccountTypeGroup, types.AccountTypeServiceAccount}
	applier := &fakeApplier{}
	e := newTestEnforcer(cfg, applier)

	rec := scoredRecord(types.AccountTypeServiceAccount, "svc@proj-a.iam.gserviceaccount.com", types.SubtypeRemoveRole, types.StateActive, 999)
	event := e.Enforce(context.Background(), rec)

	assert.Equal(t, types.OutcomeDenied, event.Outcome)
	assert.Equal(t, "blocklist", event.Gate)
	assert.Zero(t, applier.calls)
	assert.Equal(t, int64(1), e.Counters().Denied)
}

// Test blocklist wins over allowlist membership
func TestEnforce_BlocklistBeatsAllowlist(t *testing.T) {
	cfg := enforcingConfig()
	cfg.AllowlistAccounts = []string{"alice@example.com"}
	cfg.BlocklistAccounts = []string{"alice@example.com"}
	applier := &fakeApplier{}
	e := newTestEnforcer(cfg, applier)

	event := e.Enforce(context.Background(), scoredRecord(types.AccountTypeUser, "alice@example.com", types.SubtypeRemoveRole, types.StateActive, 100))

	assert.Equal(t, types.OutcomeDenied, event.Outcome)
	assert.Equal(t, "blocklist", event.Gate)
	assert.Zero(t, applier.calls)
}

func TestEnforce_BlocklistedProject(t *testing.T) {
	cfg := enforcingConfig()
	cfg.AllowlistProjects = []string{"proj-a"}
	cfg.BlocklistProjects = []string{"proj-a"}
	e := newTestEnforcer(cfg, &fakeApplier{})

	event := e.Enforce(context.Background(), scoredRecord(types.AccountTypeUser, "alice@example.com", types.SubtypeRemoveRole, types.StateActive, 100))
	assert.Equal(t, "blocklist", event.Gate)
}

// Test scan-only mode reaches the decision but never calls the applier
func TestEnforce_ScanOnlyIsNoOp(t *testing.T) {
	cfg := Config{ModeScan: true}
	applier := &fakeApplier{}
	e := newTestEnforcer(cfg, applier)

	rec := scoredRecord(types.AccountTypeUser, "alice@example.com", types.SubtypeRemoveRole, types.StateActive, 100)
	event := e.Process(context.Background(), rec)

	assert.Equal(t, types.OutcomeScanOnly, event.Outcome)
	assert.Zero(t, applier.calls)
	assert.Equal(t, types.StateActive, rec.Raw.StateInfo.State)
	assert.Equal(t, 40, rec.Score.RiskScore)
	assert.Equal(t, int64(1), e.Counters().ScanOnly)
	assert.Zero(t, e.Counters().AppliedToday)
}

func TestProcess_AppliesAndMarksSucceeded(t *testing.T) {
	applier := &fakeApplier{}
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	e := newTestEnforcer(enforcingConfig(), applier, WithClock(func() time.Time { return now }))

	rec := scoredRecord(types.AccountTypeUser, "alice@example.com", types.SubtypeRemoveRole, types.StateActive, 100)
	event := e.Process(context.Background(), rec)

	require.Equal(t, types.OutcomeApplied, event.Outcome)
	assert.Equal(t, 1, applier.calls)
	assert.Equal(t, types.StateSucceeded, rec.Raw.StateInfo.State)
	assert.Equal(t, AppliedState, rec.ApplyRecommendation.RecommendationState)
	require.NotNil(t, rec.ApplyRecommendation.RecommendationAppliedTime)
	assert.Equal(t, now, *rec.ApplyRecommendation.RecommendationAppliedTime)
	assert.Zero(t, rec.Score.RiskScore)
	assert.Zero(t, rec.Score.OverPrivilegeScore)
	assert.Equal(t, 100, rec.Score.SafeToApplyScore)

	c := e.Counters()
	assert.Equal(t, int64(1), c.AppliedToday)
	assert.Zero(t, c.Applied)
}

// Test an API failure leaves the record untouched and counts as failed, not denied
func TestProcess_ApplyFailure(t *testing.T) {
	applier := &fakeApplier{err: errors.New("setIamPolicy: 403")}
	e := newTestEnforcer(enforcingConfig(), applier)

	rec := scoredRecord(types.AccountTypeUser, "alice@example.com", types.SubtypeRemoveRole, types.StateActive, 100)
	event := e.Process(context.Background(), rec)

	assert.Equal(t, types.OutcomeFailed, event.Outcome)
	assert.Contains(t, event.Error, "403")
	assert.Equal(t, types.StateActive, rec.Raw.StateInfo.State)
	assert.Equal(t, 40, rec.Score.RiskScore)
	assert.Nil(t, rec.ApplyRecommendation.RecommendationAppliedTime)

	c := e.Counters()
	assert.Equal(t, int64(1), c.Failed)
	assert.Zero(t, c.Denied)
}

func TestProcess_AlreadySucceeded(t *testing.T) {
	applier := &fakeApplier{}
	e := newTestEnforcer(enforcingConfig(), applier)

	rec := scoredRecord(types.AccountTypeGroup, "team@example.com", types.SubtypeReplaceRole, types.StateSucceeded, 10)
	event := e.Process(context.Background(), rec)

	assert.Equal(t, types.OutcomeAlreadySucceeded, event.Outcome)
	assert.Zero(t, rec.Score.RiskScore)
	assert.Zero(t, rec.Score.OverPrivilegeScore)
	assert.Zero(t, applier.calls)
	assert.Equal(t, int64(1), e.Counters().Applied)
}

func TestProcess_ScanDisabledSkips(t *testing.T) {
	applier := &fakeApplier{}
	e := newTestEnforcer(Config{ModeEnforce: true}, applier)

	event := e.Process(context.Background(), scoredRecord(types.AccountTypeUser, "a@example.com", types.SubtypeRemoveRole, types.StateActive, 100))
	assert.Equal(t, types.OutcomeSkipped, event.Outcome)
	assert.Zero(t, applier.calls)
}

func TestProcess_OtherStatesPassThrough(t *testing.T) {
	e := newTestEnforcer(enforcingConfig(), &fakeApplier{})

	rec := scoredRecord(types.AccountTypeUser, "a@example.com", types.SubtypeRemoveRole, types.StateDismissed, 100)
	event := e.Process(context.Background(), rec)

	assert.Equal(t, types.OutcomeSkipped, event.Outcome)
	assert.Equal(t, 40, rec.Score.RiskScore)
}

func TestEnforce_OwnerMentionVetoes(t *testing.T) {
	e := newTestEnforcer(enforcingConfig(), &fakeApplier{})

	rec := scoredRecord(types.AccountTypeUser, "a@example.com", types.SubtypeRemoveRole, types.StateActive, 100)
	rec.Raw.Content.OperationGroups[0].Operations[0].PathFilters[types.RolePathFilter] = "roles/owner"

	event := e.Enforce(context.Background(), rec)
	assert.Equal(t, types.OutcomeDenied, event.Outcome)
	assert.Equal(t, "subtype", event.Gate)
}

func TestEnforce_ServiceAccountSubtype(t *testing.T) {
	cfg := enforcingConfig()
	cfg.BlocklistAccountTypes = []string{}
	cfg.AllowlistAccountTypes = []string{types.AccountTypeServiceAccount}

	tests := []struct {
		subtype string
		want    types.EnforcementOutcome
	}{
		{types.SubtypeRemoveRole, types.OutcomeApplied},
		{types.SubtypeReplaceRole, types.OutcomeApplied},
		{"CHANGE_ROLE", types.OutcomeDenied},
	}

	for _, tt := range tests {
		t.Run(tt.subtype, func(t *testing.T) {
			e := newTestEnforcer(cfg, &fakeApplier{})
			rec := scoredRecord(types.AccountTypeServiceAccount, "svc@p.iam.gserviceaccount.com", tt.subtype, types.StateActive, 100)
			// an owner mention does not veto service accounts
			rec.Raw.Content.OperationGroups[0].Operations[0].PathFilters[types.RolePathFilter] = "roles/owner"

			assert.Equal(t, tt.want, e.Enforce(context.Background(), rec).Outcome)
		})
	}
}

func TestEnforce_MinScorePerAccountType(t *testing.T) {
	eighty := 80
	cfg := enforcingConfig()
	cfg.MinScoreGroup = &eighty
	e := newTestEnforcer(cfg, &fakeApplier{})

	group := e.Enforce(context.Background(), scoredRecord(types.AccountTypeGroup, "team@example.com", types.SubtypeRemoveRole, types.StateActive, 70))
	assert.Equal(t, types.OutcomeDenied, group.Outcome)
	assert.Equal(t, "min_score", group.Gate)

	user := e.Enforce(context.Background(), scoredRecord(types.AccountTypeUser, "a@example.com", types.SubtypeRemoveRole, types.StateActive, 70))
	assert.Equal(t, types.OutcomeApplied, user.Outcome)

	low := e.Enforce(context.Background(), scoredRecord(types.AccountTypeUser, "a@example.com", types.SubtypeRemoveRole, types.StateActive, 59))
	assert.Equal(t, "min_score", low.Gate)
}

func TestEnforce_Allowlists(t *testing.T) {
	cfg := enforcingConfig()
	cfg.AllowlistProjects = []string{"other-project"}
	e := newTestEnforcer(cfg, &fakeApplier{})

	event := e.Enforce(context.Background(), scoredRecord(types.AccountTypeUser, "a@example.com", types.SubtypeRemoveRole, types.StateActive, 100))
	assert.Equal(t, "allowlist", event.Gate)

	cfg = enforcingConfig()
	cfg.AllowlistAccounts = []string{"b@example.com"}
	e = newTestEnforcer(cfg, &fakeApplier{})
	event = e.Enforce(context.Background(), scoredRecord(types.AccountTypeUser, "a@example.com", types.SubtypeRemoveRole, types.StateActive, 100))
	assert.Equal(t, "allowlist", event.Gate)
}

func TestEnforce_DefaultAccountTypes(t *testing.T) {
	e := newTestEnforcer(enforcingConfig(), &fakeApplier{})

	event := e.Enforce(context.Background(), scoredRecord(types.AccountTypeServiceAccount, "svc@p.iam.gserviceaccount.com", types.SubtypeRemoveRole, types.StateActive, 100))
	assert.Equal(t, "blocklist", event.Gate)

	cfg := e.Config()
	assert.Equal(t, []string{types.AccountTypeUser, types.AccountTypeGroup}, cfg.AllowlistAccountTypes)
	assert.Equal(t, DefaultMinScore, cfg.MinScore(types.AccountTypeServiceAccount))
}

func TestEnforce_MissingSections(t *testing.T) {
	e := newTestEnforcer(enforcingConfig(), &fakeApplier{})

	rec := scoredRecord(types.AccountTypeUser, "a@example.com", types.SubtypeRemoveRole, types.StateActive, 100)
	rec.Score = nil

	event := e.Enforce(context.Background(), rec)
	assert.Equal(t, types.OutcomeFailed, event.Outcome)
}

func TestEnforce_Journal(t *testing.T) {
	dir := t.TempDir()
	journal, err := wal.Open(dir)
	require.NoError(t, err)

	e := newTestEnforcer(enforcingConfig(), &fakeApplier{}, WithJournal(journal))
	e.Enforce(context.Background(), scoredRecord(types.AccountTypeUser, "a@example.com", types.SubtypeRemoveRole, types.StateActive, 100))
	e.Enforce(context.Background(), scoredRecord(types.AccountTypeUser, "a@example.com", types.SubtypeRemoveRole, types.StateActive, 1))
	require.NoError(t, journal.Close())

	var entryTypes []wal.EntryType
	require.NoError(t, wal.Replay(dir, time.Time{}, func(entry *wal.Entry) error {
		entryTypes = append(entryTypes, entry.Type)
		return nil
	}))
	assert.Equal(t, []wal.EntryType{wal.EntryDecided, wal.EntryExecuting, wal.EntryExecuted, wal.EntryDenied}, entryTypes)
}

func TestEnforce_RegoVeto(t *testing.T) {
	veto, err := NewRegoVeto(context.Background(), map[string]string{
		"frozen.rego": `package cureiam.enforce

deny contains msg if {
	input.project == "proj-a"
	msg := "project is frozen"
}
`,
	})
	require.NoError(t, err)

	applier := &fakeApplier{}
	e := newTestEnforcer(enforcingConfig(), applier, WithVeto(veto))

	event := e.Enforce(context.Background(), scoredRecord(types.AccountTypeUser, "a@example.com", types.SubtypeRemoveRole, types.StateActive, 100))
	assert.Equal(t, types.OutcomeDenied, event.Outcome)
	assert.Equal(t, "rego", event.Gate)
	assert.Equal(t, "project is frozen", event.Reason)
	assert.Zero(t, applier.calls)
}

func TestRegoVeto_NoMatch(t *testing.T) {
	veto, err := NewRegoVeto(context.Background(), map[string]string{
		"frozen.rego": `package cureiam.enforce

deny contains msg if {
	input.account_type == "group"
	msg := "groups are reviewed by hand"
}
`,
	})
	require.NoError(t, err)

	reasons, err := veto.Deny(context.Background(), Candidate{AccountType: types.AccountTypeUser})
	require.NoError(t, err)
	assert.Empty(t, reasons)

	reasons, err = veto.Deny(context.Background(), Candidate{AccountType: types.AccountTypeGroup})
	require.NoError(t, err)
	assert.Equal(t, []string{"groups are reviewed by hand"}, reasons)
}

func TestNewRegoVeto_CompileError(t *testing.T) {
	_, err := NewRegoVeto(context.Background(), map[string]string{"bad.rego": "package cureiam.enforce\n\ndeny contains"})
	assert.Error(t, err)
}

func TestLoadRegoVeto_Empty(t *testing.T) {
	_, err := LoadRegoVeto(context.Background(), []string{t.TempDir()})
	assert.Error(t, err)
}

func TestEnforcementMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := newEnforcementMetricsWithProvider(provider)
	require.NoError(t, err)

	e := newTestEnforcer(enforcingConfig(), &fakeApplier{}, WithMetrics(metrics))
	e.Enforce(context.Background(), scoredRecord(types.AccountTypeUser, "a@example.com", types.SubtypeRemoveRole, types.StateActive, 100))
	e.Enforce(context.Background(), scoredRecord(types.AccountTypeUser, "a@example.com", types.SubtypeRemoveRole, types.StateActive, 1))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)
	require.Len(t, rm.ScopeMetrics[0].Metrics, 1)

	sum, ok := rm.ScopeMetrics[0].Metrics[0].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	assert.Equal(t, int64(2), total)
	assert.Len(t, sum.DataPoints, 2)
}
