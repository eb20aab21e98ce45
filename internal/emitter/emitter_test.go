package emitter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/yairfalse/cureiam/internal/plugin"
	"github.com/yairfalse/cureiam/telemetry"
	"github.com/yairfalse/cureiam/types"
)

// recordingEmitter implements Emitter for testing.
type recordingEmitter struct {
	results    []AuditResult
	closeCalls int
}

func (r *recordingEmitter) Emit(_ context.Context, result AuditResult) error {
	r.results = append(r.results, result)
	return nil
}

func (r *recordingEmitter) Close() error {
	r.closeCalls++
	return nil
}

func scored(id, state string, risk int) *types.Record {
	return &types.Record{
		Raw: &types.Recommendation{Name: id},
		Processor: &types.ProcessorRecord{
			Project:             "proj-a",
			RecommendationID:    id,
			RecommenderSubtype:  types.SubtypeRemoveRole,
			RecommendationState: state,
			AccountType:         types.AccountTypeUser,
			AccountID:           "alice@example.com",
		},
		Score: &types.ScoreBundle{RiskScore: risk, SafeToApplyScore: 95, OverPrivilegeScore: 95},
	}
}

func TestFindingFrom(t *testing.T) {
	rec := scored("r1", types.StateActive, 90)
	rec.ApplyRecommendation = &types.ApplyRecord{RecommendationState: "Applied"}

	f, ok := FindingFrom(rec)
	require.True(t, ok)
	assert.Equal(t, "Applied", f.State)
	assert.Equal(t, 90, f.RiskScore)

	_, ok = FindingFrom(&types.Record{Raw: &types.Recommendation{Name: "r1"}})
	assert.False(t, ok)
	_, ok = FindingFrom(types.NewMarker(types.RecordTypeEndAudit))
	assert.False(t, ok)
}

// Test the latest finding per recommendation is published on end_audit
func TestStore_PublishesOnEndAudit(t *testing.T) {
	rec := &recordingEmitter{}
	s := NewStore(rec, "gcpiam", telemetry.NewNopLogger())
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, types.NewMarker(types.RecordTypeBeginAudit)))
	require.NoError(t, s.Write(ctx, &types.Record{Raw: &types.Recommendation{Name: "r1"}}))
	require.NoError(t, s.Write(ctx, scored("r1", types.StateActive, 90)))
	require.NoError(t, s.Write(ctx, scored("r2", types.StateActive, 40)))
	require.NoError(t, s.Write(ctx, scored("r1", types.StateSucceeded, 0)))
	require.NoError(t, s.Write(ctx, types.NewMarker(types.RecordTypeEndAudit)))
	require.NoError(t, s.Shutdown(ctx))

	require.Len(t, rec.results, 1)
	got := rec.results[0]
	assert.Equal(t, "gcpiam", got.AuditKey)
	require.Len(t, got.Findings, 2)
	assert.Equal(t, "r1", got.Findings[0].ID)
	assert.Equal(t, types.StateSucceeded, got.Findings[0].State)
	assert.Equal(t, "r2", got.Findings[1].ID)
}

func TestStore_PublishesOnShutdownWithoutMarker(t *testing.T) {
	rec := &recordingEmitter{}
	s := NewStore(rec, "gcpiam", telemetry.NewNopLogger())
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, scored("r1", types.StateActive, 90)))
	require.NoError(t, s.Shutdown(ctx))

	require.Len(t, rec.results, 1)
	assert.Len(t, rec.results[0].Findings, 1)
}

func TestRegister(t *testing.T) {
	r := plugin.NewRegistry()
	Register(r)

	p, err := r.New(plugin.Env{AuditKey: "gcpiam", Logger: telemetry.NewNopLogger()}, plugin.Config{Plugin: StoreClass})
	require.NoError(t, err)
	_, ok := p.(plugin.Sink)
	assert.True(t, ok)

	_, err = r.New(plugin.Env{}, plugin.Config{Plugin: StoreClass, Params: map[string]any{"bogus": 1}})
	assert.Error(t, err)
}

func findMetric(t *testing.T, rm metricdata.ResourceMetrics, name string) metricdata.Metrics {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m
			}
		}
	}
	t.Fatalf("metric %s not found", name)
	return metricdata.Metrics{}
}

func TestPrometheusEmitter(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	e, err := newPrometheusEmitterWithProvider(provider)
	require.NoError(t, err)
	ctx := context.Background()

	first := AuditResult{AuditKey: "gcpiam", Duration: time.Second, Findings: []Finding{
		makeFinding("r1", types.StateActive, 90),
		makeFinding("r2", types.StateActive, 40),
	}}
	require.NoError(t, e.Emit(ctx, first))

	second := AuditResult{AuditKey: "gcpiam", Duration: time.Second, Findings: []Finding{
		makeFinding("r1", "Applied", 0),
	}}
	require.NoError(t, e.Emit(ctx, second))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	gauge, ok := findMetric(t, rm, "cureiam_recommendation_risk_score").Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, int64(0), gauge.DataPoints[0].Value)
	state, _ := gauge.DataPoints[0].Attributes.Value("state")
	assert.Equal(t, "Applied", state.AsString())

	changes, ok := findMetric(t, rm, "cureiam_recommendation_changes_total").Data.(metricdata.Sum[int64])
	require.True(t, ok)
	var total int64
	for _, dp := range changes.DataPoints {
		total += dp.Value
	}
	// r1 modified, r2 resolved
	assert.Equal(t, int64(2), total)

	found, ok := findMetric(t, rm, "cureiam_recommendations_total").Data.(metricdata.Sum[int64])
	require.True(t, ok)
	total = 0
	for _, dp := range found.DataPoints {
		total += dp.Value
	}
	assert.Equal(t, int64(3), total)

	require.NoError(t, e.Close())
}
