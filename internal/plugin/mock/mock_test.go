package mock

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/cureiam/internal/plugin"
	"github.com/yairfalse/cureiam/telemetry"
	"github.com/yairfalse/cureiam/types"
)

func TestLoad_FileAndInline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recs.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"name":"r1","project":"proj-a","stateInfo":{"state":"ACTIVE"}}]`), 0o600))

	recs, err := Load(Params{
		Path: path,
		Recommendations: []map[string]any{
			{"name": "r2", "project": "proj-b", "stateInfo": map[string]any{"state": "SUCCEEDED"}},
		},
	})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "r1", recs[0].Name)
	assert.Equal(t, types.StateSucceeded, recs[1].StateInfo.State)
	assert.Equal(t, "proj-b", recs[1].Project)
}

func TestLoad_BadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recs.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o600))

	_, err := Load(Params{Path: path})
	assert.Error(t, err)

	_, err = Load(Params{Path: filepath.Join(t.TempDir(), "missing.json")})
	assert.Error(t, err)
}

// Test each produced record is independent of the source's copy
func TestSource_ProduceCopies(t *testing.T) {
	src := NewSource([]types.Recommendation{{Name: "r1"}, {Name: "r2"}}, telemetry.NewNopLogger())

	var names []string
	for rec, err := range src.Produce(context.Background()) {
		require.NoError(t, err)
		names = append(names, rec.Raw.Name)
		rec.Raw.Name = "mutated"
	}
	assert.Equal(t, []string{"r1", "r2"}, names)
	assert.Equal(t, "r1", src.recs[0].Name)
}

func TestRegister(t *testing.T) {
	r := plugin.NewRegistry()
	Register(r)

	p, err := r.New(plugin.Env{Logger: telemetry.NewNopLogger()}, plugin.Config{
		Plugin: SourceClass,
		Params: map[string]any{"recommendations": []any{map[string]any{"name": "r1"}}},
	})
	require.NoError(t, err)
	_, ok := p.(plugin.Source)
	assert.True(t, ok)
}
