package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/cureiam/internal/config"
	"github.com/yairfalse/cureiam/internal/daemon"
	"github.com/yairfalse/cureiam/internal/plugin"
	itelemetry "github.com/yairfalse/cureiam/internal/telemetry"
	"github.com/yairfalse/cureiam/orchestrator"
	"github.com/yairfalse/cureiam/storage"
	"github.com/yairfalse/cureiam/telemetry"
	"github.com/yairfalse/cureiam/types"
	"github.com/yairfalse/cureiam/wal"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	return out.String()
}

func TestPrintBaseConfig(t *testing.T) {
	out := execute(t, "-p")
	assert.Equal(t, config.BaseConfig(), out)
	assert.Contains(t, out, "schedule:")
}

func TestRouter(t *testing.T) {
	provider, err := itelemetry.NewProvider(context.Background(), config.OTELConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	status := daemon.HealthStatus{Status: "healthy", Runs: 2}
	router := newRouter(provider.Handler(), func() daemon.HealthStatus { return status })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var got daemon.HealthStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, int64(2), got.Runs)

	status = daemon.HealthStatus{Status: "degraded", LastError: "boom"}
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

type stubRunner struct {
	err  error
	cfgs []*config.Config
}

func (r *stubRunner) Run(_ context.Context, cfg *config.Config) (*orchestrator.RunResult, error) {
	r.cfgs = append(r.cfgs, cfg)
	if r.err != nil {
		return nil, r.err
	}
	return &orchestrator.RunResult{RunID: "run-1", AuditVersion: "20240301_103000", Audits: cfg.Run}, nil
}

func TestRunOnce(t *testing.T) {
	provider, err := itelemetry.NewProvider(context.Background(), config.OTELConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	cfg := &config.Config{Run: []string{"gcpiam"}}
	runner := &stubRunner{}
	require.NoError(t, runOnce(context.Background(), provider, runner, cfg, telemetry.NewNopLogger()))
	require.Len(t, runner.cfgs, 1)
	assert.Same(t, cfg, runner.cfgs[0])

	failing := &stubRunner{err: errors.New("boom")}
	err = runOnce(context.Background(), provider, failing, cfg, telemetry.NewNopLogger())
	assert.EqualError(t, err, "boom")
}

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

// Test a failed reload keeps the previous configuration
func TestConfigStore_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "CureIAM.yaml")
	writeConfig(t, path, "schedule: \"01:00\"\n")

	store, err := newConfigStore([]string{path}, plugin.NewRegistry())
	require.NoError(t, err)
	assert.Equal(t, "01:00", store.Get().Schedule)
	assert.Equal(t, []string{path}, store.Files())

	var results []error
	store.OnReload(func(err error) { results = append(results, err) })

	writeConfig(t, path, "schedule: \"02:30\"\n")
	require.NoError(t, store.Reload())
	assert.Equal(t, "02:30", store.Get().Schedule)

	writeConfig(t, path, "schedule: \"99:99\"\n")
	require.Error(t, store.Reload())
	assert.Equal(t, "02:30", store.Get().Schedule)

	require.Len(t, results, 2)
	assert.NoError(t, results[0])
	assert.Error(t, results[1])
}

func TestConfigStore_InvalidInitialConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "CureIAM.yaml")
	writeConfig(t, path, "run: [missing]\n")

	_, err := newConfigStore([]string{path}, plugin.NewRegistry())
	var cerr *plugin.ConfigurationError
	assert.True(t, errors.As(err, &cerr))
}

func TestReloader_Relevant(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "CureIAM.yaml")
	writeConfig(t, path, "schedule: \"01:00\"\n")

	store, err := newConfigStore([]string{path}, plugin.NewRegistry())
	require.NoError(t, err)
	r, err := newReloader(store, store.Files())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.watcher.Close() })

	assert.True(t, r.relevant(fsnotify.Event{Name: path, Op: fsnotify.Write}))
	assert.False(t, r.relevant(fsnotify.Event{Name: filepath.Join(dir, "other.yaml"), Op: fsnotify.Write}))
	assert.False(t, r.relevant(fsnotify.Event{Name: path, Op: fsnotify.Chmod}))
}

func TestHistoryCmd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cureiam.db")
	db, err := storage.NewMVCCStorage(path)
	require.NoError(t, err)
	_, err = db.PutRecord(&types.Record{
		Raw: &types.Recommendation{Name: "r1", Project: "proj-a", StateInfo: types.StateInfo{State: types.StateActive}},
		Processor: &types.ProcessorRecord{
			Project:          "proj-a",
			RecommendationID: "r1",
			AccountType:      types.AccountTypeUser,
			AccountID:        "alice@example.com",
		},
		Score: &types.ScoreBundle{RiskScore: 90, SafeToApplyScore: 95},
		Com:   map[string]string{"audit_version": "20240301_000000"},
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	out := execute(t, "history", "--db", path)
	assert.Contains(t, out, "RECOMMENDATION")
	assert.Contains(t, out, "user:alice@example.com")
	assert.Contains(t, out, "20240301_000000")

	out = execute(t, "history", "--db", path, "--project", "proj-b", "--json")
	assert.Equal(t, "null\n", out)
}

func TestJournalCmd(t *testing.T) {
	dir := t.TempDir()
	journal, err := wal.Open(dir)
	require.NoError(t, err)
	require.NoError(t, journal.Append(wal.EntryDenied, "r1", map[string]string{"gate": "blocklist"}))
	require.NoError(t, journal.AppendError(wal.EntryFailed, "r2", nil, errors.New("permission denied")))
	require.NoError(t, journal.Close())

	out := execute(t, "journal", "--dir", dir)
	assert.Contains(t, out, "denied")
	assert.Contains(t, out, "r1")
	assert.Contains(t, out, "error=permission denied")

	out = execute(t, "journal", "--dir", dir, "--type", "failed")
	assert.NotContains(t, out, "r1")
	assert.Contains(t, out, "r2")
}
