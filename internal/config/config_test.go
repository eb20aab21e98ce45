package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/cureiam/internal/plugin"
)

const validConfig = `
plugins:
  gcpcloud:
    plugin: test.source
    params:
      key_file_path: /etc/cureiam/key.json
  gcpprocessor:
    plugin: test.processor
    params:
      mode_scan: true
  filestore:
    plugin: test.store
audits:
  gcp_audit:
    clouds: [gcpcloud]
    processors: [gcpprocessor]
    stores: [filestore]
    applyRecommendations: true
run:
  - gcp_audit
schedule: "03:30"
logger:
  level: debug
`

func testRegistry() *plugin.Registry {
	r := plugin.NewRegistry()
	ctor := func(plugin.Env, map[string]any) (plugin.Plugin, error) { return nil, nil }
	r.MustRegister("test.source", plugin.CapabilitySource, ctor)
	r.MustRegister("test.processor", plugin.CapabilityTransform, ctor)
	r.MustRegister("test.store", plugin.CapabilitySink, ctor)
	return r
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeTempConfig(t, "CureIAM.yaml", validConfig)

	cfg, found, err := Load([]string{path}, testRegistry())
	require.NoError(t, err)

	assert.Equal(t, []string{path}, found)
	assert.Equal(t, []string{"gcp_audit"}, cfg.Run)
	assert.Equal(t, "03:30", cfg.Schedule)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "console", cfg.Logger.Format)
	assert.Equal(t, "cureiam", cfg.Telemetry.ServiceName)

	audit := cfg.Audits["gcp_audit"]
	assert.Equal(t, []string{"gcpcloud"}, audit.Clouds)
	assert.Equal(t, []string{"gcpprocessor"}, audit.Processors)
	assert.Equal(t, []string{"filestore"}, audit.Stores)
	assert.Empty(t, audit.Alerts)
	assert.True(t, audit.ApplyRecommendations)

	assert.Equal(t, "test.source", cfg.Plugins["gcpcloud"].Plugin)
	assert.Equal(t, "/etc/cureiam/key.json", cfg.Plugins["gcpcloud"].Params["key_file_path"])
	assert.Nil(t, cfg.Email)
}

func TestLoad_BaseOnly(t *testing.T) {
	cfg, found, err := Load([]string{filepath.Join(t.TempDir(), "missing.yaml")}, testRegistry())
	require.NoError(t, err)

	assert.Empty(t, found)
	assert.Equal(t, "00:00", cfg.Schedule)
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
	assert.Empty(t, cfg.Run)
}

func TestLoad_LaterFilesOverrideEarlier(t *testing.T) {
	first := writeTempConfig(t, "first.yaml", validConfig)
	second := writeTempConfig(t, "second.yaml", `
schedule: "12:00"
logger:
  format: json
`)

	cfg, found, err := Load([]string{first, second}, testRegistry())
	require.NoError(t, err)

	assert.Equal(t, []string{first, second}, found)
	assert.Equal(t, "12:00", cfg.Schedule)
	// nested maps merge key by key
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "json", cfg.Logger.Format)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeTempConfig(t, "bad.yaml", "plugins: [unclosed")

	_, _, err := Load([]string{path}, testRegistry())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestLoad_InvalidSchedule(t *testing.T) {
	path := writeTempConfig(t, "bad.yaml", `schedule: "25:00"`)

	_, _, err := Load([]string{path}, testRegistry())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestValidate_UndefinedAudit(t *testing.T) {
	cfg := &Config{Schedule: "00:00", Run: []string{"nope"}}

	err := cfg.Validate(testRegistry())
	var cerr *plugin.ConfigurationError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "nope", cerr.Key)
}

func TestValidate_UndefinedPlugin(t *testing.T) {
	cfg := &Config{
		Schedule: "00:00",
		Audits:   map[string]AuditConfig{"a": {Clouds: []string{"ghost"}}},
		Run:      []string{"a"},
	}

	err := cfg.Validate(testRegistry())
	var cerr *plugin.ConfigurationError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "ghost", cerr.Key)
}

func TestValidate_WrongCapability(t *testing.T) {
	cfg := &Config{
		Schedule: "00:00",
		Plugins:  map[string]plugin.Config{"s": {Plugin: "test.store"}},
		Audits:   map[string]AuditConfig{"a": {Clouds: []string{"s"}}},
		Run:      []string{"a"},
	}

	err := cfg.Validate(testRegistry())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "used as a source")
}

// Test record alert classes are only accepted under stores
func TestValidate_RecordAlertPlacement(t *testing.T) {
	r := testRegistry()
	r.MustRegister("test.alert", plugin.CapabilitySink, func(plugin.Env, map[string]any) (plugin.Plugin, error) { return nil, nil })
	r.MarkRecordSink("test.alert")
	plugins := map[string]plugin.Config{"hook": {Plugin: "test.alert"}}

	asStore := &Config{
		Schedule: "00:00",
		Plugins:  plugins,
		Audits:   map[string]AuditConfig{"a": {Stores: []string{"hook"}}},
		Run:      []string{"a"},
	}
	require.NoError(t, asStore.Validate(r))

	asAlert := &Config{
		Schedule: "00:00",
		Plugins:  plugins,
		Audits:   map[string]AuditConfig{"a": {Alerts: []string{"hook"}}},
		Run:      []string{"a"},
	}
	err := asAlert.Validate(r)
	var cerr *plugin.ConfigurationError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "hook", cerr.Key)
	assert.Equal(t, "test.alert", cerr.Class)
}

func TestValidate_MalformedClass(t *testing.T) {
	cfg := &Config{
		Schedule: "00:00",
		Plugins:  map[string]plugin.Config{"bad": {Plugin: "noclass"}},
	}

	err := cfg.Validate(testRegistry())
	var cerr *plugin.ConfigurationError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "bad", cerr.Key)
}

func TestValidate_UnregisteredClass(t *testing.T) {
	cfg := &Config{
		Schedule: "00:00",
		Plugins:  map[string]plugin.Config{"x": {Plugin: "unknown.thing"}},
	}

	err := cfg.Validate(testRegistry())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}

func TestValidate_UnusedPluginsStillChecked(t *testing.T) {
	cfg := &Config{
		Schedule: "00:00",
		Plugins:  map[string]plugin.Config{"x": {}},
	}

	assert.Error(t, cfg.Validate(testRegistry()))
}

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		in      string
		hour    int
		minute  int
		wantErr bool
	}{
		{"00:00", 0, 0, false},
		{"23:59", 23, 59, false},
		{"07:05", 7, 5, false},
		{"24:00", 0, 0, true},
		{"12:60", 0, 0, true},
		{"7:05", 0, 0, true},
		{"noon", 0, 0, true},
		{"", 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			h, m, err := ParseSchedule(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.hour, h)
			assert.Equal(t, tt.minute, m)
		})
	}
}

func TestMergeMaps(t *testing.T) {
	dst := map[string]any{
		"a": map[string]any{"x": 1, "y": 2},
		"b": "keep",
		"c": []any{1, 2},
	}
	src := map[string]any{
		"a": map[string]any{"y": 3, "z": 4},
		"c": []any{9},
	}

	got := MergeMaps(dst, src)
	assert.Equal(t, map[string]any{"x": 1, "y": 3, "z": 4}, got["a"])
	assert.Equal(t, "keep", got["b"])
	assert.Equal(t, []any{9}, got["c"])
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := expandHome("~/.CureIAM.yaml")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".CureIAM.yaml"), got)

	got, err = expandHome("/etc/CureIAM.yaml")
	require.NoError(t, err)
	assert.Equal(t, "/etc/CureIAM.yaml", got)
}

func TestBaseConfig(t *testing.T) {
	assert.Contains(t, BaseConfig(), "schedule:")
}

func writeTempConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}
