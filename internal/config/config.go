// Package config handles YAML configuration for CureIAM.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"gopkg.in/yaml.v3"

	"github.com/yairfalse/cureiam/internal/notify"
	"github.com/yairfalse/cureiam/internal/plugin"
)

// BaseYAML is the configuration every loaded file is merged over
//
//go:embed base.yaml
var BaseYAML []byte

// DefaultPaths are searched in order when no config file is given
var DefaultPaths = []string{
	"/etc/CureIAM.yaml",
	"~/.CureIAM.yaml",
	"~/CureIAM.yaml",
	"CureIAM.yaml",
}

// Config is the root configuration structure.
type Config struct {
	Plugins     map[string]plugin.Config `mapstructure:"plugins" validate:"dive"`
	Audits      map[string]AuditConfig   `mapstructure:"audits"`
	Run         []string                 `mapstructure:"run"`
	Schedule    string                   `mapstructure:"schedule" validate:"required,schedule"`
	Email       *notify.Config           `mapstructure:"email"`
	Logger      LogConfig                `mapstructure:"logger"`
	Telemetry   OTELConfig               `mapstructure:"telemetry"`
	MetricsAddr string                   `mapstructure:"metrics_addr"`
}

// AuditConfig names the plugin keys wired into one audit
type AuditConfig struct {
	Clouds               []string `mapstructure:"clouds"`
	Processors           []string `mapstructure:"processors"`
	Stores               []string `mapstructure:"stores"`
	Alerts               []string `mapstructure:"alerts"`
	ApplyRecommendations bool     `mapstructure:"applyRecommendations"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=json console"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string        `mapstructure:"endpoint"`
	Insecure    bool          `mapstructure:"insecure"`
	ServiceName string        `mapstructure:"service_name"`
	Traces      TracesConfig  `mapstructure:"traces"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	SampleRate float64 `mapstructure:"sample_rate" validate:"gte=0,lte=1"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load merges the base config with every existing file in paths, in order,
// then decodes and validates the result against registry. Missing files
// are skipped. It returns the files that were read.
func Load(paths []string, registry *plugin.Registry) (*Config, []string, error) {
	raw, found, err := Merge(paths)
	if err != nil {
		return nil, nil, err
	}

	cfg, err := Decode(raw)
	if err != nil {
		return nil, found, err
	}

	if err := cfg.Validate(registry); err != nil {
		return nil, found, err
	}
	return cfg, found, nil
}

// Merge reads the base config and deep-merges each existing file over it
func Merge(paths []string) (map[string]any, []string, error) {
	merged, err := parseYAML(BaseYAML)
	if err != nil {
		return nil, nil, fmt.Errorf("parse base config: %w", err)
	}

	var found []string
	for _, p := range paths {
		path, err := expandHome(p)
		if err != nil {
			return nil, found, err
		}

		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, found, fmt.Errorf("read config file %s: %w", path, err)
		}

		doc, err := parseYAML(data)
		if err != nil {
			return nil, found, fmt.Errorf("parse config %s: %w", path, err)
		}
		merged = MergeMaps(merged, doc)
		found = append(found, path)
	}
	return merged, found, nil
}

// Decode converts a merged config document into Config
func Decode(raw map[string]any) (*Config, error) {
	cfg := &Config{}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return nil, fmt.Errorf("create config decoder: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

// BaseConfig returns the base configuration as YAML
func BaseConfig() string {
	return string(BaseYAML)
}

func applyDefaults(cfg *Config) {
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "cureiam"
	}
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "00:00"
	}
}

func parseYAML(data []byte) (map[string]any, error) {
	doc := map[string]any{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// MergeMaps deep-merges src into dst. Nested maps merge recursively; any
// other value in src replaces the one in dst.
func MergeMaps(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for k, v := range src {
		srcMap, srcIsMap := v.(map[string]any)
		dstMap, dstIsMap := dst[k].(map[string]any)
		if srcIsMap && dstIsMap {
			dst[k] = MergeMaps(dstMap, srcMap)
			continue
		}
		dst[k] = v
	}
	return dst
}

// ParseSchedule parses an "HH:MM" daily trigger time
func ParseSchedule(s string) (hour, minute int, err error) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok || len(hh) != 2 || len(mm) != 2 {
		return 0, 0, fmt.Errorf("schedule %q must be HH:MM", s)
	}
	hour, err = strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("schedule %q: invalid hour", s)
	}
	minute, err = strconv.Atoi(mm)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("schedule %q: invalid minute", s)
	}
	return hour, minute, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("schedule", func(fl validator.FieldLevel) bool {
		_, _, err := ParseSchedule(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate checks field constraints and that every run, audit and plugin
// reference resolves
func (c *Config) Validate(registry *plugin.Registry) error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if registry == nil {
		registry = plugin.Default
	}

	for key, pc := range c.Plugins {
		if _, _, err := plugin.ParseClass(pc.Plugin); err != nil {
			return withKey(err, key)
		}
		if _, ok := registry.Capability(pc.Plugin); !ok {
			return &plugin.ConfigurationError{Key: key, Class: pc.Plugin, Reason: "class is not registered"}
		}
	}

	for _, auditKey := range c.Run {
		audit, ok := c.Audits[auditKey]
		if !ok {
			return &plugin.ConfigurationError{Key: auditKey, Reason: "run references an undefined audit"}
		}
		stages := []struct {
			keys  []string
			want  plugin.Capability
			alert bool
		}{
			{audit.Clouds, plugin.CapabilitySource, false},
			{audit.Processors, plugin.CapabilityTransform, false},
			{audit.Stores, plugin.CapabilitySink, false},
			{audit.Alerts, plugin.CapabilitySink, true},
		}
		for _, stage := range stages {
			for _, key := range stage.keys {
				pc, ok := c.Plugins[key]
				if !ok {
					return &plugin.ConfigurationError{Key: key, Reason: "audit " + auditKey + " references an undefined plugin"}
				}
				var err error
				if stage.alert {
					err = registry.ResolveAlert(key, pc.Plugin)
				} else {
					err = registry.Resolve(key, pc.Plugin, stage.want)
				}
				if err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func withKey(err error, key string) error {
	var cerr *plugin.ConfigurationError
	if errors.As(err, &cerr) {
		cerr.Key = key
	}
	return err
}
