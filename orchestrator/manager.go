package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/yairfalse/cureiam/internal/config"
	"github.com/yairfalse/cureiam/internal/plugin"
	"github.com/yairfalse/cureiam/telemetry"
)

// AuditVersionFormat formats the UTC start time of a run into its audit version
const AuditVersionFormat = "20060102_150405"

// RunResult summarizes one run of the configured audits
type RunResult struct {
	RunID        string        `json:"run_id"`
	AuditVersion string        `json:"audit_version"`
	Audits       []string      `json:"audits"`
	StartTime    time.Time     `json:"start_time"`
	EndTime      time.Time     `json:"end_time"`
	Duration     time.Duration `json:"duration"`
}

// Manager runs every audit named in the config's run list
type Manager struct {
	registry *plugin.Registry
	notifier Notifier
	metrics  *PipelineMetrics
	logger   *telemetry.Logger
	now      func() time.Time
}

// NewManager creates a manager. A nil registry means the default registry.
func NewManager(registry *plugin.Registry, notifier Notifier, metrics *PipelineMetrics) *Manager {
	if registry == nil {
		registry = plugin.Default
	}
	return &Manager{
		registry: registry,
		notifier: notifier,
		metrics:  metrics,
		logger:   telemetry.NewLogger("manager"),
		now:      time.Now,
	}
}

// Run builds every audit of cfg.Run, runs them concurrently and waits for all
// of them. Topology errors are returned before any audit starts.
func (m *Manager) Run(ctx context.Context, cfg *config.Config) (*RunResult, error) {
	start := m.now()
	result := &RunResult{
		RunID:        uuid.NewString(),
		AuditVersion: start.UTC().Format(AuditVersionFormat),
		StartTime:    start,
	}

	audits := make([]*Audit, 0, len(cfg.Run))
	for _, key := range cfg.Run {
		auditCfg, ok := cfg.Audits[key]
		if !ok {
			return nil, &plugin.ConfigurationError{Key: key, Reason: "run references an undefined audit"}
		}
		a, err := NewAudit(key, result.AuditVersion, auditCfg, Options{
			Registry: m.registry,
			Plugins:  cfg.Plugins,
			RunID:    result.RunID,
			Notifier: m.notifier,
			Metrics:  m.metrics,
			Logger:   m.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build audit %s: %w", key, err)
		}
		audits = append(audits, a)
		result.Audits = append(result.Audits, key)
	}

	m.logger.WithContext(ctx).Info().
		Str("run_id", result.RunID).
		Str("audit_version", result.AuditVersion).
		Strs("audits", result.Audits).
		Msg("starting audits")
	m.notify(ctx, start, nil)

	var g errgroup.Group
	for _, a := range audits {
		g.Go(func() error {
			a.Run(ctx)
			return nil
		})
	}
	_ = g.Wait()

	result.EndTime = m.now()
	result.Duration = result.EndTime.Sub(start)
	m.notify(ctx, start, &result.EndTime)

	m.logger.WithContext(ctx).Info().
		Str("run_id", result.RunID).
		Dur("duration", result.Duration).
		Msg("all audits complete")

	return result, nil
}

func (m *Manager) notify(ctx context.Context, start time.Time, end *time.Time) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Notify(ctx, "all audits", start, end); err != nil {
		m.logger.WithContext(ctx).Error().Err(err).Msg("failed to send run notification")
	}
}
