// Package daemon runs the configured audits immediately or once a day at
// the configured time.
package daemon

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yairfalse/cureiam/internal/config"
	"github.com/yairfalse/cureiam/orchestrator"
	"github.com/yairfalse/cureiam/telemetry"
)

// Runner runs every audit of a config once
type Runner interface {
	Run(ctx context.Context, cfg *config.Config) (*orchestrator.RunResult, error)
}

// ConfigFunc returns the configuration the next run uses. It is called
// before every run, so reloaded files take effect without a restart.
type ConfigFunc func() *config.Config

// Daemon manages the daily run loop
type Daemon struct {
	runner    Runner
	configs   ConfigFunc
	metrics   *SchedulerMetrics
	logger    *telemetry.Logger
	startTime time.Time
	now       func() time.Time
	after     func(time.Duration) <-chan time.Time
	rearm     chan struct{}

	runCount atomic.Int64
	mu       sync.RWMutex
	lastRun  *orchestrator.RunResult
	lastErr  error
	nextRun  time.Time
}

// Option configures a Daemon
type Option func(*Daemon)

// WithMetrics records scheduler metrics
func WithMetrics(m *SchedulerMetrics) Option {
	return func(d *Daemon) { d.metrics = m }
}

// WithClock replaces the wall clock and timer, for tests
func WithClock(now func() time.Time, after func(time.Duration) <-chan time.Time) Option {
	return func(d *Daemon) {
		d.now = now
		d.after = after
	}
}

// NewDaemon creates a new daemon instance
func NewDaemon(runner Runner, configs ConfigFunc, opts ...Option) *Daemon {
	d := &Daemon{
		runner:  runner,
		configs: configs,
		logger:  telemetry.NewLogger("scheduler"),
		now:     time.Now,
		after:   time.After,
		rearm:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.startTime = d.now()
	return d
}

// NextRun returns the first HH:MM after now, in now's location. A trigger
// time equal to now belongs to the next day.
func NextRun(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// RunNow runs the audits of the current config once and waits for them
func (d *Daemon) RunNow(ctx context.Context) (*orchestrator.RunResult, error) {
	cfg := d.configs()
	start := d.now()
	d.runCount.Add(1)

	result, err := d.runner.Run(ctx, cfg)

	status := "success"
	audits := 0
	if err != nil {
		status = "failure"
		d.logger.WithContext(ctx).Error().Err(err).Msg("audit run failed")
	} else {
		audits = len(result.Audits)
	}
	d.metrics.RecordRun(ctx, status, audits, d.now().Sub(start))

	d.mu.Lock()
	d.lastErr = err
	if result != nil {
		d.lastRun = result
	}
	d.mu.Unlock()

	return result, err
}

// Reschedule makes a waiting Start re-read the schedule instead of waiting
// for the previously computed trigger
func (d *Daemon) Reschedule() {
	select {
	case d.rearm <- struct{}{}:
	default:
	}
}

// Start runs the audits every day at the configured schedule until ctx is
// cancelled. A failed run is logged and the loop continues.
func (d *Daemon) Start(ctx context.Context) error {
	for {
		cfg := d.configs()
		hour, minute, err := config.ParseSchedule(cfg.Schedule)
		if err != nil {
			return err
		}

		now := d.now()
		next := NextRun(now, hour, minute)
		d.mu.Lock()
		d.nextRun = next
		d.mu.Unlock()
		d.metrics.RecordNextRun(ctx, next)

		d.logger.WithContext(ctx).Info().
			Str("schedule", cfg.Schedule).
			Time("next_run", next).
			Msg("waiting for next run")

		select {
		case <-ctx.Done():
			return nil
		case <-d.rearm:
			d.logger.WithContext(ctx).Info().Msg("schedule reloaded")
		case <-d.after(next.Sub(now)):
			_, _ = d.RunNow(ctx)
		}
	}
}

// Health returns daemon health status
func (d *Daemon) Health() HealthStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()

	h := HealthStatus{
		Status: "healthy",
		Uptime: int64(d.now().Sub(d.startTime).Seconds()),
		Runs:   d.runCount.Load(),
	}
	if !d.nextRun.IsZero() {
		next := d.nextRun
		h.NextRun = &next
	}
	if d.lastRun != nil {
		h.LastRunID = d.lastRun.RunID
		h.LastAuditVersion = d.lastRun.AuditVersion
	}
	if d.lastErr != nil {
		h.Status = "degraded"
		h.LastError = d.lastErr.Error()
	}
	return h
}

// HealthStatus represents daemon health
type HealthStatus struct {
	Status           string     `json:"status"`
	Uptime           int64      `json:"uptime_seconds"`
	Runs             int64      `json:"runs"`
	NextRun          *time.Time `json:"next_run,omitempty"`
	LastRunID        string     `json:"last_run_id,omitempty"`
	LastAuditVersion string     `json:"last_audit_version,omitempty"`
	LastError        string     `json:"last_error,omitempty"`
}

// RunCount returns total runs started
func (d *Daemon) RunCount() int64 {
	return d.runCount.Load()
}
