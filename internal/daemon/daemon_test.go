package daemon

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/cureiam/internal/config"
	"github.com/yairfalse/cureiam/orchestrator"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls int
	err   error
	ran   chan struct{}
}

func (f *fakeRunner) Run(_ context.Context, cfg *config.Config) (*orchestrator.RunResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.ran != nil {
		f.ran <- struct{}{}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &orchestrator.RunResult{RunID: "run-1", AuditVersion: "20240301_000000", Audits: cfg.Run}, nil
}

func staticConfig(schedule string) ConfigFunc {
	cfg := &config.Config{Schedule: schedule, Run: []string{"gcpiam"}}
	return func() *config.Config { return cfg }
}

func TestNextRun(t *testing.T) {
	loc := time.UTC
	tests := []struct {
		name         string
		now          time.Time
		hour, minute int
		want         time.Time
	}{
		{"later today", time.Date(2024, 3, 1, 8, 0, 0, 0, loc), 10, 30, time.Date(2024, 3, 1, 10, 30, 0, 0, loc)},
		{"already passed", time.Date(2024, 3, 1, 11, 0, 0, 0, loc), 10, 30, time.Date(2024, 3, 2, 10, 30, 0, 0, loc)},
		{"exactly now", time.Date(2024, 3, 1, 10, 30, 0, 0, loc), 10, 30, time.Date(2024, 3, 2, 10, 30, 0, 0, loc)},
		{"midnight", time.Date(2024, 12, 31, 23, 59, 59, 0, loc), 0, 0, time.Date(2025, 1, 1, 0, 0, 0, 0, loc)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NextRun(tt.now, tt.hour, tt.minute))
		})
	}
}

func TestRunNow(t *testing.T) {
	runner := &fakeRunner{}
	d := NewDaemon(runner, staticConfig("00:00"))

	result, err := d.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"gcpiam"}, result.Audits)
	assert.Equal(t, int64(1), d.RunCount())

	h := d.Health()
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "run-1", h.LastRunID)
}

func TestRunNow_FailureDegradesHealth(t *testing.T) {
	d := NewDaemon(&fakeRunner{err: errors.New("undefined audit")}, staticConfig("00:00"))

	_, err := d.RunNow(context.Background())
	require.Error(t, err)

	h := d.Health()
	assert.Equal(t, "degraded", h.Status)
	assert.Equal(t, "undefined audit", h.LastError)
}

// Test the loop waits until the scheduled time, runs, and reschedules
func TestStart_RunsAtSchedule(t *testing.T) {
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	waits := make(chan time.Duration, 4)
	fire := make(chan time.Time)
	after := func(d time.Duration) <-chan time.Time {
		waits <- d
		return fire
	}

	runner := &fakeRunner{ran: make(chan struct{}, 1)}
	d := NewDaemon(runner, staticConfig("10:30"), WithClock(func() time.Time { return now }, after))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	assert.Equal(t, 2*time.Hour+30*time.Minute, <-waits)
	fire <- now
	<-runner.ran

	// rescheduled after the run
	<-waits
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, int64(1), d.RunCount())
	h := d.Health()
	require.NotNil(t, h.NextRun)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC), *h.NextRun)
}

// Test a reloaded schedule replaces the pending trigger
func TestStart_Reschedule(t *testing.T) {
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	waits := make(chan time.Duration, 4)
	after := func(d time.Duration) <-chan time.Time {
		waits <- d
		return make(chan time.Time)
	}

	var current atomic.Pointer[config.Config]
	current.Store(&config.Config{Schedule: "10:30", Run: []string{"gcpiam"}})
	runner := &fakeRunner{ran: make(chan struct{}, 1)}
	d := NewDaemon(runner, current.Load, WithClock(func() time.Time { return now }, after))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	assert.Equal(t, 2*time.Hour+30*time.Minute, <-waits)

	current.Store(&config.Config{Schedule: "09:00", Run: []string{"gcpiam"}})
	d.Reschedule()
	assert.Equal(t, time.Hour, <-waits)

	cancel()
	require.NoError(t, <-done)

	assert.Zero(t, d.RunCount())
	h := d.Health()
	require.NotNil(t, h.NextRun)
	assert.Equal(t, time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC), *h.NextRun)
}

func TestStart_InvalidSchedule(t *testing.T) {
	d := NewDaemon(&fakeRunner{}, staticConfig("25:00"))
	assert.Error(t, d.Start(context.Background()))
}
