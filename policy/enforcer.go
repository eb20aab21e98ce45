// Package policy decides whether a scored IAM recommendation may be applied
// to the live policy, and applies it through an Applier when it may.
package policy

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/cureiam/telemetry"
	"github.com/yairfalse/cureiam/types"
	"github.com/yairfalse/cureiam/wal"
)

// AppliedState is the apply record state of a recommendation this engine applied
const AppliedState = "Applied"

// Applier mutates the live IAM policy for a recommendation and marks it
// succeeded upstream
type Applier interface {
	Apply(ctx context.Context, rec *types.Record) error
}

// Counters are the per-engine totals. An engine belongs to one worker and
// totals are never aggregated across workers.
type Counters struct {
	Applied      int64 `json:"recommendation_applied"`
	AppliedToday int64 `json:"recommendation_applied_today"`
	Denied       int64 `json:"recommendation_denied"`
	Failed       int64 `json:"recommendation_failed"`
	ScanOnly     int64 `json:"recommendation_scan_only"`
}

// Option configures an Enforcer
type Option func(*Enforcer)

// WithJournal records every decision in w
func WithJournal(w *wal.WAL) Option {
	return func(e *Enforcer) { e.journal = w }
}

// WithVeto appends the Rego veto to the gate chain
func WithVeto(v *RegoVeto) Option {
	return func(e *Enforcer) {
		if v != nil {
			e.gates = append(e.gates, v.Gate())
		}
	}
}

// WithMetrics records outcomes in m
func WithMetrics(m *EnforcementMetrics) Option {
	return func(e *Enforcer) { e.metrics = m }
}

// WithLogger replaces the engine logger
func WithLogger(l *telemetry.Logger) Option {
	return func(e *Enforcer) { e.logger = l }
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(e *Enforcer) { e.now = now }
}

// Enforcer runs the gate chain and applies recommendations that pass it
type Enforcer struct {
	cfg     Config
	gates   []GateFunc
	applier Applier
	journal *wal.WAL
	metrics *EnforcementMetrics
	logger  *telemetry.Logger
	tracer  trace.Tracer
	now     func() time.Time

	applied      atomic.Int64
	appliedToday atomic.Int64
	denied       atomic.Int64
	failed       atomic.Int64
	scanOnly     atomic.Int64
}

// NewEnforcer creates an engine. applier may be nil when cfg never enforces.
func NewEnforcer(cfg Config, applier Applier, opts ...Option) *Enforcer {
	cfg.applyDefaults()
	e := &Enforcer{
		cfg:     cfg,
		gates:   DefaultGates(),
		applier: applier,
		logger:  telemetry.NewLogger("policy-enforcer"),
		tracer:  otel.Tracer("cureiam.enforcement"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the effective configuration
func (e *Enforcer) Config() Config { return e.cfg }

// Counters returns a snapshot of the totals
func (e *Enforcer) Counters() Counters {
	return Counters{
		Applied:      e.applied.Load(),
		AppliedToday: e.appliedToday.Load(),
		Denied:       e.denied.Load(),
		Failed:       e.failed.Load(),
		ScanOnly:     e.scanOnly.Load(),
	}
}

// Evaluate runs every gate in order and returns the first failure, or a
// passing result when all gates pass. It never mutates anything.
func (e *Enforcer) Evaluate(ctx context.Context, c Candidate) GateResult {
	for _, gate := range e.gates {
		if r := gate(ctx, &e.cfg, c); !r.Passed {
			return r
		}
	}
	return GateResult{Passed: true}
}

// Process updates a scored record according to its upstream state.
//
// A record already SUCCEEDED upstream has its risk and over-privilege scores
// zeroed and counts as applied. An ACTIVE record is run through Enforce and,
// when applied, marked SUCCEEDED with an applied time. Other states pass
// through unchanged.
func (e *Enforcer) Process(ctx context.Context, rec *types.Record) types.EnforcementEvent {
	event := e.newEvent(rec)
	if rec.Raw == nil {
		event.Outcome = types.OutcomeSkipped
		return event
	}

	switch rec.Raw.StateInfo.State {
	case types.StateSucceeded:
		zeroScores(rec)
		e.applied.Add(1)
		event.Outcome = types.OutcomeAlreadySucceeded
		e.metrics.RecordOutcome(ctx, event.Outcome, "", event.AccountType)
		return event

	case types.StateActive:
		if !e.cfg.ModeScan {
			event.Outcome = types.OutcomeSkipped
			return event
		}
		event = e.Enforce(ctx, rec)
		if event.Outcome != types.OutcomeApplied {
			return event
		}

		appliedAt := e.now().UTC()
		rec.Raw.StateInfo.State = types.StateSucceeded
		if rec.Processor != nil {
			rec.Processor.RecommendationState = types.StateSucceeded
		}
		if rec.ApplyRecommendation != nil {
			rec.ApplyRecommendation.RecommendationState = AppliedState
			rec.ApplyRecommendation.RecommendationAppliedTime = &appliedAt
		}
		zeroScores(rec)
		return event

	default:
		event.Outcome = types.OutcomeSkipped
		return event
	}
}

// Enforce decides whether rec may be applied and applies it in enforce mode.
// Only an OutcomeApplied event means the live policy changed.
func (e *Enforcer) Enforce(ctx context.Context, rec *types.Record) types.EnforcementEvent {
	ctx, span := e.tracer.Start(ctx, "enforcer.enforce")
	defer span.End()

	event := e.newEvent(rec)
	defer func() {
		telemetry.RecordEnforcementEvent(span, event)
		e.metrics.RecordOutcome(ctx, event.Outcome, event.Gate, event.AccountType)
	}()

	c, err := CandidateFrom(rec)
	if err != nil {
		event.Outcome = types.OutcomeFailed
		event.Error = err.Error()
		e.failed.Add(1)
		e.journalError(wal.EntryFailed, event, err)
		return event
	}
	span.SetAttributes(
		attribute.String("recommendation.id", c.RecommendationID),
		attribute.String("account.type", c.AccountType),
	)

	e.logger.WithContext(ctx).Info().
		Str("project", telemetry.Obfuscate(c.Project)).
		Str("recommendation_id", telemetry.Obfuscate(c.RecommendationID)).
		Msg("enforcing recommendation")

	verdict := e.Evaluate(ctx, c)
	if !verdict.Passed {
		event.Outcome = types.OutcomeDenied
		event.Gate = verdict.Gate
		event.Reason = verdict.Reason
		e.denied.Add(1)
		e.logger.WithContext(ctx).Info().
			Str("project", telemetry.Obfuscate(c.Project)).
			Str("account_id", telemetry.Obfuscate(c.AccountID)).
			Str("account_type", c.AccountType).
			Str("gate", verdict.Gate).
			Str("reason", verdict.Reason).
			Msg("recommendation not applied")
		e.writeJournal(wal.EntryDenied, event)
		return event
	}

	e.logger.WithContext(ctx).Info().
		Str("project", telemetry.Obfuscate(c.Project)).
		Str("account_id", telemetry.Obfuscate(c.AccountID)).
		Str("account_type", c.AccountType).
		Int("safe_to_apply_score", c.SafeToApplyScore).
		Msg("recommendation should be applied")
	e.writeJournal(wal.EntryDecided, event)

	if !e.cfg.ModeEnforce || e.applier == nil {
		event.Outcome = types.OutcomeScanOnly
		e.scanOnly.Add(1)
		return event
	}

	e.writeJournal(wal.EntryExecuting, event)
	if err := e.applier.Apply(ctx, rec); err != nil {
		event.Outcome = types.OutcomeFailed
		event.Error = err.Error()
		e.failed.Add(1)
		e.logger.WithContext(ctx).Error().
			Err(err).
			Str("project", telemetry.Obfuscate(c.Project)).
			Str("recommendation_id", telemetry.Obfuscate(c.RecommendationID)).
			Msg("failed to apply recommendation")
		e.journalError(wal.EntryFailed, event, err)
		return event
	}

	event.Outcome = types.OutcomeApplied
	e.appliedToday.Add(1)
	e.logger.WithContext(ctx).Info().
		Str("project", telemetry.Obfuscate(c.Project)).
		Str("recommendation_id", telemetry.Obfuscate(c.RecommendationID)).
		Msg("recommendation applied")
	e.writeJournal(wal.EntryExecuted, event)
	return event
}

// LogCounters writes the totals, typically at worker shutdown
func (e *Enforcer) LogCounters(ctx context.Context) {
	c := e.Counters()
	e.logger.WithContext(ctx).Info().
		Int64("recommendation_applied", c.Applied).
		Int64("recommendation_applied_today", c.AppliedToday).
		Int64("recommendation_denied", c.Denied).
		Int64("recommendation_failed", c.Failed).
		Int64("recommendation_scan_only", c.ScanOnly).
		Msg("enforcement totals")
}

func (e *Enforcer) newEvent(rec *types.Record) types.EnforcementEvent {
	event := types.EnforcementEvent{
		Timestamp:    e.now().UTC(),
		RunID:        rec.Com["run_id"],
		AuditVersion: rec.Com["audit_version"],
	}
	if rec.Processor != nil {
		event.RecommendationID = rec.Processor.RecommendationID
		event.Project = rec.Processor.Project
		event.AccountType = rec.Processor.AccountType
		event.AccountID = rec.Processor.AccountID
	}
	if rec.Score != nil {
		event.SafeToApplyScore = rec.Score.SafeToApplyScore
	}
	return event
}

func (e *Enforcer) writeJournal(entryType wal.EntryType, event types.EnforcementEvent) {
	if e.journal == nil {
		return
	}
	if err := e.journal.Append(entryType, event.RecommendationID, event); err != nil {
		e.logger.Error().Err(err).Str("entry_type", string(entryType)).Msg("failed to write journal entry")
	}
}

func (e *Enforcer) journalError(entryType wal.EntryType, event types.EnforcementEvent, cause error) {
	if e.journal == nil {
		return
	}
	if err := e.journal.AppendError(entryType, event.RecommendationID, event, cause); err != nil {
		e.logger.Error().Err(err).Str("entry_type", string(entryType)).Msg("failed to write journal entry")
	}
}

func zeroScores(rec *types.Record) {
	if rec.Score == nil {
		rec.Score = &types.ScoreBundle{}
	}
	rec.Score.RiskScore = 0
	rec.Score.OverPrivilegeScore = 0
}
