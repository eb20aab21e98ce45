package gcp

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/yairfalse/cureiam/executor"
	"github.com/yairfalse/cureiam/internal/plugin"
	"github.com/yairfalse/cureiam/policy"
	"github.com/yairfalse/cureiam/providers/gcp"
	"github.com/yairfalse/cureiam/scoring"
	"github.com/yairfalse/cureiam/telemetry"
	"github.com/yairfalse/cureiam/types"
	"github.com/yairfalse/cureiam/wal"
)

// ProcessorParams are the gcp.iam_processor parameters. Without an enforcer
// section records are normalized and scored but never enforced.
type ProcessorParams struct {
	ModeScan    bool           `mapstructure:"mode_scan"`
	ModeEnforce bool           `mapstructure:"mode_enforce"`
	Enforcer    map[string]any `mapstructure:"enforcer"`
}

// EnforcerConfig decodes the enforcer section. The top level mode flags
// override any set inside it.
func (p ProcessorParams) EnforcerConfig() (policy.Config, error) {
	var cfg policy.Config
	if p.Enforcer == nil {
		// score only
		return cfg, nil
	}
	if err := plugin.DecodeParams(p.Enforcer, &cfg); err != nil {
		return policy.Config{}, fmt.Errorf("enforcer: %w", err)
	}
	cfg.ModeScan = p.ModeScan
	cfg.ModeEnforce = p.ModeEnforce
	return cfg, nil
}

// Processor normalizes raw recommendations, scores them and hands them to
// the enforcement engine
type Processor struct {
	enforcer *policy.Enforcer
	journal  *wal.WAL
	logger   *telemetry.Logger
}

// NewProcessor creates a processor around an enforcement engine. journal,
// when set, is closed on Shutdown.
func NewProcessor(enforcer *policy.Enforcer, journal *wal.WAL, logger *telemetry.Logger) *Processor {
	if logger == nil {
		logger = telemetry.NewLogger("gcp-processor")
	}
	return &Processor{enforcer: enforcer, journal: journal, logger: logger}
}

func newProcessorPlugin(env plugin.Env, raw map[string]any) (plugin.Plugin, error) {
	var params ProcessorParams
	if err := plugin.DecodeParams(raw, &params); err != nil {
		return nil, err
	}
	cfg, err := params.EnforcerConfig()
	if err != nil {
		return nil, err
	}

	if env.Logger == nil {
		env.Logger = telemetry.NewLogger("gcp-processor")
	}
	ctx := context.Background()
	opts := []policy.Option{policy.WithLogger(env.Logger)}

	if metrics, err := policy.NewEnforcementMetrics(); err == nil {
		opts = append(opts, policy.WithMetrics(metrics))
	} else {
		env.Logger.Warn().Err(err).Msg("enforcement metrics disabled")
	}

	if len(cfg.PolicyPaths) > 0 {
		veto, err := policy.LoadRegoVeto(ctx, cfg.PolicyPaths)
		if err != nil {
			return nil, err
		}
		opts = append(opts, policy.WithVeto(veto))
	}

	var journal *wal.WAL
	if cfg.JournalDir != "" {
		journal, err = wal.Open(cfg.JournalDir)
		if err != nil {
			return nil, fmt.Errorf("open enforcement journal: %w", err)
		}
		opts = append(opts, policy.WithJournal(journal))
	}

	var applier policy.Applier
	if cfg.ModeScan && cfg.ModeEnforce {
		client, err := gcp.NewClient(ctx, gcp.Config{KeyFilePath: cfg.KeyFilePath})
		if err != nil {
			if journal != nil {
				_ = journal.Close()
			}
			return nil, err
		}
		applier = NewApplier(client, cfg)
	}

	return NewProcessor(policy.NewEnforcer(cfg, applier, opts...), journal, env.Logger), nil
}

// PolicyAPI is the part of the GCP client an applier drives
type PolicyAPI interface {
	executor.PolicyClient
	executor.RecommendationClient
}

// NewApplier builds the executor that applies recommendations through api
func NewApplier(api PolicyAPI, cfg policy.Config) *executor.Executor {
	return executor.New(api, api, executor.WithRollback(cfg.Rollback))
}

// Eval yields the processed record: raw plus processor, score and
// apply_recommendation sections
func (p *Processor) Eval(ctx context.Context, rec *types.Record) iter.Seq2[*types.Record, error] {
	return func(yield func(*types.Record, error) bool) {
		if err := Process(rec); err != nil {
			yield(nil, err)
			return
		}

		event := p.enforcer.Process(ctx, rec)
		rec.SetEnforcement(event)
		p.logger.WithContext(ctx).Debug().
			Str("recommendation_id", telemetry.Obfuscate(event.RecommendationID)).
			Str("outcome", string(event.Outcome)).
			Msg("record processed")
		yield(rec, nil)
	}
}

// Process fills the processor, score and apply_recommendation sections of a
// record from its raw section
func Process(rec *types.Record) error {
	if rec == nil || rec.Raw == nil {
		return errors.New("record has no raw section")
	}
	proc, err := Normalize(rec.Raw)
	if err != nil {
		return err
	}
	score, err := scoring.Score(scoring.InputFrom(proc))
	if err != nil {
		return fmt.Errorf("score %s: %w", telemetry.Obfuscate(proc.RecommendationID), err)
	}

	rec.Processor = proc
	rec.Score = &score
	rec.ApplyRecommendation = &types.ApplyRecord{
		RecommendationID: proc.RecommendationID,
		ProjectID:        proc.Project,
		AccountType:      proc.AccountType,
		AccountID:        proc.AccountID,
		SafeToApplyScore: score.SafeToApplyScore,
	}
	return nil
}

// Normalize extracts the processor section from a raw recommendation. The
// principal comes from the last remove operation and the permission counts
// from the first insight. Without an insight the total stays unset.
func Normalize(raw *types.Recommendation) (*types.ProcessorRecord, error) {
	accountType, accountID, ok := raw.Principal()
	if !ok {
		return nil, fmt.Errorf("recommendation %s has no remove operation naming a member", telemetry.Obfuscate(raw.Name))
	}

	proc := &types.ProcessorRecord{
		Project:                   raw.Project,
		RecommendationID:          raw.Name,
		RecommendationDescription: raw.Description,
		RecommendationActions:     raw.Actions(),
		RecommenderSubtype:        raw.RecommenderSubtype,
		RecommendationState:       raw.StateInfo.State,
		AccountType:               accountType,
		AccountID:                 accountID,
	}

	if len(raw.Insights) > 0 {
		first := raw.Insights[0]
		total, err := first.Content.TotalPermissions()
		if err != nil {
			return nil, err
		}
		proc.AccountTotalPermissions = &total
		proc.AccountUsedPermissions = first.Content.UsedPermissions()
		proc.InsightCategory = first.Category
	}

	if err := proc.Validate(); err != nil {
		return nil, err
	}
	return proc, nil
}

// Counters returns the enforcement totals
func (p *Processor) Counters() policy.Counters {
	return p.enforcer.Counters()
}

// Shutdown logs the enforcement totals and closes the journal
func (p *Processor) Shutdown(ctx context.Context) error {
	p.enforcer.LogCounters(ctx)
	if p.journal != nil {
		return p.journal.Close()
	}
	return nil
}
