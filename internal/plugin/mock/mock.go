// Package mock provides a source that replays recommendations from its
// parameters or a JSON file. It is used for dry runs and tests.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"os"

	"github.com/yairfalse/cureiam/internal/plugin"
	"github.com/yairfalse/cureiam/telemetry"
	"github.com/yairfalse/cureiam/types"
)

// SourceClass is the registered class path
const SourceClass = "mock.source"

// Params are the mock.source parameters. path names a JSON file holding an
// array of recommendations; recommendations are given inline.
type Params struct {
	Path            string           `mapstructure:"path"`
	Recommendations []map[string]any `mapstructure:"recommendations"`
}

// Source yields a fixed list of recommendations
type Source struct {
	recs   []types.Recommendation
	logger *telemetry.Logger
}

// NewSource creates a source over recs
func NewSource(recs []types.Recommendation, logger *telemetry.Logger) *Source {
	if logger == nil {
		logger = telemetry.NewLogger("mock-source")
	}
	return &Source{recs: recs, logger: logger}
}

func newSourcePlugin(env plugin.Env, raw map[string]any) (plugin.Plugin, error) {
	var params Params
	if err := plugin.DecodeParams(raw, &params); err != nil {
		return nil, err
	}
	recs, err := Load(params)
	if err != nil {
		return nil, err
	}
	return NewSource(recs, env.Logger), nil
}

// Load reads the file named by params.Path, then appends the inline
// recommendations
func Load(params Params) ([]types.Recommendation, error) {
	var recs []types.Recommendation
	if params.Path != "" {
		data, err := os.ReadFile(params.Path)
		if err != nil {
			return nil, fmt.Errorf("read recommendations: %w", err)
		}
		if err := json.Unmarshal(data, &recs); err != nil {
			return nil, fmt.Errorf("parse %s: %w", params.Path, err)
		}
	}
	for i, item := range params.Recommendations {
		data, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("recommendations[%d]: %w", i, err)
		}
		var rec types.Recommendation
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("recommendations[%d]: %w", i, err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// Produce yields a copy of every recommendation
func (s *Source) Produce(ctx context.Context) iter.Seq2[*types.Record, error] {
	return func(yield func(*types.Record, error) bool) {
		for i := range s.recs {
			if ctx.Err() != nil {
				yield(nil, ctx.Err())
				return
			}
			rec := &types.Record{Raw: &types.Recommendation{}}
			*rec.Raw = s.recs[i]
			clone, err := rec.Clone()
			if !yield(clone, err) {
				return
			}
		}
	}
}

// Shutdown logs completion
func (s *Source) Shutdown(ctx context.Context) error {
	s.logger.WithContext(ctx).Info().Int("records", len(s.recs)).Msg("mock source done")
	return nil
}

// Register adds the mock source to r
func Register(r *plugin.Registry) {
	r.MustRegister(SourceClass, plugin.CapabilitySource, newSourcePlugin)
}
