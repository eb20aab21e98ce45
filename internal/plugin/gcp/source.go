// Package gcp provides the GCP IAM recommendation source and processor plugins.
package gcp

import (
	"context"
	"fmt"
	"iter"

	"github.com/yairfalse/cureiam/internal/filter"
	"github.com/yairfalse/cureiam/internal/ioworkers"
	"github.com/yairfalse/cureiam/internal/plugin"
	"github.com/yairfalse/cureiam/providers/gcp"
	"github.com/yairfalse/cureiam/telemetry"
	"github.com/yairfalse/cureiam/types"
)

// Registered class paths
const (
	SourceClass    = "gcp.recommendations"
	ProcessorClass = "gcp.iam_processor"
)

// AllProjects selects every project visible to the credentials
const AllProjects = "*"

// RecommendationAPI is the part of the GCP client the source needs
type RecommendationAPI interface {
	ListProjects(ctx context.Context) ([]string, error)
	ListRecommendations(ctx context.Context, project string) ([]*types.Recommendation, error)
	GetInsight(ctx context.Context, name string) (*types.Insight, error)
}

// SourceParams are the gcp.recommendations parameters. ExcludeProjects are
// skipped, including when projects is "*".
type SourceParams struct {
	KeyFilePath     string   `mapstructure:"key_file_path"`
	Projects        any      `mapstructure:"projects"`
	ExcludeProjects []string `mapstructure:"exclude_projects"`
	Processes       int      `mapstructure:"processes"`
	Threads         int      `mapstructure:"threads"`
	QPS             float64  `mapstructure:"qps"`
}

// Workers returns the size of the fetch pool
func (p SourceParams) Workers() int {
	processes, threads := p.Processes, p.Threads
	if processes <= 0 {
		processes = 4
	}
	if threads <= 0 {
		threads = 10
	}
	return processes * threads
}

// ProjectList normalizes the projects parameter. all is set for "*" or
// when the parameter is absent.
func (p SourceParams) ProjectList() (projects []string, all bool, err error) {
	switch v := p.Projects.(type) {
	case nil:
		return nil, true, nil
	case string:
		if v == AllProjects {
			return nil, true, nil
		}
		return []string{v}, false, nil
	case []string:
		return v, false, nil
	case []any:
		for i, item := range v {
			s, ok := item.(string)
			if !ok || s == "" {
				return nil, false, fmt.Errorf("projects[%d]: expected a project id, got %v", i, item)
			}
			projects = append(projects, s)
		}
		return projects, false, nil
	default:
		return nil, false, fmt.Errorf("projects: expected %q or a list, got %T", AllProjects, p.Projects)
	}
}

// Source fetches IAM recommendations and their insights, one project per
// pool worker
type Source struct {
	api      RecommendationAPI
	projects []string
	all      bool
	exclude  *filter.Filter
	workers  int
	logger   *telemetry.Logger
}

// NewSource creates a source over api
func NewSource(api RecommendationAPI, params SourceParams, logger *telemetry.Logger) (*Source, error) {
	projects, all, err := params.ProjectList()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = telemetry.NewLogger("gcp-source")
	}
	return &Source{
		api:      api,
		projects: projects,
		all:      all,
		exclude:  filter.New(nil, params.ExcludeProjects),
		workers:  params.Workers(),
		logger:   logger,
	}, nil
}

func newSourcePlugin(env plugin.Env, raw map[string]any) (plugin.Plugin, error) {
	var params SourceParams
	if err := plugin.DecodeParams(raw, &params); err != nil {
		return nil, err
	}
	client, err := gcp.NewClient(context.Background(), gcp.Config{
		KeyFilePath: params.KeyFilePath,
		QPS:         params.QPS,
	})
	if err != nil {
		return nil, err
	}
	return NewSource(client, params, env.Logger)
}

// Produce yields one record per recommendation, with raw.project and
// raw.insights filled in
func (s *Source) Produce(ctx context.Context) iter.Seq2[*types.Record, error] {
	return func(yield func(*types.Record, error) bool) {
		projects := s.projects
		if s.all {
			s.logger.WithContext(ctx).Info().Msg("scanning all projects")
			ids, err := s.api.ListProjects(ctx)
			if err != nil {
				yield(nil, err)
				return
			}
			projects = ids
		}
		projects = s.exclude.Apply(projects)

		s.logger.WithContext(ctx).Info().
			Int("projects", len(projects)).
			Strs("project_ids", telemetry.ObfuscateAll(projects)).
			Int("workers", s.workers).
			Msg("fetching recommendations")

		for rec, err := range ioworkers.Run(ctx, s.workers, projects, s.fetchProject) {
			if !yield(rec, err) {
				return
			}
		}
	}
}

func (s *Source) fetchProject(ctx context.Context, project string, emit ioworkers.Emit[*types.Record]) error {
	recs, err := s.api.ListRecommendations(ctx, project)
	if err != nil {
		return err
	}

	for _, rec := range recs {
		rec.Project = project
		for _, ref := range rec.AssociatedInsights {
			if ref.Insight == "" {
				continue
			}
			insight, err := s.api.GetInsight(ctx, ref.Insight)
			if err != nil {
				return fmt.Errorf("project %s: %w", telemetry.Obfuscate(project), err)
			}
			rec.Insights = append(rec.Insights, *insight)
		}
		if !emit(&types.Record{Raw: rec}) {
			return nil
		}
	}

	s.logger.WithContext(ctx).Debug().
		Str("project", telemetry.Obfuscate(project)).
		Int("recommendations", len(recs)).
		Msg("fetched recommendations")
	return nil
}

// Shutdown logs completion
func (s *Source) Shutdown(ctx context.Context) error {
	s.logger.WithContext(ctx).Info().Msg("GCP IAM audit done")
	return nil
}
