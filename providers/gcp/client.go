// Package gcp talks to the Recommender and Cloud Resource Manager APIs.
package gcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"
	"google.golang.org/api/cloudresourcemanager/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/recommender/v1"

	"github.com/yairfalse/cureiam/telemetry"
	"github.com/yairfalse/cureiam/types"
)

// IAMRecommender is the recommender whose recommendations are audited
const IAMRecommender = "google.iam.policy.Recommender"

// DefaultLocation is the location IAM recommendations live in
const DefaultLocation = "global"

// Config holds client settings
type Config struct {
	KeyFilePath string        `mapstructure:"key_file_path"`
	QPS         float64       `mapstructure:"qps"`
	Burst       int           `mapstructure:"burst"`
	MaxTries    uint          `mapstructure:"max_tries"`
	MaxElapsed  time.Duration `mapstructure:"max_elapsed"`
}

// DefaultConfig returns conservative API quotas
func DefaultConfig() Config {
	return Config{
		QPS:        10,
		Burst:      10,
		MaxTries:   5,
		MaxElapsed: 2 * time.Minute,
	}
}

// Client wraps the Google API services with rate limiting and retries
type Client struct {
	recommender *recommender.Service
	projects    *cloudresourcemanager.Service
	limiter     *rate.Limiter
	cfg         Config
	logger      *telemetry.Logger
}

// NewClient creates a client authenticated with cfg.KeyFilePath, or with
// application default credentials when it is empty. Extra options are
// appended, so tests can point the client at a fake endpoint.
func NewClient(ctx context.Context, cfg Config, opts ...option.ClientOption) (*Client, error) {
	defaults := DefaultConfig()
	if cfg.QPS <= 0 {
		cfg.QPS = defaults.QPS
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaults.Burst
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = defaults.MaxTries
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = defaults.MaxElapsed
	}

	var clientOpts []option.ClientOption
	if cfg.KeyFilePath != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.KeyFilePath))
	}
	clientOpts = append(clientOpts, opts...)

	recSvc, err := recommender.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create recommender client: %w", err)
	}
	crmSvc, err := cloudresourcemanager.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource manager client: %w", err)
	}

	return &Client{
		recommender: recSvc,
		projects:    crmSvc,
		limiter:     rate.NewLimiter(rate.Limit(cfg.QPS), cfg.Burst),
		cfg:         cfg,
		logger:      telemetry.NewLogger("gcp-client"),
	}, nil
}

// ListProjects returns the ids of every project visible to the credentials
func (c *Client) ListProjects(ctx context.Context) ([]string, error) {
	var ids []string
	err := c.wait(ctx, func() error {
		ids = ids[:0]
		return c.projects.Projects.List().Pages(ctx, func(resp *cloudresourcemanager.ListProjectsResponse) error {
			for _, p := range resp.Projects {
				ids = append(ids, p.ProjectId)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return ids, nil
}

// ListRecommendations returns the IAM recommendations of project, each
// stamped with the project id
func (c *Client) ListRecommendations(ctx context.Context, project string) ([]*types.Recommendation, error) {
	parent := fmt.Sprintf("projects/%s/locations/%s/recommenders/%s", project, DefaultLocation, IAMRecommender)

	var out []*types.Recommendation
	err := c.wait(ctx, func() error {
		out = out[:0]
		return c.recommender.Projects.Locations.Recommenders.Recommendations.List(parent).Pages(ctx,
			func(resp *recommender.GoogleCloudRecommenderV1ListRecommendationsResponse) error {
				for _, r := range resp.Recommendations {
					var rec types.Recommendation
					if err := convert(r, &rec); err != nil {
						return err
					}
					rec.Project = project
					out = append(out, &rec)
				}
				return nil
			})
	})
	if err != nil {
		return nil, fmt.Errorf("list recommendations for %s: %w", project, err)
	}
	return out, nil
}

// GetInsight fetches an insight by resource name
func (c *Client) GetInsight(ctx context.Context, name string) (*types.Insight, error) {
	resp, err := retry(ctx, c, func() (*recommender.GoogleCloudRecommenderV1Insight, error) {
		return c.recommender.Projects.Locations.InsightTypes.Insights.Get(name).Context(ctx).Do()
	})
	if err != nil {
		return nil, fmt.Errorf("get insight: %w", err)
	}
	var insight types.Insight
	if err := convert(resp, &insight); err != nil {
		return nil, err
	}
	return &insight, nil
}

// MarkSucceeded marks a recommendation as applied
func (c *Client) MarkSucceeded(ctx context.Context, name, etag string, stateMetadata map[string]string) error {
	req := &recommender.GoogleCloudRecommenderV1MarkRecommendationSucceededRequest{
		Etag:          etag,
		StateMetadata: stateMetadata,
	}
	_, err := retry(ctx, c, func() (*recommender.GoogleCloudRecommenderV1Recommendation, error) {
		return c.recommender.Projects.Locations.Recommenders.Recommendations.MarkSucceeded(name, req).Context(ctx).Do()
	})
	if err != nil {
		return fmt.Errorf("mark recommendation succeeded: %w", err)
	}
	return nil
}

// GetIamPolicy reads the IAM policy of project
func (c *Client) GetIamPolicy(ctx context.Context, project string, requestedVersion int64) (*types.Policy, error) {
	req := &cloudresourcemanager.GetIamPolicyRequest{
		Options: &cloudresourcemanager.GetPolicyOptions{RequestedPolicyVersion: requestedVersion},
	}
	resp, err := retry(ctx, c, func() (*cloudresourcemanager.Policy, error) {
		return c.projects.Projects.GetIamPolicy(project, req).Context(ctx).Do()
	})
	if err != nil {
		return nil, err
	}
	var policy types.Policy
	if err := convert(resp, &policy); err != nil {
		return nil, err
	}
	return &policy, nil
}

// SetIamPolicy writes the IAM policy of project. The policy etag guards
// against concurrent modification, so conflicts are not retried.
func (c *Client) SetIamPolicy(ctx context.Context, project string, policy *types.Policy) (*types.Policy, error) {
	var body cloudresourcemanager.Policy
	if err := convert(policy, &body); err != nil {
		return nil, err
	}
	req := &cloudresourcemanager.SetIamPolicyRequest{Policy: &body}
	resp, err := retry(ctx, c, func() (*cloudresourcemanager.Policy, error) {
		return c.projects.Projects.SetIamPolicy(project, req).Context(ctx).Do()
	})
	if err != nil {
		return nil, err
	}
	var out types.Policy
	if err := convert(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// wait runs a paginated call under the limiter with retries
func (c *Client) wait(ctx context.Context, call func() error) error {
	_, err := retry(ctx, c, func() (struct{}, error) {
		return struct{}{}, call()
	})
	return err
}

func retry[T any](ctx context.Context, c *Client, call func() (T, error)) (T, error) {
	attempt := 0
	return backoff.Retry(ctx, func() (T, error) {
		var zero T
		if err := c.limiter.Wait(ctx); err != nil {
			return zero, backoff.Permanent(err)
		}
		attempt++
		v, err := call()
		if err == nil {
			return v, nil
		}
		if !Retryable(err) {
			return zero, backoff.Permanent(err)
		}
		c.logger.WithContext(ctx).Warn().
			Err(err).
			Int("attempt", attempt).
			Msg("retrying google api call")
		return zero, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(c.cfg.MaxTries),
		backoff.WithMaxElapsedTime(c.cfg.MaxElapsed),
	)
}

// Retryable reports whether err is a quota or server error worth retrying
func Retryable(err error) bool {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= http.StatusInternalServerError
}

// convert copies between API and local types through their JSON form
func convert(in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal %T: %w", in, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal into %T: %w", out, err)
	}
	return nil
}
