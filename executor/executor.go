// Package executor applies IAM recommendations to project policies.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/cureiam/telemetry"
	"github.com/yairfalse/cureiam/types"
)

// RequestedPolicyVersion is the policy version read before modification
const RequestedPolicyVersion = 1

// StateMetadata is attached to every recommendation marked succeeded
var StateMetadata = map[string]string{
	"reviewed-by": "cureiam",
	"owned-by":    "security",
}

// PolicyClient reads and writes project IAM policies
type PolicyClient interface {
	GetIamPolicy(ctx context.Context, project string, requestedVersion int64) (*types.Policy, error)
	SetIamPolicy(ctx context.Context, project string, policy *types.Policy) (*types.Policy, error)
}

// RecommendationClient updates recommendation state upstream
type RecommendationClient interface {
	MarkSucceeded(ctx context.Context, name, etag string, stateMetadata map[string]string) error
}

// Executor applies a recommendation by rewriting the project policy and
// marking the recommendation succeeded
type Executor struct {
	policies        PolicyClient
	recommendations RecommendationClient
	rollback        bool
	logger          *telemetry.Logger
	tracer          trace.Tracer
}

// Option configures an Executor
type Option func(*Executor)

// WithRollback restores the original policy when the recommendation cannot
// be marked succeeded after the policy was written
func WithRollback(enabled bool) Option {
	return func(e *Executor) { e.rollback = enabled }
}

// New creates an executor
func New(policies PolicyClient, recommendations RecommendationClient, opts ...Option) *Executor {
	e := &Executor{
		policies:        policies,
		recommendations: recommendations,
		logger:          telemetry.NewLogger("executor"),
		tracer:          otel.Tracer("cureiam.executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Apply fetches the policy of the record's project, applies the recommended
// operations, writes the policy back and marks the recommendation succeeded.
// Any error leaves the record untouched.
func (e *Executor) Apply(ctx context.Context, rec *types.Record) (err error) {
	if rec == nil || rec.Raw == nil || rec.Processor == nil {
		return errors.New("record has no raw or processor section")
	}
	project := rec.Processor.Project
	name := rec.Processor.RecommendationID

	ctx, span := e.tracer.Start(ctx, "executor.apply",
		trace.WithAttributes(
			attribute.String("project", telemetry.Obfuscate(project)),
			attribute.String("recommendation.id", name),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	current, err := e.policies.GetIamPolicy(ctx, project, RequestedPolicyVersion)
	if err != nil {
		return fmt.Errorf("get iam policy: %w", err)
	}

	original, err := clonePolicy(current)
	if err != nil {
		return err
	}

	if err := ApplyOperations(current, rec.Processor.RecommendationActions); err != nil {
		return fmt.Errorf("apply operations: %w", err)
	}

	written, err := e.policies.SetIamPolicy(ctx, project, current)
	if err != nil {
		return fmt.Errorf("set iam policy: %w", err)
	}

	if err := e.recommendations.MarkSucceeded(ctx, name, rec.Raw.Etag, StateMetadata); err != nil {
		err = fmt.Errorf("mark succeeded: %w", err)
		if e.rollback {
			return errors.Join(err, e.restore(ctx, project, original, written))
		}
		return err
	}

	e.logger.WithContext(ctx).Info().
		Str("project", telemetry.Obfuscate(project)).
		Str("recommendation_id", telemetry.Obfuscate(name)).
		Int("operations", len(rec.Processor.RecommendationActions)).
		Msg("policy updated")
	return nil
}

// restore writes the original bindings back over the policy just written
func (e *Executor) restore(ctx context.Context, project string, original, written *types.Policy) error {
	if written != nil {
		original.Etag = written.Etag
	}
	if _, err := e.policies.SetIamPolicy(ctx, project, original); err != nil {
		e.logger.WithContext(ctx).Error().
			Err(err).
			Str("project", telemetry.Obfuscate(project)).
			Msg("failed to restore policy")
		return fmt.Errorf("restore iam policy: %w", err)
	}
	e.logger.WithContext(ctx).Warn().
		Str("project", telemetry.Obfuscate(project)).
		Msg("policy restored after failed state update")
	return nil
}

func clonePolicy(p *types.Policy) (*types.Policy, error) {
	if p == nil {
		return nil, errors.New("get iam policy: empty policy")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("copy policy: %w", err)
	}
	var out types.Policy
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("copy policy: %w", err)
	}
	return &out, nil
}
