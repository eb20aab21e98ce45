package aws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/yairfalse/cureiam/internal/plugin"
	"github.com/yairfalse/cureiam/telemetry"
	"github.com/yairfalse/cureiam/types"
)

// MaxBatchSize is the SQS limit of messages per batch request
const MaxBatchSize = 10

// SQSParams are the aws.sqs_alert parameters
type SQSParams struct {
	ClientParams       `mapstructure:",squash"`
	plugin.AlertParams `mapstructure:",squash"`
	QueueURL           string `mapstructure:"queue_url"`
}

// SQSAlert publishes one message per matching processed record, in batches
type SQSAlert struct {
	client   SQSAPI
	queueURL string
	filter   plugin.AlertParams
	pending  []sqstypes.SendMessageBatchRequestEntry
	next     int
	sent     int
	failed   int
	logger   *telemetry.Logger
}

// NewSQSAlert creates an alert sink publishing to params.QueueURL
func NewSQSAlert(client SQSAPI, params SQSParams, env plugin.Env) (*SQSAlert, error) {
	if params.QueueURL == "" {
		return nil, errors.New("queue_url is required")
	}
	logger := env.Logger
	if logger == nil {
		logger = telemetry.NewLogger("sqs-alert")
	}
	return &SQSAlert{
		client:   client,
		queueURL: params.QueueURL,
		filter:   params.AlertParams,
		logger:   logger,
	}, nil
}

// Write queues an alert for rec when it matches
func (a *SQSAlert) Write(ctx context.Context, rec *types.Record) error {
	if !a.filter.Matches(rec) {
		return nil
	}
	body, err := json.Marshal(plugin.NewAlert(rec))
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	a.next++
	a.pending = append(a.pending, sqstypes.SendMessageBatchRequestEntry{
		Id:          aws.String(strconv.Itoa(a.next)),
		MessageBody: aws.String(string(body)),
	})
	if len(a.pending) >= MaxBatchSize {
		return a.flush(ctx)
	}
	return nil
}

func (a *SQSAlert) flush(ctx context.Context) error {
	if len(a.pending) == 0 {
		return nil
	}
	batch := a.pending
	a.pending = nil

	out, err := a.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
		QueueUrl: aws.String(a.queueURL),
		Entries:  batch,
	})
	if err != nil {
		a.failed += len(batch)
		return fmt.Errorf("send alert batch: %w", err)
	}

	a.sent += len(out.Successful)
	if len(out.Failed) > 0 {
		a.failed += len(out.Failed)
		for _, f := range out.Failed {
			a.logger.WithContext(ctx).Warn().
				Str("id", aws.ToString(f.Id)).
				Str("code", aws.ToString(f.Code)).
				Str("message", aws.ToString(f.Message)).
				Msg("alert message rejected")
		}
		return fmt.Errorf("%d of %d alert messages rejected", len(out.Failed), len(batch))
	}
	return nil
}

// Sent returns the number of alerts delivered
func (a *SQSAlert) Sent() int { return a.sent }

// Shutdown sends the remaining alerts
func (a *SQSAlert) Shutdown(ctx context.Context) error {
	err := a.flush(ctx)
	a.logger.WithContext(ctx).Info().
		Int("sent", a.sent).
		Int("failed", a.failed).
		Msg("sqs alerts done")
	return err
}
