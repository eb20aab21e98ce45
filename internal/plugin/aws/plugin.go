// Package aws archives audit records to S3 and publishes alerts to SQS.
package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/yairfalse/cureiam/internal/plugin"
)

// Registered class paths
const (
	S3StoreClass  = "aws.s3_store"
	SQSAlertClass = "aws.sqs_alert"
)

// ClientParams are the connection parameters shared by the AWS plugins.
// Endpoint overrides the service endpoint, for localstack and similar.
type ClientParams struct {
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
}

func loadConfig(ctx context.Context, p ClientParams) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if p.Region != "" {
		opts = append(opts, config.WithRegion(p.Region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return cfg, nil
}

func newS3StorePlugin(env plugin.Env, raw map[string]any) (plugin.Plugin, error) {
	var params S3Params
	if err := plugin.DecodeParams(raw, &params); err != nil {
		return nil, err
	}
	cfg, err := loadConfig(context.Background(), params.ClientParams)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if params.Endpoint != "" {
			o.BaseEndpoint = aws.String(params.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3Store(client, params, env)
}

func newSQSAlertPlugin(env plugin.Env, raw map[string]any) (plugin.Plugin, error) {
	var params SQSParams
	if err := plugin.DecodeParams(raw, &params); err != nil {
		return nil, err
	}
	cfg, err := loadConfig(context.Background(), params.ClientParams)
	if err != nil {
		return nil, err
	}
	client := sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if params.Endpoint != "" {
			o.BaseEndpoint = aws.String(params.Endpoint)
		}
	})
	return NewSQSAlert(client, params, env)
}

// Register adds the AWS plugins to r
func Register(r *plugin.Registry) {
	r.MustRegister(S3StoreClass, plugin.CapabilitySink, newS3StorePlugin)
	r.MustRegister(SQSAlertClass, plugin.CapabilitySink, newSQSAlertPlugin)
	r.MarkRecordSink(SQSAlertClass)
}
