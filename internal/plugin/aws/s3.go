package aws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/yairfalse/cureiam/internal/plugin"
	"github.com/yairfalse/cureiam/telemetry"
	"github.com/yairfalse/cureiam/types"
)

// S3Params are the aws.s3_store parameters
type S3Params struct {
	ClientParams `mapstructure:",squash"`
	Bucket       string `mapstructure:"bucket"`
	Prefix       string `mapstructure:"prefix"`
}

// S3Store archives every record of an audit run as one NDJSON object,
// written on shutdown
type S3Store struct {
	client  S3API
	bucket  string
	key     string
	buf     bytes.Buffer
	enc     *json.Encoder
	records int
	logger  *telemetry.Logger
}

// NewS3Store creates a store writing to
// <prefix>/<audit key>/<audit version>.ndjson
func NewS3Store(client S3API, params S3Params, env plugin.Env) (*S3Store, error) {
	if params.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	version := env.AuditVersion
	if version == "" {
		version = "latest"
	}
	logger := env.Logger
	if logger == nil {
		logger = telemetry.NewLogger("s3-store")
	}

	s := &S3Store{
		client: client,
		bucket: params.Bucket,
		key:    path.Join(params.Prefix, env.AuditKey, version+".ndjson"),
		logger: logger,
	}
	s.enc = json.NewEncoder(&s.buf)
	return s, nil
}

// Key returns the object key the store writes
func (s *S3Store) Key() string { return s.key }

// Write buffers rec. Markers are skipped.
func (s *S3Store) Write(_ context.Context, rec *types.Record) error {
	if rec.IsMarker() {
		return nil
	}
	if err := s.enc.Encode(rec); err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	s.records++
	return nil
}

// Shutdown uploads the buffered records
func (s *S3Store) Shutdown(ctx context.Context) error {
	if s.records == 0 {
		s.logger.WithContext(ctx).Info().Str("bucket", s.bucket).Msg("no records to archive")
		return nil
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key),
		Body:        bytes.NewReader(s.buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", s.bucket, s.key, err)
	}

	s.logger.WithContext(ctx).Info().
		Str("bucket", s.bucket).
		Str("key", s.key).
		Int("records", s.records).
		Msg("archived records")
	return nil
}
