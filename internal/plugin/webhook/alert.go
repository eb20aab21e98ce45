// Package webhook posts alerting recommendations to an HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/yairfalse/cureiam/internal/plugin"
	"github.com/yairfalse/cureiam/telemetry"
	"github.com/yairfalse/cureiam/types"
)

// AlertClass is the registered class path
const AlertClass = "webhook.alert"

// Defaults
const (
	DefaultMaxTries = 3
	DefaultTimeout  = 10 * time.Second
)

// Params are the webhook.alert parameters
type Params struct {
	plugin.AlertParams `mapstructure:",squash"`
	URL                string            `mapstructure:"url"`
	MaxTries           uint              `mapstructure:"max_tries"`
	Timeout            time.Duration     `mapstructure:"timeout"`
	Headers            map[string]string `mapstructure:"headers"`
}

// Alert posts one JSON alert per matching record. Server errors are
// retried with exponential backoff, client errors are not.
type Alert struct {
	client   *http.Client
	url      string
	headers  map[string]string
	maxTries uint
	filter   plugin.AlertParams
	backoff  func() backoff.BackOff
	sent     int
	failed   int
	logger   *telemetry.Logger
}

// New creates a webhook alert
func New(client *http.Client, params Params, env plugin.Env) (*Alert, error) {
	if params.URL == "" {
		return nil, errors.New("url is required")
	}
	if params.MaxTries == 0 {
		params.MaxTries = DefaultMaxTries
	}
	if params.Timeout <= 0 {
		params.Timeout = DefaultTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: params.Timeout}
	}
	logger := env.Logger
	if logger == nil {
		logger = telemetry.NewLogger("webhook-alert")
	}
	return &Alert{
		client:   client,
		url:      params.URL,
		headers:  params.Headers,
		maxTries: params.MaxTries,
		filter:   params.AlertParams,
		backoff:  func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		logger:   logger,
	}, nil
}

func newAlertPlugin(env plugin.Env, raw map[string]any) (plugin.Plugin, error) {
	var params Params
	if err := plugin.DecodeParams(raw, &params); err != nil {
		return nil, err
	}
	return New(nil, params, env)
}

// Register adds the alert to r
func Register(r *plugin.Registry) {
	r.MustRegister(AlertClass, plugin.CapabilitySink, newAlertPlugin)
	r.MarkRecordSink(AlertClass)
}

// Write posts an alert for rec when it matches
func (a *Alert) Write(ctx context.Context, rec *types.Record) error {
	if !a.filter.Matches(rec) {
		return nil
	}
	body, err := json.Marshal(plugin.NewAlert(rec))
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	attempt := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := a.post(ctx, body)
		if err != nil {
			a.logger.WithContext(ctx).Warn().
				Err(err).
				Int("attempt", attempt).
				Msg("webhook delivery failed")
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(a.backoff()),
		backoff.WithMaxTries(a.maxTries),
	)
	if err != nil {
		a.failed++
		return fmt.Errorf("deliver alert: %w", err)
	}
	a.sent++
	return nil
}

func (a *Alert) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range a.headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("webhook returned %s", resp.Status)
	default:
		return backoff.Permanent(fmt.Errorf("webhook returned %s", resp.Status))
	}
}

// Sent returns the number of alerts delivered
func (a *Alert) Sent() int { return a.sent }

// Shutdown logs delivery totals
func (a *Alert) Shutdown(ctx context.Context) error {
	a.logger.WithContext(ctx).Info().
		Int("sent", a.sent).
		Int("failed", a.failed).
		Msg("webhook alerts done")
	return nil
}
