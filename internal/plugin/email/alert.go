// Package email sends a digest of alerting recommendations once per audit.
package email

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/yairfalse/cureiam/internal/notify"
	"github.com/yairfalse/cureiam/internal/plugin"
	"github.com/yairfalse/cureiam/telemetry"
	"github.com/yairfalse/cureiam/types"
)

// AlertClass is the registered class path
const AlertClass = "email.alert"

// Params are the email.alert parameters: the SMTP settings of the
// notification email plus the alert filter
type Params struct {
	notify.Config      `mapstructure:",squash"`
	plugin.AlertParams `mapstructure:",squash"`
}

// Alert collects matching records and mails them as one digest when the
// audit ends
type Alert struct {
	mailer   *notify.Mailer
	filter   plugin.AlertParams
	auditKey string
	alerts   []plugin.Alert
	sent     bool
	logger   *telemetry.Logger
}

// New creates an alert sink delivering through mailer
func New(mailer *notify.Mailer, filter plugin.AlertParams, env plugin.Env) *Alert {
	logger := env.Logger
	if logger == nil {
		logger = telemetry.NewLogger("email-alert")
	}
	return &Alert{
		mailer:   mailer,
		filter:   filter,
		auditKey: env.AuditKey,
		logger:   logger,
	}
}

func newAlertPlugin(env plugin.Env, raw map[string]any) (plugin.Plugin, error) {
	var params Params
	if err := plugin.DecodeParams(raw, &params); err != nil {
		return nil, err
	}
	if err := validator.New().Struct(params.Config); err != nil {
		return nil, fmt.Errorf("invalid email settings: %w", err)
	}
	mailer, err := notify.NewMailer(params.Config)
	if err != nil {
		return nil, err
	}
	return New(mailer, params.AlertParams, env), nil
}

// Register adds the alert to r
func Register(r *plugin.Registry) {
	r.MustRegister(AlertClass, plugin.CapabilitySink, newAlertPlugin)
	r.MarkRecordSink(AlertClass)
}

// Write collects rec when it matches, and sends the digest on end_audit
func (a *Alert) Write(ctx context.Context, rec *types.Record) error {
	if rec.RecordType() == types.RecordTypeEndAudit {
		return a.send(ctx)
	}
	if a.filter.Matches(rec) {
		a.alerts = append(a.alerts, plugin.NewAlert(rec))
	}
	return nil
}

func (a *Alert) send(ctx context.Context) error {
	if a.sent {
		return nil
	}
	a.sent = true
	if len(a.alerts) == 0 {
		a.logger.WithContext(ctx).Info().Str("audit_key", a.auditKey).Msg("no alerts to send")
		return nil
	}

	subject := fmt.Sprintf("CureIAM %s: %d recommendations need attention", a.auditKey, len(a.alerts))
	if err := a.mailer.Send(ctx, subject, Digest(a.alerts)); err != nil {
		return err
	}
	a.logger.WithContext(ctx).Info().
		Str("audit_key", a.auditKey).
		Int("alerts", len(a.alerts)).
		Msg("sent alert digest")
	return nil
}

// Digest renders one line per alert followed by its scores
func Digest(alerts []plugin.Alert) string {
	var b strings.Builder
	for _, al := range alerts {
		fmt.Fprintf(&b, "%s\n", al.Subject())
		fmt.Fprintf(&b, "  id: %s\n", al.RecommendationID)
		fmt.Fprintf(&b, "  state: %s", al.State)
		if al.Outcome != "" {
			fmt.Fprintf(&b, ", enforcement: %s", al.Outcome)
		}
		fmt.Fprintf(&b, "\n  safe to apply: %d, over privilege: %d\n\n", al.SafeToApplyScore, al.OverPrivilegeScore)
	}
	return b.String()
}

// Shutdown sends the digest if no end_audit marker arrived
func (a *Alert) Shutdown(ctx context.Context) error {
	return a.send(ctx)
}
