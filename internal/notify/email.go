// Package notify sends audit start and end notifications by email.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/yairfalse/cureiam/telemetry"
)

// SSL modes for the SMTP connection
const (
	SSLModeSSL      = "ssl"
	SSLModeStartTLS = "starttls"
	SSLModeDisable  = "disable"
)

const timeFormat = "2006-01-02 15:04:05 -0700 (MST)"

// Config describes the SMTP server and recipients
type Config struct {
	FromAddr string   `mapstructure:"from_addr" validate:"required,email"`
	ToAddrs  []string `mapstructure:"to_addrs" validate:"required,min=1,dive,email"`
	Subject  string   `mapstructure:"subject"`
	Host     string   `mapstructure:"host"`
	Port     int      `mapstructure:"port" validate:"gte=0,lte=65535"`
	SSLMode  string   `mapstructure:"ssl_mode" validate:"omitempty,oneof=ssl starttls disable"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
}

// Sender delivers a composed message
type Sender interface {
	Send(ctx context.Context, msg *mail.Msg) error
}

// Mailer sends start and end notifications
type Mailer struct {
	cfg    Config
	sender Sender
	logger *telemetry.Logger
}

// NewMailer creates a mailer delivering over SMTP
func NewMailer(cfg Config) (*Mailer, error) {
	sender, err := newSMTPSender(cfg)
	if err != nil {
		return nil, err
	}
	return NewMailerWithSender(cfg, sender), nil
}

// NewMailerWithSender creates a mailer with a custom delivery backend
func NewMailerWithSender(cfg Config, sender Sender) *Mailer {
	return &Mailer{
		cfg:    cfg,
		sender: sender,
		logger: telemetry.NewLogger("notify"),
	}
}

// Notify sends a notification about a run or audit starting, or ending when
// end is set
func (m *Mailer) Notify(ctx context.Context, about string, start time.Time, end *time.Time) error {
	state := "starting"
	if end != nil {
		state = "ending"
	}

	m.logger.WithContext(ctx).Info().
		Str("about", about).
		Str("state", state).
		Msg("sending email")

	subject := m.cfg.Subject
	if subject == "" {
		subject = "CureIAM"
	}
	if err := m.Send(ctx, fmt.Sprintf("%s: %s %s", subject, about, state), Content(about, start, end)); err != nil {
		return err
	}

	m.logger.WithContext(ctx).Info().
		Str("about", about).
		Str("state", state).
		Msg("sent email")
	return nil
}

// Send sends a plain text message to the configured recipients
func (m *Mailer) Send(ctx context.Context, subject, body string) error {
	msg := mail.NewMsg()
	if err := msg.From(m.cfg.FromAddr); err != nil {
		return fmt.Errorf("invalid from address: %w", err)
	}
	if err := msg.To(m.cfg.ToAddrs...); err != nil {
		return fmt.Errorf("invalid recipient address: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)

	if err := m.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

// Content renders the notification body
func Content(about string, start time.Time, end *time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "About: %s\n", about)
	fmt.Fprintf(&b, "Started: %s\n", start.Format(timeFormat))
	if end != nil {
		fmt.Fprintf(&b, "Ended: %s\n", end.Format(timeFormat))
		fmt.Fprintf(&b, "Duration: %s\n", FormatDuration(end.Sub(start)))
	}
	return b.String()
}

// FormatDuration renders d as "HH h MM m SS s"
func FormatDuration(d time.Duration) string {
	total := int64(d.Round(time.Second) / time.Second)
	hh := total / 3600
	mm := (total % 3600) / 60
	ss := total % 60
	return fmt.Sprintf("%02d h %02d m %02d s", hh, mm, ss)
}

type smtpSender struct {
	client *mail.Client
}

func newSMTPSender(cfg Config) (*smtpSender, error) {
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}

	opts := []mail.Option{}
	switch cfg.SSLMode {
	case SSLModeStartTLS:
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
		if cfg.Port == 0 {
			opts = append(opts, mail.WithPort(587))
		}
	case SSLModeDisable:
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
		if cfg.Port == 0 {
			opts = append(opts, mail.WithPort(25))
		}
	default:
		opts = append(opts, mail.WithSSL())
		if cfg.Port == 0 {
			opts = append(opts, mail.WithPort(465))
		}
	}
	if cfg.Port != 0 {
		opts = append(opts, mail.WithPort(cfg.Port))
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}

	client, err := mail.NewClient(host, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create smtp client: %w", err)
	}
	return &smtpSender{client: client}, nil
}

func (s *smtpSender) Send(ctx context.Context, msg *mail.Msg) error {
	return s.client.DialAndSendWithContext(ctx, msg)
}
