// Package email delivers account email. [Gomail](gopkg.in/gomail.v2) is used
// with SMTP; without an SMTP host messages are logged instead of sent.
//
// |---------------------------|---------------------|
// | Env                       | YAML                |
// | --------------------------|---------------------|
// | WD__EMAIL__FROM           | email.from          |
// | WD__EMAIL__SMTP__HOST     | email.smtp.host     |
// | WD__EMAIL__SMTP__PORT     | email.smtp.port     |
// | WD__EMAIL__SMTP__USERNAME | email.smtp.username |
// | WD__EMAIL__SMTP__PASSWORD | email.smtp.password |
// |---------------------------|---------------------|
package email

import (
	"context"
	"strings"

	"github.com/dpup/warden/errors"
	"github.com/dpup/warden/logging"
	"github.com/dpup/warden/settings"
	"google.golang.org/grpc/codes"
	"gopkg.in/gomail.v2"
)

// ErrNotConfigured is returned by Validate when required settings are absent.
var ErrNotConfigured = errors.NewC("email: not configured", codes.FailedPrecondition)

// Sender delivers a message. Satisfied by *gomail.Dialer.
type Sender interface {
	DialAndSend(...*gomail.Message) error
}

// logSender writes messages to the log rather than delivering them.
type logSender struct {
	logger logging.Logger
}

func (s logSender) DialAndSend(msgs ...*gomail.Message) error {
	for _, m := range msgs {
		s.logger.Infow("email: delivery disabled, dropping message",
			"to", strings.Join(m.GetHeader("To"), ","),
			"subject", strings.Join(m.GetHeader("Subject"), ""))
	}
	return nil
}

// Option customizes a Mailer.
type Option func(*Mailer)

// WithSender replaces the SMTP dialer.
func WithSender(sender Sender) Option {
	return func(m *Mailer) {
		m.sender = sender
	}
}

// WithFrom sets the default from address.
func WithFrom(from string) Option {
	return func(m *Mailer) {
		m.from = from
	}
}

// WithTemplates replaces the built-in templates.
func WithTemplates(t *Templates) Option {
	return func(m *Mailer) {
		m.templates = t
	}
}

// Mailer sends email and renders the account templates.
type Mailer struct {
	from       string
	confirmURL string
	smtpHost   string
	sender     Sender
	templates  *Templates
	logger     logging.Logger
}

// New returns a mailer configured from cfg. Messages are only logged when
// cfg has no SMTP host.
func New(cfg settings.Email, logger logging.Logger, opts ...Option) *Mailer {
	if logger == nil {
		logger = logging.Nop()
	}
	m := &Mailer{
		from:       cfg.From,
		confirmURL: cfg.ConfirmURL,
		smtpHost:   cfg.SMTPHost,
		logger:     logger.Named("email"),
	}
	if cfg.SMTPHost != "" {
		m.sender = gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword)
	} else {
		m.sender = logSender{logger: m.logger}
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.templates == nil {
		m.templates = DefaultTemplates()
	}
	return m
}

// Validate reports missing configuration.
func (m *Mailer) Validate() error {
	if m.from == "" {
		return errors.Mark(ErrNotConfigured, 0).Append("missing from address")
	}
	if m.confirmURL == "" {
		return errors.Mark(ErrNotConfigured, 0).Append("missing confirmation url")
	}
	if m.smtpHost == "" {
		m.logger.Warnw("email: no smtp host configured, messages will only be logged")
	}
	return nil
}

// Send an email. The from header defaults to the configured address.
func (m *Mailer) Send(ctx context.Context, msg *gomail.Message) error {
	if len(msg.GetHeader("From")) == 0 {
		msg.SetHeader("From", m.from)
	}
	logging.Infow(ctx, "email: sending", "to", strings.Join(msg.GetHeader("To"), ","))
	if err := m.sender.DialAndSend(msg); err != nil {
		return errors.WrapPrefix(err, "email: send failed", 0).WithCode(codes.Unavailable)
	}
	return nil
}
