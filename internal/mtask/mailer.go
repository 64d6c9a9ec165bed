package mtask

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/wneessen/go-mail"
)

// MailResult reports the outcome of a single dispatch. Mailers never return
// an error; a failed send is carried in the result.
type MailResult struct {
	Success bool
	Err     error
}

type Mailer interface {
	Send(ctx context.Context, to, subject, html string) MailResult
}

var errMailDisabled = errors.New("mail transport not configured")

// DisabledMailer is used when no SMTP host is configured. Every send fails
// so collaborators stay in a retryable state.
type DisabledMailer struct {
	Log zerolog.Logger
}

func (d DisabledMailer) Send(_ context.Context, to, subject, _ string) MailResult {
	d.Log.Debug().Str("to", to).Str("subject", subject).Msg("mail disabled, dropping message")
	return MailResult{Err: errMailDisabled}
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

type SMTPMailer struct {
	cfg    SMTPConfig
	client *mail.Client
	log    zerolog.Logger
}

func NewSMTPMailer(cfg SMTPConfig, log zerolog.Logger) (*SMTPMailer, error) {
	if cfg.Host == "" {
		return nil, errMailDisabled
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTimeout(cfg.Timeout),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	return &SMTPMailer{cfg: cfg, client: client, log: log}, nil
}

func (s *SMTPMailer) Send(ctx context.Context, to, subject, html string) MailResult {
	msg := mail.NewMsg()
	if err := msg.FromFormat("Task Manager", s.cfg.From); err != nil {
		return MailResult{Err: fmt.Errorf("from address: %w", err)}
	}
	if err := msg.To(to); err != nil {
		return MailResult{Err: fmt.Errorf("to address: %w", err)}
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextHTML, html)

	if err := s.client.DialAndSendWithContext(ctx, msg); err != nil {
		s.log.Warn().Err(err).Str("to", to).Msg("email dispatch failed")
		return MailResult{Err: err}
	}
	s.log.Debug().Str("to", to).Str("subject", subject).Msg("email sent")
	return MailResult{Success: true}
}

// NewMailer picks the SMTP mailer when a host is configured and falls back to
// DisabledMailer otherwise.
func NewMailer(cfg SMTPConfig, log zerolog.Logger) Mailer {
	if cfg.Host == "" {
		log.Warn().Msg("SMTP_HOST not set, outgoing email disabled")
		return DisabledMailer{Log: log}
	}
	m, err := NewSMTPMailer(cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("smtp mailer init failed, outgoing email disabled")
		return DisabledMailer{Log: log}
	}
	return m
}
