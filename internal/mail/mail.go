// Package mail sends plain-text notification email over SMTP.
package mail

import (
	"context"
	"fmt"

	gomail "gopkg.in/gomail.v2"
)

// Config carries SMTP connection settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPMailer implements capture.Mailer over SMTP.
type SMTPMailer struct {
	dialer *gomail.Dialer
	from   string
}

// NewSMTP builds a mailer from the connection settings.
func NewSMTP(cfg Config) *SMTPMailer {
	return &SMTPMailer{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   cfg.From,
	}
}

// Send delivers one plain-text message. The SMTP dial has no context hook,
// so cancellation is only checked up front.
func (m *SMTPMailer) Send(ctx context.Context, subject, body string, to []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", to...)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)
	if err := m.dialer.DialAndSend(msg); err != nil {
		return fmt.Errorf("mail: send %q: %w", subject, err)
	}
	return nil
}
