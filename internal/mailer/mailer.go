// Package mailer sends operator notifications for conditions a human needs
// to act on: a phone disabled after too many crashes, a phone disconnected,
// a job store that has been failing for a while. Grounded on autophone's
// worker.py Mailer usage — sends are best-effort, a failed send is logged
// and never propagated as a fatal error.
package mailer

import (
	"fmt"
	"net/smtp"

	"go.uber.org/zap"
)

// Mailer sends a single operator notification. Implementations must not
// block indefinitely; callers treat Send as fire-and-forget.
type Mailer interface {
	Send(subject, body string) error
}

// SMTPMailer sends notifications through a configured SMTP relay.
type SMTPMailer struct {
	addr       string
	auth       smtp.Auth
	from       string
	recipients []string
	logger     *zap.Logger
}

func NewSMTPMailer(addr, username, password, from string, recipients []string, logger *zap.Logger) *SMTPMailer {
	var auth smtp.Auth
	if username != "" {
		host := addr
		if i := indexByte(addr, ':'); i >= 0 {
			host = addr[:i]
		}
		auth = smtp.PlainAuth("", username, password, host)
	}
	return &SMTPMailer{addr: addr, auth: auth, from: from, recipients: recipients, logger: logger}
}

func (m *SMTPMailer) Send(subject, body string) error {
	if len(m.recipients) == 0 {
		return nil
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n",
		m.from, joinComma(m.recipients), subject, body)
	if err := smtp.SendMail(m.addr, m.auth, m.from, m.recipients, []byte(msg)); err != nil {
		return fmt.Errorf("mailer: send failed: %w", err)
	}
	return nil
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func joinComma(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}

// LogMailer only logs notifications. Used when no SMTP relay is configured
// (e.g. in development), or as the Mailer for tests.
type LogMailer struct {
	logger *zap.Logger
}

func NewLogMailer(logger *zap.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

func (m *LogMailer) Send(subject, body string) error {
	m.logger.Warn("mailer: notification", zap.String("subject", subject), zap.String("body", body))
	return nil
}
