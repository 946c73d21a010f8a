// Package mail sends fire-and-forget notification email. Delivery failures
// are logged by callers, never propagated into the event flow.
package mail

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
)

// Sender delivers a single outbound email.
type Sender interface {
	Send(ctx context.Context, to, subject, html string) error
}

// SMTPSender sends mail through a plain SMTP relay.
type SMTPSender struct {
	addr string // host:port
	from string
	auth smtp.Auth
}

// NewSMTPSender returns a Sender talking to the relay at addr. username may
// be empty for unauthenticated relays.
func NewSMTPSender(addr, from, username, password string) *SMTPSender {
	var a smtp.Auth
	if username != "" {
		host := addr
		if i := strings.IndexByte(addr, ':'); i >= 0 {
			host = addr[:i]
		}
		a = smtp.PlainAuth("", username, password, host)
	}
	return &SMTPSender{addr: addr, from: from, auth: a}
}

// Send delivers one HTML email. The context is accepted for interface
// symmetry; net/smtp does not support cancellation mid-session.
func (s *SMTPSender) Send(_ context.Context, to, subject, html string) error {
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/html; charset=\"UTF-8\"\r\n\r\n%s\r\n",
		s.from, to, subject, html)
	if err := smtp.SendMail(s.addr, s.auth, s.from, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("smtp send to %s: %w", to, err)
	}
	return nil
}

// Discard is a Sender that drops mail, used when no relay is configured.
type Discard struct{}

// Send implements Sender by doing nothing.
func (Discard) Send(context.Context, string, string, string) error { return nil }
