// Package notification delivers outbound email. The only message the
// application sends today is the staff invite (hospital name + invite code);
// senders are swappable so tests and dev environments never touch SMTP.
package notification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gopkg.in/gomail.v2"
)

// EmailSender delivers a single plain-text message.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// ---------------------------------------------------------------------------
// SMTP sender
// ---------------------------------------------------------------------------

// SMTPConfig carries the dialer settings for the SMTP sender.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

const defaultSMTPTimeout = 10 * time.Second

// SMTPSender sends mail through an SMTP relay via gomail.
type SMTPSender struct {
	cfg SMTPConfig
}

// NewSMTPSender creates an SMTPSender. A zero Timeout defaults to 10s.
func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSMTPTimeout
	}
	return &SMTPSender{cfg: cfg}
}

// SendEmail dials the relay and sends one message. gomail has no context
// support, so the dial-and-send runs in a goroutine and the call returns
// early when ctx expires first; the abandoned attempt finishes in the
// background and its connection is closed by the SMTP library.
func (s *SMTPSender) SendEmail(ctx context.Context, to, subject, body string) error {
	if to == "" {
		return fmt.Errorf("recipient is required")
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.cfg.From)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)

	d := gomail.NewDialer(s.cfg.Host, s.cfg.Port, s.cfg.Username, s.cfg.Password)

	done := make(chan error, 1)
	go func() {
		done <- d.DialAndSend(m)
	}()

	wait := s.cfg.Timeout
	if dl, ok := ctx.Deadline(); ok {
		if until := time.Until(dl); until > 0 && until < wait {
			wait = until
		}
	}

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return context.DeadlineExceeded
	}
}

// ---------------------------------------------------------------------------
// In-memory sender
// ---------------------------------------------------------------------------

// SentEmail records one message accepted by the MemorySender.
type SentEmail struct {
	To      string
	Subject string
	Body    string
}

// MemorySender records messages instead of delivering them. It backs dev
// environments without SMTP_HOST configured and doubles as the test fake.
type MemorySender struct {
	mu   sync.Mutex
	sent []SentEmail

	// Err, when set, is returned by every SendEmail call.
	Err error
}

// NewMemorySender returns an empty MemorySender.
func NewMemorySender() *MemorySender {
	return &MemorySender{}
}

func (m *MemorySender) SendEmail(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.sent = append(m.sent, SentEmail{To: to, Subject: subject, Body: body})
	return nil
}

// Sent returns a copy of the recorded messages.
func (m *MemorySender) Sent() []SentEmail {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentEmail, len(m.sent))
	copy(out, m.sent)
	return out
}

// ---------------------------------------------------------------------------
// Templates
// ---------------------------------------------------------------------------

// StaffInvite renders the staff-invite message for a hospital.
func StaffInvite(hospitalName, inviteCode string) (subject, body string) {
	subject = fmt.Sprintf("Invitation to join %s on CareMAR", hospitalName)
	body = fmt.Sprintf(
		"You have been invited to join the staff of %s.\n\n"+
			"Sign in to CareMAR and enter this invite code to join:\n\n"+
			"    %s\n\n"+
			"If you were not expecting this invitation, you can ignore this message.\n",
		hospitalName, inviteCode,
	)
	return subject, body
}
