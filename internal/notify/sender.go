// Package notify delivers email and SMS messages through a durable
// outbox: the API enqueues, the worker claims and sends. Delivery is
// at-least-once.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
)

// Message is a rendered notification ready for delivery.
type Message struct {
	Kind      string // "email" | "sms"
	Recipient string
	Subject   string
	Body      string
}

// Sender delivers a rendered message over one channel.
type Sender interface {
	Send(ctx context.Context, m Message) error
}

// SMTPConfig configures the email sender.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPSender delivers email over plain SMTP with AUTH PLAIN.
type SMTPSender struct {
	cfg SMTPConfig
}

func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	return &SMTPSender{cfg: cfg}
}

func (s *SMTPSender) Send(_ context.Context, m Message) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n",
		s.cfg.From, m.Recipient, m.Subject, m.Body)

	if err := smtp.SendMail(addr, auth, s.cfg.From, []string{m.Recipient}, []byte(msg)); err != nil {
		return fmt.Errorf("smtp send to %s: %w", m.Recipient, err)
	}
	return nil
}

// LogSender writes messages to the log instead of delivering them. Used
// for SMS (no provider wired) and for development.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, m Message) error {
	s.logger.Info("notification_logged",
		"kind", m.Kind, "recipient", m.Recipient, "subject", m.Subject, "body", m.Body)
	return nil
}
