// Package email provides email notification sending via SMTP.
package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"gopkg.in/gomail.v2"

	"github.com/bissquit/herald/internal/domain"
	"github.com/bissquit/herald/internal/notifications"
)

// Config holds email sender configuration.
type Config struct {
	Enabled      bool
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	FromAddress  string
	// HTML sends the body as text/html instead of text/plain.
	HTML bool
}

// Sender implements email notification sender via SMTP.
type Sender struct {
	config Config
	dialer *gomail.Dialer
}

// NewSender creates a new email sender.
// Returns error if enabled but required config is missing.
func NewSender(config Config) (*Sender, error) {
	if config.Enabled {
		if config.SMTPHost == "" {
			return nil, errors.New("email sender: SMTP host is required when enabled")
		}
		if config.FromAddress == "" {
			return nil, errors.New("email sender: from address is required when enabled")
		}
	}

	if config.SMTPPort == 0 {
		config.SMTPPort = 587
	}

	dialer := gomail.NewDialer(config.SMTPHost, config.SMTPPort, config.SMTPUser, config.SMTPPassword)
	dialer.TLSConfig = &tls.Config{
		ServerName: config.SMTPHost,
		MinVersion: tls.VersionTLS12,
	}

	slog.Info("email sender configured",
		"enabled", config.Enabled,
		"smtp_host", config.SMTPHost,
		"smtp_port", config.SMTPPort,
		"from_address", config.FromAddress,
		"auth", config.SMTPUser != "",
	)

	return &Sender{
		config: config,
		dialer: dialer,
	}, nil
}

// Type returns the channel type.
func (s *Sender) Type() domain.ChannelType {
	return domain.ChannelTypeEmail
}

// Send sends an email notification to a single recipient.
// A disabled sender accepts and drops the message.
func (s *Sender) Send(ctx context.Context, notification notifications.Notification) error {
	if !s.config.Enabled {
		slog.Warn("email sender disabled, skipping send", "item_id", notification.ItemID)
		return nil
	}

	if notification.To == "" {
		return notifications.NewNonRetryableError(errors.New("email recipient is empty"))
	}
	if err := ctx.Err(); err != nil {
		return notifications.NewRetryableError(err)
	}

	msg := s.buildMessage(notification)
	if err := s.dialer.DialAndSend(msg); err != nil {
		if IsRetryable(err) {
			return notifications.NewRetryableError(fmt.Errorf("send email: %w", err))
		}
		return notifications.NewNonRetryableError(fmt.Errorf("send email: %w", err))
	}

	slog.Debug("email sent", "item_id", notification.ItemID)
	return nil
}

// buildMessage constructs the email message with headers.
func (s *Sender) buildMessage(n notifications.Notification) *gomail.Message {
	msg := gomail.NewMessage()
	msg.SetHeader("From", s.config.FromAddress)
	msg.SetHeader("To", n.To)
	msg.SetHeader("Subject", n.Subject)
	if n.ItemID != "" {
		msg.SetHeader("X-Herald-Item-Id", n.ItemID)
	}

	contentType := "text/plain"
	if s.config.HTML {
		contentType = "text/html"
	}
	msg.SetBody(contentType, n.Body)
	return msg
}

// IsRetryable determines if an SMTP error is retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Network timeout errors are retryable
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// Connection refused is retryable
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	errStr := err.Error()

	// SMTP 4xx codes are temporary failures
	if strings.Contains(errStr, "421") || // Service not available
		strings.Contains(errStr, "450") || // Mailbox unavailable
		strings.Contains(errStr, "451") || // Local error
		strings.Contains(errStr, "452") { // Insufficient storage
		return true
	}

	// 552 - Mailbox full is sometimes retryable
	if strings.Contains(errStr, "552") {
		return true
	}

	return false
}
