// Package sms provides SMS notification sending through an HTTP gateway.
package sms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/bissquit/herald/internal/domain"
	"github.com/bissquit/herald/internal/notifications"
	"github.com/bissquit/herald/internal/notifications/gateway"
)

// maxMessageRunes caps the text at ten concatenated segments.
const maxMessageRunes = 1530

// Config holds SMS sender configuration.
type Config struct {
	Gateway  gateway.Config
	SenderID string
}

// Sender implements SMS notification sender.
type Sender struct {
	config   Config
	client   *gateway.Client
	validate *validator.Validate
}

// NewSender creates a new SMS sender.
func NewSender(config Config) (*Sender, error) {
	client, err := gateway.NewClient("sms", config.Gateway)
	if err != nil {
		return nil, err
	}
	return &Sender{
		config:   config,
		client:   client,
		validate: validator.New(),
	}, nil
}

// Type returns the channel type.
func (s *Sender) Type() domain.ChannelType {
	return domain.ChannelTypeSMS
}

type messageRequest struct {
	To        string `json:"to"`
	From      string `json:"from,omitempty"`
	Text      string `json:"text"`
	Reference string `json:"reference,omitempty"`
}

// Send sends an SMS. notification.To must be an E.164 phone number.
func (s *Sender) Send(ctx context.Context, notification notifications.Notification) error {
	if err := s.validate.Var(notification.To, "required,e164"); err != nil {
		return notifications.NewNonRetryableError(fmt.Errorf("invalid phone number %q", notification.To))
	}

	text := notification.Body
	if notification.Subject != "" {
		text = notification.Subject + "\n" + text
	}
	if text == "" {
		return notifications.NewNonRetryableError(errors.New("sms text is empty"))
	}
	text = truncate(text, maxMessageRunes)

	err := s.client.Post(ctx, messageRequest{
		To:        notification.To,
		From:      s.config.SenderID,
		Text:      text,
		Reference: notification.ItemID,
	})
	if err != nil {
		return err
	}

	slog.Debug("sms sent", "item_id", notification.ItemID)
	return nil
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}
