// Package push provides mobile push notification sending through an HTTP gateway.
package push

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/bissquit/herald/internal/domain"
	"github.com/bissquit/herald/internal/notifications"
	"github.com/bissquit/herald/internal/notifications/gateway"
)

// Config holds push sender configuration.
type Config struct {
	Gateway gateway.Config
	// DefaultTitle is used when the notification has no subject.
	DefaultTitle string
}

// Sender implements push notification sender.
type Sender struct {
	config Config
	client *gateway.Client
}

// NewSender creates a new push sender.
func NewSender(config Config) (*Sender, error) {
	client, err := gateway.NewClient("push", config.Gateway)
	if err != nil {
		return nil, err
	}
	return &Sender{config: config, client: client}, nil
}

// Type returns the channel type.
func (s *Sender) Type() domain.ChannelType {
	return domain.ChannelTypePush
}

type pushRequest struct {
	Token        string            `json:"token"`
	Notification pushNotification  `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

type pushNotification struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body"`
}

// Send delivers a push message. notification.To is the device token.
func (s *Sender) Send(ctx context.Context, notification notifications.Notification) error {
	token := strings.TrimSpace(notification.To)
	if token == "" {
		return notifications.NewNonRetryableError(errors.New("device token is empty"))
	}

	title := notification.Subject
	if title == "" {
		title = s.config.DefaultTitle
	}

	req := pushRequest{
		Token: token,
		Notification: pushNotification{
			Title: title,
			Body:  notification.Body,
		},
	}
	if notification.ItemID != "" {
		req.Data = map[string]string{"item_id": notification.ItemID}
	}

	if err := s.client.Post(ctx, req); err != nil {
		return err
	}

	slog.Debug("push sent", "item_id", notification.ItemID)
	return nil
}
