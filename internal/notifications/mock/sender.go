// Package mock provides a sender that logs and accepts every notification.
package mock

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/bissquit/herald/internal/domain"
	"github.com/bissquit/herald/internal/notifications"
)

// Sender accepts notifications for one channel without delivering them.
type Sender struct {
	channel domain.ChannelType
	sent    atomic.Int64
}

// NewSender creates a mock sender for channel.
func NewSender(channel domain.ChannelType) *Sender {
	slog.Info("mock sender configured", "channel", channel)
	return &Sender{channel: channel}
}

// Type returns the channel type.
func (s *Sender) Type() domain.ChannelType {
	return s.channel
}

// Send logs the notification and reports success.
func (s *Sender) Send(_ context.Context, notification notifications.Notification) error {
	s.sent.Add(1)
	slog.Info("mock send",
		"channel", s.channel,
		"item_id", notification.ItemID,
		"to", notification.To,
		"subject", notification.Subject,
		"body_length", len(notification.Body),
	)
	return nil
}

// Sent returns how many notifications were accepted.
func (s *Sender) Sent() int64 {
	return s.sent.Load()
}
