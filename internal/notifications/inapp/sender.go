// Package inapp delivers notifications to the in-product inbox and fans
// them out to connected clients.
package inapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bissquit/herald/internal/domain"
	"github.com/bissquit/herald/internal/notifications"
)

// DefaultTTL is how long an inbox entry stays visible.
const DefaultTTL = 30 * 24 * time.Hour

// RealtimeNotifier pushes a stored inbox entry to the user's live sessions.
type RealtimeNotifier interface {
	NotifyUser(ctx context.Context, userID string, payload []byte) error
}

// Config holds in-app sender configuration.
type Config struct {
	TTL time.Duration
}

// Sender stores notifications in the inbox. notification.To is the user ID.
type Sender struct {
	config   Config
	repo     notifications.InAppRepository
	notifier RealtimeNotifier
	now      func() time.Time
}

// NewSender creates a new in-app sender. notifier may be nil.
func NewSender(config Config, repo notifications.InAppRepository, notifier RealtimeNotifier) *Sender {
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	return &Sender{
		config:   config,
		repo:     repo,
		notifier: notifier,
		now:      time.Now,
	}
}

// Type returns the channel type.
func (s *Sender) Type() domain.ChannelType {
	return domain.ChannelTypeInApp
}

// Send stores the inbox entry, then publishes it. A failed publish does not
// fail the delivery: the entry is already readable from the inbox.
func (s *Sender) Send(ctx context.Context, notification notifications.Notification) error {
	if notification.To == "" {
		return notifications.NewNonRetryableError(errors.New("in-app recipient is empty"))
	}

	entry := &notifications.InAppNotification{
		UserID:      notification.To,
		QueueItemID: notification.ItemID,
		Subject:     notification.Subject,
		Body:        notification.Body,
		ExpiresAt:   s.now().Add(s.config.TTL),
	}
	if err := s.repo.CreateInAppNotification(ctx, entry); err != nil {
		return fmt.Errorf("store in-app notification: %w", err)
	}

	if s.notifier == nil {
		return nil
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		slog.Error("failed to encode in-app notification", "item_id", notification.ItemID, "error", err)
		return nil
	}
	if err := s.notifier.NotifyUser(ctx, entry.UserID, payload); err != nil {
		slog.Warn("realtime notify failed",
			"item_id", notification.ItemID,
			"user_id", entry.UserID,
			"error", err,
		)
	}
	return nil
}
