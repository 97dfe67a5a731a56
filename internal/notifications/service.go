package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bissquit/herald/internal/domain"
)

// EnqueueInput describes a delivery request from a producer.
type EnqueueInput struct {
	Channel      domain.ChannelType
	Recipient    string
	Subject      string
	Body         string
	TemplateKey  string
	TemplateData json.RawMessage
	// Priority 0 means PriorityDefault.
	Priority int
	// MaxRetries 0 means the service default.
	MaxRetries int
	// SendAt in the future creates a scheduled item.
	SendAt *time.Time
}

// Service provides the producer-facing notification operations.
type Service struct {
	repo       Repository
	maxRetries int
	now        func() time.Time
}

// NewService creates a new notifications service.
func NewService(repo Repository, defaultMaxRetries int) *Service {
	if defaultMaxRetries <= 0 {
		defaultMaxRetries = DefaultWorkerConfig().MaxRetries
	}
	return &Service{
		repo:       repo,
		maxRetries: defaultMaxRetries,
		now:        time.Now,
	}
}

// Enqueue validates the request and stores a new pending or scheduled item.
func (s *Service) Enqueue(ctx context.Context, in EnqueueInput) (*QueueItem, error) {
	if !in.Channel.IsValid() {
		return nil, ErrInvalidChannel
	}
	recipient := strings.TrimSpace(in.Recipient)
	if recipient == "" {
		return nil, ErrEmptyRecipient
	}
	if in.Body == "" && in.TemplateKey == "" {
		return nil, ErrEmptyContent
	}

	priority := in.Priority
	if priority == 0 {
		priority = PriorityDefault
	}
	if priority < PriorityHighest || priority > PriorityLowest {
		return nil, ErrInvalidPriority
	}

	maxRetries := in.MaxRetries
	if maxRetries < 0 {
		return nil, ErrInvalidMaxRetry
	}
	if maxRetries == 0 {
		maxRetries = s.maxRetries
	}

	if len(bytes.TrimSpace(in.TemplateData)) > 0 {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(in.TemplateData, &probe); err != nil {
			return nil, ErrInvalidTemplate
		}
	}

	now := s.now()
	item := &QueueItem{
		ID:           uuid.NewString(),
		Channel:      in.Channel,
		Recipient:    recipient,
		Subject:      in.Subject,
		Body:         in.Body,
		TemplateKey:  in.TemplateKey,
		TemplateData: in.TemplateData,
		Priority:     priority,
		Status:       QueueStatusPending,
		MaxRetries:   maxRetries,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if in.SendAt != nil && in.SendAt.After(now) {
		sendAt := *in.SendAt
		item.Status = QueueStatusScheduled
		item.NextRetryAt = &sendAt
	}

	if err := s.repo.EnqueueNotification(ctx, item); err != nil {
		return nil, fmt.Errorf("enqueue notification: %w", err)
	}

	return item, nil
}

// Get returns a queue item by ID.
func (s *Service) Get(ctx context.Context, id string) (*QueueItem, error) {
	return s.repo.GetQueueItem(ctx, id)
}

// Cancel cancels a pending or scheduled item.
func (s *Service) Cancel(ctx context.Context, id string) (*QueueItem, error) {
	item, err := s.repo.GetQueueItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if !item.Status.CanTransitionTo(QueueStatusCancelled) {
		return nil, ErrNotCancellable
	}

	if err := s.repo.CancelQueueItem(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.GetQueueItem(ctx, id)
}

// Requeue resets a failed item so the failed-for-retry job picks it up again.
func (s *Service) Requeue(ctx context.Context, id string) (*QueueItem, error) {
	item, err := s.repo.GetQueueItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.Status != QueueStatusFailed {
		return nil, ErrNotRequeueable
	}

	if err := s.repo.RequeueFailedItem(ctx, id, s.now()); err != nil {
		return nil, err
	}
	return s.repo.GetQueueItem(ctx, id)
}

// Stats returns queue counts by status.
func (s *Service) Stats(ctx context.Context) (*QueueStats, error) {
	return s.repo.GetQueueStats(ctx)
}

// SaveTemplate creates or updates a template. The stored version is
// incremented on every update.
func (s *Service) SaveTemplate(ctx context.Context, tmpl *Template) error {
	tmpl.Key = strings.TrimSpace(tmpl.Key)
	if tmpl.Key == "" || tmpl.Body == "" {
		return ErrEmptyContent
	}
	if tmpl.Name == "" {
		tmpl.Name = tmpl.Key
	}
	return s.repo.UpsertTemplate(ctx, tmpl)
}

// GetTemplate returns a template by key.
func (s *Service) GetTemplate(ctx context.Context, key string) (*Template, error) {
	return s.repo.GetTemplateByKey(ctx, key)
}

// ListInbox returns the user's unexpired in-app notifications, newest first.
func (s *Service) ListInbox(ctx context.Context, userID string) ([]InAppNotification, error) {
	return s.repo.ListUserInApp(ctx, userID, s.now())
}
