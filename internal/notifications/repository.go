// Package notifications provides the asynchronous notification delivery engine.
package notifications

import (
	"context"
	"time"
)

// QueueRepository defines queue item data access.
// Implementations must return items from the Fetch* methods ordered by
// priority, created_at and id.
type QueueRepository interface {
	EnqueueNotification(ctx context.Context, item *QueueItem) error
	GetQueueItem(ctx context.Context, id string) (*QueueItem, error)

	// Engine
	FetchReadyNotifications(ctx context.Context, limit int, now time.Time) ([]*QueueItem, error)
	// ClaimForProcessing moves a pending item to processing. Returns false if
	// the item was not pending anymore.
	ClaimForProcessing(ctx context.Context, id string) (bool, error)
	MarkAsSent(ctx context.Context, id string, sentAt time.Time) error
	MarkForRetry(ctx context.Context, id string, attempts int, errMsg string, nextAttempt time.Time) error
	MarkAsFailed(ctx context.Context, id string, attempts int, errMsg string, failedAt time.Time) error

	// Administrative
	CancelQueueItem(ctx context.Context, id string) error
	RequeueFailedItem(ctx context.Context, id string, at time.Time) error
	GetQueueStats(ctx context.Context) (*QueueStats, error)

	// Reconciliation
	FetchDueScheduled(ctx context.Context, now time.Time) ([]*QueueItem, error)
	FetchDueFailedForRetry(ctx context.Context, now time.Time) ([]*QueueItem, error)
	// PromoteToPending moves an item from the given status to pending and
	// clears next_retry_at. Returns false if the item was not in that status.
	PromoteToPending(ctx context.Context, id string, from QueueStatus) (bool, error)
	RecoverStuckProcessing(ctx context.Context, olderThan time.Time) (int64, error)
}

// TemplateRepository defines template data access.
type TemplateRepository interface {
	GetTemplateByKey(ctx context.Context, key string) (*Template, error)
	UpsertTemplate(ctx context.Context, tmpl *Template) error
}

// AuditRepository records delivery outcomes.
type AuditRepository interface {
	RecordDelivery(ctx context.Context, record *AuditRecord) error
}

// InAppRepository defines in-app inbox data access.
type InAppRepository interface {
	CreateInAppNotification(ctx context.Context, n *InAppNotification) error
	ListUserInApp(ctx context.Context, userID string, now time.Time) ([]InAppNotification, error)
	PurgeExpiredInApp(ctx context.Context, now time.Time) (int64, error)
}

// Repository combines all data access used by the service.
type Repository interface {
	QueueRepository
	TemplateRepository
	AuditRepository
	InAppRepository
}
