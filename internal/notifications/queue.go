package notifications

import (
	"encoding/json"
	"time"

	"github.com/bissquit/herald/internal/domain"
)

// QueueStatus represents the status of a queue item.
type QueueStatus string

// Queue statuses.
const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusScheduled  QueueStatus = "scheduled"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusSent       QueueStatus = "sent"
	QueueStatusFailed     QueueStatus = "failed"
	QueueStatusCancelled  QueueStatus = "cancelled"
)

// Priority bounds. Lower values are served first.
const (
	PriorityHighest = 1
	PriorityDefault = 5
	PriorityLowest  = 10
)

// transitions lists the allowed status changes.
// failed -> pending is the administrative requeue path, processing -> pending is stuck recovery.
var transitions = map[QueueStatus][]QueueStatus{
	QueueStatusPending:    {QueueStatusProcessing, QueueStatusCancelled},
	QueueStatusScheduled:  {QueueStatusPending, QueueStatusCancelled},
	QueueStatusProcessing: {QueueStatusSent, QueueStatusPending, QueueStatusFailed},
	QueueStatusFailed:     {QueueStatusPending},
}

// IsValid checks if the status is known.
func (s QueueStatus) IsValid() bool {
	switch s {
	case QueueStatusPending, QueueStatusScheduled, QueueStatusProcessing,
		QueueStatusSent, QueueStatusFailed, QueueStatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether the engine never revisits an item in this status.
func (s QueueStatus) IsTerminal() bool {
	return s == QueueStatusSent || s == QueueStatusFailed || s == QueueStatusCancelled
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s QueueStatus) CanTransitionTo(next QueueStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// QueueItem represents a notification in the queue.
type QueueItem struct {
	ID           string             `json:"id"`
	Channel      domain.ChannelType `json:"channel"`
	Recipient    string             `json:"recipient"`
	Subject      string             `json:"subject,omitempty"`
	Body         string             `json:"body,omitempty"`
	TemplateKey  string             `json:"template_key,omitempty"`
	TemplateData json.RawMessage    `json:"template_data,omitempty"`
	Priority     int                `json:"priority"`
	Status       QueueStatus        `json:"status"`
	AttemptCount int                `json:"attempt_count"`
	MaxRetries   int                `json:"max_retries"`
	NextRetryAt  *time.Time         `json:"next_retry_at,omitempty"`
	ErrorMessage string             `json:"error_message,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
	ProcessedAt  *time.Time         `json:"processed_at,omitempty"`
}

// IsReady reports whether the item may be dispatched at now.
func (q *QueueItem) IsReady(now time.Time) bool {
	if q.Status != QueueStatusPending || q.AttemptCount >= q.MaxRetries {
		return false
	}
	return q.NextRetryAt == nil || !q.NextRetryAt.After(now)
}

// Less orders items by priority, then creation time, then ID.
func (q *QueueItem) Less(other *QueueItem) bool {
	if q.Priority != other.Priority {
		return q.Priority < other.Priority
	}
	if !q.CreatedAt.Equal(other.CreatedAt) {
		return q.CreatedAt.Before(other.CreatedAt)
	}
	return q.ID < other.ID
}

// QueueStats contains queue item counts by status.
type QueueStats struct {
	Pending    int64 `json:"pending"`
	Scheduled  int64 `json:"scheduled"`
	Processing int64 `json:"processing"`
	Sent       int64 `json:"sent"`
	Failed     int64 `json:"failed"`
	Cancelled  int64 `json:"cancelled"`
}

// Notification is the rendered message handed to a sender.
type Notification struct {
	ItemID  string
	To      string
	Subject string
	Body    string
}

// InAppNotification is an inbox entry shown to a user inside the product.
type InAppNotification struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	QueueItemID string    `json:"queue_item_id,omitempty"`
	Subject     string    `json:"subject,omitempty"`
	Body        string    `json:"body"`
	IsRead      bool      `json:"is_read"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Template is a named body with {{Token}} placeholders.
type Template struct {
	Key       string    `json:"key"`
	Name      string    `json:"name"`
	Subject   string    `json:"subject,omitempty"`
	Body      string    `json:"body"`
	IsActive  bool      `json:"is_active"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AuditStatus is the outcome recorded in the delivery audit log.
type AuditStatus string

// Audit statuses.
const (
	AuditStatusSent   AuditStatus = "sent"
	AuditStatusFailed AuditStatus = "failed"
)

// AuditRecord is a delivery log entry written for every terminal outcome.
type AuditRecord struct {
	ID           string
	QueueItemID  string
	Channel      domain.ChannelType
	Recipient    string
	Subject      string
	Message      string
	Status       AuditStatus
	ErrorMessage string
	SentAt       time.Time
}
