// Package memory provides an in-process notifications store for tests and
// single-node deployments without PostgreSQL.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bissquit/herald/internal/notifications"
)

// Repository implements notifications.Repository in memory.
// Returned items are copies; callers cannot mutate stored state.
type Repository struct {
	mu        sync.Mutex
	items     map[string]*notifications.QueueItem
	templates map[string]*notifications.Template
	inApp     map[string]*notifications.InAppNotification
	audit     []notifications.AuditRecord
	now       func() time.Time
}

// NewRepository creates an empty store.
func NewRepository() *Repository {
	return &Repository{
		items:     make(map[string]*notifications.QueueItem),
		templates: make(map[string]*notifications.Template),
		inApp:     make(map[string]*notifications.InAppNotification),
		now:       time.Now,
	}
}

// SetClock replaces the time source used for updated_at stamps.
func (r *Repository) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func cloneItem(item *notifications.QueueItem) *notifications.QueueItem {
	c := *item
	if item.NextRetryAt != nil {
		t := *item.NextRetryAt
		c.NextRetryAt = &t
	}
	if item.ProcessedAt != nil {
		t := *item.ProcessedAt
		c.ProcessedAt = &t
	}
	if item.TemplateData != nil {
		c.TemplateData = append([]byte(nil), item.TemplateData...)
	}
	return &c
}

// EnqueueNotification stores a new item.
func (r *Repository) EnqueueNotification(_ context.Context, item *notifications.QueueItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now

	r.items[item.ID] = cloneItem(item)
	return nil
}

// GetQueueItem returns an item by ID.
func (r *Repository) GetQueueItem(_ context.Context, id string) (*notifications.QueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return nil, notifications.ErrQueueItemNotFound
	}
	return cloneItem(item), nil
}

// FetchReadyNotifications returns up to limit ready items in dispatch order.
func (r *Repository) FetchReadyNotifications(_ context.Context, limit int, now time.Time) ([]*notifications.QueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ready []*notifications.QueueItem
	for _, item := range r.items {
		if item.IsReady(now) {
			ready = append(ready, cloneItem(item))
		}
	}
	return limitItems(sortItems(ready), limit), nil
}

// ClaimForProcessing moves a pending item to processing.
func (r *Repository) ClaimForProcessing(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok || item.Status != notifications.QueueStatusPending {
		return false, nil
	}
	item.Status = notifications.QueueStatusProcessing
	item.UpdatedAt = r.now()
	return true, nil
}

// MarkAsSent marks a processing item as sent.
func (r *Repository) MarkAsSent(_ context.Context, id string, sentAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, err := r.transition(id, notifications.QueueStatusSent)
	if err != nil {
		return err
	}
	item.ErrorMessage = ""
	item.NextRetryAt = nil
	item.ProcessedAt = &sentAt
	return nil
}

// MarkForRetry returns a processing item to pending with a retry time.
func (r *Repository) MarkForRetry(_ context.Context, id string, attempts int, errMsg string, nextAttempt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, err := r.transition(id, notifications.QueueStatusPending)
	if err != nil {
		return err
	}
	item.AttemptCount = attempts
	item.ErrorMessage = errMsg
	item.NextRetryAt = &nextAttempt
	return nil
}

// MarkAsFailed marks a processing item as permanently failed.
func (r *Repository) MarkAsFailed(_ context.Context, id string, attempts int, errMsg string, failedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, err := r.transition(id, notifications.QueueStatusFailed)
	if err != nil {
		return err
	}
	item.AttemptCount = attempts
	item.ErrorMessage = errMsg
	item.NextRetryAt = nil
	item.ProcessedAt = &failedAt
	return nil
}

// CancelQueueItem cancels a pending or scheduled item.
func (r *Repository) CancelQueueItem(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return notifications.ErrQueueItemNotFound
	}
	if !item.Status.CanTransitionTo(notifications.QueueStatusCancelled) {
		return notifications.ErrNotCancellable
	}
	item.Status = notifications.QueueStatusCancelled
	item.NextRetryAt = nil
	item.UpdatedAt = r.now()
	return nil
}

// RequeueFailedItem resets attempts of a failed item and makes it due at.
func (r *Repository) RequeueFailedItem(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return notifications.ErrQueueItemNotFound
	}
	if item.Status != notifications.QueueStatusFailed {
		return notifications.ErrNotRequeueable
	}
	item.AttemptCount = 0
	item.NextRetryAt = &at
	item.ProcessedAt = nil
	item.UpdatedAt = r.now()
	return nil
}

// GetQueueStats returns counts by status.
func (r *Repository) GetQueueStats(_ context.Context) (*notifications.QueueStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := &notifications.QueueStats{}
	for _, item := range r.items {
		switch item.Status {
		case notifications.QueueStatusPending:
			stats.Pending++
		case notifications.QueueStatusScheduled:
			stats.Scheduled++
		case notifications.QueueStatusProcessing:
			stats.Processing++
		case notifications.QueueStatusSent:
			stats.Sent++
		case notifications.QueueStatusFailed:
			stats.Failed++
		case notifications.QueueStatusCancelled:
			stats.Cancelled++
		}
	}
	return stats, nil
}

// FetchDueScheduled returns scheduled items whose send time has passed.
func (r *Repository) FetchDueScheduled(_ context.Context, now time.Time) ([]*notifications.QueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []*notifications.QueueItem
	for _, item := range r.items {
		if item.Status == notifications.QueueStatusScheduled && isDue(item, now) {
			due = append(due, cloneItem(item))
		}
	}
	return sortItems(due), nil
}

// FetchDueFailedForRetry returns requeued failed items that are due.
func (r *Repository) FetchDueFailedForRetry(_ context.Context, now time.Time) ([]*notifications.QueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []*notifications.QueueItem
	for _, item := range r.items {
		if item.Status == notifications.QueueStatusFailed &&
			item.AttemptCount < item.MaxRetries &&
			item.NextRetryAt != nil && isDue(item, now) {
			due = append(due, cloneItem(item))
		}
	}
	return sortItems(due), nil
}

// PromoteToPending moves an item from status from to pending.
func (r *Repository) PromoteToPending(_ context.Context, id string, from notifications.QueueStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok || item.Status != from {
		return false, nil
	}
	if !from.CanTransitionTo(notifications.QueueStatusPending) {
		return false, notifications.ErrInvalidTransition
	}
	item.Status = notifications.QueueStatusPending
	item.NextRetryAt = nil
	item.UpdatedAt = r.now()
	return true, nil
}

// RecoverStuckProcessing returns processing items not updated since olderThan to pending.
func (r *Repository) RecoverStuckProcessing(_ context.Context, olderThan time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var recovered int64
	for _, item := range r.items {
		if item.Status == notifications.QueueStatusProcessing && item.UpdatedAt.Before(olderThan) {
			item.Status = notifications.QueueStatusPending
			item.UpdatedAt = r.now()
			recovered++
		}
	}
	return recovered, nil
}

// transition must be called with mu held.
func (r *Repository) transition(id string, next notifications.QueueStatus) (*notifications.QueueItem, error) {
	item, ok := r.items[id]
	if !ok {
		return nil, notifications.ErrQueueItemNotFound
	}
	if !item.Status.CanTransitionTo(next) {
		return nil, notifications.ErrInvalidTransition
	}
	item.Status = next
	item.UpdatedAt = r.now()
	return item, nil
}

func isDue(item *notifications.QueueItem, now time.Time) bool {
	return item.NextRetryAt == nil || !item.NextRetryAt.After(now)
}

func sortItems(items []*notifications.QueueItem) []*notifications.QueueItem {
	sort.Slice(items, func(i, j int) bool { return items[i].Less(items[j]) })
	return items
}

func limitItems(items []*notifications.QueueItem, limit int) []*notifications.QueueItem {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

// GetTemplateByKey returns a template by key.
func (r *Repository) GetTemplateByKey(_ context.Context, key string) (*notifications.Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tmpl, ok := r.templates[key]
	if !ok {
		return nil, notifications.ErrTemplateNotFound
	}
	c := *tmpl
	return &c, nil
}

// UpsertTemplate creates a template or updates it and bumps its version.
func (r *Repository) UpsertTemplate(_ context.Context, tmpl *notifications.Template) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if existing, ok := r.templates[tmpl.Key]; ok {
		tmpl.Version = existing.Version + 1
		tmpl.CreatedAt = existing.CreatedAt
	} else {
		tmpl.Version = 1
		tmpl.CreatedAt = now
	}
	tmpl.UpdatedAt = now

	c := *tmpl
	r.templates[tmpl.Key] = &c
	return nil
}

// RecordDelivery appends an audit record.
func (r *Repository) RecordDelivery(_ context.Context, record *notifications.AuditRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	r.audit = append(r.audit, *record)
	return nil
}

// AuditRecords returns a copy of the audit log for an item.
func (r *Repository) AuditRecords(itemID string) []notifications.AuditRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []notifications.AuditRecord
	for _, rec := range r.audit {
		if rec.QueueItemID == itemID {
			out = append(out, rec)
		}
	}
	return out
}

// CreateInAppNotification stores an inbox entry.
func (r *Repository) CreateInAppNotification(_ context.Context, n *notifications.InAppNotification) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = r.now()
	}
	c := *n
	r.inApp[n.ID] = &c
	return nil
}

// ListUserInApp returns the user's unexpired entries, newest first.
func (r *Repository) ListUserInApp(_ context.Context, userID string, now time.Time) ([]notifications.InAppNotification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []notifications.InAppNotification
	for _, n := range r.inApp {
		if n.UserID == userID && n.ExpiresAt.After(now) {
			out = append(out, *n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// PurgeExpiredInApp deletes entries with expires_at <= now.
func (r *Repository) PurgeExpiredInApp(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var deleted int64
	for id, n := range r.inApp {
		if !n.ExpiresAt.After(now) {
			delete(r.inApp, id)
			deleted++
		}
	}
	return deleted, nil
}

var _ notifications.Repository = (*Repository)(nil)
