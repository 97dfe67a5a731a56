// Package postgres provides PostgreSQL implementation of notifications repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bissquit/herald/internal/notifications"
)

// Repository implements notifications.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const queueColumns = `
	id, channel, recipient, subject, body, template_key, template_data, priority, status,
	attempt_count, max_retries, next_retry_at, error_message, created_at, updated_at, processed_at
`

// dispatchOrder is the only order items leave the queue in.
const dispatchOrder = `ORDER BY priority ASC, created_at ASC, id ASC`

// isUUID guards queries against ids the uuid column would reject with a cast error.
func isUUID(id string) bool {
	return uuid.Validate(id) == nil
}

func scanQueueItem(row pgx.Row) (*notifications.QueueItem, error) {
	var item notifications.QueueItem
	err := row.Scan(
		&item.ID,
		&item.Channel,
		&item.Recipient,
		&item.Subject,
		&item.Body,
		&item.TemplateKey,
		&item.TemplateData,
		&item.Priority,
		&item.Status,
		&item.AttemptCount,
		&item.MaxRetries,
		&item.NextRetryAt,
		&item.ErrorMessage,
		&item.CreatedAt,
		&item.UpdatedAt,
		&item.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *Repository) queryQueueItems(ctx context.Context, op, query string, args ...any) ([]*notifications.QueueItem, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	items := make([]*notifications.QueueItem, 0)
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return items, nil
}

// EnqueueNotification inserts a new queue item.
func (r *Repository) EnqueueNotification(ctx context.Context, item *notifications.QueueItem) error {
	query := `
		INSERT INTO notification_queue (
			id, channel, recipient, subject, body, template_key, template_data,
			priority, status, attempt_count, max_retries, next_retry_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at
	`
	var templateData []byte
	if len(item.TemplateData) > 0 {
		templateData = item.TemplateData
	}

	err := r.db.QueryRow(ctx, query,
		item.ID,
		item.Channel,
		item.Recipient,
		item.Subject,
		item.Body,
		item.TemplateKey,
		templateData,
		item.Priority,
		item.Status,
		item.AttemptCount,
		item.MaxRetries,
		item.NextRetryAt,
	).Scan(&item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	return nil
}

// GetQueueItem retrieves a queue item by ID.
func (r *Repository) GetQueueItem(ctx context.Context, id string) (*notifications.QueueItem, error) {
	if !isUUID(id) {
		return nil, notifications.ErrQueueItemNotFound
	}
	query := `SELECT ` + queueColumns + ` FROM notification_queue WHERE id = $1`

	item, err := scanQueueItem(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notifications.ErrQueueItemNotFound
		}
		return nil, fmt.Errorf("get queue item: %w", err)
	}
	return item, nil
}

// FetchReadyNotifications returns pending items that are due, in dispatch order.
func (r *Repository) FetchReadyNotifications(ctx context.Context, limit int, now time.Time) ([]*notifications.QueueItem, error) {
	query := `
		SELECT ` + queueColumns + `
		FROM notification_queue
		WHERE status = 'pending'
		  AND attempt_count < max_retries
		  AND (next_retry_at IS NULL OR next_retry_at <= $1)
		` + dispatchOrder + `
		LIMIT $2
	`
	return r.queryQueueItems(ctx, "fetch ready notifications", query, now, limit)
}

// ClaimForProcessing moves a pending item to processing.
// Only one caller can win the claim for an item.
func (r *Repository) ClaimForProcessing(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE notification_queue
		SET status = 'processing', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`
	result, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("claim notification: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// MarkAsSent marks a processing item as sent.
func (r *Repository) MarkAsSent(ctx context.Context, id string, sentAt time.Time) error {
	query := `
		UPDATE notification_queue
		SET status = 'sent', error_message = '', next_retry_at = NULL,
		    processed_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`
	result, err := r.db.Exec(ctx, query, id, sentAt)
	if err != nil {
		return fmt.Errorf("mark as sent: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.transitionError(ctx, id)
	}
	return nil
}

// MarkForRetry returns a processing item to pending with the next attempt time.
func (r *Repository) MarkForRetry(ctx context.Context, id string, attempts int, errMsg string, nextAttempt time.Time) error {
	query := `
		UPDATE notification_queue
		SET status = 'pending', attempt_count = $2, error_message = $3,
		    next_retry_at = $4, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`
	result, err := r.db.Exec(ctx, query, id, attempts, errMsg, nextAttempt)
	if err != nil {
		return fmt.Errorf("mark for retry: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.transitionError(ctx, id)
	}
	return nil
}

// MarkAsFailed marks a processing item as permanently failed.
func (r *Repository) MarkAsFailed(ctx context.Context, id string, attempts int, errMsg string, failedAt time.Time) error {
	query := `
		UPDATE notification_queue
		SET status = 'failed', attempt_count = $2, error_message = $3,
		    next_retry_at = NULL, processed_at = $4, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`
	result, err := r.db.Exec(ctx, query, id, attempts, errMsg, failedAt)
	if err != nil {
		return fmt.Errorf("mark as failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.transitionError(ctx, id)
	}
	return nil
}

// transitionError explains why a guarded update matched no rows.
func (r *Repository) transitionError(ctx context.Context, id string) error {
	if !isUUID(id) {
		return notifications.ErrQueueItemNotFound
	}
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM notification_queue WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check queue item: %w", err)
	}
	if !exists {
		return notifications.ErrQueueItemNotFound
	}
	return notifications.ErrInvalidTransition
}

// CancelQueueItem cancels a pending or scheduled item.
func (r *Repository) CancelQueueItem(ctx context.Context, id string) error {
	if !isUUID(id) {
		return notifications.ErrQueueItemNotFound
	}
	query := `
		UPDATE notification_queue
		SET status = 'cancelled', next_retry_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'scheduled')
	`
	result, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("cancel queue item: %w", err)
	}
	if result.RowsAffected() == 0 {
		err := r.transitionError(ctx, id)
		if errors.Is(err, notifications.ErrInvalidTransition) {
			return notifications.ErrNotCancellable
		}
		return err
	}
	return nil
}

// RequeueFailedItem resets the attempts of a failed item and makes it due at.
// The promote-failed job moves it back to pending.
func (r *Repository) RequeueFailedItem(ctx context.Context, id string, at time.Time) error {
	if !isUUID(id) {
		return notifications.ErrQueueItemNotFound
	}
	query := `
		UPDATE notification_queue
		SET attempt_count = 0, next_retry_at = $2, processed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'failed'
	`
	result, err := r.db.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("requeue failed item: %w", err)
	}
	if result.RowsAffected() == 0 {
		err := r.transitionError(ctx, id)
		if errors.Is(err, notifications.ErrInvalidTransition) {
			return notifications.ErrNotRequeueable
		}
		return err
	}
	return nil
}

// GetQueueStats returns item counts by status.
func (r *Repository) GetQueueStats(ctx context.Context) (*notifications.QueueStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'scheduled'),
			COUNT(*) FILTER (WHERE status = 'processing'),
			COUNT(*) FILTER (WHERE status = 'sent'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'cancelled')
		FROM notification_queue
	`
	var stats notifications.QueueStats
	err := r.db.QueryRow(ctx, query).Scan(
		&stats.Pending,
		&stats.Scheduled,
		&stats.Processing,
		&stats.Sent,
		&stats.Failed,
		&stats.Cancelled,
	)
	if err != nil {
		return nil, fmt.Errorf("get queue stats: %w", err)
	}
	return &stats, nil
}

// FetchDueScheduled returns scheduled items whose send time has passed.
func (r *Repository) FetchDueScheduled(ctx context.Context, now time.Time) ([]*notifications.QueueItem, error) {
	query := `
		SELECT ` + queueColumns + `
		FROM notification_queue
		WHERE status = 'scheduled'
		  AND (next_retry_at IS NULL OR next_retry_at <= $1)
		` + dispatchOrder
	return r.queryQueueItems(ctx, "fetch due scheduled", query, now)
}

// FetchDueFailedForRetry returns requeued failed items that are due.
func (r *Repository) FetchDueFailedForRetry(ctx context.Context, now time.Time) ([]*notifications.QueueItem, error) {
	query := `
		SELECT ` + queueColumns + `
		FROM notification_queue
		WHERE status = 'failed'
		  AND attempt_count < max_retries
		  AND next_retry_at IS NOT NULL
		  AND next_retry_at <= $1
		` + dispatchOrder
	return r.queryQueueItems(ctx, "fetch due failed", query, now)
}

// PromoteToPending moves an item from status from to pending.
func (r *Repository) PromoteToPending(ctx context.Context, id string, from notifications.QueueStatus) (bool, error) {
	if !from.CanTransitionTo(notifications.QueueStatusPending) {
		return false, notifications.ErrInvalidTransition
	}

	query := `
		UPDATE notification_queue
		SET status = 'pending', next_retry_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`
	result, err := r.db.Exec(ctx, query, id, from)
	if err != nil {
		return false, fmt.Errorf("promote to pending: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// RecoverStuckProcessing returns processing items not updated since olderThan to pending.
func (r *Repository) RecoverStuckProcessing(ctx context.Context, olderThan time.Time) (int64, error) {
	query := `
		UPDATE notification_queue
		SET status = 'pending', updated_at = NOW()
		WHERE status = 'processing' AND updated_at < $1
	`
	result, err := r.db.Exec(ctx, query, olderThan)
	if err != nil {
		return 0, fmt.Errorf("recover stuck processing: %w", err)
	}
	return result.RowsAffected(), nil
}

// GetTemplateByKey retrieves a template by key.
func (r *Repository) GetTemplateByKey(ctx context.Context, key string) (*notifications.Template, error) {
	query := `
		SELECT key, name, subject, body, is_active, version, created_at, updated_at
		FROM notification_templates
		WHERE key = $1
	`
	var tmpl notifications.Template
	err := r.db.QueryRow(ctx, query, key).Scan(
		&tmpl.Key,
		&tmpl.Name,
		&tmpl.Subject,
		&tmpl.Body,
		&tmpl.IsActive,
		&tmpl.Version,
		&tmpl.CreatedAt,
		&tmpl.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notifications.ErrTemplateNotFound
		}
		return nil, fmt.Errorf("get template: %w", err)
	}
	return &tmpl, nil
}

// UpsertTemplate creates a template or updates it and bumps its version.
func (r *Repository) UpsertTemplate(ctx context.Context, tmpl *notifications.Template) error {
	query := `
		INSERT INTO notification_templates (key, name, subject, body, is_active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE
		SET name = EXCLUDED.name,
		    subject = EXCLUDED.subject,
		    body = EXCLUDED.body,
		    is_active = EXCLUDED.is_active,
		    version = notification_templates.version + 1,
		    updated_at = NOW()
		RETURNING version, created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		tmpl.Key,
		tmpl.Name,
		tmpl.Subject,
		tmpl.Body,
		tmpl.IsActive,
	).Scan(&tmpl.Version, &tmpl.CreatedAt, &tmpl.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert template: %w", err)
	}
	return nil
}

// RecordDelivery writes an audit log entry.
func (r *Repository) RecordDelivery(ctx context.Context, record *notifications.AuditRecord) error {
	query := `
		INSERT INTO notification_audit_log (
			queue_item_id, channel, recipient, subject, message, status, error_message, sent_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`
	err := r.db.QueryRow(ctx, query,
		record.QueueItemID,
		record.Channel,
		record.Recipient,
		record.Subject,
		record.Message,
		record.Status,
		record.ErrorMessage,
		record.SentAt,
	).Scan(&record.ID)
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}

// ListAuditRecords returns the audit log for a queue item, oldest first.
func (r *Repository) ListAuditRecords(ctx context.Context, itemID string) ([]notifications.AuditRecord, error) {
	query := `
		SELECT id, queue_item_id, channel, recipient, subject, message, status, error_message, sent_at
		FROM notification_audit_log
		WHERE queue_item_id = $1
		ORDER BY sent_at ASC, id ASC
	`
	rows, err := r.db.Query(ctx, query, itemID)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()

	records := make([]notifications.AuditRecord, 0)
	for rows.Next() {
		var rec notifications.AuditRecord
		err := rows.Scan(
			&rec.ID,
			&rec.QueueItemID,
			&rec.Channel,
			&rec.Recipient,
			&rec.Subject,
			&rec.Message,
			&rec.Status,
			&rec.ErrorMessage,
			&rec.SentAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CreateInAppNotification inserts an inbox entry.
func (r *Repository) CreateInAppNotification(ctx context.Context, n *notifications.InAppNotification) error {
	query := `
		INSERT INTO in_app_notifications (user_id, queue_item_id, subject, body, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, is_read, created_at
	`
	var queueItemID *string
	if n.QueueItemID != "" {
		queueItemID = &n.QueueItemID
	}

	err := r.db.QueryRow(ctx, query,
		n.UserID,
		queueItemID,
		n.Subject,
		n.Body,
		n.ExpiresAt,
	).Scan(&n.ID, &n.IsRead, &n.CreatedAt)
	if err != nil {
		return fmt.Errorf("create in-app notification: %w", err)
	}
	return nil
}

// ListUserInApp returns the user's unexpired entries, newest first.
func (r *Repository) ListUserInApp(ctx context.Context, userID string, now time.Time) ([]notifications.InAppNotification, error) {
	query := `
		SELECT id, user_id, COALESCE(queue_item_id::text, ''), subject, body, is_read, created_at, expires_at
		FROM in_app_notifications
		WHERE user_id = $1 AND expires_at > $2
		ORDER BY created_at DESC, id DESC
	`
	rows, err := r.db.Query(ctx, query, userID, now)
	if err != nil {
		return nil, fmt.Errorf("list in-app notifications: %w", err)
	}
	defer rows.Close()

	entries := make([]notifications.InAppNotification, 0)
	for rows.Next() {
		var n notifications.InAppNotification
		err := rows.Scan(
			&n.ID,
			&n.UserID,
			&n.QueueItemID,
			&n.Subject,
			&n.Body,
			&n.IsRead,
			&n.CreatedAt,
			&n.ExpiresAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan in-app notification: %w", err)
		}
		entries = append(entries, n)
	}
	return entries, rows.Err()
}

// PurgeExpiredInApp deletes entries with expires_at <= now.
func (r *Repository) PurgeExpiredInApp(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.Exec(ctx, `DELETE FROM in_app_notifications WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purge expired in-app notifications: %w", err)
	}
	return result.RowsAffected(), nil
}

// Ping checks database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

var _ notifications.Repository = (*Repository)(nil)
