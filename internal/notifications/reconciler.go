package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultStuckTimeout is how long an item may stay in processing before it
// is handed back to the queue.
const DefaultStuckTimeout = 15 * time.Minute

// Reconciler re-admits due items into the pending set and cleans up
// expired in-app notifications. Every method is idempotent.
type Reconciler struct {
	queue        QueueRepository
	inApp        InAppRepository
	stuckTimeout time.Duration
	now          func() time.Time
}

// NewReconciler creates a new reconciler. inApp may be nil when the in-app
// channel is disabled.
func NewReconciler(queue QueueRepository, inApp InAppRepository, stuckTimeout time.Duration) *Reconciler {
	if stuckTimeout <= 0 {
		stuckTimeout = DefaultStuckTimeout
	}
	return &Reconciler{
		queue:        queue,
		inApp:        inApp,
		stuckTimeout: stuckTimeout,
		now:          time.Now,
	}
}

// PromoteScheduled moves scheduled items whose send time has passed to pending.
func (r *Reconciler) PromoteScheduled(ctx context.Context) (int64, error) {
	items, err := r.queue.FetchDueScheduled(ctx, r.now())
	if err != nil {
		return 0, fmt.Errorf("fetch due scheduled: %w", err)
	}
	return r.promote(ctx, items, QueueStatusScheduled)
}

// PromoteFailedForRetry moves requeued failed items back to pending.
func (r *Reconciler) PromoteFailedForRetry(ctx context.Context) (int64, error) {
	items, err := r.queue.FetchDueFailedForRetry(ctx, r.now())
	if err != nil {
		return 0, fmt.Errorf("fetch due failed: %w", err)
	}
	return r.promote(ctx, items, QueueStatusFailed)
}

func (r *Reconciler) promote(ctx context.Context, items []*QueueItem, from QueueStatus) (int64, error) {
	var promoted int64
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return promoted, err
		}

		ok, err := r.queue.PromoteToPending(ctx, item.ID, from)
		if err != nil {
			return promoted, fmt.Errorf("promote %s: %w", item.ID, err)
		}
		if !ok {
			slog.Debug("item changed status before promotion", "item_id", item.ID, "from", from)
			continue
		}
		promoted++
	}

	if promoted > 0 {
		slog.Info("items promoted to pending", "from", from, "count", promoted)
	}
	return promoted, nil
}

// PurgeExpiredInApp deletes in-app notifications past their expiry.
func (r *Reconciler) PurgeExpiredInApp(ctx context.Context) (int64, error) {
	if r.inApp == nil {
		return 0, nil
	}

	deleted, err := r.inApp.PurgeExpiredInApp(ctx, r.now())
	if err != nil {
		return 0, fmt.Errorf("purge expired in-app: %w", err)
	}
	if deleted > 0 {
		slog.Info("expired in-app notifications purged", "count", deleted)
	}
	return deleted, nil
}

// RecoverStuckProcessing returns items left in processing by a crashed or
// cancelled worker to the pending set.
func (r *Reconciler) RecoverStuckProcessing(ctx context.Context) (int64, error) {
	recovered, err := r.queue.RecoverStuckProcessing(ctx, r.now().Add(-r.stuckTimeout))
	if err != nil {
		return 0, fmt.Errorf("recover stuck processing: %w", err)
	}
	if recovered > 0 {
		slog.Warn("recovered stuck notifications", "count", recovered, "timeout", r.stuckTimeout)
	}
	return recovered, nil
}
