package notifications

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// WorkerConfig contains worker configuration.
type WorkerConfig struct {
	BatchSize      int
	PollInterval   time.Duration
	MaxRetries     int
	RetryDelayBase time.Duration
}

// DefaultWorkerConfig returns default worker configuration.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		BatchSize:      50,
		PollInterval:   30 * time.Second,
		MaxRetries:     3,
		RetryDelayBase: 5 * time.Minute,
	}
}

// Worker drains the notification queue. A single goroutine processes one
// batch at a time, item by item, in priority order.
type Worker struct {
	config     WorkerConfig
	queue      QueueRepository
	audit      AuditRepository
	dispatcher *Dispatcher
	renderer   *Renderer
	now        func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWorker creates a new notification worker.
func NewWorker(config WorkerConfig, queue QueueRepository, audit AuditRepository, dispatcher *Dispatcher, renderer *Renderer) *Worker {
	defaults := DefaultWorkerConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = defaults.MaxRetries
	}
	if config.RetryDelayBase <= 0 {
		config.RetryDelayBase = defaults.RetryDelayBase
	}

	return &Worker{
		config:     config,
		queue:      queue,
		audit:      audit,
		dispatcher: dispatcher,
		renderer:   renderer,
		now:        time.Now,
		stopCh:     make(chan struct{}),
	}
}

// Start launches the worker goroutine.
func (w *Worker) Start(ctx context.Context) {
	slog.Info("starting notification worker",
		"batch_size", w.config.BatchSize,
		"poll_interval", w.config.PollInterval,
		"max_retries", w.config.MaxRetries,
		"retry_delay_base", w.config.RetryDelayBase,
		"channels", w.dispatcher.Channels(),
	)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.Run(ctx)
	}()
}

// Stop signals the worker to stop and waits for the current item to finish.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
	slog.Info("notification worker stopped")
}

// Run polls the queue until ctx is cancelled or Stop is called.
// The first batch is processed immediately.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		if w.stopped(ctx) {
			return
		}

		w.ProcessBatch(ctx)

		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) stopped(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

// ProcessBatch fetches one batch of ready items and processes them in order.
// It returns the number of items taken from the queue.
func (w *Worker) ProcessBatch(ctx context.Context) int {
	items, err := w.queue.FetchReadyNotifications(ctx, w.config.BatchSize, w.now())
	if err != nil {
		slog.Error("failed to fetch pending notifications", "error", err)
		return 0
	}

	if len(items) == 0 {
		return 0
	}

	slog.Debug("processing notifications", "count", len(items))
	recordQueueProcessed(len(items))

	for i, item := range items {
		if w.stopped(ctx) {
			slog.Info("worker stopping, batch interrupted", "remaining", len(items)-i)
			break
		}
		w.safeProcessItem(ctx, item)
	}

	return len(items)
}

func (w *Worker) safeProcessItem(ctx context.Context, item *QueueItem) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic while processing notification", "item_id", item.ID, "panic", r)
			recordNotificationSent(string(item.Channel), "panic")
		}
	}()
	w.processItem(ctx, item)
}

func (w *Worker) processItem(ctx context.Context, item *QueueItem) {
	start := time.Now()

	claimed, err := w.queue.ClaimForProcessing(ctx, item.ID)
	if err != nil {
		slog.Error("failed to claim notification", "item_id", item.ID, "error", err)
		return
	}
	if !claimed {
		slog.Debug("notification already claimed", "item_id", item.ID)
		return
	}

	sender, ok := w.dispatcher.Resolve(item.Channel)
	if !ok {
		slog.Warn("no sender for channel", "item_id", item.ID, "channel", item.Channel)
		w.handleSendError(ctx, item, literalNotification(item), errors.New(errNoSender))
		return
	}

	notification := w.buildNotification(ctx, item)

	if err := safeSend(ctx, sender, notification); err != nil {
		w.handleSendError(ctx, item, notification, err)
		return
	}

	sentAt := w.now()
	if err := w.queue.MarkAsSent(ctx, item.ID, sentAt); err != nil {
		slog.Error("failed to mark as sent", "item_id", item.ID, "error", err)
	}
	w.recordAudit(ctx, item, notification, AuditStatusSent, "", sentAt)

	duration := time.Since(start)
	recordNotificationSent(string(item.Channel), "success")
	recordNotificationDuration(string(item.Channel), duration)

	slog.Debug("notification sent",
		"item_id", item.ID,
		"channel", item.Channel,
		"duration", duration,
	)
}

// buildNotification renders the item content. An empty render falls back to the literal body.
func (w *Worker) buildNotification(ctx context.Context, item *QueueItem) Notification {
	notification := literalNotification(item)

	if item.TemplateKey == "" || w.renderer == nil {
		return notification
	}

	subject, body := w.renderer.RenderMessage(ctx, item.TemplateKey, item.TemplateData)
	if body == "" {
		slog.Debug("template rendered empty, using literal body",
			"item_id", item.ID,
			"template_key", item.TemplateKey,
		)
		return notification
	}

	notification.Body = body
	if notification.Subject == "" {
		notification.Subject = subject
	}
	return notification
}

func literalNotification(item *QueueItem) Notification {
	return Notification{
		ItemID:  item.ID,
		To:      item.Recipient,
		Subject: item.Subject,
		Body:    item.Body,
	}
}

// handleSendError applies the same rule to every failed attempt: the item is
// retried while the post-increment attempt count stays below max retries.
// Sender classification only shows up in logs.
func (w *Worker) handleSendError(ctx context.Context, item *QueueItem, notification Notification, sendErr error) {
	attempts := item.AttemptCount + 1
	maxRetries := w.maxRetries(item)
	reason := sendErr.Error()

	slog.Warn("send failed",
		"item_id", item.ID,
		"channel", item.Channel,
		"attempt", attempts,
		"max_retries", maxRetries,
		"retryable", isRetryable(sendErr),
		"error", sendErr,
	)

	if attempts < maxRetries {
		nextAttempt := w.calculateNextAttempt(attempts, sendErr)
		if err := w.queue.MarkForRetry(ctx, item.ID, attempts, reason, nextAttempt); err != nil {
			slog.Error("failed to mark for retry", "item_id", item.ID, "error", err)
		}
		recordNotificationSent(string(item.Channel), "retry")

		slog.Info("notification scheduled for retry",
			"item_id", item.ID,
			"attempt", attempts,
			"next_attempt", nextAttempt,
		)
		return
	}

	failedAt := w.now()
	if err := w.queue.MarkAsFailed(ctx, item.ID, attempts, reason, failedAt); err != nil {
		slog.Error("failed to mark as failed", "item_id", item.ID, "error", err)
	}
	w.recordAudit(ctx, item, notification, AuditStatusFailed, reason, failedAt)
	recordNotificationSent(string(item.Channel), "failed")
}

// maxRetries falls back to the configured limit for items stored without one.
func (w *Worker) maxRetries(item *QueueItem) int {
	if item.MaxRetries > 0 {
		return item.MaxRetries
	}
	return w.config.MaxRetries
}

func (w *Worker) recordAudit(ctx context.Context, item *QueueItem, n Notification, status AuditStatus, reason string, at time.Time) {
	if w.audit == nil {
		return
	}
	record := &AuditRecord{
		QueueItemID:  item.ID,
		Channel:      item.Channel,
		Recipient:    n.To,
		Subject:      n.Subject,
		Message:      n.Body,
		Status:       status,
		ErrorMessage: reason,
		SentAt:       at,
	}
	if err := w.audit.RecordDelivery(ctx, record); err != nil {
		slog.Error("failed to record delivery audit", "item_id", item.ID, "status", status, "error", err)
	}
}

// calculateNextAttempt returns the backoff time, pushed out to the provider's
// requested delay when sendErr carries one. Neither exceeds DefaultMaxRetryDelay.
func (w *Worker) calculateNextAttempt(attempt int, sendErr error) time.Time {
	delay := RetryDelay(attempt, w.config.RetryDelayBase, DefaultMaxRetryDelay)
	if after := retryAfter(sendErr); after > delay {
		delay = min(after, DefaultMaxRetryDelay)
	}
	return w.now().Add(delay)
}

// retryAfter returns the delay a provider asked for, or zero.
func retryAfter(err error) time.Duration {
	type retryAfterer interface {
		RetryAfterDelay() time.Duration
	}
	var r retryAfterer
	if err != nil && errors.As(err, &r) {
		return r.RetryAfterDelay()
	}
	return 0
}

// isRetryable reports the sender's classification of err. Unknown errors count as retryable.
func isRetryable(err error) bool {
	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	// Default: retry unknown errors
	return true
}

// RetryableError wraps an error and marks it as retryable or not.
type RetryableError struct {
	Err       error
	Retryable bool
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

// IsRetryable returns whether the error is retryable.
func (e *RetryableError) IsRetryable() bool {
	return e.Retryable
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a retryable error.
func NewRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: true}
}

// NewNonRetryableError creates a non-retryable error.
func NewNonRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: false}
}
