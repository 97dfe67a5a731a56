//go:build integration

package postgres_test

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bissquit/herald/internal/domain"
	"github.com/bissquit/herald/internal/notifications"
	notificationspostgres "github.com/bissquit/herald/internal/notifications/postgres"
	"github.com/bissquit/herald/internal/testutil"
	"github.com/bissquit/herald/migrations"
)

var testDB *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()

	pgContainer, err := testutil.NewPostgresContainer(ctx)
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("terminate postgres: %v", err)
		}
	}()

	if err := migrations.Up(pgContainer.ConnectionString); err != nil {
		log.Fatalf("run migrations: %v", err)
	}

	testDB, err = pgxpool.New(ctx, pgContainer.ConnectionString)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer testDB.Close()

	return m.Run()
}

func newRepo(t *testing.T) *notificationspostgres.Repository {
	t.Helper()
	ctx := context.Background()
	_, err := testDB.Exec(ctx, `TRUNCATE notification_queue, notification_templates, notification_audit_log, in_app_notifications`)
	require.NoError(t, err)
	return notificationspostgres.NewRepository(testDB)
}

func enqueue(t *testing.T, repo *notificationspostgres.Repository, priority int, mutate func(*notifications.QueueItem)) *notifications.QueueItem {
	t.Helper()
	item := &notifications.QueueItem{
		ID:         uuid.NewString(),
		Channel:    domain.ChannelTypeEmail,
		Recipient:  "user@example.com",
		Subject:    "Hello",
		Body:       "Body",
		Priority:   priority,
		Status:     notifications.QueueStatusPending,
		MaxRetries: 3,
	}
	if mutate != nil {
		mutate(item)
	}
	require.NoError(t, repo.EnqueueNotification(context.Background(), item))
	return item
}

func TestRepository_EnqueueAndGet(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	item := enqueue(t, repo, 3, func(i *notifications.QueueItem) {
		i.TemplateKey = "welcome"
		i.TemplateData = json.RawMessage(`{"FirstName":"Ann"}`)
	})
	assert.False(t, item.CreatedAt.IsZero())

	got, err := repo.GetQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, item.ID, got.ID)
	assert.Equal(t, domain.ChannelTypeEmail, got.Channel)
	assert.Equal(t, notifications.QueueStatusPending, got.Status)
	assert.Equal(t, 3, got.Priority)
	assert.JSONEq(t, `{"FirstName":"Ann"}`, string(got.TemplateData))

	_, err = repo.GetQueueItem(ctx, uuid.NewString())
	assert.ErrorIs(t, err, notifications.ErrQueueItemNotFound)

	_, err = repo.GetQueueItem(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, notifications.ErrQueueItemNotFound)
}

func TestRepository_FetchReady_OrderAndFilter(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	now := time.Now()
	future := now.Add(time.Hour)

	low := enqueue(t, repo, 9, nil)
	high := enqueue(t, repo, 1, nil)
	mid := enqueue(t, repo, 5, nil)
	enqueue(t, repo, 1, func(i *notifications.QueueItem) { i.NextRetryAt = &future })
	enqueue(t, repo, 1, func(i *notifications.QueueItem) {
		i.Status = notifications.QueueStatusScheduled
		i.NextRetryAt = &future
	})

	items, err := repo.FetchReadyNotifications(ctx, 10, now)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, []string{high.ID, mid.ID, low.ID}, []string{items[0].ID, items[1].ID, items[2].ID})

	limited, err := repo.FetchReadyNotifications(ctx, 2, now)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestRepository_ClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	item := enqueue(t, repo, 5, nil)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := repo.ClaimForProcessing(ctx, item.ID)
			if err == nil && claimed {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	got, err := repo.GetQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, notifications.QueueStatusProcessing, got.Status)
}

func TestRepository_Lifecycle(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	now := time.Now().UTC().Truncate(time.Microsecond)

	t.Run("retry then sent", func(t *testing.T) {
		item := enqueue(t, repo, 5, nil)
		claimed, err := repo.ClaimForProcessing(ctx, item.ID)
		require.NoError(t, err)
		require.True(t, claimed)

		next := now.Add(5 * time.Minute)
		require.NoError(t, repo.MarkForRetry(ctx, item.ID, 1, "timeout", next))

		got, err := repo.GetQueueItem(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, notifications.QueueStatusPending, got.Status)
		assert.Equal(t, 1, got.AttemptCount)
		assert.Equal(t, "timeout", got.ErrorMessage)
		require.NotNil(t, got.NextRetryAt)
		assert.True(t, got.NextRetryAt.Equal(next))

		claimed, err = repo.ClaimForProcessing(ctx, item.ID)
		require.NoError(t, err)
		require.True(t, claimed)
		require.NoError(t, repo.MarkAsSent(ctx, item.ID, now))

		got, err = repo.GetQueueItem(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, notifications.QueueStatusSent, got.Status)
		assert.Empty(t, got.ErrorMessage)
		assert.Nil(t, got.NextRetryAt)
		require.NotNil(t, got.ProcessedAt)
	})

	t.Run("failed", func(t *testing.T) {
		item := enqueue(t, repo, 5, nil)
		_, err := repo.ClaimForProcessing(ctx, item.ID)
		require.NoError(t, err)
		require.NoError(t, repo.MarkAsFailed(ctx, item.ID, 3, "No sender available", now))

		got, err := repo.GetQueueItem(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, notifications.QueueStatusFailed, got.Status)
		assert.Equal(t, 3, got.AttemptCount)
	})

	t.Run("transition guarded", func(t *testing.T) {
		item := enqueue(t, repo, 5, nil)
		err := repo.MarkAsSent(ctx, item.ID, now)
		assert.ErrorIs(t, err, notifications.ErrInvalidTransition)

		err = repo.MarkAsSent(ctx, uuid.NewString(), now)
		assert.ErrorIs(t, err, notifications.ErrQueueItemNotFound)
	})
}

func TestRepository_CancelAndRequeue(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	now := time.Now()

	pending := enqueue(t, repo, 5, nil)
	require.NoError(t, repo.CancelQueueItem(ctx, pending.ID))
	assert.ErrorIs(t, repo.CancelQueueItem(ctx, pending.ID), notifications.ErrNotCancellable)
	assert.ErrorIs(t, repo.CancelQueueItem(ctx, uuid.NewString()), notifications.ErrQueueItemNotFound)

	failed := enqueue(t, repo, 5, nil)
	_, err := repo.ClaimForProcessing(ctx, failed.ID)
	require.NoError(t, err)
	require.NoError(t, repo.MarkAsFailed(ctx, failed.ID, 3, "boom", now))

	assert.ErrorIs(t, repo.RequeueFailedItem(ctx, pending.ID, now), notifications.ErrNotRequeueable)
	require.NoError(t, repo.RequeueFailedItem(ctx, failed.ID, now))

	due, err := repo.FetchDueFailedForRetry(ctx, now.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, failed.ID, due[0].ID)

	promoted, err := repo.PromoteToPending(ctx, failed.ID, notifications.QueueStatusFailed)
	require.NoError(t, err)
	assert.True(t, promoted)

	promoted, err = repo.PromoteToPending(ctx, failed.ID, notifications.QueueStatusFailed)
	require.NoError(t, err)
	assert.False(t, promoted)

	got, err := repo.GetQueueItem(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, notifications.QueueStatusPending, got.Status)
	assert.Equal(t, 0, got.AttemptCount)
	assert.Nil(t, got.NextRetryAt)
}

func TestRepository_ScheduledAndStuck(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	due := enqueue(t, repo, 5, func(i *notifications.QueueItem) {
		i.Status = notifications.QueueStatusScheduled
		i.NextRetryAt = &past
	})
	enqueue(t, repo, 5, func(i *notifications.QueueItem) {
		i.Status = notifications.QueueStatusScheduled
		i.NextRetryAt = &future
	})

	items, err := repo.FetchDueScheduled(ctx, now)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, due.ID, items[0].ID)

	stuck := enqueue(t, repo, 5, nil)
	_, err = repo.ClaimForProcessing(ctx, stuck.ID)
	require.NoError(t, err)

	recovered, err := repo.RecoverStuckProcessing(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(0), recovered)

	recovered, err = repo.RecoverStuckProcessing(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), recovered)

	stats, err := repo.GetQueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
	assert.Equal(t, int64(2), stats.Scheduled)
}

func TestRepository_Templates(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	_, err := repo.GetTemplateByKey(ctx, "welcome")
	assert.ErrorIs(t, err, notifications.ErrTemplateNotFound)

	tmpl := &notifications.Template{Key: "welcome", Name: "Welcome", Body: "Hello {{FirstName}}", IsActive: true}
	require.NoError(t, repo.UpsertTemplate(ctx, tmpl))
	assert.Equal(t, 1, tmpl.Version)

	tmpl.Body = "Hi {{FirstName}}"
	require.NoError(t, repo.UpsertTemplate(ctx, tmpl))
	assert.Equal(t, 2, tmpl.Version)

	got, err := repo.GetTemplateByKey(ctx, "welcome")
	require.NoError(t, err)
	assert.Equal(t, "Hi {{FirstName}}", got.Body)
	assert.Equal(t, 2, got.Version)
}

func TestRepository_AuditAndInbox(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	now := time.Now()

	item := enqueue(t, repo, 5, func(i *notifications.QueueItem) {
		i.Channel = domain.ChannelTypeInApp
		i.Recipient = "user-1"
	})

	rec := &notifications.AuditRecord{
		QueueItemID: item.ID,
		Channel:     item.Channel,
		Recipient:   item.Recipient,
		Message:     "Body",
		Status:      notifications.AuditStatusSent,
		SentAt:      now,
	}
	require.NoError(t, repo.RecordDelivery(ctx, rec))
	assert.NotEmpty(t, rec.ID)

	records, err := repo.ListAuditRecords(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, notifications.AuditStatusSent, records[0].Status)

	live := &notifications.InAppNotification{UserID: "user-1", QueueItemID: item.ID, Body: "live", ExpiresAt: now.Add(time.Hour)}
	expired := &notifications.InAppNotification{UserID: "user-1", Body: "old", ExpiresAt: now.Add(-time.Hour)}
	require.NoError(t, repo.CreateInAppNotification(ctx, live))
	require.NoError(t, repo.CreateInAppNotification(ctx, expired))

	inbox, err := repo.ListUserInApp(ctx, "user-1", now)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, "live", inbox[0].Body)
	assert.Equal(t, item.ID, inbox[0].QueueItemID)

	purged, err := repo.PurgeExpiredInApp(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
}
