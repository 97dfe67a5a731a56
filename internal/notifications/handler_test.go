package notifications_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bissquit/herald/internal/domain"
	"github.com/bissquit/herald/internal/notifications"
	"github.com/bissquit/herald/internal/notifications/memory"
	"github.com/bissquit/herald/internal/pkg/auth"
	"github.com/bissquit/herald/internal/pkg/httputil"
	"github.com/bissquit/herald/internal/testutil"
)

type apiFixture struct {
	repo     *memory.Repository
	client   *testutil.Client
	producer *testutil.Client
	operator *testutil.Client
	admin    *testutil.Client
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	repo := memory.NewRepository()
	handler := notifications.NewHandler(notifications.NewService(repo, 0))
	authenticator := auth.NewAuthenticator(auth.Config{SecretKey: "handler-test-secret-0123456789abcdef", Issuer: "herald"})

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httputil.AuthMiddleware(authenticator))
		handler.RegisterRoutes(r)
		r.Group(func(r chi.Router) {
			r.Use(httputil.RequireRole(domain.RoleOperator))
			handler.RegisterOperatorRoutes(r)
		})
		r.Group(func(r chi.Router) {
			r.Use(httputil.RequireRole(domain.RoleAdmin))
			handler.RegisterAdminRoutes(r)
		})
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	client := testutil.NewClientWithValidator(t, srv.URL, testutil.NewOpenAPIValidator(t))
	token := func(role domain.Role) string {
		tok, err := authenticator.IssueToken("test-"+string(role), role)
		require.NoError(t, err)
		return tok
	}

	return &apiFixture{
		repo:     repo,
		client:   client,
		producer: client.WithToken(token(domain.RoleProducer)),
		operator: client.WithToken(token(domain.RoleOperator)),
		admin:    client.WithToken(token(domain.RoleAdmin)),
	}
}

type itemResponse struct {
	Data notifications.QueueItem `json:"data"`
}

func TestHandler_EnqueueAndGet(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := f.producer.POST("/api/v1/notifications", map[string]interface{}{
		"channel":       "email",
		"recipient":     "user@example.com",
		"template_key":  "welcome",
		"template_data": map[string]string{"Name": "John"},
		"priority":      1,
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var created itemResponse
	testutil.DecodeJSON(t, resp, &created)
	assert.Equal(t, notifications.QueueStatusPending, created.Data.Status)
	assert.Equal(t, 1, created.Data.Priority)
	assert.Equal(t, 3, created.Data.MaxRetries)

	resp, err = f.producer.GET("/api/v1/notifications/" + created.Data.ID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got itemResponse
	testutil.DecodeJSON(t, resp, &got)
	assert.Equal(t, created.Data.ID, got.Data.ID)
}

func TestHandler_Enqueue_Scheduled(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := f.producer.POST("/api/v1/notifications", map[string]interface{}{
		"channel":   "sms",
		"recipient": "+15550100",
		"body":      "reminder",
		"send_at":   time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var created itemResponse
	testutil.DecodeJSON(t, resp, &created)
	assert.Equal(t, notifications.QueueStatusScheduled, created.Data.Status)
}

func TestHandler_Enqueue_Invalid(t *testing.T) {
	f := newAPIFixture(t)

	tests := []struct {
		name string
		body map[string]interface{}
	}{
		{"unknown channel", map[string]interface{}{"channel": "fax", "recipient": "x", "body": "b"}},
		{"missing recipient", map[string]interface{}{"channel": "email", "body": "b"}},
		{"missing content", map[string]interface{}{"channel": "email", "recipient": "x"}},
		{"priority out of range", map[string]interface{}{"channel": "email", "recipient": "x", "body": "b", "priority": 42}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := f.producer.WithoutValidation().POST("/api/v1/notifications", tt.body)
			require.NoError(t, err)
			defer func() { _ = resp.Body.Close() }()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestHandler_Auth(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := f.client.WithoutValidation().GET("/api/v1/notifications/x")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = f.client.WithToken("garbage").WithoutValidation().GET("/api/v1/notifications/x")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = f.producer.GET("/api/v1/queue/stats")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHandler_GetNotFound(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := f.producer.GET("/api/v1/notifications/missing")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandler_CancelAndRequeue(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	item := &notifications.QueueItem{
		ID: "item-1", Channel: domain.ChannelTypeEmail, Recipient: "a@b.c", Body: "b",
		Priority: 5, Status: notifications.QueueStatusPending, MaxRetries: 3,
	}
	require.NoError(t, f.repo.EnqueueNotification(ctx, item))

	resp, err := f.operator.POST("/api/v1/notifications/item-1/requeue", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, err = f.operator.POST("/api/v1/notifications/item-1/cancel", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cancelled itemResponse
	testutil.DecodeJSON(t, resp, &cancelled)
	assert.Equal(t, notifications.QueueStatusCancelled, cancelled.Data.Status)

	resp, err = f.operator.POST("/api/v1/notifications/item-1/cancel", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	failed := &notifications.QueueItem{
		ID: "item-2", Channel: domain.ChannelTypeEmail, Recipient: "a@b.c", Body: "b",
		Priority: 5, Status: notifications.QueueStatusPending, MaxRetries: 3,
	}
	require.NoError(t, f.repo.EnqueueNotification(ctx, failed))
	_, err = f.repo.ClaimForProcessing(ctx, "item-2")
	require.NoError(t, err)
	require.NoError(t, f.repo.MarkAsFailed(ctx, "item-2", 3, "bounced", time.Now()))

	resp, err = f.operator.POST("/api/v1/notifications/item-2/requeue", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var requeued itemResponse
	testutil.DecodeJSON(t, resp, &requeued)
	assert.Zero(t, requeued.Data.AttemptCount)
}

func TestHandler_Stats(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	require.NoError(t, f.repo.EnqueueNotification(ctx, &notifications.QueueItem{
		Channel: domain.ChannelTypeEmail, Recipient: "a@b.c", Body: "b",
		Priority: 5, Status: notifications.QueueStatusPending, MaxRetries: 3,
	}))

	resp, err := f.operator.GET("/api/v1/queue/stats")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats struct {
		Data notifications.QueueStats `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &stats)
	assert.Equal(t, int64(1), stats.Data.Pending)
}

func TestHandler_Templates(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := f.operator.PUT("/api/v1/templates/welcome", map[string]interface{}{"body": "Hi {{Name}}"})
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	for version := 1; version <= 2; version++ {
		resp, err = f.admin.PUT("/api/v1/templates/welcome", map[string]interface{}{
			"name":    "Welcome",
			"subject": "Hello",
			"body":    "Hi {{Name}}",
		})
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var saved struct {
			Data notifications.Template `json:"data"`
		}
		testutil.DecodeJSON(t, resp, &saved)
		assert.Equal(t, version, saved.Data.Version)
		assert.True(t, saved.Data.IsActive)
	}

	resp, err = f.operator.GET("/api/v1/templates/welcome")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = f.operator.GET("/api/v1/templates/missing")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandler_Inbox(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	require.NoError(t, f.repo.CreateInAppNotification(ctx, &notifications.InAppNotification{
		UserID: "u1", Body: "hello", ExpiresAt: time.Now().Add(time.Hour),
	}))

	resp, err := f.producer.GET("/api/v1/users/u1/inbox")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var inbox struct {
		Data []notifications.InAppNotification `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &inbox)
	require.Len(t, inbox.Data, 1)
	assert.Equal(t, "hello", inbox.Data[0].Body)

	resp, err = f.producer.GET("/api/v1/users/nobody/inbox")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	testutil.DecodeJSON(t, resp, &inbox)
	assert.Empty(t, inbox.Data)
}
