package notifications

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/bissquit/herald/internal/domain"
	"github.com/bissquit/herald/internal/pkg/ctxlog"
	"github.com/bissquit/herald/internal/pkg/httputil"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrQueueItemNotFound, Status: http.StatusNotFound, Message: "notification not found"},
	{Error: ErrTemplateNotFound, Status: http.StatusNotFound, Message: "template not found"},
	{Error: ErrNotCancellable, Status: http.StatusConflict},
	{Error: ErrNotRequeueable, Status: http.StatusConflict},
	{Error: ErrInvalidTransition, Status: http.StatusConflict},
	{Error: ErrInvalidChannel, Status: http.StatusBadRequest},
	{Error: ErrEmptyContent, Status: http.StatusBadRequest},
	{Error: ErrInvalidPriority, Status: http.StatusBadRequest},
	{Error: ErrInvalidTemplate, Status: http.StatusBadRequest},
	{Error: ErrEmptyRecipient, Status: http.StatusBadRequest},
	{Error: ErrInvalidMaxRetry, Status: http.StatusBadRequest},
}

// Handler handles HTTP requests for the notifications module.
type Handler struct {
	service   *Service
	validator *validator.Validate
}

// NewHandler creates a new notifications handler.
func NewHandler(service *Service) *Handler {
	return &Handler{
		service:   service,
		validator: validator.New(),
	}
}

// RegisterRoutes registers producer routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/notifications", h.Enqueue)
	r.Get("/notifications/{id}", h.GetNotification)
	r.Get("/users/{userID}/inbox", h.ListInbox)
}

// RegisterOperatorRoutes registers queue management routes.
func (h *Handler) RegisterOperatorRoutes(r chi.Router) {
	r.Post("/notifications/{id}/cancel", h.Cancel)
	r.Post("/notifications/{id}/requeue", h.Requeue)
	r.Get("/queue/stats", h.Stats)
	r.Get("/templates/{key}", h.GetTemplate)
}

// RegisterAdminRoutes registers template management routes.
func (h *Handler) RegisterAdminRoutes(r chi.Router) {
	r.Put("/templates/{key}", h.SaveTemplate)
}

// EnqueueRequest represents request body for enqueueing a notification.
type EnqueueRequest struct {
	Channel      string          `json:"channel" validate:"required,oneof=email sms push in_app"`
	Recipient    string          `json:"recipient" validate:"required,max=512"`
	Subject      string          `json:"subject" validate:"max=998"`
	Body         string          `json:"body" validate:"required_without=TemplateKey"`
	TemplateKey  string          `json:"template_key" validate:"max=128"`
	TemplateData json.RawMessage `json:"template_data"`
	Priority     int             `json:"priority" validate:"omitempty,min=1,max=10"`
	MaxRetries   int             `json:"max_retries" validate:"omitempty,min=1,max=20"`
	SendAt       *time.Time      `json:"send_at"`
}

// SaveTemplateRequest represents request body for saving a template.
type SaveTemplateRequest struct {
	Name     string `json:"name" validate:"max=255"`
	Subject  string `json:"subject" validate:"max=998"`
	Body     string `json:"body" validate:"required"`
	IsActive *bool  `json:"is_active"`
}

// Enqueue handles POST /notifications.
func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	item, err := h.service.Enqueue(r.Context(), EnqueueInput{
		Channel:      domain.ChannelType(req.Channel),
		Recipient:    req.Recipient,
		Subject:      req.Subject,
		Body:         req.Body,
		TemplateKey:  req.TemplateKey,
		TemplateData: req.TemplateData,
		Priority:     req.Priority,
		MaxRetries:   req.MaxRetries,
		SendAt:       req.SendAt,
	})
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	ctxlog.FromContext(r.Context()).Info("notification enqueued",
		"item_id", item.ID,
		"channel", item.Channel,
		"status", item.Status,
		"producer", httputil.GetSubject(r.Context()),
	)

	httputil.Success(w, http.StatusAccepted, item)
}

// GetNotification handles GET /notifications/{id}.
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	item, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, item)
}

// Cancel handles POST /notifications/{id}/cancel.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	ctx := ctxlog.With(r.Context(), "item_id", chi.URLParam(r, "id"))

	item, err := h.service.Cancel(ctx, chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(ctx, w, err, errorMappings)
		return
	}

	ctxlog.FromContext(ctx).Info("notification cancelled")
	httputil.Success(w, http.StatusOK, item)
}

// Requeue handles POST /notifications/{id}/requeue.
func (h *Handler) Requeue(w http.ResponseWriter, r *http.Request) {
	ctx := ctxlog.With(r.Context(), "item_id", chi.URLParam(r, "id"))

	item, err := h.service.Requeue(ctx, chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(ctx, w, err, errorMappings)
		return
	}

	ctxlog.FromContext(ctx).Info("notification requeued")
	httputil.Success(w, http.StatusOK, item)
}

// Stats handles GET /queue/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, stats)
}

// SaveTemplate handles PUT /templates/{key}.
func (h *Handler) SaveTemplate(w http.ResponseWriter, r *http.Request) {
	var req SaveTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	tmpl := &Template{
		Key:      chi.URLParam(r, "key"),
		Name:     req.Name,
		Subject:  req.Subject,
		Body:     req.Body,
		IsActive: req.IsActive == nil || *req.IsActive,
	}

	if err := h.service.SaveTemplate(r.Context(), tmpl); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, tmpl)
}

// GetTemplate handles GET /templates/{key}.
func (h *Handler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	tmpl, err := h.service.GetTemplate(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, tmpl)
}

// ListInbox handles GET /users/{userID}/inbox.
func (h *Handler) ListInbox(w http.ResponseWriter, r *http.Request) {
	items, err := h.service.ListInbox(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	if items == nil {
		items = []InAppNotification{}
	}
	httputil.Success(w, http.StatusOK, items)
}
