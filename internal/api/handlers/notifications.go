// Package handlers contains the HTTP handler implementations for the
// RelayPoint API: notification submission and history, audit query and
// export, and the admin policy reload.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"relaypoint/internal/core"
	"relaypoint/internal/metrics"
	"relaypoint/internal/notifications/engine"
	"relaypoint/internal/types"
)

// Pipeline is the engine surface the notification handler submits to.
// Satisfied by *engine.Engine.
type Pipeline interface {
	Submit(ctx context.Context, req *engine.Request) (*engine.Outcome, error)
}

// NotificationReader provides notification retrieval. Satisfied by
// db.NotificationRepository.
type NotificationReader interface {
	GetByID(ctx context.Context, id string) (*types.Notification, error)
	ListByRecipient(ctx context.Context, tenantID, userID string, limit int, cursor string) ([]*types.Notification, string, error)
}

// SubmitRequest is the request body for POST /v1/notifications.
type SubmitRequest struct {
	EventType string         `json:"event_type"`
	TenantID  string         `json:"tenant_id"`
	UserID    string         `json:"user_id,omitempty"`
	Title     string         `json:"title,omitempty"`
	Message   string         `json:"message,omitempty"`
	Category  string         `json:"category,omitempty"`
	Priority  string         `json:"priority,omitempty"`
	Metadata  types.Metadata `json:"metadata,omitempty"`

	Recipients []string `json:"recipients,omitempty"`
	Hint       string   `json:"hint,omitempty"`
	HintRole   string   `json:"hint_role,omitempty"`

	UserFacing    bool `json:"user_facing,omitempty"`
	AdminOnly     bool `json:"admin_only,omitempty"`
	SystemOnly    bool `json:"system_only,omitempty"`
	OffHours      bool `json:"off_hours,omitempty"`
	TimeSensitive bool `json:"time_sensitive,omitempty"`
	HighValue     bool `json:"high_value,omitempty"`
}

// NotificationHandler serves notification submission and history.
type NotificationHandler struct {
	pipeline Pipeline
	reader   NotificationReader
	logger   *slog.Logger
}

// NewNotificationHandler creates a NotificationHandler.
func NewNotificationHandler(pipeline Pipeline, reader NotificationReader, logger *slog.Logger) *NotificationHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotificationHandler{
		pipeline: pipeline,
		reader:   reader,
		logger:   logger,
	}
}

// RegisterRoutes mounts the notification routes.
func (h *NotificationHandler) RegisterRoutes(r chi.Router) {
	r.Route("/notifications", func(r chi.Router) {
		r.Use(core.ActorMiddleware)
		r.Post("/", h.Submit)
		r.Get("/", h.List)
		r.Get("/{id}", h.Get)
	})
}

// Submit handles POST /v1/notifications. The pipeline outcome maps onto the
// response status: rate-limited submissions get 429 with a Retry-After
// header, security rejections 403, everything else 200 with the structured
// outcome so callers can distinguish delivered, partial, suppressed and
// failed.
func (h *NotificationHandler) Submit(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodePermissionRole, "actor identity is required", nil))
		return
	}

	var req SubmitRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	outcome, err := h.pipeline.Submit(r.Context(), submissionToRequest(&req, actor))
	if err != nil {
		core.Error(w, r, err)
		return
	}

	metrics.ObservePipelineOutcome(string(outcome.Status), string(outcome.Priority))

	switch outcome.Status {
	case engine.StatusRateLimited:
		if outcome.RetryAfterSeconds > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(outcome.RetryAfterSeconds))
		}
		core.JSON(w, r, http.StatusTooManyRequests, core.APIResponse{Data: outcome})
	case engine.StatusRejected:
		core.JSON(w, r, http.StatusForbidden, core.APIResponse{Data: outcome})
	default:
		resp := core.APIResponse{Data: outcome}
		if len(outcome.Warnings) > 0 {
			resp.Meta = &types.ResponseMeta{Warnings: outcome.Warnings}
		}
		core.JSON(w, r, http.StatusOK, resp)
	}
}

// Get handles GET /v1/notifications/{id}.
func (h *NotificationHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	n, err := h.reader.GetByID(r.Context(), id)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: n})
}

// List handles GET /v1/notifications?tenant_id=&user_id=&limit=&cursor=.
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenantID := q.Get("tenant_id")
	userID := q.Get("user_id")
	if tenantID == "" || userID == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField,
			"tenant_id and user_id are required", nil))
		return
	}

	limit := 0
	if v := q.Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField,
				"limit must be a non-negative integer", nil))
			return
		}
		limit = parsed
	}

	items, nextCursor, err := h.reader.ListByRecipient(r.Context(), tenantID, userID, limit, q.Get("cursor"))
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, types.ListResponse[*types.Notification]{
		Data: items,
		PageInfo: types.PageInfo{
			HasMore:    nextCursor != "",
			NextCursor: nextCursor,
		},
	})
}

// submissionToRequest builds the engine request, carrying the authenticated
// actor and the submission-time classification signals.
func submissionToRequest(req *SubmitRequest, actor types.Actor) *engine.Request {
	return &engine.Request{
		EventType:        types.EventType(req.EventType),
		TenantID:         req.TenantID,
		UserID:           req.UserID,
		Title:            req.Title,
		Message:          req.Message,
		Category:         types.Category(req.Category),
		ExplicitPriority: types.Priority(req.Priority),
		Metadata:         req.Metadata,
		Context: &types.RequestContext{
			Actor:          actor,
			TargetTenantID: req.TenantID,
			Recipients:     req.Recipients,
			Hint:           types.ResolutionHint(req.Hint),
			HintRole:       types.UserRole(req.HintRole),
			UserFacing:     req.UserFacing,
			AdminOnly:      req.AdminOnly,
			SystemOnly:     req.SystemOnly,
			OffHours:       req.OffHours,
			TimeSensitive:  req.TimeSensitive,
			HighValue:      req.HighValue,
		},
	}
}
