package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"relaypoint/internal/core"
	"relaypoint/internal/notifications/audit"
	"relaypoint/internal/types"
)

// AuditLog is the query surface of the batched audit logger. Satisfied by
// *audit.Logger.
type AuditLog interface {
	Query(ctx context.Context, f audit.Filter) ([]*types.AuditLogEntry, string, error)
	Export(ctx context.Context, f audit.Filter, w io.Writer) (int64, error)
}

// AuditHandler serves the audit trail: paginated query plus a streaming
// gzip NDJSON export.
type AuditHandler struct {
	log    AuditLog
	logger *slog.Logger
}

// NewAuditHandler creates an AuditHandler.
func NewAuditHandler(log AuditLog, logger *slog.Logger) *AuditHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditHandler{log: log, logger: logger}
}

// RegisterRoutes mounts the audit routes.
func (h *AuditHandler) RegisterRoutes(r chi.Router) {
	r.Route("/audit", func(r chi.Router) {
		r.Use(core.ActorMiddleware)
		r.Get("/", h.Query)
		r.Get("/export", h.Export)
	})
}

// Query handles GET /v1/audit with filter query parameters.
func (h *AuditHandler) Query(w http.ResponseWriter, r *http.Request) {
	f, err := filterFromQuery(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	entries, nextCursor, err := h.log.Query(r.Context(), f)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, types.ListResponse[*types.AuditLogEntry]{
		Data: entries,
		PageInfo: types.PageInfo{
			HasMore:    nextCursor != "",
			NextCursor: nextCursor,
		},
	})
}

// Export handles GET /v1/audit/export, streaming all matching entries as
// gzip-compressed NDJSON. Errors after the first byte can only be logged;
// the stream is already committed.
func (h *AuditHandler) Export(w http.ResponseWriter, r *http.Request) {
	f, err := filterFromQuery(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Encoding", "gzip")
	w.Header().Set("Content-Disposition", `attachment; filename="audit-export.ndjson.gz"`)

	count, err := h.log.Export(r.Context(), f, w)
	if err != nil {
		h.logger.Error("audit export aborted",
			"error", err,
			"exported", count,
			"request_id", types.GetRequestID(r.Context()),
		)
		return
	}

	h.logger.Info("audit export completed",
		"exported", count,
		"request_id", types.GetRequestID(r.Context()),
	)
}

// filterFromQuery builds an audit filter from query parameters. Timestamps
// are RFC3339; limit must be a non-negative integer.
func filterFromQuery(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()

	f := audit.Filter{
		Action:         q.Get("action"),
		NotificationID: q.Get("notification_id"),
		UserID:         q.Get("user_id"),
		TenantID:       q.Get("tenant_id"),
		EventType:      types.EventType(q.Get("event_type")),
		Priority:       types.Priority(q.Get("priority")),
		Channel:        types.ChannelType(q.Get("channel")),
		Status:         types.AuditStatus(q.Get("status")),
		Cursor:         q.Get("cursor"),
	}

	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			return audit.Filter{}, types.NewAppError(types.ErrCodeValidationMissingField,
				"limit must be a non-negative integer", err)
		}
		f.Limit = limit
	}

	if v := q.Get("from"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return audit.Filter{}, types.NewAppError(types.ErrCodeValidationMissingField,
				"from must be an RFC3339 timestamp", err)
		}
		f.From = ts
	}
	if v := q.Get("to"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return audit.Filter{}, types.NewAppError(types.ErrCodeValidationMissingField,
				"to must be an RFC3339 timestamp", err)
		}
		f.To = ts
	}

	return f, nil
}
