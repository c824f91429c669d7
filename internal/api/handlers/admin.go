package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"relaypoint/internal/config"
	"relaypoint/internal/core"
	"relaypoint/internal/types"
)

// PolicySource reloads and exposes the active policy set. Satisfied by
// *config.PolicyProvider.
type PolicySource interface {
	Reload() (*config.PolicySet, error)
}

// AdminHandler serves operator endpoints. Policy reload re-reads the policy
// file and pushes the new set into the pipeline components through apply.
type AdminHandler struct {
	policies PolicySource
	apply    func(*config.PolicySet)
	logger   *slog.Logger
}

// NewAdminHandler creates an AdminHandler. apply receives every successfully
// reloaded policy set; wiring it to the pipeline components is the caller's
// responsibility.
func NewAdminHandler(policies PolicySource, apply func(*config.PolicySet), logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{policies: policies, apply: apply, logger: logger}
}

// RegisterRoutes mounts the admin routes.
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Use(core.ActorMiddleware)
		r.Post("/policy/reload", h.ReloadPolicy)
	})
}

// ReloadPolicy handles POST /v1/admin/policy/reload. Restricted to admin,
// owner and system actors. A failed reload leaves the previous policy
// active.
func (h *AdminHandler) ReloadPolicy(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok || !canReloadPolicy(actor) {
		core.Error(w, r, types.NewAppError(types.ErrCodePermissionRole,
			"policy reload requires an admin role", nil))
		return
	}

	ps, err := h.policies.Reload()
	if err != nil {
		h.logger.Error("policy reload failed", "error", err, "actor_id", actor.ID)
		core.Error(w, r, types.NewAppError(types.ErrCodeInternalUnexpected,
			"policy reload failed; previous policy remains active", err))
		return
	}

	if h.apply != nil {
		h.apply(ps)
	}

	h.logger.Info("policy reloaded", "actor_id", actor.ID)
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]string{
		"status": "reloaded",
	}})
}

func canReloadPolicy(actor types.Actor) bool {
	if actor.Type == types.ActorTypeSystem {
		return true
	}
	return actor.Role == types.RoleAdmin || actor.Role == types.RoleOwner
}
