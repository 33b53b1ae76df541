package location

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/labstock/labstock/internal/platform/httpx"
	"github.com/labstock/labstock/internal/shared"
)

// Handler serves the outlet and testing-center listing.
type Handler struct {
	logger  *slog.Logger
	service *Service
	oracle  shared.CapabilityOracle
}

// NewHandler builds the handler.
func NewHandler(logger *slog.Logger, service *Service, oracle shared.CapabilityOracle) *Handler {
	return &Handler{logger: logger, service: service, oracle: oracle}
}

// MountRoutes registers the location routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/locations", h.list)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "actor identity missing")
		return
	}
	allowed, err := h.oracle.HasCapability(r.Context(), actor, shared.CapRequestView)
	if err != nil {
		h.logger.Error("location authorization", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	if !allowed {
		httpx.RespondError(w, fmt.Errorf("location: actor %d lacks %s: %w", actor.ID, shared.CapRequestView, shared.ErrPermissionDenied))
		return
	}
	locations, err := h.service.ListLocations(r.Context())
	if err != nil {
		h.logger.Warn("list locations", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": locations})
}
