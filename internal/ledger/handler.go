package ledger

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/labstock/labstock/internal/platform/httpx"
	"github.com/labstock/labstock/internal/shared"
)

// Handler serves the read-only stock views.
type Handler struct {
	logger  *slog.Logger
	service *Service
	oracle  shared.CapabilityOracle
}

// NewHandler builds the handler.
func NewHandler(logger *slog.Logger, service *Service, oracle shared.CapabilityOracle) *Handler {
	return &Handler{logger: logger, service: service, oracle: oracle}
}

// MountRoutes registers the stock routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/stock", func(r chi.Router) {
		r.Get("/{location}/under-testing", h.listUnderTesting)
		r.Get("/{location}/{product}", h.getEntry)
		r.Get("/{location}/{product}/serials", h.listSerials)
	})
	r.Get("/serials/{id}/history", h.listHistory)
}

func (h *Handler) listUnderTesting(w http.ResponseWriter, r *http.Request) {
	_, location, ok := h.viewParams(w, r, "location")
	if !ok {
		return
	}
	entries, err := h.service.ListUnderTesting(r.Context(), location)
	if err != nil {
		h.logger.Warn("list under testing", slog.Int64("location", location), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": entries})
}

func (h *Handler) getEntry(w http.ResponseWriter, r *http.Request) {
	_, location, ok := h.viewParams(w, r, "location")
	if !ok {
		return
	}
	product, err := strconv.ParseInt(chi.URLParam(r, "product"), 10, 64)
	if err != nil || product <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Input", "invalid product id")
		return
	}
	entry, err := h.service.GetEntry(r.Context(), location, product)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, entry)
}

func (h *Handler) listSerials(w http.ResponseWriter, r *http.Request) {
	_, location, ok := h.viewParams(w, r, "location")
	if !ok {
		return
	}
	product, err := strconv.ParseInt(chi.URLParam(r, "product"), 10, 64)
	if err != nil || product <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Input", "invalid product id")
		return
	}
	serials, err := h.service.ListUnderTestingSerials(r.Context(), location, product)
	if err != nil {
		h.logger.Warn("list serials", slog.Int64("location", location), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": serials})
}

func (h *Handler) listHistory(w http.ResponseWriter, r *http.Request) {
	_, serialID, ok := h.viewParams(w, r, "id")
	if !ok {
		return
	}
	events, err := h.service.ListTransferHistory(r.Context(), serialID)
	if err != nil {
		h.logger.Warn("list history", slog.Int64("serial", serialID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": events})
}

// viewParams resolves the actor, authorizes the stock view and parses the
// named int64 route parameter.
func (h *Handler) viewParams(w http.ResponseWriter, r *http.Request, param string) (shared.Actor, int64, bool) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "actor identity missing")
		return shared.Actor{}, 0, false
	}
	allowed, err := h.oracle.HasCapability(r.Context(), actor, shared.CapStockView)
	if err != nil {
		h.logger.Error("stock view authorization", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return shared.Actor{}, 0, false
	}
	if !allowed {
		httpx.RespondError(w, fmt.Errorf("ledger: actor %d lacks %s: %w", actor.ID, shared.CapStockView, shared.ErrPermissionDenied))
		return shared.Actor{}, 0, false
	}
	value, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || value <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Input", "invalid "+param)
		return shared.Actor{}, 0, false
	}
	return actor, value, true
}
