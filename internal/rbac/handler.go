package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/labstock/labstock/internal/platform/httpx"
	"github.com/labstock/labstock/internal/shared"
)

// Directory is the role and grant management surface of Service.
type Directory interface {
	EffectiveCapabilities(ctx context.Context, userID int64) ([]string, error)
	ListRoles(ctx context.Context) ([]Role, error)
	CreateRole(ctx context.Context, name, description string) (Role, error)
	SetRoleGrants(ctx context.Context, roleID int64, caps []shared.Capability) error
	AssignRole(ctx context.Context, userID, roleID int64) error
	RemoveRole(ctx context.Context, userID, roleID int64) error
}

// Handler serves the role administration endpoints. All routes require the
// admin.rbac.manage capability.
type Handler struct {
	logger    *slog.Logger
	directory Directory
	oracle    shared.CapabilityOracle
	validate  *validator.Validate
}

// NewHandler builds the handler.
func NewHandler(logger *slog.Logger, directory Directory, oracle shared.CapabilityOracle) *Handler {
	return &Handler{
		logger:    logger,
		directory: directory,
		oracle:    oracle,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
	}
}

// MountRoutes registers the admin routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Get("/roles", h.listRoles)
		r.Post("/roles", h.createRole)
		r.Put("/roles/{roleID}/grants", h.setGrants)
		r.Get("/users/{userID}/capabilities", h.capabilities)
		r.Post("/users/{userID}/roles", h.assignRole)
		r.Delete("/users/{userID}/roles/{roleID}", h.removeRole)
	})
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authorize(w, r); !ok {
		return
	}
	roles, err := h.directory.ListRoles(r.Context())
	if err != nil {
		h.logger.Warn("list roles", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": roles})
}

type createRoleDTO struct {
	Name        string `json:"name" validate:"required,max=100"`
	Description string `json:"description" validate:"max=500"`
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authorize(w, r); !ok {
		return
	}
	var dto createRoleDTO
	if err := httpx.DecodeJSON(r, &dto); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Input", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(dto); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Input", err.Error())
		return
	}
	role, err := h.directory.CreateRole(r.Context(), dto.Name, dto.Description)
	if err != nil {
		h.logger.Warn("create role", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, role)
}

type setGrantsDTO struct {
	Capabilities []string `json:"capabilities" validate:"required,dive,min=1"`
}

func (h *Handler) setGrants(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authorize(w, r); !ok {
		return
	}
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	var dto setGrantsDTO
	if err := httpx.DecodeJSON(r, &dto); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Input", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(dto); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Input", err.Error())
		return
	}
	known := knownCapabilities()
	caps := make([]shared.Capability, 0, len(dto.Capabilities))
	for _, name := range dto.Capabilities {
		cap := shared.Capability(name)
		if _, ok := known[cap]; !ok {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Input", "unknown capability "+name)
			return
		}
		caps = append(caps, cap)
	}
	if err := h.directory.SetRoleGrants(r.Context(), roleID, caps); err != nil {
		h.logger.Warn("set role grants", slog.Int64("role_id", roleID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) capabilities(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authorize(w, r); !ok {
		return
	}
	userID, ok := h.pathID(w, r, "userID")
	if !ok {
		return
	}
	caps, err := h.directory.EffectiveCapabilities(r.Context(), userID)
	if err != nil {
		h.logger.Warn("effective capabilities", slog.Int64("user_id", userID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"user_id": userID, "capabilities": caps})
}

type assignRoleDTO struct {
	RoleID int64 `json:"role_id" validate:"required"`
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authorize(w, r); !ok {
		return
	}
	userID, ok := h.pathID(w, r, "userID")
	if !ok {
		return
	}
	var dto assignRoleDTO
	if err := httpx.DecodeJSON(r, &dto); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Input", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(dto); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Input", err.Error())
		return
	}
	if err := h.directory.AssignRole(r.Context(), userID, dto.RoleID); err != nil {
		h.logger.Warn("assign role", slog.Int64("user_id", userID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) removeRole(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authorize(w, r); !ok {
		return
	}
	userID, ok := h.pathID(w, r, "userID")
	if !ok {
		return
	}
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	if err := h.directory.RemoveRole(r.Context(), userID, roleID); err != nil {
		if errors.Is(err, ErrNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "user does not hold that role")
			return
		}
		h.logger.Warn("remove role", slog.Int64("user_id", userID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) (shared.Actor, bool) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "actor identity missing")
		return shared.Actor{}, false
	}
	allowed, err := h.oracle.HasCapability(r.Context(), actor, shared.CapRBACManage)
	if err != nil {
		h.logger.Error("rbac authorization", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return shared.Actor{}, false
	}
	if !allowed {
		httpx.RespondError(w, fmt.Errorf("rbac: actor %d lacks %s: %w", actor.ID, shared.CapRBACManage, shared.ErrPermissionDenied))
		return shared.Actor{}, false
	}
	return actor, true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	value, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || value <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Input", "invalid "+param)
		return 0, false
	}
	return value, true
}

func knownCapabilities() map[shared.Capability]struct{} {
	known := map[shared.Capability]struct{}{shared.CapRBACManage: {}}
	for _, cap := range shared.TestingScopes() {
		known[cap] = struct{}{}
	}
	return known
}
