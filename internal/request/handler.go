package request

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/labstock/labstock/internal/ledger"
	"github.com/labstock/labstock/internal/platform/httpx"
	"github.com/labstock/labstock/internal/shared"
)

// Handler serves the testing-request endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds the handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// MountRoutes registers the request routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/requests", func(r chi.Router) {
		r.Post("/", h.create)
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
		r.Post("/{id}/accept", h.accept)
		r.Post("/{id}/results", h.recordResults)
		r.Post("/{id}/return", h.returnToOutlet)
		r.Post("/{id}/cancel", h.cancel)
	})
}

type createRequestDTO struct {
	FromOutlet int64           `json:"from_outlet" validate:"required"`
	ToCenter   int64           `json:"to_center" validate:"required"`
	Remark     string          `json:"remark" validate:"max=500"`
	Lines      []createLineDTO `json:"lines" validate:"required,min=1,dive"`
}

type createLineDTO struct {
	ProductID int64    `json:"product_id" validate:"required"`
	Quantity  int64    `json:"quantity" validate:"required,gt=0"`
	Serials   []string `json:"serials" validate:"dive,min=1,max=64"`
	Remark    string   `json:"remark" validate:"max=500"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "actor identity missing")
		return
	}
	var dto createRequestDTO
	if err := httpx.DecodeJSON(r, &dto); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Input", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(dto); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Input", err.Error())
		return
	}
	input := CreateInput{
		FromOutlet: dto.FromOutlet,
		ToCenter:   dto.ToCenter,
		Remark:     dto.Remark,
	}
	for _, line := range dto.Lines {
		input.Lines = append(input.Lines, LineInput{
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			Serials:   line.Serials,
			Remark:    line.Remark,
		})
	}
	created, err := h.service.Create(r.Context(), actor, input)
	if err != nil {
		h.logger.Warn("create request", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "actor identity missing")
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	fromOutlet, _ := strconv.ParseInt(r.URL.Query().Get("from_outlet"), 10, 64)
	toCenter, _ := strconv.ParseInt(r.URL.Query().Get("to_center"), 10, 64)
	filter := Filter{
		Status:     Status(r.URL.Query().Get("status")),
		FromOutlet: fromOutlet,
		ToCenter:   toCenter,
		Page:       page,
		PerPage:    perPage,
	}
	items, pagination, err := h.service.List(r.Context(), actor, filter)
	if err != nil {
		h.logger.Warn("list requests", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"items":       items,
		"page":        pagination.Page,
		"per_page":    pagination.PerPage,
		"total":       pagination.Total,
		"total_pages": pagination.TotalPages,
	})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.service.Get, http.StatusOK)
}

func (h *Handler) accept(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.service.Accept, http.StatusOK)
}

type serialResultDTO struct {
	SerialNumber string `json:"serial_number" validate:"required,max=64"`
	Result       string `json:"result" validate:"required,oneof=passed failed tested"`
	Remark       string `json:"remark" validate:"max=500"`
}

type quantityResultDTO struct {
	ProductID int64  `json:"product_id" validate:"required"`
	Qty       int64  `json:"qty" validate:"required,gt=0"`
	Result    string `json:"result" validate:"required,oneof=passed failed tested"`
}

type recordResultsDTO struct {
	Serials    []serialResultDTO   `json:"serials" validate:"dive"`
	Quantities []quantityResultDTO `json:"quantities" validate:"dive"`
}

func (h *Handler) recordResults(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "actor identity missing")
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Input", "invalid request id")
		return
	}
	var dto recordResultsDTO
	if err := httpx.DecodeJSON(r, &dto); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Input", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(dto); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Input", err.Error())
		return
	}
	input := RecordResultsInput{}
	for _, serial := range dto.Serials {
		input.Serials = append(input.Serials, SerialResultInput{
			SerialNumber: serial.SerialNumber,
			Result:       ledger.TestResult(serial.Result),
			Remark:       serial.Remark,
		})
	}
	for _, qty := range dto.Quantities {
		input.Quantities = append(input.Quantities, QuantityResultInput{
			ProductID: qty.ProductID,
			Qty:       qty.Qty,
			Result:    ledger.TestResult(qty.Result),
		})
	}
	updated, err := h.service.RecordResults(r.Context(), actor, id, input)
	if err != nil {
		h.logger.Warn("record results", slog.Int64("request_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, updated)
}

func (h *Handler) returnToOutlet(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.service.Return, http.StatusOK)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.service.Cancel, http.StatusOK)
}

// lifecycle handles the id-only transitions that share a shape: parse the id,
// call the operation, respond with the refreshed request.
func (h *Handler) lifecycle(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, actor shared.Actor, id int64) (TestingRequest, error), status int) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "actor identity missing")
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Input", "invalid request id")
		return
	}
	updated, err := op(r.Context(), actor, id)
	if err != nil {
		h.logger.Warn("request transition", slog.Int64("request_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, status, updated)
}
