package budget

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/procura-erp/procura/internal/platform/httpx"
	"github.com/procura-erp/procura/internal/shared"
)

// Handler manages budget endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers budget routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Get("/{id}", h.get)
	r.Post("/", h.create)
	r.Patch("/{id}", h.adjust)
}

type budgetResponse struct {
	ID            int64   `json:"id"`
	DepartmentID  int64   `json:"department_id"`
	FiscalYear    int     `json:"fiscal_year"`
	Quarter       int     `json:"quarter"`
	TotalCents    int64   `json:"total_cents"`
	SpentCents    int64   `json:"spent_cents"`
	ReservedCents int64   `json:"reserved_cents"`
	Currency      string  `json:"currency"`
	Policy        string  `json:"policy"`
	Utilization   float64 `json:"utilization_pct"`
}

func toBudgetResponse(b Budget) budgetResponse {
	return budgetResponse{
		ID:            b.ID,
		DepartmentID:  b.DepartmentID,
		FiscalYear:    b.FiscalYear,
		Quarter:       b.Quarter,
		TotalCents:    b.TotalCents,
		SpentCents:    b.SpentCents,
		ReservedCents: b.ReservedCents,
		Currency:      b.Currency,
		Policy:        string(b.Policy),
		Utilization:   b.UtilizationPct(),
	}
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	page := shared.ParsePageRequest(r)
	budgets, total, err := h.service.List(r.Context(), page.PerPage, page.Offset())
	if err != nil {
		h.logger.Error("list budgets", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]budgetResponse, 0, len(budgets))
	for _, b := range budgets {
		out = append(out, toBudgetResponse(b))
	}
	httpx.List(w, out, shared.NewPagination(page.Page, page.PerPage, total))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	b, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toBudgetResponse(b))
}

type createBudgetRequest struct {
	DepartmentID int64  `json:"department_id" validate:"required"`
	FiscalYear   int    `json:"fiscal_year" validate:"required"`
	Quarter      int    `json:"quarter" validate:"required,min=1,max=4"`
	TotalCents   int64  `json:"total_cents" validate:"min=0"`
	Currency     string `json:"currency"`
	Policy       string `json:"policy" validate:"omitempty,oneof=HARD SOFT"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createBudgetRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	b, err := h.service.Create(r.Context(), CreateInput{
		DepartmentID: req.DepartmentID,
		FiscalYear:   req.FiscalYear,
		Quarter:      req.Quarter,
		TotalCents:   req.TotalCents,
		Currency:     req.Currency,
		Policy:       Policy(req.Policy),
	})
	if err != nil {
		h.logger.Error("create budget", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toBudgetResponse(b))
}

type adjustBudgetRequest struct {
	TotalCents *int64  `json:"total_cents" validate:"omitempty,min=0"`
	Policy     *string `json:"policy" validate:"omitempty,oneof=HARD SOFT"`
}

func (h *Handler) adjust(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	var req adjustBudgetRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := AdjustInput{TotalCents: req.TotalCents}
	if req.Policy != nil {
		p := Policy(*req.Policy)
		input.Policy = &p
	}
	b, err := h.service.Adjust(r.Context(), id, input)
	if err != nil {
		h.logger.Error("adjust budget", slog.Any("error", err), slog.Int64("id", id))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toBudgetResponse(b))
}
