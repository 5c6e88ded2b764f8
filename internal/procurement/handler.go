package procurement

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/procura-erp/procura/internal/approval"
	"github.com/procura-erp/procura/internal/platform/httpx"
	"github.com/procura-erp/procura/internal/shared"
)

// Handler manages purchase request endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers purchase request routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Get("/{id}", h.get)
	r.Patch("/{id}", h.update)
	r.Delete("/{id}", h.delete)
	r.Post("/{id}/submit", h.submit)
	r.Post("/{id}/approve", h.approve)
	r.Post("/{id}/reject", h.reject)
	r.Post("/{id}/retract", h.retract)
	r.Post("/{id}/cancel", h.cancel)
	r.Get("/{id}/approvals", h.approvals)
}

type prLineRequest struct {
	Description    string `json:"description" validate:"required"`
	Quantity       int64  `json:"quantity" validate:"required,min=1"`
	UnitPriceCents int64  `json:"unit_price_cents" validate:"min=0"`
}

type prLineResponse struct {
	ID             int64  `json:"id"`
	Description    string `json:"description"`
	Quantity       int64  `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	TotalCents     int64  `json:"total_cents"`
}

type prResponse struct {
	ID            int64            `json:"id"`
	Number        string           `json:"number"`
	RequesterID   int64            `json:"requester_id"`
	DepartmentID  int64            `json:"department_id"`
	Status        string           `json:"status"`
	TotalCents    int64            `json:"total_cents"`
	Justification string           `json:"justification,omitempty"`
	FiscalYear    int              `json:"fiscal_year,omitempty"`
	Quarter       int              `json:"quarter,omitempty"`
	ReservationID *string          `json:"reservation_id,omitempty"`
	POID          *int64           `json:"po_id,omitempty"`
	RFQID         *int64           `json:"rfq_id,omitempty"`
	Lines         []prLineResponse `json:"lines,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

func toPRResponse(pr PurchaseRequest, lines []PRLine) prResponse {
	resp := prResponse{
		ID:            pr.ID,
		Number:        pr.Number,
		RequesterID:   pr.RequesterID,
		DepartmentID:  pr.DepartmentID,
		Status:        string(pr.Status),
		TotalCents:    pr.TotalCents,
		Justification: pr.Justification,
		FiscalYear:    pr.FiscalYear,
		Quarter:       pr.Quarter,
		POID:          pr.POID,
		RFQID:         pr.RFQID,
		CreatedAt:     pr.CreatedAt,
		UpdatedAt:     pr.UpdatedAt,
	}
	if pr.ReservationID != nil {
		s := pr.ReservationID.String()
		resp.ReservationID = &s
	}
	for _, line := range lines {
		resp.Lines = append(resp.Lines, prLineResponse{
			ID:             line.ID,
			Description:    line.Description,
			Quantity:       line.Quantity,
			UnitPriceCents: line.UnitPriceCents,
			TotalCents:     line.TotalCents(),
		})
	}
	return resp
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	page := shared.ParsePageRequest(r)
	filters := ListFilters{Status: PRStatus(r.URL.Query().Get("status"))}
	if v := r.URL.Query().Get("requester_id"); v != "" {
		filters.RequesterID, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := r.URL.Query().Get("department_id"); v != "" {
		filters.DepartmentID, _ = strconv.ParseInt(v, 10, 64)
	}
	prs, total, err := h.service.List(r.Context(), page.PerPage, page.Offset(), filters)
	if err != nil {
		h.logger.Error("list purchase requests", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]prResponse, 0, len(prs))
	for _, pr := range prs {
		out = append(out, toPRResponse(pr, nil))
	}
	httpx.List(w, out, shared.NewPagination(page.Page, page.PerPage, total))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	pr, lines, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPRResponse(pr, lines))
}

type createPRRequest struct {
	Number        string          `json:"number"`
	DepartmentID  int64           `json:"department_id" validate:"required"`
	Justification string          `json:"justification"`
	Lines         []prLineRequest `json:"lines" validate:"required,min=1,dive"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createPRRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	pr, err := h.service.Create(r.Context(), CreateInput{
		Number:        req.Number,
		DepartmentID:  req.DepartmentID,
		Justification: req.Justification,
		Lines:         toLineInputs(req.Lines),
	})
	if err != nil {
		h.logger.Error("create purchase request", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toPRResponse(pr, nil))
}

type updatePRRequest struct {
	Justification *string         `json:"justification"`
	Lines         []prLineRequest `json:"lines" validate:"omitempty,min=1,dive"`
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	var req updatePRRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := UpdateInput{Justification: req.Justification}
	if req.Lines != nil {
		input.Lines = toLineInputs(req.Lines)
	}
	pr, err := h.service.Update(r.Context(), id, input)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPRResponse(pr, nil))
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	pr, err := h.service.Submit(r.Context(), id)
	if err != nil {
		h.logger.Error("submit purchase request", slog.Any("error", err), slog.Int64("id", id))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPRResponse(pr, nil))
}

type decisionRequest struct {
	Comments string `json:"comments"`
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, true)
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, false)
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request, approve bool) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	var req decisionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil && r.ContentLength > 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	pr, err := h.service.Decide(r.Context(), id, approve, req.Comments)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPRResponse(pr, nil))
}

func (h *Handler) retract(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	pr, err := h.service.Retract(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPRResponse(pr, nil))
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"required"`
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	var req cancelRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	pr, err := h.service.Cancel(r.Context(), id, req.Reason)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPRResponse(pr, nil))
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err := h.service.Delete(r.Context(), id); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type approvalResponse struct {
	Level      int        `json:"level"`
	Role       string     `json:"role"`
	Status     string     `json:"status"`
	ApproverID int64      `json:"approver_id,omitempty"`
	Comments   string     `json:"comments,omitempty"`
	DecidedAt  *time.Time `json:"decided_at,omitempty"`
}

func (h *Handler) approvals(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	chain, err := h.service.Approvals(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]approvalResponse, 0, len(chain))
	for _, a := range chain {
		out = append(out, toApprovalResponse(a))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func toApprovalResponse(a approval.Approval) approvalResponse {
	return approvalResponse{
		Level:      a.Level,
		Role:       a.ApproverRole,
		Status:     string(a.Status),
		ApproverID: a.ApproverID,
		Comments:   a.Comments,
		DecidedAt:  a.DecidedAt,
	}
}

func toLineInputs(lines []prLineRequest) []PRLineInput {
	out := make([]PRLineInput, 0, len(lines))
	for _, line := range lines {
		out = append(out, PRLineInput{Description: line.Description, Quantity: line.Quantity, UnitPriceCents: line.UnitPriceCents})
	}
	return out
}
