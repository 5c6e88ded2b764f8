package order

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/procura-erp/procura/internal/platform/httpx"
	"github.com/procura-erp/procura/internal/procurement"
	"github.com/procura-erp/procura/internal/shared"
)

// ReadySource lists approved purchase requests not yet converted to a
// purchase order or RFQ.
type ReadySource interface {
	ListReady(ctx context.Context, limit, offset int) ([]procurement.PurchaseRequest, int, error)
}

// Handler manages purchase order and receipt endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	ready    ReadySource
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, ready ReadySource) *Handler {
	return &Handler{logger: logger, service: service, ready: ready, validate: validator.New()}
}

// MountRoutes registers purchase order routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Get("/ready", h.listReady)
	r.Get("/{id}", h.get)
	r.Post("/{id}/issue", h.issue)
	r.Post("/{id}/acknowledge", h.acknowledge)
	r.Post("/{id}/cancel", h.cancel)
	r.Post("/{id}/receipts", h.applyReceipt)
	r.Get("/{id}/receipts", h.listReceipts)
}

type poLineResponse struct {
	ID               int64  `json:"id"`
	Description      string `json:"description"`
	Quantity         int64  `json:"quantity"`
	UnitPriceCents   int64  `json:"unit_price_cents"`
	ReceivedQuantity int64  `json:"received_quantity"`
}

type poResponse struct {
	ID                   int64            `json:"id"`
	Number               string           `json:"number"`
	PRID                 *int64           `json:"pr_id,omitempty"`
	RFQID                *int64           `json:"rfq_id,omitempty"`
	VendorID             int64            `json:"vendor_id"`
	ContractID           *int64           `json:"contract_id,omitempty"`
	Status               string           `json:"status"`
	TotalCents           int64            `json:"total_cents"`
	IssuedAt             *time.Time       `json:"issued_at,omitempty"`
	ExpectedDeliveryDate *string          `json:"expected_delivery_date,omitempty"`
	CancelReason         string           `json:"cancel_reason,omitempty"`
	Lines                []poLineResponse `json:"lines,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

func toPOResponse(po PurchaseOrder, lines []POLine) poResponse {
	resp := poResponse{
		ID:           po.ID,
		Number:       po.Number,
		PRID:         po.PRID,
		RFQID:        po.RFQID,
		VendorID:     po.VendorID,
		ContractID:   po.ContractID,
		Status:       string(po.Status),
		TotalCents:   po.TotalCents,
		IssuedAt:     po.IssuedAt,
		CancelReason: po.CancelReason,
		CreatedAt:    po.CreatedAt,
		UpdatedAt:    po.UpdatedAt,
	}
	if po.ExpectedDeliveryDate != nil {
		s := po.ExpectedDeliveryDate.Format("2006-01-02")
		resp.ExpectedDeliveryDate = &s
	}
	for _, l := range lines {
		resp.Lines = append(resp.Lines, poLineResponse{
			ID:               l.ID,
			Description:      l.Description,
			Quantity:         l.Quantity,
			UnitPriceCents:   l.UnitPriceCents,
			ReceivedQuantity: l.ReceivedQuantity,
		})
	}
	return resp
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	page := shared.ParsePageRequest(r)
	filters := ListFilters{Status: POStatus(r.URL.Query().Get("status"))}
	if v := r.URL.Query().Get("vendor_id"); v != "" {
		filters.VendorID, _ = strconv.ParseInt(v, 10, 64)
	}
	if actor := shared.ActorFromContext(r.Context()); actor.IsVendor() {
		filters.VendorID = actor.VendorID
	}
	pos, total, err := h.service.List(r.Context(), page.PerPage, page.Offset(), filters)
	if err != nil {
		h.logger.Error("list purchase orders", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]poResponse, 0, len(pos))
	for _, po := range pos {
		out = append(out, toPOResponse(po, nil))
	}
	httpx.List(w, out, shared.NewPagination(page.Page, page.PerPage, total))
}

type readyPRResponse struct {
	ID           int64  `json:"id"`
	Number       string `json:"number"`
	RequesterID  int64  `json:"requester_id"`
	DepartmentID int64  `json:"department_id"`
	TotalCents   int64  `json:"total_cents"`
	FiscalYear   int    `json:"fiscal_year,omitempty"`
}

// listReady surfaces approved PRs awaiting conversion so officers can pick
// what to order or solicit next.
func (h *Handler) listReady(w http.ResponseWriter, r *http.Request) {
	page := shared.ParsePageRequest(r)
	prs, total, err := h.ready.ListReady(r.Context(), page.PerPage, page.Offset())
	if err != nil {
		h.logger.Error("list ready purchase requests", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]readyPRResponse, 0, len(prs))
	for _, pr := range prs {
		out = append(out, readyPRResponse{
			ID:           pr.ID,
			Number:       pr.Number,
			RequesterID:  pr.RequesterID,
			DepartmentID: pr.DepartmentID,
			TotalCents:   pr.TotalCents,
			FiscalYear:   pr.FiscalYear,
		})
	}
	httpx.List(w, out, shared.NewPagination(page.Page, page.PerPage, total))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	po, lines, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPOResponse(po, lines))
}

type createPORequest struct {
	PRID       int64  `json:"pr_id" validate:"required"`
	VendorID   int64  `json:"vendor_id" validate:"required"`
	ContractID *int64 `json:"contract_id"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createPORequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	po, err := h.service.CreateFromPR(r.Context(), CreateInput{PRID: req.PRID, VendorID: req.VendorID, ContractID: req.ContractID})
	if err != nil {
		h.logger.Error("create purchase order", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toPOResponse(po, nil))
}

func (h *Handler) issue(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	po, err := h.service.Issue(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPOResponse(po, nil))
}

type acknowledgeRequest struct {
	ExpectedDeliveryDate string `json:"expected_delivery_date" validate:"required"`
}

func (h *Handler) acknowledge(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	var req acknowledgeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	date, err := time.Parse("2006-01-02", req.ExpectedDeliveryDate)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "expected_delivery_date must be YYYY-MM-DD")
		return
	}
	po, err := h.service.Acknowledge(r.Context(), id, date)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPOResponse(po, nil))
}

type cancelPORequest struct {
	Reason string `json:"reason" validate:"required"`
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	var req cancelPORequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	po, err := h.service.Cancel(r.Context(), id, req.Reason)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPOResponse(po, nil))
}

type receiptLineRequest struct {
	POLineID  int64  `json:"po_line_id" validate:"required"`
	Quantity  int64  `json:"quantity" validate:"required,min=1"`
	Condition string `json:"condition"`
}

type receiptRequest struct {
	Note  string               `json:"note"`
	Lines []receiptLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type receiptLineResponse struct {
	POLineID  int64  `json:"po_line_id"`
	Quantity  int64  `json:"quantity"`
	Condition string `json:"condition,omitempty"`
}

type receiptResponse struct {
	ID         int64                 `json:"id"`
	POID       int64                 `json:"po_id"`
	POStatus   string                `json:"po_status,omitempty"`
	ReceivedBy int64                 `json:"received_by,omitempty"`
	Note       string                `json:"note,omitempty"`
	Lines      []receiptLineResponse `json:"lines"`
	CreatedAt  time.Time             `json:"created_at"`
}

func toReceiptResponse(rec Receipt, poStatus string) receiptResponse {
	resp := receiptResponse{ID: rec.ID, POID: rec.POID, POStatus: poStatus, ReceivedBy: rec.ReceivedBy, Note: rec.Note, CreatedAt: rec.CreatedAt}
	for _, l := range rec.Lines {
		resp.Lines = append(resp.Lines, receiptLineResponse{POLineID: l.POLineID, Quantity: l.Quantity, Condition: l.Condition})
	}
	return resp
}

func (h *Handler) applyReceipt(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	var req receiptRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := ReceiptInput{Note: req.Note}
	for _, l := range req.Lines {
		input.Lines = append(input.Lines, ReceiptLineInput{POLineID: l.POLineID, Quantity: l.Quantity, Condition: l.Condition})
	}
	receipt, po, err := h.service.ApplyReceipt(r.Context(), id, input)
	if err != nil {
		h.logger.Error("apply receipt", slog.Any("error", err), slog.Int64("po_id", id))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toReceiptResponse(receipt, string(po.Status)))
}

func (h *Handler) listReceipts(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	receipts, err := h.service.Receipts(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]receiptResponse, 0, len(receipts))
	for _, rec := range receipts {
		out = append(out, toReceiptResponse(rec, ""))
	}
	httpx.JSON(w, http.StatusOK, out)
}
