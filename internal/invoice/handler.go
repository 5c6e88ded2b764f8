package invoice

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/procura-erp/procura/internal/platform/httpx"
	"github.com/procura-erp/procura/internal/shared"
)

// Handler manages invoice endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers invoice routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.upload)
	r.Get("/{id}", h.get)
	r.Post("/{id}/dispute", h.dispute)
	r.Post("/{id}/override", h.override)
	r.Post("/{id}/approve-payment", h.approvePayment)
	r.Post("/{id}/reject", h.reject)
	r.Post("/{id}/pay", h.pay)
}

type invoiceLineResponse struct {
	ID             int64  `json:"id"`
	Description    string `json:"description"`
	Quantity       int64  `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

type invoiceResponse struct {
	ID                int64                  `json:"id"`
	Number            string                 `json:"number,omitempty"`
	POID              int64                  `json:"po_id"`
	VendorID          int64                  `json:"vendor_id"`
	Status            string                 `json:"status"`
	TotalCents        int64                  `json:"total_cents"`
	DocumentRef       string                 `json:"document_ref,omitempty"`
	MatchStatus       string                 `json:"match_status"`
	MatchExceptions   []MatchExceptionDetail `json:"match_exceptions,omitempty"`
	Confidence        *float64               `json:"confidence,omitempty"`
	DisputeReason     string                 `json:"dispute_reason,omitempty"`
	OverrideReason    string                 `json:"override_reason,omitempty"`
	ApprovedPaymentAt *time.Time             `json:"approved_payment_at,omitempty"`
	PaidAt            *time.Time             `json:"paid_at,omitempty"`
	Lines             []invoiceLineResponse  `json:"lines,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
}

func toInvoiceResponse(inv Invoice, lines []Line) invoiceResponse {
	resp := invoiceResponse{
		ID:                inv.ID,
		Number:            inv.Number,
		POID:              inv.POID,
		VendorID:          inv.VendorID,
		Status:            string(inv.Status),
		TotalCents:        inv.TotalCents,
		DocumentRef:       inv.DocumentRef,
		MatchStatus:       string(inv.MatchStatus),
		MatchExceptions:   inv.MatchExceptions,
		DisputeReason:     inv.DisputeReason,
		OverrideReason:    inv.OverrideReason,
		ApprovedPaymentAt: inv.ApprovedPaymentAt,
		PaidAt:            inv.PaidAt,
		CreatedAt:         inv.CreatedAt,
		UpdatedAt:         inv.UpdatedAt,
	}
	if inv.OCRData != nil {
		c := inv.OCRData.Confidence
		resp.Confidence = &c
	}
	for _, l := range lines {
		resp.Lines = append(resp.Lines, invoiceLineResponse{ID: l.ID, Description: l.Description, Quantity: l.Quantity, UnitPriceCents: l.UnitPriceCents})
	}
	return resp
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	page := shared.ParsePageRequest(r)
	filters := ListFilters{Status: Status(r.URL.Query().Get("status"))}
	if v := r.URL.Query().Get("po_id"); v != "" {
		filters.POID, _ = strconv.ParseInt(v, 10, 64)
	}
	if actor := shared.ActorFromContext(r.Context()); actor.IsVendor() {
		filters.VendorID = actor.VendorID
	}
	invoices, total, err := h.service.List(r.Context(), page.PerPage, page.Offset(), filters)
	if err != nil {
		h.logger.Error("list invoices", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]invoiceResponse, 0, len(invoices))
	for _, inv := range invoices {
		out = append(out, toInvoiceResponse(inv, nil))
	}
	httpx.List(w, out, shared.NewPagination(page.Page, page.PerPage, total))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	inv, lines, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toInvoiceResponse(inv, lines))
}

type uploadRequest struct {
	POID        int64  `json:"po_id" validate:"required"`
	Number      string `json:"number"`
	TotalCents  int64  `json:"total_cents" validate:"min=0"`
	DocumentRef string `json:"document_ref" validate:"required"`
}

func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	var req uploadRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	inv, err := h.service.Upload(r.Context(), UploadInput{
		POID:        req.POID,
		Number:      req.Number,
		TotalCents:  req.TotalCents,
		DocumentRef: req.DocumentRef,
	})
	if err != nil {
		h.logger.Error("upload invoice", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toInvoiceResponse(inv, nil))
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"required"`
}

func (h *Handler) dispute(w http.ResponseWriter, r *http.Request) {
	h.withReason(w, r, h.service.Dispute)
}

func (h *Handler) override(w http.ResponseWriter, r *http.Request) {
	h.withReason(w, r, h.service.Override)
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	h.withReason(w, r, h.service.Reject)
}

func (h *Handler) withReason(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id int64, reason string) (Invoice, error)) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	var req reasonRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	inv, err := fn(r.Context(), id, req.Reason)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toInvoiceResponse(inv, nil))
}

type approvePaymentRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) approvePayment(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	var req approvePaymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil && r.ContentLength > 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	inv, err := h.service.ApprovePayment(r.Context(), id, req.Reason)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toInvoiceResponse(inv, nil))
}

func (h *Handler) pay(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	inv, err := h.service.Pay(r.Context(), id)
	if err != nil {
		h.logger.Error("pay invoice", slog.Any("error", err), slog.Int64("id", id))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toInvoiceResponse(inv, nil))
}
