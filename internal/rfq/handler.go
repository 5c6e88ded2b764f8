package rfq

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/procura-erp/procura/internal/platform/httpx"
	"github.com/procura-erp/procura/internal/shared"
)

// Handler manages RFQ endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers RFQ routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Get("/{id}", h.get)
	r.Post("/{id}/open", h.open)
	r.Post("/{id}/close", h.close)
	r.Post("/{id}/cancel", h.cancel)
	r.Post("/{id}/award", h.award)
	r.Get("/{id}/bids", h.listBids)
	r.Post("/{id}/bids", h.submitBid)
}

type rfqLineResponse struct {
	ID          int64  `json:"id"`
	Description string `json:"description"`
	Quantity    int64  `json:"quantity"`
}

type rfqResponse struct {
	ID           int64             `json:"id"`
	Number       string            `json:"number"`
	PRID         *int64            `json:"pr_id,omitempty"`
	ContractID   *int64            `json:"contract_id,omitempty"`
	Status       string            `json:"status"`
	Deadline     time.Time         `json:"deadline"`
	AwardedBidID *int64            `json:"awarded_bid_id,omitempty"`
	Lines        []rfqLineResponse `json:"lines,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

func toRFQResponse(q RFQ, lines []Line) rfqResponse {
	resp := rfqResponse{
		ID:           q.ID,
		Number:       q.Number,
		PRID:         q.PRID,
		ContractID:   q.ContractID,
		Status:       string(q.Status),
		Deadline:     q.Deadline,
		AwardedBidID: q.AwardedBidID,
		CreatedAt:    q.CreatedAt,
		UpdatedAt:    q.UpdatedAt,
	}
	for _, l := range lines {
		resp.Lines = append(resp.Lines, rfqLineResponse{ID: l.ID, Description: l.Description, Quantity: l.Quantity})
	}
	return resp
}

type bidResponse struct {
	ID           int64     `json:"id"`
	RFQID        int64     `json:"rfq_id"`
	VendorID     int64     `json:"vendor_id"`
	TotalCents   int64     `json:"total_cents"`
	DeliveryDays int       `json:"delivery_days"`
	Note         string    `json:"note,omitempty"`
	SubmittedAt  time.Time `json:"submitted_at"`
}

func toBidResponse(b Bid) bidResponse {
	return bidResponse{
		ID:           b.ID,
		RFQID:        b.RFQID,
		VendorID:     b.VendorID,
		TotalCents:   b.TotalCents,
		DeliveryDays: b.DeliveryDays,
		Note:         b.Note,
		SubmittedAt:  b.SubmittedAt,
	}
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	page := shared.ParsePageRequest(r)
	rfqs, total, err := h.service.List(r.Context(), page.PerPage, page.Offset(), Status(r.URL.Query().Get("status")))
	if err != nil {
		h.logger.Error("list rfqs", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]rfqResponse, 0, len(rfqs))
	for _, q := range rfqs {
		out = append(out, toRFQResponse(q, nil))
	}
	httpx.List(w, out, shared.NewPagination(page.Page, page.PerPage, total))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	q, lines, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRFQResponse(q, lines))
}

type rfqLineRequest struct {
	Description string `json:"description" validate:"required"`
	Quantity    int64  `json:"quantity" validate:"required,min=1"`
}

type createRFQRequest struct {
	PRID       *int64           `json:"pr_id"`
	ContractID *int64           `json:"contract_id"`
	Deadline   time.Time        `json:"deadline" validate:"required"`
	Lines      []rfqLineRequest `json:"lines" validate:"omitempty,dive"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRFQRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := CreateInput{PRID: req.PRID, ContractID: req.ContractID, Deadline: req.Deadline}
	for _, l := range req.Lines {
		input.Lines = append(input.Lines, LineInput{Description: l.Description, Quantity: l.Quantity})
	}
	q, err := h.service.Create(r.Context(), input)
	if err != nil {
		h.logger.Error("create rfq", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toRFQResponse(q, nil))
}

func (h *Handler) open(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	q, err := h.service.Open(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRFQResponse(q, nil))
}

func (h *Handler) close(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	q, err := h.service.Close(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRFQResponse(q, nil))
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	q, err := h.service.Cancel(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRFQResponse(q, nil))
}

type awardRequest struct {
	BidID int64 `json:"bid_id" validate:"required"`
}

func (h *Handler) award(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	var req awardRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	q, po, err := h.service.Award(r.Context(), id, req.BidID)
	if err != nil {
		h.logger.Error("award rfq", slog.Any("error", err), slog.Int64("id", id))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"rfq": toRFQResponse(q, nil), "po_id": po.ID})
}

type bidRequest struct {
	TotalCents   int64  `json:"total_cents" validate:"required,min=1"`
	DeliveryDays int    `json:"delivery_days" validate:"min=0"`
	Note         string `json:"note"`
}

func (h *Handler) submitBid(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	var req bidRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	bid, err := h.service.SubmitBid(r.Context(), id, BidInput{TotalCents: req.TotalCents, DeliveryDays: req.DeliveryDays, Note: req.Note})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toBidResponse(bid))
}

func (h *Handler) listBids(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	bids, err := h.service.Bids(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]bidResponse, 0, len(bids))
	for _, b := range bids {
		out = append(out, toBidResponse(b))
	}
	httpx.JSON(w, http.StatusOK, out)
}
