package rfq

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/procura-erp/procura/internal/notify"
	"github.com/procura-erp/procura/internal/order"
	"github.com/procura-erp/procura/internal/procurement"
	"github.com/procura-erp/procura/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetRFQ(ctx context.Context, id int64) (RFQ, []Line, error)
	ListRFQs(ctx context.Context, limit, offset int, status Status) ([]RFQ, int, error)
	ListBids(ctx context.Context, rfqID int64) ([]Bid, error)
	GetBid(ctx context.Context, bidID int64) (Bid, error)
	ListExpiredOpen(ctx context.Context, now time.Time) ([]int64, error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	CreateRFQ(ctx context.Context, rfq RFQ) (int64, error)
	InsertLine(ctx context.Context, line Line) error
	UpdateStatus(ctx context.Context, id int64, status Status) error
	SetAwardedBid(ctx context.Context, id int64, bidID int64) error
	UpsertBid(ctx context.Context, bid Bid) (Bid, error)
}

// PRPort is the purchase request surface the RFQ engine drives.
type PRPort interface {
	ApprovedForConversion(ctx context.Context, id int64) (procurement.PurchaseRequest, []procurement.PRLine, error)
	AttachRFQ(ctx context.Context, prID, rfqID int64) error
	Get(ctx context.Context, id int64) (procurement.PurchaseRequest, []procurement.PRLine, error)
}

// OrderIssuer converts a winning bid into a purchase order.
type OrderIssuer interface {
	CreateFromAward(ctx context.Context, input order.AwardInput) (order.PurchaseOrder, error)
}

// ContractPort scopes which vendors may bid.
type ContractPort interface {
	VendorAllowed(ctx context.Context, contractID, vendorID int64) (bool, error)
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service governs the RFQ lifecycle: bid collection, deadline
// enforcement, and award-to-PO conversion.
type Service struct {
	repo       RepositoryPort
	prs        PRPort
	orders     OrderIssuer
	contracts  ContractPort
	dispatcher notify.Dispatcher
	audit      AuditPort
}

// NewService constructs the RFQ service.
func NewService(repo RepositoryPort, prs PRPort, orders OrderIssuer, contracts ContractPort, dispatcher notify.Dispatcher, audit AuditPort) *Service {
	return &Service{repo: repo, prs: prs, orders: orders, contracts: contracts, dispatcher: dispatcher, audit: audit}
}

// LineInput is one solicited item.
type LineInput struct {
	Description string
	Quantity    int64
}

// CreateInput describes RFQ creation. When PRID is set the lines are
// copied from the approved purchase request and any explicit lines are
// ignored.
type CreateInput struct {
	PRID       *int64
	ContractID *int64
	Deadline   time.Time
	Lines      []LineInput
}

// Create persists a draft RFQ.
func (s *Service) Create(ctx context.Context, input CreateInput) (RFQ, error) {
	if input.Deadline.IsZero() || !input.Deadline.After(time.Now()) {
		return RFQ{}, fmt.Errorf("rfq: deadline must be in the future: %w", shared.ErrValidation)
	}
	rfq := RFQ{
		Number:     fmt.Sprintf("RFQ-%d", time.Now().UnixNano()),
		ContractID: input.ContractID,
		Status:     StatusDraft,
		Deadline:   input.Deadline,
	}
	var lines []Line
	if input.PRID != nil {
		pr, prLines, err := s.prs.ApprovedForConversion(ctx, *input.PRID)
		if err != nil {
			return RFQ{}, err
		}
		rfq.PRID = &pr.ID
		for _, l := range prLines {
			lines = append(lines, Line{Description: l.Description, Quantity: l.Quantity})
		}
	} else {
		for _, l := range input.Lines {
			if strings.TrimSpace(l.Description) == "" || l.Quantity <= 0 {
				return RFQ{}, fmt.Errorf("rfq: invalid line item: %w", shared.ErrValidation)
			}
			lines = append(lines, Line{Description: l.Description, Quantity: l.Quantity})
		}
	}
	if len(lines) == 0 {
		return RFQ{}, fmt.Errorf("rfq: at least one line item required: %w", shared.ErrValidation)
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.CreateRFQ(ctx, rfq)
		if err != nil {
			return err
		}
		rfq.ID = id
		for _, line := range lines {
			line.RFQID = id
			if err := tx.InsertLine(ctx, line); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return RFQ{}, err
	}
	if rfq.PRID != nil {
		if err := s.prs.AttachRFQ(ctx, *rfq.PRID, rfq.ID); err != nil {
			return RFQ{}, err
		}
	}
	s.recordAudit(ctx, "RFQ_CREATE", rfq.ID, map[string]any{"number": rfq.Number})
	return rfq, nil
}

// Open starts accepting bids.
func (s *Service) Open(ctx context.Context, id int64) (RFQ, error) {
	rfq, _, err := s.repo.GetRFQ(ctx, id)
	if err != nil {
		return RFQ{}, err
	}
	if rfq.Status != StatusDraft {
		return RFQ{}, fmt.Errorf("rfq: RFQ %d is %s, cannot open: %w", id, rfq.Status, shared.ErrStateConflict)
	}
	if !rfq.Deadline.After(time.Now()) {
		return RFQ{}, fmt.Errorf("rfq: deadline already passed: %w", shared.ErrDeadlinePassed)
	}
	if err := s.setStatus(ctx, id, StatusOpen); err != nil {
		return RFQ{}, err
	}
	rfq.Status = StatusOpen
	s.recordAudit(ctx, "RFQ_OPEN", id, nil)
	s.dispatch(ctx, notify.EventRFQOpened, rfq, nil)
	return rfq, nil
}

// BidInput is a vendor's quotation.
type BidInput struct {
	TotalCents   int64
	DeliveryDays int
	Note         string
}

// SubmitBid records or replaces the calling vendor's bid. The upsert is
// atomic per (rfq, vendor) so a resubmission race cannot leave two
// active bids.
func (s *Service) SubmitBid(ctx context.Context, rfqID int64, input BidInput) (Bid, error) {
	actor := shared.ActorFromContext(ctx)
	if actor == nil || !actor.IsVendor() {
		return Bid{}, fmt.Errorf("rfq: vendor identity required: %w", shared.ErrUnauthorized)
	}
	if input.TotalCents <= 0 {
		return Bid{}, fmt.Errorf("rfq: bid total must be positive: %w", shared.ErrValidation)
	}
	rfq, _, err := s.repo.GetRFQ(ctx, rfqID)
	if err != nil {
		return Bid{}, err
	}
	if rfq.Status != StatusOpen {
		return Bid{}, fmt.Errorf("rfq: RFQ %d is %s, not accepting bids: %w", rfqID, rfq.Status, shared.ErrStateConflict)
	}
	if time.Now().After(rfq.Deadline) {
		return Bid{}, fmt.Errorf("rfq: bidding closed at %s: %w", rfq.Deadline.Format(time.RFC3339), shared.ErrDeadlinePassed)
	}
	if rfq.ContractID != nil && s.contracts != nil {
		ok, err := s.contracts.VendorAllowed(ctx, *rfq.ContractID, actor.VendorID)
		if err != nil {
			return Bid{}, err
		}
		if !ok {
			return Bid{}, fmt.Errorf("rfq: vendor %d is not assigned to contract %d: %w", actor.VendorID, *rfq.ContractID, shared.ErrUnauthorized)
		}
	}
	var bid Bid
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		bid, err = tx.UpsertBid(ctx, Bid{
			RFQID:        rfqID,
			VendorID:     actor.VendorID,
			TotalCents:   input.TotalCents,
			DeliveryDays: input.DeliveryDays,
			Note:         input.Note,
		})
		return err
	})
	if err != nil {
		return Bid{}, err
	}
	s.recordAudit(ctx, "RFQ_BID", rfqID, map[string]any{"vendor_id": actor.VendorID, "total_cents": input.TotalCents})
	s.dispatch(ctx, notify.EventRFQBidReceived, rfq, map[string]any{"vendor_id": actor.VendorID})
	return bid, nil
}

// Close stops accepting bids. Manual closing is allowed before the
// deadline; the worker cron sweeps expired RFQs the same way.
func (s *Service) Close(ctx context.Context, id int64) (RFQ, error) {
	rfq, _, err := s.repo.GetRFQ(ctx, id)
	if err != nil {
		return RFQ{}, err
	}
	if rfq.Status != StatusOpen {
		return RFQ{}, fmt.Errorf("rfq: RFQ %d is %s, cannot close: %w", id, rfq.Status, shared.ErrStateConflict)
	}
	if err := s.setStatus(ctx, id, StatusClosed); err != nil {
		return RFQ{}, err
	}
	rfq.Status = StatusClosed
	s.recordAudit(ctx, "RFQ_CLOSE", id, nil)
	s.dispatch(ctx, notify.EventRFQClosed, rfq, nil)
	return rfq, nil
}

// CloseExpired closes every OPEN RFQ whose deadline has passed. Run from
// the worker cron; returns the number closed.
func (s *Service) CloseExpired(ctx context.Context) (int, error) {
	ids, err := s.repo.ListExpiredOpen(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, id := range ids {
		if _, err := s.Close(ctx, id); err != nil {
			continue
		}
		closed++
	}
	return closed, nil
}

// Award converts the chosen bid into a purchase order and transitions
// the RFQ to AWARDED. This is the only path by which an RFQ produces a
// PO; an RFQ without a winning bid simply stays CLOSED.
func (s *Service) Award(ctx context.Context, rfqID, bidID int64) (RFQ, order.PurchaseOrder, error) {
	rfq, lines, err := s.repo.GetRFQ(ctx, rfqID)
	if err != nil {
		return RFQ{}, order.PurchaseOrder{}, err
	}
	if rfq.Status != StatusClosed {
		return RFQ{}, order.PurchaseOrder{}, fmt.Errorf("rfq: RFQ %d is %s, award requires a closed RFQ: %w", rfqID, rfq.Status, shared.ErrStateConflict)
	}
	bid, err := s.repo.GetBid(ctx, bidID)
	if err != nil {
		return RFQ{}, order.PurchaseOrder{}, err
	}
	if bid.RFQID != rfqID {
		return RFQ{}, order.PurchaseOrder{}, fmt.Errorf("rfq: bid %d does not belong to RFQ %d: %w", bidID, rfqID, shared.ErrValidation)
	}

	award := order.AwardInput{
		RFQID:      rfqID,
		PRID:       rfq.PRID,
		VendorID:   bid.VendorID,
		ContractID: rfq.ContractID,
		TotalCents: bid.TotalCents,
		Lines:      poLinesFromBid(lines, bid.TotalCents),
	}
	if rfq.PRID != nil {
		pr, _, err := s.prs.Get(ctx, *rfq.PRID)
		if err != nil {
			return RFQ{}, order.PurchaseOrder{}, err
		}
		award.ReservationID = pr.ReservationID
	}
	po, err := s.orders.CreateFromAward(ctx, award)
	if err != nil {
		return RFQ{}, order.PurchaseOrder{}, err
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdateStatus(ctx, rfqID, StatusAwarded); err != nil {
			return err
		}
		return tx.SetAwardedBid(ctx, rfqID, bidID)
	})
	if err != nil {
		return RFQ{}, order.PurchaseOrder{}, err
	}
	rfq.Status = StatusAwarded
	rfq.AwardedBidID = &bidID
	s.recordAudit(ctx, "RFQ_AWARD", rfqID, map[string]any{"bid_id": bidID, "po_id": po.ID})
	s.dispatch(ctx, notify.EventRFQAwarded, rfq, map[string]any{"bid_id": bidID, "po_id": po.ID, "vendor_id": bid.VendorID})
	return rfq, po, nil
}

// Cancel voids a DRAFT or OPEN RFQ.
func (s *Service) Cancel(ctx context.Context, id int64) (RFQ, error) {
	rfq, _, err := s.repo.GetRFQ(ctx, id)
	if err != nil {
		return RFQ{}, err
	}
	if rfq.Status != StatusDraft && rfq.Status != StatusOpen {
		return RFQ{}, fmt.Errorf("rfq: RFQ %d is %s, cannot cancel: %w", id, rfq.Status, shared.ErrStateConflict)
	}
	if err := s.setStatus(ctx, id, StatusCancelled); err != nil {
		return RFQ{}, err
	}
	rfq.Status = StatusCancelled
	s.recordAudit(ctx, "RFQ_CANCEL", id, nil)
	return rfq, nil
}

// Get fetches one RFQ with lines.
func (s *Service) Get(ctx context.Context, id int64) (RFQ, []Line, error) {
	return s.repo.GetRFQ(ctx, id)
}

// List returns RFQs with pagination.
func (s *Service) List(ctx context.Context, limit, offset int, status Status) ([]RFQ, int, error) {
	return s.repo.ListRFQs(ctx, limit, offset, status)
}

// Bids returns all active bids on an RFQ. Vendors see only their own.
func (s *Service) Bids(ctx context.Context, rfqID int64) ([]Bid, error) {
	if _, _, err := s.repo.GetRFQ(ctx, rfqID); err != nil {
		return nil, err
	}
	bids, err := s.repo.ListBids(ctx, rfqID)
	if err != nil {
		return nil, err
	}
	if actor := shared.ActorFromContext(ctx); actor.IsVendor() {
		own := bids[:0]
		for _, b := range bids {
			if b.VendorID == actor.VendorID {
				own = append(own, b)
			}
		}
		bids = own
	}
	return bids, nil
}

func (s *Service) setStatus(ctx context.Context, id int64, status Status) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateStatus(ctx, id, status)
	})
}

// poLinesFromBid spreads the bid total across the solicited quantities.
// Bids quote one figure, so every unit gets the floor price and the
// rounding remainder is handed out one cent per unit starting from the
// last line; a line absorbing extra cents is split into two PO lines so
// the extended sums equal the awarded total exactly.
func poLinesFromBid(lines []Line, totalCents int64) []order.POLine {
	var totalQty int64
	for _, l := range lines {
		totalQty += l.Quantity
	}
	if totalQty <= 0 {
		out := make([]order.POLine, 0, len(lines))
		for _, l := range lines {
			out = append(out, order.POLine{Description: l.Description, Quantity: l.Quantity})
		}
		return out
	}

	unit := totalCents / totalQty
	remainder := totalCents - unit*totalQty

	// remainder < totalQty, so walking units back from the last line
	// always consumes it
	extra := make([]int64, len(lines))
	for i := len(lines) - 1; i >= 0 && remainder > 0; i-- {
		take := remainder
		if take > lines[i].Quantity {
			take = lines[i].Quantity
		}
		extra[i] = take
		remainder -= take
	}

	out := make([]order.POLine, 0, len(lines)+1)
	for i, l := range lines {
		if rest := l.Quantity - extra[i]; rest > 0 {
			out = append(out, order.POLine{Description: l.Description, Quantity: rest, UnitPriceCents: unit})
		}
		if extra[i] > 0 {
			out = append(out, order.POLine{Description: l.Description, Quantity: extra[i], UnitPriceCents: unit + 1})
		}
	}
	return out
}

func (s *Service) dispatch(ctx context.Context, evt notify.EventType, rfq RFQ, meta map[string]any) {
	if s.dispatcher == nil {
		return
	}
	_ = s.dispatcher.Dispatch(ctx, notify.Event{
		Type:     evt,
		Entity:   "rfq",
		EntityID: rfq.ID,
		Meta:     meta,
	})
}

func (s *Service) recordAudit(ctx context.Context, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	var actorID int64
	if actor := shared.ActorFromContext(ctx); actor != nil {
		actorID = actor.UserID
	}
	_ = s.audit.Record(ctx, shared.AuditLog{ActorID: actorID, Action: action, Entity: "rfq", EntityID: fmt.Sprintf("%d", entityID), Meta: meta})
}
