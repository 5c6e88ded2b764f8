package order

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/procura-erp/procura/internal/budget"
	"github.com/procura-erp/procura/internal/notify"
	"github.com/procura-erp/procura/internal/procurement"
	"github.com/procura-erp/procura/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetPO(ctx context.Context, id int64) (PurchaseOrder, []POLine, error)
	ListPOs(ctx context.Context, limit, offset int, filters ListFilters) ([]PurchaseOrder, int, error)
	ListReceipts(ctx context.Context, poID int64) ([]Receipt, error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	CreatePO(ctx context.Context, po PurchaseOrder) (int64, error)
	InsertPOLine(ctx context.Context, line POLine) (int64, error)
	LockPOLines(ctx context.Context, poID int64) ([]POLine, error)
	AddReceivedQuantity(ctx context.Context, lineID int64, delta int64) error
	UpdatePOStatus(ctx context.Context, id int64, status POStatus) error
	SetIssuedAt(ctx context.Context, id int64, at time.Time) error
	SetExpectedDelivery(ctx context.Context, id int64, date time.Time) error
	SetCancelReason(ctx context.Context, id int64, reason string) error
	InsertReceipt(ctx context.Context, receipt Receipt) (int64, error)
	InsertReceiptLine(ctx context.Context, line ReceiptLine) error
}

// PRPort is the purchase request surface PO issuance drives.
type PRPort interface {
	ApprovedForConversion(ctx context.Context, id int64) (procurement.PurchaseRequest, []procurement.PRLine, error)
	AttachPO(ctx context.Context, prID, poID int64) error
	Close(ctx context.Context, prID int64) error
}

// LedgerPort is the budget surface the PO lifecycle drives.
type LedgerPort interface {
	Release(ctx context.Context, reservationID uuid.UUID) error
	GetReservation(ctx context.Context, reservationID uuid.UUID) (budget.Reservation, error)
}

// ContractPort scopes which vendors an order may target.
type ContractPort interface {
	VendorAllowed(ctx context.Context, contractID, vendorID int64) (bool, error)
}

// InvoiceSource reports invoice settlement state for fulfillment checks.
// Wired after construction to break the mutual dependency with the
// invoice module.
type InvoiceSource interface {
	AllPaid(ctx context.Context, poID int64) (bool, error)
}

// ServiceConfig carries workflow policy knobs.
type ServiceConfig struct {
	MinReasonLen int
}

// Service governs the purchase order lifecycle from issuance through
// receipt to fulfillment or cancellation.
type Service struct {
	repo       RepositoryPort
	prs        PRPort
	ledger     LedgerPort
	contracts  ContractPort
	invoices   InvoiceSource
	dispatcher notify.Dispatcher
	audit      AuditPort
	cfg        ServiceConfig
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// NewService constructs the PO service. The invoice source is attached
// later via SetInvoiceSource.
func NewService(repo RepositoryPort, prs PRPort, ledger LedgerPort, contracts ContractPort, dispatcher notify.Dispatcher, audit AuditPort, cfg ServiceConfig) *Service {
	if cfg.MinReasonLen <= 0 {
		cfg.MinReasonLen = 10
	}
	return &Service{repo: repo, prs: prs, ledger: ledger, contracts: contracts, dispatcher: dispatcher, audit: audit, cfg: cfg}
}

// SetInvoiceSource wires the invoice settlement view. Must be called
// before any fulfillment re-evaluation runs.
func (s *Service) SetInvoiceSource(src InvoiceSource) {
	s.invoices = src
}

// ListFilters narrows PO listings.
type ListFilters struct {
	Status   POStatus
	VendorID int64
}

// CreateInput issues a draft PO from an approved purchase request.
type CreateInput struct {
	PRID       int64
	VendorID   int64
	ContractID *int64
}

// CreateFromPR converts an approved PR into a draft purchase order,
// carrying the PR's budget reservation forward.
func (s *Service) CreateFromPR(ctx context.Context, input CreateInput) (PurchaseOrder, error) {
	if input.VendorID == 0 {
		return PurchaseOrder{}, fmt.Errorf("order: vendor required: %w", shared.ErrValidation)
	}
	if err := s.checkContract(ctx, input.ContractID, input.VendorID); err != nil {
		return PurchaseOrder{}, err
	}
	pr, prLines, err := s.prs.ApprovedForConversion(ctx, input.PRID)
	if err != nil {
		return PurchaseOrder{}, err
	}
	po := PurchaseOrder{
		Number:        fmt.Sprintf("PO-%d", time.Now().UnixNano()),
		PRID:          &pr.ID,
		VendorID:      input.VendorID,
		ContractID:    input.ContractID,
		Status:        POStatusDraft,
		TotalCents:    pr.TotalCents,
		ReservationID: pr.ReservationID,
	}
	lines := make([]POLine, 0, len(prLines))
	for _, l := range prLines {
		lines = append(lines, POLine{Description: l.Description, Quantity: l.Quantity, UnitPriceCents: l.UnitPriceCents})
	}
	if err := s.persistPO(ctx, &po, lines); err != nil {
		return PurchaseOrder{}, err
	}
	if err := s.prs.AttachPO(ctx, pr.ID, po.ID); err != nil {
		return PurchaseOrder{}, err
	}
	s.recordAudit(ctx, "PO_CREATE", po.ID, map[string]any{"pr_id": pr.ID, "vendor_id": input.VendorID})
	return po, nil
}

// AwardInput issues a draft PO from a winning RFQ bid.
type AwardInput struct {
	RFQID         int64
	PRID          *int64
	VendorID      int64
	ContractID    *int64
	TotalCents    int64
	ReservationID *uuid.UUID
	Lines         []POLine
}

// CreateFromAward converts a winning bid into a draft purchase order.
// Called by the RFQ engine inside its award flow.
func (s *Service) CreateFromAward(ctx context.Context, input AwardInput) (PurchaseOrder, error) {
	po := PurchaseOrder{
		Number:        fmt.Sprintf("PO-%d", time.Now().UnixNano()),
		PRID:          input.PRID,
		RFQID:         &input.RFQID,
		VendorID:      input.VendorID,
		ContractID:    input.ContractID,
		Status:        POStatusDraft,
		TotalCents:    input.TotalCents,
		ReservationID: input.ReservationID,
	}
	if err := s.persistPO(ctx, &po, input.Lines); err != nil {
		return PurchaseOrder{}, err
	}
	if input.PRID != nil {
		if err := s.prs.AttachPO(ctx, *input.PRID, po.ID); err != nil {
			return PurchaseOrder{}, err
		}
	}
	s.recordAudit(ctx, "PO_CREATE", po.ID, map[string]any{"rfq_id": input.RFQID, "vendor_id": input.VendorID})
	return po, nil
}

func (s *Service) persistPO(ctx context.Context, po *PurchaseOrder, lines []POLine) error {
	if len(lines) == 0 {
		return fmt.Errorf("order: at least one line item required: %w", shared.ErrValidation)
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.CreatePO(ctx, *po)
		if err != nil {
			return err
		}
		po.ID = id
		for _, line := range lines {
			line.POID = id
			if _, err := tx.InsertPOLine(ctx, line); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Service) checkContract(ctx context.Context, contractID *int64, vendorID int64) error {
	if contractID == nil || s.contracts == nil {
		return nil
	}
	ok, err := s.contracts.VendorAllowed(ctx, *contractID, vendorID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("order: vendor %d is not assigned to contract %d: %w", vendorID, *contractID, shared.ErrValidation)
	}
	return nil
}

// Issue moves a draft PO to ISSUED and stamps issued_at.
func (s *Service) Issue(ctx context.Context, id int64) (PurchaseOrder, error) {
	po, _, err := s.repo.GetPO(ctx, id)
	if err != nil {
		return PurchaseOrder{}, err
	}
	if po.Status != POStatusDraft {
		return PurchaseOrder{}, fmt.Errorf("order: PO %d is %s, cannot issue: %w", id, po.Status, shared.ErrStateConflict)
	}
	now := time.Now()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdatePOStatus(ctx, id, POStatusIssued); err != nil {
			return err
		}
		return tx.SetIssuedAt(ctx, id, now)
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	po.Status = POStatusIssued
	po.IssuedAt = &now
	s.recordAudit(ctx, "PO_ISSUE", id, nil)
	s.dispatch(ctx, notify.EventPOIssued, po, nil)
	return po, nil
}

// Acknowledge records the vendor's acceptance with a mandatory expected
// delivery date.
func (s *Service) Acknowledge(ctx context.Context, id int64, expectedDelivery time.Time) (PurchaseOrder, error) {
	if expectedDelivery.IsZero() {
		return PurchaseOrder{}, fmt.Errorf("order: expected delivery date required: %w", shared.ErrValidation)
	}
	po, _, err := s.repo.GetPO(ctx, id)
	if err != nil {
		return PurchaseOrder{}, err
	}
	if actor := shared.ActorFromContext(ctx); actor != nil && actor.IsVendor() && actor.VendorID != po.VendorID {
		return PurchaseOrder{}, fmt.Errorf("order: PO %d belongs to another vendor: %w", id, shared.ErrUnauthorized)
	}
	if po.Status != POStatusIssued {
		return PurchaseOrder{}, fmt.Errorf("order: PO %d is %s, cannot acknowledge: %w", id, po.Status, shared.ErrStateConflict)
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdatePOStatus(ctx, id, POStatusAcknowledged); err != nil {
			return err
		}
		return tx.SetExpectedDelivery(ctx, id, expectedDelivery)
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	po.Status = POStatusAcknowledged
	po.ExpectedDeliveryDate = &expectedDelivery
	s.recordAudit(ctx, "PO_ACKNOWLEDGE", id, map[string]any{"expected_delivery_date": expectedDelivery.Format("2006-01-02")})
	s.dispatch(ctx, notify.EventPOAcknowledged, po, nil)
	return po, nil
}

// ReceiptLineInput is one delivered quantity to apply.
type ReceiptLineInput struct {
	POLineID  int64
	Quantity  int64
	Condition string
}

// ReceiptInput describes one goods delivery.
type ReceiptInput struct {
	Note  string
	Lines []ReceiptLineInput
}

// ApplyReceipt records a delivery and accrues received quantities under a
// transaction that locks the PO lines. A line whose quantity would exceed
// the remaining ordered quantity rejects the whole receipt.
func (s *Service) ApplyReceipt(ctx context.Context, poID int64, input ReceiptInput) (Receipt, PurchaseOrder, error) {
	if len(input.Lines) == 0 {
		return Receipt{}, PurchaseOrder{}, fmt.Errorf("order: receipt requires at least one line: %w", shared.ErrValidation)
	}
	po, _, err := s.repo.GetPO(ctx, poID)
	if err != nil {
		return Receipt{}, PurchaseOrder{}, err
	}
	if po.Status != POStatusAcknowledged && po.Status != POStatusPartiallyReceived {
		return Receipt{}, PurchaseOrder{}, fmt.Errorf("order: PO %d is %s, cannot receive: %w", poID, po.Status, shared.ErrStateConflict)
	}

	var actorID int64
	if actor := shared.ActorFromContext(ctx); actor != nil {
		actorID = actor.UserID
	}
	receipt := Receipt{POID: poID, ReceivedBy: actorID, Note: input.Note}
	var newStatus POStatus

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		lines, err := tx.LockPOLines(ctx, poID)
		if err != nil {
			return err
		}
		byID := make(map[int64]*POLine, len(lines))
		for i := range lines {
			byID[lines[i].ID] = &lines[i]
		}
		for _, in := range input.Lines {
			line, ok := byID[in.POLineID]
			if !ok {
				return fmt.Errorf("order: line %d not on PO %d: %w", in.POLineID, poID, shared.ErrValidation)
			}
			if in.Quantity <= 0 {
				return fmt.Errorf("order: receipt quantity must be positive: %w", shared.ErrValidation)
			}
			if in.Quantity > line.Remaining() {
				return fmt.Errorf("order: line %d over-receipt: %d exceeds remaining %d: %w",
					in.POLineID, in.Quantity, line.Remaining(), shared.ErrValidation)
			}
			line.ReceivedQuantity += in.Quantity
		}

		receiptID, err := tx.InsertReceipt(ctx, receipt)
		if err != nil {
			return err
		}
		receipt.ID = receiptID
		for _, in := range input.Lines {
			rl := ReceiptLine{ReceiptID: receiptID, POLineID: in.POLineID, Quantity: in.Quantity, Condition: in.Condition}
			if err := tx.InsertReceiptLine(ctx, rl); err != nil {
				return err
			}
			receipt.Lines = append(receipt.Lines, rl)
			if err := tx.AddReceivedQuantity(ctx, in.POLineID, in.Quantity); err != nil {
				return err
			}
		}

		newStatus = POStatusPartiallyReceived
		if allReceived(lines) {
			newStatus = POStatusFullyReceived
		}
		return tx.UpdatePOStatus(ctx, poID, newStatus)
	})
	if err != nil {
		return Receipt{}, PurchaseOrder{}, err
	}

	po.Status = newStatus
	s.recordAudit(ctx, "PO_RECEIPT", poID, map[string]any{"receipt_id": receipt.ID, "status": string(newStatus)})
	s.dispatch(ctx, notify.EventReceiptRecorded, po, map[string]any{"receipt_id": receipt.ID})
	if newStatus == POStatusFullyReceived {
		if err := s.ReevaluateFulfillment(ctx, poID); err == nil {
			po, _, _ = s.repo.GetPO(ctx, poID)
		}
	}
	return receipt, po, nil
}

// Cancel terminates an ISSUED or ACKNOWLEDGED order and releases the
// budget reservation. Orders with goods movement cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, id int64, reason string) (PurchaseOrder, error) {
	if len(strings.TrimSpace(reason)) < s.cfg.MinReasonLen {
		return PurchaseOrder{}, fmt.Errorf("order: cancellation reason of at least %d characters required: %w", s.cfg.MinReasonLen, shared.ErrValidation)
	}
	po, _, err := s.repo.GetPO(ctx, id)
	if err != nil {
		return PurchaseOrder{}, err
	}
	if po.Status != POStatusIssued && po.Status != POStatusAcknowledged {
		return PurchaseOrder{}, fmt.Errorf("order: PO %d is %s, cannot cancel: %w", id, po.Status, shared.ErrStateConflict)
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdatePOStatus(ctx, id, POStatusCancelled); err != nil {
			return err
		}
		return tx.SetCancelReason(ctx, id, reason)
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	if po.ReservationID != nil {
		_ = s.ledger.Release(ctx, *po.ReservationID)
	}
	po.Status = POStatusCancelled
	po.CancelReason = reason
	s.recordAudit(ctx, "PO_CANCEL", id, map[string]any{"reason": reason})
	s.dispatch(ctx, notify.EventPOCancelled, po, map[string]any{"reason": reason})
	return po, nil
}

// ReevaluateFulfillment derives FULFILLED and CLOSED. A fully received
// order with all invoices paid becomes FULFILLED; once the budget
// reservation is committed it closes, closing the originating PR with it.
// Evaluated on receipt and invoice-payment events, never user-triggered.
func (s *Service) ReevaluateFulfillment(ctx context.Context, id int64) error {
	po, _, err := s.repo.GetPO(ctx, id)
	if err != nil {
		return err
	}
	if po.Status != POStatusFullyReceived && po.Status != POStatusFulfilled {
		return nil
	}
	if po.Status == POStatusFullyReceived {
		if s.invoices == nil {
			return nil
		}
		paid, err := s.invoices.AllPaid(ctx, id)
		if err != nil {
			return err
		}
		if !paid {
			return nil
		}
		err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			return tx.UpdatePOStatus(ctx, id, POStatusFulfilled)
		})
		if err != nil {
			return err
		}
		po.Status = POStatusFulfilled
		s.recordAudit(ctx, "PO_FULFILL", id, nil)
		s.dispatch(ctx, notify.EventPOFulfilled, po, nil)
	}

	settled := po.ReservationID == nil
	if !settled {
		res, err := s.ledger.GetReservation(ctx, *po.ReservationID)
		if err != nil {
			return err
		}
		settled = res.Status == budget.ReservationCommitted
	}
	if !settled {
		return nil
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdatePOStatus(ctx, id, POStatusClosed)
	})
	if err != nil {
		return err
	}
	if po.PRID != nil {
		_ = s.prs.Close(ctx, *po.PRID)
	}
	s.recordAudit(ctx, "PO_CLOSE", id, nil)
	return nil
}

// Get fetches one PO with lines.
func (s *Service) Get(ctx context.Context, id int64) (PurchaseOrder, []POLine, error) {
	return s.repo.GetPO(ctx, id)
}

// List returns POs with pagination.
func (s *Service) List(ctx context.Context, limit, offset int, filters ListFilters) ([]PurchaseOrder, int, error) {
	return s.repo.ListPOs(ctx, limit, offset, filters)
}

// Receipts returns all deliveries recorded against a PO.
func (s *Service) Receipts(ctx context.Context, poID int64) ([]Receipt, error) {
	if _, _, err := s.repo.GetPO(ctx, poID); err != nil {
		return nil, err
	}
	return s.repo.ListReceipts(ctx, poID)
}

func (s *Service) dispatch(ctx context.Context, evt notify.EventType, po PurchaseOrder, meta map[string]any) {
	if s.dispatcher == nil {
		return
	}
	_ = s.dispatcher.Dispatch(ctx, notify.Event{
		Type:     evt,
		Entity:   "purchase_order",
		EntityID: po.ID,
		VendorID: po.VendorID,
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
	_ = s.audit.Record(ctx, shared.AuditLog{ActorID: actorID, Action: action, Entity: "order", EntityID: fmt.Sprintf("%d", entityID), Meta: meta})
}
