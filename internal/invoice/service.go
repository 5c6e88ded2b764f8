package invoice

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/procura-erp/procura/internal/docintel"
	"github.com/procura-erp/procura/internal/notify"
	"github.com/procura-erp/procura/internal/order"
	"github.com/procura-erp/procura/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetInvoice(ctx context.Context, id int64) (Invoice, []Line, error)
	ListInvoices(ctx context.Context, limit, offset int, filters ListFilters) ([]Invoice, int, error)
	ListByPO(ctx context.Context, poID int64) ([]Invoice, error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	CreateInvoice(ctx context.Context, inv Invoice) (int64, error)
	GetInvoiceForUpdate(ctx context.Context, id int64) (Invoice, error)
	UpdateStatus(ctx context.Context, id int64, status Status) error
	StoreExtraction(ctx context.Context, id int64, result docintel.Result, totalCents int64) error
	StoreMatchVerdict(ctx context.Context, id int64, status MatchStatus, exceptions []MatchExceptionDetail) error
	ReplaceLines(ctx context.Context, id int64, lines []Line) error
	SetDisputeReason(ctx context.Context, id int64, reason string) error
	SetOverrideReason(ctx context.Context, id int64, reason string) error
	SetApprovedPaymentAt(ctx context.Context, id int64, at time.Time) error
	SetPaidAt(ctx context.Context, id int64, at time.Time) error
}

// OrderPort is the purchase order surface settlement drives.
type OrderPort interface {
	Get(ctx context.Context, id int64) (order.PurchaseOrder, []order.POLine, error)
	ReevaluateFulfillment(ctx context.Context, id int64) error
}

// LedgerPort commits the budget reservation at settlement.
type LedgerPort interface {
	Commit(ctx context.Context, reservationID uuid.UUID, finalAmountCents int64) error
}

// ExtractionQueue hands uploaded documents to the background extractor.
type ExtractionQueue interface {
	EnqueueExtraction(ctx context.Context, invoiceID int64, attemptID uuid.UUID, documentRef string) error
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ServiceConfig carries matching and workflow policy knobs.
type ServiceConfig struct {
	Match        MatchPolicy
	MinReasonLen int
}

// Service governs the invoice lifecycle: upload, asynchronous three-way
// matching, exception handling, and settlement.
type Service struct {
	repo       RepositoryPort
	orders     OrderPort
	ledger     LedgerPort
	extract    ExtractionQueue
	dispatcher notify.Dispatcher
	audit      AuditPort
	cfg        ServiceConfig
}

// NewService constructs the invoice service.
func NewService(repo RepositoryPort, orders OrderPort, ledger LedgerPort, extract ExtractionQueue, dispatcher notify.Dispatcher, audit AuditPort, cfg ServiceConfig) *Service {
	if cfg.MinReasonLen <= 0 {
		cfg.MinReasonLen = 10
	}
	if cfg.Match.ToleranceBps <= 0 {
		cfg.Match.ToleranceBps = 200
	}
	return &Service{repo: repo, orders: orders, ledger: ledger, extract: extract, dispatcher: dispatcher, audit: audit, cfg: cfg}
}

// ListFilters narrows invoice listings.
type ListFilters struct {
	Status   Status
	POID     int64
	VendorID int64
}

// UploadInput describes an uploaded invoice document.
type UploadInput struct {
	POID        int64
	Number      string
	TotalCents  int64
	DocumentRef string
}

// Upload creates the invoice in UPLOADED and requests field extraction.
// The claimed total is provisional until extraction replaces it.
func (s *Service) Upload(ctx context.Context, input UploadInput) (Invoice, error) {
	if input.DocumentRef == "" {
		return Invoice{}, fmt.Errorf("invoice: document reference required: %w", shared.ErrValidation)
	}
	po, _, err := s.orders.Get(ctx, input.POID)
	if err != nil {
		return Invoice{}, err
	}
	actor := shared.ActorFromContext(ctx)
	if actor.IsVendor() && actor.VendorID != po.VendorID {
		return Invoice{}, fmt.Errorf("invoice: PO %d belongs to another vendor: %w", input.POID, shared.ErrUnauthorized)
	}

	attempt := uuid.New()
	inv := Invoice{
		Number:            input.Number,
		POID:              po.ID,
		VendorID:          po.VendorID,
		Status:            StatusUploaded,
		TotalCents:        input.TotalCents,
		DocumentRef:       input.DocumentRef,
		MatchStatus:       MatchPending,
		ExtractionAttempt: &attempt,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.CreateInvoice(ctx, inv)
		if err != nil {
			return err
		}
		inv.ID = id
		return nil
	})
	if err != nil {
		return Invoice{}, err
	}

	if err := s.extract.EnqueueExtraction(ctx, inv.ID, attempt, input.DocumentRef); err != nil {
		// extraction can be retried manually; the upload itself stands
		s.recordAudit(ctx, "INVOICE_EXTRACT_ENQUEUE_FAILED", inv.ID, map[string]any{"error": err.Error()})
	}
	s.recordAudit(ctx, "INVOICE_UPLOAD", inv.ID, map[string]any{"po_id": po.ID, "document_ref": input.DocumentRef})
	s.dispatch(ctx, notify.EventInvoiceUpdate, inv, map[string]any{"status": string(StatusUploaded)})
	return inv, nil
}

// CompleteExtraction stores the extraction result and runs the three-way
// match. Extraction is delivered at-least-once: a stale attempt id or an
// invoice already past UPLOADED makes the call a no-op, so duplicate
// callbacks cannot re-run the match.
func (s *Service) CompleteExtraction(ctx context.Context, invoiceID int64, attemptID uuid.UUID, result docintel.Result) error {
	inv, _, err := s.repo.GetInvoice(ctx, invoiceID)
	if err != nil {
		return err
	}
	po, poLines, err := s.orders.Get(ctx, inv.POID)
	if err != nil {
		return err
	}

	var verdict MatchStatus
	var exceptions []MatchExceptionDetail
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetInvoiceForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		if current.Status != StatusUploaded {
			return nil
		}
		if current.ExtractionAttempt == nil || *current.ExtractionAttempt != attemptID {
			return nil
		}

		total := result.Fields.TotalCents
		if total == 0 {
			total = current.TotalCents
		}
		lines := make([]Line, 0, len(result.Fields.Lines))
		for _, f := range result.Fields.Lines {
			lines = append(lines, Line{InvoiceID: invoiceID, Description: f.Description, Quantity: f.Quantity, UnitPriceCents: f.UnitPriceCents})
		}
		if err := tx.StoreExtraction(ctx, invoiceID, result, total); err != nil {
			return err
		}
		if err := tx.ReplaceLines(ctx, invoiceID, lines); err != nil {
			return err
		}

		matched := Invoice{TotalCents: total}
		exceptions = ThreeWayMatch(matched, lines, po, poLines, s.cfg.Match)
		verdict = MatchPassed
		next := StatusMatched
		if len(exceptions) > 0 {
			verdict = MatchException
			next = StatusException
		}
		if err := tx.StoreMatchVerdict(ctx, invoiceID, verdict, exceptions); err != nil {
			return err
		}
		return tx.UpdateStatus(ctx, invoiceID, next)
	})
	if err != nil || verdict == "" {
		return err
	}

	inv.MatchStatus = verdict
	if verdict == MatchPassed {
		inv.Status = StatusMatched
		s.dispatch(ctx, notify.EventInvoiceMatched, inv, map[string]any{"confidence": result.Confidence})
	} else {
		inv.Status = StatusException
		s.dispatch(ctx, notify.EventInvoiceUpdate, inv, map[string]any{"status": string(StatusException), "exceptions": len(exceptions)})
	}
	s.recordAudit(ctx, "INVOICE_MATCH", invoiceID, map[string]any{"verdict": string(verdict), "exceptions": len(exceptions)})
	return nil
}

// Dispute flags vendor contestation of a match exception. It does not
// change the underlying mismatch.
func (s *Service) Dispute(ctx context.Context, id int64, reason string) (Invoice, error) {
	actor := shared.ActorFromContext(ctx)
	if actor == nil || !actor.IsVendor() {
		return Invoice{}, fmt.Errorf("invoice: vendor identity required: %w", shared.ErrUnauthorized)
	}
	if strings.TrimSpace(reason) == "" {
		return Invoice{}, fmt.Errorf("invoice: dispute reason required: %w", shared.ErrValidation)
	}
	inv, _, err := s.repo.GetInvoice(ctx, id)
	if err != nil {
		return Invoice{}, err
	}
	if actor.VendorID != inv.VendorID {
		return Invoice{}, fmt.Errorf("invoice: invoice %d belongs to another vendor: %w", id, shared.ErrUnauthorized)
	}
	if inv.Status != StatusException {
		return Invoice{}, fmt.Errorf("invoice: invoice %d is %s, only exceptions can be disputed: %w", id, inv.Status, shared.ErrStateConflict)
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdateStatus(ctx, id, StatusDisputed); err != nil {
			return err
		}
		return tx.SetDisputeReason(ctx, id, reason)
	})
	if err != nil {
		return Invoice{}, err
	}
	inv.Status = StatusDisputed
	inv.DisputeReason = reason
	s.recordAudit(ctx, "INVOICE_DISPUTE", id, map[string]any{"reason": reason})
	s.dispatch(ctx, notify.EventInvoiceUpdate, inv, map[string]any{"status": string(StatusDisputed)})
	return inv, nil
}

// Override approves payment past a failed match. Staff only; the reason
// is mandatory, length-checked, and audited.
func (s *Service) Override(ctx context.Context, id int64, reason string) (Invoice, error) {
	if len(strings.TrimSpace(reason)) < s.cfg.MinReasonLen {
		return Invoice{}, fmt.Errorf("invoice: override reason of at least %d characters required: %w", s.cfg.MinReasonLen, shared.ErrValidation)
	}
	inv, _, err := s.repo.GetInvoice(ctx, id)
	if err != nil {
		return Invoice{}, err
	}
	if inv.Status != StatusException && inv.Status != StatusDisputed {
		return Invoice{}, fmt.Errorf("invoice: invoice %d is %s, cannot override: %w", id, inv.Status, shared.ErrStateConflict)
	}
	now := time.Now()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdateStatus(ctx, id, StatusApproved); err != nil {
			return err
		}
		if err := tx.SetOverrideReason(ctx, id, reason); err != nil {
			return err
		}
		return tx.SetApprovedPaymentAt(ctx, id, now)
	})
	if err != nil {
		return Invoice{}, err
	}
	inv.Status = StatusApproved
	inv.OverrideReason = reason
	inv.ApprovedPaymentAt = &now
	s.recordAudit(ctx, "INVOICE_OVERRIDE", id, map[string]any{"reason": reason})
	s.dispatch(ctx, notify.EventInvoicePaymentApproved, inv, map[string]any{"override": true})
	return inv, nil
}

// ApprovePayment approves a matched invoice for payment. An invoice
// stuck in UPLOADED (extraction never returned) can be force-approved
// with an override-grade reason.
func (s *Service) ApprovePayment(ctx context.Context, id int64, reason string) (Invoice, error) {
	inv, _, err := s.repo.GetInvoice(ctx, id)
	if err != nil {
		return Invoice{}, err
	}
	switch inv.Status {
	case StatusMatched:
	case StatusUploaded:
		if len(strings.TrimSpace(reason)) < s.cfg.MinReasonLen {
			return Invoice{}, fmt.Errorf("invoice: approving an unmatched invoice needs a reason of at least %d characters: %w", s.cfg.MinReasonLen, shared.ErrValidation)
		}
	default:
		return Invoice{}, fmt.Errorf("invoice: invoice %d is %s, cannot approve payment: %w", id, inv.Status, shared.ErrStateConflict)
	}
	now := time.Now()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdateStatus(ctx, id, StatusApproved); err != nil {
			return err
		}
		if reason != "" {
			if err := tx.SetOverrideReason(ctx, id, reason); err != nil {
				return err
			}
		}
		return tx.SetApprovedPaymentAt(ctx, id, now)
	})
	if err != nil {
		return Invoice{}, err
	}
	inv.Status = StatusApproved
	inv.ApprovedPaymentAt = &now
	s.recordAudit(ctx, "INVOICE_APPROVE_PAYMENT", id, nil)
	s.dispatch(ctx, notify.EventInvoicePaymentApproved, inv, nil)
	return inv, nil
}

// Reject terminally rejects an invoice with a failed match.
func (s *Service) Reject(ctx context.Context, id int64, reason string) (Invoice, error) {
	if strings.TrimSpace(reason) == "" {
		return Invoice{}, fmt.Errorf("invoice: rejection reason required: %w", shared.ErrValidation)
	}
	inv, _, err := s.repo.GetInvoice(ctx, id)
	if err != nil {
		return Invoice{}, err
	}
	if inv.Status != StatusException {
		return Invoice{}, fmt.Errorf("invoice: invoice %d is %s, cannot reject: %w", id, inv.Status, shared.ErrStateConflict)
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdateStatus(ctx, id, StatusRejected); err != nil {
			return err
		}
		return tx.SetDisputeReason(ctx, id, reason)
	})
	if err != nil {
		return Invoice{}, err
	}
	inv.Status = StatusRejected
	s.recordAudit(ctx, "INVOICE_REJECT", id, map[string]any{"reason": reason})
	s.dispatch(ctx, notify.EventInvoiceUpdate, inv, map[string]any{"status": string(StatusRejected)})
	return inv, nil
}

// Pay settles an approved invoice: commits the PO's budget reservation
// at the invoice's realized total and re-evaluates the PO for
// fulfillment.
func (s *Service) Pay(ctx context.Context, id int64) (Invoice, error) {
	inv, _, err := s.repo.GetInvoice(ctx, id)
	if err != nil {
		return Invoice{}, err
	}
	if inv.Status != StatusApproved {
		return Invoice{}, fmt.Errorf("invoice: invoice %d is %s, cannot pay: %w", id, inv.Status, shared.ErrStateConflict)
	}
	po, _, err := s.orders.Get(ctx, inv.POID)
	if err != nil {
		return Invoice{}, err
	}
	now := time.Now()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdateStatus(ctx, id, StatusPaid); err != nil {
			return err
		}
		return tx.SetPaidAt(ctx, id, now)
	})
	if err != nil {
		return Invoice{}, err
	}
	if po.ReservationID != nil {
		if err := s.ledger.Commit(ctx, *po.ReservationID, inv.TotalCents); err != nil {
			s.recordAudit(ctx, "INVOICE_COMMIT_FAILED", id, map[string]any{"error": err.Error()})
		}
	}
	if err := s.orders.ReevaluateFulfillment(ctx, inv.POID); err != nil {
		s.recordAudit(ctx, "INVOICE_PO_REEVAL_FAILED", id, map[string]any{"error": err.Error()})
	}
	inv.Status = StatusPaid
	inv.PaidAt = &now
	s.recordAudit(ctx, "INVOICE_PAY", id, map[string]any{"total_cents": inv.TotalCents})
	s.dispatch(ctx, notify.EventInvoicePaid, inv, nil)
	return inv, nil
}

// AllPaid reports whether every settleable invoice against the PO is
// PAID. Rejected invoices do not block fulfillment. Implements the
// order module's invoice source.
func (s *Service) AllPaid(ctx context.Context, poID int64) (bool, error) {
	invoices, err := s.repo.ListByPO(ctx, poID)
	if err != nil {
		return false, err
	}
	paid := 0
	for _, inv := range invoices {
		switch inv.Status {
		case StatusPaid:
			paid++
		case StatusRejected:
		default:
			return false, nil
		}
	}
	return paid > 0, nil
}

// Get fetches one invoice with lines.
func (s *Service) Get(ctx context.Context, id int64) (Invoice, []Line, error) {
	return s.repo.GetInvoice(ctx, id)
}

// List returns invoices with pagination.
func (s *Service) List(ctx context.Context, limit, offset int, filters ListFilters) ([]Invoice, int, error) {
	return s.repo.ListInvoices(ctx, limit, offset, filters)
}

func (s *Service) dispatch(ctx context.Context, evt notify.EventType, inv Invoice, meta map[string]any) {
	if s.dispatcher == nil {
		return
	}
	_ = s.dispatcher.Dispatch(ctx, notify.Event{
		Type:     evt,
		Entity:   "invoice",
		EntityID: inv.ID,
		VendorID: inv.VendorID,
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
	_ = s.audit.Record(ctx, shared.AuditLog{ActorID: actorID, Action: action, Entity: "invoice", EntityID: fmt.Sprintf("%d", entityID), Meta: meta})
}
