package procurement

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/procura-erp/procura/internal/approval"
	"github.com/procura-erp/procura/internal/budget"
	"github.com/procura-erp/procura/internal/notify"
	"github.com/procura-erp/procura/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetPR(ctx context.Context, id int64) (PurchaseRequest, []PRLine, error)
	ListPRs(ctx context.Context, limit, offset int, filters ListFilters) ([]PurchaseRequest, int, error)
	ListReady(ctx context.Context, limit, offset int) ([]PurchaseRequest, int, error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	CreatePR(ctx context.Context, pr PurchaseRequest) (int64, error)
	InsertPRLine(ctx context.Context, line PRLine) error
	DeletePRLines(ctx context.Context, prID int64) error
	UpdatePRStatus(ctx context.Context, id int64, status PRStatus) error
	UpdatePRDraft(ctx context.Context, pr PurchaseRequest) error
	SetReservation(ctx context.Context, id int64, reservationID *uuid.UUID) error
	SetPeriod(ctx context.Context, id int64, fiscalYear, quarter int) error
	SetPORef(ctx context.Context, id int64, poID int64) error
	SetRFQRef(ctx context.Context, id int64, rfqID int64) error
	SoftDeletePR(ctx context.Context, id int64, at time.Time) error
}

// LedgerPort is the budget ledger surface the PR workflow drives.
type LedgerPort interface {
	Reserve(ctx context.Context, input budget.ReserveInput) (budget.Reservation, error)
	Release(ctx context.Context, reservationID uuid.UUID) error
}

// ApprovalPort is the chain resolver surface the PR workflow drives.
type ApprovalPort interface {
	CreatePlan(ctx context.Context, entityType string, entityID int64, amountCents int64) ([]approval.Approval, error)
	Record(ctx context.Context, input approval.RecordInput) (approval.ChainResult, error)
	Invalidate(ctx context.Context, entityType string, entityID int64) error
	ListByEntity(ctx context.Context, entityType string, entityID int64) ([]approval.Approval, error)
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ServiceConfig carries workflow policy knobs.
type ServiceConfig struct {
	// MinReasonLen is the minimum length for reasons on destructive
	// transitions, enforced server-side.
	MinReasonLen int
}

// Service governs the purchase request lifecycle, orchestrating the
// budget ledger and the approval resolver.
type Service struct {
	repo       RepositoryPort
	ledger     LedgerPort
	approvals  ApprovalPort
	dispatcher notify.Dispatcher
	audit      AuditPort
	cfg        ServiceConfig
}

// NewService constructs the PR service.
func NewService(repo RepositoryPort, ledger LedgerPort, approvals ApprovalPort, dispatcher notify.Dispatcher, audit AuditPort, cfg ServiceConfig) *Service {
	if cfg.MinReasonLen <= 0 {
		cfg.MinReasonLen = 10
	}
	return &Service{repo: repo, ledger: ledger, approvals: approvals, dispatcher: dispatcher, audit: audit, cfg: cfg}
}

// ListFilters narrows PR listings.
type ListFilters struct {
	Status       PRStatus
	RequesterID  int64
	DepartmentID int64
}

// PRLineInput describes one requested item.
type PRLineInput struct {
	Description    string
	Quantity       int64
	UnitPriceCents int64
}

// CreateInput describes PR creation.
type CreateInput struct {
	Number        string
	DepartmentID  int64
	Justification string
	Lines         []PRLineInput
}

// Create persists a draft PR owned by the calling requester.
func (s *Service) Create(ctx context.Context, input CreateInput) (PurchaseRequest, error) {
	actor := shared.ActorFromContext(ctx)
	if actor == nil || actor.UserID == 0 {
		return PurchaseRequest{}, fmt.Errorf("procurement: requester identity required: %w", shared.ErrUnauthorized)
	}
	if input.DepartmentID == 0 {
		return PurchaseRequest{}, fmt.Errorf("procurement: department required: %w", shared.ErrValidation)
	}
	lines, err := buildLines(input.Lines)
	if err != nil {
		return PurchaseRequest{}, err
	}
	pr := PurchaseRequest{
		Number:        defaultString(input.Number, generateNumber("PR")),
		RequesterID:   actor.UserID,
		DepartmentID:  input.DepartmentID,
		Status:        PRStatusDraft,
		TotalCents:    SumLines(lines),
		Justification: input.Justification,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.CreatePR(ctx, pr)
		if err != nil {
			return err
		}
		pr.ID = id
		for _, line := range lines {
			line.PRID = id
			if err := tx.InsertPRLine(ctx, line); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return PurchaseRequest{}, err
	}
	s.recordAudit(ctx, "PR_CREATE", pr.ID, map[string]any{"number": pr.Number, "total_cents": pr.TotalCents})
	return pr, nil
}

// UpdateInput describes a draft edit.
type UpdateInput struct {
	Justification *string
	Lines         []PRLineInput
}

// Update edits a draft PR. Only the requester may edit, and only in DRAFT.
func (s *Service) Update(ctx context.Context, id int64, input UpdateInput) (PurchaseRequest, error) {
	pr, _, err := s.repo.GetPR(ctx, id)
	if err != nil {
		return PurchaseRequest{}, err
	}
	if err := s.requireRequester(ctx, pr); err != nil {
		return PurchaseRequest{}, err
	}
	if pr.Status != PRStatusDraft {
		return PurchaseRequest{}, fmt.Errorf("procurement: PR %d is %s, not editable: %w", id, pr.Status, shared.ErrStateConflict)
	}
	if input.Justification != nil {
		pr.Justification = *input.Justification
	}
	var lines []PRLine
	if input.Lines != nil {
		lines, err = buildLines(input.Lines)
		if err != nil {
			return PurchaseRequest{}, err
		}
		pr.TotalCents = SumLines(lines)
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if lines != nil {
			if err := tx.DeletePRLines(ctx, id); err != nil {
				return err
			}
			for _, line := range lines {
				line.PRID = id
				if err := tx.InsertPRLine(ctx, line); err != nil {
					return err
				}
			}
		}
		return tx.UpdatePRDraft(ctx, pr)
	})
	if err != nil {
		return PurchaseRequest{}, err
	}
	return pr, nil
}

// Submit moves a draft to PENDING: plans the approval chain and reserves
// the budget for the PR total in the current fiscal period.
func (s *Service) Submit(ctx context.Context, id int64) (PurchaseRequest, error) {
	pr, lines, err := s.repo.GetPR(ctx, id)
	if err != nil {
		return PurchaseRequest{}, err
	}
	if err := s.requireRequester(ctx, pr); err != nil {
		return PurchaseRequest{}, err
	}
	if pr.Status != PRStatusDraft {
		return PurchaseRequest{}, fmt.Errorf("procurement: PR %d is %s, cannot submit: %w", id, pr.Status, shared.ErrStateConflict)
	}
	if len(lines) == 0 {
		return PurchaseRequest{}, fmt.Errorf("procurement: at least one line item required: %w", shared.ErrValidation)
	}

	year, quarter := budget.PeriodOf(time.Now())
	res, err := s.ledger.Reserve(ctx, budget.ReserveInput{
		DepartmentID: pr.DepartmentID,
		FiscalYear:   year,
		Quarter:      quarter,
		AmountCents:  pr.TotalCents,
		RefType:      EntityType,
		RefID:        pr.ID,
	})
	if err != nil {
		return PurchaseRequest{}, err
	}

	if _, err := s.approvals.CreatePlan(ctx, EntityType, pr.ID, pr.TotalCents); err != nil {
		_ = s.ledger.Release(ctx, res.ID)
		return PurchaseRequest{}, err
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdatePRStatus(ctx, id, PRStatusPending); err != nil {
			return err
		}
		if err := tx.SetPeriod(ctx, id, year, quarter); err != nil {
			return err
		}
		return tx.SetReservation(ctx, id, &res.ID)
	})
	if err != nil {
		_ = s.ledger.Release(ctx, res.ID)
		_ = s.approvals.Invalidate(ctx, EntityType, pr.ID)
		return PurchaseRequest{}, err
	}

	pr.Status = PRStatusPending
	pr.FiscalYear = year
	pr.Quarter = quarter
	pr.ReservationID = &res.ID
	s.recordAudit(ctx, "PR_SUBMIT", id, map[string]any{"reservation_id": res.ID.String()})
	s.dispatch(ctx, notify.EventPRSubmitted, pr, nil)
	return pr, nil
}

// Decide records an approval or rejection by the calling approver and
// advances the PR when the chain resolves.
func (s *Service) Decide(ctx context.Context, id int64, approve bool, comments string) (PurchaseRequest, error) {
	actor := shared.ActorFromContext(ctx)
	if actor == nil || actor.UserID == 0 {
		return PurchaseRequest{}, fmt.Errorf("procurement: approver identity required: %w", shared.ErrUnauthorized)
	}
	if !approve && len(strings.TrimSpace(comments)) < s.cfg.MinReasonLen {
		return PurchaseRequest{}, fmt.Errorf("procurement: rejection reason of at least %d characters required: %w", s.cfg.MinReasonLen, shared.ErrValidation)
	}
	pr, _, err := s.repo.GetPR(ctx, id)
	if err != nil {
		return PurchaseRequest{}, err
	}
	if pr.Status != PRStatusPending {
		return PurchaseRequest{}, fmt.Errorf("procurement: PR %d is %s, not awaiting approval: %w", id, pr.Status, shared.ErrStateConflict)
	}

	result, err := s.approvals.Record(ctx, approval.RecordInput{
		EntityType: EntityType,
		EntityID:   id,
		ApproverID: actor.UserID,
		Roles:      actor.Roles,
		Approve:    approve,
		Comments:   comments,
	})
	if err != nil {
		return PurchaseRequest{}, err
	}

	switch result.Outcome {
	case approval.OutcomeApproved:
		err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			return tx.UpdatePRStatus(ctx, id, PRStatusApproved)
		})
		if err != nil {
			return PurchaseRequest{}, err
		}
		pr.Status = PRStatusApproved
		s.recordAudit(ctx, "PR_APPROVE", id, map[string]any{"level": result.CurrentLevel})
		s.dispatch(ctx, notify.EventPRApproved, pr, nil)
	case approval.OutcomeRejected:
		err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			return tx.UpdatePRStatus(ctx, id, PRStatusRejected)
		})
		if err != nil {
			return PurchaseRequest{}, err
		}
		if pr.ReservationID != nil {
			_ = s.ledger.Release(ctx, *pr.ReservationID)
		}
		pr.Status = PRStatusRejected
		s.recordAudit(ctx, "PR_REJECT", id, map[string]any{"level": result.CurrentLevel, "comments": comments})
		s.dispatch(ctx, notify.EventPRRejected, pr, map[string]any{"comments": comments})
	default:
		s.recordAudit(ctx, "PR_APPROVAL_RECORDED", id, map[string]any{"pending_level": result.CurrentLevel})
	}
	return pr, nil
}

// Retract returns a PENDING PR to DRAFT at the requester's initiative:
// the reservation is released and pending approvals invalidated, not
// deleted.
func (s *Service) Retract(ctx context.Context, id int64) (PurchaseRequest, error) {
	pr, _, err := s.repo.GetPR(ctx, id)
	if err != nil {
		return PurchaseRequest{}, err
	}
	if err := s.requireRequester(ctx, pr); err != nil {
		return PurchaseRequest{}, err
	}
	if pr.Status != PRStatusPending {
		return PurchaseRequest{}, fmt.Errorf("procurement: PR %d is %s, cannot retract: %w", id, pr.Status, shared.ErrStateConflict)
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdatePRStatus(ctx, id, PRStatusDraft); err != nil {
			return err
		}
		return tx.SetReservation(ctx, id, nil)
	})
	if err != nil {
		return PurchaseRequest{}, err
	}
	if pr.ReservationID != nil {
		_ = s.ledger.Release(ctx, *pr.ReservationID)
	}
	_ = s.approvals.Invalidate(ctx, EntityType, id)
	pr.Status = PRStatusDraft
	pr.ReservationID = nil
	s.recordAudit(ctx, "PR_RETRACT", id, nil)
	return pr, nil
}

// Cancel terminally cancels a DRAFT or PENDING PR with a reason.
func (s *Service) Cancel(ctx context.Context, id int64, reason string) (PurchaseRequest, error) {
	if len(strings.TrimSpace(reason)) < s.cfg.MinReasonLen {
		return PurchaseRequest{}, fmt.Errorf("procurement: cancellation reason of at least %d characters required: %w", s.cfg.MinReasonLen, shared.ErrValidation)
	}
	pr, _, err := s.repo.GetPR(ctx, id)
	if err != nil {
		return PurchaseRequest{}, err
	}
	if err := s.requireRequester(ctx, pr); err != nil {
		return PurchaseRequest{}, err
	}
	if pr.Status != PRStatusDraft && pr.Status != PRStatusPending {
		return PurchaseRequest{}, fmt.Errorf("procurement: PR %d is %s, cannot cancel: %w", id, pr.Status, shared.ErrStateConflict)
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdatePRStatus(ctx, id, PRStatusCancelled)
	})
	if err != nil {
		return PurchaseRequest{}, err
	}
	if pr.ReservationID != nil {
		_ = s.ledger.Release(ctx, *pr.ReservationID)
	}
	_ = s.approvals.Invalidate(ctx, EntityType, id)
	pr.Status = PRStatusCancelled
	s.recordAudit(ctx, "PR_CANCEL", id, map[string]any{"reason": reason})
	return pr, nil
}

// Delete soft-deletes a DRAFT PR. Requester only.
func (s *Service) Delete(ctx context.Context, id int64) error {
	pr, _, err := s.repo.GetPR(ctx, id)
	if err != nil {
		return err
	}
	if err := s.requireRequester(ctx, pr); err != nil {
		return err
	}
	if pr.Status != PRStatusDraft {
		return fmt.Errorf("procurement: only draft PRs may be deleted: %w", shared.ErrStateConflict)
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.SoftDeletePR(ctx, id, time.Now())
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, "PR_DELETE", id, nil)
	return nil
}

// Get fetches one PR with lines.
func (s *Service) Get(ctx context.Context, id int64) (PurchaseRequest, []PRLine, error) {
	return s.repo.GetPR(ctx, id)
}

// List returns PRs with pagination.
func (s *Service) List(ctx context.Context, limit, offset int, filters ListFilters) ([]PurchaseRequest, int, error) {
	return s.repo.ListPRs(ctx, limit, offset, filters)
}

// ListReady returns approved PRs awaiting PO issuance or RFQ creation.
func (s *Service) ListReady(ctx context.Context, limit, offset int) ([]PurchaseRequest, int, error) {
	return s.repo.ListReady(ctx, limit, offset)
}

// Approvals returns the PR's approval history.
func (s *Service) Approvals(ctx context.Context, id int64) ([]approval.Approval, error) {
	if _, _, err := s.repo.GetPR(ctx, id); err != nil {
		return nil, err
	}
	return s.approvals.ListByEntity(ctx, EntityType, id)
}

// ApprovedForConversion returns the PR if it is APPROVED and not yet
// bound to a PO or RFQ. Used by PO issuance and RFQ creation.
func (s *Service) ApprovedForConversion(ctx context.Context, id int64) (PurchaseRequest, []PRLine, error) {
	pr, lines, err := s.repo.GetPR(ctx, id)
	if err != nil {
		return PurchaseRequest{}, nil, err
	}
	if pr.Status != PRStatusApproved {
		return PurchaseRequest{}, nil, fmt.Errorf("procurement: PR %d is %s, not approved: %w", id, pr.Status, shared.ErrStateConflict)
	}
	if pr.POID != nil || pr.RFQID != nil {
		return PurchaseRequest{}, nil, fmt.Errorf("procurement: PR %d already converted: %w", id, shared.ErrStateConflict)
	}
	return pr, lines, nil
}

// AttachPO records the PO issued for this PR.
func (s *Service) AttachPO(ctx context.Context, prID, poID int64) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.SetPORef(ctx, prID, poID)
	})
}

// AttachRFQ records the RFQ created for this PR.
func (s *Service) AttachRFQ(ctx context.Context, prID, rfqID int64) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.SetRFQRef(ctx, prID, rfqID)
	})
}

// Close marks an approved PR as CLOSED once its purchase order settles.
func (s *Service) Close(ctx context.Context, id int64) error {
	pr, _, err := s.repo.GetPR(ctx, id)
	if err != nil {
		return err
	}
	if pr.Status == PRStatusClosed {
		return nil
	}
	if pr.Status != PRStatusApproved {
		return fmt.Errorf("procurement: PR %d is %s, cannot close: %w", id, pr.Status, shared.ErrStateConflict)
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdatePRStatus(ctx, id, PRStatusClosed)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, "PR_CLOSE", id, nil)
	return nil
}

func (s *Service) requireRequester(ctx context.Context, pr PurchaseRequest) error {
	actor := shared.ActorFromContext(ctx)
	if actor == nil || actor.UserID != pr.RequesterID {
		return fmt.Errorf("procurement: only the requester may act on PR %d: %w", pr.ID, shared.ErrUnauthorized)
	}
	return nil
}

func (s *Service) dispatch(ctx context.Context, evt notify.EventType, pr PurchaseRequest, meta map[string]any) {
	if s.dispatcher == nil {
		return
	}
	_ = s.dispatcher.Dispatch(ctx, notify.Event{
		Type:     evt,
		Entity:   "purchase_request",
		EntityID: pr.ID,
		UserID:   pr.RequesterID,
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
	_ = s.audit.Record(ctx, shared.AuditLog{ActorID: actorID, Action: action, Entity: "procurement", EntityID: fmt.Sprintf("%d", entityID), Meta: meta})
}

func buildLines(inputs []PRLineInput) ([]PRLine, error) {
	lines := make([]PRLine, 0, len(inputs))
	for _, in := range inputs {
		if in.Quantity <= 0 || in.UnitPriceCents < 0 || strings.TrimSpace(in.Description) == "" {
			return nil, fmt.Errorf("procurement: invalid line item: %w", shared.ErrValidation)
		}
		lines = append(lines, PRLine{Description: in.Description, Quantity: in.Quantity, UnitPriceCents: in.UnitPriceCents})
	}
	return lines, nil
}

func generateNumber(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func defaultString(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
