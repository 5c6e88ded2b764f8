package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/procura-erp/procura/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetBudget(ctx context.Context, id int64) (Budget, error)
	ListBudgets(ctx context.Context, limit, offset int) ([]Budget, int, error)
	GetReservation(ctx context.Context, id uuid.UUID) (Reservation, error)
	ListOpenReservations(ctx context.Context, budgetID int64) ([]Reservation, error)
}

// TxRepository exposes transactional operations. Budget rows are locked per
// (department, period) so concurrent reservations serialize.
type TxRepository interface {
	LockBudget(ctx context.Context, departmentID int64, fiscalYear, quarter int) (Budget, error)
	LockBudgetByID(ctx context.Context, id int64) (Budget, error)
	UpdateBudgetAmounts(ctx context.Context, id int64, spentCents, reservedCents int64) error
	UpdateBudgetTerms(ctx context.Context, id int64, totalCents int64, policy Policy) error
	InsertBudget(ctx context.Context, b Budget) (int64, error)
	GetReservation(ctx context.Context, id uuid.UUID) (Reservation, error)
	InsertReservation(ctx context.Context, res Reservation) error
	CloseReservation(ctx context.Context, id uuid.UUID, status ReservationStatus, finalCents int64, closedAt time.Time) error
}

// AuditPort records ledger mutations.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service is the budget ledger. Reserve, Release and Commit are
// linearizable per (department, period).
type Service struct {
	repo  RepositoryPort
	audit AuditPort
}

// NewService constructs the ledger service.
func NewService(repo RepositoryPort, audit AuditPort) *Service {
	return &Service{repo: repo, audit: audit}
}

// ReserveInput describes a reservation request.
type ReserveInput struct {
	DepartmentID int64
	FiscalYear   int
	Quarter      int
	AmountCents  int64
	RefType      string
	RefID        int64
}

// Reserve places a hold against the department's budget for the period.
// Under the HARD policy the ledger invariant spent + reserved <= total is
// enforced atomically; SOFT budgets accept the overrun.
func (s *Service) Reserve(ctx context.Context, input ReserveInput) (Reservation, error) {
	if input.AmountCents <= 0 {
		return Reservation{}, fmt.Errorf("budget: amount must be positive: %w", shared.ErrValidation)
	}
	res := Reservation{
		ID:          uuid.New(),
		RefType:     input.RefType,
		RefID:       input.RefID,
		AmountCents: input.AmountCents,
		Status:      ReservationOpen,
		CreatedAt:   time.Now(),
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		b, err := tx.LockBudget(ctx, input.DepartmentID, input.FiscalYear, input.Quarter)
		if err != nil {
			return err
		}
		if b.Policy == PolicyHard && b.SpentCents+b.ReservedCents+input.AmountCents > b.TotalCents {
			return fmt.Errorf("budget: dept %d %d-Q%d short by %d cents: %w",
				input.DepartmentID, input.FiscalYear, input.Quarter,
				b.SpentCents+b.ReservedCents+input.AmountCents-b.TotalCents,
				shared.ErrInsufficientBudget)
		}
		res.BudgetID = b.ID
		if err := tx.InsertReservation(ctx, res); err != nil {
			return err
		}
		return tx.UpdateBudgetAmounts(ctx, b.ID, b.SpentCents, b.ReservedCents+input.AmountCents)
	})
	if err != nil {
		return Reservation{}, err
	}
	s.recordAudit(ctx, "BUDGET_RESERVE", res.BudgetID, map[string]any{"reservation_id": res.ID.String(), "amount_cents": res.AmountCents})
	return res, nil
}

// Release returns a reservation's hold to the budget. Releasing an already
// released reservation is a no-op; releasing a committed one is a conflict.
func (s *Service) Release(ctx context.Context, reservationID uuid.UUID) error {
	var budgetID int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		res, err := tx.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		switch res.Status {
		case ReservationReleased:
			return nil
		case ReservationCommitted:
			return fmt.Errorf("budget: reservation %s already committed: %w", reservationID, shared.ErrStateConflict)
		}
		b, err := tx.LockBudgetByID(ctx, res.BudgetID)
		if err != nil {
			return err
		}
		budgetID = b.ID
		if err := tx.CloseReservation(ctx, res.ID, ReservationReleased, 0, time.Now()); err != nil {
			return err
		}
		return tx.UpdateBudgetAmounts(ctx, b.ID, b.SpentCents, b.ReservedCents-res.AmountCents)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, "BUDGET_RELEASE", budgetID, map[string]any{"reservation_id": reservationID.String()})
	return nil
}

// Commit converts a reservation into realized spend at the final amount,
// refunding any positive delta between reserved and final. Committing an
// already committed reservation is a no-op so payment replays stay safe.
func (s *Service) Commit(ctx context.Context, reservationID uuid.UUID, finalAmountCents int64) error {
	if finalAmountCents < 0 {
		return fmt.Errorf("budget: final amount must not be negative: %w", shared.ErrValidation)
	}
	var budgetID int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		res, err := tx.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		switch res.Status {
		case ReservationCommitted:
			return nil
		case ReservationReleased:
			return fmt.Errorf("budget: reservation %s already released: %w", reservationID, shared.ErrStateConflict)
		}
		b, err := tx.LockBudgetByID(ctx, res.BudgetID)
		if err != nil {
			return err
		}
		budgetID = b.ID
		newSpent := b.SpentCents + finalAmountCents
		newReserved := b.ReservedCents - res.AmountCents
		if b.Policy == PolicyHard && newSpent+newReserved > b.TotalCents {
			return fmt.Errorf("budget: commit of %d cents exceeds budget: %w", finalAmountCents, shared.ErrInsufficientBudget)
		}
		if err := tx.CloseReservation(ctx, res.ID, ReservationCommitted, finalAmountCents, time.Now()); err != nil {
			return err
		}
		return tx.UpdateBudgetAmounts(ctx, b.ID, newSpent, newReserved)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, "BUDGET_COMMIT", budgetID, map[string]any{"reservation_id": reservationID.String(), "final_cents": finalAmountCents})
	return nil
}

// CreateInput describes fiscal-period budget setup.
type CreateInput struct {
	DepartmentID int64
	FiscalYear   int
	Quarter      int
	TotalCents   int64
	Currency     string
	Policy       Policy
}

// Create opens a budget for a fiscal period.
func (s *Service) Create(ctx context.Context, input CreateInput) (Budget, error) {
	if input.DepartmentID == 0 || input.FiscalYear == 0 || input.Quarter < 1 || input.Quarter > 4 {
		return Budget{}, fmt.Errorf("budget: department and fiscal period required: %w", shared.ErrValidation)
	}
	if input.TotalCents < 0 {
		return Budget{}, fmt.Errorf("budget: total must not be negative: %w", shared.ErrValidation)
	}
	b := Budget{
		DepartmentID: input.DepartmentID,
		FiscalYear:   input.FiscalYear,
		Quarter:      input.Quarter,
		TotalCents:   input.TotalCents,
		Currency:     defaultString(input.Currency, "INR"),
		Policy:       input.Policy,
	}
	if b.Policy == "" {
		b.Policy = PolicyHard
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.InsertBudget(ctx, b)
		if err != nil {
			return err
		}
		b.ID = id
		return nil
	})
	if err != nil {
		return Budget{}, err
	}
	s.recordAudit(ctx, "BUDGET_CREATE", b.ID, map[string]any{"department_id": b.DepartmentID, "period": fmt.Sprintf("%d-Q%d", b.FiscalYear, b.Quarter)})
	return b, nil
}

// AdjustInput describes a budget adjustment. Nil fields are untouched.
type AdjustInput struct {
	TotalCents *int64
	Policy     *Policy
}

// Adjust updates a budget's total or policy. Lowering the total below the
// already spent+reserved amount is rejected for HARD budgets.
func (s *Service) Adjust(ctx context.Context, id int64, input AdjustInput) (Budget, error) {
	var updated Budget
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		b, err := tx.LockBudgetByID(ctx, id)
		if err != nil {
			return err
		}
		total := b.TotalCents
		policy := b.Policy
		if input.TotalCents != nil {
			total = *input.TotalCents
		}
		if input.Policy != nil {
			if *input.Policy != PolicyHard && *input.Policy != PolicySoft {
				return fmt.Errorf("budget: unknown policy %q: %w", *input.Policy, shared.ErrValidation)
			}
			policy = *input.Policy
		}
		if policy == PolicyHard && b.SpentCents+b.ReservedCents > total {
			return fmt.Errorf("budget: total below committed amounts: %w", shared.ErrStateConflict)
		}
		if err := tx.UpdateBudgetTerms(ctx, id, total, policy); err != nil {
			return err
		}
		updated = b
		updated.TotalCents = total
		updated.Policy = policy
		return nil
	})
	if err != nil {
		return Budget{}, err
	}
	s.recordAudit(ctx, "BUDGET_ADJUST", id, map[string]any{"total_cents": updated.TotalCents, "policy": string(updated.Policy)})
	return updated, nil
}

// Get fetches one budget.
func (s *Service) Get(ctx context.Context, id int64) (Budget, error) {
	return s.repo.GetBudget(ctx, id)
}

// List returns budgets with pagination.
func (s *Service) List(ctx context.Context, limit, offset int) ([]Budget, int, error) {
	return s.repo.ListBudgets(ctx, limit, offset)
}

// GetReservation fetches one reservation.
func (s *Service) GetReservation(ctx context.Context, id uuid.UUID) (Reservation, error) {
	return s.repo.GetReservation(ctx, id)
}

// OpenReservations lists still-open holds against a budget.
func (s *Service) OpenReservations(ctx context.Context, budgetID int64) ([]Reservation, error) {
	return s.repo.ListOpenReservations(ctx, budgetID)
}

func (s *Service) recordAudit(ctx context.Context, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	var actorID int64
	if actor := shared.ActorFromContext(ctx); actor != nil {
		actorID = actor.UserID
	}
	_ = s.audit.Record(ctx, shared.AuditLog{ActorID: actorID, Action: action, Entity: "budget", EntityID: fmt.Sprintf("%d", entityID), Meta: meta})
}

func defaultString(value string, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
