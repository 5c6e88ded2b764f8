package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/procura-erp/procura/internal/shared"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps callback in a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	wrapper := &txRepo{tx: tx}
	if err := fn(ctx, wrapper); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

const budgetColumns = `id, department_id, fiscal_year, quarter, total_cents, spent_cents, reserved_cents, currency, policy, created_at, updated_at`

func scanBudget(row pgx.Row) (Budget, error) {
	var b Budget
	var policy string
	err := row.Scan(&b.ID, &b.DepartmentID, &b.FiscalYear, &b.Quarter, &b.TotalCents, &b.SpentCents, &b.ReservedCents, &b.Currency, &policy, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Budget{}, fmt.Errorf("budget: %w", shared.ErrNotFound)
		}
		return Budget{}, err
	}
	b.Policy = Policy(policy)
	return b, nil
}

// GetBudget fetches one budget.
func (r *Repository) GetBudget(ctx context.Context, id int64) (Budget, error) {
	return scanBudget(r.pool.QueryRow(ctx, `SELECT `+budgetColumns+` FROM budgets WHERE id=$1`, id))
}

// ListBudgets returns budgets ordered by period then department.
func (r *Repository) ListBudgets(ctx context.Context, limit, offset int) ([]Budget, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM budgets`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+budgetColumns+` FROM budgets
ORDER BY fiscal_year DESC, quarter DESC, department_id ASC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var budgets []Budget
	for rows.Next() {
		b, err := scanBudget(rows)
		if err != nil {
			return nil, 0, err
		}
		budgets = append(budgets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return budgets, total, nil
}

const reservationColumns = `id, budget_id, ref_type, ref_id, amount_cents, final_cents, status, created_at, closed_at`

func scanReservation(row pgx.Row) (Reservation, error) {
	var res Reservation
	var status string
	err := row.Scan(&res.ID, &res.BudgetID, &res.RefType, &res.RefID, &res.AmountCents, &res.FinalCents, &status, &res.CreatedAt, &res.ClosedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Reservation{}, fmt.Errorf("budget: reservation: %w", shared.ErrNotFound)
		}
		return Reservation{}, err
	}
	res.Status = ReservationStatus(status)
	return res, nil
}

// GetReservation fetches one reservation.
func (r *Repository) GetReservation(ctx context.Context, id uuid.UUID) (Reservation, error) {
	return scanReservation(r.pool.QueryRow(ctx, `SELECT `+reservationColumns+` FROM budget_reservations WHERE id=$1`, id))
}

// ListOpenReservations returns OPEN holds against a budget.
func (r *Repository) ListOpenReservations(ctx context.Context, budgetID int64) ([]Reservation, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+reservationColumns+` FROM budget_reservations
WHERE budget_id=$1 AND status='OPEN' ORDER BY created_at ASC`, budgetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var reservations []Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		reservations = append(reservations, res)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return reservations, nil
}

// LockBudget locks the (department, period) row for update.
func (tx *txRepo) LockBudget(ctx context.Context, departmentID int64, fiscalYear, quarter int) (Budget, error) {
	return scanBudget(tx.tx.QueryRow(ctx, `SELECT `+budgetColumns+` FROM budgets
WHERE department_id=$1 AND fiscal_year=$2 AND quarter=$3 FOR UPDATE`, departmentID, fiscalYear, quarter))
}

// LockBudgetByID locks one budget row for update.
func (tx *txRepo) LockBudgetByID(ctx context.Context, id int64) (Budget, error) {
	return scanBudget(tx.tx.QueryRow(ctx, `SELECT `+budgetColumns+` FROM budgets WHERE id=$1 FOR UPDATE`, id))
}

func (tx *txRepo) UpdateBudgetAmounts(ctx context.Context, id int64, spentCents, reservedCents int64) error {
	_, err := tx.tx.Exec(ctx, `UPDATE budgets SET spent_cents=$1, reserved_cents=$2, updated_at=NOW() WHERE id=$3`, spentCents, reservedCents, id)
	return err
}

func (tx *txRepo) UpdateBudgetTerms(ctx context.Context, id int64, totalCents int64, policy Policy) error {
	_, err := tx.tx.Exec(ctx, `UPDATE budgets SET total_cents=$1, policy=$2, updated_at=NOW() WHERE id=$3`, totalCents, string(policy), id)
	return err
}

func (tx *txRepo) InsertBudget(ctx context.Context, b Budget) (int64, error) {
	var id int64
	err := tx.tx.QueryRow(ctx, `INSERT INTO budgets (department_id, fiscal_year, quarter, total_cents, spent_cents, reserved_cents, currency, policy, created_at, updated_at)
VALUES ($1, $2, $3, $4, 0, 0, $5, $6, NOW(), NOW()) RETURNING id`,
		b.DepartmentID, b.FiscalYear, b.Quarter, b.TotalCents, b.Currency, string(b.Policy)).Scan(&id)
	return id, err
}

func (tx *txRepo) GetReservation(ctx context.Context, id uuid.UUID) (Reservation, error) {
	return scanReservation(tx.tx.QueryRow(ctx, `SELECT `+reservationColumns+` FROM budget_reservations WHERE id=$1`, id))
}

func (tx *txRepo) InsertReservation(ctx context.Context, res Reservation) error {
	_, err := tx.tx.Exec(ctx, `INSERT INTO budget_reservations (id, budget_id, ref_type, ref_id, amount_cents, final_cents, status, created_at)
VALUES ($1, $2, $3, $4, $5, 0, $6, $7)`,
		res.ID, res.BudgetID, res.RefType, res.RefID, res.AmountCents, string(res.Status), res.CreatedAt)
	return err
}

func (tx *txRepo) CloseReservation(ctx context.Context, id uuid.UUID, status ReservationStatus, finalCents int64, closedAt time.Time) error {
	_, err := tx.tx.Exec(ctx, `UPDATE budget_reservations SET status=$1, final_cents=$2, closed_at=$3 WHERE id=$4`,
		string(status), finalCents, closedAt, id)
	return err
}
