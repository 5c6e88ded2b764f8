package procurement

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

const prColumns = `id, number, requester_id, department_id, status, total_cents, justification, fiscal_year, quarter, reservation_id, po_id, rfq_id, created_at, updated_at, deleted_at`

func scanPR(row pgx.Row) (PurchaseRequest, error) {
	var pr PurchaseRequest
	var status string
	err := row.Scan(&pr.ID, &pr.Number, &pr.RequesterID, &pr.DepartmentID, &status, &pr.TotalCents,
		&pr.Justification, &pr.FiscalYear, &pr.Quarter, &pr.ReservationID, &pr.POID, &pr.RFQID,
		&pr.CreatedAt, &pr.UpdatedAt, &pr.DeletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PurchaseRequest{}, fmt.Errorf("procurement: purchase request: %w", shared.ErrNotFound)
		}
		return PurchaseRequest{}, err
	}
	pr.Status = PRStatus(status)
	return pr, nil
}

// GetPR fetches one PR with its lines. Soft-deleted rows are invisible.
func (r *Repository) GetPR(ctx context.Context, id int64) (PurchaseRequest, []PRLine, error) {
	pr, err := scanPR(r.pool.QueryRow(ctx, `SELECT `+prColumns+` FROM purchase_requests WHERE id=$1 AND deleted_at IS NULL`, id))
	if err != nil {
		return PurchaseRequest{}, nil, err
	}
	rows, err := r.pool.Query(ctx, `SELECT id, pr_id, description, quantity, unit_price_cents FROM purchase_request_lines WHERE pr_id=$1 ORDER BY id ASC`, id)
	if err != nil {
		return PurchaseRequest{}, nil, err
	}
	defer rows.Close()
	var lines []PRLine
	for rows.Next() {
		var line PRLine
		if err := rows.Scan(&line.ID, &line.PRID, &line.Description, &line.Quantity, &line.UnitPriceCents); err != nil {
			return PurchaseRequest{}, nil, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return PurchaseRequest{}, nil, err
	}
	return pr, lines, nil
}

// ListPRs returns non-deleted PRs, newest first, with optional filters.
func (r *Repository) ListPRs(ctx context.Context, limit, offset int, filters ListFilters) ([]PurchaseRequest, int, error) {
	where := `deleted_at IS NULL`
	args := []any{}
	if filters.Status != "" {
		args = append(args, string(filters.Status))
		where += fmt.Sprintf(` AND status=$%d`, len(args))
	}
	if filters.RequesterID != 0 {
		args = append(args, filters.RequesterID)
		where += fmt.Sprintf(` AND requester_id=$%d`, len(args))
	}
	if filters.DepartmentID != 0 {
		args = append(args, filters.DepartmentID)
		where += fmt.Sprintf(` AND department_id=$%d`, len(args))
	}
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM purchase_requests WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT %s FROM purchase_requests WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		prColumns, where, len(args)-1, len(args))
	return r.queryPRs(ctx, query, args, total)
}

// ListReady returns approved PRs not yet bound to a PO or RFQ.
func (r *Repository) ListReady(ctx context.Context, limit, offset int) ([]PurchaseRequest, int, error) {
	const where = `deleted_at IS NULL AND status='APPROVED' AND po_id IS NULL AND rfq_id IS NULL`
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM purchase_requests WHERE `+where).Scan(&total); err != nil {
		return nil, 0, err
	}
	return r.queryPRs(ctx, `SELECT `+prColumns+` FROM purchase_requests WHERE `+where+` ORDER BY updated_at ASC LIMIT $1 OFFSET $2`,
		[]any{limit, offset}, total)
}

func (r *Repository) queryPRs(ctx context.Context, query string, args []any, total int) ([]PurchaseRequest, int, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var prs []PurchaseRequest
	for rows.Next() {
		pr, err := scanPR(rows)
		if err != nil {
			return nil, 0, err
		}
		prs = append(prs, pr)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return prs, total, nil
}

func (tx *txRepo) CreatePR(ctx context.Context, pr PurchaseRequest) (int64, error) {
	var id int64
	err := tx.tx.QueryRow(ctx, `INSERT INTO purchase_requests (number, requester_id, department_id, status, total_cents, justification, fiscal_year, quarter, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW()) RETURNING id`,
		pr.Number, pr.RequesterID, pr.DepartmentID, string(pr.Status), pr.TotalCents, pr.Justification, pr.FiscalYear, pr.Quarter).Scan(&id)
	return id, err
}

func (tx *txRepo) InsertPRLine(ctx context.Context, line PRLine) error {
	_, err := tx.tx.Exec(ctx, `INSERT INTO purchase_request_lines (pr_id, description, quantity, unit_price_cents) VALUES ($1, $2, $3, $4)`,
		line.PRID, line.Description, line.Quantity, line.UnitPriceCents)
	return err
}

func (tx *txRepo) DeletePRLines(ctx context.Context, prID int64) error {
	_, err := tx.tx.Exec(ctx, `DELETE FROM purchase_request_lines WHERE pr_id=$1`, prID)
	return err
}

func (tx *txRepo) UpdatePRStatus(ctx context.Context, id int64, status PRStatus) error {
	_, err := tx.tx.Exec(ctx, `UPDATE purchase_requests SET status=$1, updated_at=NOW() WHERE id=$2`, string(status), id)
	return err
}

func (tx *txRepo) UpdatePRDraft(ctx context.Context, pr PurchaseRequest) error {
	_, err := tx.tx.Exec(ctx, `UPDATE purchase_requests SET justification=$1, total_cents=$2, updated_at=NOW() WHERE id=$3`,
		pr.Justification, pr.TotalCents, pr.ID)
	return err
}

func (tx *txRepo) SetReservation(ctx context.Context, id int64, reservationID *uuid.UUID) error {
	_, err := tx.tx.Exec(ctx, `UPDATE purchase_requests SET reservation_id=$1, updated_at=NOW() WHERE id=$2`, reservationID, id)
	return err
}

func (tx *txRepo) SetPeriod(ctx context.Context, id int64, fiscalYear, quarter int) error {
	_, err := tx.tx.Exec(ctx, `UPDATE purchase_requests SET fiscal_year=$1, quarter=$2, updated_at=NOW() WHERE id=$3`, fiscalYear, quarter, id)
	return err
}

func (tx *txRepo) SetPORef(ctx context.Context, id int64, poID int64) error {
	tag, err := tx.tx.Exec(ctx, `UPDATE purchase_requests SET po_id=$1, updated_at=NOW() WHERE id=$2 AND po_id IS NULL`, poID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("procurement: PR %d already has a purchase order: %w", id, shared.ErrStateConflict)
	}
	return nil
}

func (tx *txRepo) SetRFQRef(ctx context.Context, id int64, rfqID int64) error {
	tag, err := tx.tx.Exec(ctx, `UPDATE purchase_requests SET rfq_id=$1, updated_at=NOW() WHERE id=$2 AND rfq_id IS NULL`, rfqID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("procurement: PR %d already has an RFQ: %w", id, shared.ErrStateConflict)
	}
	return nil
}

func (tx *txRepo) SoftDeletePR(ctx context.Context, id int64, at time.Time) error {
	_, err := tx.tx.Exec(ctx, `UPDATE purchase_requests SET deleted_at=$1, updated_at=NOW() WHERE id=$2`, at, id)
	return err
}
