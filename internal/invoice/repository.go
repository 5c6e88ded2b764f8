package invoice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/procura-erp/procura/internal/docintel"
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

const invoiceColumns = `id, number, po_id, vendor_id, status, total_cents, document_ref, ocr_data, match_status, match_exceptions, extraction_attempt, dispute_reason, override_reason, approved_payment_at, paid_at, created_at, updated_at`

func scanInvoice(row pgx.Row) (Invoice, error) {
	var inv Invoice
	var status, matchStatus string
	var ocrJSON, exceptionsJSON []byte
	err := row.Scan(&inv.ID, &inv.Number, &inv.POID, &inv.VendorID, &status, &inv.TotalCents,
		&inv.DocumentRef, &ocrJSON, &matchStatus, &exceptionsJSON, &inv.ExtractionAttempt,
		&inv.DisputeReason, &inv.OverrideReason, &inv.ApprovedPaymentAt, &inv.PaidAt,
		&inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invoice{}, fmt.Errorf("invoice: %w", shared.ErrNotFound)
		}
		return Invoice{}, err
	}
	inv.Status = Status(status)
	inv.MatchStatus = MatchStatus(matchStatus)
	if len(ocrJSON) > 0 {
		var result docintel.Result
		if err := json.Unmarshal(ocrJSON, &result); err == nil {
			inv.OCRData = &result
		}
	}
	if len(exceptionsJSON) > 0 {
		_ = json.Unmarshal(exceptionsJSON, &inv.MatchExceptions)
	}
	return inv, nil
}

// GetInvoice fetches one invoice with its lines.
func (r *Repository) GetInvoice(ctx context.Context, id int64) (Invoice, []Line, error) {
	inv, err := scanInvoice(r.pool.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id=$1`, id))
	if err != nil {
		return Invoice{}, nil, err
	}
	rows, err := r.pool.Query(ctx, `SELECT id, invoice_id, description, quantity, unit_price_cents FROM invoice_lines WHERE invoice_id=$1 ORDER BY id ASC`, id)
	if err != nil {
		return Invoice{}, nil, err
	}
	defer rows.Close()
	var lines []Line
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.ID, &l.InvoiceID, &l.Description, &l.Quantity, &l.UnitPriceCents); err != nil {
			return Invoice{}, nil, err
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return Invoice{}, nil, err
	}
	return inv, lines, nil
}

// ListInvoices returns invoices newest first with optional filters.
func (r *Repository) ListInvoices(ctx context.Context, limit, offset int, filters ListFilters) ([]Invoice, int, error) {
	where := `TRUE`
	args := []any{}
	if filters.Status != "" {
		args = append(args, string(filters.Status))
		where += fmt.Sprintf(` AND status=$%d`, len(args))
	}
	if filters.POID != 0 {
		args = append(args, filters.POID)
		where += fmt.Sprintf(` AND po_id=$%d`, len(args))
	}
	if filters.VendorID != 0 {
		args = append(args, filters.VendorID)
		where += fmt.Sprintf(` AND vendor_id=$%d`, len(args))
	}
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM invoices WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT %s FROM invoices WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		invoiceColumns, where, len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var invoices []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, 0, err
		}
		invoices = append(invoices, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return invoices, total, nil
}

// ListByPO returns all invoices raised against a purchase order.
func (r *Repository) ListByPO(ctx context.Context, poID int64) ([]Invoice, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE po_id=$1 ORDER BY id ASC`, poID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var invoices []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

func (tx *txRepo) CreateInvoice(ctx context.Context, inv Invoice) (int64, error) {
	var id int64
	err := tx.tx.QueryRow(ctx, `INSERT INTO invoices (number, po_id, vendor_id, status, total_cents, document_ref, match_status, extraction_attempt, dispute_reason, override_reason, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, '', '', NOW(), NOW()) RETURNING id`,
		inv.Number, inv.POID, inv.VendorID, string(inv.Status), inv.TotalCents, inv.DocumentRef,
		string(inv.MatchStatus), inv.ExtractionAttempt).Scan(&id)
	return id, err
}

// GetInvoiceForUpdate locks the invoice row for the extraction
// completion's read-modify-write.
func (tx *txRepo) GetInvoiceForUpdate(ctx context.Context, id int64) (Invoice, error) {
	return scanInvoice(tx.tx.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id=$1 FOR UPDATE`, id))
}

func (tx *txRepo) UpdateStatus(ctx context.Context, id int64, status Status) error {
	_, err := tx.tx.Exec(ctx, `UPDATE invoices SET status=$1, updated_at=NOW() WHERE id=$2`, string(status), id)
	return err
}

func (tx *txRepo) StoreExtraction(ctx context.Context, id int64, result docintel.Result, totalCents int64) error {
	ocrJSON, err := json.Marshal(result)
	if err != nil {
		return err
	}
	_, err = tx.tx.Exec(ctx, `UPDATE invoices SET ocr_data=$1, total_cents=$2, updated_at=NOW() WHERE id=$3`, ocrJSON, totalCents, id)
	return err
}

func (tx *txRepo) StoreMatchVerdict(ctx context.Context, id int64, status MatchStatus, exceptions []MatchExceptionDetail) error {
	exceptionsJSON, err := json.Marshal(exceptions)
	if err != nil {
		return err
	}
	_, err = tx.tx.Exec(ctx, `UPDATE invoices SET match_status=$1, match_exceptions=$2, updated_at=NOW() WHERE id=$3`,
		string(status), exceptionsJSON, id)
	return err
}

func (tx *txRepo) ReplaceLines(ctx context.Context, id int64, lines []Line) error {
	if _, err := tx.tx.Exec(ctx, `DELETE FROM invoice_lines WHERE invoice_id=$1`, id); err != nil {
		return err
	}
	for _, l := range lines {
		if _, err := tx.tx.Exec(ctx, `INSERT INTO invoice_lines (invoice_id, description, quantity, unit_price_cents) VALUES ($1, $2, $3, $4)`,
			id, l.Description, l.Quantity, l.UnitPriceCents); err != nil {
			return err
		}
	}
	return nil
}

func (tx *txRepo) SetDisputeReason(ctx context.Context, id int64, reason string) error {
	_, err := tx.tx.Exec(ctx, `UPDATE invoices SET dispute_reason=$1, updated_at=NOW() WHERE id=$2`, reason, id)
	return err
}

func (tx *txRepo) SetOverrideReason(ctx context.Context, id int64, reason string) error {
	_, err := tx.tx.Exec(ctx, `UPDATE invoices SET override_reason=$1, updated_at=NOW() WHERE id=$2`, reason, id)
	return err
}

func (tx *txRepo) SetApprovedPaymentAt(ctx context.Context, id int64, at time.Time) error {
	_, err := tx.tx.Exec(ctx, `UPDATE invoices SET approved_payment_at=$1, updated_at=NOW() WHERE id=$2`, at, id)
	return err
}

func (tx *txRepo) SetPaidAt(ctx context.Context, id int64, at time.Time) error {
	_, err := tx.tx.Exec(ctx, `UPDATE invoices SET paid_at=$1, updated_at=NOW() WHERE id=$2`, at, id)
	return err
}
