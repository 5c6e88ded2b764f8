package order

import (
	"context"
	"errors"
	"fmt"
	"time"

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

const poColumns = `id, number, pr_id, rfq_id, vendor_id, contract_id, status, total_cents, reservation_id, issued_at, expected_delivery_date, cancel_reason, created_at, updated_at`

func scanPO(row pgx.Row) (PurchaseOrder, error) {
	var po PurchaseOrder
	var status string
	err := row.Scan(&po.ID, &po.Number, &po.PRID, &po.RFQID, &po.VendorID, &po.ContractID, &status,
		&po.TotalCents, &po.ReservationID, &po.IssuedAt, &po.ExpectedDeliveryDate, &po.CancelReason,
		&po.CreatedAt, &po.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PurchaseOrder{}, fmt.Errorf("order: purchase order: %w", shared.ErrNotFound)
		}
		return PurchaseOrder{}, err
	}
	po.Status = POStatus(status)
	return po, nil
}

const poLineColumns = `id, po_id, description, quantity, unit_price_cents, received_quantity`

func scanPOLines(rows pgx.Rows) ([]POLine, error) {
	defer rows.Close()
	var lines []POLine
	for rows.Next() {
		var l POLine
		if err := rows.Scan(&l.ID, &l.POID, &l.Description, &l.Quantity, &l.UnitPriceCents, &l.ReceivedQuantity); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// GetPO fetches one PO with its lines.
func (r *Repository) GetPO(ctx context.Context, id int64) (PurchaseOrder, []POLine, error) {
	po, err := scanPO(r.pool.QueryRow(ctx, `SELECT `+poColumns+` FROM purchase_orders WHERE id=$1`, id))
	if err != nil {
		return PurchaseOrder{}, nil, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+poLineColumns+` FROM purchase_order_lines WHERE po_id=$1 ORDER BY id ASC`, id)
	if err != nil {
		return PurchaseOrder{}, nil, err
	}
	lines, err := scanPOLines(rows)
	if err != nil {
		return PurchaseOrder{}, nil, err
	}
	return po, lines, nil
}

// ListPOs returns POs newest first with optional filters.
func (r *Repository) ListPOs(ctx context.Context, limit, offset int, filters ListFilters) ([]PurchaseOrder, int, error) {
	where := `TRUE`
	args := []any{}
	if filters.Status != "" {
		args = append(args, string(filters.Status))
		where += fmt.Sprintf(` AND status=$%d`, len(args))
	}
	if filters.VendorID != 0 {
		args = append(args, filters.VendorID)
		where += fmt.Sprintf(` AND vendor_id=$%d`, len(args))
	}
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM purchase_orders WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT %s FROM purchase_orders WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		poColumns, where, len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var pos []PurchaseOrder
	for rows.Next() {
		po, err := scanPO(rows)
		if err != nil {
			return nil, 0, err
		}
		pos = append(pos, po)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return pos, total, nil
}

// ListReceipts returns receipts with their lines, oldest first.
func (r *Repository) ListReceipts(ctx context.Context, poID int64) ([]Receipt, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, po_id, received_by, note, created_at FROM receipts WHERE po_id=$1 ORDER BY id ASC`, poID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var receipts []Receipt
	index := make(map[int64]int)
	for rows.Next() {
		var rec Receipt
		if err := rows.Scan(&rec.ID, &rec.POID, &rec.ReceivedBy, &rec.Note, &rec.CreatedAt); err != nil {
			return nil, err
		}
		index[rec.ID] = len(receipts)
		receipts = append(receipts, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	lineRows, err := r.pool.Query(ctx, `SELECT rl.id, rl.receipt_id, rl.po_line_id, rl.quantity, rl.condition
FROM receipt_lines rl JOIN receipts rc ON rc.id = rl.receipt_id WHERE rc.po_id=$1 ORDER BY rl.id ASC`, poID)
	if err != nil {
		return nil, err
	}
	defer lineRows.Close()
	for lineRows.Next() {
		var l ReceiptLine
		if err := lineRows.Scan(&l.ID, &l.ReceiptID, &l.POLineID, &l.Quantity, &l.Condition); err != nil {
			return nil, err
		}
		if i, ok := index[l.ReceiptID]; ok {
			receipts[i].Lines = append(receipts[i].Lines, l)
		}
	}
	return receipts, lineRows.Err()
}

func (tx *txRepo) CreatePO(ctx context.Context, po PurchaseOrder) (int64, error) {
	var id int64
	err := tx.tx.QueryRow(ctx, `INSERT INTO purchase_orders (number, pr_id, rfq_id, vendor_id, contract_id, status, total_cents, reservation_id, cancel_reason, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, '', NOW(), NOW()) RETURNING id`,
		po.Number, po.PRID, po.RFQID, po.VendorID, po.ContractID, string(po.Status), po.TotalCents, po.ReservationID).Scan(&id)
	return id, err
}

func (tx *txRepo) InsertPOLine(ctx context.Context, line POLine) (int64, error) {
	var id int64
	err := tx.tx.QueryRow(ctx, `INSERT INTO purchase_order_lines (po_id, description, quantity, unit_price_cents, received_quantity)
VALUES ($1, $2, $3, $4, 0) RETURNING id`,
		line.POID, line.Description, line.Quantity, line.UnitPriceCents).Scan(&id)
	return id, err
}

// LockPOLines locks every line of the PO for the receipt's read-modify-write.
func (tx *txRepo) LockPOLines(ctx context.Context, poID int64) ([]POLine, error) {
	rows, err := tx.tx.Query(ctx, `SELECT `+poLineColumns+` FROM purchase_order_lines WHERE po_id=$1 ORDER BY id ASC FOR UPDATE`, poID)
	if err != nil {
		return nil, err
	}
	return scanPOLines(rows)
}

func (tx *txRepo) AddReceivedQuantity(ctx context.Context, lineID int64, delta int64) error {
	tag, err := tx.tx.Exec(ctx, `UPDATE purchase_order_lines SET received_quantity = received_quantity + $1
WHERE id=$2 AND received_quantity + $1 <= quantity`, delta, lineID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order: line %d over-receipt: %w", lineID, shared.ErrValidation)
	}
	return nil
}

func (tx *txRepo) UpdatePOStatus(ctx context.Context, id int64, status POStatus) error {
	_, err := tx.tx.Exec(ctx, `UPDATE purchase_orders SET status=$1, updated_at=NOW() WHERE id=$2`, string(status), id)
	return err
}

func (tx *txRepo) SetIssuedAt(ctx context.Context, id int64, at time.Time) error {
	_, err := tx.tx.Exec(ctx, `UPDATE purchase_orders SET issued_at=$1, updated_at=NOW() WHERE id=$2`, at, id)
	return err
}

func (tx *txRepo) SetExpectedDelivery(ctx context.Context, id int64, date time.Time) error {
	_, err := tx.tx.Exec(ctx, `UPDATE purchase_orders SET expected_delivery_date=$1, updated_at=NOW() WHERE id=$2`, date, id)
	return err
}

func (tx *txRepo) SetCancelReason(ctx context.Context, id int64, reason string) error {
	_, err := tx.tx.Exec(ctx, `UPDATE purchase_orders SET cancel_reason=$1, updated_at=NOW() WHERE id=$2`, reason, id)
	return err
}

func (tx *txRepo) InsertReceipt(ctx context.Context, receipt Receipt) (int64, error) {
	var id int64
	err := tx.tx.QueryRow(ctx, `INSERT INTO receipts (po_id, received_by, note, created_at) VALUES ($1, $2, $3, NOW()) RETURNING id`,
		receipt.POID, receipt.ReceivedBy, receipt.Note).Scan(&id)
	return id, err
}

func (tx *txRepo) InsertReceiptLine(ctx context.Context, line ReceiptLine) error {
	_, err := tx.tx.Exec(ctx, `INSERT INTO receipt_lines (receipt_id, po_line_id, quantity, condition) VALUES ($1, $2, $3, $4)`,
		line.ReceiptID, line.POLineID, line.Quantity, line.Condition)
	return err
}
