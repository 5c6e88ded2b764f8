package rfq

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

const rfqColumns = `id, number, pr_id, contract_id, status, deadline, awarded_bid_id, created_at, updated_at`

func scanRFQ(row pgx.Row) (RFQ, error) {
	var q RFQ
	var status string
	err := row.Scan(&q.ID, &q.Number, &q.PRID, &q.ContractID, &status, &q.Deadline, &q.AwardedBidID, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RFQ{}, fmt.Errorf("rfq: %w", shared.ErrNotFound)
		}
		return RFQ{}, err
	}
	q.Status = Status(status)
	return q, nil
}

// GetRFQ fetches one RFQ with its lines.
func (r *Repository) GetRFQ(ctx context.Context, id int64) (RFQ, []Line, error) {
	q, err := scanRFQ(r.pool.QueryRow(ctx, `SELECT `+rfqColumns+` FROM rfqs WHERE id=$1`, id))
	if err != nil {
		return RFQ{}, nil, err
	}
	rows, err := r.pool.Query(ctx, `SELECT id, rfq_id, description, quantity FROM rfq_lines WHERE rfq_id=$1 ORDER BY id ASC`, id)
	if err != nil {
		return RFQ{}, nil, err
	}
	defer rows.Close()
	var lines []Line
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.ID, &l.RFQID, &l.Description, &l.Quantity); err != nil {
			return RFQ{}, nil, err
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return RFQ{}, nil, err
	}
	return q, lines, nil
}

// ListRFQs returns RFQs newest first with an optional status filter.
func (r *Repository) ListRFQs(ctx context.Context, limit, offset int, status Status) ([]RFQ, int, error) {
	where := `TRUE`
	args := []any{}
	if status != "" {
		args = append(args, string(status))
		where += ` AND status=$1`
	}
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM rfqs WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT %s FROM rfqs WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		rfqColumns, where, len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var rfqs []RFQ
	for rows.Next() {
		q, err := scanRFQ(rows)
		if err != nil {
			return nil, 0, err
		}
		rfqs = append(rfqs, q)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return rfqs, total, nil
}

const bidColumns = `id, rfq_id, vendor_id, total_cents, delivery_days, note, submitted_at`

func scanBid(row pgx.Row) (Bid, error) {
	var b Bid
	err := row.Scan(&b.ID, &b.RFQID, &b.VendorID, &b.TotalCents, &b.DeliveryDays, &b.Note, &b.SubmittedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Bid{}, fmt.Errorf("rfq: bid: %w", shared.ErrNotFound)
		}
		return Bid{}, err
	}
	return b, nil
}

// ListBids returns all active bids on an RFQ, cheapest first.
func (r *Repository) ListBids(ctx context.Context, rfqID int64) ([]Bid, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+bidColumns+` FROM rfq_bids WHERE rfq_id=$1 ORDER BY total_cents ASC`, rfqID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var bids []Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		bids = append(bids, b)
	}
	return bids, rows.Err()
}

// GetBid fetches one bid.
func (r *Repository) GetBid(ctx context.Context, bidID int64) (Bid, error) {
	return scanBid(r.pool.QueryRow(ctx, `SELECT `+bidColumns+` FROM rfq_bids WHERE id=$1`, bidID))
}

// ListExpiredOpen returns ids of OPEN RFQs whose deadline has passed.
func (r *Repository) ListExpiredOpen(ctx context.Context, now time.Time) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM rfqs WHERE status='OPEN' AND deadline < $1`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (tx *txRepo) CreateRFQ(ctx context.Context, q RFQ) (int64, error) {
	var id int64
	err := tx.tx.QueryRow(ctx, `INSERT INTO rfqs (number, pr_id, contract_id, status, deadline, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, NOW(), NOW()) RETURNING id`,
		q.Number, q.PRID, q.ContractID, string(q.Status), q.Deadline).Scan(&id)
	return id, err
}

func (tx *txRepo) InsertLine(ctx context.Context, line Line) error {
	_, err := tx.tx.Exec(ctx, `INSERT INTO rfq_lines (rfq_id, description, quantity) VALUES ($1, $2, $3)`,
		line.RFQID, line.Description, line.Quantity)
	return err
}

func (tx *txRepo) UpdateStatus(ctx context.Context, id int64, status Status) error {
	_, err := tx.tx.Exec(ctx, `UPDATE rfqs SET status=$1, updated_at=NOW() WHERE id=$2`, string(status), id)
	return err
}

func (tx *txRepo) SetAwardedBid(ctx context.Context, id int64, bidID int64) error {
	_, err := tx.tx.Exec(ctx, `UPDATE rfqs SET awarded_bid_id=$1, updated_at=NOW() WHERE id=$2`, bidID, id)
	return err
}

// UpsertBid inserts or replaces the vendor's bid atomically. The unique
// index on (rfq_id, vendor_id) makes a resubmission race resolve to a
// single active bid, last writer wins.
func (tx *txRepo) UpsertBid(ctx context.Context, bid Bid) (Bid, error) {
	return scanBid(tx.tx.QueryRow(ctx, `INSERT INTO rfq_bids (rfq_id, vendor_id, total_cents, delivery_days, note, submitted_at)
VALUES ($1, $2, $3, $4, $5, NOW())
ON CONFLICT (rfq_id, vendor_id) DO UPDATE
SET total_cents=EXCLUDED.total_cents, delivery_days=EXCLUDED.delivery_days, note=EXCLUDED.note, submitted_at=NOW()
RETURNING `+bidColumns,
		bid.RFQID, bid.VendorID, bid.TotalCents, bid.DeliveryDays, bid.Note))
}
