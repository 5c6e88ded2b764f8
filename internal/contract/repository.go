package contract

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

const contractColumns = `id, number, title, status, start_date, end_date, terms, terminate_reason, created_at, updated_at`

func scanContract(row pgx.Row) (Contract, error) {
	var c Contract
	var status string
	err := row.Scan(&c.ID, &c.Number, &c.Title, &status, &c.StartDate, &c.EndDate, &c.Terms,
		&c.TerminateReason, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, fmt.Errorf("contract: %w", shared.ErrNotFound)
		}
		return Contract{}, err
	}
	c.Status = Status(status)
	return c, nil
}

// Create inserts the contract and its initial vendor assignments.
func (r *Repository) Create(ctx context.Context, c Contract, vendorIDs []int64) (Contract, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Contract{}, err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO contracts (number, title, status, start_date, end_date, terms)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at, updated_at`,
		c.Number, c.Title, string(c.Status), c.StartDate, c.EndDate, c.Terms,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return Contract{}, err
	}
	for _, vendorID := range vendorIDs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO contract_vendors (contract_id, vendor_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			c.ID, vendorID); err != nil {
			return Contract{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return Contract{}, err
	}
	return c, nil
}

// Get fetches one contract and its assigned vendor ids.
func (r *Repository) Get(ctx context.Context, id int64) (Contract, []int64, error) {
	c, err := scanContract(r.pool.QueryRow(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id=$1`, id))
	if err != nil {
		return Contract{}, nil, err
	}
	rows, err := r.pool.Query(ctx, `SELECT vendor_id FROM contract_vendors WHERE contract_id=$1 ORDER BY vendor_id ASC`, id)
	if err != nil {
		return Contract{}, nil, err
	}
	defer rows.Close()
	var vendorIDs []int64
	for rows.Next() {
		var vendorID int64
		if err := rows.Scan(&vendorID); err != nil {
			return Contract{}, nil, err
		}
		vendorIDs = append(vendorIDs, vendorID)
	}
	return c, vendorIDs, rows.Err()
}

// List returns contracts with total count for pagination.
func (r *Repository) List(ctx context.Context, limit, offset int, filters ListFilters) ([]Contract, int, error) {
	where := ` WHERE 1=1`
	args := []any{}
	if filters.Status != "" {
		args = append(args, string(filters.Status))
		where += fmt.Sprintf(` AND status=$%d`, len(args))
	}
	if filters.VendorID != 0 {
		args = append(args, filters.VendorID)
		where += fmt.Sprintf(` AND id IN (SELECT contract_id FROM contract_vendors WHERE vendor_id=$%d)`, len(args))
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM contracts`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	query := `SELECT ` + contractColumns + ` FROM contracts` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var contracts []Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, 0, err
		}
		contracts = append(contracts, c)
	}
	return contracts, total, rows.Err()
}

// UpdateDraft amends an amendable contract. The status guard is in the
// query so a concurrent activation cannot be overwritten.
func (r *Repository) UpdateDraft(ctx context.Context, c Contract) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE contracts SET title=$1, start_date=$2, end_date=$3, terms=$4, updated_at=NOW()
		 WHERE id=$5 AND status=$6`,
		c.Title, c.StartDate, c.EndDate, c.Terms, c.ID, string(StatusDraft))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("contract: contract %d is no longer a draft: %w", c.ID, shared.ErrStateConflict)
	}
	return nil
}

// Transition moves the contract between states with a compare-and-swap
// on the current status.
func (r *Repository) Transition(ctx context.Context, id int64, from, to Status, reason string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE contracts SET status=$1, terminate_reason=COALESCE(NULLIF($2, ''), terminate_reason), updated_at=NOW()
		 WHERE id=$3 AND status=$4`,
		string(to), reason, id, string(from))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("contract: contract %d is not %s: %w", id, from, shared.ErrStateConflict)
	}
	return nil
}

// AssignVendor adds a vendor to the contract. Idempotent.
func (r *Repository) AssignVendor(ctx context.Context, contractID, vendorID int64) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO contract_vendors (contract_id, vendor_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		contractID, vendorID)
	return err
}

// UnassignVendor removes a vendor from the contract.
func (r *Repository) UnassignVendor(ctx context.Context, contractID, vendorID int64) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM contract_vendors WHERE contract_id=$1 AND vendor_id=$2`,
		contractID, vendorID)
	return err
}

// VendorAssigned reports membership in the contract's vendor list.
func (r *Repository) VendorAssigned(ctx context.Context, contractID, vendorID int64) (bool, error) {
	var assigned bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM contract_vendors WHERE contract_id=$1 AND vendor_id=$2)`,
		contractID, vendorID).Scan(&assigned)
	return assigned, err
}

// ListOverdueActive returns ids of active contracts whose end date has
// passed. Used by the expiry sweep.
func (r *Repository) ListOverdueActive(ctx context.Context, now time.Time) ([]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM contracts WHERE status=$1 AND end_date < $2 ORDER BY id ASC`,
		string(StatusActive), now)
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
