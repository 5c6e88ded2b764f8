package vendors

import (
	"context"
	"errors"
	"fmt"

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

const vendorColumns = `id, code, name, contact_email, phone, address, active, created_at, updated_at`

func scanVendor(row pgx.Row) (Vendor, error) {
	var v Vendor
	err := row.Scan(&v.ID, &v.Code, &v.Name, &v.ContactEmail, &v.Phone, &v.Address, &v.Active, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Vendor{}, fmt.Errorf("vendors: vendor: %w", shared.ErrNotFound)
		}
		return Vendor{}, err
	}
	return v, nil
}

// List returns vendors with total count for pagination.
func (r *Repository) List(ctx context.Context, limit, offset int, filters ListFilters) ([]Vendor, int, error) {
	where := ` WHERE 1=1`
	args := []any{}
	if filters.Search != "" {
		args = append(args, "%"+filters.Search+"%")
		where += fmt.Sprintf(` AND (name ILIKE $%d OR code ILIKE $%d)`, len(args), len(args))
	}
	if filters.ActiveOnly {
		where += ` AND active`
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM vendors`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	query := `SELECT ` + vendorColumns + ` FROM vendors` + where +
		fmt.Sprintf(` ORDER BY name ASC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var vendors []Vendor
	for rows.Next() {
		v, err := scanVendor(rows)
		if err != nil {
			return nil, 0, err
		}
		vendors = append(vendors, v)
	}
	return vendors, total, rows.Err()
}

// Get fetches one vendor.
func (r *Repository) Get(ctx context.Context, id int64) (Vendor, error) {
	return scanVendor(r.pool.QueryRow(ctx, `SELECT `+vendorColumns+` FROM vendors WHERE id=$1`, id))
}

// Create inserts the vendor.
func (r *Repository) Create(ctx context.Context, v Vendor) (Vendor, error) {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO vendors (code, name, contact_email, phone, address, active)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at, updated_at`,
		v.Code, v.Name, v.ContactEmail, v.Phone, v.Address, v.Active,
	).Scan(&v.ID, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return Vendor{}, err
	}
	return v, nil
}

// Update amends contact details.
func (r *Repository) Update(ctx context.Context, v Vendor) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE vendors SET name=$1, contact_email=$2, phone=$3, address=$4, updated_at=NOW() WHERE id=$5`,
		v.Name, v.ContactEmail, v.Phone, v.Address, v.ID)
	return err
}

// SetActive toggles the active flag.
func (r *Repository) SetActive(ctx context.Context, id int64, active bool) error {
	_, err := r.pool.Exec(ctx, `UPDATE vendors SET active=$1, updated_at=NOW() WHERE id=$2`, active, id)
	return err
}
