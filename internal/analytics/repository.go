package analytics

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRepository runs the spend aggregates against PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) spendRows(ctx context.Context, query string, fiscalYear int) ([]SpendRow, error) {
	rows, err := r.pool.Query(ctx, query, fiscalYear)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SpendRow
	for rows.Next() {
		var row SpendRow
		if err := rows.Scan(&row.Key, &row.Label, &row.CommittedCents, &row.PaidCents, &row.OrderCount); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// SpendByDepartment aggregates committed and paid spend per requesting
// department.
func (r *PGRepository) SpendByDepartment(ctx context.Context, fiscalYear int) ([]SpendRow, error) {
	return r.spendRows(ctx, `
		SELECT pr.department_id::text AS key,
		       '' AS label,
		       COALESCE(SUM(po.total_cents), 0) AS committed_cents,
		       COALESCE(SUM(paid.total_cents), 0) AS paid_cents,
		       COUNT(DISTINCT po.id) AS order_count
		FROM purchase_orders po
		JOIN purchase_requests pr ON pr.id = po.pr_id
		LEFT JOIN LATERAL (
			SELECT SUM(i.total_cents) AS total_cents
			FROM invoices i
			WHERE i.po_id = po.id AND i.status = 'PAID'
		) paid ON TRUE
		WHERE pr.fiscal_year = $1 AND po.status <> 'CANCELLED'
		GROUP BY pr.department_id
		ORDER BY committed_cents DESC`, fiscalYear)
}

// SpendByVendor aggregates committed and paid spend per vendor.
func (r *PGRepository) SpendByVendor(ctx context.Context, fiscalYear int) ([]SpendRow, error) {
	return r.spendRows(ctx, `
		SELECT po.vendor_id::text AS key,
		       COALESCE(v.name, '') AS label,
		       COALESCE(SUM(po.total_cents), 0) AS committed_cents,
		       COALESCE(SUM(paid.total_cents), 0) AS paid_cents,
		       COUNT(DISTINCT po.id) AS order_count
		FROM purchase_orders po
		LEFT JOIN vendors v ON v.id = po.vendor_id
		LEFT JOIN LATERAL (
			SELECT SUM(i.total_cents) AS total_cents
			FROM invoices i
			WHERE i.po_id = po.id AND i.status = 'PAID'
		) paid ON TRUE
		WHERE EXTRACT(YEAR FROM po.created_at) = $1 AND po.status <> 'CANCELLED'
		GROUP BY po.vendor_id, v.name
		ORDER BY committed_cents DESC`, fiscalYear)
}

// SpendByQuarter aggregates spend per fiscal quarter.
func (r *PGRepository) SpendByQuarter(ctx context.Context, fiscalYear int) ([]SpendRow, error) {
	return r.spendRows(ctx, `
		SELECT 'Q' || pr.quarter::text AS key,
		       '' AS label,
		       COALESCE(SUM(po.total_cents), 0) AS committed_cents,
		       COALESCE(SUM(paid.total_cents), 0) AS paid_cents,
		       COUNT(DISTINCT po.id) AS order_count
		FROM purchase_orders po
		JOIN purchase_requests pr ON pr.id = po.pr_id
		LEFT JOIN LATERAL (
			SELECT SUM(i.total_cents) AS total_cents
			FROM invoices i
			WHERE i.po_id = po.id AND i.status = 'PAID'
		) paid ON TRUE
		WHERE pr.fiscal_year = $1 AND po.status <> 'CANCELLED'
		GROUP BY pr.quarter
		ORDER BY key ASC`, fiscalYear)
}

// Summary computes the headline dashboard numbers in one round trip per
// aggregate.
func (r *PGRepository) Summary(ctx context.Context, fiscalYear int) (Summary, error) {
	summary := Summary{FiscalYear: fiscalYear}

	err := r.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM purchase_requests WHERE fiscal_year = $1 AND status IN ('DRAFT', 'PENDING') AND deleted_at IS NULL),
			(SELECT COUNT(*) FROM purchase_orders WHERE EXTRACT(YEAR FROM created_at) = $1 AND status IN ('ISSUED', 'ACKNOWLEDGED', 'PARTIALLY_RECEIVED')),
			(SELECT COUNT(*) FROM invoices WHERE EXTRACT(YEAR FROM created_at) = $1 AND status = 'UPLOADED'),
			(SELECT COUNT(*) FROM invoices WHERE EXTRACT(YEAR FROM created_at) = $1 AND status IN ('EXCEPTION', 'DISPUTED')),
			(SELECT COALESCE(SUM(total_cents), 0) FROM purchase_orders WHERE EXTRACT(YEAR FROM created_at) = $1 AND status <> 'CANCELLED'),
			(SELECT COALESCE(SUM(total_cents), 0) FROM invoices WHERE EXTRACT(YEAR FROM created_at) = $1 AND status = 'PAID'),
			(SELECT COALESCE(SUM(total_cents), 0) FROM budgets WHERE fiscal_year = $1)`,
		fiscalYear,
	).Scan(&summary.OpenRequests, &summary.OrdersInFlight, &summary.InvoicesInMatch,
		&summary.InvoiceExceptions, &summary.CommittedCents, &summary.PaidCents, &summary.BudgetAllocatedCents)
	if err != nil {
		if err == pgx.ErrNoRows {
			return summary, nil
		}
		return Summary{}, fmt.Errorf("analytics: summary: %w", err)
	}
	return summary, nil
}
