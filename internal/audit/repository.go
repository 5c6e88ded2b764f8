package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRepository reads audit_logs from PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Timeline returns audit rows newest first. One extra row beyond the
// page size is fetched so the caller can detect a next page.
func (r *PGRepository) Timeline(ctx context.Context, filters TimelineFilters) ([]TimelineRow, error) {
	where := ` WHERE 1=1`
	args := []any{}
	if !filters.From.IsZero() {
		args = append(args, filters.From)
		where += fmt.Sprintf(` AND occurred_at >= $%d`, len(args))
	}
	if !filters.To.IsZero() {
		args = append(args, filters.To)
		where += fmt.Sprintf(` AND occurred_at < $%d`, len(args))
	}
	if filters.ActorID != 0 {
		args = append(args, filters.ActorID)
		where += fmt.Sprintf(` AND actor_id = $%d`, len(args))
	}
	if filters.Entity != "" {
		args = append(args, filters.Entity)
		where += fmt.Sprintf(` AND entity = $%d`, len(args))
	}
	if filters.EntityID != "" {
		args = append(args, filters.EntityID)
		where += fmt.Sprintf(` AND entity_id = $%d`, len(args))
	}
	if filters.Action != "" {
		args = append(args, filters.Action)
		where += fmt.Sprintf(` AND action = $%d`, len(args))
	}

	args = append(args, filters.PageSize+1, (filters.Page-1)*filters.PageSize)
	query := `SELECT id, occurred_at, actor_id, action, entity, entity_id, meta FROM audit_logs` + where +
		fmt.Sprintf(` ORDER BY occurred_at DESC, id DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TimelineRow
	for rows.Next() {
		var row TimelineRow
		if err := rows.Scan(&row.ID, &row.At, &row.ActorID, &row.Action, &row.Entity, &row.EntityID, &row.Meta); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
