package approval

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
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

const approvalColumns = `id, entity_type, entity_id, level, approver_role, status, COALESCE(approver_id, 0), comments, decided_at`

func scanApprovals(rows pgx.Rows) ([]Approval, error) {
	defer rows.Close()
	var approvals []Approval
	for rows.Next() {
		var a Approval
		var status string
		if err := rows.Scan(&a.ID, &a.EntityType, &a.EntityID, &a.Level, &a.ApproverRole, &status, &a.ApproverID, &a.Comments, &a.DecidedAt); err != nil {
			return nil, err
		}
		a.Status = Status(status)
		approvals = append(approvals, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return approvals, nil
}

// ListByEntity returns all approval rows for an entity, oldest first.
func (r *Repository) ListByEntity(ctx context.Context, entityType string, entityID int64) ([]Approval, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+approvalColumns+` FROM approvals
WHERE entity_type=$1 AND entity_id=$2 ORDER BY id ASC`, entityType, entityID)
	if err != nil {
		return nil, err
	}
	return scanApprovals(rows)
}

// ListByEntityForUpdate locks the entity's chain rows for the transaction.
func (tx *txRepo) ListByEntityForUpdate(ctx context.Context, entityType string, entityID int64) ([]Approval, error) {
	rows, err := tx.tx.Query(ctx, `SELECT `+approvalColumns+` FROM approvals
WHERE entity_type=$1 AND entity_id=$2 ORDER BY id ASC FOR UPDATE`, entityType, entityID)
	if err != nil {
		return nil, err
	}
	return scanApprovals(rows)
}

func (tx *txRepo) InsertApproval(ctx context.Context, a Approval) (int64, error) {
	var id int64
	err := tx.tx.QueryRow(ctx, `INSERT INTO approvals (entity_type, entity_id, level, approver_role, status, comments)
VALUES ($1, $2, $3, $4, $5, '') RETURNING id`,
		a.EntityType, a.EntityID, a.Level, a.ApproverRole, string(a.Status)).Scan(&id)
	return id, err
}

func (tx *txRepo) Decide(ctx context.Context, id int64, status Status, approverID int64, comments string, decidedAt time.Time) error {
	_, err := tx.tx.Exec(ctx, `UPDATE approvals SET status=$1, approver_id=$2, comments=$3, decided_at=$4
WHERE id=$5 AND status='PENDING'`, string(status), approverID, comments, decidedAt, id)
	return err
}

func (tx *txRepo) InvalidatePending(ctx context.Context, entityType string, entityID int64) error {
	_, err := tx.tx.Exec(ctx, `UPDATE approvals SET status='INVALIDATED'
WHERE entity_type=$1 AND entity_id=$2 AND status='PENDING'`, entityType, entityID)
	return err
}
