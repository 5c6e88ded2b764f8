package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/procura-erp/procura/internal/shared"
)

type memoryApprovalRepo struct {
	rows   []Approval
	nextID int64
}

type memoryApprovalTx struct {
	repo *memoryApprovalRepo
}

func (r *memoryApprovalRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memoryApprovalTx{repo: r})
}

func (r *memoryApprovalRepo) ListByEntity(ctx context.Context, entityType string, entityID int64) ([]Approval, error) {
	var out []Approval
	for _, a := range r.rows {
		if a.EntityType == entityType && a.EntityID == entityID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (tx *memoryApprovalTx) ListByEntityForUpdate(ctx context.Context, entityType string, entityID int64) ([]Approval, error) {
	return tx.repo.ListByEntity(ctx, entityType, entityID)
}

func (tx *memoryApprovalTx) InsertApproval(ctx context.Context, a Approval) (int64, error) {
	tx.repo.nextID++
	a.ID = tx.repo.nextID
	tx.repo.rows = append(tx.repo.rows, a)
	return a.ID, nil
}

func (tx *memoryApprovalTx) Decide(ctx context.Context, id int64, status Status, approverID int64, comments string, decidedAt time.Time) error {
	for i, a := range tx.repo.rows {
		if a.ID == id && a.Status == StatusPending {
			a.Status = status
			a.ApproverID = approverID
			a.Comments = comments
			a.DecidedAt = &decidedAt
			tx.repo.rows[i] = a
		}
	}
	return nil
}

func (tx *memoryApprovalTx) InvalidatePending(ctx context.Context, entityType string, entityID int64) error {
	for i, a := range tx.repo.rows {
		if a.EntityType == entityType && a.EntityID == entityID && a.Status == StatusPending {
			a.Status = StatusInvalidated
			tx.repo.rows[i] = a
		}
	}
	return nil
}

func TestPlanForThresholds(t *testing.T) {
	policy := DefaultPolicy()
	require.Equal(t, []string{shared.RoleManager}, policy.PlanFor(10_000_00))
	require.Equal(t, []string{shared.RoleManager, shared.RoleFinanceHead}, policy.PlanFor(50_000_00))
	require.Equal(t, []string{shared.RoleManager, shared.RoleFinanceHead, shared.RoleAdmin}, policy.PlanFor(500_000_00))
}

func TestChainStrictlySequential(t *testing.T) {
	repo := &memoryApprovalRepo{}
	svc := NewService(repo, Policy{})
	ctx := context.Background()

	plan, err := svc.CreatePlan(ctx, "PR", 1, 50_000_00)
	require.NoError(t, err)
	require.Len(t, plan, 2)

	// Level-2 approval recorded first: stored, chain does not advance.
	result, err := svc.Record(ctx, RecordInput{EntityType: "PR", EntityID: 1, ApproverID: 20, Roles: []string{shared.RoleFinanceHead}, Approve: true})
	require.NoError(t, err)
	require.Equal(t, OutcomePending, result.Outcome)
	require.Equal(t, 1, result.CurrentLevel)

	result, err = svc.Record(ctx, RecordInput{EntityType: "PR", EntityID: 1, ApproverID: 10, Roles: []string{shared.RoleManager}, Approve: true})
	require.NoError(t, err)
	require.Equal(t, OutcomeApproved, result.Outcome)
}

func TestRejectionTerminatesChain(t *testing.T) {
	repo := &memoryApprovalRepo{}
	svc := NewService(repo, Policy{})
	ctx := context.Background()

	_, err := svc.CreatePlan(ctx, "PR", 2, 50_000_00)
	require.NoError(t, err)

	result, err := svc.Record(ctx, RecordInput{EntityType: "PR", EntityID: 2, ApproverID: 10, Roles: []string{shared.RoleManager}, Approve: false, Comments: "over budget for this quarter"})
	require.NoError(t, err)
	require.Equal(t, OutcomeRejected, result.Outcome)

	// The terminated chain accepts no further decisions.
	_, err = svc.Record(ctx, RecordInput{EntityType: "PR", EntityID: 2, ApproverID: 20, Roles: []string{shared.RoleFinanceHead}, Approve: true})
	require.Error(t, err)
}

func TestRecordIdempotentPerApprover(t *testing.T) {
	repo := &memoryApprovalRepo{}
	svc := NewService(repo, Policy{})
	ctx := context.Background()

	_, err := svc.CreatePlan(ctx, "PR", 3, 10_000_00)
	require.NoError(t, err)

	first, err := svc.Record(ctx, RecordInput{EntityType: "PR", EntityID: 3, ApproverID: 10, Roles: []string{shared.RoleManager}, Approve: true})
	require.NoError(t, err)
	require.Equal(t, OutcomeApproved, first.Outcome)

	replay, err := svc.Record(ctx, RecordInput{EntityType: "PR", EntityID: 3, ApproverID: 10, Roles: []string{shared.RoleManager}, Approve: true})
	require.NoError(t, err)
	require.Equal(t, OutcomeApproved, replay.Outcome)

	history, err := svc.ListByEntity(ctx, "PR", 3)
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestResubmissionRestartsFromLevelOne(t *testing.T) {
	repo := &memoryApprovalRepo{}
	svc := NewService(repo, Policy{})
	ctx := context.Background()

	_, err := svc.CreatePlan(ctx, "PR", 4, 50_000_00)
	require.NoError(t, err)
	_, err = svc.Record(ctx, RecordInput{EntityType: "PR", EntityID: 4, ApproverID: 10, Roles: []string{shared.RoleManager}, Approve: false, Comments: "needs rework"})
	require.NoError(t, err)

	_, err = svc.CreatePlan(ctx, "PR", 4, 50_000_00)
	require.NoError(t, err)

	result, err := svc.Evaluate(ctx, "PR", 4)
	require.NoError(t, err)
	require.Equal(t, OutcomePending, result.Outcome)
	require.Equal(t, 1, result.CurrentLevel)
}

func TestWrongRoleUnauthorized(t *testing.T) {
	repo := &memoryApprovalRepo{}
	svc := NewService(repo, Policy{})
	ctx := context.Background()

	_, err := svc.CreatePlan(ctx, "PR", 5, 10_000_00)
	require.NoError(t, err)

	_, err = svc.Record(ctx, RecordInput{EntityType: "PR", EntityID: 5, ApproverID: 30, Roles: []string{shared.RoleVendor}, Approve: true})
	require.ErrorIs(t, err, shared.ErrUnauthorized)
}
