package e2e

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/procura-erp/procura/internal/approval"
	"github.com/procura-erp/procura/internal/budget"
	"github.com/procura-erp/procura/internal/procurement"
	"github.com/procura-erp/procura/internal/shared"
)

// The fixtures below back the real services with in-memory repositories so
// a full submit-and-approve pass runs without external infrastructure.

type memBudgetRepo struct {
	mu           sync.Mutex
	budgets      map[int64]budget.Budget
	reservations map[uuid.UUID]budget.Reservation
	nextID       int64
}

type memBudgetTx struct{ repo *memBudgetRepo }

func newMemBudgetRepo() *memBudgetRepo {
	return &memBudgetRepo{
		budgets:      make(map[int64]budget.Budget),
		reservations: make(map[uuid.UUID]budget.Reservation),
	}
}

func (r *memBudgetRepo) WithTx(ctx context.Context, fn func(context.Context, budget.TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(ctx, &memBudgetTx{repo: r})
}

func (r *memBudgetRepo) GetBudget(_ context.Context, id int64) (budget.Budget, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.budgets[id]
	if !ok {
		return budget.Budget{}, shared.ErrNotFound
	}
	return b, nil
}

func (r *memBudgetRepo) ListBudgets(_ context.Context, _, _ int) ([]budget.Budget, int, error) {
	return nil, 0, nil
}

func (r *memBudgetRepo) GetReservation(_ context.Context, id uuid.UUID) (budget.Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.reservations[id]
	if !ok {
		return budget.Reservation{}, shared.ErrNotFound
	}
	return res, nil
}

func (r *memBudgetRepo) ListOpenReservations(_ context.Context, budgetID int64) ([]budget.Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []budget.Reservation
	for _, res := range r.reservations {
		if res.BudgetID == budgetID && res.Status == budget.ReservationOpen {
			out = append(out, res)
		}
	}
	return out, nil
}

func (tx *memBudgetTx) LockBudget(_ context.Context, departmentID int64, fiscalYear, quarter int) (budget.Budget, error) {
	for _, b := range tx.repo.budgets {
		if b.DepartmentID == departmentID && b.FiscalYear == fiscalYear && b.Quarter == quarter {
			return b, nil
		}
	}
	return budget.Budget{}, shared.ErrNotFound
}

func (tx *memBudgetTx) LockBudgetByID(_ context.Context, id int64) (budget.Budget, error) {
	b, ok := tx.repo.budgets[id]
	if !ok {
		return budget.Budget{}, shared.ErrNotFound
	}
	return b, nil
}

func (tx *memBudgetTx) UpdateBudgetAmounts(_ context.Context, id int64, spentCents, reservedCents int64) error {
	b := tx.repo.budgets[id]
	b.SpentCents = spentCents
	b.ReservedCents = reservedCents
	tx.repo.budgets[id] = b
	return nil
}

func (tx *memBudgetTx) UpdateBudgetTerms(_ context.Context, id int64, totalCents int64, policy budget.Policy) error {
	b := tx.repo.budgets[id]
	b.TotalCents = totalCents
	b.Policy = policy
	tx.repo.budgets[id] = b
	return nil
}

func (tx *memBudgetTx) InsertBudget(_ context.Context, b budget.Budget) (int64, error) {
	tx.repo.nextID++
	b.ID = tx.repo.nextID
	tx.repo.budgets[b.ID] = b
	return b.ID, nil
}

func (tx *memBudgetTx) GetReservation(_ context.Context, id uuid.UUID) (budget.Reservation, error) {
	res, ok := tx.repo.reservations[id]
	if !ok {
		return budget.Reservation{}, shared.ErrNotFound
	}
	return res, nil
}

func (tx *memBudgetTx) InsertReservation(_ context.Context, res budget.Reservation) error {
	tx.repo.reservations[res.ID] = res
	return nil
}

func (tx *memBudgetTx) CloseReservation(_ context.Context, id uuid.UUID, status budget.ReservationStatus, finalCents int64, closedAt time.Time) error {
	res := tx.repo.reservations[id]
	res.Status = status
	res.FinalCents = finalCents
	res.ClosedAt = &closedAt
	tx.repo.reservations[id] = res
	return nil
}

type memApprovalRepo struct {
	mu     sync.Mutex
	rows   map[int64]approval.Approval
	nextID int64
}

type memApprovalTx struct{ repo *memApprovalRepo }

func newMemApprovalRepo() *memApprovalRepo {
	return &memApprovalRepo{rows: make(map[int64]approval.Approval)}
}

func (r *memApprovalRepo) WithTx(ctx context.Context, fn func(context.Context, approval.TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(ctx, &memApprovalTx{repo: r})
}

func (r *memApprovalRepo) ListByEntity(_ context.Context, entityType string, entityID int64) ([]approval.Approval, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.collect(entityType, entityID), nil
}

func (r *memApprovalRepo) collect(entityType string, entityID int64) []approval.Approval {
	var out []approval.Approval
	for _, a := range r.rows {
		if a.EntityType == entityType && a.EntityID == entityID && a.Status != approval.StatusInvalidated {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Level < out[j].Level
	})
	return out
}

func (tx *memApprovalTx) ListByEntityForUpdate(_ context.Context, entityType string, entityID int64) ([]approval.Approval, error) {
	return tx.repo.collect(entityType, entityID), nil
}

func (tx *memApprovalTx) InsertApproval(_ context.Context, a approval.Approval) (int64, error) {
	tx.repo.nextID++
	a.ID = tx.repo.nextID
	tx.repo.rows[a.ID] = a
	return a.ID, nil
}

func (tx *memApprovalTx) Decide(_ context.Context, id int64, status approval.Status, approverID int64, comments string, decidedAt time.Time) error {
	a := tx.repo.rows[id]
	a.Status = status
	a.ApproverID = approverID
	a.Comments = comments
	a.DecidedAt = &decidedAt
	tx.repo.rows[id] = a
	return nil
}

func (tx *memApprovalTx) InvalidatePending(_ context.Context, entityType string, entityID int64) error {
	for id, a := range tx.repo.rows {
		if a.EntityType == entityType && a.EntityID == entityID && a.Status == approval.StatusPending {
			a.Status = approval.StatusInvalidated
			tx.repo.rows[id] = a
		}
	}
	return nil
}

type memPRRepo struct {
	mu     sync.Mutex
	prs    map[int64]procurement.PurchaseRequest
	lines  map[int64][]procurement.PRLine
	nextID int64
}

type memPRTx struct{ repo *memPRRepo }

func newMemPRRepo() *memPRRepo {
	return &memPRRepo{
		prs:   make(map[int64]procurement.PurchaseRequest),
		lines: make(map[int64][]procurement.PRLine),
	}
}

func (r *memPRRepo) WithTx(ctx context.Context, fn func(context.Context, procurement.TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(ctx, &memPRTx{repo: r})
}

func (r *memPRRepo) GetPR(_ context.Context, id int64) (procurement.PurchaseRequest, []procurement.PRLine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pr, ok := r.prs[id]
	if !ok || pr.DeletedAt != nil {
		return procurement.PurchaseRequest{}, nil, shared.ErrNotFound
	}
	return pr, r.lines[id], nil
}

func (r *memPRRepo) ListPRs(_ context.Context, _, _ int, _ procurement.ListFilters) ([]procurement.PurchaseRequest, int, error) {
	return nil, 0, nil
}

func (r *memPRRepo) ListReady(_ context.Context, _, _ int) ([]procurement.PurchaseRequest, int, error) {
	return nil, 0, nil
}

func (tx *memPRTx) CreatePR(_ context.Context, pr procurement.PurchaseRequest) (int64, error) {
	tx.repo.nextID++
	pr.ID = tx.repo.nextID
	tx.repo.prs[pr.ID] = pr
	return pr.ID, nil
}

func (tx *memPRTx) InsertPRLine(_ context.Context, line procurement.PRLine) error {
	tx.repo.lines[line.PRID] = append(tx.repo.lines[line.PRID], line)
	return nil
}

func (tx *memPRTx) DeletePRLines(_ context.Context, prID int64) error {
	delete(tx.repo.lines, prID)
	return nil
}

func (tx *memPRTx) UpdatePRStatus(_ context.Context, id int64, status procurement.PRStatus) error {
	pr := tx.repo.prs[id]
	pr.Status = status
	tx.repo.prs[id] = pr
	return nil
}

func (tx *memPRTx) UpdatePRDraft(_ context.Context, in procurement.PurchaseRequest) error {
	pr := tx.repo.prs[in.ID]
	pr.Justification = in.Justification
	pr.TotalCents = in.TotalCents
	tx.repo.prs[in.ID] = pr
	return nil
}

func (tx *memPRTx) SetReservation(_ context.Context, id int64, reservationID *uuid.UUID) error {
	pr := tx.repo.prs[id]
	pr.ReservationID = reservationID
	tx.repo.prs[id] = pr
	return nil
}

func (tx *memPRTx) SetPeriod(_ context.Context, id int64, fiscalYear, quarter int) error {
	pr := tx.repo.prs[id]
	pr.FiscalYear = fiscalYear
	pr.Quarter = quarter
	tx.repo.prs[id] = pr
	return nil
}

func (tx *memPRTx) SetPORef(_ context.Context, id int64, poID int64) error {
	pr := tx.repo.prs[id]
	if pr.POID != nil {
		return shared.ErrStateConflict
	}
	pr.POID = &poID
	tx.repo.prs[id] = pr
	return nil
}

func (tx *memPRTx) SetRFQRef(_ context.Context, id int64, rfqID int64) error {
	pr := tx.repo.prs[id]
	if pr.RFQID != nil {
		return shared.ErrStateConflict
	}
	pr.RFQID = &rfqID
	tx.repo.prs[id] = pr
	return nil
}

func (tx *memPRTx) SoftDeletePR(_ context.Context, id int64, at time.Time) error {
	pr := tx.repo.prs[id]
	pr.DeletedAt = &at
	tx.repo.prs[id] = pr
	return nil
}

type workflow struct {
	budgets      *budget.Service
	budgetRepo   *memBudgetRepo
	approvals    *approval.Service
	procurements *procurement.Service
	budgetID     int64
}

func newWorkflow(t *testing.T, totalCents int64) *workflow {
	t.Helper()
	budgetRepo := newMemBudgetRepo()
	budgetSvc := budget.NewService(budgetRepo, nil)

	year, quarter := budget.PeriodOf(time.Now())
	budgetRepo.budgets[1] = budget.Budget{
		ID:           1,
		DepartmentID: 7,
		FiscalYear:   year,
		Quarter:      quarter,
		TotalCents:   totalCents,
		Currency:     "INR",
		Policy:       budget.PolicyHard,
	}
	budgetRepo.nextID = 1

	approvalSvc := approval.NewService(newMemApprovalRepo(), approval.DefaultPolicy())
	procurementSvc := procurement.NewService(newMemPRRepo(), budgetSvc, approvalSvc, nil, nil, procurement.ServiceConfig{MinReasonLen: 10})

	return &workflow{
		budgets:      budgetSvc,
		budgetRepo:   budgetRepo,
		approvals:    approvalSvc,
		procurements: procurementSvc,
		budgetID:     1,
	}
}

func actorCtx(userID int64, roles ...string) context.Context {
	return shared.ContextWithActor(context.Background(), &shared.Actor{UserID: userID, Roles: roles})
}

func (w *workflow) submitPR(t *testing.T, totalCents int64) procurement.PurchaseRequest {
	t.Helper()
	requester := actorCtx(100, shared.RoleRequester)
	pr, err := w.procurements.Create(requester, procurement.CreateInput{
		DepartmentID:  7,
		Justification: "workstation refresh for the analytics department",
		Lines: []procurement.PRLineInput{
			{Description: "workstation", Quantity: 10, UnitPriceCents: totalCents / 10},
		},
	})
	require.NoError(t, err)

	pr, err = w.procurements.Submit(requester, pr.ID)
	require.NoError(t, err)
	return pr
}

func TestMidSizeRequestNeedsTwoApprovals(t *testing.T) {
	w := newWorkflow(t, 80_000_00)

	// 50,000.00 sits between the manager-only and executive thresholds,
	// so the chain is manager then finance head.
	pr := w.submitPR(t, 50_000_00)
	require.Equal(t, procurement.PRStatusPending, pr.Status)
	require.NotNil(t, pr.ReservationID)

	b, err := w.budgetRepo.GetBudget(context.Background(), w.budgetID)
	require.NoError(t, err)
	require.EqualValues(t, 50_000_00, b.ReservedCents)

	chain, err := w.procurements.Approvals(context.Background(), pr.ID)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	require.Equal(t, shared.RoleManager, chain[0].ApproverRole)
	require.Equal(t, shared.RoleFinanceHead, chain[1].ApproverRole)

	// First sign-off leaves the request pending on the second level.
	pr, err = w.procurements.Decide(actorCtx(200, shared.RoleManager), pr.ID, true, "")
	require.NoError(t, err)
	require.Equal(t, procurement.PRStatusPending, pr.Status)

	pr, err = w.procurements.Decide(actorCtx(300, shared.RoleFinanceHead), pr.ID, true, "")
	require.NoError(t, err)
	require.Equal(t, procurement.PRStatusApproved, pr.Status)

	// The reservation stays open after approval; it is only settled when
	// the resulting order's invoices are paid.
	b, err = w.budgetRepo.GetBudget(context.Background(), w.budgetID)
	require.NoError(t, err)
	require.EqualValues(t, 50_000_00, b.ReservedCents)
	require.EqualValues(t, 0, b.SpentCents)
}

func TestRejectionMidChainRestoresBudget(t *testing.T) {
	w := newWorkflow(t, 80_000_00)
	pr := w.submitPR(t, 50_000_00)

	pr, err := w.procurements.Decide(actorCtx(200, shared.RoleManager), pr.ID, true, "")
	require.NoError(t, err)
	require.Equal(t, procurement.PRStatusPending, pr.Status)

	pr, err = w.procurements.Decide(actorCtx(300, shared.RoleFinanceHead), pr.ID, false, "no budget headroom for this quarter")
	require.NoError(t, err)
	require.Equal(t, procurement.PRStatusRejected, pr.Status)

	b, err := w.budgetRepo.GetBudget(context.Background(), w.budgetID)
	require.NoError(t, err)
	require.EqualValues(t, 0, b.ReservedCents)

	// The freed headroom is immediately usable again.
	pr2 := w.submitPR(t, 50_000_00)
	require.Equal(t, procurement.PRStatusPending, pr2.Status)
}

func TestSmallRequestNeedsSingleApproval(t *testing.T) {
	w := newWorkflow(t, 80_000_00)
	pr := w.submitPR(t, 20_000_00)

	chain, err := w.procurements.Approvals(context.Background(), pr.ID)
	require.NoError(t, err)
	require.Len(t, chain, 1)

	pr, err = w.procurements.Decide(actorCtx(200, shared.RoleManager), pr.ID, true, "")
	require.NoError(t, err)
	require.Equal(t, procurement.PRStatusApproved, pr.Status)
}
