package procurement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/procura-erp/procura/internal/approval"
	"github.com/procura-erp/procura/internal/budget"
	"github.com/procura-erp/procura/internal/notify"
	"github.com/procura-erp/procura/internal/shared"
)

type memoryPRRepo struct {
	mu     sync.Mutex
	prs    map[int64]PurchaseRequest
	lines  map[int64][]PRLine
	nextID int64
}

type memoryPRTx struct {
	repo *memoryPRRepo
}

func newMemoryPRRepo() *memoryPRRepo {
	return &memoryPRRepo{prs: make(map[int64]PurchaseRequest), lines: make(map[int64][]PRLine)}
}

func (r *memoryPRRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(ctx, &memoryPRTx{repo: r})
}

func (r *memoryPRRepo) GetPR(ctx context.Context, id int64) (PurchaseRequest, []PRLine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pr, ok := r.prs[id]
	if !ok || pr.DeletedAt != nil {
		return PurchaseRequest{}, nil, shared.ErrNotFound
	}
	return pr, r.lines[id], nil
}

func (r *memoryPRRepo) ListPRs(ctx context.Context, limit, offset int, filters ListFilters) ([]PurchaseRequest, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []PurchaseRequest
	for _, pr := range r.prs {
		if pr.DeletedAt != nil {
			continue
		}
		if filters.Status != "" && pr.Status != filters.Status {
			continue
		}
		out = append(out, pr)
	}
	return out, len(out), nil
}

func (r *memoryPRRepo) ListReady(ctx context.Context, limit, offset int) ([]PurchaseRequest, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []PurchaseRequest
	for _, pr := range r.prs {
		if pr.DeletedAt == nil && pr.Status == PRStatusApproved && pr.POID == nil && pr.RFQID == nil {
			out = append(out, pr)
		}
	}
	return out, len(out), nil
}

func (tx *memoryPRTx) CreatePR(ctx context.Context, pr PurchaseRequest) (int64, error) {
	tx.repo.nextID++
	pr.ID = tx.repo.nextID
	pr.CreatedAt = time.Now()
	pr.UpdatedAt = pr.CreatedAt
	tx.repo.prs[pr.ID] = pr
	return pr.ID, nil
}

func (tx *memoryPRTx) InsertPRLine(ctx context.Context, line PRLine) error {
	tx.repo.lines[line.PRID] = append(tx.repo.lines[line.PRID], line)
	return nil
}

func (tx *memoryPRTx) DeletePRLines(ctx context.Context, prID int64) error {
	delete(tx.repo.lines, prID)
	return nil
}

func (tx *memoryPRTx) UpdatePRStatus(ctx context.Context, id int64, status PRStatus) error {
	pr := tx.repo.prs[id]
	pr.Status = status
	pr.UpdatedAt = time.Now()
	tx.repo.prs[id] = pr
	return nil
}

func (tx *memoryPRTx) UpdatePRDraft(ctx context.Context, in PurchaseRequest) error {
	pr := tx.repo.prs[in.ID]
	pr.Justification = in.Justification
	pr.TotalCents = in.TotalCents
	tx.repo.prs[in.ID] = pr
	return nil
}

func (tx *memoryPRTx) SetReservation(ctx context.Context, id int64, reservationID *uuid.UUID) error {
	pr := tx.repo.prs[id]
	pr.ReservationID = reservationID
	tx.repo.prs[id] = pr
	return nil
}

func (tx *memoryPRTx) SetPeriod(ctx context.Context, id int64, fiscalYear, quarter int) error {
	pr := tx.repo.prs[id]
	pr.FiscalYear = fiscalYear
	pr.Quarter = quarter
	tx.repo.prs[id] = pr
	return nil
}

func (tx *memoryPRTx) SetPORef(ctx context.Context, id int64, poID int64) error {
	pr := tx.repo.prs[id]
	if pr.POID != nil {
		return shared.ErrStateConflict
	}
	pr.POID = &poID
	tx.repo.prs[id] = pr
	return nil
}

func (tx *memoryPRTx) SetRFQRef(ctx context.Context, id int64, rfqID int64) error {
	pr := tx.repo.prs[id]
	if pr.RFQID != nil {
		return shared.ErrStateConflict
	}
	pr.RFQID = &rfqID
	tx.repo.prs[id] = pr
	return nil
}

func (tx *memoryPRTx) SoftDeletePR(ctx context.Context, id int64, at time.Time) error {
	pr := tx.repo.prs[id]
	pr.DeletedAt = &at
	tx.repo.prs[id] = pr
	return nil
}

type stubLedger struct {
	mu        sync.Mutex
	reserved  map[uuid.UUID]int64
	released  map[uuid.UUID]bool
	reserveFn func(budget.ReserveInput) error
}

func newStubLedger() *stubLedger {
	return &stubLedger{reserved: make(map[uuid.UUID]int64), released: make(map[uuid.UUID]bool)}
}

func (l *stubLedger) Reserve(ctx context.Context, input budget.ReserveInput) (budget.Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.reserveFn != nil {
		if err := l.reserveFn(input); err != nil {
			return budget.Reservation{}, err
		}
	}
	res := budget.Reservation{ID: uuid.New(), AmountCents: input.AmountCents, Status: budget.ReservationOpen}
	l.reserved[res.ID] = input.AmountCents
	return res, nil
}

func (l *stubLedger) Release(ctx context.Context, reservationID uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released[reservationID] = true
	return nil
}

type stubApprovals struct {
	planErr     error
	planned     int
	invalidated int
	result      approval.ChainResult
	recordErr   error
}

func (a *stubApprovals) CreatePlan(ctx context.Context, entityType string, entityID int64, amountCents int64) ([]approval.Approval, error) {
	if a.planErr != nil {
		return nil, a.planErr
	}
	a.planned++
	return []approval.Approval{{EntityType: entityType, EntityID: entityID, Level: 1, ApproverRole: shared.RoleManager, Status: approval.StatusPending}}, nil
}

func (a *stubApprovals) Record(ctx context.Context, input approval.RecordInput) (approval.ChainResult, error) {
	if a.recordErr != nil {
		return approval.ChainResult{}, a.recordErr
	}
	return a.result, nil
}

func (a *stubApprovals) Invalidate(ctx context.Context, entityType string, entityID int64) error {
	a.invalidated++
	return nil
}

func (a *stubApprovals) ListByEntity(ctx context.Context, entityType string, entityID int64) ([]approval.Approval, error) {
	return nil, nil
}

type captureDispatcher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (d *captureDispatcher) Dispatch(ctx context.Context, evt notify.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, evt)
	return nil
}

func (d *captureDispatcher) types() []notify.EventType {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]notify.EventType, 0, len(d.events))
	for _, evt := range d.events {
		out = append(out, evt.Type)
	}
	return out
}

func requesterCtx(userID int64) context.Context {
	return shared.ContextWithActor(context.Background(), &shared.Actor{UserID: userID, Roles: []string{shared.RoleRequester}})
}

func approverCtx(userID int64, roles ...string) context.Context {
	return shared.ContextWithActor(context.Background(), &shared.Actor{UserID: userID, Roles: roles})
}

func newTestService(t *testing.T) (*Service, *memoryPRRepo, *stubLedger, *stubApprovals, *captureDispatcher) {
	t.Helper()
	repo := newMemoryPRRepo()
	ledger := newStubLedger()
	approvals := &stubApprovals{}
	dispatcher := &captureDispatcher{}
	svc := NewService(repo, ledger, approvals, dispatcher, nil, ServiceConfig{MinReasonLen: 10})
	return svc, repo, ledger, approvals, dispatcher
}

func createDraft(t *testing.T, svc *Service, userID int64) PurchaseRequest {
	t.Helper()
	pr, err := svc.Create(requesterCtx(userID), CreateInput{
		DepartmentID:  7,
		Justification: "replacement laptops for the data team",
		Lines: []PRLineInput{
			{Description: "laptop", Quantity: 2, UnitPriceCents: 20_000_00},
			{Description: "dock", Quantity: 2, UnitPriceCents: 5_000_00},
		},
	})
	require.NoError(t, err)
	return pr
}

func TestCreateComputesTotalFromLines(t *testing.T) {
	svc, repo, _, _, _ := newTestService(t)
	pr := createDraft(t, svc, 11)
	require.Equal(t, PRStatusDraft, pr.Status)
	require.Equal(t, int64(50_000_00), pr.TotalCents)

	_, lines, err := repo.GetPR(context.Background(), pr.ID)
	require.NoError(t, err)
	require.Len(t, lines, 2)
}

func TestCreateRejectsInvalidLines(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	_, err := svc.Create(requesterCtx(11), CreateInput{
		DepartmentID: 7,
		Lines:        []PRLineInput{{Description: "laptop", Quantity: 0, UnitPriceCents: 100}},
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestSubmitReservesBudgetAndPlansChain(t *testing.T) {
	svc, repo, ledger, approvals, dispatcher := newTestService(t)
	pr := createDraft(t, svc, 11)

	submitted, err := svc.Submit(requesterCtx(11), pr.ID)
	require.NoError(t, err)
	require.Equal(t, PRStatusPending, submitted.Status)
	require.NotNil(t, submitted.ReservationID)
	require.Equal(t, 1, approvals.planned)
	require.Equal(t, int64(50_000_00), ledger.reserved[*submitted.ReservationID])
	require.Equal(t, []notify.EventType{notify.EventPRSubmitted}, dispatcher.types())

	stored, _, err := repo.GetPR(context.Background(), pr.ID)
	require.NoError(t, err)
	require.Equal(t, PRStatusPending, stored.Status)
	require.NotZero(t, stored.FiscalYear)
}

func TestSubmitOnlyFromDraft(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	pr := createDraft(t, svc, 11)
	_, err := svc.Submit(requesterCtx(11), pr.ID)
	require.NoError(t, err)

	_, err = svc.Submit(requesterCtx(11), pr.ID)
	require.ErrorIs(t, err, shared.ErrStateConflict)
}

func TestSubmitRequiresRequester(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	pr := createDraft(t, svc, 11)
	_, err := svc.Submit(requesterCtx(99), pr.ID)
	require.ErrorIs(t, err, shared.ErrUnauthorized)
}

func TestSubmitReleasesReservationWhenPlanFails(t *testing.T) {
	svc, repo, ledger, approvals, _ := newTestService(t)
	approvals.planErr = errors.New("planner down")
	pr := createDraft(t, svc, 11)

	_, err := svc.Submit(requesterCtx(11), pr.ID)
	require.Error(t, err)

	require.Len(t, ledger.released, 1)
	stored, _, err := repo.GetPR(context.Background(), pr.ID)
	require.NoError(t, err)
	require.Equal(t, PRStatusDraft, stored.Status)
}

func TestSubmitSurfacesInsufficientBudget(t *testing.T) {
	svc, _, ledger, _, _ := newTestService(t)
	ledger.reserveFn = func(budget.ReserveInput) error { return shared.ErrInsufficientBudget }
	pr := createDraft(t, svc, 11)

	_, err := svc.Submit(requesterCtx(11), pr.ID)
	require.ErrorIs(t, err, shared.ErrInsufficientBudget)
}

func TestDecideApprovedAdvancesToApproved(t *testing.T) {
	svc, _, _, approvals, dispatcher := newTestService(t)
	pr := createDraft(t, svc, 11)
	_, err := svc.Submit(requesterCtx(11), pr.ID)
	require.NoError(t, err)

	approvals.result = approval.ChainResult{Outcome: approval.OutcomeApproved}
	decided, err := svc.Decide(approverCtx(21, shared.RoleManager), pr.ID, true, "looks fine")
	require.NoError(t, err)
	require.Equal(t, PRStatusApproved, decided.Status)
	require.Contains(t, dispatcher.types(), notify.EventPRApproved)
}

func TestDecideRejectedReleasesReservation(t *testing.T) {
	svc, _, ledger, approvals, dispatcher := newTestService(t)
	pr := createDraft(t, svc, 11)
	submitted, err := svc.Submit(requesterCtx(11), pr.ID)
	require.NoError(t, err)

	approvals.result = approval.ChainResult{Outcome: approval.OutcomeRejected}
	decided, err := svc.Decide(approverCtx(21, shared.RoleManager), pr.ID, false, "quotes are stale, get fresh ones")
	require.NoError(t, err)
	require.Equal(t, PRStatusRejected, decided.Status)
	require.True(t, ledger.released[*submitted.ReservationID])
	require.Contains(t, dispatcher.types(), notify.EventPRRejected)
}

func TestDecideRejectionNeedsReason(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	pr := createDraft(t, svc, 11)
	_, err := svc.Submit(requesterCtx(11), pr.ID)
	require.NoError(t, err)

	_, err = svc.Decide(approverCtx(21, shared.RoleManager), pr.ID, false, "no")
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestRetractReturnsToDraft(t *testing.T) {
	svc, _, ledger, approvals, _ := newTestService(t)
	pr := createDraft(t, svc, 11)
	submitted, err := svc.Submit(requesterCtx(11), pr.ID)
	require.NoError(t, err)

	retracted, err := svc.Retract(requesterCtx(11), pr.ID)
	require.NoError(t, err)
	require.Equal(t, PRStatusDraft, retracted.Status)
	require.Nil(t, retracted.ReservationID)
	require.True(t, ledger.released[*submitted.ReservationID])
	require.Equal(t, 1, approvals.invalidated)
}

func TestCancelIsTerminal(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	pr := createDraft(t, svc, 11)

	cancelled, err := svc.Cancel(requesterCtx(11), pr.ID, "project was descoped this quarter")
	require.NoError(t, err)
	require.Equal(t, PRStatusCancelled, cancelled.Status)

	_, err = svc.Submit(requesterCtx(11), pr.ID)
	require.ErrorIs(t, err, shared.ErrStateConflict)
}

func TestDeleteOnlyDraft(t *testing.T) {
	svc, repo, _, _, _ := newTestService(t)
	pr := createDraft(t, svc, 11)
	_, err := svc.Submit(requesterCtx(11), pr.ID)
	require.NoError(t, err)

	require.ErrorIs(t, svc.Delete(requesterCtx(11), pr.ID), shared.ErrStateConflict)

	draft := createDraft(t, svc, 11)
	require.NoError(t, svc.Delete(requesterCtx(11), draft.ID))
	_, _, err = repo.GetPR(context.Background(), draft.ID)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestApprovedForConversionGuards(t *testing.T) {
	svc, _, _, approvals, _ := newTestService(t)
	pr := createDraft(t, svc, 11)
	_, err := svc.Submit(requesterCtx(11), pr.ID)
	require.NoError(t, err)

	_, _, err = svc.ApprovedForConversion(context.Background(), pr.ID)
	require.ErrorIs(t, err, shared.ErrStateConflict)

	approvals.result = approval.ChainResult{Outcome: approval.OutcomeApproved}
	_, err = svc.Decide(approverCtx(21, shared.RoleManager), pr.ID, true, "")
	require.NoError(t, err)

	got, lines, err := svc.ApprovedForConversion(context.Background(), pr.ID)
	require.NoError(t, err)
	require.Equal(t, pr.ID, got.ID)
	require.Len(t, lines, 2)

	require.NoError(t, svc.AttachPO(context.Background(), pr.ID, 501))
	_, _, err = svc.ApprovedForConversion(context.Background(), pr.ID)
	require.ErrorIs(t, err, shared.ErrStateConflict)
}

func TestListReadyExcludesConverted(t *testing.T) {
	svc, _, _, approvals, _ := newTestService(t)
	approvals.result = approval.ChainResult{Outcome: approval.OutcomeApproved}

	first := createDraft(t, svc, 11)
	second := createDraft(t, svc, 11)
	for _, id := range []int64{first.ID, second.ID} {
		_, err := svc.Submit(requesterCtx(11), id)
		require.NoError(t, err)
		_, err = svc.Decide(approverCtx(21, shared.RoleManager), id, true, "")
		require.NoError(t, err)
	}
	require.NoError(t, svc.AttachPO(context.Background(), first.ID, 600))

	ready, total, err := svc.ListReady(context.Background(), 20, 0)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, second.ID, ready[0].ID)
}
