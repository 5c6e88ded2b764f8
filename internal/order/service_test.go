package order

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/procura-erp/procura/internal/budget"
	"github.com/procura-erp/procura/internal/notify"
	"github.com/procura-erp/procura/internal/procurement"
	"github.com/procura-erp/procura/internal/shared"
)

type memoryPORepo struct {
	mu         sync.Mutex
	pos        map[int64]PurchaseOrder
	lines      map[int64][]POLine
	receipts   map[int64][]Receipt
	nextID     int64
	nextLineID int64
	nextRcptID int64
}

type memoryPOTx struct {
	repo *memoryPORepo
}

func newMemoryPORepo() *memoryPORepo {
	return &memoryPORepo{
		pos:      make(map[int64]PurchaseOrder),
		lines:    make(map[int64][]POLine),
		receipts: make(map[int64][]Receipt),
	}
}

func (r *memoryPORepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshotLines := make(map[int64][]POLine, len(r.lines))
	for k, v := range r.lines {
		snapshotLines[k] = append([]POLine(nil), v...)
	}
	snapshotPOs := make(map[int64]PurchaseOrder, len(r.pos))
	for k, v := range r.pos {
		snapshotPOs[k] = v
	}
	if err := fn(ctx, &memoryPOTx{repo: r}); err != nil {
		r.lines = snapshotLines
		r.pos = snapshotPOs
		return err
	}
	return nil
}

func (r *memoryPORepo) GetPO(ctx context.Context, id int64) (PurchaseOrder, []POLine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	po, ok := r.pos[id]
	if !ok {
		return PurchaseOrder{}, nil, shared.ErrNotFound
	}
	return po, append([]POLine(nil), r.lines[id]...), nil
}

func (r *memoryPORepo) ListPOs(ctx context.Context, limit, offset int, filters ListFilters) ([]PurchaseOrder, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []PurchaseOrder
	for _, po := range r.pos {
		if filters.Status != "" && po.Status != filters.Status {
			continue
		}
		out = append(out, po)
	}
	return out, len(out), nil
}

func (r *memoryPORepo) ListReceipts(ctx context.Context, poID int64) ([]Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Receipt(nil), r.receipts[poID]...), nil
}

func (tx *memoryPOTx) CreatePO(ctx context.Context, po PurchaseOrder) (int64, error) {
	tx.repo.nextID++
	po.ID = tx.repo.nextID
	po.CreatedAt = time.Now()
	po.UpdatedAt = po.CreatedAt
	tx.repo.pos[po.ID] = po
	return po.ID, nil
}

func (tx *memoryPOTx) InsertPOLine(ctx context.Context, line POLine) (int64, error) {
	tx.repo.nextLineID++
	line.ID = tx.repo.nextLineID
	tx.repo.lines[line.POID] = append(tx.repo.lines[line.POID], line)
	return line.ID, nil
}

func (tx *memoryPOTx) LockPOLines(ctx context.Context, poID int64) ([]POLine, error) {
	return append([]POLine(nil), tx.repo.lines[poID]...), nil
}

func (tx *memoryPOTx) AddReceivedQuantity(ctx context.Context, lineID int64, delta int64) error {
	for poID, lines := range tx.repo.lines {
		for i := range lines {
			if lines[i].ID == lineID {
				if lines[i].ReceivedQuantity+delta > lines[i].Quantity {
					return shared.ErrValidation
				}
				lines[i].ReceivedQuantity += delta
				tx.repo.lines[poID] = lines
				return nil
			}
		}
	}
	return shared.ErrNotFound
}

func (tx *memoryPOTx) UpdatePOStatus(ctx context.Context, id int64, status POStatus) error {
	po := tx.repo.pos[id]
	po.Status = status
	po.UpdatedAt = time.Now()
	tx.repo.pos[id] = po
	return nil
}

func (tx *memoryPOTx) SetIssuedAt(ctx context.Context, id int64, at time.Time) error {
	po := tx.repo.pos[id]
	po.IssuedAt = &at
	tx.repo.pos[id] = po
	return nil
}

func (tx *memoryPOTx) SetExpectedDelivery(ctx context.Context, id int64, date time.Time) error {
	po := tx.repo.pos[id]
	po.ExpectedDeliveryDate = &date
	tx.repo.pos[id] = po
	return nil
}

func (tx *memoryPOTx) SetCancelReason(ctx context.Context, id int64, reason string) error {
	po := tx.repo.pos[id]
	po.CancelReason = reason
	tx.repo.pos[id] = po
	return nil
}

func (tx *memoryPOTx) InsertReceipt(ctx context.Context, receipt Receipt) (int64, error) {
	tx.repo.nextRcptID++
	receipt.ID = tx.repo.nextRcptID
	receipt.CreatedAt = time.Now()
	tx.repo.receipts[receipt.POID] = append(tx.repo.receipts[receipt.POID], receipt)
	return receipt.ID, nil
}

func (tx *memoryPOTx) InsertReceiptLine(ctx context.Context, line ReceiptLine) error {
	for poID, receipts := range tx.repo.receipts {
		for i := range receipts {
			if receipts[i].ID == line.ReceiptID {
				receipts[i].Lines = append(receipts[i].Lines, line)
				tx.repo.receipts[poID] = receipts
				return nil
			}
		}
	}
	return shared.ErrNotFound
}

type stubPRPort struct {
	mu       sync.Mutex
	pr       procurement.PurchaseRequest
	lines    []procurement.PRLine
	attached map[int64]int64
	closed   map[int64]bool
}

func newStubPRPort(reservationID uuid.UUID) *stubPRPort {
	resID := reservationID
	return &stubPRPort{
		pr: procurement.PurchaseRequest{
			ID:            41,
			Status:        procurement.PRStatusApproved,
			TotalCents:    50_000_00,
			ReservationID: &resID,
		},
		lines: []procurement.PRLine{
			{Description: "laptop", Quantity: 2, UnitPriceCents: 20_000_00},
			{Description: "dock", Quantity: 2, UnitPriceCents: 5_000_00},
		},
		attached: make(map[int64]int64),
		closed:   make(map[int64]bool),
	}
}

func (p *stubPRPort) ApprovedForConversion(ctx context.Context, id int64) (procurement.PurchaseRequest, []procurement.PRLine, error) {
	if id != p.pr.ID {
		return procurement.PurchaseRequest{}, nil, shared.ErrNotFound
	}
	return p.pr, p.lines, nil
}

func (p *stubPRPort) AttachPO(ctx context.Context, prID, poID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attached[prID] = poID
	return nil
}

func (p *stubPRPort) Close(ctx context.Context, prID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed[prID] = true
	return nil
}

type stubOrderLedger struct {
	mu       sync.Mutex
	released map[uuid.UUID]bool
	statuses map[uuid.UUID]budget.ReservationStatus
}

func newStubOrderLedger() *stubOrderLedger {
	return &stubOrderLedger{released: make(map[uuid.UUID]bool), statuses: make(map[uuid.UUID]budget.ReservationStatus)}
}

func (l *stubOrderLedger) Release(ctx context.Context, reservationID uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released[reservationID] = true
	return nil
}

func (l *stubOrderLedger) GetReservation(ctx context.Context, reservationID uuid.UUID) (budget.Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	status, ok := l.statuses[reservationID]
	if !ok {
		status = budget.ReservationOpen
	}
	return budget.Reservation{ID: reservationID, Status: status}, nil
}

type stubInvoices struct {
	allPaid bool
}

func (s *stubInvoices) AllPaid(ctx context.Context, poID int64) (bool, error) {
	return s.allPaid, nil
}

type orderCapture struct {
	mu     sync.Mutex
	events []notify.EventType
}

func (d *orderCapture) Dispatch(ctx context.Context, evt notify.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, evt.Type)
	return nil
}

type orderFixture struct {
	svc      *Service
	repo     *memoryPORepo
	prs      *stubPRPort
	ledger   *stubOrderLedger
	invoices *stubInvoices
	events   *orderCapture
	resID    uuid.UUID
}

func newOrderFixture(t *testing.T) *orderFixture {
	t.Helper()
	resID := uuid.New()
	f := &orderFixture{
		repo:     newMemoryPORepo(),
		prs:      newStubPRPort(resID),
		ledger:   newStubOrderLedger(),
		invoices: &stubInvoices{},
		events:   &orderCapture{},
		resID:    resID,
	}
	f.svc = NewService(f.repo, f.prs, f.ledger, nil, f.events, nil, ServiceConfig{MinReasonLen: 10})
	f.svc.SetInvoiceSource(f.invoices)
	return f
}

func staffCtx() context.Context {
	return shared.ContextWithActor(context.Background(), &shared.Actor{UserID: 31, Roles: []string{shared.RoleProcurement}})
}

func vendorCtx(vendorID int64) context.Context {
	return shared.ContextWithActor(context.Background(), &shared.Actor{UserID: 90, VendorID: vendorID, Roles: []string{shared.RoleVendor}})
}

func acknowledgedPO(t *testing.T, f *orderFixture) PurchaseOrder {
	t.Helper()
	po, err := f.svc.CreateFromPR(staffCtx(), CreateInput{PRID: 41, VendorID: 7})
	require.NoError(t, err)
	_, err = f.svc.Issue(staffCtx(), po.ID)
	require.NoError(t, err)
	ack, err := f.svc.Acknowledge(vendorCtx(7), po.ID, time.Now().AddDate(0, 0, 14))
	require.NoError(t, err)
	return ack
}

func TestCreateFromPRCarriesReservation(t *testing.T) {
	f := newOrderFixture(t)
	po, err := f.svc.CreateFromPR(staffCtx(), CreateInput{PRID: 41, VendorID: 7})
	require.NoError(t, err)
	require.Equal(t, POStatusDraft, po.Status)
	require.Equal(t, int64(50_000_00), po.TotalCents)
	require.NotNil(t, po.ReservationID)
	require.Equal(t, f.resID, *po.ReservationID)
	require.Equal(t, po.ID, f.prs.attached[41])

	_, lines, err := f.repo.GetPO(context.Background(), po.ID)
	require.NoError(t, err)
	require.Len(t, lines, 2)
}

func TestAcknowledgeRequiresDeliveryDate(t *testing.T) {
	f := newOrderFixture(t)
	po, err := f.svc.CreateFromPR(staffCtx(), CreateInput{PRID: 41, VendorID: 7})
	require.NoError(t, err)
	_, err = f.svc.Issue(staffCtx(), po.ID)
	require.NoError(t, err)

	_, err = f.svc.Acknowledge(vendorCtx(7), po.ID, time.Time{})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = f.svc.Acknowledge(vendorCtx(99), po.ID, time.Now().AddDate(0, 0, 7))
	require.ErrorIs(t, err, shared.ErrUnauthorized)

	ack, err := f.svc.Acknowledge(vendorCtx(7), po.ID, time.Now().AddDate(0, 0, 7))
	require.NoError(t, err)
	require.Equal(t, POStatusAcknowledged, ack.Status)
	require.NotNil(t, ack.ExpectedDeliveryDate)
}

func TestIssueOnlyFromDraft(t *testing.T) {
	f := newOrderFixture(t)
	po := acknowledgedPO(t, f)
	_, err := f.svc.Issue(staffCtx(), po.ID)
	require.ErrorIs(t, err, shared.ErrStateConflict)
}

func TestApplyReceiptPartialThenFull(t *testing.T) {
	f := newOrderFixture(t)
	po := acknowledgedPO(t, f)
	_, lines, err := f.repo.GetPO(context.Background(), po.ID)
	require.NoError(t, err)

	_, updated, err := f.svc.ApplyReceipt(staffCtx(), po.ID, ReceiptInput{
		Lines: []ReceiptLineInput{{POLineID: lines[0].ID, Quantity: 1}},
	})
	require.NoError(t, err)
	require.Equal(t, POStatusPartiallyReceived, updated.Status)

	_, updated, err = f.svc.ApplyReceipt(staffCtx(), po.ID, ReceiptInput{
		Lines: []ReceiptLineInput{
			{POLineID: lines[0].ID, Quantity: 1},
			{POLineID: lines[1].ID, Quantity: 2},
		},
	})
	require.NoError(t, err)
	require.Equal(t, POStatusFullyReceived, updated.Status)

	receipts, err := f.svc.Receipts(context.Background(), po.ID)
	require.NoError(t, err)
	require.Len(t, receipts, 2)
}

func TestApplyReceiptRejectsOverReceipt(t *testing.T) {
	f := newOrderFixture(t)
	po := acknowledgedPO(t, f)
	_, lines, err := f.repo.GetPO(context.Background(), po.ID)
	require.NoError(t, err)

	_, _, err = f.svc.ApplyReceipt(staffCtx(), po.ID, ReceiptInput{
		Lines: []ReceiptLineInput{{POLineID: lines[0].ID, Quantity: 3}},
	})
	require.ErrorIs(t, err, shared.ErrValidation)

	// the failed receipt must not change the accumulators
	_, after, err := f.repo.GetPO(context.Background(), po.ID)
	require.NoError(t, err)
	require.Zero(t, after[0].ReceivedQuantity)
}

func TestConcurrentReceiptsNeverExceedOrdered(t *testing.T) {
	f := newOrderFixture(t)
	po := acknowledgedPO(t, f)
	_, lines, err := f.repo.GetPO(context.Background(), po.ID)
	require.NoError(t, err)

	// line 0 ordered 2: of 5 concurrent single-unit receipts exactly 2 land
	var wg sync.WaitGroup
	var okCount int32
	var mu sync.Mutex
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := f.svc.ApplyReceipt(staffCtx(), po.ID, ReceiptInput{
				Lines: []ReceiptLineInput{{POLineID: lines[0].ID, Quantity: 1}},
			})
			if err == nil {
				mu.Lock()
				okCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 2, okCount)

	_, after, err := f.repo.GetPO(context.Background(), po.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), after[0].ReceivedQuantity)
}

func TestCancelReleasesBudgetAndBlocksAfterReceipt(t *testing.T) {
	f := newOrderFixture(t)
	po := acknowledgedPO(t, f)

	_, err := f.svc.Cancel(staffCtx(), po.ID, "no")
	require.ErrorIs(t, err, shared.ErrValidation)

	cancelled, err := f.svc.Cancel(staffCtx(), po.ID, "vendor cannot meet the delivery window")
	require.NoError(t, err)
	require.Equal(t, POStatusCancelled, cancelled.Status)
	require.True(t, f.ledger.released[f.resID])

	other := newOrderFixture(t)
	po2 := acknowledgedPO(t, other)
	_, lines, err := other.repo.GetPO(context.Background(), po2.ID)
	require.NoError(t, err)
	_, _, err = other.svc.ApplyReceipt(staffCtx(), po2.ID, ReceiptInput{
		Lines: []ReceiptLineInput{{POLineID: lines[0].ID, Quantity: 1}},
	})
	require.NoError(t, err)
	_, err = other.svc.Cancel(staffCtx(), po2.ID, "goods already moving, too late")
	require.ErrorIs(t, err, shared.ErrStateConflict)
}

func TestFulfillmentDerivedFromPaymentAndSettlement(t *testing.T) {
	f := newOrderFixture(t)
	po := acknowledgedPO(t, f)
	_, lines, err := f.repo.GetPO(context.Background(), po.ID)
	require.NoError(t, err)

	_, updated, err := f.svc.ApplyReceipt(staffCtx(), po.ID, ReceiptInput{
		Lines: []ReceiptLineInput{
			{POLineID: lines[0].ID, Quantity: 2},
			{POLineID: lines[1].ID, Quantity: 2},
		},
	})
	require.NoError(t, err)
	// invoices not paid yet: stays FULLY_RECEIVED
	require.Equal(t, POStatusFullyReceived, updated.Status)

	f.invoices.allPaid = true
	require.NoError(t, f.svc.ReevaluateFulfillment(context.Background(), po.ID))
	current, _, err := f.repo.GetPO(context.Background(), po.ID)
	require.NoError(t, err)
	// reservation still open: fulfilled but not ledger-settled
	require.Equal(t, POStatusFulfilled, current.Status)

	f.ledger.statuses[f.resID] = budget.ReservationCommitted
	require.NoError(t, f.svc.ReevaluateFulfillment(context.Background(), po.ID))
	current, _, err = f.repo.GetPO(context.Background(), po.ID)
	require.NoError(t, err)
	require.Equal(t, POStatusClosed, current.Status)
	require.True(t, f.prs.closed[41])
}
