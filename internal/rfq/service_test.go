package rfq

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/procura-erp/procura/internal/order"
	"github.com/procura-erp/procura/internal/procurement"
	"github.com/procura-erp/procura/internal/shared"
)

type memoryRFQRepo struct {
	mu        sync.Mutex
	rfqs      map[int64]RFQ
	lines     map[int64][]Line
	bids      map[int64]Bid
	nextID    int64
	nextBidID int64
}

type memoryRFQTx struct {
	repo *memoryRFQRepo
}

func newMemoryRFQRepo() *memoryRFQRepo {
	return &memoryRFQRepo{rfqs: make(map[int64]RFQ), lines: make(map[int64][]Line), bids: make(map[int64]Bid)}
}

func (r *memoryRFQRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(ctx, &memoryRFQTx{repo: r})
}

func (r *memoryRFQRepo) GetRFQ(ctx context.Context, id int64) (RFQ, []Line, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.rfqs[id]
	if !ok {
		return RFQ{}, nil, shared.ErrNotFound
	}
	return q, append([]Line(nil), r.lines[id]...), nil
}

func (r *memoryRFQRepo) ListRFQs(ctx context.Context, limit, offset int, status Status) ([]RFQ, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []RFQ
	for _, q := range r.rfqs {
		if status != "" && q.Status != status {
			continue
		}
		out = append(out, q)
	}
	return out, len(out), nil
}

func (r *memoryRFQRepo) ListBids(ctx context.Context, rfqID int64) ([]Bid, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Bid
	for _, b := range r.bids {
		if b.RFQID == rfqID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (r *memoryRFQRepo) GetBid(ctx context.Context, bidID int64) (Bid, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bids[bidID]
	if !ok {
		return Bid{}, shared.ErrNotFound
	}
	return b, nil
}

func (r *memoryRFQRepo) ListExpiredOpen(ctx context.Context, now time.Time) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []int64
	for _, q := range r.rfqs {
		if q.Status == StatusOpen && q.Deadline.Before(now) {
			ids = append(ids, q.ID)
		}
	}
	return ids, nil
}

func (tx *memoryRFQTx) CreateRFQ(ctx context.Context, q RFQ) (int64, error) {
	tx.repo.nextID++
	q.ID = tx.repo.nextID
	q.CreatedAt = time.Now()
	q.UpdatedAt = q.CreatedAt
	tx.repo.rfqs[q.ID] = q
	return q.ID, nil
}

func (tx *memoryRFQTx) InsertLine(ctx context.Context, line Line) error {
	tx.repo.lines[line.RFQID] = append(tx.repo.lines[line.RFQID], line)
	return nil
}

func (tx *memoryRFQTx) UpdateStatus(ctx context.Context, id int64, status Status) error {
	q := tx.repo.rfqs[id]
	q.Status = status
	q.UpdatedAt = time.Now()
	tx.repo.rfqs[id] = q
	return nil
}

func (tx *memoryRFQTx) SetAwardedBid(ctx context.Context, id int64, bidID int64) error {
	q := tx.repo.rfqs[id]
	q.AwardedBidID = &bidID
	tx.repo.rfqs[id] = q
	return nil
}

func (tx *memoryRFQTx) UpsertBid(ctx context.Context, bid Bid) (Bid, error) {
	for id, existing := range tx.repo.bids {
		if existing.RFQID == bid.RFQID && existing.VendorID == bid.VendorID {
			bid.ID = id
			bid.SubmittedAt = time.Now()
			tx.repo.bids[id] = bid
			return bid, nil
		}
	}
	tx.repo.nextBidID++
	bid.ID = tx.repo.nextBidID
	bid.SubmittedAt = time.Now()
	tx.repo.bids[bid.ID] = bid
	return bid, nil
}

type stubRFQPRPort struct {
	mu       sync.Mutex
	pr       procurement.PurchaseRequest
	lines    []procurement.PRLine
	attached map[int64]int64
}

func newStubRFQPRPort(resID uuid.UUID) *stubRFQPRPort {
	id := resID
	return &stubRFQPRPort{
		pr: procurement.PurchaseRequest{ID: 41, Status: procurement.PRStatusApproved, TotalCents: 50_000_00, ReservationID: &id},
		lines: []procurement.PRLine{
			{Description: "laptop", Quantity: 2, UnitPriceCents: 20_000_00},
			{Description: "dock", Quantity: 2, UnitPriceCents: 5_000_00},
		},
		attached: make(map[int64]int64),
	}
}

func (p *stubRFQPRPort) ApprovedForConversion(ctx context.Context, id int64) (procurement.PurchaseRequest, []procurement.PRLine, error) {
	if id != p.pr.ID {
		return procurement.PurchaseRequest{}, nil, shared.ErrNotFound
	}
	return p.pr, p.lines, nil
}

func (p *stubRFQPRPort) AttachRFQ(ctx context.Context, prID, rfqID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attached[prID] = rfqID
	return nil
}

func (p *stubRFQPRPort) Get(ctx context.Context, id int64) (procurement.PurchaseRequest, []procurement.PRLine, error) {
	return p.pr, p.lines, nil
}

type stubIssuer struct {
	mu     sync.Mutex
	inputs []order.AwardInput
	nextID int64
}

func (s *stubIssuer) CreateFromAward(ctx context.Context, input order.AwardInput) (order.PurchaseOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs = append(s.inputs, input)
	s.nextID++
	return order.PurchaseOrder{ID: s.nextID, VendorID: input.VendorID, TotalCents: input.TotalCents, ReservationID: input.ReservationID}, nil
}

type allowList struct {
	vendors map[int64]bool
}

func (a *allowList) VendorAllowed(ctx context.Context, contractID, vendorID int64) (bool, error) {
	return a.vendors[vendorID], nil
}

type rfqFixture struct {
	svc    *Service
	repo   *memoryRFQRepo
	prs    *stubRFQPRPort
	issuer *stubIssuer
	resID  uuid.UUID
}

func newRFQFixture(t *testing.T, contracts ContractPort) *rfqFixture {
	t.Helper()
	resID := uuid.New()
	f := &rfqFixture{repo: newMemoryRFQRepo(), prs: newStubRFQPRPort(resID), issuer: &stubIssuer{}, resID: resID}
	f.svc = NewService(f.repo, f.prs, f.issuer, contracts, nil, nil)
	return f
}

func officerCtx() context.Context {
	return shared.ContextWithActor(context.Background(), &shared.Actor{UserID: 31, Roles: []string{shared.RoleProcurement}})
}

func bidderCtx(vendorID int64) context.Context {
	return shared.ContextWithActor(context.Background(), &shared.Actor{UserID: 90, VendorID: vendorID, Roles: []string{shared.RoleVendor}})
}

func openRFQ(t *testing.T, f *rfqFixture, deadline time.Time) RFQ {
	t.Helper()
	prID := int64(41)
	q, err := f.svc.Create(officerCtx(), CreateInput{PRID: &prID, Deadline: deadline})
	require.NoError(t, err)
	opened, err := f.svc.Open(officerCtx(), q.ID)
	require.NoError(t, err)
	return opened
}

func TestCreateFromPRCopiesLines(t *testing.T) {
	f := newRFQFixture(t, nil)
	prID := int64(41)
	q, err := f.svc.Create(officerCtx(), CreateInput{PRID: &prID, Deadline: time.Now().Add(48 * time.Hour)})
	require.NoError(t, err)
	require.Equal(t, StatusDraft, q.Status)
	require.Equal(t, q.ID, f.prs.attached[41])

	_, lines, err := f.repo.GetRFQ(context.Background(), q.ID)
	require.NoError(t, err)
	require.Len(t, lines, 2)
}

func TestBidResubmissionReplaces(t *testing.T) {
	f := newRFQFixture(t, nil)
	q := openRFQ(t, f, time.Now().Add(48*time.Hour))

	first, err := f.svc.SubmitBid(bidderCtx(7), q.ID, BidInput{TotalCents: 48_000_00, DeliveryDays: 10})
	require.NoError(t, err)
	second, err := f.svc.SubmitBid(bidderCtx(7), q.ID, BidInput{TotalCents: 45_000_00, DeliveryDays: 7})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	bids, err := f.repo.ListBids(context.Background(), q.ID)
	require.NoError(t, err)
	require.Len(t, bids, 1)
	require.Equal(t, int64(45_000_00), bids[0].TotalCents)
}

func TestConcurrentResubmissionKeepsSingleBid(t *testing.T) {
	f := newRFQFixture(t, nil)
	q := openRFQ(t, f, time.Now().Add(48*time.Hour))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(amount int64) {
			defer wg.Done()
			_, err := f.svc.SubmitBid(bidderCtx(7), q.ID, BidInput{TotalCents: amount})
			require.NoError(t, err)
		}(int64(40_000_00 + i))
	}
	wg.Wait()

	bids, err := f.repo.ListBids(context.Background(), q.ID)
	require.NoError(t, err)
	require.Len(t, bids, 1)
}

func TestBidAfterDeadlineRejected(t *testing.T) {
	f := newRFQFixture(t, nil)
	q := openRFQ(t, f, time.Now().Add(20*time.Millisecond))
	time.Sleep(40 * time.Millisecond)

	_, err := f.svc.SubmitBid(bidderCtx(7), q.ID, BidInput{TotalCents: 48_000_00})
	require.ErrorIs(t, err, shared.ErrDeadlinePassed)
}

func TestBidRequiresVendorIdentity(t *testing.T) {
	f := newRFQFixture(t, nil)
	q := openRFQ(t, f, time.Now().Add(48*time.Hour))
	_, err := f.svc.SubmitBid(officerCtx(), q.ID, BidInput{TotalCents: 48_000_00})
	require.ErrorIs(t, err, shared.ErrUnauthorized)
}

func TestContractScopingBlocksUnassignedVendor(t *testing.T) {
	contracts := &allowList{vendors: map[int64]bool{7: true}}
	f := newRFQFixture(t, contracts)
	contractID := int64(3)
	q, err := f.svc.Create(officerCtx(), CreateInput{
		ContractID: &contractID,
		Deadline:   time.Now().Add(48 * time.Hour),
		Lines:      []LineInput{{Description: "paper", Quantity: 100}},
	})
	require.NoError(t, err)
	_, err = f.svc.Open(officerCtx(), q.ID)
	require.NoError(t, err)

	_, err = f.svc.SubmitBid(bidderCtx(9), q.ID, BidInput{TotalCents: 10_000_00})
	require.ErrorIs(t, err, shared.ErrUnauthorized)

	_, err = f.svc.SubmitBid(bidderCtx(7), q.ID, BidInput{TotalCents: 10_000_00})
	require.NoError(t, err)
}

func TestAwardRequiresClosed(t *testing.T) {
	f := newRFQFixture(t, nil)
	q := openRFQ(t, f, time.Now().Add(48*time.Hour))
	bid, err := f.svc.SubmitBid(bidderCtx(7), q.ID, BidInput{TotalCents: 45_000_00})
	require.NoError(t, err)

	_, _, err = f.svc.Award(officerCtx(), q.ID, bid.ID)
	require.ErrorIs(t, err, shared.ErrStateConflict)
}

func TestAwardCreatesPOWithReservationHandoff(t *testing.T) {
	f := newRFQFixture(t, nil)
	q := openRFQ(t, f, time.Now().Add(48*time.Hour))
	bid, err := f.svc.SubmitBid(bidderCtx(7), q.ID, BidInput{TotalCents: 45_000_00, DeliveryDays: 7})
	require.NoError(t, err)
	_, err = f.svc.Close(officerCtx(), q.ID)
	require.NoError(t, err)

	awarded, po, err := f.svc.Award(officerCtx(), q.ID, bid.ID)
	require.NoError(t, err)
	require.Equal(t, StatusAwarded, awarded.Status)
	require.Equal(t, bid.ID, *awarded.AwardedBidID)
	require.Equal(t, int64(45_000_00), po.TotalCents)
	require.NotNil(t, po.ReservationID)
	require.Equal(t, f.resID, *po.ReservationID)

	require.Len(t, f.issuer.inputs, 1)
	input := f.issuer.inputs[0]
	require.Equal(t, int64(7), input.VendorID)
	require.Len(t, input.Lines, 2)
	var total int64
	for _, l := range input.Lines {
		total += l.Quantity * l.UnitPriceCents
	}
	require.Equal(t, int64(45_000_00), total)
}

func TestAwardWithForeignBidFails(t *testing.T) {
	f := newRFQFixture(t, nil)
	first := openRFQ(t, f, time.Now().Add(48*time.Hour))
	_, err := f.svc.Close(officerCtx(), first.ID)
	require.NoError(t, err)

	// no bids: the RFQ stays CLOSED, never auto-cancelled
	_, _, err = f.svc.Award(officerCtx(), first.ID, 999)
	require.ErrorIs(t, err, shared.ErrNotFound)
	current, _, err := f.repo.GetRFQ(context.Background(), first.ID)
	require.NoError(t, err)
	require.Equal(t, StatusClosed, current.Status)
}

func TestCloseExpiredSweep(t *testing.T) {
	f := newRFQFixture(t, nil)
	expired := openRFQ(t, f, time.Now().Add(10*time.Millisecond))
	live, err := f.svc.Create(officerCtx(), CreateInput{
		Deadline: time.Now().Add(48 * time.Hour),
		Lines:    []LineInput{{Description: "paper", Quantity: 100}},
	})
	require.NoError(t, err)
	_, err = f.svc.Open(officerCtx(), live.ID)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	closed, err := f.svc.CloseExpired(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, closed)

	q, _, err := f.repo.GetRFQ(context.Background(), expired.ID)
	require.NoError(t, err)
	require.Equal(t, StatusClosed, q.Status)
	q, _, err = f.repo.GetRFQ(context.Background(), live.ID)
	require.NoError(t, err)
	require.Equal(t, StatusOpen, q.Status)
}

func TestBidTotalSpreadAcrossLines(t *testing.T) {
	sum := func(out []order.POLine) int64 {
		var total int64
		for _, l := range out {
			total += l.Quantity * l.UnitPriceCents
		}
		return total
	}
	qty := func(out []order.POLine) int64 {
		var total int64
		for _, l := range out {
			total += l.Quantity
		}
		return total
	}

	// one leftover cent lands on the last line
	lines := []Line{{Description: "a", Quantity: 3}, {Description: "b", Quantity: 2}}
	out := poLinesFromBid(lines, 1001)
	require.Equal(t, int64(1001), sum(out))
	require.Equal(t, int64(5), qty(out))
	last := out[len(out)-1]
	require.Equal(t, "b", last.Description)
	require.Equal(t, int64(201), last.UnitPriceCents)

	// remainder larger than the last line's quantity spills backwards
	lines = []Line{{Description: "a", Quantity: 2}, {Description: "b", Quantity: 1}}
	out = poLinesFromBid(lines, 1004)
	require.Equal(t, int64(1004), sum(out))
	require.Equal(t, int64(3), qty(out))

	// even split needs no extra lines
	out = poLinesFromBid([]Line{{Description: "a", Quantity: 4}}, 1000)
	require.Len(t, out, 1)
	require.Equal(t, int64(250), out[0].UnitPriceCents)
}
