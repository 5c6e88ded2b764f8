package contract

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/procura-erp/procura/internal/shared"
)

type memoryContractRepo struct {
	mu        sync.Mutex
	contracts map[int64]Contract
	vendors   map[int64]map[int64]bool
	nextID    int64
}

func newMemoryContractRepo() *memoryContractRepo {
	return &memoryContractRepo{contracts: make(map[int64]Contract), vendors: make(map[int64]map[int64]bool)}
}

func (r *memoryContractRepo) Create(ctx context.Context, c Contract, vendorIDs []int64) (Contract, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	c.ID = r.nextID
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt
	r.contracts[c.ID] = c
	r.vendors[c.ID] = make(map[int64]bool)
	for _, vendorID := range vendorIDs {
		r.vendors[c.ID][vendorID] = true
	}
	return c, nil
}

func (r *memoryContractRepo) Get(ctx context.Context, id int64) (Contract, []int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contracts[id]
	if !ok {
		return Contract{}, nil, shared.ErrNotFound
	}
	var vendorIDs []int64
	for vendorID := range r.vendors[id] {
		vendorIDs = append(vendorIDs, vendorID)
	}
	return c, vendorIDs, nil
}

func (r *memoryContractRepo) List(ctx context.Context, limit, offset int, filters ListFilters) ([]Contract, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Contract
	for _, c := range r.contracts {
		if filters.Status != "" && c.Status != filters.Status {
			continue
		}
		out = append(out, c)
	}
	return out, len(out), nil
}

func (r *memoryContractRepo) UpdateDraft(ctx context.Context, c Contract) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.contracts[c.ID]
	if !ok || current.Status != StatusDraft {
		return shared.ErrStateConflict
	}
	current.Title = c.Title
	current.StartDate = c.StartDate
	current.EndDate = c.EndDate
	current.Terms = c.Terms
	current.UpdatedAt = time.Now()
	r.contracts[c.ID] = current
	return nil
}

func (r *memoryContractRepo) Transition(ctx context.Context, id int64, from, to Status, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contracts[id]
	if !ok || c.Status != from {
		return shared.ErrStateConflict
	}
	c.Status = to
	if reason != "" {
		c.TerminateReason = reason
	}
	c.UpdatedAt = time.Now()
	r.contracts[id] = c
	return nil
}

func (r *memoryContractRepo) AssignVendor(ctx context.Context, contractID, vendorID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vendors[contractID][vendorID] = true
	return nil
}

func (r *memoryContractRepo) UnassignVendor(ctx context.Context, contractID, vendorID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.vendors[contractID], vendorID)
	return nil
}

func (r *memoryContractRepo) VendorAssigned(ctx context.Context, contractID, vendorID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.vendors[contractID][vendorID], nil
}

func (r *memoryContractRepo) ListOverdueActive(ctx context.Context, now time.Time) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []int64
	for id, c := range r.contracts {
		if c.Status == StatusActive && c.EndDate.Before(now) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func newContractService() (*Service, *memoryContractRepo) {
	repo := newMemoryContractRepo()
	return NewService(repo, nil, ServiceConfig{MinReasonLen: 10}), repo
}

func draftContract(t *testing.T, svc *Service, vendorIDs ...int64) Contract {
	t.Helper()
	c, err := svc.Create(context.Background(), CreateInput{
		Title:     "Annual IT hardware supply",
		StartDate: time.Now().AddDate(0, 0, -1),
		EndDate:   time.Now().AddDate(1, 0, 0),
		VendorIDs: vendorIDs,
	})
	require.NoError(t, err)
	return c
}

func TestCreateRequiresValidWindow(t *testing.T) {
	svc, _ := newContractService()
	_, err := svc.Create(context.Background(), CreateInput{
		Title:     "Backwards window",
		StartDate: time.Now(),
		EndDate:   time.Now().AddDate(0, 0, -7),
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestActivateOnlyFromDraft(t *testing.T) {
	svc, _ := newContractService()
	c := draftContract(t, svc)

	active, err := svc.Activate(context.Background(), c.ID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, active.Status)

	_, err = svc.Activate(context.Background(), c.ID)
	require.ErrorIs(t, err, shared.ErrStateConflict)
}

func TestActivateRejectsEndedWindow(t *testing.T) {
	svc, _ := newContractService()
	c, err := svc.Create(context.Background(), CreateInput{
		Title:     "Lapsed before activation",
		StartDate: time.Now().AddDate(0, -2, 0),
		EndDate:   time.Now().AddDate(0, -1, 0),
	})
	require.NoError(t, err)

	_, err = svc.Activate(context.Background(), c.ID)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestUpdateOnlyDraft(t *testing.T) {
	svc, _ := newContractService()
	c := draftContract(t, svc)

	title := "Annual IT hardware and peripherals supply"
	updated, err := svc.Update(context.Background(), c.ID, UpdateInput{Title: &title})
	require.NoError(t, err)
	require.Equal(t, title, updated.Title)

	_, err = svc.Activate(context.Background(), c.ID)
	require.NoError(t, err)
	_, err = svc.Update(context.Background(), c.ID, UpdateInput{Title: &title})
	require.ErrorIs(t, err, shared.ErrStateConflict)
}

func TestTerminateNeedsReason(t *testing.T) {
	svc, _ := newContractService()
	c := draftContract(t, svc)
	_, err := svc.Activate(context.Background(), c.ID)
	require.NoError(t, err)

	_, err = svc.Terminate(context.Background(), c.ID, "bad")
	require.ErrorIs(t, err, shared.ErrValidation)

	terminated, err := svc.Terminate(context.Background(), c.ID, "vendor repeatedly missed delivery windows")
	require.NoError(t, err)
	require.Equal(t, StatusTerminated, terminated.Status)
	require.Equal(t, "vendor repeatedly missed delivery windows", terminated.TerminateReason)

	_, err = svc.Terminate(context.Background(), c.ID, "vendor repeatedly missed delivery windows")
	require.ErrorIs(t, err, shared.ErrStateConflict)
}

func TestVendorAllowedScoping(t *testing.T) {
	svc, _ := newContractService()
	c := draftContract(t, svc, 7, 9)

	// drafts admit nobody
	ok, err := svc.VendorAllowed(context.Background(), c.ID, 7)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = svc.Activate(context.Background(), c.ID)
	require.NoError(t, err)

	ok, err = svc.VendorAllowed(context.Background(), c.ID, 7)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = svc.VendorAllowed(context.Background(), c.ID, 42)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, svc.UnassignVendor(context.Background(), c.ID, 7))
	ok, err = svc.VendorAllowed(context.Background(), c.ID, 7)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVendorAllowedDeniedAfterTermination(t *testing.T) {
	svc, _ := newContractService()
	c := draftContract(t, svc, 7)
	_, err := svc.Activate(context.Background(), c.ID)
	require.NoError(t, err)
	_, err = svc.Terminate(context.Background(), c.ID, "supplier acquired by a competitor")
	require.NoError(t, err)

	ok, err := svc.VendorAllowed(context.Background(), c.ID, 7)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestExpireOverdueSweep(t *testing.T) {
	svc, repo := newContractService()
	c := draftContract(t, svc, 7)
	_, err := svc.Activate(context.Background(), c.ID)
	require.NoError(t, err)

	// force the window into the past
	repo.mu.Lock()
	current := repo.contracts[c.ID]
	current.EndDate = time.Now().AddDate(0, 0, -1)
	repo.contracts[c.ID] = current
	repo.mu.Unlock()

	expired, err := svc.ExpireOverdue(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, expired)

	got, _, err := svc.Get(context.Background(), c.ID)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, got.Status)

	ok, err := svc.VendorAllowed(context.Background(), c.ID, 7)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVendorListFrozenAfterExpiry(t *testing.T) {
	svc, repo := newContractService()
	c := draftContract(t, svc)
	_, err := svc.Activate(context.Background(), c.ID)
	require.NoError(t, err)

	repo.mu.Lock()
	current := repo.contracts[c.ID]
	current.Status = StatusExpired
	repo.contracts[c.ID] = current
	repo.mu.Unlock()

	err = svc.AssignVendor(context.Background(), c.ID, 7)
	require.ErrorIs(t, err, shared.ErrStateConflict)
}
