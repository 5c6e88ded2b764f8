package contract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/procura-erp/procura/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	Create(ctx context.Context, c Contract, vendorIDs []int64) (Contract, error)
	Get(ctx context.Context, id int64) (Contract, []int64, error)
	List(ctx context.Context, limit, offset int, filters ListFilters) ([]Contract, int, error)
	UpdateDraft(ctx context.Context, c Contract) error
	Transition(ctx context.Context, id int64, from, to Status, reason string) error
	AssignVendor(ctx context.Context, contractID, vendorID int64) error
	UnassignVendor(ctx context.Context, contractID, vendorID int64) error
	VendorAssigned(ctx context.Context, contractID, vendorID int64) (bool, error)
	ListOverdueActive(ctx context.Context, now time.Time) ([]int64, error)
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ServiceConfig carries contract policy knobs.
type ServiceConfig struct {
	MinReasonLen int
}

// Service manages master agreement lifecycle and vendor scoping.
type Service struct {
	repo  RepositoryPort
	audit AuditPort
	cfg   ServiceConfig
}

// NewService constructs the contract service.
func NewService(repo RepositoryPort, audit AuditPort, cfg ServiceConfig) *Service {
	if cfg.MinReasonLen <= 0 {
		cfg.MinReasonLen = 10
	}
	return &Service{repo: repo, audit: audit, cfg: cfg}
}

// ListFilters narrows contract listings.
type ListFilters struct {
	Status   Status
	VendorID int64
}

// CreateInput describes a new draft contract.
type CreateInput struct {
	Number    string
	Title     string
	StartDate time.Time
	EndDate   time.Time
	Terms     string
	VendorIDs []int64
}

// Create opens a draft agreement. Vendors can be assigned up front or
// later while the contract is still amendable.
func (s *Service) Create(ctx context.Context, input CreateInput) (Contract, error) {
	if strings.TrimSpace(input.Title) == "" {
		return Contract{}, fmt.Errorf("contract: title required: %w", shared.ErrValidation)
	}
	if !input.EndDate.After(input.StartDate) {
		return Contract{}, fmt.Errorf("contract: end date must follow start date: %w", shared.ErrValidation)
	}
	c := Contract{
		Number:    input.Number,
		Title:     input.Title,
		Status:    StatusDraft,
		StartDate: input.StartDate,
		EndDate:   input.EndDate,
		Terms:     input.Terms,
	}
	if c.Number == "" {
		c.Number = fmt.Sprintf("CT-%d", time.Now().UnixNano())
	}
	created, err := s.repo.Create(ctx, c, input.VendorIDs)
	if err != nil {
		return Contract{}, err
	}
	s.recordAudit(ctx, "CONTRACT_CREATE", created.ID, map[string]any{"number": created.Number})
	return created, nil
}

// UpdateInput amends a draft contract.
type UpdateInput struct {
	Title     *string
	StartDate *time.Time
	EndDate   *time.Time
	Terms     *string
}

// Update amends a contract while still in DRAFT.
func (s *Service) Update(ctx context.Context, id int64, input UpdateInput) (Contract, error) {
	c, _, err := s.repo.Get(ctx, id)
	if err != nil {
		return Contract{}, err
	}
	if c.Status != StatusDraft {
		return Contract{}, fmt.Errorf("contract: contract %d is %s, only drafts can be amended: %w", id, c.Status, shared.ErrStateConflict)
	}
	if input.Title != nil {
		c.Title = *input.Title
	}
	if input.StartDate != nil {
		c.StartDate = *input.StartDate
	}
	if input.EndDate != nil {
		c.EndDate = *input.EndDate
	}
	if input.Terms != nil {
		c.Terms = *input.Terms
	}
	if !c.EndDate.After(c.StartDate) {
		return Contract{}, fmt.Errorf("contract: end date must follow start date: %w", shared.ErrValidation)
	}
	if err := s.repo.UpdateDraft(ctx, c); err != nil {
		return Contract{}, err
	}
	updated, _, err := s.repo.Get(ctx, id)
	return updated, err
}

// Activate puts a draft agreement into force. The validity window must
// not already be over.
func (s *Service) Activate(ctx context.Context, id int64) (Contract, error) {
	c, _, err := s.repo.Get(ctx, id)
	if err != nil {
		return Contract{}, err
	}
	if c.Status != StatusDraft {
		return Contract{}, fmt.Errorf("contract: contract %d is %s, cannot activate: %w", id, c.Status, shared.ErrStateConflict)
	}
	if time.Now().After(c.EndDate) {
		return Contract{}, fmt.Errorf("contract: validity window ended %s: %w", c.EndDate.Format("2006-01-02"), shared.ErrValidation)
	}
	if err := s.repo.Transition(ctx, id, StatusDraft, StatusActive, ""); err != nil {
		return Contract{}, err
	}
	s.recordAudit(ctx, "CONTRACT_ACTIVATE", id, nil)
	activated, _, err := s.repo.Get(ctx, id)
	return activated, err
}

// Terminate ends an active agreement early. The reason is mandatory and
// audited.
func (s *Service) Terminate(ctx context.Context, id int64, reason string) (Contract, error) {
	if len(strings.TrimSpace(reason)) < s.cfg.MinReasonLen {
		return Contract{}, fmt.Errorf("contract: termination reason of at least %d characters required: %w", s.cfg.MinReasonLen, shared.ErrValidation)
	}
	c, _, err := s.repo.Get(ctx, id)
	if err != nil {
		return Contract{}, err
	}
	if c.Status != StatusActive {
		return Contract{}, fmt.Errorf("contract: contract %d is %s, cannot terminate: %w", id, c.Status, shared.ErrStateConflict)
	}
	if err := s.repo.Transition(ctx, id, StatusActive, StatusTerminated, reason); err != nil {
		return Contract{}, err
	}
	s.recordAudit(ctx, "CONTRACT_TERMINATE", id, map[string]any{"reason": reason})
	terminated, _, err := s.repo.Get(ctx, id)
	return terminated, err
}

// ExpireOverdue sweeps active contracts whose end date has passed.
// Called from the scheduler.
func (s *Service) ExpireOverdue(ctx context.Context) (int, error) {
	ids, err := s.repo.ListOverdueActive(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, id := range ids {
		if err := s.repo.Transition(ctx, id, StatusActive, StatusExpired, ""); err != nil {
			continue
		}
		expired++
		s.recordAudit(ctx, "CONTRACT_EXPIRE", id, nil)
	}
	return expired, nil
}

// AssignVendor adds a vendor to the agreement's allowed list.
func (s *Service) AssignVendor(ctx context.Context, id, vendorID int64) error {
	c, _, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if c.Status != StatusDraft && c.Status != StatusActive {
		return fmt.Errorf("contract: contract %d is %s, vendor list is frozen: %w", id, c.Status, shared.ErrStateConflict)
	}
	if err := s.repo.AssignVendor(ctx, id, vendorID); err != nil {
		return err
	}
	s.recordAudit(ctx, "CONTRACT_ASSIGN_VENDOR", id, map[string]any{"vendor_id": vendorID})
	return nil
}

// UnassignVendor removes a vendor from the agreement's allowed list.
func (s *Service) UnassignVendor(ctx context.Context, id, vendorID int64) error {
	c, _, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if c.Status != StatusDraft && c.Status != StatusActive {
		return fmt.Errorf("contract: contract %d is %s, vendor list is frozen: %w", id, c.Status, shared.ErrStateConflict)
	}
	if err := s.repo.UnassignVendor(ctx, id, vendorID); err != nil {
		return err
	}
	s.recordAudit(ctx, "CONTRACT_UNASSIGN_VENDOR", id, map[string]any{"vendor_id": vendorID})
	return nil
}

// VendorAllowed reports whether the vendor may act under the contract:
// the contract must be in force and the vendor on its assigned list.
// Implements the vendor scoping port of the RFQ and order modules.
func (s *Service) VendorAllowed(ctx context.Context, contractID, vendorID int64) (bool, error) {
	c, _, err := s.repo.Get(ctx, contractID)
	if err != nil {
		return false, err
	}
	if !c.Active(time.Now()) {
		return false, nil
	}
	return s.repo.VendorAssigned(ctx, contractID, vendorID)
}

// Get fetches one contract with its assigned vendor ids.
func (s *Service) Get(ctx context.Context, id int64) (Contract, []int64, error) {
	return s.repo.Get(ctx, id)
}

// List returns contracts with pagination.
func (s *Service) List(ctx context.Context, limit, offset int, filters ListFilters) ([]Contract, int, error) {
	return s.repo.List(ctx, limit, offset, filters)
}

func (s *Service) recordAudit(ctx context.Context, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	var actorID int64
	if actor := shared.ActorFromContext(ctx); actor != nil {
		actorID = actor.UserID
	}
	_ = s.audit.Record(ctx, shared.AuditLog{ActorID: actorID, Action: action, Entity: "contract", EntityID: fmt.Sprintf("%d", entityID), Meta: meta})
}
