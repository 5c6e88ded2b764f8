package vendors

import (
	"context"
	"fmt"
	"strings"

	"github.com/procura-erp/procura/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	List(ctx context.Context, limit, offset int, filters ListFilters) ([]Vendor, int, error)
	Get(ctx context.Context, id int64) (Vendor, error)
	Create(ctx context.Context, v Vendor) (Vendor, error)
	Update(ctx context.Context, v Vendor) error
	SetActive(ctx context.Context, id int64, active bool) error
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service manages vendor master data.
type Service struct {
	repo  RepositoryPort
	audit AuditPort
}

// NewService constructs the vendor service.
func NewService(repo RepositoryPort, audit AuditPort) *Service {
	return &Service{repo: repo, audit: audit}
}

// ListFilters narrows vendor listings.
type ListFilters struct {
	Search     string
	ActiveOnly bool
}

// List returns vendors with pagination.
func (s *Service) List(ctx context.Context, limit, offset int, filters ListFilters) ([]Vendor, int, error) {
	return s.repo.List(ctx, limit, offset, filters)
}

// Get fetches one vendor.
func (s *Service) Get(ctx context.Context, id int64) (Vendor, error) {
	return s.repo.Get(ctx, id)
}

// CreateInput describes a new vendor record.
type CreateInput struct {
	Code         string
	Name         string
	ContactEmail string
	Phone        string
	Address      string
}

// Create registers a vendor. New vendors start active.
func (s *Service) Create(ctx context.Context, input CreateInput) (Vendor, error) {
	if strings.TrimSpace(input.Code) == "" || strings.TrimSpace(input.Name) == "" {
		return Vendor{}, fmt.Errorf("vendors: code and name required: %w", shared.ErrValidation)
	}
	v, err := s.repo.Create(ctx, Vendor{
		Code:         input.Code,
		Name:         input.Name,
		ContactEmail: input.ContactEmail,
		Phone:        input.Phone,
		Address:      input.Address,
		Active:       true,
	})
	if err != nil {
		return Vendor{}, err
	}
	s.recordAudit(ctx, "VENDOR_CREATE", v.ID, map[string]any{"code": v.Code})
	return v, nil
}

// UpdateInput amends vendor contact details.
type UpdateInput struct {
	Name         *string
	ContactEmail *string
	Phone        *string
	Address      *string
}

// Update amends the vendor record. The code is immutable.
func (s *Service) Update(ctx context.Context, id int64, input UpdateInput) (Vendor, error) {
	v, err := s.repo.Get(ctx, id)
	if err != nil {
		return Vendor{}, err
	}
	if input.Name != nil {
		if strings.TrimSpace(*input.Name) == "" {
			return Vendor{}, fmt.Errorf("vendors: name required: %w", shared.ErrValidation)
		}
		v.Name = *input.Name
	}
	if input.ContactEmail != nil {
		v.ContactEmail = *input.ContactEmail
	}
	if input.Phone != nil {
		v.Phone = *input.Phone
	}
	if input.Address != nil {
		v.Address = *input.Address
	}
	if err := s.repo.Update(ctx, v); err != nil {
		return Vendor{}, err
	}
	return s.repo.Get(ctx, id)
}

// Deactivate retires a vendor from new sourcing. Existing POs and
// invoices continue to settle.
func (s *Service) Deactivate(ctx context.Context, id int64) error {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return err
	}
	if err := s.repo.SetActive(ctx, id, false); err != nil {
		return err
	}
	s.recordAudit(ctx, "VENDOR_DEACTIVATE", id, nil)
	return nil
}

// Reactivate restores a retired vendor.
func (s *Service) Reactivate(ctx context.Context, id int64) error {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return err
	}
	if err := s.repo.SetActive(ctx, id, true); err != nil {
		return err
	}
	s.recordAudit(ctx, "VENDOR_REACTIVATE", id, nil)
	return nil
}

func (s *Service) recordAudit(ctx context.Context, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	var actorID int64
	if actor := shared.ActorFromContext(ctx); actor != nil {
		actorID = actor.UserID
	}
	_ = s.audit.Record(ctx, shared.AuditLog{ActorID: actorID, Action: action, Entity: "vendor", EntityID: fmt.Sprintf("%d", entityID), Meta: meta})
}
