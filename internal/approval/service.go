package approval

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/procura-erp/procura/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListByEntity(ctx context.Context, entityType string, entityID int64) ([]Approval, error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	ListByEntityForUpdate(ctx context.Context, entityType string, entityID int64) ([]Approval, error)
	InsertApproval(ctx context.Context, a Approval) (int64, error)
	Decide(ctx context.Context, id int64, status Status, approverID int64, comments string, decidedAt time.Time) error
	InvalidatePending(ctx context.Context, entityType string, entityID int64) error
}

// Service plans and evaluates approval chains.
type Service struct {
	repo   RepositoryPort
	policy Policy
}

// NewService constructs the resolver.
func NewService(repo RepositoryPort, policy Policy) *Service {
	if len(policy.Thresholds) == 0 {
		policy = DefaultPolicy()
	}
	return &Service{repo: repo, policy: policy}
}

// CreatePlan produces the ordered level 1..N plan for the entity. Any
// previous chain rows for the entity are invalidated first, so
// resubmission restarts from level 1.
func (s *Service) CreatePlan(ctx context.Context, entityType string, entityID int64, amountCents int64) ([]Approval, error) {
	roles := s.policy.PlanFor(amountCents)
	if len(roles) == 0 {
		return nil, fmt.Errorf("approval: no policy for amount %d: %w", amountCents, shared.ErrValidation)
	}
	plan := make([]Approval, 0, len(roles))
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.InvalidatePending(ctx, entityType, entityID); err != nil {
			return err
		}
		for i, role := range roles {
			a := Approval{
				EntityType:   entityType,
				EntityID:     entityID,
				Level:        i + 1,
				ApproverRole: role,
				Status:       StatusPending,
			}
			id, err := tx.InsertApproval(ctx, a)
			if err != nil {
				return err
			}
			a.ID = id
			plan = append(plan, a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return plan, nil
}

// RecordInput describes an approval decision.
type RecordInput struct {
	EntityType string
	EntityID   int64
	ApproverID int64
	Roles      []string
	Approve    bool
	Comments   string
}

// Record applies one decision to the chain and returns the resulting chain
// state. The decision lands on the lowest pending level whose role the
// approver holds; decisions on later levels are stored for audit but do
// not advance the chain past an undecided earlier level. Recording is
// idempotent per (entity, level, approver).
func (s *Service) Record(ctx context.Context, input RecordInput) (ChainResult, error) {
	var result ChainResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		chain, err := tx.ListByEntityForUpdate(ctx, input.EntityType, input.EntityID)
		if err != nil {
			return err
		}
		active := activeChain(chain)
		if len(active) == 0 {
			return fmt.Errorf("approval: no open chain for %s %d: %w", input.EntityType, input.EntityID, shared.ErrStateConflict)
		}

		target := -1
		for i, a := range active {
			if a.Status != StatusPending {
				continue
			}
			if !holdsRole(input.Roles, a.ApproverRole) {
				continue
			}
			target = i
			break
		}
		if target < 0 {
			// Replay of an already recorded decision by the same approver
			// is accepted without a second transition.
			for _, a := range active {
				if a.ApproverID == input.ApproverID && a.Status != StatusPending {
					result = evaluateChain(active)
					return nil
				}
			}
			return fmt.Errorf("approval: no pending level for roles: %w", shared.ErrUnauthorized)
		}

		decided := active[target]
		status := StatusApproved
		if !input.Approve {
			status = StatusRejected
		}
		now := time.Now()
		if err := tx.Decide(ctx, decided.ID, status, input.ApproverID, input.Comments, now); err != nil {
			return err
		}
		decided.Status = status
		decided.ApproverID = input.ApproverID
		decided.Comments = input.Comments
		decided.DecidedAt = &now
		active[target] = decided

		if status == StatusRejected {
			if err := tx.InvalidatePending(ctx, input.EntityType, input.EntityID); err != nil {
				return err
			}
			for i := range active {
				if active[i].Status == StatusPending {
					active[i].Status = StatusInvalidated
				}
			}
		}
		result = evaluateChain(active)
		return nil
	})
	if err != nil {
		return ChainResult{}, err
	}
	return result, nil
}

// Evaluate reports the current chain state without mutating it.
func (s *Service) Evaluate(ctx context.Context, entityType string, entityID int64) (ChainResult, error) {
	chain, err := s.repo.ListByEntity(ctx, entityType, entityID)
	if err != nil {
		return ChainResult{}, err
	}
	active := activeChain(chain)
	if len(active) == 0 {
		return ChainResult{}, fmt.Errorf("approval: no chain for %s %d: %w", entityType, entityID, shared.ErrNotFound)
	}
	return evaluateChain(active), nil
}

// Invalidate voids all pending rows of the entity's chain, e.g. when the
// request is retracted. Decided rows stay for audit.
func (s *Service) Invalidate(ctx context.Context, entityType string, entityID int64) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.InvalidatePending(ctx, entityType, entityID)
	})
}

// ListByEntity returns the full decision history for audit views.
func (s *Service) ListByEntity(ctx context.Context, entityType string, entityID int64) ([]Approval, error) {
	return s.repo.ListByEntity(ctx, entityType, entityID)
}

// activeChain isolates the most recent submission's chain: rows from the
// last level-1 row onward, minus invalidated ones, ordered by level. Rows
// of earlier submissions stay behind as audit history.
func activeChain(chain []Approval) []Approval {
	start := -1
	for i, a := range chain {
		if a.Level == 1 {
			start = i
		}
	}
	if start < 0 {
		return nil
	}
	var active []Approval
	for _, a := range chain[start:] {
		if a.Status == StatusInvalidated {
			continue
		}
		active = append(active, a)
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Level < active[j].Level })
	return active
}

// evaluateChain walks levels strictly in order: the chain only advances
// past a level once it and every level before it are approved.
func evaluateChain(active []Approval) ChainResult {
	result := ChainResult{Approvals: active}
	for _, a := range active {
		if a.Status == StatusRejected {
			result.Outcome = OutcomeRejected
			result.CurrentLevel = a.Level
			return result
		}
	}
	for _, a := range active {
		if a.Status != StatusApproved {
			result.Outcome = OutcomePending
			result.CurrentLevel = a.Level
			return result
		}
	}
	result.Outcome = OutcomeApproved
	if n := len(active); n > 0 {
		result.CurrentLevel = active[n-1].Level
	}
	return result
}

func holdsRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
