package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/procura-erp/procura/internal/shared"
)

// SpendRow is one aggregated spend bucket.
type SpendRow struct {
	Key            string `json:"key"`
	Label          string `json:"label,omitempty"`
	CommittedCents int64  `json:"committed_cents"`
	PaidCents      int64  `json:"paid_cents"`
	OrderCount     int64  `json:"order_count"`
}

// Summary is the headline procurement dashboard payload.
type Summary struct {
	FiscalYear           int   `json:"fiscal_year"`
	OpenRequests         int64 `json:"open_requests"`
	OrdersInFlight       int64 `json:"orders_in_flight"`
	InvoicesInMatch      int64 `json:"invoices_in_match"`
	InvoiceExceptions    int64 `json:"invoice_exceptions"`
	CommittedCents       int64 `json:"committed_cents"`
	PaidCents            int64 `json:"paid_cents"`
	BudgetAllocatedCents int64 `json:"budget_allocated_cents"`
}

// Repository exposes the aggregate queries the dashboards rely on.
type Repository interface {
	SpendByDepartment(ctx context.Context, fiscalYear int) ([]SpendRow, error)
	SpendByVendor(ctx context.Context, fiscalYear int) ([]SpendRow, error)
	SpendByQuarter(ctx context.Context, fiscalYear int) ([]SpendRow, error)
	Summary(ctx context.Context, fiscalYear int) (Summary, error)
}

// Service coordinates analytics query execution with the cache layer.
type Service struct {
	repo  Repository
	cache *Cache
}

// NewService wires a Repository with a Cache helper.
func NewService(repo Repository, cache *Cache) *Service {
	return &Service{repo: repo, cache: cache}
}

// Spend groupings accepted by the spend endpoint.
const (
	GroupByDepartment = "department"
	GroupByVendor     = "vendor"
	GroupByQuarter    = "quarter"
)

// Spend returns aggregated spend for the fiscal year, grouped as
// requested. Results are served from the versioned cache.
func (s *Service) Spend(ctx context.Context, groupBy string, fiscalYear int) ([]SpendRow, error) {
	if fiscalYear <= 0 {
		fiscalYear = time.Now().Year()
	}
	var loader func(context.Context) (interface{}, error)
	switch groupBy {
	case GroupByDepartment:
		loader = func(ctx context.Context) (interface{}, error) { return s.repo.SpendByDepartment(ctx, fiscalYear) }
	case GroupByVendor:
		loader = func(ctx context.Context) (interface{}, error) { return s.repo.SpendByVendor(ctx, fiscalYear) }
	case GroupByQuarter:
		loader = func(ctx context.Context) (interface{}, error) { return s.repo.SpendByQuarter(ctx, fiscalYear) }
	default:
		return nil, fmt.Errorf("analytics: unknown grouping %q: %w", groupBy, shared.ErrValidation)
	}

	key, err := s.cache.BuildKey(ctx, keySpend(groupBy, fiscalYear))
	if err != nil {
		return nil, err
	}
	var rows []SpendRow
	if err := s.cache.FetchJSON(ctx, key, &rows, loader); err != nil {
		return nil, err
	}
	return rows, nil
}

// Dashboard returns the headline summary for the fiscal year.
func (s *Service) Dashboard(ctx context.Context, fiscalYear int) (Summary, error) {
	if fiscalYear <= 0 {
		fiscalYear = time.Now().Year()
	}
	key, err := s.cache.BuildKey(ctx, keySummary(fiscalYear))
	if err != nil {
		return Summary{}, err
	}
	var summary Summary
	err = s.cache.FetchJSON(ctx, key, &summary, func(ctx context.Context) (interface{}, error) {
		return s.repo.Summary(ctx, fiscalYear)
	})
	return summary, err
}

// Invalidate bumps the cache version after writes that change spend.
func (s *Service) Invalidate(ctx context.Context) error {
	return s.cache.Bump(ctx)
}
