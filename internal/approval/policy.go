package approval

import "github.com/procura-erp/procura/internal/shared"

// Threshold maps an amount ceiling to the ordered approver roles required
// below it. MaxAmountCents of zero means no ceiling.
type Threshold struct {
	MaxAmountCents int64
	Roles          []string
}

// Policy is the amount-threshold table the resolver plans chains from.
type Policy struct {
	Thresholds []Threshold
}

// DefaultPolicy mirrors the standard procurement sign-off ladder.
func DefaultPolicy() Policy {
	return Policy{Thresholds: []Threshold{
		{MaxAmountCents: 25_000_00, Roles: []string{shared.RoleManager}},
		{MaxAmountCents: 100_000_00, Roles: []string{shared.RoleManager, shared.RoleFinanceHead}},
		{MaxAmountCents: 0, Roles: []string{shared.RoleManager, shared.RoleFinanceHead, shared.RoleAdmin}},
	}}
}

// PlanFor returns the ordered roles required for the amount, one per level.
func (p Policy) PlanFor(amountCents int64) []string {
	for _, th := range p.Thresholds {
		if th.MaxAmountCents == 0 || amountCents <= th.MaxAmountCents {
			return append([]string(nil), th.Roles...)
		}
	}
	if len(p.Thresholds) == 0 {
		return nil
	}
	last := p.Thresholds[len(p.Thresholds)-1]
	return append([]string(nil), last.Roles...)
}
