package budget

import (
	"time"

	"github.com/google/uuid"
)

// Policy controls whether a budget may be reserved past its total.
type Policy string

const (
	// PolicyHard enforces spent + reserved <= total on every reservation.
	PolicyHard Policy = "HARD"
	// PolicySoft allows controlled overruns; utilization may pass 100%.
	PolicySoft Policy = "SOFT"
)

// ReservationStatus enumerates reservation lifecycle states.
type ReservationStatus string

const (
	ReservationOpen      ReservationStatus = "OPEN"
	ReservationReleased  ReservationStatus = "RELEASED"
	ReservationCommitted ReservationStatus = "COMMITTED"
)

// Budget tracks per-department, per-fiscal-period totals. Amounts are
// integer minor units. Never deleted, only superseded by a new period.
type Budget struct {
	ID            int64
	DepartmentID  int64
	FiscalYear    int
	Quarter       int
	TotalCents    int64
	SpentCents    int64
	ReservedCents int64
	Currency      string
	Policy        Policy
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AvailableCents returns the unreserved, unspent remainder.
func (b Budget) AvailableCents() int64 {
	return b.TotalCents - b.SpentCents - b.ReservedCents
}

// UtilizationPct returns spent+reserved over total in percent. May exceed
// 100 under the SOFT policy.
func (b Budget) UtilizationPct() float64 {
	if b.TotalCents == 0 {
		return 0
	}
	return float64(b.SpentCents+b.ReservedCents) / float64(b.TotalCents) * 100
}

// PeriodOf maps a point in time to the fiscal year and quarter it
// falls in. Fiscal periods follow the calendar year.
func PeriodOf(t time.Time) (year, quarter int) {
	return t.Year(), (int(t.Month())-1)/3 + 1
}

// Reservation is a hold against a budget, created at PR approval and later
// committed to realized spend or released.
type Reservation struct {
	ID          uuid.UUID
	BudgetID    int64
	RefType     string
	RefID       int64
	AmountCents int64
	FinalCents  int64
	Status      ReservationStatus
	CreatedAt   time.Time
	ClosedAt    *time.Time
}
