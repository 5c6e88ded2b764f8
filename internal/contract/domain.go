package contract

import "time"

// Status is the contract lifecycle state.
type Status string

const (
	StatusDraft      Status = "DRAFT"
	StatusActive     Status = "ACTIVE"
	StatusExpired    Status = "EXPIRED"
	StatusTerminated Status = "TERMINATED"
)

// Contract is a master agreement with one or more assigned vendors.
// RFQs and purchase orders that reference a contract only accept the
// contract's vendors.
type Contract struct {
	ID              int64
	Number          string
	Title           string
	Status          Status
	StartDate       time.Time
	EndDate         time.Time
	Terms           string
	TerminateReason string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Active reports whether the contract currently admits vendors.
func (c Contract) Active(now time.Time) bool {
	if c.Status != StatusActive {
		return false
	}
	if now.Before(c.StartDate) {
		return false
	}
	return !now.After(c.EndDate)
}
