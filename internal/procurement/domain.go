package procurement

import (
	"time"

	"github.com/google/uuid"
)

// PRStatus enumerates purchase request lifecycle states.
type PRStatus string

const (
	PRStatusDraft     PRStatus = "DRAFT"
	PRStatusPending   PRStatus = "PENDING"
	PRStatusApproved  PRStatus = "APPROVED"
	PRStatusRejected  PRStatus = "REJECTED"
	PRStatusCancelled PRStatus = "CANCELLED"
	PRStatusClosed    PRStatus = "CLOSED"
)

// EntityType is the approval-chain entity tag for purchase requests.
const EntityType = "PR"

// PurchaseRequest is an internal request to spend budget, owned by its
// requester until submitted and by the approval chain thereafter.
type PurchaseRequest struct {
	ID            int64
	Number        string
	RequesterID   int64
	DepartmentID  int64
	Status        PRStatus
	TotalCents    int64
	Justification string
	FiscalYear    int
	Quarter       int
	ReservationID *uuid.UUID
	POID          *int64
	RFQID         *int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeletedAt     *time.Time
}

// PRLine is one requested item.
type PRLine struct {
	ID             int64
	PRID           int64
	Description    string
	Quantity       int64
	UnitPriceCents int64
}

// TotalCents returns the line amount in minor units.
func (l PRLine) TotalCents() int64 {
	return l.Quantity * l.UnitPriceCents
}

// SumLines totals all lines in minor units.
func SumLines(lines []PRLine) int64 {
	var total int64
	for _, l := range lines {
		total += l.TotalCents()
	}
	return total
}
