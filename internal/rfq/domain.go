package rfq

import "time"

// Status enumerates RFQ lifecycle states.
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusOpen      Status = "OPEN"
	StatusClosed    Status = "CLOSED"
	StatusAwarded   Status = "AWARDED"
	StatusCancelled Status = "CANCELLED"
)

// RFQ solicits vendor bids for a purchase request's requirements. Bids
// are accepted while OPEN and before the deadline; after closing they
// are immutable and visible for award.
type RFQ struct {
	ID           int64
	Number       string
	PRID         *int64
	ContractID   *int64
	Status       Status
	Deadline     time.Time
	AwardedBidID *int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Line is one solicited item.
type Line struct {
	ID          int64
	RFQID       int64
	Description string
	Quantity    int64
}

// Bid is a vendor's quotation. At most one active bid per vendor per
// RFQ; resubmission replaces the prior bid.
type Bid struct {
	ID           int64
	RFQID        int64
	VendorID     int64
	TotalCents   int64
	DeliveryDays int
	Note         string
	SubmittedAt  time.Time
}
