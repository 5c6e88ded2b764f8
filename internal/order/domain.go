package order

import (
	"time"

	"github.com/google/uuid"
)

// POStatus enumerates purchase order lifecycle states.
type POStatus string

const (
	POStatusDraft             POStatus = "DRAFT"
	POStatusIssued            POStatus = "ISSUED"
	POStatusAcknowledged      POStatus = "ACKNOWLEDGED"
	POStatusPartiallyReceived POStatus = "PARTIALLY_RECEIVED"
	POStatusFullyReceived     POStatus = "FULLY_RECEIVED"
	POStatusFulfilled         POStatus = "FULFILLED"
	POStatusCancelled         POStatus = "CANCELLED"
	POStatusClosed            POStatus = "CLOSED"
)

// PurchaseOrder is a binding order issued to a vendor, created from an
// approved purchase request or an awarded RFQ bid. Line quantities only
// ever accrue receipts, never decrease.
type PurchaseOrder struct {
	ID                   int64
	Number               string
	PRID                 *int64
	RFQID                *int64
	VendorID             int64
	ContractID           *int64
	Status               POStatus
	TotalCents           int64
	ReservationID        *uuid.UUID
	IssuedAt             *time.Time
	ExpectedDeliveryDate *time.Time
	CancelReason         string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// POLine is one ordered item with its cumulative received quantity.
type POLine struct {
	ID               int64
	POID             int64
	Description      string
	Quantity         int64
	UnitPriceCents   int64
	ReceivedQuantity int64
}

// Remaining returns the undelivered quantity.
func (l POLine) Remaining() int64 {
	return l.Quantity - l.ReceivedQuantity
}

// Receipt records one goods delivery against a purchase order. Append-only.
type Receipt struct {
	ID         int64
	POID       int64
	ReceivedBy int64
	Note       string
	Lines      []ReceiptLine
	CreatedAt  time.Time
}

// ReceiptLine is one delivered quantity against a PO line.
type ReceiptLine struct {
	ID        int64
	ReceiptID int64
	POLineID  int64
	Quantity  int64
	Condition string
}

func allReceived(lines []POLine) bool {
	for _, l := range lines {
		if l.ReceivedQuantity < l.Quantity {
			return false
		}
	}
	return len(lines) > 0
}
