package vendors

import "time"

// Vendor is a supplier master data record. Inactive vendors keep their
// history but cannot receive new RFQs or purchase orders.
type Vendor struct {
	ID           int64
	Code         string
	Name         string
	ContactEmail string
	Phone        string
	Address      string
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
