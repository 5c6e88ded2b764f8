package invoice

import (
	"time"

	"github.com/google/uuid"

	"github.com/procura-erp/procura/internal/docintel"
)

// Status enumerates invoice lifecycle states.
type Status string

const (
	StatusUploaded  Status = "UPLOADED"
	StatusMatched   Status = "MATCHED"
	StatusException Status = "EXCEPTION"
	StatusDisputed  Status = "DISPUTED"
	StatusApproved  Status = "APPROVED"
	StatusPaid      Status = "PAID"
	StatusRejected  Status = "REJECTED"
)

// MatchStatus tracks the three-way match outcome independently of the
// lifecycle state, so an override leaves the original verdict visible.
type MatchStatus string

const (
	MatchPending   MatchStatus = "PENDING"
	MatchPassed    MatchStatus = "MATCHED"
	MatchException MatchStatus = "EXCEPTION"
)

// MatchExceptionDetail is one structured three-way-match mismatch.
type MatchExceptionDetail struct {
	Field    string `json:"field"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// Invoice is a vendor bill raised against a purchase order. OCR fields
// and the match verdict arrive asynchronously after upload.
type Invoice struct {
	ID                int64
	Number            string
	POID              int64
	VendorID          int64
	Status            Status
	TotalCents        int64
	DocumentRef       string
	OCRData           *docintel.Result
	MatchStatus       MatchStatus
	MatchExceptions   []MatchExceptionDetail
	ExtractionAttempt *uuid.UUID
	DisputeReason     string
	OverrideReason    string
	ApprovedPaymentAt *time.Time
	PaidAt            *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Line is one billed item, populated from the extraction result.
type Line struct {
	ID             int64
	InvoiceID      int64
	Description    string
	Quantity       int64
	UnitPriceCents int64
}
