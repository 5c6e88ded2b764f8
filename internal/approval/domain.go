package approval

import "time"

// Status enumerates approval row states.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusApproved    Status = "APPROVED"
	StatusRejected    Status = "REJECTED"
	StatusInvalidated Status = "INVALIDATED"
)

// Approval is one required level of an entity's approval chain. Immutable
// once decided; retraction invalidates rather than deletes.
type Approval struct {
	ID           int64
	EntityType   string
	EntityID     int64
	Level        int
	ApproverRole string
	Status       Status
	ApproverID   int64
	Comments     string
	DecidedAt    *time.Time
}

// Outcome summarises the state of a full chain.
type Outcome string

const (
	// OutcomePending means at least one in-order level is still undecided.
	OutcomePending Outcome = "PENDING"
	// OutcomeApproved means every level is approved.
	OutcomeApproved Outcome = "APPROVED"
	// OutcomeRejected means a rejection terminated the chain.
	OutcomeRejected Outcome = "REJECTED"
)

// ChainResult reports the chain state after recording or evaluating.
type ChainResult struct {
	Outcome      Outcome
	CurrentLevel int
	Approvals    []Approval
}
