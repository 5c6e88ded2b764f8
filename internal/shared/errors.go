package shared

import "errors"

var (
	// ErrValidation indicates malformed input, rejected before any state change.
	ErrValidation = errors.New("validation failed")
	// ErrStateConflict indicates a transition invalid for the current status.
	ErrStateConflict = errors.New("state conflict")
	// ErrInsufficientBudget indicates a reservation would violate the ledger invariant.
	ErrInsufficientBudget = errors.New("insufficient budget")
	// ErrDeadlinePassed indicates an RFQ bid arrived after the deadline.
	ErrDeadlinePassed = errors.New("deadline passed")
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized indicates a role or ownership check failed.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrUpstreamUnavailable indicates an external collaborator is unreachable.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrInvalidCredentials indicates login failure.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// UserSafeMessage returns a message suitable for rendering to API callers.
func UserSafeMessage(err error) string {
	switch {
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrStateConflict),
		errors.Is(err, ErrInsufficientBudget),
		errors.Is(err, ErrDeadlinePassed),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrUnauthorized):
		return err.Error()
	default:
		return "internal error"
	}
}
