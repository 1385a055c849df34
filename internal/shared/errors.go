package shared

import "errors"

// Error kinds surfaced by the ledger core. Every rejected operation maps to
// exactly one of these; callers branch with errors.Is.
var (
	// ErrNotFound indicates a referenced document, payment, lock or return is missing.
	ErrNotFound = errors.New("resource not found")
	// ErrExceedsBalance indicates a payment or allocation would overdraw a
	// document's outstanding balance or a payment's unallocated amount.
	ErrExceedsBalance = errors.New("amount exceeds outstanding balance")
	// ErrPeriodLocked indicates the mutation's effective date falls inside an active period lock.
	ErrPeriodLocked = errors.New("period is locked")
	// ErrOverlappingLock indicates a new lock collides with an existing active lock.
	ErrOverlappingLock = errors.New("lock overlaps an existing period lock")
	// ErrInvalidTransition indicates a lifecycle action not permitted from the current status.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrConcurrencyConflict indicates the transaction could not be serialized
	// after the retry budget was exhausted.
	ErrConcurrencyConflict = errors.New("transaction conflict")
	// ErrValidation indicates malformed or incoherent input.
	ErrValidation = errors.New("validation failed")
)
