package periods

import (
	"fmt"
	"time"

	"github.com/easygst/easygst/internal/shared"
)

// PeriodType classifies the span a lock covers. It is informational; the
// enforced boundary is always the start/end date range.
type PeriodType string

const (
	PeriodMonthly   PeriodType = "MONTHLY"
	PeriodQuarterly PeriodType = "QUARTERLY"
	PeriodAnnual    PeriodType = "ANNUAL"
)

// Valid reports whether the period type is known.
func (t PeriodType) Valid() bool {
	switch t {
	case PeriodMonthly, PeriodQuarterly, PeriodAnnual:
		return true
	}
	return false
}

// PeriodLock freezes a date range against financial mutation. A lock is
// active until UnlockedAt is set; unlocking keeps the row for audit.
type PeriodLock struct {
	ID          int64
	TenantID    int64
	PeriodStart time.Time
	PeriodEnd   time.Time
	PeriodType  PeriodType
	Reason      string
	LockedBy    int64
	LockedAt    time.Time
	UnlockedAt  *time.Time
	UnlockedBy  *int64
}

// Active reports whether the lock still blocks writes.
func (l PeriodLock) Active() bool {
	return l.UnlockedAt == nil
}

// Covers reports whether the given date falls inside the lock range.
func (l PeriodLock) Covers(date time.Time) bool {
	d := date.Truncate(24 * time.Hour)
	return !d.Before(l.PeriodStart) && !d.After(l.PeriodEnd)
}

// LockInput requests a new period lock.
type LockInput struct {
	TenantID    int64
	PeriodStart time.Time
	PeriodEnd   time.Time
	PeriodType  PeriodType
	Reason      string
	ActorID     int64
}

// Validate ensures the requested range is coherent.
func (in LockInput) Validate() error {
	if in.TenantID == 0 {
		return fmt.Errorf("%w: tenant required", shared.ErrValidation)
	}
	if in.PeriodStart.IsZero() || in.PeriodEnd.IsZero() {
		return fmt.Errorf("%w: period start and end required", shared.ErrValidation)
	}
	if in.PeriodEnd.Before(in.PeriodStart) {
		return fmt.Errorf("%w: period end before start", shared.ErrValidation)
	}
	if !in.PeriodType.Valid() {
		return fmt.Errorf("%w: unknown period type %q", shared.ErrValidation, in.PeriodType)
	}
	if in.Reason == "" {
		return fmt.Errorf("%w: lock reason required", shared.ErrValidation)
	}
	return nil
}
