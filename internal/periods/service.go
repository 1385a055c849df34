package periods

import (
	"context"
	"fmt"
	"time"

	"github.com/easygst/easygst/internal/shared"
)

// AuditPort records lock lifecycle events.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service owns period lock lifecycle. Enforcement against documents and
// payments happens inside their own transactions; this service only creates
// and releases locks.
type Service struct {
	repo  Repository
	audit AuditPort
	now   func() time.Time
}

// NewService constructs a Service.
func NewService(repo Repository, audit AuditPort) *Service {
	return &Service{repo: repo, audit: audit, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Lock freezes a date range. Overlap with any active lock is rejected; the
// pre-check gives a clean error while the exclusion constraint backstops
// concurrent lockers.
func (s *Service) Lock(ctx context.Context, in LockInput) (PeriodLock, error) {
	if err := in.Validate(); err != nil {
		return PeriodLock{}, err
	}
	var lock PeriodLock
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		overlap, err := tx.OverlapExists(ctx, in.TenantID, in.PeriodStart, in.PeriodEnd)
		if err != nil {
			return err
		}
		if overlap {
			return fmt.Errorf("%w: %s to %s", shared.ErrOverlappingLock,
				in.PeriodStart.Format("2006-01-02"), in.PeriodEnd.Format("2006-01-02"))
		}
		lock, err = tx.Insert(ctx, PeriodLock{
			TenantID:    in.TenantID,
			PeriodStart: in.PeriodStart,
			PeriodEnd:   in.PeriodEnd,
			PeriodType:  in.PeriodType,
			Reason:      in.Reason,
			LockedBy:    in.ActorID,
			LockedAt:    s.now(),
		})
		return err
	})
	if err != nil {
		return PeriodLock{}, err
	}
	s.record(ctx, in.TenantID, in.ActorID, "period.lock", lock.ID, map[string]any{
		"start":  in.PeriodStart.Format("2006-01-02"),
		"end":    in.PeriodEnd.Format("2006-01-02"),
		"reason": in.Reason,
	})
	return lock, nil
}

// Unlock releases an active lock. The row survives with the unlock stamp so
// the lock history stays auditable.
func (s *Service) Unlock(ctx context.Context, tenantID, id, actorID int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		lock, err := tx.GetForUpdate(ctx, tenantID, id)
		if err != nil {
			return err
		}
		if !lock.Active() {
			return fmt.Errorf("%w: lock already released", shared.ErrInvalidTransition)
		}
		return tx.Unlock(ctx, tenantID, id, actorID, s.now())
	})
	if err != nil {
		return err
	}
	s.record(ctx, tenantID, actorID, "period.unlock", id, nil)
	return nil
}

// Get loads a single lock.
func (s *Service) Get(ctx context.Context, tenantID, id int64) (PeriodLock, error) {
	return s.repo.Get(ctx, tenantID, id)
}

// List returns locks, newest range first.
func (s *Service) List(ctx context.Context, tenantID int64, activeOnly bool) ([]PeriodLock, error) {
	return s.repo.List(ctx, tenantID, activeOnly)
}

// IsLocked reports whether the date falls in any active lock.
func (s *Service) IsLocked(ctx context.Context, tenantID int64, date time.Time) (bool, error) {
	return s.repo.IsLocked(ctx, tenantID, date)
}

func (s *Service) record(ctx context.Context, tenantID, actorID int64, action string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		TenantID: tenantID,
		ActorID:  actorID,
		Action:   action,
		Entity:   "period_lock",
		EntityID: fmt.Sprintf("%d", id),
		Meta:     meta,
		At:       s.now(),
	})
}
