package gst

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/easygst/easygst/internal/periods"
	"github.com/easygst/easygst/internal/shared"
)

// AuditPort records return lifecycle events.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service owns GST return preparation and filing.
type Service struct {
	repo  Repository
	cache *Cache
	audit AuditPort
	now   func() time.Time
}

// NewService constructs a Service. Cache may be nil.
func NewService(repo Repository, cache *Cache, audit AuditPort) *Service {
	return &Service{repo: repo, cache: cache, audit: audit, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Prepare aggregates the period and persists a DRAFT return. The aggregation
// and the insert share one transaction so the draft reflects a consistent
// snapshot of the documents.
func (s *Service) Prepare(ctx context.Context, in PrepareInput) (GstReturn, error) {
	if err := in.Validate(); err != nil {
		return GstReturn{}, err
	}
	var ret GstReturn
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		lines, err := tx.Aggregate(ctx, in.TenantID, in.PeriodStart, in.PeriodEnd)
		if err != nil {
			return err
		}
		output, input := sumSides(lines)
		net, payable := netTotals(output, input)
		ret, err = tx.Insert(ctx, GstReturn{
			TenantID:      in.TenantID,
			PeriodStart:   in.PeriodStart,
			PeriodEnd:     in.PeriodEnd,
			ReturnType:    in.ReturnType,
			Status:        StatusDraft,
			OutputGst:     output,
			InputGst:      input,
			NetGstPayable: net,
			TotalPayable:  payable,
			RefID:         uuid.New(),
		})
		if err != nil {
			return err
		}
		if err := tx.InsertLines(ctx, ret.ID, lines); err != nil {
			return err
		}
		for i := range lines {
			lines[i].ReturnID = ret.ID
		}
		ret.Lines = lines
		return nil
	})
	if err != nil {
		return GstReturn{}, err
	}
	s.record(ctx, in.TenantID, in.ActorID, "gst.prepare", ret.ID, map[string]any{
		"start": in.PeriodStart.Format("2006-01-02"),
		"end":   in.PeriodEnd.Format("2006-01-02"),
		"net":   ret.NetGstPayable.String(),
	})
	return ret, nil
}

// File freezes a draft return. The totals are re-aggregated under the filing
// transaction, written as final, and the covering period lock is created in
// the same transaction; from commit on, no document in the period can move.
func (s *Service) File(ctx context.Context, tenantID, id, actorID int64) (GstReturn, error) {
	var ret GstReturn
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		ret, err = tx.GetForUpdate(ctx, tenantID, id)
		if err != nil {
			return err
		}
		if ret.Status != StatusDraft {
			return fmt.Errorf("%w: cannot file %s return", shared.ErrInvalidTransition, ret.Status)
		}
		lines, err := tx.Aggregate(ctx, tenantID, ret.PeriodStart, ret.PeriodEnd)
		if err != nil {
			return err
		}
		output, input := sumSides(lines)
		net, payable := netTotals(output, input)
		now := s.now()
		ret.Status = StatusFiled
		ret.OutputGst = output
		ret.InputGst = input
		ret.NetGstPayable = net
		ret.TotalPayable = payable
		ret.FiledAt = &now
		ret.FiledBy = &actorID
		if err := tx.MarkFiled(ctx, ret); err != nil {
			return err
		}
		return tx.InsertPeriodLock(ctx, periods.PeriodLock{
			TenantID:    tenantID,
			PeriodStart: ret.PeriodStart,
			PeriodEnd:   ret.PeriodEnd,
			PeriodType:  ret.ReturnType,
			Reason:      "GST return filed",
			LockedBy:    actorID,
			LockedAt:    now,
		})
	})
	if err != nil {
		return GstReturn{}, err
	}
	if s.cache != nil {
		_ = s.cache.Bump(ctx)
	}
	s.record(ctx, tenantID, actorID, "gst.file", id, map[string]any{
		"net":     ret.NetGstPayable.String(),
		"payable": ret.TotalPayable.String(),
	})
	return ret, nil
}

// Delete removes a draft return. Filed returns are immutable; amendment goes
// through explicit unlock and refile.
func (s *Service) Delete(ctx context.Context, tenantID, id, actorID int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		ret, err := tx.GetForUpdate(ctx, tenantID, id)
		if err != nil {
			return err
		}
		if ret.Status != StatusDraft {
			return fmt.Errorf("%w: cannot delete %s return", shared.ErrInvalidTransition, ret.Status)
		}
		return tx.Delete(ctx, tenantID, id)
	})
	if err != nil {
		return err
	}
	s.record(ctx, tenantID, actorID, "gst.delete", id, nil)
	return nil
}

// Get loads a return with its lines.
func (s *Service) Get(ctx context.Context, tenantID, id int64) (GstReturn, error) {
	return s.repo.Get(ctx, tenantID, id)
}

// List returns a tenant's returns, newest period first.
func (s *Service) List(ctx context.Context, tenantID int64) ([]GstReturn, error) {
	return s.repo.List(ctx, tenantID)
}

// LiveSummary computes the current GST position for an arbitrary period,
// served from the versioned cache when possible.
func (s *Service) LiveSummary(ctx context.Context, tenantID int64, start, end time.Time) (Summary, error) {
	if end.Before(start) {
		return Summary{}, fmt.Errorf("%w: period end before start", shared.ErrValidation)
	}
	key, err := s.cache.BuildKey(ctx, keySummary(tenantID, start, end)...)
	if err != nil {
		return Summary{}, err
	}
	var summary Summary
	err = s.cache.FetchJSON(ctx, key, &summary, func(ctx context.Context) (interface{}, error) {
		lines, err := s.repo.Aggregate(ctx, tenantID, start, end)
		if err != nil {
			return nil, err
		}
		output, input := sumSides(lines)
		net, _ := netTotals(output, input)
		return Summary{
			TenantID:      tenantID,
			PeriodStart:   start.Format("2006-01-02"),
			PeriodEnd:     end.Format("2006-01-02"),
			OutputGst:     output,
			InputGst:      input,
			NetGstPayable: net,
			Lines:         lines,
		}, nil
	})
	if err != nil {
		return Summary{}, err
	}
	return summary, nil
}

func sumSides(lines []ReturnLine) (output, input decimal.Decimal) {
	output, input = decimal.Zero, decimal.Zero
	for _, line := range lines {
		switch line.Side {
		case SideOutput:
			output = output.Add(line.TaxAmount)
		case SideInput:
			input = input.Add(line.TaxAmount)
		}
	}
	return output, input
}

func (s *Service) record(ctx context.Context, tenantID, actorID int64, action string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		TenantID: tenantID,
		ActorID:  actorID,
		Action:   action,
		Entity:   "gst_return",
		EntityID: fmt.Sprintf("%d", id),
		Meta:     meta,
		At:       s.now(),
	})
}
