package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/easygst/easygst/internal/ledger"
	"github.com/easygst/easygst/internal/sequence"
	"github.com/easygst/easygst/internal/shared"
)

// AuditPort records payment and allocation events.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service is the allocation engine. Every mutating operation runs in one
// transaction: the document row lock serializes concurrent writers, the
// period lock is re-checked under that same transaction, and either all
// effects commit or none do.
type Service struct {
	repo  Repository
	audit AuditPort
	idem  *shared.IdempotencyStore
	now   func() time.Time
}

// NewService constructs a Service. The idempotency store may be nil, in
// which case duplicate submission guarding is disabled.
func NewService(repo Repository, audit AuditPort, idem *shared.IdempotencyStore) *Service {
	return &Service{repo: repo, audit: audit, idem: idem, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Get loads a payment with its allocations.
func (s *Service) Get(ctx context.Context, tenantID, id int64) (Payment, error) {
	return s.repo.GetPayment(ctx, tenantID, id)
}

// ListUnallocated returns payments with remaining unallocated amount.
func (s *Service) ListUnallocated(ctx context.Context, tenantID, partyID int64) ([]Payment, error) {
	return s.repo.ListUnallocated(ctx, tenantID, partyID)
}

// RecordPayment applies a payment directly against one document. The signed
// adjustment (fee or discount) moves the balance in the same update as the
// payment amount.
func (s *Service) RecordPayment(ctx context.Context, in RecordPaymentInput) (Payment, ledger.Document, error) {
	if err := in.Validate(); err != nil {
		return Payment{}, ledger.Document{}, err
	}
	inserted := false
	if s.idem != nil && in.IdempotencyKey != "" {
		if err := s.idem.CheckAndInsert(ctx, in.IdempotencyKey, "payments"); err != nil {
			return Payment{}, ledger.Document{}, err
		}
		inserted = true
	}
	var (
		payment Payment
		doc     ledger.Document
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		doc, err = tx.GetDocumentForUpdate(ctx, in.TenantID, in.DocumentID)
		if err != nil {
			return err
		}
		for _, date := range []time.Time{doc.DocumentDate, in.PaymentDate} {
			locked, err := tx.ActiveLockExists(ctx, in.TenantID, date)
			if err != nil {
				return err
			}
			if locked {
				return fmt.Errorf("%w: %s falls in a locked period", shared.ErrPeriodLocked, date.Format("2006-01-02"))
			}
		}
		doc, err = ledger.ApplyPayment(doc, in.Amount.Add(in.Adjustment))
		if err != nil {
			return err
		}
		issued, err := tx.NextNumber(ctx, sequence.Key{
			TenantID: in.TenantID,
			DocType:  sequence.DocTypePayment,
			Year:     in.PaymentDate.Year(),
		})
		if err != nil {
			return err
		}
		payment, err = tx.InsertPayment(ctx, Payment{
			TenantID:        in.TenantID,
			Kind:            KindPayment,
			Number:          issued.Formatted,
			SequenceValue:   issued.Value,
			PartyID:         doc.PartyID,
			Currency:        doc.Currency,
			Amount:          in.Amount,
			AllocatedAmount: in.Amount,
			PaymentDate:     in.PaymentDate,
			Method:          in.Method,
			Note:            in.Note,
			RefID:           uuid.New(),
		})
		if err != nil {
			return err
		}
		alloc, err := tx.InsertAllocation(ctx, Allocation{
			PaymentID:  payment.ID,
			DocumentID: doc.ID,
			Amount:     in.Amount,
			Adjustment: in.Adjustment,
		})
		if err != nil {
			return err
		}
		payment.Allocations = []Allocation{alloc}
		return tx.UpdateDocumentBalance(ctx, doc)
	})
	if err != nil {
		if inserted {
			_ = s.idem.Delete(ctx, in.IdempotencyKey)
		}
		return Payment{}, ledger.Document{}, err
	}
	s.record(ctx, in.TenantID, in.ActorID, "payment.record", "payment", payment.ID, map[string]any{
		"number":   payment.Number,
		"document": in.DocumentID,
		"amount":   in.Amount.String(),
	})
	return payment, doc, nil
}

// RecordAdvance records a prepaid advance. It is not tied to a document and
// stays visible to Allocate until fully consumed.
func (s *Service) RecordAdvance(ctx context.Context, in RecordAdvanceInput) (Payment, error) {
	if err := in.Validate(); err != nil {
		return Payment{}, err
	}
	inserted := false
	if s.idem != nil && in.IdempotencyKey != "" {
		if err := s.idem.CheckAndInsert(ctx, in.IdempotencyKey, "payments"); err != nil {
			return Payment{}, err
		}
		inserted = true
	}
	var advance Payment
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		issued, err := tx.NextNumber(ctx, sequence.Key{
			TenantID: in.TenantID,
			DocType:  in.Kind.SequenceType(),
			Year:     in.PaymentDate.Year(),
		})
		if err != nil {
			return err
		}
		advance, err = tx.InsertPayment(ctx, Payment{
			TenantID:        in.TenantID,
			Kind:            in.Kind,
			Number:          issued.Formatted,
			SequenceValue:   issued.Value,
			PartyID:         in.PartyID,
			Currency:        in.Currency,
			Amount:          in.Amount,
			AllocatedAmount: decimal.Zero,
			PaymentDate:     in.PaymentDate,
			Method:          in.Method,
			Note:            in.Note,
			RefID:           uuid.New(),
		})
		return err
	})
	if err != nil {
		if inserted {
			_ = s.idem.Delete(ctx, in.IdempotencyKey)
		}
		return Payment{}, err
	}
	s.record(ctx, in.TenantID, in.ActorID, "advance.record", "payment", advance.ID, map[string]any{
		"number": advance.Number,
		"amount": in.Amount.String(),
	})
	return advance, nil
}

// Allocate applies a payment or advance across one or more outstanding
// documents. Preconditions are checked atomically under the source and
// target row locks; partial allocation across the batch is never visible.
func (s *Service) Allocate(ctx context.Context, in AllocateInput) ([]Allocation, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	var allocations []Allocation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		source, err := tx.GetPaymentForUpdate(ctx, in.TenantID, in.SourceID)
		if err != nil {
			return err
		}
		total := in.Sum()
		if total.GreaterThan(source.Unallocated()) {
			return fmt.Errorf("%w: %s requested, %s unallocated on %s",
				shared.ErrExceedsBalance, total, source.Unallocated(), source.Number)
		}
		allocations = allocations[:0]
		for _, target := range in.Targets {
			doc, err := tx.GetDocumentForUpdate(ctx, in.TenantID, target.DocumentID)
			if err != nil {
				return err
			}
			if doc.Currency != source.Currency {
				return fmt.Errorf("%w: document %s currency %s does not match source %s",
					shared.ErrValidation, doc.Number, doc.Currency, source.Currency)
			}
			locked, err := tx.ActiveLockExists(ctx, in.TenantID, doc.DocumentDate)
			if err != nil {
				return err
			}
			if locked {
				return fmt.Errorf("%w: document %s dated in a locked period", shared.ErrPeriodLocked, doc.Number)
			}
			doc, err = ledger.ApplyPayment(doc, target.Amount)
			if err != nil {
				return err
			}
			if err := tx.UpdateDocumentBalance(ctx, doc); err != nil {
				return err
			}
			alloc, err := tx.InsertAllocation(ctx, Allocation{
				PaymentID:  source.ID,
				DocumentID: doc.ID,
				Amount:     target.Amount,
			})
			if err != nil {
				return err
			}
			allocations = append(allocations, alloc)
		}
		return tx.UpdatePaymentAllocated(ctx, in.TenantID, source.ID, source.AllocatedAmount.Add(total))
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, in.TenantID, in.ActorID, "payment.allocate", "payment", in.SourceID, map[string]any{
		"targets": len(in.Targets),
		"total":   in.Sum().String(),
	})
	return allocations, nil
}

// ReverseAllocation deletes one allocation, restoring the document balance
// and the source's unallocated amount in the same transaction.
func (s *Service) ReverseAllocation(ctx context.Context, tenantID, allocationID, actorID int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		alloc, err := tx.GetAllocationForUpdate(ctx, tenantID, allocationID)
		if err != nil {
			return err
		}
		source, err := tx.GetPaymentForUpdate(ctx, tenantID, alloc.PaymentID)
		if err != nil {
			return err
		}
		return s.reverseOne(ctx, tx, tenantID, source, alloc)
	})
	if err != nil {
		return err
	}
	s.record(ctx, tenantID, actorID, "allocation.reverse", "allocation", allocationID, nil)
	return nil
}

// DeletePayment reverses every allocation of the payment and removes it.
// Refused while any affected document sits in a locked period.
func (s *Service) DeletePayment(ctx context.Context, tenantID, paymentID, actorID int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		source, err := tx.GetPaymentForUpdate(ctx, tenantID, paymentID)
		if err != nil {
			return err
		}
		allocs, err := tx.ListAllocations(ctx, paymentID)
		if err != nil {
			return err
		}
		for _, alloc := range allocs {
			source, err = s.reverseOneKeep(ctx, tx, tenantID, source, alloc)
			if err != nil {
				return err
			}
		}
		return tx.DeletePayment(ctx, tenantID, paymentID)
	})
	if err != nil {
		return err
	}
	s.record(ctx, tenantID, actorID, "payment.delete", "payment", paymentID, nil)
	return nil
}

// reverseOne undoes a single allocation and persists the updated source.
func (s *Service) reverseOne(ctx context.Context, tx TxRepository, tenantID int64, source Payment, alloc Allocation) error {
	updated, err := s.reverseOneKeep(ctx, tx, tenantID, source, alloc)
	if err != nil {
		return err
	}
	return tx.UpdatePaymentAllocated(ctx, tenantID, source.ID, updated.AllocatedAmount)
}

// reverseOneKeep undoes a single allocation and returns the source with its
// allocated amount decremented, leaving persistence of the source to the
// caller (DeletePayment removes the row instead).
func (s *Service) reverseOneKeep(ctx context.Context, tx TxRepository, tenantID int64, source Payment, alloc Allocation) (Payment, error) {
	doc, err := tx.GetDocumentForUpdate(ctx, tenantID, alloc.DocumentID)
	if err != nil {
		return Payment{}, err
	}
	locked, err := tx.ActiveLockExists(ctx, tenantID, doc.DocumentDate)
	if err != nil {
		return Payment{}, err
	}
	if locked {
		return Payment{}, fmt.Errorf("%w: document %s dated in a locked period", shared.ErrPeriodLocked, doc.Number)
	}
	doc, err = ledger.ReversePayment(doc, alloc.Delta())
	if err != nil {
		return Payment{}, err
	}
	if err := tx.UpdateDocumentBalance(ctx, doc); err != nil {
		return Payment{}, err
	}
	if err := tx.DeleteAllocation(ctx, alloc.ID); err != nil {
		return Payment{}, err
	}
	source.AllocatedAmount = source.AllocatedAmount.Sub(alloc.Amount)
	return source, nil
}

func (s *Service) record(ctx context.Context, tenantID, actorID int64, action, entity string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		TenantID: tenantID,
		ActorID:  actorID,
		Action:   action,
		Entity:   entity,
		EntityID: fmt.Sprintf("%d", entityID),
		Meta:     meta,
		At:       s.now(),
	})
}
