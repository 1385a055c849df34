package payments

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/easygst/easygst/internal/sequence"
	"github.com/easygst/easygst/internal/shared"
)

// PaymentKind distinguishes document-tied payments from prepaid advances.
// An advance differs only in starting fully unallocated.
type PaymentKind string

const (
	KindPayment         PaymentKind = "PAYMENT"
	KindCustomerAdvance PaymentKind = "CUSTOMER_ADVANCE"
	KindSupplierAdvance PaymentKind = "SUPPLIER_ADVANCE"
)

// Valid reports whether the kind is known.
func (k PaymentKind) Valid() bool {
	switch k {
	case KindPayment, KindCustomerAdvance, KindSupplierAdvance:
		return true
	}
	return false
}

// SequenceType maps the kind onto its numbering sequence.
func (k PaymentKind) SequenceType() sequence.DocType {
	switch k {
	case KindCustomerAdvance:
		return sequence.DocTypeCustomerAdvance
	case KindSupplierAdvance:
		return sequence.DocTypeSupplierAdvance
	}
	return sequence.DocTypePayment
}

// Payment is money received or paid, allocatable across documents.
type Payment struct {
	ID              int64
	TenantID        int64
	Kind            PaymentKind
	Number          string
	SequenceValue   int64
	PartyID         int64
	Currency        string
	Amount          decimal.Decimal
	AllocatedAmount decimal.Decimal
	PaymentDate     time.Time
	Method          string
	Note            string
	RefID           uuid.UUID
	Allocations     []Allocation
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Unallocated returns the remainder available for future allocations.
func (p Payment) Unallocated() decimal.Decimal {
	return p.Amount.Sub(p.AllocatedAmount)
}

// Allocation applies part of a payment to one document. Adjustment is a
// signed delta (fee or discount) folded into the same balance update.
type Allocation struct {
	ID         int64
	PaymentID  int64
	DocumentID int64
	Amount     decimal.Decimal
	Adjustment decimal.Decimal
	CreatedAt  time.Time
}

// Delta is the total balance movement this allocation represents.
func (a Allocation) Delta() decimal.Decimal {
	return a.Amount.Add(a.Adjustment)
}

// RecordPaymentInput records a payment directly against one document.
// IdempotencyKey, when set, guards against duplicate submission.
type RecordPaymentInput struct {
	TenantID       int64
	DocumentID     int64
	Amount         decimal.Decimal
	Adjustment     decimal.Decimal
	PaymentDate    time.Time
	Method         string
	Note           string
	IdempotencyKey string
	ActorID        int64
}

// Validate ensures the input is coherent.
func (in RecordPaymentInput) Validate() error {
	if in.TenantID == 0 || in.DocumentID == 0 {
		return fmt.Errorf("%w: tenant and document required", shared.ErrValidation)
	}
	if in.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: payment amount must be positive", shared.ErrValidation)
	}
	if in.Amount.Add(in.Adjustment).Sign() <= 0 {
		return fmt.Errorf("%w: adjustment cancels out the payment", shared.ErrValidation)
	}
	if in.PaymentDate.IsZero() {
		return fmt.Errorf("%w: payment date required", shared.ErrValidation)
	}
	return nil
}

// RecordAdvanceInput records a prepaid advance, unallocated at creation.
type RecordAdvanceInput struct {
	TenantID       int64
	Kind           PaymentKind
	PartyID        int64
	Currency       string
	Amount         decimal.Decimal
	PaymentDate    time.Time
	Method         string
	Note           string
	IdempotencyKey string
	ActorID        int64
}

// Validate ensures the input is coherent.
func (in RecordAdvanceInput) Validate() error {
	if in.TenantID == 0 || in.PartyID == 0 {
		return fmt.Errorf("%w: tenant and party required", shared.ErrValidation)
	}
	if in.Kind != KindCustomerAdvance && in.Kind != KindSupplierAdvance {
		return fmt.Errorf("%w: advance kind must be customer or supplier", shared.ErrValidation)
	}
	if in.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: advance amount must be positive", shared.ErrValidation)
	}
	if in.PaymentDate.IsZero() {
		return fmt.Errorf("%w: payment date required", shared.ErrValidation)
	}
	return nil
}

// AllocationTarget names one document and the amount applied to it.
type AllocationTarget struct {
	DocumentID int64
	Amount     decimal.Decimal
}

// AllocateInput applies a payment or advance across outstanding documents.
// The engine does not auto-prioritise targets; the caller decides which
// documents receive how much.
type AllocateInput struct {
	TenantID int64
	SourceID int64
	Targets  []AllocationTarget
	ActorID  int64
}

// Validate checks static preconditions: at least one target, positive
// amounts, no document twice. Balance preconditions are checked under the
// allocation transaction.
func (in AllocateInput) Validate() error {
	if in.TenantID == 0 || in.SourceID == 0 {
		return fmt.Errorf("%w: tenant and source required", shared.ErrValidation)
	}
	if len(in.Targets) == 0 {
		return fmt.Errorf("%w: at least one target required", shared.ErrValidation)
	}
	seen := make(map[int64]struct{}, len(in.Targets))
	for idx, t := range in.Targets {
		if t.DocumentID == 0 {
			return fmt.Errorf("%w: target %d missing document", shared.ErrValidation, idx)
		}
		if t.Amount.Sign() <= 0 {
			return fmt.Errorf("%w: target %d amount must be positive", shared.ErrValidation, idx)
		}
		if _, dup := seen[t.DocumentID]; dup {
			return fmt.Errorf("%w: document %d appears twice", shared.ErrValidation, t.DocumentID)
		}
		seen[t.DocumentID] = struct{}{}
	}
	return nil
}

// Sum returns the total amount across targets.
func (in AllocateInput) Sum() decimal.Decimal {
	total := decimal.Zero
	for _, t := range in.Targets {
		total = total.Add(t.Amount)
	}
	return total
}
