package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"github.com/easygst/easygst/internal/sequence"
	"github.com/easygst/easygst/internal/shared"
)

// DocumentKind distinguishes sales invoices from supplier bills.
type DocumentKind string

const (
	KindInvoice DocumentKind = "INVOICE"
	KindBill    DocumentKind = "BILL"
)

// Valid reports whether the kind is known.
func (k DocumentKind) Valid() bool {
	return k == KindInvoice || k == KindBill
}

// SequenceType maps the kind onto its numbering sequence.
func (k DocumentKind) SequenceType() sequence.DocType {
	if k == KindBill {
		return sequence.DocTypeBill
	}
	return sequence.DocTypeInvoice
}

// DocumentStatus enumerates document lifecycle values.
type DocumentStatus string

const (
	StatusIssued    DocumentStatus = "ISSUED"
	StatusCancelled DocumentStatus = "CANCELLED"
)

// PaymentStatus is derived from the paid and total amounts, never stored as
// an independent flag that could drift.
type PaymentStatus string

const (
	PaymentStatusUnpaid  PaymentStatus = "UNPAID"
	PaymentStatusPartial PaymentStatus = "PARTIAL"
	PaymentStatusPaid    PaymentStatus = "PAID"
)

// TaxClassification categorises a line for GST purposes.
type TaxClassification string

const (
	TaxStandard  TaxClassification = "STANDARD"
	TaxZeroRated TaxClassification = "ZERO_RATED"
	TaxExempt    TaxClassification = "EXEMPT"
)

// Valid reports whether the classification is known.
func (c TaxClassification) Valid() bool {
	switch c {
	case TaxStandard, TaxZeroRated, TaxExempt:
		return true
	}
	return false
}

// Document is the authoritative record of an invoice or supplier bill.
type Document struct {
	ID            int64
	TenantID      int64
	Kind          DocumentKind
	Number        string
	SequenceValue int64
	PartyID       int64
	Currency      string
	DocumentDate  time.Time
	TotalAmount   decimal.Decimal
	AmountPaid    decimal.Decimal
	AmountDue     decimal.Decimal
	Status        DocumentStatus
	PaymentStatus PaymentStatus
	Lines         []LineItem
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// LineItem carries one classification-bearing amount on a document.
type LineItem struct {
	ID                int64
	DocumentID        int64
	Description       string
	TaxableAmount     decimal.Decimal
	TaxClassification TaxClassification
	TaxRate           decimal.Decimal
	TaxAmount         decimal.Decimal
	CreatedAt         time.Time
}

// DerivePaymentStatus recomputes the payment status from amounts.
func DerivePaymentStatus(paid, total decimal.Decimal) PaymentStatus {
	switch {
	case paid.GreaterThanOrEqual(total) && total.Sign() > 0:
		return PaymentStatusPaid
	case paid.Sign() > 0:
		return PaymentStatusPartial
	default:
		return PaymentStatusUnpaid
	}
}

// ApplyPayment returns the document with delta added to the paid amount.
// The delta must be positive and must not drive the amount due negative.
// This is the only way paid/due/status move together, so the invariant
// amountDue = totalAmount - amountPaid >= 0 holds on every persisted state.
func ApplyPayment(doc Document, delta decimal.Decimal) (Document, error) {
	if doc.Status == StatusCancelled {
		return Document{}, fmt.Errorf("%w: document %s is cancelled", shared.ErrInvalidTransition, doc.Number)
	}
	if delta.Sign() <= 0 {
		return Document{}, fmt.Errorf("%w: payment delta must be positive", shared.ErrValidation)
	}
	due := doc.AmountDue.Sub(delta)
	if due.Sign() < 0 {
		return Document{}, fmt.Errorf("%w: document %s has %s due", shared.ErrExceedsBalance, doc.Number, doc.AmountDue)
	}
	doc.AmountPaid = doc.AmountPaid.Add(delta)
	doc.AmountDue = due
	doc.PaymentStatus = DerivePaymentStatus(doc.AmountPaid, doc.TotalAmount)
	return doc, nil
}

// ReversePayment returns the document with delta removed from the paid amount.
func ReversePayment(doc Document, delta decimal.Decimal) (Document, error) {
	if delta.Sign() <= 0 {
		return Document{}, fmt.Errorf("%w: reversal delta must be positive", shared.ErrValidation)
	}
	paid := doc.AmountPaid.Sub(delta)
	if paid.Sign() < 0 {
		return Document{}, fmt.Errorf("%w: reversal exceeds paid amount on %s", shared.ErrExceedsBalance, doc.Number)
	}
	doc.AmountPaid = paid
	doc.AmountDue = doc.TotalAmount.Sub(paid)
	doc.PaymentStatus = DerivePaymentStatus(doc.AmountPaid, doc.TotalAmount)
	return doc, nil
}

// LineInput describes one line on a new document.
type LineInput struct {
	Description       string
	TaxableAmount     decimal.Decimal
	TaxClassification TaxClassification
	TaxRate           decimal.Decimal
}

// CreateDocumentInput groups fields required to issue a document.
type CreateDocumentInput struct {
	TenantID     int64
	Kind         DocumentKind
	PartyID      int64
	Currency     string
	DocumentDate time.Time
	Lines        []LineInput
	ActorID      int64
}

// Validate ensures the input can produce a coherent document.
func (in CreateDocumentInput) Validate() error {
	if in.TenantID == 0 {
		return fmt.Errorf("%w: tenant required", shared.ErrValidation)
	}
	if !in.Kind.Valid() {
		return fmt.Errorf("%w: unknown document kind %q", shared.ErrValidation, in.Kind)
	}
	if in.PartyID == 0 {
		return fmt.Errorf("%w: party required", shared.ErrValidation)
	}
	if in.DocumentDate.IsZero() {
		return fmt.Errorf("%w: document date required", shared.ErrValidation)
	}
	if _, err := currency.ParseISO(strings.TrimSpace(in.Currency)); err != nil {
		return fmt.Errorf("%w: currency %q is not ISO 4217", shared.ErrValidation, in.Currency)
	}
	if len(in.Lines) == 0 {
		return fmt.Errorf("%w: at least one line required", shared.ErrValidation)
	}
	for idx, line := range in.Lines {
		if line.TaxableAmount.Sign() < 0 {
			return fmt.Errorf("%w: line %d taxable amount negative", shared.ErrValidation, idx)
		}
		if !line.TaxClassification.Valid() {
			return fmt.Errorf("%w: line %d unknown tax classification %q", shared.ErrValidation, idx, line.TaxClassification)
		}
		switch line.TaxClassification {
		case TaxStandard:
			if line.TaxRate.Sign() <= 0 {
				return fmt.Errorf("%w: line %d standard-rated line needs a positive rate", shared.ErrValidation, idx)
			}
		default:
			if line.TaxRate.Sign() != 0 {
				return fmt.Errorf("%w: line %d %s line must carry a zero rate", shared.ErrValidation, idx, line.TaxClassification)
			}
		}
	}
	return nil
}

// buildLines computes tax amounts at the persistence boundary and returns the
// lines with the document total (taxable plus tax across all lines).
func buildLines(inputs []LineInput) ([]LineItem, decimal.Decimal) {
	lines := make([]LineItem, 0, len(inputs))
	total := decimal.Zero
	for _, in := range inputs {
		taxable := shared.RoundMoney(in.TaxableAmount)
		tax := shared.TaxOf(in.TaxableAmount, in.TaxRate)
		lines = append(lines, LineItem{
			Description:       in.Description,
			TaxableAmount:     taxable,
			TaxClassification: in.TaxClassification,
			TaxRate:           in.TaxRate,
			TaxAmount:         tax,
		})
		total = total.Add(taxable).Add(tax)
	}
	return lines, total
}
