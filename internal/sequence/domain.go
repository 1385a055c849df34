package sequence

import (
	"fmt"

	"github.com/easygst/easygst/internal/shared"
)

// DocType enumerates the document types that consume numbering sequences.
type DocType string

const (
	DocTypeInvoice         DocType = "INVOICE"
	DocTypeBill            DocType = "BILL"
	DocTypeCustomerAdvance DocType = "CUSTOMER_ADVANCE"
	DocTypeSupplierAdvance DocType = "SUPPLIER_ADVANCE"
	DocTypePayment         DocType = "PAYMENT"
)

// Valid reports whether the document type is known.
func (t DocType) Valid() bool {
	switch t {
	case DocTypeInvoice, DocTypeBill, DocTypeCustomerAdvance, DocTypeSupplierAdvance, DocTypePayment:
		return true
	}
	return false
}

// DefaultPrefix returns the prefix used when a sequence row is created lazily.
func (t DocType) DefaultPrefix() string {
	switch t {
	case DocTypeInvoice:
		return "INV"
	case DocTypeBill:
		return "BILL"
	case DocTypeCustomerAdvance:
		return "CADV"
	case DocTypeSupplierAdvance:
		return "SADV"
	case DocTypePayment:
		return "PMT"
	}
	return ""
}

// PrefixConfigurable reports whether tenants may override the prefix.
// Only tenant-facing types are configurable; system types stay fixed.
func (t DocType) PrefixConfigurable() bool {
	return t == DocTypeInvoice
}

// Key identifies one counter row. Counters are year-scoped, so a new key
// implicitly resets numbering each calendar year.
type Key struct {
	TenantID int64
	DocType  DocType
	Year     int
}

// Validate checks the key is coherent.
func (k Key) Validate() error {
	if k.TenantID == 0 {
		return fmt.Errorf("%w: tenant required", shared.ErrValidation)
	}
	if !k.DocType.Valid() {
		return fmt.Errorf("%w: unknown document type %q", shared.ErrValidation, k.DocType)
	}
	if k.Year < 2000 || k.Year > 2200 {
		return fmt.Errorf("%w: year %d out of range", shared.ErrValidation, k.Year)
	}
	return nil
}

// Issued is the result of consuming one sequence value.
type Issued struct {
	Value     int64
	Formatted string
}

// Format renders a document number as prefix-year-zeroPadded(value).
func Format(prefix string, year int, value int64) string {
	return fmt.Sprintf("%s-%d-%04d", prefix, year, value)
}
