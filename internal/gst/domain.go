package gst

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/easygst/easygst/internal/ledger"
	"github.com/easygst/easygst/internal/periods"
	"github.com/easygst/easygst/internal/shared"
)

// ReturnStatus is the GST return lifecycle state.
type ReturnStatus string

const (
	StatusDraft    ReturnStatus = "DRAFT"
	StatusFiled    ReturnStatus = "FILED"
	StatusApproved ReturnStatus = "APPROVED"
	StatusAmended  ReturnStatus = "AMENDED"
)

// LineSide distinguishes tax collected on sales from tax paid on purchases.
type LineSide string

const (
	SideOutput LineSide = "OUTPUT"
	SideInput  LineSide = "INPUT"
)

// GstReturn aggregates tax for one period. Totals are live while DRAFT and
// frozen at filing; the covering period lock created at filing guarantees
// the underlying documents can no longer move.
type GstReturn struct {
	ID            int64
	TenantID      int64
	PeriodStart   time.Time
	PeriodEnd     time.Time
	ReturnType    periods.PeriodType
	Status        ReturnStatus
	OutputGst     decimal.Decimal
	InputGst      decimal.Decimal
	NetGstPayable decimal.Decimal
	TotalPayable  decimal.Decimal
	RefID         uuid.UUID
	FiledAt       *time.Time
	FiledBy       *int64
	Lines         []ReturnLine
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ReturnLine is one aggregation bucket: a side and a tax classification.
type ReturnLine struct {
	ID             int64
	ReturnID       int64
	Side           LineSide
	Classification ledger.TaxClassification
	TaxableAmount  decimal.Decimal
	TaxAmount      decimal.Decimal
}

// Summary is the live (unfiled) view of a period's GST position.
type Summary struct {
	TenantID      int64           `json:"tenant_id"`
	PeriodStart   string          `json:"period_start"`
	PeriodEnd     string          `json:"period_end"`
	OutputGst     decimal.Decimal `json:"output_gst"`
	InputGst      decimal.Decimal `json:"input_gst"`
	NetGstPayable decimal.Decimal `json:"net_gst_payable"`
	Lines         []ReturnLine    `json:"lines"`
}

// PrepareInput requests a DRAFT return for the period.
type PrepareInput struct {
	TenantID    int64
	PeriodStart time.Time
	PeriodEnd   time.Time
	ReturnType  periods.PeriodType
	ActorID     int64
}

// Validate checks the requested period.
func (in PrepareInput) Validate() error {
	if in.TenantID == 0 {
		return fmt.Errorf("%w: tenant required", shared.ErrValidation)
	}
	if in.PeriodStart.IsZero() || in.PeriodEnd.IsZero() {
		return fmt.Errorf("%w: period start and end required", shared.ErrValidation)
	}
	if in.PeriodEnd.Before(in.PeriodStart) {
		return fmt.Errorf("%w: period end before start", shared.ErrValidation)
	}
	if !in.ReturnType.Valid() {
		return fmt.Errorf("%w: unknown return type %q", shared.ErrValidation, in.ReturnType)
	}
	return nil
}

// netTotals derives the net and payable figures from aggregated lines.
// A refund position (input exceeding output) nets negative and leaves
// nothing payable.
func netTotals(output, input decimal.Decimal) (net, payable decimal.Decimal) {
	net = output.Sub(input)
	payable = net
	if payable.Sign() < 0 {
		payable = decimal.Zero
	}
	return net, payable
}
