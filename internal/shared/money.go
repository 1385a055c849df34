package shared

import "github.com/shopspring/decimal"

// MoneyScale is the fixed scale for persisted monetary amounts.
const MoneyScale = 2

// RoundMoney applies the half-up rounding rule at the persistence boundary.
// Intermediate arithmetic stays at full precision.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyScale)
}

// TaxOf computes the GST portion of a taxable amount at a percentage rate,
// rounded for persistence.
func TaxOf(taxable, ratePct decimal.Decimal) decimal.Decimal {
	return RoundMoney(taxable.Mul(ratePct).Div(decimal.NewFromInt(100)))
}
