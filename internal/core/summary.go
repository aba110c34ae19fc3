package core

import "github.com/shopspring/decimal"

// CategorySpend is the spend aggregated onto one category for a month,
// next to the planned amount so callers can show spend vs. plan.
type CategorySpend struct {
	CategoryID int64
	Name       string
	Kind       CategoryKind
	Planned    decimal.Decimal
	Spent      decimal.Decimal
}

// MonthOverview is a compact summary for a specific year+month.
type MonthOverview struct {
	Year       int
	Month      int // 1-12
	Income     decimal.Decimal
	Expenses   decimal.Decimal
	Net        decimal.Decimal
	ByCategory []CategorySpend
}
