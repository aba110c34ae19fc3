package core

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// UncategorizedName is the sentinel category every owner has. Imported
// expenses land here until the user reclassifies them. The row cannot be
// renamed or deleted.
const UncategorizedName = "Uncategorized"

const (
	CategoryExpense CategoryKind = "expense"
	CategoryReserve CategoryKind = "reserve"
)

const (
	KindExpense  TransactionKind = "expense"
	KindIncome   TransactionKind = "income"
	KindTransfer TransactionKind = "transfer"
)

type (
	CategoryKind    string
	TransactionKind string

	// OwnerID identifies the account every record is scoped to.
	OwnerID = uuid.UUID

	// Date is a calendar day; the time-of-day component is always midnight UTC.
	Date struct {
		time.Time
	}

	Category struct {
		ID            int64
		OwnerID       OwnerID
		Name          string
		Kind          CategoryKind
		PlannedAmount decimal.Decimal
	}

	IncomeSource struct {
		ID      int64
		OwnerID OwnerID
		Name    string
	}

	// Transaction is one ledger row. Amount is signed: negative is money
	// out, positive is money in. CategoryID is set for expenses, SourceID
	// for income. ExternalID is present only on aggregator-imported rows
	// and is unique per owner; ProviderCategory is the provider's own
	// classification hint, kept for display only.
	Transaction struct {
		ID               int64
		OwnerID          OwnerID
		Date             Date
		Description      string
		Amount           decimal.Decimal
		Kind             TransactionKind
		CategoryID       *int64
		SourceID         *int64
		ExternalID       *string
		ProviderCategory *string
	}
)

var (
	ErrEmptyName        = errors.New("empty name")
	ErrEmptyDescription = errors.New("empty description")
	ErrInvalidKind      = errors.New("invalid kind")
	ErrNegativePlanned  = errors.New("planned amount cannot be negative")
	ErrMissingCategory  = errors.New("expense requires a category")
	ErrMissingSource    = errors.New("income requires a source")
	ErrSentinelCategory = errors.New("the Uncategorized category cannot be changed")
)

// NewDate builds a Date from year, month, day.
func NewDate(year, month, day int) Date {
	return Date{Time: time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Date{}, err
	}
	return Date{Time: t}, nil
}

func (d Date) String() string {
	return d.Format("2006-01-02")
}

func (d Date) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Date) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d Date) Validate() error {
	if d.IsZero() {
		return errors.New("date cannot be zero")
	}
	return nil
}

// IsSentinel reports whether the category is the owner's Uncategorized
// sentinel. The comparison is case-insensitive, matching the uniqueness
// rule on category names.
func (c Category) IsSentinel() bool {
	return strings.EqualFold(c.Name, UncategorizedName)
}

func (c Category) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return ErrEmptyName
	}
	if len(c.Name) > 100 {
		return errors.New("name too long (max 100 characters)")
	}
	switch c.Kind {
	case CategoryExpense, CategoryReserve:
	default:
		return ErrInvalidKind
	}
	if c.PlannedAmount.IsNegative() {
		return ErrNegativePlanned
	}
	return nil
}

func (s IncomeSource) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return ErrEmptyName
	}
	if len(s.Name) > 100 {
		return errors.New("name too long (max 100 characters)")
	}
	return nil
}

func (t Transaction) Validate() error {
	if err := t.Date.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(t.Description) == "" {
		return ErrEmptyDescription
	}
	if len(t.Description) > 200 {
		return errors.New("description too long (max 200 characters)")
	}
	switch t.Kind {
	case KindExpense:
		if t.CategoryID == nil {
			return ErrMissingCategory
		}
	case KindIncome:
		if t.SourceID == nil {
			return ErrMissingSource
		}
	case KindTransfer:
	default:
		return ErrInvalidKind
	}
	return nil
}

// Imported reports whether the transaction came from the aggregator.
func (t Transaction) Imported() bool {
	return t.ExternalID != nil && *t.ExternalID != ""
}

// KindForProviderAmount classifies an imported row from the provider's
// amount. The provider reports positive for money out, so a non-negative
// provider amount is an expense.
func KindForProviderAmount(providerAmount decimal.Decimal) TransactionKind {
	if providerAmount.IsNegative() {
		return KindIncome
	}
	return KindExpense
}
