package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProviderLink is the per-owner connection to the bank aggregator: the
// opaque access credential issued at link time and the changefeed cursor.
// An empty cursor means the next sync starts from the beginning of the
// feed.
type ProviderLink struct {
	OwnerID     OwnerID
	AccessToken string
	ItemID      string
	Cursor      string
	LinkedAt    time.Time
}

// ImportedFields are the aggregator-owned fields of an imported
// transaction. Reconciling a modify event writes exactly these and
// nothing else, so a category the user assigned locally survives.
type ImportedFields struct {
	Date             Date
	Description      string
	Amount           decimal.Decimal
	Kind             TransactionKind
	ProviderCategory *string
}
