package provider

import (
	"fmt"

	"github.com/shopspring/decimal"

	"bilancio/internal/core"
)

// ExternalTransaction is one bank transaction as the aggregator reports
// it. Amount follows the provider's convention: positive means money out.
type ExternalTransaction struct {
	TransactionID string          `json:"transaction_id"`
	AccountID     string          `json:"account_id"`
	Date          core.Date       `json:"date"`
	Name          string          `json:"name"`
	Amount        decimal.Decimal `json:"amount"`
	CategoryID    string          `json:"category_id"`
}

// RemovedTransaction references a transaction the provider has retracted.
type RemovedTransaction struct {
	TransactionID string `json:"transaction_id"`
}

// ChangesPage is one page of the provider changefeed. NextCursor marks
// the position after this page; HasMore signals whether another page
// must be fetched before the cursor may be considered final.
type ChangesPage struct {
	Added      []ExternalTransaction `json:"added"`
	Modified   []ExternalTransaction `json:"modified"`
	Removed    []RemovedTransaction  `json:"removed"`
	NextCursor string                `json:"next_cursor"`
	HasMore    bool                  `json:"has_more"`
}

// Error is a transport or provider-side failure, carrying the provider's
// error code and message when the response included them.
type Error struct {
	Status  int    // HTTP status, 0 for transport failures
	Code    string `json:"error_code"`
	Message string `json:"error_message"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider error %s: %s", e.Code, e.Message)
	}
	if e.Status != 0 {
		return fmt.Sprintf("provider returned status %d", e.Status)
	}
	return "provider request failed: " + e.Message
}

// LinkToken is a short-lived token the UI uses to start the account
// link flow with the provider.
type LinkToken struct {
	LinkToken  string `json:"link_token"`
	Expiration string `json:"expiration"`
}

// AccessGrant is the durable credential issued when a public token from
// a completed link flow is exchanged.
type AccessGrant struct {
	AccessToken string `json:"access_token"`
	ItemID      string `json:"item_id"`
}
