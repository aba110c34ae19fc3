package services

import "errors"

// ErrorKind classifies a failed sync run. Callers use it to decide what
// to tell the user: MissingCredential means "re-link your account",
// everything else is safe to retry (the engine's idempotence makes a
// replayed window a no-op).
type ErrorKind string

const (
	ErrKindMissingCredential  ErrorKind = "missing_credential"
	ErrKindAggregator         ErrorKind = "aggregator_error"
	ErrKindCursorPersist      ErrorKind = "cursor_persist_error"
	ErrKindCategoryResolution ErrorKind = "category_resolution_error"
	ErrKindStore              ErrorKind = "store_error"
)

// SyncError is the structured failure of a sync run. Partial reports
// whether earlier reconciliation phases had already committed when the
// failure hit, so callers can show "partial sync" instead of "nothing
// happened".
type SyncError struct {
	Kind         ErrorKind
	Phase        string // reconciliation phase for store errors, empty otherwise
	ProviderCode string // provider error code for aggregator errors, when available
	Partial      bool
	Err          error
}

func (e *SyncError) Error() string {
	msg := string(e.Kind)
	if e.Phase != "" {
		msg += " in phase " + e.Phase
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// AsSyncError unwraps err into a *SyncError if there is one in its chain.
func AsSyncError(err error) (*SyncError, bool) {
	var serr *SyncError
	if errors.As(err, &serr) {
		return serr, true
	}
	return nil, false
}

// Sentinel-resolution failures, wrapped under ErrKindCategoryResolution.
var (
	ErrUncategorizedMissing   = errors.New("uncategorized category not found")
	ErrUncategorizedAmbiguous = errors.New("more than one category matches the sentinel name")
)
