package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bilancio/internal/core"
	"bilancio/internal/provider"
)

// --- fakes ---

type fakeFeed struct {
	pages   []*provider.ChangesPage
	failAt  int // 0-based page index that fails, -1 for never
	failErr error
	calls   int
	cursors []string // cursor received on each call
	gate    chan struct{}
	started chan struct{}
}

func newFakeFeed(pages ...*provider.ChangesPage) *fakeFeed {
	return &fakeFeed{pages: pages, failAt: -1}
}

func (f *fakeFeed) FetchChanges(ctx context.Context, accessToken, cursor string) (*provider.ChangesPage, error) {
	if f.started != nil && f.calls == 0 {
		close(f.started)
	}
	if f.gate != nil {
		<-f.gate
	}
	idx := f.calls
	f.calls++
	f.cursors = append(f.cursors, cursor)
	if idx == f.failAt {
		if f.failErr != nil {
			return nil, f.failErr
		}
		return nil, &provider.Error{Status: 500, Code: "INTERNAL_SERVER_ERROR", Message: "boom"}
	}
	if idx >= len(f.pages) {
		return &provider.ChangesPage{NextCursor: cursor, HasMore: false}, nil
	}
	return f.pages[idx], nil
}

type fakeLinks struct {
	mu         sync.Mutex
	link       *core.ProviderLink
	setCursErr error
}

func (l *fakeLinks) GetLink(ctx context.Context, ownerID core.OwnerID) (*core.ProviderLink, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.link == nil || l.link.OwnerID != ownerID {
		return nil, nil
	}
	cp := *l.link
	return &cp, nil
}

func (l *fakeLinks) SetCursor(ctx context.Context, ownerID core.OwnerID, cursor string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.setCursErr != nil {
		return l.setCursErr
	}
	l.link.Cursor = cursor
	return nil
}

// fakeTxns keys rows by owner + external id, mirroring the unique index
// the real store relies on for replay safety.
type fakeTxns struct {
	mu        sync.Mutex
	rows      map[string]core.Transaction
	nextID    int64
	upsertErr error
	updateErr error
	deleteErr error
}

func newFakeTxns() *fakeTxns {
	return &fakeTxns{rows: make(map[string]core.Transaction)}
}

func key(ownerID core.OwnerID, externalID string) string {
	return ownerID.String() + "|" + externalID
}

func (s *fakeTxns) UpsertImported(ctx context.Context, txns []core.Transaction) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return 0, s.upsertErr
	}
	var inserted int64
	for _, t := range txns {
		k := key(t.OwnerID, *t.ExternalID)
		if _, exists := s.rows[k]; exists {
			continue // conflict: leave the existing row untouched
		}
		s.nextID++
		t.ID = s.nextID
		s.rows[k] = t
		inserted++
	}
	return inserted, nil
}

func (s *fakeTxns) UpdateImportedFields(ctx context.Context, ownerID core.OwnerID, externalID string, f core.ImportedFields) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return false, s.updateErr
	}
	k := key(ownerID, externalID)
	t, ok := s.rows[k]
	if !ok {
		return false, nil
	}
	t.Date = f.Date
	t.Description = f.Description
	t.Amount = f.Amount
	t.Kind = f.Kind
	t.ProviderCategory = f.ProviderCategory
	// CategoryID untouched: that column belongs to the user.
	s.rows[k] = t
	return true, nil
}

func (s *fakeTxns) DeleteByExternalIDs(ctx context.Context, ownerID core.OwnerID, externalIDs []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return 0, s.deleteErr
	}
	var deleted int64
	for _, id := range externalIDs {
		k := key(ownerID, id)
		if _, ok := s.rows[k]; ok {
			delete(s.rows, k)
			deleted++
		}
	}
	return deleted, nil
}

func (s *fakeTxns) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func (s *fakeTxns) get(ownerID core.OwnerID, externalID string) (core.Transaction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.rows[key(ownerID, externalID)]
	return t, ok
}

func (s *fakeTxns) setCategory(ownerID core.OwnerID, externalID string, categoryID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.rows[key(ownerID, externalID)]
	t.CategoryID = &categoryID
	s.rows[key(ownerID, externalID)] = t
}

type fakeResolver struct {
	id    int64
	err   error
	calls int
}

func (r *fakeResolver) ResolveUncategorized(ctx context.Context, ownerID core.OwnerID) (int64, error) {
	r.calls++
	if r.err != nil {
		return 0, r.err
	}
	return r.id, nil
}

// --- helpers ---

const uncategorizedID = int64(7)

func extTxn(id, name string, amount float64) provider.ExternalTransaction {
	return provider.ExternalTransaction{
		TransactionID: id,
		AccountID:     "acc-1",
		Date:          core.NewDate(2025, 2, 1),
		Name:          name,
		Amount:        decimal.NewFromFloat(amount),
		CategoryID:    "13005000",
	}
}

func newEngine(feed ChangefeedSource, links LinkStore, txns TransactionStore) (*SyncEngine, *fakeResolver) {
	resolver := &fakeResolver{id: uncategorizedID}
	return NewSyncEngine(feed, links, txns, resolver), resolver
}

func linkedOwner() (core.OwnerID, *fakeLinks) {
	owner := uuid.New()
	return owner, &fakeLinks{link: &core.ProviderLink{OwnerID: owner, AccessToken: "access-1"}}
}

func wantKind(t *testing.T, err error, kind ErrorKind) *SyncError {
	t.Helper()
	serr, ok := AsSyncError(err)
	if !ok {
		t.Fatalf("expected *SyncError, got %v (%T)", err, err)
	}
	if serr.Kind != kind {
		t.Fatalf("expected kind %s, got %s (%v)", kind, serr.Kind, serr)
	}
	return serr
}

// --- scenarios ---

func TestRunFreshOwnerSinglePage(t *testing.T) {
	owner, links := linkedOwner()
	feed := newFakeFeed(&provider.ChangesPage{
		Added:      []provider.ExternalTransaction{extTxn("t1", "COFFEE", 3.5), extTxn("t2", "MARKET", 42.1), extTxn("t3", "PAYROLL", -2500)},
		NextCursor: "cur-1",
	})
	txns := newFakeTxns()
	engine, _ := newEngine(feed, links, txns)

	res, err := engine.Run(context.Background(), owner)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if txns.count() != 3 {
		t.Fatalf("expected 3 rows, got %d", txns.count())
	}
	if res.NextCursor != "cur-1" || links.link.Cursor != "cur-1" {
		t.Fatalf("cursor not advanced: result=%q stored=%q", res.NextCursor, links.link.Cursor)
	}

	// Expenses carry the sentinel category, income carries none.
	for _, id := range []string{"t1", "t2"} {
		row, ok := txns.get(owner, id)
		if !ok {
			t.Fatalf("row %s missing", id)
		}
		if row.Kind != core.KindExpense {
			t.Fatalf("row %s: expected expense, got %s", id, row.Kind)
		}
		if row.CategoryID == nil || *row.CategoryID != uncategorizedID {
			t.Fatalf("row %s: expected sentinel category, got %v", id, row.CategoryID)
		}
	}
	payroll, _ := txns.get(owner, "t3")
	if payroll.Kind != core.KindIncome {
		t.Fatalf("negative provider amount should be income, got %s", payroll.Kind)
	}
	if payroll.CategoryID != nil {
		t.Fatalf("income must not be categorized, got %v", *payroll.CategoryID)
	}
}

func TestRunReplayedAddsAreIdempotent(t *testing.T) {
	owner, links := linkedOwner()
	page := func() *provider.ChangesPage {
		return &provider.ChangesPage{
			Added:      []provider.ExternalTransaction{extTxn("t1", "COFFEE", 3.5), extTxn("t2", "MARKET", 42.1), extTxn("t3", "RENT", 900)},
			NextCursor: "cur-1",
		}
	}
	txns := newFakeTxns()

	engine, _ := newEngine(newFakeFeed(page()), links, txns)
	if _, err := engine.Run(context.Background(), owner); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// User recategorizes t2 between runs.
	txns.setCategory(owner, "t2", 99)

	// Provider replays the same window.
	engine, _ = newEngine(newFakeFeed(page()), links, txns)
	if _, err := engine.Run(context.Background(), owner); err != nil {
		t.Fatalf("replay run: %v", err)
	}

	if txns.count() != 3 {
		t.Fatalf("replay duplicated rows: got %d", txns.count())
	}
	row, _ := txns.get(owner, "t2")
	if row.CategoryID == nil || *row.CategoryID != 99 {
		t.Fatalf("replayed add clobbered the user's category: got %v", row.CategoryID)
	}
}

func TestRunModifyPreservesUserCategory(t *testing.T) {
	owner, links := linkedOwner()
	txns := newFakeTxns()

	engine, _ := newEngine(newFakeFeed(&provider.ChangesPage{
		Added:      []provider.ExternalTransaction{extTxn("t1", "MARKET", 42.1)},
		NextCursor: "cur-1",
	}), links, txns)
	if _, err := engine.Run(context.Background(), owner); err != nil {
		t.Fatalf("seed run: %v", err)
	}

	groceriesID := int64(42)
	txns.setCategory(owner, "t1", groceriesID)

	mod := extTxn("t1", "MARKET SQUARE 42", 42.1)
	engine, _ = newEngine(newFakeFeed(&provider.ChangesPage{
		Modified:   []provider.ExternalTransaction{mod},
		NextCursor: "cur-2",
	}), links, txns)
	res, err := engine.Run(context.Background(), owner)
	if err != nil {
		t.Fatalf("modify run: %v", err)
	}
	if len(res.Modified) != 1 {
		t.Fatalf("expected 1 modified, got %d", len(res.Modified))
	}

	// The result must echo what was written: aggregator fields and the
	// external id, never a category this pass did not touch.
	echo := res.Modified[0]
	if echo.ExternalID == nil || *echo.ExternalID != "t1" {
		t.Fatalf("modified result lost the external id: %+v", echo)
	}
	if echo.Description != "MARKET SQUARE 42" {
		t.Fatalf("modified result does not echo the written description: %q", echo.Description)
	}
	if echo.CategoryID != nil {
		t.Fatalf("modified result claims a category was written: got %v", *echo.CategoryID)
	}

	row, _ := txns.get(owner, "t1")
	if row.Description != "MARKET SQUARE 42" {
		t.Fatalf("description not updated: %q", row.Description)
	}
	if row.CategoryID == nil || *row.CategoryID != groceriesID {
		t.Fatalf("modify event overwrote the user's category: got %v", row.CategoryID)
	}
}

func TestRunRemoved(t *testing.T) {
	owner, links := linkedOwner()
	txns := newFakeTxns()

	engine, _ := newEngine(newFakeFeed(&provider.ChangesPage{
		Added:      []provider.ExternalTransaction{extTxn("t1", "A", 1), extTxn("t2", "B", 2), extTxn("t3", "C", 3)},
		NextCursor: "cur-1",
	}), links, txns)
	if _, err := engine.Run(context.Background(), owner); err != nil {
		t.Fatalf("seed run: %v", err)
	}

	engine, _ = newEngine(newFakeFeed(&provider.ChangesPage{
		Removed:    []provider.RemovedTransaction{{TransactionID: "t2"}},
		NextCursor: "cur-2",
	}), links, txns)
	res, err := engine.Run(context.Background(), owner)
	if err != nil {
		t.Fatalf("removal run: %v", err)
	}

	if txns.count() != 2 {
		t.Fatalf("expected 2 rows after removal, got %d", txns.count())
	}
	if len(res.Removed) != 1 || res.Removed[0] != "t2" {
		t.Fatalf("unexpected removed list: %v", res.Removed)
	}
}

func TestRunFetchFailureLeavesCursorUntouched(t *testing.T) {
	owner, links := linkedOwner()
	links.link.Cursor = "cur-0"

	feed := newFakeFeed(&provider.ChangesPage{
		Added:      []provider.ExternalTransaction{extTxn("t1", "A", 1)},
		NextCursor: "cur-1",
		HasMore:    true,
	})
	feed.failAt = 1 // second page fails

	txns := newFakeTxns()
	engine, _ := newEngine(feed, links, txns)

	_, err := engine.Run(context.Background(), owner)
	serr := wantKind(t, err, ErrKindAggregator)
	if serr.ProviderCode != "INTERNAL_SERVER_ERROR" {
		t.Fatalf("provider code lost: %q", serr.ProviderCode)
	}
	if serr.Partial {
		t.Fatal("nothing committed, Partial must be false")
	}

	if txns.count() != 0 {
		t.Fatalf("store must be unchanged, got %d rows", txns.count())
	}
	if links.link.Cursor != "cur-0" {
		t.Fatalf("cursor advanced after failed fetch: %q", links.link.Cursor)
	}
}

func TestRunMultiPagePassesCursorsThrough(t *testing.T) {
	owner, links := linkedOwner()
	links.link.Cursor = "cur-0"

	feed := newFakeFeed(
		&provider.ChangesPage{Added: []provider.ExternalTransaction{extTxn("t1", "A", 1)}, NextCursor: "cur-1", HasMore: true},
		&provider.ChangesPage{Added: []provider.ExternalTransaction{extTxn("t2", "B", 2)}, NextCursor: "cur-2", HasMore: false},
	)
	txns := newFakeTxns()
	engine, _ := newEngine(feed, links, txns)

	res, err := engine.Run(context.Background(), owner)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if feed.calls != 2 {
		t.Fatalf("expected 2 page fetches, got %d", feed.calls)
	}
	if feed.cursors[0] != "cur-0" || feed.cursors[1] != "cur-1" {
		t.Fatalf("pages not chained by cursor: %v", feed.cursors)
	}
	if res.NextCursor != "cur-2" || links.link.Cursor != "cur-2" {
		t.Fatalf("final cursor wrong: result=%q stored=%q", res.NextCursor, links.link.Cursor)
	}
	if txns.count() != 2 {
		t.Fatalf("expected rows from both pages, got %d", txns.count())
	}
}

func TestRunMissingCredential(t *testing.T) {
	owner := uuid.New()
	engine, _ := newEngine(newFakeFeed(), &fakeLinks{}, newFakeTxns())

	_, err := engine.Run(context.Background(), owner)
	wantKind(t, err, ErrKindMissingCredential)
}

func TestRunCursorPersistFailureAppliesNothing(t *testing.T) {
	owner, links := linkedOwner()
	links.setCursErr = errors.New("disk full")

	txns := newFakeTxns()
	engine, resolver := newEngine(newFakeFeed(&provider.ChangesPage{
		Added:      []provider.ExternalTransaction{extTxn("t1", "A", 1)},
		NextCursor: "cur-1",
	}), links, txns)

	_, err := engine.Run(context.Background(), owner)
	serr := wantKind(t, err, ErrKindCursorPersist)
	if serr.Partial {
		t.Fatal("nothing committed, Partial must be false")
	}
	if txns.count() != 0 {
		t.Fatal("fetched data must be discarded when the cursor write fails")
	}
	if resolver.calls != 0 {
		t.Fatal("category resolution must not run after a cursor failure")
	}
}

func TestRunCategoryResolutionFailureBeforeStoreWrites(t *testing.T) {
	owner, links := linkedOwner()
	txns := newFakeTxns()
	resolver := &fakeResolver{err: ErrUncategorizedMissing}
	engine := NewSyncEngine(newFakeFeed(&provider.ChangesPage{
		Added:      []provider.ExternalTransaction{extTxn("t1", "A", 1)},
		NextCursor: "cur-1",
	}), links, txns, resolver)

	_, err := engine.Run(context.Background(), owner)
	serr := wantKind(t, err, ErrKindCategoryResolution)
	if !errors.Is(serr, ErrUncategorizedMissing) {
		t.Fatalf("underlying cause lost: %v", serr)
	}
	if txns.count() != 0 {
		t.Fatal("no store writes may happen before resolution succeeds")
	}
}

func TestRunAmountSignInversion(t *testing.T) {
	owner, links := linkedOwner()
	txns := newFakeTxns()

	engine, _ := newEngine(newFakeFeed(&provider.ChangesPage{
		Added: []provider.ExternalTransaction{
			extTxn("out", "STORE", 12.34),
			extTxn("zero", "FEE", 0),
			extTxn("in", "REFUND", -55),
		},
		NextCursor: "cur-1",
	}), links, txns)
	if _, err := engine.Run(context.Background(), owner); err != nil {
		t.Fatalf("Run: %v", err)
	}

	cases := []struct {
		id     string
		amount string
		kind   core.TransactionKind
	}{
		{"out", "-12.34", core.KindExpense},
		{"zero", "0", core.KindExpense},
		{"in", "55", core.KindIncome},
	}
	for _, tc := range cases {
		row, ok := txns.get(owner, tc.id)
		if !ok {
			t.Fatalf("row %s missing", tc.id)
		}
		if row.Amount.String() != tc.amount {
			t.Errorf("row %s: amount %s, want %s", tc.id, row.Amount, tc.amount)
		}
		if row.Kind != tc.kind {
			t.Errorf("row %s: kind %s, want %s", tc.id, row.Kind, tc.kind)
		}
	}
}

func TestRunModifyUnknownRowIsSkipped(t *testing.T) {
	owner, links := linkedOwner()
	txns := newFakeTxns()

	engine, _ := newEngine(newFakeFeed(&provider.ChangesPage{
		Modified:   []provider.ExternalTransaction{extTxn("ghost", "NEVER ADDED", 10)},
		NextCursor: "cur-1",
	}), links, txns)

	res, err := engine.Run(context.Background(), owner)
	if err != nil {
		t.Fatalf("a modify for an unknown row must not fail the run: %v", err)
	}
	if len(res.Modified) != 0 {
		t.Fatalf("skipped modify must not appear in the result: %v", res.Modified)
	}
}

func TestRunRemovalIsOwnerScoped(t *testing.T) {
	ownerA, linksA := linkedOwner()
	txns := newFakeTxns()

	// Owner B already has a row with the same external id.
	ownerB := uuid.New()
	ext := "shared-ext-id"
	txns.rows[key(ownerB, ext)] = core.Transaction{OwnerID: ownerB, ExternalID: &ext}

	engine, _ := newEngine(newFakeFeed(&provider.ChangesPage{
		Removed:    []provider.RemovedTransaction{{TransactionID: ext}},
		NextCursor: "cur-1",
	}), linksA, txns)
	if _, err := engine.Run(context.Background(), ownerA); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, ok := txns.get(ownerB, ext); !ok {
		t.Fatal("removal for owner A deleted owner B's row")
	}
}

func TestRunStoreFailureReportsPhaseAndPartial(t *testing.T) {
	owner, links := linkedOwner()
	txns := newFakeTxns()
	txns.updateErr = errors.New("table locked")

	engine, _ := newEngine(newFakeFeed(&provider.ChangesPage{
		Added:      []provider.ExternalTransaction{extTxn("t1", "A", 1)},
		Modified:   []provider.ExternalTransaction{extTxn("t1", "A2", 1)},
		NextCursor: "cur-1",
	}), links, txns)

	_, err := engine.Run(context.Background(), owner)
	serr := wantKind(t, err, ErrKindStore)
	if serr.Phase != PhaseModified {
		t.Fatalf("expected phase %q, got %q", PhaseModified, serr.Phase)
	}
	if !serr.Partial {
		t.Fatal("the added phase committed, Partial must be true")
	}
	// No rollback across phases: the added row stays.
	if txns.count() != 1 {
		t.Fatalf("committed phase rolled back: %d rows", txns.count())
	}
}

func TestRunSecondRunAfterUnchangedFeedIsNoOp(t *testing.T) {
	owner, links := linkedOwner()
	txns := newFakeTxns()

	engine, _ := newEngine(newFakeFeed(&provider.ChangesPage{
		Added:      []provider.ExternalTransaction{extTxn("t1", "A", 1), extTxn("t2", "B", 2)},
		NextCursor: "cur-1",
	}), links, txns)
	if _, err := engine.Run(context.Background(), owner); err != nil {
		t.Fatalf("first run: %v", err)
	}
	before := txns.count()

	// Second run from the advanced cursor: the provider has nothing new.
	feed := newFakeFeed(&provider.ChangesPage{NextCursor: "cur-1", HasMore: false})
	engine, _ = newEngine(feed, links, txns)
	res, err := engine.Run(context.Background(), owner)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if feed.cursors[0] != "cur-1" {
		t.Fatalf("second run must resume from the advanced cursor, got %q", feed.cursors[0])
	}
	if txns.count() != before {
		t.Fatalf("no-op run changed the store: %d != %d", txns.count(), before)
	}
	if len(res.Added)+len(res.Modified)+len(res.Removed) != 0 {
		t.Fatalf("no-op run reported changes: %+v", res)
	}
}

func TestRunConcurrentSameOwnerCoalesces(t *testing.T) {
	owner, links := linkedOwner()
	txns := newFakeTxns()

	feed := newFakeFeed(&provider.ChangesPage{
		Added:      []provider.ExternalTransaction{extTxn("t1", "A", 1)},
		NextCursor: "cur-1",
	})
	feed.gate = make(chan struct{})
	feed.started = make(chan struct{})
	engine, _ := newEngine(feed, links, txns)

	results := make([]*Result, 2)
	var wg sync.WaitGroup
	run := func(i int) {
		defer wg.Done()
		res, err := engine.Run(context.Background(), owner)
		if err != nil {
			t.Errorf("run %d: %v", i, err)
			return
		}
		results[i] = res
	}

	wg.Add(2)
	go run(0)
	<-feed.started // first run is inside the fetch loop
	go run(1)
	time.Sleep(50 * time.Millisecond) // let the second run reach the singleflight gate
	close(feed.gate)
	wg.Wait()

	if feed.calls != 1 {
		t.Fatalf("concurrent same-owner runs must coalesce, feed called %d times", feed.calls)
	}
	if results[0] != results[1] {
		t.Fatal("coalesced callers should share one result")
	}
	if txns.count() != 1 {
		t.Fatalf("expected 1 row, got %d", txns.count())
	}
}
