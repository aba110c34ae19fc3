package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bilancio/internal/core"
	"bilancio/internal/provider"
	"bilancio/internal/services"
	"bilancio/internal/storage"
)

type fakeSyncer struct {
	result *services.Result
	err    error
	calls  int
}

func (f *fakeSyncer) Run(ctx context.Context, ownerID core.OwnerID) (*services.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeLinkBroker struct {
	token    *provider.LinkToken
	grant    *provider.AccessGrant
	tokenErr error
	grantErr error
}

func (f *fakeLinkBroker) CreateLinkToken(ctx context.Context, ownerID core.OwnerID) (*provider.LinkToken, error) {
	if f.tokenErr != nil {
		return nil, f.tokenErr
	}
	return f.token, nil
}

func (f *fakeLinkBroker) ExchangePublicToken(ctx context.Context, publicToken string) (*provider.AccessGrant, error) {
	if f.grantErr != nil {
		return nil, f.grantErr
	}
	return f.grant, nil
}

type fakePublisher struct {
	published []string
	err       error
}

func (f *fakePublisher) PublishSyncRequest(ctx context.Context, ownerID core.OwnerID, reason string) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, reason)
	return nil
}

type testEnv struct {
	server    *Server
	repo      *storage.SQLiteRepository
	owner     core.OwnerID
	token     string
	syncer    *fakeSyncer
	broker    *fakeLinkBroker
	publisher *fakePublisher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	repo, err := storage.NewSQLiteRepository(":memory:")
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	owner := uuid.New()
	ctx := context.Background()
	if err := repo.EnsureOwnerSetup(ctx, owner); err != nil {
		t.Fatalf("owner setup: %v", err)
	}
	token := "test-session-token"
	if err := repo.CreateSession(ctx, token, owner); err != nil {
		t.Fatalf("create session: %v", err)
	}

	env := &testEnv{
		repo:   repo,
		owner:  owner,
		token:  token,
		syncer: &fakeSyncer{result: &services.Result{NextCursor: "cur-1", Removed: []string{}}},
		broker: &fakeLinkBroker{
			token: &provider.LinkToken{LinkToken: "link-tok", Expiration: "2026-09-01T00:00:00Z"},
			grant: &provider.AccessGrant{AccessToken: "access-1", ItemID: "item-1"},
		},
		publisher: &fakePublisher{},
	}
	env.server = NewServer(":0", repo, env.syncer, env.broker, env.publisher)
	t.Cleanup(func() { env.server.Shutdown(context.Background()) })
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+e.token)
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	e.server.Server.Handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/categories", nil)
	rec := httptest.NewRecorder()
	env.server.Server.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: expected 401, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/categories", nil)
	req.Header.Set("Authorization", "Bearer bogus")
	rec = httptest.NewRecorder()
	env.server.Server.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: expected 401, got %d", rec.Code)
	}
}

func TestHealthEndpointUnauthenticated(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	env.server.Server.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestCategoryLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/categories", categoryPayload{
		Name: "Groceries", Kind: "expense", PlannedAmount: decimal.NewFromInt(300),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	created := decodeBody[categoryResponse](t, rec)
	if created.ID == 0 || created.Sentinel {
		t.Fatalf("unexpected created category: %+v", created)
	}

	// Duplicate name, case-insensitively.
	rec = env.do(t, http.MethodPost, "/api/categories", categoryPayload{
		Name: "groceries", Kind: "expense",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate: expected 409, got %d", rec.Code)
	}

	// Invalid kind is rejected before it hits the store.
	rec = env.do(t, http.MethodPost, "/api/categories", categoryPayload{
		Name: "Weird", Kind: "loan",
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bad kind: expected 422, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/categories", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rec.Code)
	}
	list := decodeBody[[]categoryResponse](t, rec)
	if len(list) != 2 { // sentinel + Groceries
		t.Fatalf("expected 2 categories, got %d", len(list))
	}

	rec = env.do(t, http.MethodPut, fmt.Sprintf("/api/categories/%d", created.ID), categoryPayload{
		Name: "Food", Kind: "expense", PlannedAmount: decimal.NewFromInt(350),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	updated := decodeBody[categoryResponse](t, rec)
	if updated.Name != "Food" {
		t.Fatalf("update not applied: %+v", updated)
	}

	rec = env.do(t, http.MethodDelete, fmt.Sprintf("/api/categories/%d", created.ID), nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/api/categories/%d", created.ID), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get deleted: expected 404, got %d", rec.Code)
	}
}

func TestSentinelCategoryForbidden(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/categories/uncategorized", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("uncategorized: expected 200, got %d", rec.Code)
	}
	sentinel := decodeBody[categoryResponse](t, rec)
	if !sentinel.Sentinel || sentinel.Name != core.UncategorizedName {
		t.Fatalf("unexpected sentinel: %+v", sentinel)
	}

	rec = env.do(t, http.MethodPut, fmt.Sprintf("/api/categories/%d", sentinel.ID), categoryPayload{
		Name: "Misc", Kind: "expense",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("rename sentinel: expected 403, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodDelete, fmt.Sprintf("/api/categories/%d", sentinel.ID), nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("delete sentinel: expected 403, got %d", rec.Code)
	}
}

func TestIncomeSourceLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/income-sources", incomeSourcePayload{Name: "Salary"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d", rec.Code)
	}
	created := decodeBody[incomeSourceResponse](t, rec)

	rec = env.do(t, http.MethodPut, fmt.Sprintf("/api/income-sources/%d", created.ID), incomeSourcePayload{Name: "Main salary"})
	if rec.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/income-sources", incomeSourcePayload{Name: "   "})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("blank name: expected 422, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodDelete, fmt.Sprintf("/api/income-sources/%d", created.ID), nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", rec.Code)
	}
}

func TestTransactionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	groceries := core.Category{OwnerID: env.owner, Name: "Groceries", Kind: core.CategoryExpense, PlannedAmount: decimal.Zero}
	if err := env.repo.CreateCategory(ctx, &groceries); err != nil {
		t.Fatal(err)
	}

	rec := env.do(t, http.MethodPost, "/api/transactions", transactionPayload{
		Date:        core.NewDate(2025, 3, 10),
		Description: "Supermarket",
		Amount:      decimal.NewFromFloat(-42.50),
		Kind:        "expense",
		CategoryID:  &groceries.ID,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	created := decodeBody[transactionResponse](t, rec)
	if created.Imported {
		t.Fatal("manually created transaction must not be imported")
	}

	// Expense without a category is invalid.
	rec = env.do(t, http.MethodPost, "/api/transactions", transactionPayload{
		Date: core.NewDate(2025, 3, 10), Description: "x", Amount: decimal.NewFromInt(-1), Kind: "expense",
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("no category: expected 422, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/transactions", nil)
	list := decodeBody[[]transactionResponse](t, rec)
	if len(list) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(list))
	}

	rec = env.do(t, http.MethodPut, fmt.Sprintf("/api/transactions/%d", created.ID), transactionPayload{
		Date:        core.NewDate(2025, 3, 11),
		Description: "Supermarket (corrected)",
		Amount:      decimal.NewFromFloat(-40.00),
		Kind:        "expense",
		CategoryID:  &groceries.ID,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodDelete, fmt.Sprintf("/api/transactions/%d", created.ID), nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", rec.Code)
	}
}

func TestUpdateImportedTransactionKeepsIdentity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	matches, _ := env.repo.FindCategoriesByName(ctx, env.owner, core.UncategorizedName)
	sentinelID := matches[0].ID

	ext := "txn-1"
	imported := core.Transaction{
		OwnerID:     env.owner,
		Date:        core.NewDate(2025, 3, 1),
		Description: "CARD PAYMENT",
		Amount:      decimal.NewFromFloat(-10),
		Kind:        core.KindExpense,
		CategoryID:  &sentinelID,
		ExternalID:  &ext,
	}
	if _, err := env.repo.UpsertImported(ctx, []core.Transaction{imported}); err != nil {
		t.Fatal(err)
	}
	txns, _ := env.repo.ListTransactions(ctx, env.owner)
	id := txns[0].ID

	groceries := core.Category{OwnerID: env.owner, Name: "Groceries", Kind: core.CategoryExpense, PlannedAmount: decimal.Zero}
	if err := env.repo.CreateCategory(ctx, &groceries); err != nil {
		t.Fatal(err)
	}

	rec := env.do(t, http.MethodPut, fmt.Sprintf("/api/transactions/%d", id), transactionPayload{
		Date:        core.NewDate(2025, 3, 1),
		Description: "CARD PAYMENT",
		Amount:      decimal.NewFromFloat(-10),
		Kind:        "expense",
		CategoryID:  &groceries.ID,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	updated := decodeBody[transactionResponse](t, rec)
	if updated.ExternalID == nil || *updated.ExternalID != ext {
		t.Fatalf("external id must survive a user edit, got %v", updated.ExternalID)
	}
	if !updated.Imported {
		t.Fatal("row must stay marked as imported")
	}
}

func TestSummary(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	groceries := core.Category{OwnerID: env.owner, Name: "Groceries", Kind: core.CategoryExpense, PlannedAmount: decimal.NewFromInt(200)}
	if err := env.repo.CreateCategory(ctx, &groceries); err != nil {
		t.Fatal(err)
	}
	salary := core.IncomeSource{OwnerID: env.owner, Name: "Salary"}
	if err := env.repo.CreateIncomeSource(ctx, &salary); err != nil {
		t.Fatal(err)
	}

	spend := core.Transaction{OwnerID: env.owner, Date: core.NewDate(2025, 3, 5), Description: "food",
		Amount: decimal.NewFromInt(-80), Kind: core.KindExpense, CategoryID: &groceries.ID}
	pay := core.Transaction{OwnerID: env.owner, Date: core.NewDate(2025, 3, 27), Description: "salary",
		Amount: decimal.NewFromInt(2000), Kind: core.KindIncome, SourceID: &salary.ID}
	for _, txn := range []*core.Transaction{&spend, &pay} {
		if err := env.repo.CreateTransaction(ctx, txn); err != nil {
			t.Fatal(err)
		}
	}

	rec := env.do(t, http.MethodGet, "/api/summary?year=2025&month=3", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	got := decodeBody[summaryResponse](t, rec)
	if got.Income.String() != "2000" || got.Expenses.String() != "-80" || got.Net.String() != "1920" {
		t.Fatalf("unexpected totals: income=%s expenses=%s net=%s", got.Income, got.Expenses, got.Net)
	}

	rec = env.do(t, http.MethodGet, "/api/summary?year=2025&month=13", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad month: expected 400, got %d", rec.Code)
	}
}

func TestSyncEndpoint(t *testing.T) {
	env := newTestEnv(t)

	env.syncer.result = &services.Result{
		Added:      []core.Transaction{{}, {}, {}},
		Modified:   []core.Transaction{{}},
		Removed:    []string{"gone-1"},
		NextCursor: "cur-9",
	}

	rec := env.do(t, http.MethodPost, "/api/transactions/sync", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	got := decodeBody[syncResponse](t, rec)
	if got.Added != 3 || got.Modified != 1 || got.Removed != 1 || got.NextCursor != "cur-9" {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestSyncErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        *services.SyncError
		wantStatus int
	}{
		{
			name:       "missing credential",
			err:        &services.SyncError{Kind: services.ErrKindMissingCredential},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "aggregator failure",
			err:        &services.SyncError{Kind: services.ErrKindAggregator, ProviderCode: "ITEM_LOGIN_REQUIRED"},
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "cursor persist failure",
			err:        &services.SyncError{Kind: services.ErrKindCursorPersist},
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "store failure",
			err:        &services.SyncError{Kind: services.ErrKindStore, Phase: services.PhaseModified, Partial: true},
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.syncer.err = tt.err

			rec := env.do(t, http.MethodPost, "/api/transactions/sync", nil)
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			got := decodeBody[syncErrorResponse](t, rec)
			if got.Kind != string(tt.err.Kind) {
				t.Fatalf("expected kind %s, got %s", tt.err.Kind, got.Kind)
			}
			if got.ProviderCode != tt.err.ProviderCode {
				t.Fatalf("expected provider code %q, got %q", tt.err.ProviderCode, got.ProviderCode)
			}
			if got.Partial != tt.err.Partial {
				t.Fatalf("expected partial %v, got %v", tt.err.Partial, got.Partial)
			}
		})
	}
}

func TestLinkFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec := env.do(t, http.MethodPost, "/api/link/token", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("token: expected 200, got %d", rec.Code)
	}
	tok := decodeBody[linkTokenResponse](t, rec)
	if tok.LinkToken != "link-tok" {
		t.Fatalf("unexpected token: %+v", tok)
	}

	rec = env.do(t, http.MethodPost, "/api/link/exchange", linkExchangePayload{PublicToken: "public-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("exchange: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	link, err := env.repo.GetLink(ctx, env.owner)
	if err != nil || link == nil {
		t.Fatalf("link not stored: %v", err)
	}
	if link.AccessToken != "access-1" || link.Cursor != "" {
		t.Fatalf("unexpected stored link: %+v", link)
	}

	if len(env.publisher.published) != 1 || env.publisher.published[0] != "linked" {
		t.Fatalf("expected one 'linked' sync request, got %v", env.publisher.published)
	}

	rec = env.do(t, http.MethodDelete, "/api/link", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("unlink: expected 204, got %d", rec.Code)
	}
	link, _ = env.repo.GetLink(ctx, env.owner)
	if link != nil {
		t.Fatal("link must be gone after unlink")
	}
}

func TestLinkExchangeProviderError(t *testing.T) {
	env := newTestEnv(t)
	env.broker.grantErr = &provider.Error{Status: 400, Code: "INVALID_PUBLIC_TOKEN", Message: "expired"}

	rec := env.do(t, http.MethodPost, "/api/link/exchange", linkExchangePayload{PublicToken: "stale"})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/link/exchange", linkExchangePayload{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty token: expected 400, got %d", rec.Code)
	}
}
