package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"bilancio/internal/cache"
	"bilancio/internal/core"
	"bilancio/internal/log"
	"bilancio/internal/middleware/ratelimit"
	"bilancio/internal/middleware/security"
	"bilancio/internal/middleware/trace"
	"bilancio/internal/provider"
	"bilancio/internal/services"
)

// Store is the persistence surface the API needs.
type Store interface {
	ListCategories(ctx context.Context, ownerID core.OwnerID) ([]core.Category, error)
	GetCategory(ctx context.Context, ownerID core.OwnerID, id int64) (*core.Category, error)
	FindCategoriesByName(ctx context.Context, ownerID core.OwnerID, name string) ([]core.Category, error)
	CreateCategory(ctx context.Context, c *core.Category) error
	UpdateCategory(ctx context.Context, ownerID core.OwnerID, id int64, name string, kind core.CategoryKind, planned decimal.Decimal) error
	DeleteCategory(ctx context.Context, ownerID core.OwnerID, id int64) error

	ListIncomeSources(ctx context.Context, ownerID core.OwnerID) ([]core.IncomeSource, error)
	CreateIncomeSource(ctx context.Context, s *core.IncomeSource) error
	UpdateIncomeSource(ctx context.Context, ownerID core.OwnerID, id int64, name string) error
	DeleteIncomeSource(ctx context.Context, ownerID core.OwnerID, id int64) error

	ListTransactions(ctx context.Context, ownerID core.OwnerID) ([]core.Transaction, error)
	GetTransaction(ctx context.Context, ownerID core.OwnerID, id int64) (*core.Transaction, error)
	CreateTransaction(ctx context.Context, t *core.Transaction) error
	UpdateTransaction(ctx context.Context, ownerID core.OwnerID, id int64, t core.Transaction) error
	DeleteTransaction(ctx context.Context, ownerID core.OwnerID, id int64) error
	MonthOverview(ctx context.Context, ownerID core.OwnerID, year, month int) (core.MonthOverview, error)

	GetLink(ctx context.Context, ownerID core.OwnerID) (*core.ProviderLink, error)
	SaveLink(ctx context.Context, link *core.ProviderLink) error
	DeleteLink(ctx context.Context, ownerID core.OwnerID) error

	ResolveSession(ctx context.Context, token string) (core.OwnerID, error)
}

// Syncer runs one reconciliation pass for an owner.
type Syncer interface {
	Run(ctx context.Context, ownerID core.OwnerID) (*services.Result, error)
}

// LinkBroker is the provider surface for the account-link flow.
type LinkBroker interface {
	CreateLinkToken(ctx context.Context, ownerID core.OwnerID) (*provider.LinkToken, error)
	ExchangePublicToken(ctx context.Context, publicToken string) (*provider.AccessGrant, error)
}

// SyncPublisher enqueues background sync requests. Optional: a nil
// publisher degrades to synchronous-only syncing.
type SyncPublisher interface {
	PublishSyncRequest(ctx context.Context, ownerID core.OwnerID, reason string) error
}

type Server struct {
	http.Server

	store     Store
	syncer    Syncer
	links     LinkBroker
	publisher SyncPublisher

	rateLimiter *ratelimit.Limiter
	detector    *security.Detector
	logs        *log.StructuredLogger

	// LRU caches for the hot read endpoints, keyed per owner
	overviewCache *cache.LRUCache[core.MonthOverview]
	txnsCache     *cache.LRUCache[[]core.Transaction]
	cacheManager  *cache.Manager

	shutdownOnce sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run server.
func NewServer(addr string, store Store, syncer Syncer, links LinkBroker, publisher SyncPublisher) *Server {
	mux := http.NewServeMux()
	appLogger := log.New(log.DefaultConfig())

	s := &Server{
		store:         store,
		syncer:        syncer,
		links:         links,
		publisher:     publisher,
		rateLimiter:   ratelimit.NewLimiter(ratelimit.DefaultConfig()),
		detector:      security.NewDetector(),
		logs:          log.NewStructuredLogger(appLogger),
		overviewCache: cache.NewLRUCache[core.MonthOverview](100, 5*time.Minute),
		txnsCache:     cache.NewLRUCache[[]core.Transaction](200, 5*time.Minute),
		cacheManager:  cache.NewManager(),
	}

	s.cacheManager.Register(s.overviewCache)
	s.cacheManager.Register(s.txnsCache)
	s.cacheManager.StartCleanup(10 * time.Minute)

	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("GET /readyz", handleReady)

	mux.HandleFunc("GET /api/categories", s.requireOwner(s.handleListCategories))
	mux.HandleFunc("POST /api/categories", s.requireOwner(s.handleCreateCategory))
	mux.HandleFunc("GET /api/categories/uncategorized", s.requireOwner(s.handleGetUncategorized))
	mux.HandleFunc("GET /api/categories/{id}", s.requireOwner(s.handleGetCategory))
	mux.HandleFunc("PUT /api/categories/{id}", s.requireOwner(s.handleUpdateCategory))
	mux.HandleFunc("DELETE /api/categories/{id}", s.requireOwner(s.handleDeleteCategory))

	mux.HandleFunc("GET /api/income-sources", s.requireOwner(s.handleListIncomeSources))
	mux.HandleFunc("POST /api/income-sources", s.requireOwner(s.handleCreateIncomeSource))
	mux.HandleFunc("PUT /api/income-sources/{id}", s.requireOwner(s.handleUpdateIncomeSource))
	mux.HandleFunc("DELETE /api/income-sources/{id}", s.requireOwner(s.handleDeleteIncomeSource))

	mux.HandleFunc("GET /api/transactions", s.requireOwner(s.handleListTransactions))
	mux.HandleFunc("POST /api/transactions", s.requireOwner(s.handleCreateTransaction))
	mux.HandleFunc("POST /api/transactions/sync", s.requireOwner(s.handleSync))
	mux.HandleFunc("GET /api/transactions/{id}", s.requireOwner(s.handleGetTransaction))
	mux.HandleFunc("PUT /api/transactions/{id}", s.requireOwner(s.handleUpdateTransaction))
	mux.HandleFunc("DELETE /api/transactions/{id}", s.requireOwner(s.handleDeleteTransaction))

	mux.HandleFunc("GET /api/summary", s.requireOwner(s.handleSummary))

	mux.HandleFunc("POST /api/link/token", s.requireOwner(s.handleLinkToken))
	mux.HandleFunc("POST /api/link/exchange", s.requireOwner(s.handleLinkExchange))
	mux.HandleFunc("DELETE /api/link", s.requireOwner(s.handleUnlink))

	// Middleware chain: tracing outermost, then security headers,
	// request-scoped logger, threat detection, and rate limiting on
	// mutating requests.
	headers := security.NewHeadersMiddleware(security.DefaultHeadersConfig())
	limited := s.rateLimiter.Middleware(s.detector.ExtractClientIP, nil)
	traced := trace.NewMiddleware(s.detector.ExtractClientIP)
	requestID := log.RequestIDMiddleware(func(r *http.Request) string {
		return trace.GetRequestID(r.Context())
	})

	var handler http.Handler = mux
	handler = limitMutations(limited, handler)
	handler = s.detectThreats(handler)
	handler = requestID(handler)
	handler = log.Middleware(appLogger)(handler)
	handler = headers.Middleware(handler)
	handler = traced.Middleware(handler)

	s.Server = http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// limitMutations applies the rate limiter to state-changing methods only.
func limitMutations(limit func(http.Handler) http.Handler, next http.Handler) http.Handler {
	limited := limit(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodDelete:
			limited.ServeHTTP(w, r)
		default:
			next.ServeHTTP(w, r)
		}
	})
}

// detectThreats logs requests matching known probe patterns. Detection
// is advisory: the request still proceeds, so a false positive on a
// legitimate client costs nothing but a log line.
func (s *Server) detectThreats(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.detector.DetectSuspiciousRequest(r) {
			slog.WarnContext(r.Context(), "Suspicious request detected",
				"method", r.Method,
				"path", r.URL.Path,
				"client_ip", s.detector.ExtractClientIP(r))
		}
		next.ServeHTTP(w, r)
	})
}

// Shutdown gracefully shuts down the server and cleanup routines
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		if s.cacheManager != nil {
			s.cacheManager.Stop()
		}
		if s.rateLimiter != nil {
			s.rateLimiter.Stop()
		}
		shutdownErr = s.Server.Shutdown(ctx)
	})

	return shutdownErr
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func handleReady(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
