package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/singleflight"

	"lead-sync-service/internal/config"
	"lead-sync-service/internal/enrich"
	"lead-sync-service/internal/store"
	"lead-sync-service/internal/sync"
)

// invocationTimeout mirrors the wall-clock ceiling of one periodic invocation.
const invocationTimeout = 300 * time.Second

const maxEnrichLimit = 200

type Ticker interface {
	Tick(ctx context.Context, trigger string) (*sync.Result, error)
}

type Backfiller interface {
	CheckAuth(ctx context.Context) error
	Ranges() []config.YearRange
	Run(ctx context.Context, ranges []config.YearRange) (*sync.BackfillResult, error)
}

type BatchRunner interface {
	ProcessBatch(ctx context.Context, limit int) (*enrich.BatchResult, error)
}

type Credentials interface {
	HasCredentials() bool
}

// Deps are the collaborators the handler serves.
type Deps struct {
	Sync        Ticker
	Backfill    Backfiller
	Credentials Credentials
	Store       store.Store
	Enrichers   map[string]BatchRunner
	// EnrichLimit is the batch size used when a request gives none.
	EnrichLimit int
	// StaleAfter is how long a segment must have been processing before it can be reset.
	StaleAfter time.Duration
}

type Handler struct {
	deps   Deps
	server config.ServerConfig
	ticks  singleflight.Group
}

func NewHandler(deps Deps, server config.ServerConfig) *Handler {
	if deps.EnrichLimit <= 0 {
		deps.EnrichLimit = 25
	}
	return &Handler{deps: deps, server: server}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(CorsMiddleware(h.server.CorsOrigins))

	r.Get("/health", h.HealthCheck)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(h.server.AuthToken))

		r.Get("/api/sync/bilprospekt", h.SyncBilprospekt)
		r.Get("/api/sync/mileage-backfill", h.MileageBackfill)

		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/sync/status", h.GetSyncStatus)
			r.Post("/sync/segments/{id}/reset", h.ResetSegment)
			r.Get("/enrichment/{policy}", h.RunEnrichment)
		})
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// detached keeps work running when the caller hangs up, bounded by the invocation ceiling.
func detached(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), invocationTimeout)
}
