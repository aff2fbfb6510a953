package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/kalambet/regcopilot/internal/agent"
	"github.com/kalambet/regcopilot/internal/ingest"
	"github.com/kalambet/regcopilot/internal/metrics"
	"github.com/kalambet/regcopilot/internal/orchestrator"
	"github.com/kalambet/regcopilot/internal/retrieval"
	"github.com/kalambet/regcopilot/internal/storage"
)

// Router answers queries. *orchestrator.Orchestrator satisfies it.
type Router interface {
	Route(ctx context.Context, q agent.Query) (orchestrator.Result, error)
}

// Searcher runs raw similarity search over one partition.
type Searcher interface {
	Retrieve(ctx context.Context, text string, partition retrieval.Partition, topK int) (retrieval.RetrievalResult, error)
}

// Store is the document and trace catalogue. *storage.Store satisfies it.
type Store interface {
	ListDocuments(ctx context.Context, partition string, limit int) ([]storage.Document, error)
	DeleteDocument(ctx context.Context, id string) error
	GetTrace(ctx context.Context, correlationID string) (storage.TraceRecord, error)
	RecentTraces(ctx context.Context, limit int) ([]storage.TraceRecord, error)
}

// Jobs accepts background ingestions. *ingest.Worker satisfies it.
type Jobs interface {
	Submit(doc ingest.Document) (string, error)
	Job(id string) (ingest.Job, error)
}

// Probe is one readiness check. A failing non-critical probe is reported
// but does not make the service unready.
type Probe struct {
	Name     string
	Critical bool
	Check    func(ctx context.Context) error
}

// Deps holds dependencies for the HTTP API.
type Deps struct {
	Router   Router
	Searcher Searcher
	Store    Store
	Ingester ingest.Ingester
	Jobs     Jobs // optional; async ingestion is rejected when nil
	Agents   []agent.Name
	Probes   []Probe
	Metrics  *metrics.Metrics // optional; /metrics is not mounted when nil
	Token    string           // bearer token for management routes
	Origins  []string         // allowed CORS origins; empty allows all
	Now      func() time.Time
}

// NewHandler returns the HTTP API. Query, health and metrics routes are
// public; ingestion, documents and traces require the bearer token.
func NewHandler(deps Deps) http.Handler {
	if deps.Now == nil {
		deps.Now = time.Now
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", handleHealth(deps))
	r.Get("/ready", handleReady(deps))
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	r.Post("/v1/query", handleQuery(deps))
	r.Post("/v1/query/{agent}", handleQuery(deps))
	r.Post("/v1/memo/{agent}", handleMemo(deps))
	r.Post("/v1/search", handleSearch(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Post("/ingest", handleIngest(deps))
		r.Get("/ingest/jobs/{id}", handleGetJob(deps))
		r.Get("/documents", handleListDocuments(deps))
		r.Delete("/documents/{id}", handleDeleteDocument(deps))
		r.Get("/traces", handleListTraces(deps))
		r.Get("/traces/{id}", handleGetTrace(deps))
	})

	origins := deps.Origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	})
	return c.Handler(r)
}
