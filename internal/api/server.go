package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/lattice-kg/engine/internal/ask"
	"github.com/lattice-kg/engine/internal/authgate"
	"github.com/lattice-kg/engine/internal/config"
	"github.com/lattice-kg/engine/internal/connector"
	"github.com/lattice-kg/engine/internal/embedding"
	"github.com/lattice-kg/engine/internal/observability"
	"github.com/lattice-kg/engine/internal/retrieval"
	"github.com/lattice-kg/engine/internal/scheduler"
	"github.com/lattice-kg/engine/internal/store"
	"github.com/lattice-kg/engine/internal/trigger"
)

// DefaultHTTPTimeout bounds the authenticated API routes except the
// streaming ask endpoint, which needs to stay open for the duration of an
// LLM stream. The health probes and the webhook receiver are not wrapped.
const DefaultHTTPTimeout = 60 * time.Second

// Deps is every collaborator the API layer composes. Nil fields are
// allowed where a deployment disables the corresponding subsystem (e.g.
// no scheduler in a read-only replica). Handlers that use Orchestrator,
// Scheduler, ConnCfg or Queue check for nil and answer with an error
// status rather than panicking: 503 for a missing Orchestrator, 500 for
// the others.
type Deps struct {
	Store      store.Store
	Retrieval  *retrieval.Service
	Embedder   *embedding.Service
	Orchestrator *ask.Orchestrator
	Scheduler  *scheduler.Scheduler
	Triggers   *trigger.Registry
	Connectors *connector.Pool
	ConnCfg    *connector.ConfigStore
	Queue      *connector.Queue
	DLQ        *connector.DLQ
	Verifiers  map[string]*connector.Verifier
	Gate       *authgate.Gate
	Limiter    authgate.Limiter
	AskCap     *authgate.ConcurrencyCap
	StreamCap  *authgate.ConcurrencyCap
	Sink       *observability.Sink
	Cfg        *config.Config
	Log        zerolog.Logger
}

// Service owns the HTTP server lifecycle, mirroring the teacher's
// worker.Service Start/Shutdown shape.
type Service struct {
	deps   Deps
	router chi.Router
	server *http.Server
	wg     sync.WaitGroup
}

// NewService builds the chi router and wires every route.
func NewService(deps Deps) *Service {
	s := &Service{deps: deps, router: chi.NewRouter()}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Service) setupMiddleware() {
	s.router.Use(authgate.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)
	s.router.Use(authgate.SecurityHeaders())
	s.router.Use(authgate.MaxBodySize(s.deps.Cfg.MaxRequestBytes))
	s.router.Use(authgate.RequireJSONContentType)
	s.router.Use(middleware.Compress(5))
}

func (s *Service) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/ready", s.handleReady)

	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(DefaultHTTPTimeout))
		r.Use(s.deps.Gate.RequireScope("nodes:write"))
		r.Post("/nodes", s.handleCreateNode)
		r.Put("/nodes/{id}", s.handleUpdateNode)
		r.Delete("/nodes/{id}", s.handleDeleteNode)
		r.Post("/nodes/{id}/refresh", s.handleRefreshNode)
		r.Post("/edges", s.handleCreateEdge)
		r.Delete("/edges/{id}", s.handleDeleteEdge)
	})

	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(DefaultHTTPTimeout))
		r.Use(s.deps.Gate.RequireScope("nodes:read"))
		r.Get("/nodes", s.handleListNodes)
		r.Get("/nodes/{id}", s.handleGetNode)
		r.Get("/lineage/{id}", s.handleLineage)
	})

	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(DefaultHTTPTimeout))
		r.Use(s.deps.Gate.RequireScope("search:read"))
		if s.deps.Limiter != nil {
			r.Use(authgate.RateLimitMiddleware(s.deps.Limiter, "search", authgate.Limit{Rate: 10, Burst: 20}))
		}
		r.Post("/search", s.handleSearch)
	})

	s.router.Group(func(r chi.Router) {
		r.Use(s.deps.Gate.RequireScope("ask:read"))
		if s.deps.Limiter != nil {
			r.Use(authgate.RateLimitMiddleware(s.deps.Limiter, "ask", authgate.Limit{Rate: 2, Burst: 5}))
		}
		if s.deps.AskCap != nil {
			r.Use(s.deps.AskCap.Middleware("ask"))
		}
		r.With(middleware.Timeout(DefaultHTTPTimeout)).Post("/ask", s.handleAsk)

		if s.deps.StreamCap != nil {
			r.Group(func(r chi.Router) {
				r.Use(s.deps.StreamCap.Middleware("ask_stream"))
				r.Post("/ask/stream", s.handleAskStream)
			})
		} else {
			r.Post("/ask/stream", s.handleAskStream)
		}
	})

	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(DefaultHTTPTimeout))
		r.Use(s.deps.Gate.RequireScope("triggers:write"))
		r.Post("/triggers", s.handleCreateTrigger)
		r.Delete("/triggers/{name}", s.handleDeleteTrigger)
	})
	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(DefaultHTTPTimeout))
		r.Use(s.deps.Gate.RequireScope("triggers:read"))
		r.Get("/triggers", s.handleListTriggers)
	})

	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(DefaultHTTPTimeout))
		r.Use(s.deps.Gate.RequireScope("admin"))
		r.Post("/admin/refresh", s.handleAdminRefresh)
		r.Post("/admin/indexes", s.handleAdminIndexes)
		r.Get("/_admin/embed_info", s.handleEmbedInfo)
		r.Get("/_admin/embed_class_coverage", s.handleEmbedClassCoverage)
		r.Get("/_admin/drift_histogram", s.handleDriftHistogram)
		r.Get("/_admin/metrics_summary", s.handleMetricsSummary)
		r.Post("/_admin/metrics/retrieval_uplift", s.handleRetrievalUplift)
		r.Post("/_admin/connectors/register", s.handleConnectorRegister)
		r.Post("/_admin/connectors/update", s.handleConnectorUpdate)
		r.Post("/_admin/connectors/backfill", s.handleConnectorBackfill)
		r.Post("/_admin/connectors/purge_deleted", s.handleConnectorPurgeDeleted)
		r.Post("/_admin/connectors/rotate_keys", s.handleConnectorRotateKeys)
	})

	s.router.Post("/_webhooks/{provider}", s.handleWebhook)
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Service) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Start launches the HTTP server on its own listener bound to Cfg.ServerPort,
// SSE-friendly timeouts matching the teacher's worker.Service.Start.
func (s *Service) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.deps.Cfg.ServerPort))
	if err != nil {
		return err
	}
	return s.StartOn(lis)
}

// StartOn launches the HTTP server on a caller-supplied listener, for
// deployments that multiplex the port (e.g. cmd/server's cmux matcher)
// rather than owning it outright.
func (s *Service) StartOn(lis net.Listener) error {
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(lis); err != nil && err != http.ErrServerClosed {
			s.deps.Log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	s.deps.Log.Info().
		Int("port", s.deps.Cfg.ServerPort).
		Int("pid", os.Getpid()).
		Msg("API server started")
	return nil
}

// Shutdown stops accepting new connections, then stops background workers,
// phased the same way as the teacher's worker.Service.Shutdown.
func (s *Service) Shutdown(ctx context.Context) error {
	var errs []error

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http_server: %w", err))
		}
	}
	if s.deps.Scheduler != nil {
		s.deps.Scheduler.Stop()
	}
	if s.deps.Connectors != nil {
		s.deps.Connectors.Stop()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("timed out waiting for goroutines"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
