// Package server is the REST surface: a thin adapter mapping authenticated
// HTTP requests onto the query pipeline, the agent orchestrator and the
// metadata store. No business logic lives here.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/morphik-org/morphik-core/pkg/agent"
	"github.com/morphik-org/morphik-core/pkg/auth"
	"github.com/morphik-org/morphik-core/pkg/config"
	"github.com/morphik-org/morphik-core/pkg/database"
	"github.com/morphik-org/morphik-core/pkg/query"
)

// Server wires the HTTP router to the core services.
type Server struct {
	cfg          *config.Config
	store        database.Store
	tokens       *auth.TokenService
	pipeline     *query.Pipeline
	orchestrator *agent.Orchestrator
	history      *query.History
	retrieval    RetrievalService
	logger       *slog.Logger
}

// Deps carries the collaborators the server routes to.
type Deps struct {
	Store        database.Store
	Tokens       *auth.TokenService
	Pipeline     *query.Pipeline
	Orchestrator *agent.Orchestrator
	History      *query.History
	Retrieval    RetrievalService
	Logger       *slog.Logger
}

func New(cfg *config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:          cfg,
		store:        deps.Store,
		tokens:       deps.Tokens,
		pipeline:     deps.Pipeline,
		orchestrator: deps.Orchestrator,
		history:      deps.History,
		retrieval:    deps.Retrieval,
		logger:       logger,
	}
}

// Router assembles the route tree. Health and metrics are unauthenticated;
// everything else requires a bearer token.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(metricsMiddleware)

	r.Get("/ping", s.handlePing)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/local/generate_uri", s.handleLocalGenerateURI)

	r.Group(func(r chi.Router) {
		r.Use(s.tokens.HTTPMiddleware)

		r.Post("/retrieve/chunks", s.handleRetrieveChunks)
		r.Post("/retrieve/chunks/grouped", s.handleRetrieveChunksGrouped)
		r.Post("/retrieve/docs", s.handleRetrieveDocs)
		r.Post("/batch/documents", s.handleBatchDocuments)
		r.Post("/batch/chunks", s.handleBatchChunks)

		r.Post("/query", s.handleQuery)
		r.Post("/agent", s.handleAgent)

		r.Get("/chat/{chatID}", s.handleGetChat)
		r.Get("/chats", s.handleListChats)
		r.Patch("/chats/{chatID}/title", s.handleUpdateChatTitle)

		r.Post("/documents", s.handleListDocuments)
		r.Get("/documents/{documentID}", s.handleGetDocument)
		r.Patch("/documents/{documentID}", s.handleUpdateDocument)
		r.Delete("/documents/{documentID}", s.handleDeleteDocument)

		r.Post("/folders", s.handleCreateFolder)
		r.Get("/folders", s.handleListFolders)
		r.Get("/folders/{folderID}", s.handleGetFolder)
		r.Delete("/folders/{folderID}", s.handleDeleteFolder)
		r.Post("/folders/{folderID}/documents/{documentID}", s.handleAddDocumentToFolder)
		r.Delete("/folders/{folderID}/documents/{documentID}", s.handleRemoveDocumentFromFolder)
		r.Post("/folders/{folderID}/workflows/{workflowID}", s.handleAssociateWorkflow)
		r.Delete("/folders/{folderID}/workflows/{workflowID}", s.handleDisassociateWorkflow)

		r.Post("/graphs", s.handleCreateGraph)
		r.Get("/graphs", s.handleListGraphs)
		r.Get("/graphs/{name}", s.handleGetGraph)
		r.Put("/graphs/{name}", s.handleUpdateGraph)
		r.Delete("/graphs/{name}", s.handleDeleteGraph)

		r.Post("/workflows", s.handleCreateWorkflow)
		r.Get("/workflows", s.handleListWorkflows)
		r.Get("/workflows/{workflowID}", s.handleGetWorkflow)
		r.Delete("/workflows/{workflowID}", s.handleDeleteWorkflow)
		r.Post("/workflows/runs", s.handleStoreWorkflowRun)
		r.Get("/workflows/runs/{runID}", s.handleGetWorkflowRun)

		r.Post("/model_config", s.handleCreateModelConfig)
		r.Get("/model_config", s.handleListModelConfigs)
		r.Get("/model_config/{configID}", s.handleGetModelConfig)
		r.Put("/model_config/{configID}", s.handleUpdateModelConfig)
		r.Delete("/model_config/{configID}", s.handleDeleteModelConfig)

		r.Get("/usage/stats", s.handleUsageStats)
		r.Get("/usage/recent", s.handleUsageRecent)

		r.Post("/cloud/generate_uri", s.handleCloudGenerateURI)
		r.Delete("/cloud/apps", s.handleDeleteApp)
	})

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"mode":   s.cfg.Mode,
	})
}
