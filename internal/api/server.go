package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/dealscope/riskengine/internal/auth"
	"github.com/dealscope/riskengine/internal/catalog"
	"github.com/dealscope/riskengine/internal/config"
	"github.com/dealscope/riskengine/internal/engine"
	"github.com/dealscope/riskengine/internal/models"
	"github.com/dealscope/riskengine/internal/reports"
	"github.com/dealscope/riskengine/internal/scheduler"
	"github.com/dealscope/riskengine/internal/store"
	"github.com/dealscope/riskengine/internal/tasks"
)

// Evaluator is the engine surface the HTTP layer depends on.
type Evaluator interface {
	Evaluate(ctx context.Context, tenantID string, opportunityID uuid.UUID, userID string, opts engine.Options) (*models.RiskEvaluation, error)
	GetCurrent(ctx context.Context, tenantID string, opportunityID uuid.UUID) (*models.RiskEvaluation, error)
	GetEvolution(ctx context.Context, tenantID string, opportunityID uuid.UUID, from, to *time.Time) ([]models.TrendPoint, error)
	GetHistory(ctx context.Context, tenantID string, opportunityID uuid.UUID, limit int) ([]store.AuditEntry, error)
	OnOutcome(ctx context.Context, tenantID string, opportunityID uuid.UUID, outcome models.Outcome) error
}

// EntityStore is the slice of the store the report handler reads from.
type EntityStore interface {
	GetEntity(ctx context.Context, tenantID string, id uuid.UUID) (*models.Entity, error)
	Ping(ctx context.Context) error
}

type Server struct {
	cfg    *config.Config
	router *chi.Mux
	http   *http.Server
	logger *slog.Logger

	evaluator Evaluator
	entities  EntityStore
	catalog   catalog.Provider
	reports    *reports.Generator
	queue      *tasks.Queue
	scheduler  *scheduler.Scheduler
	schedStore scheduler.Store

	authService *auth.Service
	userStore   auth.UserStore
}

// Deps carries the wired components. The server owns routing and transport
// concerns only; construction of the engine and its collaborators happens in
// the entrypoint.
type Deps struct {
	Evaluator   Evaluator
	Entities    EntityStore
	Catalog     catalog.Provider
	Reports        *reports.Generator
	Queue          *tasks.Queue
	Scheduler      *scheduler.Scheduler
	SchedulerStore scheduler.Store
	AuthService    *auth.Service
	UserStore      auth.UserStore
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(cfg *config.Config, deps Deps, opts ...ServerOption) *Server {
	s := &Server{
		cfg:    cfg,
		router: chi.NewRouter(),
		logger: slog.Default(),

		evaluator:   deps.Evaluator,
		entities:    deps.Entities,
		catalog:     deps.Catalog,
		reports:     deps.Reports,
		queue:       deps.Queue,
		scheduler:   deps.Scheduler,
		schedStore:  deps.SchedulerStore,
		authService: deps.AuthService,
		userStore:   deps.UserStore,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(s.corsMiddleware())
}

func (s *Server) corsMiddleware() func(http.Handler) http.Handler {
	allowOrigin := s.cfg.Server.CORSAllowOrigin
	if allowOrigin == "" {
		allowOrigin = "*"
		s.logger.Warn("CORS Allow-Origin set to '*' - configure server.cors_allow_origin in production")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Credentials", "true")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.healthCheck)
	s.router.Get("/ready", s.readyCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.healthCheck)

		r.Post("/login", s.login)
		r.Post("/auth/refresh", s.refresh)

		r.Group(func(r chi.Router) {
			r.Use(s.authService.Middleware)

			r.Post("/auth/logout", s.logout)
			r.Get("/auth/me", s.getCurrentUser)

			r.Get("/catalog", s.getCatalog)

			r.Route("/opportunities/{opportunityID}", func(r chi.Router) {
				r.Post("/risk/evaluate", s.evaluateRisk)
				r.Get("/risk", s.getRisk)
				r.Get("/risk/evolution", s.getRiskEvolution)
				r.Get("/risk/history", s.getRiskHistory)
				r.Get("/risk/report", s.getRiskReport)
				r.Post("/outcome", s.recordOutcome)
			})

			r.Group(func(r chi.Router) {
				r.Use(auth.RequireRole(auth.RoleAdmin))

				r.Get("/users", s.listUsers)
				r.Post("/users", s.createUser)

				r.Get("/queue/stats", s.getQueueStats)

				r.Route("/jobs", func(r chi.Router) {
					r.Get("/", s.listScheduledJobs)
					r.Post("/", s.createScheduledJob)
					r.Get("/{jobID}", s.getScheduledJob)
					r.Put("/{jobID}", s.updateScheduledJob)
					r.Delete("/{jobID}", s.deleteScheduledJob)
					r.Post("/{jobID}/run", s.runScheduledJobNow)
					r.Get("/{jobID}/executions", s.getJobExecutions)
				})
			})
		})
	})
}

func (s *Server) Run(ctx context.Context) error {
	if s.scheduler != nil {
		if err := s.scheduler.Start(ctx); err != nil {
			s.logger.Error("failed to start scheduler", "error", err)
		}
	}

	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		if s.scheduler != nil {
			s.scheduler.Stop()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// Router exposes the configured handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
	})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: false,
		Error: &apiError{
			Code:    code,
			Message: message,
		},
	})
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

func (s *Server) readyCheck(w http.ResponseWriter, r *http.Request) {
	if s.entities != nil {
		if err := s.entities.Ping(r.Context()); err != nil {
			respondError(w, http.StatusServiceUnavailable, "db_unavailable", "Database not available")
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
