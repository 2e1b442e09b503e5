// Package api is a thin JSON HTTP surface over the engine's operations.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/clawinfra/evovariant/internal/engine"
	"github.com/clawinfra/evovariant/internal/rsi"
	"github.com/clawinfra/evovariant/internal/scheduler"
	"github.com/clawinfra/evovariant/internal/types"
)

// Core is the subset of the engine the API exposes.
type Core interface {
	SelectVariant(ctx context.Context, agent, text string, files []string) types.Selection
	RecordOutcome(ctx context.Context, agent, taskType, variantID string, outcome types.Outcome, opts ...engine.RecordOption) (engine.RecordResult, error)
	GetSafetyDecision(agent, taskType, variantID string) types.SafetyDecision
	SafetySweep(ctx context.Context) ([]types.SafetyDecision, error)
	ProposeVariants(ctx context.Context, minSamples uint64) ([]types.VariantProposal, error)
	Proposals() *rsi.Store
	Rollback(ctx context.Context, agent, taskType, from, reason string) (types.RollbackEvent, bool)
	Status() engine.Status
}

// Server is the HTTP API server
type Server struct {
	port       int
	core       Core
	sched      *scheduler.Scheduler
	logger     *slog.Logger
	httpServer *http.Server
	startedAt  time.Time
}

// NewServer creates a new API server. sched may be nil.
func NewServer(port int, core Core, sched *scheduler.Scheduler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		port:      port,
		core:      core,
		sched:     sched,
		logger:    logger.With("component", "api"),
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/select", s.handleSelect)
	mux.HandleFunc("/api/outcome", s.handleOutcome)
	mux.HandleFunc("/api/safety", s.handleSafety)
	mux.HandleFunc("/api/proposals", s.handleProposals)
	mux.HandleFunc("/api/proposals/", s.handleProposalReview)
	mux.HandleFunc("/api/rollback", s.handleRollback)
	mux.HandleFunc("/api/scheduler/jobs", s.handleSchedulerJobs)
	mux.HandleFunc("/api/scheduler/jobs/", s.handleSchedulerRunJob)
	return s.recoverMiddleware(s.loggingMiddleware(mux))
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "port", s.port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// recoverMiddleware turns a handler panic into a 500.
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panic", "path", r.URL.Path, "panic", rec)
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
