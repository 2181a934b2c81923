// Package controller contains the orchestrator-specific logic for the HTTP API.
package controller

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"flowplane/internal/controller/handlers"
	"flowplane/internal/controller/middleware"
	"flowplane/internal/credentials"
	"flowplane/internal/lifecycle"
	"flowplane/internal/logger"

	"github.com/google/uuid"
)

// Config holds the server-level settings.
type Config struct {
	// WorkerSharedSecret authenticates worker agents for task claiming.
	WorkerSharedSecret string
}

// Server is the HTTP server for the orchestrator API.
type Server struct {
	httpServer *http.Server
}

// New creates a new orchestrator server.
func New(addr string, store handlers.StoreFactory, lm *lifecycle.Manager, creds *credentials.Service, cfg Config, metricsHandler http.Handler, log *slog.Logger) *Server {
	h := handlers.New(store, lm, creds, log)

	orgMW := middleware.OrgAuth(store)
	rateMW := middleware.RateLimit()
	workerMW := middleware.RequireWorkerAuth(cfg.WorkerSharedSecret)
	capMW := middleware.CapTokenAuth(lm)

	operator := func(h http.HandlerFunc) http.Handler {
		return orgMW(rateMW(h))
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}

	// Admin
	mux.HandleFunc("POST /v1/orgs", h.CreateOrg)

	// Operator APIs, scoped by org
	mux.Handle("POST /v1/datasets", operator(h.CreateDataset))
	mux.Handle("GET /v1/datasets/{id}", operator(h.GetDataset))
	mux.Handle("GET /v1/datasets/{id}/versions", operator(h.ListVersions))
	mux.Handle("DELETE /v1/datasets/{id}/versions/{vid}", operator(h.PurgeVersion))
	mux.Handle("POST /v1/jobs", operator(h.CreateJob))
	mux.Handle("POST /v1/jobs/{id}/trigger", operator(h.TriggerJob))
	mux.Handle("GET /v1/tasks/{id}", operator(h.GetTask))
	mux.Handle("POST /v1/tasks/{id}/cancel", operator(h.CancelTask))
	mux.Handle("GET /v1/outbox/failed", operator(h.ListFailedOutbox))
	mux.Handle("POST /v1/outbox/{id}/retry", operator(h.RetryOutbox))

	// Worker endpoints
	// Claiming needs only the shared worker secret; everything after the
	// claim is fenced by the attempt's capability token.
	// These should run on a separate port or strict network rules.
	mux.Handle("POST /v1/tasks/{id}/claim", workerMW(http.HandlerFunc(h.ClaimTask)))
	mux.Handle("POST /v1/tasks/{id}/heartbeat", capMW(http.HandlerFunc(h.Heartbeat)))
	mux.Handle("POST /v1/tasks/{id}/events", capMW(http.HandlerFunc(h.EmitEvents)))
	mux.Handle("POST /v1/tasks/{id}/complete", capMW(http.HandlerFunc(h.Complete)))
	mux.Handle("POST /v1/credentials", capMW(http.HandlerFunc(h.MintCredentials)))

	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      requestID(mux),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
	}
}

// requestID assigns a correlation id to every request.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(logger.WithRequestID(r.Context(), reqID)))
	})
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
