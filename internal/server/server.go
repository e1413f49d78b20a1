package server

import (
	"context"
	"fmt"
	"net/http"

	"turtle-signal-engine-go/internal/config"
	"turtle-signal-engine-go/internal/engine"

	"go.uber.org/zap"
)

// APIServer exposes the engine's read/query API over HTTP.
type APIServer struct {
	server *http.Server
	engine *engine.Engine
	apiKey string
	logger *zap.Logger
}

// NewAPIServer creates a new APIServer.
func NewAPIServer(cfg *config.Server, eng *engine.Engine, logger *zap.Logger) *APIServer {
	s := &APIServer{
		engine: eng,
		apiKey: cfg.ApiKey,
		logger: logger.Named("api-server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/positions", s.positionsHandler)
	mux.HandleFunc("/api/signals/analyze", s.analyzeHandler)
	mux.HandleFunc("/api/signals/latest", s.latestSignalsHandler)
	mux.HandleFunc("/api/signals/make-analysis", s.makeAnalysisHandler)
	mux.HandleFunc("/api/signals/analysis-details", s.analysisDetailsHandler)
	mux.HandleFunc("/api/trades", s.tradesHandler)
	mux.HandleFunc("/health", s.healthHandler)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: mux,
	}
	return s
}

// Start runs the HTTP server in a new goroutine.
func (s *APIServer) Start() {
	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *APIServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server...")
	return s.server.Shutdown(ctx)
}

func (s *APIServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}
