package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"turtle-signal-engine-go/internal/engine"
	"turtle-signal-engine-go/internal/ledger"
	"turtle-signal-engine-go/internal/models"

	"go.uber.org/zap"
)

// writeJSON writes a JSON response with the given status code.
func (s *APIServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// writeError writes a failure envelope.
func (s *APIServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]any{
		"success": false,
		"error":   message,
	})
}

// parseLimit reads the optional ?limit=N query parameter.
func parseLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// positionsResponse is the payload for GET /api/positions.
type positionsResponse struct {
	Success         bool              `json:"success"`
	Portfolio       *ledger.Portfolio `json:"portfolio"`
	KiwoomConnected bool              `json:"kiwoomConnected"`
}

// positionsHandler returns the current portfolio snapshot.
func (s *APIServer) positionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	snapshot, err := s.engine.Ledger().Snapshot()
	if err != nil {
		s.logger.Error("Failed to build portfolio snapshot", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load portfolio")
		return
	}

	s.writeJSON(w, http.StatusOK, positionsResponse{
		Success:         true,
		Portfolio:       snapshot,
		KiwoomConnected: s.engine.MarketConnected(),
	})
}

// analyzeHandler triggers one turtle-engine run.
func (s *APIServer) analyzeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	result, err := s.engine.RunTurtle(r.Context())
	if err != nil {
		if errors.Is(err, engine.ErrRunInProgress) {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Error("Turtle run failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "analysis run failed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"signals": result.Signals,
		"count":   len(result.Signals),
		"summary": result,
	})
}

// latestSignalsHandler returns the last N signals of the most recent run.
func (s *APIServer) latestSignalsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	limit := parseLimit(r, 20)
	signals := s.engine.LatestSignals(limit)

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"signals": signals,
		"count":   len(signals),
	})
}

// makeAnalysisRequest is the body for POST /api/signals/make-analysis.
// ApiKey authenticates the caller; the DART key is an environment secret
// and never travels through this endpoint.
type makeAnalysisRequest struct {
	ApiKey           string  `json:"apiKey"`
	InvestmentBudget float64 `json:"investmentBudget"`
}

// makeAnalysisHandler triggers one superstock screener run.
func (s *APIServer) makeAnalysisHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req makeAnalysisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if s.apiKey == "" || req.ApiKey != s.apiKey {
		s.writeError(w, http.StatusUnauthorized, "invalid api key")
		return
	}

	run, err := s.engine.RunScreener(r.Context(), req.InvestmentBudget)
	if err != nil {
		if errors.Is(err, engine.ErrRunInProgress) {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Error("Screener run failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "screener run failed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"summary": run.Summary,
		"superstocks": map[string]any{
			"qualifiedStocks":   run.QualifiedStocks,
			"allAnalyzedStocks": run.AllStocks,
		},
	})
}

// analysisDetailsHandler returns the last screener run's full results.
func (s *APIServer) analysisDetailsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	run := s.engine.LastScreenerRun()
	if run == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"run":     nil,
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"run":     run,
	})
}

// tradesResponse is the payload for GET /api/trades.
type tradesResponse struct {
	Success bool                 `json:"success"`
	Trades  []models.TradeRecord `json:"trades"`
	Stats   *ledger.Stats        `json:"stats"`
}

// tradesHandler returns recent trade records plus aggregate statistics.
func (s *APIServer) tradesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	limit := parseLimit(r, 50)
	trades, err := s.engine.Ledger().Trades(limit)
	if err != nil {
		s.logger.Error("Failed to load trades", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load trades")
		return
	}

	stats, err := s.engine.Ledger().CalculateStats()
	if err != nil {
		s.logger.Error("Failed to calculate statistics", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to calculate statistics")
		return
	}

	s.writeJSON(w, http.StatusOK, tradesResponse{
		Success: true,
		Trades:  trades,
		Stats:   stats,
	})
}
