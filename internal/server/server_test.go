package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"turtle-signal-engine-go/internal/config"
	"turtle-signal-engine-go/internal/dart"
	"turtle-signal-engine-go/internal/database"
	"turtle-signal-engine-go/internal/engine"
	"turtle-signal-engine-go/internal/ledger"
	"turtle-signal-engine-go/internal/market"
	"turtle-signal-engine-go/internal/risk"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// stubMarket satisfies the market interface with no data.
type stubMarket struct{}

func (stubMarket) GetDailyPrices(context.Context, string, int) ([]market.PriceBar, error) {
	return nil, nil
}
func (stubMarket) GetQuote(context.Context, string) (*market.Quote, error) {
	return nil, fmt.Errorf("no quote")
}
func (stubMarket) Ping(context.Context) error { return nil }
func (stubMarket) Connected() bool            { return true }

// stubDart satisfies the fundamentals interface with no data.
type stubDart struct{}

func (stubDart) FetchFundamentals(context.Context, string) (*dart.FundamentalsSeries, error) {
	return nil, dart.ErrNoFinancialData
}

func newTestServer(t *testing.T) *APIServer {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db))
	require.NoError(t, database.EnsureAccount(db, "main", 1000000))

	cfg := &config.Config{
		Trading: config.Trading{AccountID: "main"},
		Risk:    config.Risk{MaxRiskPerTrade: 0.02, MaxTotalRisk: 0.06},
	}
	l := ledger.New(db, zap.NewNop(), "main", risk.Settings{
		MaxRiskPerTrade: 0.02, MaxTotalRisk: 0.06,
	}, 4)
	eng := engine.NewEngine(zap.NewNop(), cfg, stubMarket{}, stubDart{}, l)

	return NewAPIServer(&config.Server{Port: 0, ApiKey: "secret"}, eng, zap.NewNop())
}

func TestPositionsHandler(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/positions", nil)
	w := httptest.NewRecorder()
	s.positionsHandler(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp positionsResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.True(t, resp.KiwoomConnected)
	assert.Equal(t, 1000000.0, resp.Portfolio.CurrentCash)
	assert.Empty(t, resp.Portfolio.Positions)
}

func TestMakeAnalysisRejectsBadApiKey(t *testing.T) {
	s := newTestServer(t)

	body := strings.NewReader(`{"apiKey": "wrong", "investmentBudget": 1000000}`)
	req := httptest.NewRequest(http.MethodPost, "/api/signals/make-analysis", body)
	w := httptest.NewRecorder()
	s.makeAnalysisHandler(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)

	var resp map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, false, resp["success"])
}

func TestLatestSignalsEmptyBeforeFirstRun(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/signals/latest?limit=5", nil)
	w := httptest.NewRecorder()
	s.latestSignalsHandler(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, float64(0), resp["count"])
}

func TestTradesHandlerMethodNotAllowed(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/trades", nil)
	w := httptest.NewRecorder()
	s.tradesHandler(w, req)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
