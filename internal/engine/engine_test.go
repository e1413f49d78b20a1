package engine

import (
	"context"
	"fmt"
	"testing"

	"turtle-signal-engine-go/internal/analysis"
	"turtle-signal-engine-go/internal/config"
	"turtle-signal-engine-go/internal/dart"
	"turtle-signal-engine-go/internal/database"
	"turtle-signal-engine-go/internal/ledger"
	"turtle-signal-engine-go/internal/market"
	"turtle-signal-engine-go/internal/risk"
	"turtle-signal-engine-go/internal/screener"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const testAccount = "test-account"

// fakeMarket serves canned bars and quotes per symbol. It records the
// context of the last quote call so tests can check it is the run's.
type fakeMarket struct {
	bars     map[string][]market.PriceBar
	quotes   map[string]*market.Quote
	errs     map[string]error
	quoteCtx context.Context
}

func (f *fakeMarket) GetDailyPrices(_ context.Context, symbol string, _ int) ([]market.PriceBar, error) {
	if err, ok := f.errs[symbol]; ok {
		return nil, err
	}
	return f.bars[symbol], nil
}

func (f *fakeMarket) GetQuote(ctx context.Context, symbol string) (*market.Quote, error) {
	f.quoteCtx = ctx
	if err, ok := f.errs[symbol]; ok {
		return nil, err
	}
	q, ok := f.quotes[symbol]
	if !ok {
		return nil, fmt.Errorf("no quote for %s", symbol)
	}
	return q, nil
}

func (f *fakeMarket) Ping(context.Context) error { return nil }
func (f *fakeMarket) Connected() bool            { return true }

// fakeDart serves canned fundamentals per symbol.
type fakeDart struct {
	series map[string]*dart.FundamentalsSeries
	errs   map[string]error
}

func (f *fakeDart) FetchFundamentals(_ context.Context, symbol string) (*dart.FundamentalsSeries, error) {
	if err, ok := f.errs[symbol]; ok {
		return nil, err
	}
	s, ok := f.series[symbol]
	if !ok {
		return nil, dart.ErrNoFinancialData
	}
	return s, nil
}

// barsFromCloses builds bars with a 2-point range around each close.
func barsFromCloses(closes ...float64) []market.PriceBar {
	bars := make([]market.PriceBar, len(closes))
	for i, c := range closes {
		bars[i] = market.PriceBar{Open: c, High: c + 1, Low: c - 1, Close: c}
	}
	return bars
}

func testConfig(symbols, universe []string) *config.Config {
	return &config.Config{
		Trading: config.Trading{
			AccountID:      testAccount,
			Symbols:        symbols,
			EntryWindow:    5,
			ExitWindow:     3,
			ATRPeriod:      5,
			StopMultiplier: 2.0,
			MaxUnits:       4,
		},
		Risk: config.Risk{
			MaxRiskPerTrade: 0.02,
			MaxTotalRisk:    0.06,
		},
		Screener: config.Screener{
			Universe:           universe,
			MinRevenueGrowth:   15.0,
			MinNetIncomeGrowth: 15.0,
			MaxPSR:             0.75,
			StrongGrowth:       30.0,
			StrongPSR:          0.5,
			Concurrency:        2,
		},
	}
}

// newTestEngine wires an engine over an in-memory database and fakes.
func newTestEngine(t *testing.T, cfg *config.Config, m market.ClientInterface, d dart.ClientInterface, cash float64) *Engine {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db))
	require.NoError(t, database.EnsureAccount(db, testAccount, cash))

	settings := risk.Settings{
		MaxRiskPerTrade: cfg.Risk.MaxRiskPerTrade,
		MaxTotalRisk:    cfg.Risk.MaxTotalRisk,
		MinCashReserve:  cfg.Risk.MinCashReserve,
	}
	l := ledger.New(db, zap.NewNop(), testAccount, settings, cfg.Trading.MaxUnits)
	return NewEngine(zap.NewNop(), cfg, m, d, l)
}

func TestRunTurtleExecutesBreakoutEntry(t *testing.T) {
	breakout := barsFromCloses(98, 99, 100, 99, 98, 99, 100, 99, 98, 101)
	m := &fakeMarket{
		bars:   map[string][]market.PriceBar{"005930": breakout},
		quotes: map[string]*market.Quote{"005930": {Symbol: "005930", Name: "Samsung Electronics", Price: 101}},
	}
	e := newTestEngine(t, testConfig([]string{"005930"}, nil), m, &fakeDart{}, 1000000)

	result, err := e.RunTurtle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Analyzed)
	assert.Equal(t, 1, result.Executed)
	require.Len(t, result.Signals, 1)
	sig := result.Signals[0]
	assert.Equal(t, analysis.SignalBreakoutEntry, sig.SignalType)
	assert.Equal(t, StatusExecuted, sig.Status)
	assert.Equal(t, "BUY", sig.RecommendedAction.Action)
	assert.Greater(t, sig.RecommendedAction.Quantity, int64(0))

	pos, err := e.Ledger().Position("005930")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, "Samsung Electronics", pos.Name)

	// The run's signals are cached for the latest-signals endpoint.
	assert.Len(t, e.LatestSignals(10), 1)
}

type runCtxKey struct{}

func TestEntryQuoteUsesRunContext(t *testing.T) {
	breakout := barsFromCloses(98, 99, 100, 99, 98, 99, 100, 99, 98, 101)
	m := &fakeMarket{
		bars:   map[string][]market.PriceBar{"005930": breakout},
		quotes: map[string]*market.Quote{"005930": {Symbol: "005930", Name: "Samsung Electronics", Price: 101}},
	}
	e := newTestEngine(t, testConfig([]string{"005930"}, nil), m, &fakeDart{}, 1000000)

	ctx := context.WithValue(context.Background(), runCtxKey{}, "turtle")
	_, err := e.RunTurtle(ctx)
	require.NoError(t, err)

	// The quote lookup on the entry path must run under the run's
	// context so a cancelled run does not hang on the broker.
	require.NotNil(t, m.quoteCtx)
	assert.Equal(t, "turtle", m.quoteCtx.Value(runCtxKey{}))
}

func TestRunTurtleStopLossClosesPosition(t *testing.T) {
	falling := barsFromCloses(10000, 10100, 10200, 10100, 10000, 10100, 10000, 9900, 9800, 9550)
	m := &fakeMarket{bars: map[string][]market.PriceBar{"005930": falling}}
	e := newTestEngine(t, testConfig([]string{"005930"}, nil), m, &fakeDart{}, 1000000)

	// Seed an open position with a 9,600 stop (avg 10,000, ATR 200, 2N).
	proposal := &risk.Proposal{
		Symbol: "005930", Quantity: 10, Price: 10000,
		StopLossPrice: 9600, RiskAmount: 4000, Cost: 100000, ATR: 200,
	}
	require.NoError(t, e.Ledger().Buy(proposal, "Samsung Electronics", "BREAKOUT_ENTRY"))

	result, err := e.RunTurtle(context.Background())
	require.NoError(t, err)

	require.Len(t, result.Signals, 1)
	assert.Equal(t, analysis.SignalStopLoss, result.Signals[0].SignalType)
	assert.Equal(t, StatusExecuted, result.Signals[0].Status)

	pos, err := e.Ledger().Position("005930")
	require.NoError(t, err)
	assert.Nil(t, pos, "position must be closed")

	trades, err := e.Ledger().Trades(0)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, (9550.0-10000.0)*10, trades[0].RealizedPL)
}

func TestRunTurtlePartialFailure(t *testing.T) {
	breakout := barsFromCloses(98, 99, 100, 99, 98, 99, 100, 99, 98, 101)
	m := &fakeMarket{
		bars: map[string][]market.PriceBar{
			"005930": breakout,
			"000660": barsFromCloses(100, 101), // too short
		},
		quotes: map[string]*market.Quote{"005930": {Symbol: "005930", Name: "Samsung Electronics", Price: 101}},
		errs:   map[string]error{"035420": fmt.Errorf("gateway timeout")},
	}
	e := newTestEngine(t, testConfig([]string{"005930", "000660", "035420"}, nil), m, &fakeDart{}, 1000000)

	result, err := e.RunTurtle(context.Background())
	require.NoError(t, err, "per-symbol failures must not abort the batch")

	assert.Equal(t, 1, result.Analyzed)
	assert.Equal(t, 1, result.Executed)
	assert.Len(t, result.Errors, 2)
}

func TestRunTurtleRejectedEntryIsInformational(t *testing.T) {
	breakout := barsFromCloses(98, 99, 100, 99, 98, 99, 100, 99, 98, 101)
	m := &fakeMarket{
		bars:   map[string][]market.PriceBar{"005930": breakout},
		quotes: map[string]*market.Quote{"005930": {Symbol: "005930", Name: "Samsung Electronics", Price: 101}},
	}
	// Equity so small the unit size floors to zero.
	e := newTestEngine(t, testConfig([]string{"005930"}, nil), m, &fakeDart{}, 100)

	result, err := e.RunTurtle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Rejected)
	require.Len(t, result.Signals, 1)
	assert.Equal(t, StatusRejected, result.Signals[0].Status)
	assert.NotEmpty(t, result.Signals[0].RejectReason)

	pos, err := e.Ledger().Position("005930")
	require.NoError(t, err)
	assert.Nil(t, pos)
}

func TestRunLockSerializesRuns(t *testing.T) {
	e := newTestEngine(t, testConfig([]string{"005930"}, nil), &fakeMarket{}, &fakeDart{}, 1000000)

	lock := e.runLock(testAccount)
	lock.Lock()
	defer lock.Unlock()

	_, err := e.RunTurtle(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)

	_, err = e.RunScreener(context.Background(), 0)
	assert.ErrorIs(t, err, ErrRunInProgress)
}

func TestRunScreener(t *testing.T) {
	m := &fakeMarket{
		quotes: map[string]*market.Quote{
			"GOOD": {Symbol: "GOOD", Name: "Good Co", Price: 10, ListedShares: 10},
			"FLAT": {Symbol: "FLAT", Name: "Flat Co", Price: 100, ListedShares: 1000},
			"GONE": {Symbol: "GONE", Name: "Gone Co", Price: 5, ListedShares: 100},
		},
	}
	d := &fakeDart{
		series: map[string]*dart.FundamentalsSeries{
			"GOOD": {Symbol: "GOOD", Years: []dart.FiscalYear{
				{Year: 2024, Revenue: 200, NetIncome: 100},
				{Year: 2023, Revenue: 140, NetIncome: 70},
				{Year: 2022, Revenue: 100, NetIncome: 50},
			}},
			"FLAT": {Symbol: "FLAT", Years: []dart.FiscalYear{
				{Year: 2024, Revenue: 100, NetIncome: 10},
				{Year: 2023, Revenue: 100, NetIncome: 10},
				{Year: 2022, Revenue: 100, NetIncome: 10},
			}},
		},
		errs: map[string]error{"GONE": dart.ErrNoFinancialData},
	}
	e := newTestEngine(t, testConfig(nil, []string{"GOOD", "FLAT", "GONE"}), m, d, 1000000)

	run, err := e.RunScreener(context.Background(), 5000000)
	require.NoError(t, err)

	assert.Equal(t, 3, run.Summary.Analyzed)
	assert.Equal(t, 1, run.Summary.Qualified)
	assert.Equal(t, 1, run.Summary.Failed)
	assert.Equal(t, 5000000.0, run.Summary.InvestmentBudget)
	require.Len(t, run.Summary.Errors, 1)
	assert.Equal(t, "GONE", run.Summary.Errors[0].Symbol)

	require.Len(t, run.QualifiedStocks, 1)
	assert.Equal(t, "GOOD", run.QualifiedStocks[0].Symbol)
	assert.Equal(t, screener.ScoreStrong, run.QualifiedStocks[0].Score)

	// The qualified stock ranks first in the full list.
	require.Len(t, run.AllStocks, 3)
	assert.Equal(t, "GOOD", run.AllStocks[0].Symbol)

	// The unavailable symbol is marked, not fabricated.
	for _, a := range run.AllStocks {
		if a.Symbol == "GONE" {
			assert.Equal(t, screener.SourceUnavailable, a.DataSource)
		}
	}

	// The run is cached for the analysis-details endpoint.
	assert.Equal(t, run, e.LastScreenerRun())
}

func TestScreenerIdempotentOnIdenticalInput(t *testing.T) {
	m := &fakeMarket{
		quotes: map[string]*market.Quote{
			"GOOD": {Symbol: "GOOD", Name: "Good Co", Price: 10, ListedShares: 10},
		},
	}
	d := &fakeDart{
		series: map[string]*dart.FundamentalsSeries{
			"GOOD": {Symbol: "GOOD", Years: []dart.FiscalYear{
				{Year: 2024, Revenue: 200, NetIncome: 100},
				{Year: 2023, Revenue: 140, NetIncome: 70},
				{Year: 2022, Revenue: 100, NetIncome: 50},
			}},
		},
	}
	e := newTestEngine(t, testConfig(nil, []string{"GOOD"}), m, d, 1000000)

	first, err := e.RunScreener(context.Background(), 0)
	require.NoError(t, err)
	second, err := e.RunScreener(context.Background(), 0)
	require.NoError(t, err)

	assert.Equal(t, first.AllStocks, second.AllStocks)
	assert.Equal(t, first.QualifiedStocks, second.QualifiedStocks)
}
