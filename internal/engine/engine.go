package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"turtle-signal-engine-go/internal/analysis"
	"turtle-signal-engine-go/internal/config"
	"turtle-signal-engine-go/internal/dart"
	"turtle-signal-engine-go/internal/ledger"
	"turtle-signal-engine-go/internal/market"
	"turtle-signal-engine-go/internal/risk"
	"turtle-signal-engine-go/internal/screener"

	"go.uber.org/zap"
)

// ErrRunInProgress means another run holds the account's run lock.
// Overlapping runs are serialized, never interleaved.
var ErrRunInProgress = errors.New("a run is already in progress for this account")

// Signal statuses on a run result.
const (
	StatusExecuted      = "EXECUTED"
	StatusRejected      = "REJECTED"
	StatusInformational = "INFORMATIONAL"
)

// RecommendedAction describes what the engine proposes (or did) for a signal.
type RecommendedAction struct {
	Action     string  `json:"action"`
	Quantity   int64   `json:"quantity"`
	RiskAmount float64 `json:"risk_amount"`
	Reasoning  string  `json:"reasoning"`
}

// Signal is one detected trading signal. Signals are ephemeral: they are
// produced per run and only cached for the latest-signals endpoint.
type Signal struct {
	Symbol            string            `json:"symbol"`
	SignalType        string            `json:"signal_type"`
	CurrentPrice      float64           `json:"current_price"`
	RecommendedAction RecommendedAction `json:"recommended_action"`
	Status            string            `json:"status"`
	RejectReason      string            `json:"reject_reason,omitempty"`
	DetectedAt        int64             `json:"detected_at"`
}

// RunError records a per-symbol failure that did not abort the batch.
type RunError struct {
	Symbol string `json:"symbol"`
	Error  string `json:"error"`
}

// TurtleRunResult summarizes one turtle-engine run.
type TurtleRunResult struct {
	Analyzed  int        `json:"analyzed"`
	Executed  int        `json:"executed"`
	Rejected  int        `json:"rejected"`
	Signals   []Signal   `json:"signals"`
	Errors    []RunError `json:"errors"`
	Timestamp time.Time  `json:"timestamp"`
}

// ScreenerSummary summarizes one screener run.
type ScreenerSummary struct {
	Analyzed         int        `json:"analyzed"`
	Qualified        int        `json:"qualified"`
	Failed           int        `json:"failed"`
	InvestmentBudget float64    `json:"investment_budget"`
	Errors           []RunError `json:"errors"`
	Timestamp        time.Time  `json:"timestamp"`
}

// ScreenerRun is the full result set of one screener run.
type ScreenerRun struct {
	Summary         ScreenerSummary     `json:"summary"`
	QualifiedStocks []screener.Analysis `json:"qualifiedStocks"`
	AllStocks       []screener.Analysis `json:"allAnalyzedStocks"`
}

// Engine orchestrates analysis runs over the configured symbol universe.
// Gateways and analyzers are stateless; all portfolio mutation goes
// through the ledger, serialized by the per-account run lock.
type Engine struct {
	logger *zap.Logger
	cfg    *config.Config
	market market.ClientInterface
	dart   dart.ClientInterface
	ledger *ledger.Ledger

	mu       sync.Mutex
	runLocks map[string]*sync.Mutex

	resultsMu    sync.RWMutex
	lastSignals  []Signal
	lastScreener *ScreenerRun
}

// NewEngine creates a new analysis orchestrator.
func NewEngine(logger *zap.Logger, cfg *config.Config, marketClient market.ClientInterface, dartClient dart.ClientInterface, l *ledger.Ledger) *Engine {
	return &Engine{
		logger:   logger,
		cfg:      cfg,
		market:   marketClient,
		dart:     dartClient,
		ledger:   l,
		runLocks: make(map[string]*sync.Mutex),
	}
}

// runLock returns the lock serializing runs for an account.
func (e *Engine) runLock(accountID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.runLocks[accountID]
	if !ok {
		l = &sync.Mutex{}
		e.runLocks[accountID] = l
	}
	return l
}

// MarketConnected reports whether the market gateway is live.
func (e *Engine) MarketConnected() bool {
	return e.market.Connected()
}

// Ledger exposes the portfolio ledger for read-only API handlers.
func (e *Engine) Ledger() *ledger.Ledger {
	return e.ledger
}

// priceFetch carries one symbol's price history out of the fan-out stage.
type priceFetch struct {
	symbol string
	bars   []market.PriceBar
	err    error
}

// RunTurtle executes one turtle-engine run: fetch prices, detect
// breakout signals, size accepted entries and apply them to the ledger.
// Per-symbol failures are recorded and do not stop the batch; a ledger
// persistence failure aborts the whole run.
func (e *Engine) RunTurtle(ctx context.Context) (*TurtleRunResult, error) {
	lock := e.runLock(e.cfg.Trading.AccountID)
	if !lock.TryLock() {
		return nil, ErrRunInProgress
	}
	defer lock.Unlock()

	symbols := e.cfg.Trading.Symbols
	params := analysis.Params{
		EntryWindow: e.cfg.Trading.EntryWindow,
		ExitWindow:  e.cfg.Trading.ExitWindow,
		ATRPeriod:   e.cfg.Trading.ATRPeriod,
	}
	barCount := params.EntryWindow + params.ATRPeriod + 10

	result := &TurtleRunResult{Timestamp: time.Now(), Signals: []Signal{}, Errors: []RunError{}}

	// Price fetches are read-only, so they fan out concurrently.
	// The mutation step below stays sequential.
	var wg sync.WaitGroup
	fetches := make(chan priceFetch, len(symbols))
	for _, s := range symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			bars, err := e.market.GetDailyPrices(ctx, symbol, barCount)
			fetches <- priceFetch{symbol: symbol, bars: bars, err: err}
		}(s)
	}
	go func() {
		wg.Wait()
		close(fetches)
	}()

	barsBySymbol := make(map[string][]market.PriceBar, len(symbols))
	for f := range fetches {
		if f.err != nil {
			e.logger.Warn("Price fetch failed, skipping symbol",
				zap.String("symbol", f.symbol), zap.Error(f.err))
			result.Errors = append(result.Errors, RunError{Symbol: f.symbol, Error: f.err.Error()})
			continue
		}
		barsBySymbol[f.symbol] = f.bars
	}

	for _, symbol := range symbols {
		select {
		case <-ctx.Done():
			e.logger.Info("Run cancelled, dropping remaining symbols")
			e.storeSignals(result.Signals)
			return result, ctx.Err()
		default:
		}

		bars, ok := barsBySymbol[symbol]
		if !ok {
			continue
		}

		sig, err := e.analyzeSymbol(ctx, symbol, bars, params)
		if err != nil {
			if errors.Is(err, analysis.ErrInsufficientHistory) {
				e.logger.Warn("Insufficient history, skipping symbol",
					zap.String("symbol", symbol), zap.Error(err))
				result.Errors = append(result.Errors, RunError{Symbol: symbol, Error: err.Error()})
				continue
			}
			// Anything else here is a ledger/storage failure: fatal.
			e.storeSignals(result.Signals)
			return result, fmt.Errorf("run aborted at %s: %w", symbol, err)
		}

		result.Analyzed++
		if sig == nil {
			continue
		}

		result.Signals = append(result.Signals, *sig)
		switch sig.Status {
		case StatusExecuted:
			result.Executed++
		case StatusRejected:
			result.Rejected++
		}
	}

	e.storeSignals(result.Signals)
	e.logger.Info("Turtle run complete",
		zap.Int("analyzed", result.Analyzed),
		zap.Int("signals", len(result.Signals)),
		zap.Int("executed", result.Executed),
		zap.Int("rejected", result.Rejected),
		zap.Int("errors", len(result.Errors)),
	)
	return result, nil
}

// analyzeSymbol runs detection and, when a signal fires, the sizing and
// ledger step for one symbol. It returns nil when no rule fired.
func (e *Engine) analyzeSymbol(ctx context.Context, symbol string, bars []market.PriceBar, params analysis.Params) (*Signal, error) {
	pos, err := e.ledger.Position(symbol)
	if err != nil {
		return nil, err
	}

	holding := analysis.HoldingState{}
	if pos != nil {
		holding.Holding = true
		holding.StopLossPrice = pos.StopLossPrice
	}

	res, err := analysis.Analyze(symbol, bars, holding, params)
	if err != nil {
		return nil, err
	}

	if pos != nil {
		if err := e.ledger.MarkPrice(symbol, res.Close); err != nil {
			return nil, err
		}
	}

	if res.SignalType == "" {
		return nil, nil
	}

	sig := &Signal{
		Symbol:       symbol,
		SignalType:   res.SignalType,
		CurrentPrice: res.Close,
		DetectedAt:   time.Now().Unix(),
	}

	switch res.SignalType {
	case analysis.SignalBreakoutEntry:
		return e.handleEntry(ctx, sig, res, pos != nil)
	case analysis.SignalBreakoutExit, analysis.SignalStopLoss:
		record, err := e.ledger.Sell(symbol, res.Close, res.SignalType)
		if err != nil {
			if errors.Is(err, ledger.ErrPositionNotFound) {
				sig.Status = StatusInformational
				sig.RejectReason = err.Error()
				return sig, nil
			}
			return nil, err
		}
		sig.Status = StatusExecuted
		sig.RecommendedAction = RecommendedAction{
			Action:    "SELL",
			Quantity:  record.Quantity,
			Reasoning: res.Reasoning,
		}
		return sig, nil
	}
	return sig, nil
}

// handleEntry sizes a breakout entry and applies it when accepted.
func (e *Engine) handleEntry(ctx context.Context, sig *Signal, res *analysis.Result, holding bool) (*Signal, error) {
	snap, err := e.ledger.RiskSnapshot()
	if err != nil {
		return nil, err
	}

	proposal, rejectReason, err := risk.Size(sig.Symbol, res.ATR, res.Close, snap,
		e.ledger.Settings(), e.cfg.Trading.StopMultiplier)
	if err != nil {
		return nil, err
	}
	if rejectReason != "" {
		sig.Status = StatusRejected
		sig.RejectReason = rejectReason
		sig.RecommendedAction = RecommendedAction{Action: "BUY", Reasoning: res.Reasoning}
		e.logger.Info("Entry proposal rejected by sizer",
			zap.String("symbol", sig.Symbol), zap.String("reason", rejectReason))
		return sig, nil
	}

	name := sig.Symbol
	if quote, err := e.market.GetQuote(ctx, sig.Symbol); err == nil {
		name = quote.Name
	}

	if err := e.ledger.Buy(proposal, name, sig.SignalType); err != nil {
		if errors.Is(err, ledger.ErrInsufficientCash) ||
			errors.Is(err, ledger.ErrRiskCapExceeded) ||
			errors.Is(err, ledger.ErrMaxUnitsReached) {
			sig.Status = StatusRejected
			sig.RejectReason = err.Error()
			sig.RecommendedAction = RecommendedAction{Action: "BUY", Reasoning: res.Reasoning}
			e.logger.Info("Entry proposal rejected by ledger",
				zap.String("symbol", sig.Symbol), zap.Error(err))
			return sig, nil
		}
		return nil, err
	}

	sig.Status = StatusExecuted
	sig.RecommendedAction = RecommendedAction{
		Action:     "BUY",
		Quantity:   proposal.Quantity,
		RiskAmount: proposal.RiskAmount,
		Reasoning:  proposal.Reasoning,
	}
	e.logger.Info("Entry executed",
		zap.String("symbol", sig.Symbol),
		zap.Int64("quantity", proposal.Quantity),
		zap.Bool("pyramid", holding),
	)
	return sig, nil
}

// storeSignals caches the run's signals for the latest-signals endpoint.
func (e *Engine) storeSignals(signals []Signal) {
	e.resultsMu.Lock()
	defer e.resultsMu.Unlock()
	e.lastSignals = signals
}

// LatestSignals returns up to limit signals from the most recent run.
func (e *Engine) LatestSignals(limit int) []Signal {
	e.resultsMu.RLock()
	defer e.resultsMu.RUnlock()
	signals := e.lastSignals
	if limit > 0 && limit < len(signals) {
		signals = signals[:limit]
	}
	out := make([]Signal, len(signals))
	copy(out, signals)
	return out
}

// LastScreenerRun returns the most recent screener result set, or nil.
func (e *Engine) LastScreenerRun() *ScreenerRun {
	e.resultsMu.RLock()
	defer e.resultsMu.RUnlock()
	return e.lastScreener
}

// RunLoop runs scheduled turtle analyses until the context is cancelled.
func (e *Engine) RunLoop(ctx context.Context) {
	interval := time.Duration(e.cfg.Trading.TickInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("Starting scheduled analysis loop", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Stopping analysis loop...")
			return
		case <-ticker.C:
			if _, err := e.RunTurtle(ctx); err != nil && !errors.Is(err, ErrRunInProgress) {
				e.logger.Error("Scheduled run failed", zap.Error(err))
			}
		}
	}
}
