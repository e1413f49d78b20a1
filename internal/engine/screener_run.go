package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"turtle-signal-engine-go/internal/screener"

	"go.uber.org/zap"
)

// screenResult carries one symbol's screening outcome out of the pool.
type screenResult struct {
	analysis screener.Analysis
	err      error
}

// RunScreener executes one superstock screening run over the configured
// universe with a bounded worker pool. The DART client's shared rate
// limiter keeps the aggregate call rate within the provider limit no
// matter how many workers run. Per-symbol failures mark the symbol
// UNAVAILABLE and the batch continues.
func (e *Engine) RunScreener(ctx context.Context, investmentBudget float64) (*ScreenerRun, error) {
	lock := e.runLock(e.cfg.Trading.AccountID)
	if !lock.TryLock() {
		return nil, ErrRunInProgress
	}
	defer lock.Unlock()

	universe := e.cfg.Screener.Universe
	thresholds := screener.Thresholds{
		MinRevenueGrowth:   e.cfg.Screener.MinRevenueGrowth,
		MinNetIncomeGrowth: e.cfg.Screener.MinNetIncomeGrowth,
		MaxPSR:             e.cfg.Screener.MaxPSR,
		StrongGrowth:       e.cfg.Screener.StrongGrowth,
		StrongPSR:          e.cfg.Screener.StrongPSR,
	}

	workers := e.cfg.Screener.Concurrency
	if workers <= 0 {
		workers = 1
	}

	jobs := make(chan string)
	results := make(chan screenResult, len(universe))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for symbol := range jobs {
				results <- e.screenSymbol(ctx, symbol, thresholds)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, symbol := range universe {
			select {
			case jobs <- symbol:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	run := &ScreenerRun{
		Summary: ScreenerSummary{
			InvestmentBudget: investmentBudget,
			Errors:           []RunError{},
			Timestamp:        time.Now(),
		},
		QualifiedStocks: []screener.Analysis{},
		AllStocks:       []screener.Analysis{},
	}

	for r := range results {
		run.Summary.Analyzed++
		if r.err != nil {
			run.Summary.Failed++
			run.Summary.Errors = append(run.Summary.Errors,
				RunError{Symbol: r.analysis.Symbol, Error: r.err.Error()})
		}
		run.AllStocks = append(run.AllStocks, r.analysis)
	}

	if err := ctx.Err(); err != nil {
		return run, err
	}

	screener.Rank(run.AllStocks)
	run.QualifiedStocks = screener.Qualified(run.AllStocks)
	run.Summary.Qualified = len(run.QualifiedStocks)

	e.resultsMu.Lock()
	e.lastScreener = run
	e.resultsMu.Unlock()

	e.logger.Info("Screener run complete",
		zap.Int("analyzed", run.Summary.Analyzed),
		zap.Int("qualified", run.Summary.Qualified),
		zap.Int("failed", run.Summary.Failed),
	)
	return run, nil
}

// screenSymbol fetches the quote and fundamentals for one symbol and
// computes its analysis. Any gateway failure yields an UNAVAILABLE
// placeholder so callers can tell missing data from a failing screen.
func (e *Engine) screenSymbol(ctx context.Context, symbol string, th screener.Thresholds) screenResult {
	unavailable := screener.Analysis{
		Symbol:     symbol,
		Score:      screener.ScoreFail,
		DataSource: screener.SourceUnavailable,
	}

	quote, err := e.market.GetQuote(ctx, symbol)
	if err != nil {
		e.logger.Warn("Quote fetch failed for screening",
			zap.String("symbol", symbol), zap.Error(err))
		return screenResult{analysis: unavailable, err: err}
	}
	unavailable.Name = quote.Name
	unavailable.CurrentPrice = quote.Price

	series, err := e.dart.FetchFundamentals(ctx, symbol)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return screenResult{analysis: unavailable, err: err}
		}
		e.logger.Warn("Fundamentals fetch failed, marking unavailable",
			zap.String("symbol", symbol), zap.Error(err))
		return screenResult{analysis: unavailable, err: err}
	}

	return screenResult{
		analysis: screener.Analyze(series, quote.Name, quote.Price, quote.ListedShares, th),
	}
}
