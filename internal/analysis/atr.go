package analysis

import (
	"errors"
	"fmt"
	"math"

	"turtle-signal-engine-go/internal/market"
)

// ErrInsufficientHistory means a symbol has too few bars for the
// requested window. The caller skips the symbol and continues.
var ErrInsufficientHistory = errors.New("insufficient price history")

// trueRange computes TR for a bar given the previous close.
func trueRange(bar market.PriceBar, prevClose float64) float64 {
	hl := bar.High - bar.Low
	hc := math.Abs(bar.High - prevClose)
	lc := math.Abs(bar.Low - prevClose)
	return math.Max(hl, math.Max(hc, lc))
}

// ATR computes the Average True Range over the given period using
// Wilder's smoothing: the first value is the simple mean of the first
// `period` true ranges, then ATR_t = ATR_{t-1} + (TR_t - ATR_{t-1})/period.
// Requires at least period+1 bars (true range needs a previous close).
func ATR(bars []market.PriceBar, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("invalid ATR period %d", period)
	}
	if len(bars) < period+1 {
		return 0, fmt.Errorf("%w: need %d bars, have %d", ErrInsufficientHistory, period+1, len(bars))
	}

	// Seed with the simple mean of the first `period` true ranges.
	var sum float64
	for i := 1; i <= period; i++ {
		sum += trueRange(bars[i], bars[i-1].Close)
	}
	atr := sum / float64(period)

	// Wilder smoothing over the remainder of the series.
	for i := period + 1; i < len(bars); i++ {
		tr := trueRange(bars[i], bars[i-1].Close)
		atr += (tr - atr) / float64(period)
	}

	return atr, nil
}
