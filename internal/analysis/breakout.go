package analysis

import (
	"fmt"

	"turtle-signal-engine-go/internal/market"
)

// Signal types produced by the analyzer.
const (
	SignalBreakoutEntry = "BREAKOUT_ENTRY"
	SignalBreakoutExit  = "BREAKOUT_EXIT"
	SignalStopLoss      = "STOP_LOSS"
)

// Params configures the breakout detection windows.
type Params struct {
	EntryWindow int // N-day high channel for entries (turtle: 20 or 55)
	ExitWindow  int // M-day low channel for exits, M < N
	ATRPeriod   int // Wilder smoothing period
}

// Result is the analyzer output for one symbol on the latest bar.
type Result struct {
	Symbol      string  `json:"symbol"`
	ATR         float64 `json:"atr"`
	ChannelHigh float64 `json:"channel_high"`
	ChannelLow  float64 `json:"channel_low"`
	Close       float64 `json:"close"`
	SignalType  string  `json:"signal_type,omitempty"`
	Reasoning   string  `json:"reasoning,omitempty"`
}

// HoldingState is the read-only slice of position state the analyzer
// needs to pick between entry and exit rules.
type HoldingState struct {
	Holding       bool
	StopLossPrice float64
}

// channel returns the highest and lowest close over the last `window`
// bars excluding the latest bar.
func channel(bars []market.PriceBar, window int) (high, low float64) {
	end := len(bars) - 1 // exclude today
	high = bars[end-window].Close
	low = bars[end-window].Close
	for i := end - window; i < end; i++ {
		if bars[i].Close > high {
			high = bars[i].Close
		}
		if bars[i].Close < low {
			low = bars[i].Close
		}
	}
	return high, low
}

// Analyze computes the ATR and breakout channels for the latest bar and
// detects a turtle signal against the current holding state. When no
// rule fires, the returned Result has an empty SignalType.
func Analyze(symbol string, bars []market.PriceBar, holding HoldingState, params Params) (*Result, error) {
	need := params.EntryWindow
	if params.ExitWindow > need {
		need = params.ExitWindow
	}
	if params.ATRPeriod > need {
		need = params.ATRPeriod
	}
	if len(bars) < need+1 {
		return nil, fmt.Errorf("%w: need %d bars for %s, have %d",
			ErrInsufficientHistory, need+1, symbol, len(bars))
	}

	atr, err := ATR(bars, params.ATRPeriod)
	if err != nil {
		return nil, err
	}

	entryHigh, _ := channel(bars, params.EntryWindow)
	_, exitLow := channel(bars, params.ExitWindow)
	today := bars[len(bars)-1]

	result := &Result{
		Symbol:      symbol,
		ATR:         atr,
		ChannelHigh: entryHigh,
		ChannelLow:  exitLow,
		Close:       today.Close,
	}

	if holding.Holding {
		// Stop-loss takes precedence over the channel exit.
		if holding.StopLossPrice > 0 && today.Close <= holding.StopLossPrice {
			result.SignalType = SignalStopLoss
			result.Reasoning = fmt.Sprintf("close %.2f at or below stop %.2f", today.Close, holding.StopLossPrice)
		} else if today.Close < exitLow {
			result.SignalType = SignalBreakoutExit
			result.Reasoning = fmt.Sprintf("close %.2f below %d-day low %.2f", today.Close, params.ExitWindow, exitLow)
		} else if today.Close > entryHigh {
			// Continued breakout while holding: a pyramiding candidate.
			result.SignalType = SignalBreakoutEntry
			result.Reasoning = fmt.Sprintf("close %.2f above %d-day high %.2f while holding", today.Close, params.EntryWindow, entryHigh)
		}
		return result, nil
	}

	if today.Close > entryHigh {
		result.SignalType = SignalBreakoutEntry
		result.Reasoning = fmt.Sprintf("close %.2f above %d-day high %.2f", today.Close, params.EntryWindow, entryHigh)
	}

	return result, nil
}
