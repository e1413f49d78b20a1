package risk

import (
	"fmt"
	"math"
)

// Rejection reasons returned when a proposal cannot be accepted.
// A rejected signal is downgraded to informational, never executed.
const (
	RejectInsufficientCash = "INSUFFICIENT_CASH"
	RejectRiskCapExceeded  = "RISK_CAP_EXCEEDED"
	RejectZeroQuantity     = "ZERO_QUANTITY"
)

// Settings are the portfolio risk limits, loaded once per run and
// immutable while a run is in flight.
type Settings struct {
	MaxRiskPerTrade float64 `json:"max_risk_per_trade"` // fraction of equity
	MaxTotalRisk    float64 `json:"max_total_risk"`     // fraction of equity
	MinCashReserve  float64 `json:"min_cash_reserve"`
}

// Snapshot is the read-only view of the portfolio the sizer needs.
type Snapshot struct {
	CurrentCash     float64
	TotalEquity     float64
	TotalRiskAmount float64 // sum of riskAmount over open positions
}

// Proposal is a sized order the orchestrator may hand to the ledger.
// The sizer itself never mutates any state.
type Proposal struct {
	Symbol        string  `json:"symbol"`
	Quantity      int64   `json:"quantity"`
	Price         float64 `json:"price"`
	StopLossPrice float64 `json:"stop_loss_price"`
	RiskAmount    float64 `json:"risk_amount"`
	Cost          float64 `json:"cost"`
	ATR           float64 `json:"atr"`
	Reasoning     string  `json:"reasoning"`
}

// Size computes a turtle unit for a long entry: the quantity such that
// a stopMultiplier*ATR adverse move loses maxRiskPerTrade of equity.
// It returns either a proposal or a non-empty rejection reason.
func Size(symbol string, atr, price float64, snap Snapshot, settings Settings, stopMultiplier float64) (*Proposal, string, error) {
	if atr <= 0 {
		return nil, "", fmt.Errorf("invalid ATR %.4f for %s", atr, symbol)
	}
	if price <= 0 {
		return nil, "", fmt.Errorf("invalid price %.2f for %s", price, symbol)
	}

	riskBudget := snap.TotalEquity * settings.MaxRiskPerTrade
	stopDistance := atr * stopMultiplier
	quantity := int64(math.Floor(riskBudget / stopDistance))

	if quantity <= 0 {
		return nil, RejectZeroQuantity, nil
	}

	riskAmount := float64(quantity) * stopDistance
	cost := float64(quantity) * price

	if cost > snap.CurrentCash-settings.MinCashReserve {
		return nil, RejectInsufficientCash, nil
	}
	if snap.TotalRiskAmount+riskAmount > snap.TotalEquity*settings.MaxTotalRisk {
		return nil, RejectRiskCapExceeded, nil
	}

	return &Proposal{
		Symbol:        symbol,
		Quantity:      quantity,
		Price:         price,
		StopLossPrice: price - stopDistance,
		RiskAmount:    riskAmount,
		Cost:          cost,
		ATR:           atr,
		Reasoning: fmt.Sprintf("%d shares risk %.0f (%.1f%% of equity), stop at %.2f",
			quantity, riskAmount, 100*riskAmount/snap.TotalEquity, price-stopDistance),
	}, "", nil
}
