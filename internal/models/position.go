package models

import "gorm.io/gorm"

// Position represents an open holding managed by the ledger.
// It is created by a BUY, resized by pyramiding, and removed
// when its quantity reaches zero on a SELL.
type Position struct {
	gorm.Model
	AccountID     string  `gorm:"index;not null" json:"account_id"`
	Symbol        string  `gorm:"uniqueIndex;not null" json:"symbol"`
	Name          string  `json:"name"`
	Quantity      int64   `gorm:"not null" json:"quantity"`
	Units         int     `gorm:"not null;default:1" json:"units"`
	AvgPrice      float64 `gorm:"not null" json:"avg_price"`
	CurrentPrice  float64 `json:"current_price"`
	StopLossPrice float64 `json:"stop_loss_price"`
	EntryDate     int64   `json:"entry_date"`
	EntrySignal   string  `json:"entry_signal"`
	ATR           float64 `json:"atr"`
	RiskAmount    float64 `json:"risk_amount"`
}

// MarketValue returns the position's value at its last marked price.
func (p *Position) MarketValue() float64 {
	return float64(p.Quantity) * p.CurrentPrice
}

// UnrealizedPL returns the profit or loss at the last marked price.
func (p *Position) UnrealizedPL() float64 {
	return float64(p.Quantity) * (p.CurrentPrice - p.AvgPrice)
}
