package models

import "gorm.io/gorm"

const (
	ActionBuy  = "BUY"
	ActionSell = "SELL"
)

// TradeRecord is an append-only log entry for an executed order.
// Records are never mutated or deleted after creation.
type TradeRecord struct {
	gorm.Model
	AccountID  string  `gorm:"index" json:"account_id"`
	Symbol     string  `gorm:"index;not null" json:"symbol"`
	Action     string  `gorm:"not null" json:"action"` // "BUY" or "SELL"
	Quantity   int64   `gorm:"not null" json:"quantity"`
	Price      float64 `gorm:"not null" json:"price"`
	ExecutedAt int64   `gorm:"index" json:"executed_at"`
	RealizedPL float64 `json:"realized_pl"`
	Signal     string  `json:"signal"`
}
