package models

import "gorm.io/gorm"

// Account holds the cash balance for a trading account.
// There is one row per account ID.
type Account struct {
	gorm.Model
	AccountID   string  `gorm:"uniqueIndex;not null" json:"account_id"`
	CurrentCash float64 `gorm:"not null" json:"current_cash"`
}
