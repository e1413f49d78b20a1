package database

import (
	"errors"
	"fmt"

	"turtle-signal-engine-go/internal/models"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDatabase creates a new database connection and performs auto-migration.
func NewDatabase(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := AutoMigrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// AutoMigrate creates or updates the schema for all persisted entities.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.Account{}, &models.Position{}, &models.TradeRecord{}); err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}
	return nil
}

// EnsureAccount creates the account row with its starting cash balance
// if it does not exist yet. An existing balance is never overwritten.
func EnsureAccount(db *gorm.DB, accountID string, initialCash float64) error {
	var account models.Account
	err := db.Where("account_id = ?", accountID).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		account = models.Account{AccountID: accountID, CurrentCash: initialCash}
		if err := db.Create(&account).Error; err != nil {
			return fmt.Errorf("failed to create account '%s': %w", accountID, err)
		}
		return nil
	}
	return err
}
