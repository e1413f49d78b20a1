package ledger

import (
	"errors"
	"fmt"
	"time"

	"turtle-signal-engine-go/internal/models"
	"turtle-signal-engine-go/internal/risk"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Rejection sentinels. These are business rejections, not failures:
// the run records them and continues.
var (
	ErrInsufficientCash = errors.New("insufficient cash for proposal")
	ErrRiskCapExceeded  = errors.New("total risk cap exceeded")
	ErrMaxUnitsReached  = errors.New("position already at maximum units")
	ErrPositionNotFound = errors.New("no open position for symbol")
)

// Portfolio is a read-only snapshot of the account state.
type Portfolio struct {
	AccountID       string            `json:"account_id"`
	CurrentCash     float64           `json:"current_cash"`
	TotalEquity     float64           `json:"total_equity"`
	TotalRiskAmount float64           `json:"total_risk_amount"`
	Positions       []models.Position `json:"positions"`
	Stats           Stats             `json:"stats"`
}

// Stats aggregates closed-trade performance.
type Stats struct {
	TotalTrades   int64   `json:"total_trades"`
	WinningTrades int64   `json:"winning_trades"`
	WinRate       float64 `json:"win_rate"`
	TotalRealized float64 `json:"total_realized_pl"`
	ProfitFactor  float64 `json:"profit_factor"`
}

// Ledger is the authoritative owner of portfolio state. Every mutation
// runs inside a transaction and re-validates the risk invariant before
// any write, so a rejected proposal leaves no partial state behind.
type Ledger struct {
	db        *gorm.DB
	logger    *zap.Logger
	accountID string
	settings  risk.Settings
	maxUnits  int
}

// New creates a ledger bound to one account.
func New(db *gorm.DB, logger *zap.Logger, accountID string, settings risk.Settings, maxUnits int) *Ledger {
	return &Ledger{
		db:        db,
		logger:    logger,
		accountID: accountID,
		settings:  settings,
		maxUnits:  maxUnits,
	}
}

// Settings returns the risk limits this ledger enforces.
func (l *Ledger) Settings() risk.Settings {
	return l.settings
}

// snapshotTx builds the portfolio view inside an existing transaction.
func (l *Ledger) snapshotTx(tx *gorm.DB) (*Portfolio, error) {
	var account models.Account
	if err := tx.Where("account_id = ?", l.accountID).First(&account).Error; err != nil {
		return nil, fmt.Errorf("could not load account %s: %w", l.accountID, err)
	}

	var positions []models.Position
	if err := tx.Where("account_id = ?", l.accountID).Order("symbol").Find(&positions).Error; err != nil {
		return nil, fmt.Errorf("could not load positions: %w", err)
	}

	p := &Portfolio{
		AccountID:   l.accountID,
		CurrentCash: account.CurrentCash,
		TotalEquity: account.CurrentCash,
		Positions:   positions,
	}
	for i := range positions {
		p.TotalEquity += positions[i].MarketValue()
		p.TotalRiskAmount += positions[i].RiskAmount
	}
	return p, nil
}

// Snapshot returns the current portfolio with trade statistics.
func (l *Ledger) Snapshot() (*Portfolio, error) {
	var snap *Portfolio
	err := l.db.Transaction(func(tx *gorm.DB) error {
		s, err := l.snapshotTx(tx)
		if err != nil {
			return err
		}
		snap = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	stats, err := l.CalculateStats()
	if err != nil {
		return nil, err
	}
	snap.Stats = *stats
	return snap, nil
}

// RiskSnapshot returns the sizer's view of the portfolio.
func (l *Ledger) RiskSnapshot() (risk.Snapshot, error) {
	snap, err := l.Snapshot()
	if err != nil {
		return risk.Snapshot{}, err
	}
	return risk.Snapshot{
		CurrentCash:     snap.CurrentCash,
		TotalEquity:     snap.TotalEquity,
		TotalRiskAmount: snap.TotalRiskAmount,
	}, nil
}

// Position returns the open position for a symbol, or nil when flat.
func (l *Ledger) Position(symbol string) (*models.Position, error) {
	var pos models.Position
	err := l.db.Where("account_id = ? AND symbol = ?", l.accountID, symbol).First(&pos).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pos, nil
}

// MarkPrice updates a position's current price for equity valuation.
func (l *Ledger) MarkPrice(symbol string, price float64) error {
	return l.db.Model(&models.Position{}).
		Where("account_id = ? AND symbol = ?", l.accountID, symbol).
		Update("current_price", price).Error
}

// Buy applies an accepted proposal: it opens a new position or pyramids
// onto an existing one. Cash reserve and the total-risk invariant are
// re-checked inside the transaction; on violation nothing is written.
func (l *Ledger) Buy(proposal *risk.Proposal, name, signal string) error {
	return l.db.Transaction(func(tx *gorm.DB) error {
		snap, err := l.snapshotTx(tx)
		if err != nil {
			return err
		}

		if proposal.Cost > snap.CurrentCash-l.settings.MinCashReserve {
			return fmt.Errorf("%w: cost %.0f, cash %.0f, reserve %.0f",
				ErrInsufficientCash, proposal.Cost, snap.CurrentCash, l.settings.MinCashReserve)
		}
		if snap.TotalRiskAmount+proposal.RiskAmount > snap.TotalEquity*l.settings.MaxTotalRisk {
			return fmt.Errorf("%w: current %.0f + new %.0f > cap %.0f",
				ErrRiskCapExceeded, snap.TotalRiskAmount, proposal.RiskAmount,
				snap.TotalEquity*l.settings.MaxTotalRisk)
		}

		now := time.Now().Unix()

		var pos models.Position
		err = tx.Where("account_id = ? AND symbol = ?", l.accountID, proposal.Symbol).First(&pos).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			pos = models.Position{
				AccountID:     l.accountID,
				Symbol:        proposal.Symbol,
				Name:          name,
				Quantity:      proposal.Quantity,
				Units:         1,
				AvgPrice:      proposal.Price,
				CurrentPrice:  proposal.Price,
				StopLossPrice: proposal.StopLossPrice,
				EntryDate:     now,
				EntrySignal:   signal,
				ATR:           proposal.ATR,
				RiskAmount:    proposal.RiskAmount,
			}
			if err := tx.Create(&pos).Error; err != nil {
				return fmt.Errorf("failed to create position: %w", err)
			}
		case err != nil:
			return fmt.Errorf("could not load position: %w", err)
		default:
			if pos.Units >= l.maxUnits {
				return fmt.Errorf("%w: %s has %d units", ErrMaxUnitsReached, pos.Symbol, pos.Units)
			}
			totalQty := pos.Quantity + proposal.Quantity
			pos.AvgPrice = (pos.AvgPrice*float64(pos.Quantity) + proposal.Price*float64(proposal.Quantity)) / float64(totalQty)
			pos.Quantity = totalQty
			pos.Units++
			pos.CurrentPrice = proposal.Price
			pos.StopLossPrice = proposal.StopLossPrice
			pos.ATR = proposal.ATR
			pos.RiskAmount += proposal.RiskAmount
			if err := tx.Save(&pos).Error; err != nil {
				return fmt.Errorf("failed to update position: %w", err)
			}
		}

		if err := tx.Model(&models.Account{}).
			Where("account_id = ?", l.accountID).
			Update("current_cash", gorm.Expr("current_cash - ?", proposal.Cost)).Error; err != nil {
			return fmt.Errorf("failed to debit cash: %w", err)
		}

		record := models.TradeRecord{
			AccountID:  l.accountID,
			Symbol:     proposal.Symbol,
			Action:     models.ActionBuy,
			Quantity:   proposal.Quantity,
			Price:      proposal.Price,
			ExecutedAt: now,
			Signal:     signal,
		}
		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("failed to append trade record: %w", err)
		}

		l.logger.Info("Executed BUY",
			zap.String("symbol", proposal.Symbol),
			zap.Int64("quantity", proposal.Quantity),
			zap.Float64("price", proposal.Price),
			zap.Float64("stop_loss", proposal.StopLossPrice),
			zap.Int("units", pos.Units),
		)
		return nil
	})
}

// Sell closes the whole position at the execution price, credits cash
// and appends a SELL record with the realized P&L.
func (l *Ledger) Sell(symbol string, price float64, signal string) (*models.TradeRecord, error) {
	var record models.TradeRecord
	err := l.db.Transaction(func(tx *gorm.DB) error {
		var pos models.Position
		err := tx.Where("account_id = ? AND symbol = ?", l.accountID, symbol).First(&pos).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrPositionNotFound, symbol)
		}
		if err != nil {
			return fmt.Errorf("could not load position: %w", err)
		}

		proceeds := float64(pos.Quantity) * price
		realizedPL := (price - pos.AvgPrice) * float64(pos.Quantity)

		if err := tx.Model(&models.Account{}).
			Where("account_id = ?", l.accountID).
			Update("current_cash", gorm.Expr("current_cash + ?", proceeds)).Error; err != nil {
			return fmt.Errorf("failed to credit cash: %w", err)
		}

		if err := tx.Unscoped().Delete(&pos).Error; err != nil {
			return fmt.Errorf("failed to remove position: %w", err)
		}

		record = models.TradeRecord{
			AccountID:  l.accountID,
			Symbol:     symbol,
			Action:     models.ActionSell,
			Quantity:   pos.Quantity,
			Price:      price,
			ExecutedAt: time.Now().Unix(),
			RealizedPL: realizedPL,
			Signal:     signal,
		}
		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("failed to append trade record: %w", err)
		}

		l.logger.Info("Executed SELL",
			zap.String("symbol", symbol),
			zap.Int64("quantity", pos.Quantity),
			zap.Float64("price", price),
			zap.Float64("realized_pl", realizedPL),
			zap.String("signal", signal),
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// Trades returns the most recent trade records, newest first.
func (l *Ledger) Trades(limit int) ([]models.TradeRecord, error) {
	var trades []models.TradeRecord
	q := l.db.Where("account_id = ?", l.accountID).Order("executed_at desc, id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&trades).Error; err != nil {
		return nil, fmt.Errorf("could not load trades: %w", err)
	}
	return trades, nil
}

// CalculateStats computes win rate and profit factor over closed trades.
func (l *Ledger) CalculateStats() (*Stats, error) {
	var sells []models.TradeRecord
	if err := l.db.Where("account_id = ? AND action = ?", l.accountID, models.ActionSell).
		Find(&sells).Error; err != nil {
		return nil, fmt.Errorf("could not load closed trades: %w", err)
	}

	stats := &Stats{}
	var grossProfit, grossLoss float64
	for _, t := range sells {
		stats.TotalTrades++
		stats.TotalRealized += t.RealizedPL
		if t.RealizedPL > 0 {
			stats.WinningTrades++
			grossProfit += t.RealizedPL
		} else {
			grossLoss += -t.RealizedPL
		}
	}
	if stats.TotalTrades > 0 {
		stats.WinRate = float64(stats.WinningTrades) / float64(stats.TotalTrades)
	}
	if grossLoss > 0 {
		stats.ProfitFactor = grossProfit / grossLoss
	} else {
		// No losing trades yet; report gross profit so the value stays
		// finite and JSON-encodable.
		stats.ProfitFactor = grossProfit
	}
	return stats, nil
}
