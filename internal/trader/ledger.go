package trader

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"straddle-bot-go/internal/models"

	"gorm.io/gorm"
)

// PositionLedger is the durable-state boundary for trades and daily P&L.
// It is a thin query/update surface; no business rules live here. The
// database is the single source of truth for "is a position open".
type PositionLedger struct {
	db *gorm.DB
}

// NewPositionLedger creates a ledger over the given database.
func NewPositionLedger(db *gorm.DB) *PositionLedger {
	return &PositionLedger{db: db}
}

// SaveTrade inserts or updates a trade row.
func (l *PositionLedger) SaveTrade(trade *models.Trade) error {
	if err := l.db.Save(trade).Error; err != nil {
		return fmt.Errorf("failed to save trade: %w", err)
	}
	return nil
}

// FindTradeByOrderID returns the trade with the given broker order id, or
// (nil, nil) when no such trade exists.
func (l *PositionLedger) FindTradeByOrderID(orderID string) (*models.Trade, error) {
	var trade models.Trade
	err := l.db.Where("order_id = ?", orderID).First(&trade).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find trade by order id: %w", err)
	}
	return &trade, nil
}

// FindTradesByStatus returns all trades with the given status.
func (l *PositionLedger) FindTradesByStatus(status string) ([]models.Trade, error) {
	var trades []models.Trade
	if err := l.db.Where("status = ?", status).Find(&trades).Error; err != nil {
		return nil, fmt.Errorf("failed to find trades by status: %w", err)
	}
	return trades, nil
}

// OpenTrades returns all trades currently in the OPEN state.
func (l *PositionLedger) OpenTrades() ([]models.Trade, error) {
	return l.FindTradesByStatus(models.TradeStatusOpen)
}

// MaxPaperOrderSeq returns the highest numeric suffix among persisted
// "PAPER_<n>" order ids, or 0 when no paper trades are stored. OrderID is
// unique-indexed, so the paper id sequence must resume past this after a
// restart.
func (l *PositionLedger) MaxPaperOrderSeq() (int, error) {
	var ids []string
	if err := l.db.Model(&models.Trade{}).
		Where("order_id LIKE ?", "PAPER_%").
		Pluck("order_id", &ids).Error; err != nil {
		return 0, fmt.Errorf("failed to list paper order ids: %w", err)
	}

	maxSeq := 0
	for _, id := range ids {
		n, err := strconv.Atoi(strings.TrimPrefix(id, "PAPER_"))
		if err != nil {
			continue
		}
		if n > maxSeq {
			maxSeq = n
		}
	}
	return maxSeq, nil
}

// SumRealizedPnlBetween sums the realized P&L of trades closed in [start, end).
func (l *PositionLedger) SumRealizedPnlBetween(start, end time.Time) (float64, error) {
	var total float64
	err := l.db.Model(&models.Trade{}).
		Where("status = ? AND exit_timestamp >= ? AND exit_timestamp < ?", models.TradeStatusComplete, start, end).
		Select("COALESCE(SUM(pnl), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("failed to sum realized pnl: %w", err)
	}
	return total, nil
}

// FindDailyPnlByDate returns the DailyPnL row for a date ("2006-01-02"), or
// (nil, nil) when none exists yet.
func (l *PositionLedger) FindDailyPnlByDate(date string) (*models.DailyPnL, error) {
	var row models.DailyPnL
	err := l.db.Where("date = ?", date).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find daily pnl: %w", err)
	}
	return &row, nil
}

// SaveDailyPnl inserts or updates a DailyPnL row.
func (l *PositionLedger) SaveDailyPnl(row *models.DailyPnL) error {
	if err := l.db.Save(row).Error; err != nil {
		return fmt.Errorf("failed to save daily pnl: %w", err)
	}
	return nil
}
