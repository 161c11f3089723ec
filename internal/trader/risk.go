package trader

import (
	"sync"
	"time"

	"straddle-bot-go/internal/models"

	"go.uber.org/zap"
)

// RiskGovernor aggregates realized P&L per calendar day and enforces a
// permanent-for-the-day trading halt once the loss threshold is breached.
// All updates are serialized through one mutex so concurrent closes from the
// exit path cannot tear the running total.
type RiskGovernor struct {
	logger       *zap.Logger
	ledger       *PositionLedger
	maxDailyLoss float64

	mu sync.Mutex
}

// NewRiskGovernor creates a governor with the configured max daily loss.
func NewRiskGovernor(ledger *PositionLedger, maxDailyLoss float64, logger *zap.Logger) *RiskGovernor {
	return &RiskGovernor{
		logger:       logger.Named("risk"),
		ledger:       ledger,
		maxDailyLoss: maxDailyLoss,
	}
}

// RecordRealized adds a realized P&L amount to today's total, increments the
// trade count, and stops trading for the day if the cumulative total reaches
// -maxDailyLoss. Setting stopped when already stopped is a no-op; it never
// reverts within the day, regardless of later positive P&L.
func (r *RiskGovernor) RecordRealized(pnl float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	today := time.Now().Format("2006-01-02")
	row, err := r.ledger.FindDailyPnlByDate(today)
	if err != nil {
		return err
	}
	if row == nil {
		row = &models.DailyPnL{Date: today}
	}

	row.TotalPnl += pnl
	row.TotalTrades++
	if !row.Stopped && row.TotalPnl <= -r.maxDailyLoss {
		row.Stopped = true
		r.logger.Warn("Daily loss limit reached, trading stopped for today",
			zap.Float64("total_pnl", row.TotalPnl),
			zap.Float64("max_daily_loss", r.maxDailyLoss),
		)
	}

	return r.ledger.SaveDailyPnl(row)
}

// IsStoppedForToday reports whether today's loss cutoff has been hit. Lookup
// failures are treated as "not stopped" so a transient store error cannot
// permanently halt the entry path.
func (r *RiskGovernor) IsStoppedForToday() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	today := time.Now().Format("2006-01-02")
	row, err := r.ledger.FindDailyPnlByDate(today)
	if err != nil {
		r.logger.Error("Failed to read daily pnl, assuming not stopped", zap.Error(err))
		return false
	}
	return row != nil && row.Stopped
}
