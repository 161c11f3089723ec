package models

import "gorm.io/gorm"

// DailyPnL accumulates realized profit and loss per calendar date.
// Stopped is monotonic: once true for a date it never reverts, no matter how
// much later trades recover.
type DailyPnL struct {
	gorm.Model
	Date        string  `gorm:"uniqueIndex" json:"date"` // "2006-01-02"
	TotalPnl    float64 `json:"total_pnl"`
	TotalTrades int     `json:"total_trades"`
	Stopped     bool    `json:"stopped"`
}
