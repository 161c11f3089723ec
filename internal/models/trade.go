package models

import (
	"time"

	"gorm.io/gorm"
)

// Trade statuses mirror the broker's order lifecycle. OPEN is the only
// non-terminal state the engine acts on.
const (
	TradeStatusOpen           = "OPEN"
	TradeStatusComplete       = "COMPLETE"
	TradeStatusCancelled      = "CANCELLED"
	TradeStatusRejected       = "REJECTED"
	TradeStatusPending        = "PENDING"
	TradeStatusTriggerPending = "TRIGGER_PENDING"
)

// Trade represents one leg of a straddle. Rows are never deleted; a leg is
// only ever transitioned out of OPEN by the exit path or by order
// reconciliation. ExitPrice, ExitTimestamp and Pnl are set together at the
// closing transition and are immutable afterwards.
type Trade struct {
	gorm.Model
	Symbol          string     `json:"symbol"`
	Side            string     `json:"side"` // "BUY" or "SELL"
	Quantity        int        `json:"quantity"`
	EntryPrice      float64    `json:"entry_price"`
	ExitPrice       float64    `json:"exit_price,omitempty"`
	Pnl             float64    `json:"pnl"`
	Status          string     `gorm:"index" json:"status"`
	EntryTimestamp  time.Time  `json:"entry_timestamp"`
	ExitTimestamp   *time.Time `json:"exit_timestamp,omitempty"`
	OrderID         string     `gorm:"uniqueIndex" json:"order_id"`
	Strategy        string     `json:"strategy"`
	InstrumentToken uint32     `gorm:"index" json:"instrument_token"`
}

// IsPairOf reports whether other is the sibling leg of t: same strategy tag,
// a different row, entered within the straddle correlation window.
func (t *Trade) IsPairOf(other *Trade, window time.Duration) bool {
	if t.ID == other.ID || t.Strategy != other.Strategy {
		return false
	}
	gap := t.EntryTimestamp.Sub(other.EntryTimestamp)
	if gap < 0 {
		gap = -gap
	}
	return gap <= window
}
