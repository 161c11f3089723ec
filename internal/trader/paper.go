package trader

import (
	"fmt"
	"sync"
	"time"

	"straddle-bot-go/internal/kite"
)

// PaperTrade is one simulated order. Paper trades live only in memory and are
// never written to durable storage.
type PaperTrade struct {
	OrderID        string    `json:"order_id"`
	Symbol         string    `json:"symbol"`
	Side           string    `json:"side"`
	Quantity       int       `json:"quantity"`
	OrderType      string    `json:"order_type"`
	OrderPrice     float64   `json:"order_price"`
	ExecutionPrice float64   `json:"execution_price"`
	MarketPrice    float64   `json:"market_price"`
	CurrentPrice   float64   `json:"current_price"`
	Pnl            float64   `json:"pnl"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// PaperBook simulates order execution against real market quotes. Fills are
// instantaneous: every order is recorded as COMPLETE the moment it is placed.
type PaperBook struct {
	mu     sync.Mutex
	trades map[string]*PaperTrade
	nextID int
}

// NewPaperBook creates an empty paper trade book.
func NewPaperBook() *PaperBook {
	return &PaperBook{
		trades: make(map[string]*PaperTrade),
		nextID: 1000,
	}
}

// Place records a simulated order and returns its synthetic order id.
// marketPrice is the fetched LTP; when it is unavailable (zero or negative)
// the requested price stands in for it. MARKET orders execute at the market
// price, LIMIT orders at the requested price.
func (b *PaperBook) Place(symbol, side string, quantity int, orderType string, price, marketPrice float64) *PaperTrade {
	b.mu.Lock()
	defer b.mu.Unlock()

	if marketPrice <= 0 {
		marketPrice = price
	}
	executionPrice := price
	if orderType == kite.OrderTypeMarket {
		executionPrice = marketPrice
	}

	now := time.Now()
	trade := &PaperTrade{
		OrderID:        fmt.Sprintf("PAPER_%d", b.nextID),
		Symbol:         symbol,
		Side:           side,
		Quantity:       quantity,
		OrderType:      orderType,
		OrderPrice:     price,
		ExecutionPrice: executionPrice,
		MarketPrice:    marketPrice,
		Status:         "COMPLETE",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	b.nextID++
	b.trades[trade.OrderID] = trade
	return trade
}

// Seed advances the order id sequence past ids issued by earlier runs, so
// new paper orders never collide with trade rows already in the store.
// Seeding backwards is a no-op.
func (b *PaperBook) Seed(next int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if next > b.nextID {
		b.nextID = next
	}
}

// Get returns the paper trade for an order id, or nil.
func (b *PaperBook) Get(orderID string) *PaperTrade {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trades[orderID]
}

// All returns a snapshot of every paper trade.
func (b *PaperBook) All() []PaperTrade {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]PaperTrade, 0, len(b.trades))
	for _, t := range b.trades {
		out = append(out, *t)
	}
	return out
}

// TotalPnl sums the running P&L across all paper trades.
func (b *PaperBook) TotalPnl() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	var total float64
	for _, t := range b.trades {
		total += t.Pnl
	}
	return total
}

// MarkToMarket refreshes the running P&L of every paper trade using the given
// quote function. Trades whose quote is unavailable keep their last value.
func (b *PaperBook) MarkToMarket(lastPrice func(symbol string) float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, t := range b.trades {
		price := lastPrice(t.Symbol)
		if price <= 0 {
			continue
		}
		diff := price - t.ExecutionPrice
		if t.Side == kite.OrderSideSell {
			diff = -diff
		}
		t.Pnl = diff * float64(t.Quantity)
		t.CurrentPrice = price
		t.UpdatedAt = time.Now()
	}
}

// Clear discards all paper trades and resets the order id sequence.
func (b *PaperBook) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trades = make(map[string]*PaperTrade)
	b.nextID = 1000
}
