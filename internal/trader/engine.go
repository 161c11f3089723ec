package trader

import (
	"context"
	"strings"
	"sync"
	"time"

	"straddle-bot-go/internal/config"
	"straddle-bot-go/internal/kite"
	"straddle-bot-go/internal/metrics"
	"straddle-bot-go/internal/models"
	"straddle-bot-go/internal/stream"

	"go.uber.org/zap"
)

// pairWindow is the correlation window for straddle legs: two trades with the
// same strategy tag entered within this window are siblings.
const pairWindow = time.Minute

// TickSubscriber is the slice of the ticker stream the engine needs.
type TickSubscriber interface {
	Subscribe(tokens []uint32)
	Unsubscribe(tokens []uint32)
}

// Engine is the strategy orchestrator. A scheduler goroutine fires the entry
// cycle on a fixed cadence and a consumer goroutine evaluates exits on every
// tick. Both paths take the same mutex around the trade lifecycle, so an
// entry and a tick-triggered close can never observe a torn state; the ledger
// is the source of truth for "is a position open".
type Engine struct {
	logger  *zap.Logger
	cfg     *config.Config
	gateway Gateway
	ledger  *PositionLedger
	risk    *RiskGovernor
	ticker  TickSubscriber
	bus     *stream.Bus

	mu  sync.Mutex
	now func() time.Time

	StartTime time.Time
}

// NewEngine creates the strategy engine.
func NewEngine(logger *zap.Logger, cfg *config.Config, gateway Gateway, ledger *PositionLedger,
	risk *RiskGovernor, ticker TickSubscriber, bus *stream.Bus) *Engine {
	return &Engine{
		logger:    logger.Named("engine"),
		cfg:       cfg,
		gateway:   gateway,
		ledger:    ledger,
		risk:      risk,
		ticker:    ticker,
		bus:       bus,
		now:       time.Now,
		StartTime: time.Now(),
	}
}

// Run starts the entry scheduler, the order reconciliation loop and the tick
// consumer, and blocks until the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticks := e.bus.Subscribe()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case tick, ok := <-ticks:
				if !ok {
					return
				}
				e.HandleTick(tick)
			}
		}
	}()

	entryTicker := time.NewTicker(e.cfg.Trading.EntryInterval())
	defer entryTicker.Stop()
	reconcileTicker := time.NewTicker(e.cfg.Trading.ReconcileInterval())
	defer reconcileTicker.Stop()

	e.logger.Info("Strategy engine started",
		zap.Duration("entry_interval", e.cfg.Trading.EntryInterval()),
		zap.Bool("paper", e.cfg.Trading.PaperEnabled),
	)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Stopping strategy engine...")
			wg.Wait()
			return
		case <-entryTicker.C:
			e.EntryCycle()
		case <-reconcileTicker.C:
			e.Reconcile()
		}
	}
}

// EntryCycle opens a new straddle if no position is open and all guards pass.
// Every failure skips the cycle and is logged; nothing here is fatal.
func (e *Engine) EntryCycle() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if reason := e.entryGuard(); reason != "" {
		metrics.EntryCyclesSkipped.WithLabelValues(reason).Inc()
		e.logger.Debug("Entry cycle skipped", zap.String("reason", reason))
		return
	}

	call, put, err := e.gateway.ResolveATMLegs()
	if err != nil {
		e.logger.Error("Could not resolve ATM straddle legs", zap.Error(err))
		return
	}

	callPrice := e.gateway.LastPrice(call.TradingSymbol)
	putPrice := e.gateway.LastPrice(put.TradingSymbol)
	if callPrice <= 0 || putPrice <= 0 {
		e.logger.Warn("No market data for straddle legs, aborting entry",
			zap.Float64("call_ltp", callPrice),
			zap.Float64("put_ltp", putPrice),
		)
		return
	}

	qty := e.cfg.Trading.Quantity
	callOrderID, err := e.gateway.PlaceOrder(call.TradingSymbol, kite.OrderSideBuy, qty, kite.OrderTypeMarket, callPrice)
	if err != nil {
		e.logger.Error("Call leg placement failed, entry aborted", zap.Error(err))
		return
	}

	putOrderID, err := e.gateway.PlaceOrder(put.TradingSymbol, kite.OrderSideBuy, qty, kite.OrderTypeMarket, putPrice)
	if err != nil {
		// Compensate the filled call leg so a failed entry never leaves an
		// unintended single-leg position behind. No trade rows are recorded.
		e.logger.Error("Put leg placement failed, compensating call leg", zap.Error(err))
		if _, cerr := e.gateway.PlaceOrder(call.TradingSymbol, kite.OrderSideSell, qty, kite.OrderTypeMarket, callPrice); cerr != nil {
			e.logger.Error("Compensating close of call leg failed, manual intervention required",
				zap.String("call_order_id", callOrderID),
				zap.Error(cerr),
			)
		}
		return
	}

	entered := e.now()
	legs := []*models.Trade{
		e.newLeg(call, callOrderID, callPrice, qty, entered),
		e.newLeg(put, putOrderID, putPrice, qty, entered),
	}
	for _, leg := range legs {
		if err := e.ledger.SaveTrade(leg); err != nil {
			e.logger.Error("Failed to persist trade", zap.String("symbol", leg.Symbol), zap.Error(err))
		}
	}

	e.ticker.Subscribe([]uint32{call.Token, put.Token})
	e.logger.Info("Straddle opened",
		zap.String("call", call.TradingSymbol),
		zap.Float64("call_entry", callPrice),
		zap.String("put", put.TradingSymbol),
		zap.Float64("put_entry", putPrice),
	)
}

// entryGuard returns the reason to skip this cycle, or "" to proceed.
func (e *Engine) entryGuard() string {
	if !e.withinTradingWindow(e.now()) {
		return "market_closed"
	}
	if !e.gateway.SessionValid() {
		return "invalid_session"
	}
	if e.risk.IsStoppedForToday() {
		return "risk_stopped"
	}
	open, err := e.ledger.OpenTrades()
	if err != nil {
		e.logger.Error("Failed to query open trades", zap.Error(err))
		return "ledger_error"
	}
	if len(open) > 0 {
		return "position_open"
	}
	return ""
}

func (e *Engine) newLeg(inst *kite.Instrument, orderID string, entryPrice float64, qty int, entered time.Time) *models.Trade {
	return &models.Trade{
		Symbol:          inst.TradingSymbol,
		Side:            kite.OrderSideBuy,
		Quantity:        qty,
		EntryPrice:      entryPrice,
		Status:          models.TradeStatusOpen,
		EntryTimestamp:  entered,
		OrderID:         orderID,
		Strategy:        e.cfg.Trading.StrategyTag,
		InstrumentToken: inst.Token,
	}
}

// withinTradingWindow checks the wall clock against the configured window.
func (e *Engine) withinTradingWindow(now time.Time) bool {
	start, err1 := time.Parse("15:04", e.cfg.Trading.WindowStart)
	end, err2 := time.Parse("15:04", e.cfg.Trading.WindowEnd)
	if err1 != nil || err2 != nil {
		e.logger.Error("Invalid trading window configuration",
			zap.String("start", e.cfg.Trading.WindowStart),
			zap.String("end", e.cfg.Trading.WindowEnd),
		)
		return false
	}
	minutes := now.Hour()*60 + now.Minute()
	return minutes >= start.Hour()*60+start.Minute() && minutes < end.Hour()*60+end.Minute()
}

// HandleTick evaluates exit conditions for the open legs against one tick.
// At most one triggering leg (plus its sibling) is closed per tick.
func (e *Engine) HandleTick(tick stream.Tick) {
	e.mu.Lock()
	defer e.mu.Unlock()

	open, err := e.ledger.OpenTrades()
	if err != nil {
		e.logger.Error("Failed to query open trades on tick", zap.Error(err))
		return
	}
	if len(open) == 0 {
		return
	}

	for i := range open {
		trade := &open[i]
		if trade.InstrumentToken != tick.Token {
			continue
		}

		priceDiff := tick.LastPrice - trade.EntryPrice
		if trade.Side == kite.OrderSideSell {
			priceDiff = -priceDiff
		}

		if priceDiff >= e.cfg.Trading.ProfitTarget || priceDiff <= -e.cfg.Trading.StopLoss {
			e.logger.Info("Exit condition hit",
				zap.String("symbol", trade.Symbol),
				zap.Float64("tick_price", tick.LastPrice),
				zap.Float64("price_diff", priceDiff),
			)
			if e.closeTrade(trade, tick.LastPrice, priceDiff) {
				e.closeSibling(trade, open)
			}
		}
		break // one leg per tick
	}
}

// closeTrade places the closing market order and, on success, performs the
// single closing transition: exit price, exit timestamp, realized P&L and
// terminal status are set together, then the P&L is reported to the risk
// governor. Returns whether the close succeeded.
func (e *Engine) closeTrade(trade *models.Trade, exitPrice, priceDiff float64) bool {
	_, err := e.gateway.PlaceOrder(trade.Symbol, kite.OrderSideSell, trade.Quantity, kite.OrderTypeMarket, exitPrice)
	if err != nil {
		e.logger.Error("Closing order failed, position stays open",
			zap.String("symbol", trade.Symbol), zap.Error(err))
		return false
	}

	exited := e.now()
	trade.Status = models.TradeStatusComplete
	trade.ExitPrice = exitPrice
	trade.ExitTimestamp = &exited
	trade.Pnl = priceDiff * float64(trade.Quantity)

	if err := e.ledger.SaveTrade(trade); err != nil {
		e.logger.Error("Failed to persist closed trade", zap.String("symbol", trade.Symbol), zap.Error(err))
	}
	if err := e.risk.RecordRealized(trade.Pnl); err != nil {
		e.logger.Error("Failed to record realized pnl", zap.Error(err))
	}

	e.ticker.Unsubscribe([]uint32{trade.InstrumentToken})
	metrics.TradesClosed.Inc()
	e.logger.Info("Trade closed",
		zap.String("symbol", trade.Symbol),
		zap.Float64("exit_price", exitPrice),
		zap.Float64("pnl", trade.Pnl),
	)
	return true
}

// closeSibling closes the other leg of the straddle: the open trade with the
// same strategy tag entered within the correlation window. A missing sibling
// is not an error; single-leg positions are left standing.
func (e *Engine) closeSibling(closed *models.Trade, open []models.Trade) {
	for i := range open {
		sibling := &open[i]
		if !closed.IsPairOf(sibling, pairWindow) {
			continue
		}

		currentPrice := e.gateway.LastPrice(sibling.Symbol)
		if currentPrice <= 0 {
			e.logger.Warn("No quote for sibling leg, leaving it open",
				zap.String("symbol", sibling.Symbol))
			return
		}

		priceDiff := currentPrice - sibling.EntryPrice
		if sibling.Side == kite.OrderSideSell {
			priceDiff = -priceDiff
		}
		e.closeTrade(sibling, currentPrice, priceDiff)
		return
	}
}

// mapOrderStatus maps a broker order status string onto a trade status, with
// an explicit fallback for unknown values.
func mapOrderStatus(orderStatus string) string {
	s := strings.ToUpper(orderStatus)
	switch {
	case strings.Contains(s, "COMPLETE"), strings.Contains(s, "FILLED"), strings.Contains(s, "TRIGGERED"):
		return models.TradeStatusComplete
	case strings.Contains(s, "CANCEL"):
		return models.TradeStatusCancelled
	case strings.Contains(s, "REJECT"):
		return models.TradeStatusRejected
	case strings.Contains(s, "TRIGGER"):
		return models.TradeStatusTriggerPending
	case strings.Contains(s, "PEND"):
		return models.TradeStatusPending
	default:
		return models.TradeStatusOpen
	}
}

// Reconcile pulls the broker order book and folds terminal order states back
// onto open trades. It only transitions OPEN trades whose entry order was
// cancelled or rejected; closing transitions stay exclusive to the exit path
// so exit price and P&L are always set in exactly one place. Orders that do
// not match a known trade are logged and skipped.
func (e *Engine) Reconcile() {
	records, err := e.gateway.Orders()
	if err != nil {
		e.logger.Error("Order reconciliation failed", zap.Error(err))
		return
	}
	if len(records) == 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, rec := range records {
		trade, err := e.ledger.FindTradeByOrderID(rec.OrderID)
		if err != nil {
			e.logger.Error("Reconcile lookup failed", zap.String("order_id", rec.OrderID), zap.Error(err))
			continue
		}
		if trade == nil {
			e.logger.Warn("Order update for unknown order id, ignoring",
				zap.String("order_id", rec.OrderID),
				zap.String("status", rec.Status),
			)
			continue
		}
		if trade.Status != models.TradeStatusOpen {
			continue
		}

		mapped := mapOrderStatus(rec.Status)
		if mapped != models.TradeStatusCancelled && mapped != models.TradeStatusRejected {
			continue
		}

		trade.Status = mapped
		if err := e.ledger.SaveTrade(trade); err != nil {
			e.logger.Error("Failed to persist reconciled trade", zap.Error(err))
			continue
		}
		e.ticker.Unsubscribe([]uint32{trade.InstrumentToken})
		e.logger.Warn("Trade reconciled to broker state",
			zap.String("order_id", rec.OrderID),
			zap.String("status", mapped),
		)
	}
}

// EngineStatus is the snapshot served by the status endpoint.
type EngineStatus struct {
	Paper      bool    `json:"paper"`
	OpenTrades int     `json:"open_trades"`
	TodaysPnl  float64 `json:"todays_pnl"`
	Stopped    bool    `json:"stopped"`
	Uptime     string  `json:"uptime"`
}

// Status summarizes the engine for the status server.
func (e *Engine) Status() EngineStatus {
	open, err := e.ledger.OpenTrades()
	if err != nil {
		e.logger.Error("Failed to query open trades for status", zap.Error(err))
	}

	// Local calendar day, matching how the risk governor keys its rows.
	now := e.now()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	pnl, err := e.ledger.SumRealizedPnlBetween(day, day.Add(24*time.Hour))
	if err != nil {
		e.logger.Error("Failed to sum todays pnl for status", zap.Error(err))
	}

	return EngineStatus{
		Paper:      e.cfg.Trading.PaperEnabled,
		OpenTrades: len(open),
		TodaysPnl:  pnl,
		Stopped:    e.risk.IsStoppedForToday(),
		Uptime:     time.Since(e.StartTime).String(),
	}
}
