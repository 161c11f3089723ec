package trader

import (
	"fmt"
	"time"

	"straddle-bot-go/internal/config"
	"straddle-bot-go/internal/kite"
	"straddle-bot-go/internal/metrics"

	"go.uber.org/zap"
)

// Gateway is the order-routing contract the engine depends on. It is
// satisfied by OrderGateway and mocked in tests.
type Gateway interface {
	PlaceOrder(symbol, side string, quantity int, orderType string, price float64) (string, error)
	LastPrice(symbol string) float64
	ResolveATMLegs() (call, put *kite.Instrument, err error)
	SessionValid() bool
	Orders() ([]kite.OrderRecord, error)
}

// OrderGateway presents one order-placement contract regardless of execution
// mode. The paper flag is evaluated per call, so flipping it in config takes
// effect without rebuilding the engine.
type OrderGateway struct {
	logger      *zap.Logger
	cfg         *config.Config
	client      kite.RestClientInterface
	instruments *kite.InstrumentCache
	paper       *PaperBook
}

var _ Gateway = (*OrderGateway)(nil)

// NewOrderGateway creates a gateway over the broker client and instrument cache.
func NewOrderGateway(cfg *config.Config, client kite.RestClientInterface, instruments *kite.InstrumentCache, logger *zap.Logger) *OrderGateway {
	return &OrderGateway{
		logger:      logger.Named("gateway"),
		cfg:         cfg,
		client:      client,
		instruments: instruments,
		paper:       NewPaperBook(),
	}
}

// PaperBook exposes the simulator book for the status server.
func (g *OrderGateway) PaperBook() *PaperBook {
	return g.paper
}

// SessionValid reports whether a broker session exists. Paper mode still
// needs one for quote lookups.
func (g *OrderGateway) SessionValid() bool {
	return g.client.IsSessionValid()
}

// PlaceOrder routes to the live broker or the paper simulator and returns the
// order id. A failed live placement returns no id.
func (g *OrderGateway) PlaceOrder(symbol, side string, quantity int, orderType string, price float64) (string, error) {
	if g.cfg.Trading.PaperEnabled {
		marketPrice := g.LastPrice(symbol)
		trade := g.paper.Place(symbol, side, quantity, orderType, price, marketPrice)
		g.logger.Info("Paper order placed",
			zap.String("order_id", trade.OrderID),
			zap.String("symbol", symbol),
			zap.String("side", side),
			zap.Float64("execution_price", trade.ExecutionPrice),
			zap.Float64("market_price", trade.MarketPrice),
		)
		metrics.OrdersPlaced.WithLabelValues("paper", side).Inc()
		return trade.OrderID, nil
	}

	orderID, err := g.client.PlaceOrder(symbol, side, quantity, orderType, price)
	if err != nil {
		metrics.OrderFailures.WithLabelValues("live").Inc()
		return "", err
	}
	metrics.OrdersPlaced.WithLabelValues("live", side).Inc()
	return orderID, nil
}

// LastPrice returns the option's last traded price, zero when unknown.
func (g *OrderGateway) LastPrice(symbol string) float64 {
	return g.client.LastPrice(g.cfg.Trading.Exchange, symbol)
}

// IndexPrice returns the underlying index's last traded price, zero when unknown.
func (g *OrderGateway) IndexPrice() float64 {
	return g.client.LastPrice(g.cfg.Trading.IndexExchange, g.cfg.Trading.IndexSymbol)
}

// ResolveATMLegs resolves the call and put contracts at the at-the-money
// strike of the nearest non-expired expiry.
func (g *OrderGateway) ResolveATMLegs() (*kite.Instrument, *kite.Instrument, error) {
	indexPrice := g.IndexPrice()
	if indexPrice <= 0 {
		return nil, nil, fmt.Errorf("index price unavailable for %s", g.cfg.Trading.IndexSymbol)
	}

	strike := kite.ATMStrike(indexPrice, g.cfg.Trading.StrikeInterval)
	expiry, err := g.instruments.NearestExpiry(time.Now())
	if err != nil {
		return nil, nil, err
	}

	call, err := g.instruments.Lookup(strike, expiry, "CE")
	if err != nil {
		return nil, nil, err
	}
	put, err := g.instruments.Lookup(strike, expiry, "PE")
	if err != nil {
		return nil, nil, err
	}

	g.logger.Info("Resolved ATM straddle legs",
		zap.Float64("index_price", indexPrice),
		zap.Int("strike", strike),
		zap.String("expiry", expiry.Format("2006-01-02")),
		zap.String("call", call.TradingSymbol),
		zap.String("put", put.TradingSymbol),
	)
	return call, put, nil
}

// Orders fetches the broker order book for reconciliation. In paper mode
// there is nothing to reconcile against.
func (g *OrderGateway) Orders() ([]kite.OrderRecord, error) {
	if g.cfg.Trading.PaperEnabled {
		return nil, nil
	}
	return g.client.Orders()
}
