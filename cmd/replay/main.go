// Command replay drives the trading engine from a recorded tick feed instead
// of the live websocket. It seeds an open straddle, replays "token,price" CSV
// rows through a fake transport at a fixed cadence, and lets the engine close
// the legs against the paper simulator. Useful for tuning profit-target and
// stop-loss settings without a market session.
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"straddle-bot-go/internal/config"
	"straddle-bot-go/internal/database"
	"straddle-bot-go/internal/kite"
	"straddle-bot-go/internal/logger"
	"straddle-bot-go/internal/models"
	"straddle-bot-go/internal/stream"
	"straddle-bot-go/internal/trader"

	"go.uber.org/zap"
)

func main() {
	csvPath := flag.String("csv", "", "path to a token,price CSV tick recording")
	callLeg := flag.String("call", "", "call leg as symbol:token:entryPrice")
	putLeg := flag.String("put", "", "put leg as symbol:token:entryPrice")
	interval := flag.Duration("interval", 100*time.Millisecond, "delay between replayed ticks")
	flag.Parse()

	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		panic(fmt.Sprintf("could not load config: %v", err))
	}
	cfg.Trading.PaperEnabled = true // replay never places live orders

	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ticks, err := loadTicks(*csvPath)
	if err != nil {
		log.Fatal("Failed to load tick recording", zap.Error(err))
	}
	log.Info("Loaded tick recording", zap.Int("ticks", len(ticks)), zap.String("file", *csvPath))

	db, err := database.NewDatabase("file::memory:")
	if err != nil {
		log.Fatal("Failed to open in-memory database", zap.Error(err))
	}

	quotes := newQuoteBook()
	instruments := kite.NewInstrumentCache(quotes, log, cfg.Trading.Underlying, cfg.Trading.Exchange)
	gateway := trader.NewOrderGateway(&cfg, quotes, instruments, log)
	ledger := trader.NewPositionLedger(db)
	risk := trader.NewRiskGovernor(ledger, cfg.Trading.MaxDailyLoss, log)

	symbols := make(map[uint32]string)
	for _, legSpec := range []string{*callLeg, *putLeg} {
		leg, err := parseLeg(legSpec, cfg.Trading.Quantity, cfg.Trading.StrategyTag)
		if err != nil {
			log.Fatal("Invalid leg specification", zap.String("leg", legSpec), zap.Error(err))
		}
		if err := ledger.SaveTrade(leg); err != nil {
			log.Fatal("Failed to seed leg", zap.Error(err))
		}
		symbols[leg.InstrumentToken] = leg.Symbol
	}

	bus := stream.NewBus()
	feed := &feedTransport{ticks: ticks, interval: *interval, quotes: quotes, symbols: symbols}
	tickerStream := stream.NewTickerStream(feed, bus, log)

	ctx, cancel := context.WithCancel(context.Background())
	feed.onDone = cancel
	tickerStream.Connect(ctx)

	engine := trader.NewEngine(log, &cfg, gateway, ledger, risk, tickerStream, bus)
	engine.Run(ctx)

	tickerStream.Disconnect()
	bus.Close()

	for _, t := range gateway.PaperBook().All() {
		log.Info("Paper fill",
			zap.String("order_id", t.OrderID),
			zap.String("symbol", t.Symbol),
			zap.String("side", t.Side),
			zap.Float64("execution_price", t.ExecutionPrice),
		)
	}
	closed, _ := ledger.FindTradesByStatus(models.TradeStatusComplete)
	for _, t := range closed {
		log.Info("Closed leg", zap.String("symbol", t.Symbol), zap.Float64("pnl", t.Pnl))
	}
}

// loadTicks parses a CSV of "token,price" rows.
func loadTicks(path string) ([]stream.Tick, error) {
	if path == "" {
		return nil, fmt.Errorf("missing -csv flag")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, err
	}

	ticks := make([]stream.Tick, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		token, err := strconv.ParseUint(strings.TrimSpace(row[0]), 10, 32)
		if err != nil {
			continue // header or malformed row
		}
		price, err := strconv.ParseFloat(strings.TrimSpace(row[1]), 64)
		if err != nil {
			continue
		}
		ticks = append(ticks, stream.Tick{Token: uint32(token), LastPrice: price})
	}
	return ticks, nil
}

// parseLeg parses "symbol:token:entryPrice" into a seeded open trade.
func parseLeg(legSpec string, quantity int, tag string) (*models.Trade, error) {
	parts := strings.Split(legSpec, ":")
	if len(parts) != 3 {
		return nil, fmt.Errorf("want symbol:token:entryPrice")
	}
	token, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("bad token: %w", err)
	}
	entry, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return nil, fmt.Errorf("bad entry price: %w", err)
	}
	return &models.Trade{
		Symbol:          parts[0],
		Side:            kite.OrderSideBuy,
		Quantity:        quantity,
		EntryPrice:      entry,
		Status:          models.TradeStatusOpen,
		EntryTimestamp:  time.Now(),
		OrderID:         "REPLAY_" + parts[0],
		Strategy:        tag,
		InstrumentToken: uint32(token),
	}, nil
}

// feedTransport replays recorded ticks through the stream.Transport contract
// and mirrors each price into the quote book so sibling closes can fetch an
// LTP. It cancels the run context once the recording is exhausted.
type feedTransport struct {
	ticks    []stream.Tick
	interval time.Duration
	quotes   *quoteBook
	symbols  map[uint32]string
	handler  stream.Handler
	onDone   context.CancelFunc
}

var _ stream.Transport = (*feedTransport)(nil)

func (f *feedTransport) SetHandler(h stream.Handler) { f.handler = h }

func (f *feedTransport) Dial(ctx context.Context) error {
	go func() {
		f.handler.OnConnected()
		for _, t := range f.ticks {
			select {
			case <-ctx.Done():
				return
			case <-time.After(f.interval):
			}
			if sym, ok := f.symbols[t.Token]; ok {
				f.quotes.set(sym, t.LastPrice)
			}
			f.handler.OnTicks([]stream.Tick{t})
		}
		// Give the engine a moment to drain before shutting down.
		time.Sleep(500 * time.Millisecond)
		f.onDone()
	}()
	return nil
}

func (f *feedTransport) Subscribe(tokens []uint32) error   { return nil }
func (f *feedTransport) Unsubscribe(tokens []uint32) error { return nil }
func (f *feedTransport) Close() error                      { return nil }

// quoteBook is a RestClientInterface stub whose quotes come from the replayed
// ticks. Live endpoints are disabled; paper execution is the only path.
type quoteBook struct {
	mu     sync.Mutex
	prices map[string]float64
}

var _ kite.RestClientInterface = (*quoteBook)(nil)

func newQuoteBook() *quoteBook {
	return &quoteBook{prices: make(map[string]float64)}
}

func (q *quoteBook) set(symbol string, price float64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.prices[symbol] = price
}

func (q *quoteBook) LastPrice(exchange, symbol string) float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.prices[symbol]
}

func (q *quoteBook) GenerateSession(requestToken string) error { return nil }
func (q *quoteBook) IsSessionValid() bool                      { return true }
func (q *quoteBook) AccessToken() string                       { return "replay" }

func (q *quoteBook) PlaceOrder(symbol, side string, quantity int, orderType string, price float64) (string, error) {
	return "", fmt.Errorf("live orders are disabled in replay")
}

func (q *quoteBook) Margins() (*kite.AccountInfo, error)            { return &kite.AccountInfo{}, nil }
func (q *quoteBook) InstrumentDump(exchange string) (string, error) { return "", nil }
func (q *quoteBook) Orders() ([]kite.OrderRecord, error)            { return nil, nil }
