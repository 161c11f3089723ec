package trader

import (
	"errors"
	"sync"
	"testing"
	"time"

	"straddle-bot-go/internal/config"
	"straddle-bot-go/internal/kite"
	"straddle-bot-go/internal/models"
	"straddle-bot-go/internal/stream"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// MockGateway is a mock implementation of the Gateway interface.
type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) PlaceOrder(symbol, side string, quantity int, orderType string, price float64) (string, error) {
	args := m.Called(symbol, side, quantity, orderType, price)
	return args.String(0), args.Error(1)
}

func (m *MockGateway) LastPrice(symbol string) float64 {
	args := m.Called(symbol)
	return args.Get(0).(float64)
}

func (m *MockGateway) ResolveATMLegs() (*kite.Instrument, *kite.Instrument, error) {
	args := m.Called()
	var call, put *kite.Instrument
	if args.Get(0) != nil {
		call = args.Get(0).(*kite.Instrument)
	}
	if args.Get(1) != nil {
		put = args.Get(1).(*kite.Instrument)
	}
	return call, put, args.Error(2)
}

func (m *MockGateway) SessionValid() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockGateway) Orders() ([]kite.OrderRecord, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]kite.OrderRecord), args.Error(1)
}

// fakeSubscriber records stream subscription calls.
type fakeSubscriber struct {
	mu           sync.Mutex
	subscribed   [][]uint32
	unsubscribed [][]uint32
}

func (f *fakeSubscriber) Subscribe(tokens []uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, tokens)
}

func (f *fakeSubscriber) Unsubscribe(tokens []uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, tokens)
}

// setupEngine creates a full test environment with a mock gateway and an
// in-memory database. The engine clock is pinned inside the trading window.
func setupEngine(t *testing.T) (*Engine, *MockGateway, *fakeSubscriber, *PositionLedger) {
	// Use a new, non-shared in-memory database for each test to ensure isolation.
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(&models.Trade{}, &models.DailyPnL{}))

	cfg := &config.Config{
		Trading: config.Trading{
			Quantity:     35,
			ProfitTarget: 30,
			StopLoss:     20,
			MaxDailyLoss: 5000,
			WindowStart:  "09:15",
			WindowEnd:    "15:30",
			StrategyTag:  "STRADDLE",
		},
	}

	gateway := new(MockGateway)
	subscriber := &fakeSubscriber{}
	ledger := NewPositionLedger(db)
	risk := NewRiskGovernor(ledger, cfg.Trading.MaxDailyLoss, zap.NewNop())
	engine := NewEngine(zap.NewNop(), cfg, gateway, ledger, risk, subscriber, stream.NewBus())
	engine.now = func() time.Time { return time.Date(2024, 9, 2, 10, 0, 0, 0, time.Local) }

	return engine, gateway, subscriber, ledger
}

func callPutLegs() (*kite.Instrument, *kite.Instrument) {
	expiry := time.Date(2024, 9, 3, 0, 0, 0, 0, time.UTC)
	call := &kite.Instrument{Token: 11111, TradingSymbol: "BANKNIFTY2490348000CE", Expiry: expiry, Strike: 48000, InstrumentType: "CE"}
	put := &kite.Instrument{Token: 22222, TradingSymbol: "BANKNIFTY2490348000PE", Expiry: expiry, Strike: 48000, InstrumentType: "PE"}
	return call, put
}

func openLeg(t *testing.T, ledger *PositionLedger, trade *models.Trade) *models.Trade {
	trade.Status = models.TradeStatusOpen
	assert.NoError(t, ledger.SaveTrade(trade))
	return trade
}

func TestEntryCycle_Success(t *testing.T) {
	// Arrange
	engine, gateway, subscriber, ledger := setupEngine(t)
	call, put := callPutLegs()

	gateway.On("SessionValid").Return(true)
	gateway.On("ResolveATMLegs").Return(call, put, nil)
	gateway.On("LastPrice", call.TradingSymbol).Return(250.0)
	gateway.On("LastPrice", put.TradingSymbol).Return(240.0)
	gateway.On("PlaceOrder", call.TradingSymbol, kite.OrderSideBuy, 35, kite.OrderTypeMarket, 250.0).Return("ORD1", nil)
	gateway.On("PlaceOrder", put.TradingSymbol, kite.OrderSideBuy, 35, kite.OrderTypeMarket, 240.0).Return("ORD2", nil)

	// Act
	engine.EntryCycle()

	// Assert: exactly two open legs, same tag, entered together
	open, err := ledger.OpenTrades()
	assert.NoError(t, err)
	assert.Len(t, open, 2)
	assert.Equal(t, open[0].Strategy, open[1].Strategy)
	assert.True(t, open[0].IsPairOf(&open[1], pairWindow))
	assert.Equal(t, 250.0, open[0].EntryPrice)

	assert.Len(t, subscriber.subscribed, 1)
	assert.ElementsMatch(t, []uint32{11111, 22222}, subscriber.subscribed[0])
	gateway.AssertExpectations(t)
}

func TestEntryCycle_ResolveFailureCreatesNoTrades(t *testing.T) {
	// Arrange
	engine, gateway, _, ledger := setupEngine(t)
	gateway.On("SessionValid").Return(true)
	gateway.On("ResolveATMLegs").Return(nil, nil, errors.New("no CE contract at strike 48000"))

	// Act
	engine.EntryCycle()

	// Assert
	open, err := ledger.OpenTrades()
	assert.NoError(t, err)
	assert.Empty(t, open)
	gateway.AssertNotCalled(t, "PlaceOrder", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestEntryCycle_AbortsWithoutMarketData(t *testing.T) {
	// Arrange
	engine, gateway, _, ledger := setupEngine(t)
	call, put := callPutLegs()
	gateway.On("SessionValid").Return(true)
	gateway.On("ResolveATMLegs").Return(call, put, nil)
	gateway.On("LastPrice", call.TradingSymbol).Return(250.0)
	gateway.On("LastPrice", put.TradingSymbol).Return(0.0) // quote unavailable

	// Act
	engine.EntryCycle()

	// Assert
	open, _ := ledger.OpenTrades()
	assert.Empty(t, open)
	gateway.AssertNotCalled(t, "PlaceOrder", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestEntryCycle_SecondLegFailureCompensatesFirst(t *testing.T) {
	// Arrange
	engine, gateway, subscriber, ledger := setupEngine(t)
	call, put := callPutLegs()
	gateway.On("SessionValid").Return(true)
	gateway.On("ResolveATMLegs").Return(call, put, nil)
	gateway.On("LastPrice", call.TradingSymbol).Return(250.0)
	gateway.On("LastPrice", put.TradingSymbol).Return(240.0)
	gateway.On("PlaceOrder", call.TradingSymbol, kite.OrderSideBuy, 35, kite.OrderTypeMarket, 250.0).Return("ORD1", nil)
	gateway.On("PlaceOrder", put.TradingSymbol, kite.OrderSideBuy, 35, kite.OrderTypeMarket, 240.0).Return("", errors.New("rejected"))
	// The filled call leg is closed again so no single-leg position remains.
	gateway.On("PlaceOrder", call.TradingSymbol, kite.OrderSideSell, 35, kite.OrderTypeMarket, 250.0).Return("ORD3", nil)

	// Act
	engine.EntryCycle()

	// Assert: zero trade rows for a failed entry
	open, _ := ledger.OpenTrades()
	assert.Empty(t, open)
	assert.Empty(t, subscriber.subscribed)
	gateway.AssertExpectations(t)
}

func TestEntryCycle_SkipsWhenPositionOpen(t *testing.T) {
	// Arrange
	engine, gateway, _, ledger := setupEngine(t)
	gateway.On("SessionValid").Return(true)
	openLeg(t, ledger, &models.Trade{Symbol: "X", OrderID: "ORD1", EntryTimestamp: time.Now()})

	// Act
	engine.EntryCycle()

	// Assert
	gateway.AssertNotCalled(t, "ResolveATMLegs")
}

func TestEntryCycle_SkipsWhenRiskStopped(t *testing.T) {
	// Arrange
	engine, gateway, _, _ := setupEngine(t)
	gateway.On("SessionValid").Return(true)
	assert.NoError(t, engine.risk.RecordRealized(-6000)) // past the limit

	// Act
	engine.EntryCycle()

	// Assert
	gateway.AssertNotCalled(t, "ResolveATMLegs")
}

func TestEntryCycle_SkipsOutsideTradingWindow(t *testing.T) {
	// Arrange
	engine, gateway, _, _ := setupEngine(t)
	engine.now = func() time.Time { return time.Date(2024, 9, 2, 16, 0, 0, 0, time.Local) }

	// Act
	engine.EntryCycle()

	// Assert: guard short-circuits before the session check
	gateway.AssertNotCalled(t, "SessionValid")
	gateway.AssertNotCalled(t, "ResolveATMLegs")
}

func TestHandleTick_ProfitTargetClosesLegAndSibling(t *testing.T) {
	// Arrange: profitTarget=30, entry=100, tick=131 -> diff=31 triggers
	engine, gateway, subscriber, ledger := setupEngine(t)
	entered := engine.now()
	ce := openLeg(t, ledger, &models.Trade{
		Symbol: "CE_LEG", Side: kite.OrderSideBuy, Quantity: 35, EntryPrice: 100,
		EntryTimestamp: entered, OrderID: "ORD1", Strategy: "STRADDLE", InstrumentToken: 11111,
	})
	openLeg(t, ledger, &models.Trade{
		Symbol: "PE_LEG", Side: kite.OrderSideBuy, Quantity: 35, EntryPrice: 90,
		EntryTimestamp: entered.Add(5 * time.Second), OrderID: "ORD2", Strategy: "STRADDLE", InstrumentToken: 22222,
	})

	gateway.On("PlaceOrder", "CE_LEG", kite.OrderSideSell, 35, kite.OrderTypeMarket, 131.0).Return("ORD3", nil)
	gateway.On("LastPrice", "PE_LEG").Return(84.0)
	gateway.On("PlaceOrder", "PE_LEG", kite.OrderSideSell, 35, kite.OrderTypeMarket, 84.0).Return("ORD4", nil)

	// Act
	engine.HandleTick(stream.Tick{Token: 11111, LastPrice: 131})

	// Assert: both legs closed in one pass
	open, _ := ledger.OpenTrades()
	assert.Empty(t, open)

	closedCE, _ := ledger.FindTradeByOrderID(ce.OrderID)
	assert.Equal(t, models.TradeStatusComplete, closedCE.Status)
	assert.Equal(t, 131.0, closedCE.ExitPrice)
	assert.NotNil(t, closedCE.ExitTimestamp)
	assert.Equal(t, 31.0*35, closedCE.Pnl)

	closedPE, _ := ledger.FindTradeByOrderID("ORD2")
	assert.Equal(t, models.TradeStatusComplete, closedPE.Status)
	assert.Equal(t, -6.0*35, closedPE.Pnl)

	// Both tokens unsubscribed, one per close.
	assert.Len(t, subscriber.unsubscribed, 2)
	gateway.AssertExpectations(t)
}

func TestHandleTick_StopLossCloses(t *testing.T) {
	// Arrange: stopLoss=20, entry=100, tick=79 -> diff=-21 triggers
	engine, gateway, _, ledger := setupEngine(t)
	openLeg(t, ledger, &models.Trade{
		Symbol: "CE_LEG", Side: kite.OrderSideBuy, Quantity: 35, EntryPrice: 100,
		EntryTimestamp: engine.now(), OrderID: "ORD1", Strategy: "STRADDLE", InstrumentToken: 11111,
	})
	gateway.On("PlaceOrder", "CE_LEG", kite.OrderSideSell, 35, kite.OrderTypeMarket, 79.0).Return("ORD3", nil)

	// Act
	engine.HandleTick(stream.Tick{Token: 11111, LastPrice: 79})

	// Assert
	open, _ := ledger.OpenTrades()
	assert.Empty(t, open)
	trade, _ := ledger.FindTradeByOrderID("ORD1")
	assert.Equal(t, -21.0*35, trade.Pnl)
}

func TestHandleTick_NoTriggerInsideBand(t *testing.T) {
	// Arrange: diff=+29 is below the target, -19 above the stop
	engine, gateway, _, ledger := setupEngine(t)
	openLeg(t, ledger, &models.Trade{
		Symbol: "CE_LEG", Side: kite.OrderSideBuy, Quantity: 35, EntryPrice: 100,
		EntryTimestamp: engine.now(), OrderID: "ORD1", Strategy: "STRADDLE", InstrumentToken: 11111,
	})

	// Act
	engine.HandleTick(stream.Tick{Token: 11111, LastPrice: 129})
	engine.HandleTick(stream.Tick{Token: 11111, LastPrice: 81})

	// Assert
	open, _ := ledger.OpenTrades()
	assert.Len(t, open, 1)
	gateway.AssertNotCalled(t, "PlaceOrder", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleTick_SellSideFlipsSign(t *testing.T) {
	// Arrange: short leg entered at 100; price falling to 69 is +31 profit
	engine, gateway, _, ledger := setupEngine(t)
	openLeg(t, ledger, &models.Trade{
		Symbol: "SHORT_LEG", Side: kite.OrderSideSell, Quantity: 35, EntryPrice: 100,
		EntryTimestamp: engine.now(), OrderID: "ORD1", Strategy: "STRADDLE", InstrumentToken: 11111,
	})
	gateway.On("PlaceOrder", "SHORT_LEG", kite.OrderSideSell, 35, kite.OrderTypeMarket, 69.0).Return("ORD3", nil)

	// Act
	engine.HandleTick(stream.Tick{Token: 11111, LastPrice: 69})

	// Assert
	trade, _ := ledger.FindTradeByOrderID("ORD1")
	assert.Equal(t, models.TradeStatusComplete, trade.Status)
	assert.Equal(t, 31.0*35, trade.Pnl)
}

func TestHandleTick_MissingSiblingIsNotAnError(t *testing.T) {
	// Arrange: a lone leg outside any correlation window
	engine, gateway, _, ledger := setupEngine(t)
	openLeg(t, ledger, &models.Trade{
		Symbol: "CE_LEG", Side: kite.OrderSideBuy, Quantity: 35, EntryPrice: 100,
		EntryTimestamp: engine.now(), OrderID: "ORD1", Strategy: "STRADDLE", InstrumentToken: 11111,
	})
	gateway.On("PlaceOrder", "CE_LEG", kite.OrderSideSell, 35, kite.OrderTypeMarket, 131.0).Return("ORD3", nil)

	// Act
	engine.HandleTick(stream.Tick{Token: 11111, LastPrice: 131})

	// Assert
	open, _ := ledger.OpenTrades()
	assert.Empty(t, open)
	gateway.AssertExpectations(t)
}

func TestHandleTick_SiblingOutsideWindowStands(t *testing.T) {
	// Arrange: second leg entered two minutes later is not a sibling
	engine, gateway, _, ledger := setupEngine(t)
	entered := engine.now()
	openLeg(t, ledger, &models.Trade{
		Symbol: "CE_LEG", Side: kite.OrderSideBuy, Quantity: 35, EntryPrice: 100,
		EntryTimestamp: entered, OrderID: "ORD1", Strategy: "STRADDLE", InstrumentToken: 11111,
	})
	openLeg(t, ledger, &models.Trade{
		Symbol: "PE_LEG", Side: kite.OrderSideBuy, Quantity: 35, EntryPrice: 90,
		EntryTimestamp: entered.Add(2 * time.Minute), OrderID: "ORD2", Strategy: "STRADDLE", InstrumentToken: 22222,
	})
	gateway.On("PlaceOrder", "CE_LEG", kite.OrderSideSell, 35, kite.OrderTypeMarket, 131.0).Return("ORD3", nil)

	// Act
	engine.HandleTick(stream.Tick{Token: 11111, LastPrice: 131})

	// Assert: the unrelated leg stays open
	open, _ := ledger.OpenTrades()
	assert.Len(t, open, 1)
	assert.Equal(t, "PE_LEG", open[0].Symbol)
	gateway.AssertNotCalled(t, "LastPrice", "PE_LEG")
}

func TestHandleTick_CloseOrderFailureKeepsPositionOpen(t *testing.T) {
	// Arrange
	engine, gateway, _, ledger := setupEngine(t)
	openLeg(t, ledger, &models.Trade{
		Symbol: "CE_LEG", Side: kite.OrderSideBuy, Quantity: 35, EntryPrice: 100,
		EntryTimestamp: engine.now(), OrderID: "ORD1", Strategy: "STRADDLE", InstrumentToken: 11111,
	})
	gateway.On("PlaceOrder", "CE_LEG", kite.OrderSideSell, 35, kite.OrderTypeMarket, 131.0).Return("", errors.New("exchange closed"))

	// Act
	engine.HandleTick(stream.Tick{Token: 11111, LastPrice: 131})

	// Assert: nothing transitioned, next tick will retry
	trade, _ := ledger.FindTradeByOrderID("ORD1")
	assert.Equal(t, models.TradeStatusOpen, trade.Status)
	assert.Zero(t, trade.Pnl)
}

func TestHandleTick_UnknownTokenIsIgnored(t *testing.T) {
	// Arrange
	engine, gateway, _, ledger := setupEngine(t)
	openLeg(t, ledger, &models.Trade{
		Symbol: "CE_LEG", Side: kite.OrderSideBuy, Quantity: 35, EntryPrice: 100,
		EntryTimestamp: engine.now(), OrderID: "ORD1", Strategy: "STRADDLE", InstrumentToken: 11111,
	})

	// Act
	engine.HandleTick(stream.Tick{Token: 99999, LastPrice: 5000})

	// Assert
	open, _ := ledger.OpenTrades()
	assert.Len(t, open, 1)
	gateway.AssertNotCalled(t, "PlaceOrder", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestReconcile_TransitionsRejectedEntryOrders(t *testing.T) {
	// Arrange
	engine, gateway, subscriber, ledger := setupEngine(t)
	openLeg(t, ledger, &models.Trade{
		Symbol: "CE_LEG", Side: kite.OrderSideBuy, Quantity: 35, EntryPrice: 100,
		EntryTimestamp: engine.now(), OrderID: "ORD1", Strategy: "STRADDLE", InstrumentToken: 11111,
	})
	gateway.On("Orders").Return([]kite.OrderRecord{
		{OrderID: "ORD1", Status: "REJECTED"},
		{OrderID: "UNKNOWN", Status: "COMPLETE"}, // unknown ids are logged and skipped
	}, nil)

	// Act
	engine.Reconcile()

	// Assert
	trade, _ := ledger.FindTradeByOrderID("ORD1")
	assert.Equal(t, models.TradeStatusRejected, trade.Status)
	assert.Len(t, subscriber.unsubscribed, 1)
}

func TestReconcile_LeavesCompletedBrokerOrdersToExitPath(t *testing.T) {
	// Arrange: a filled entry order must not close the trade
	engine, gateway, _, ledger := setupEngine(t)
	openLeg(t, ledger, &models.Trade{
		Symbol: "CE_LEG", Side: kite.OrderSideBuy, Quantity: 35, EntryPrice: 100,
		EntryTimestamp: engine.now(), OrderID: "ORD1", Strategy: "STRADDLE", InstrumentToken: 11111,
	})
	gateway.On("Orders").Return([]kite.OrderRecord{{OrderID: "ORD1", Status: "COMPLETE"}}, nil)

	// Act
	engine.Reconcile()

	// Assert
	trade, _ := ledger.FindTradeByOrderID("ORD1")
	assert.Equal(t, models.TradeStatusOpen, trade.Status)
}

func TestStatus_TodaysPnlUsesLocalCalendarDay(t *testing.T) {
	// Arrange: clock pinned just after local midnight in a UTC+05:30 market
	engine, _, _, ledger := setupEngine(t)
	ist := time.FixedZone("IST", 5*3600+30*60)
	engine.now = func() time.Time { return time.Date(2024, 9, 2, 1, 0, 0, 0, ist) }

	yesterday := time.Date(2024, 9, 1, 23, 0, 0, 0, ist)
	today := time.Date(2024, 9, 2, 0, 30, 0, 0, ist)
	assert.NoError(t, ledger.SaveTrade(&models.Trade{
		OrderID: "ORD1", Status: models.TradeStatusComplete, Pnl: 9999,
		EntryTimestamp: yesterday, ExitTimestamp: &yesterday,
	}))
	assert.NoError(t, ledger.SaveTrade(&models.Trade{
		OrderID: "ORD2", Status: models.TradeStatusComplete, Pnl: 385,
		EntryTimestamp: today, ExitTimestamp: &today,
	}))

	// Act
	status := engine.Status()

	// Assert: yesterday's close does not leak into today's total
	assert.Equal(t, 385.0, status.TodaysPnl)
}

func TestMapOrderStatus(t *testing.T) {
	assert.Equal(t, models.TradeStatusComplete, mapOrderStatus("COMPLETE"))
	assert.Equal(t, models.TradeStatusComplete, mapOrderStatus("filled"))
	assert.Equal(t, models.TradeStatusCancelled, mapOrderStatus("CANCELLED AMO"))
	assert.Equal(t, models.TradeStatusRejected, mapOrderStatus("REJECTED"))
	assert.Equal(t, models.TradeStatusTriggerPending, mapOrderStatus("TRIGGER PENDING"))
	assert.Equal(t, models.TradeStatusPending, mapOrderStatus("OPEN PENDING"))
	assert.Equal(t, models.TradeStatusOpen, mapOrderStatus("something else"))
}
