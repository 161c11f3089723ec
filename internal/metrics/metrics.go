package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters for the trading control loop. All are registered on the default
// registry and exposed by the status server's /metrics endpoint.
var (
	TicksReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "straddlebot_ticks_received_total",
		Help: "Number of normalized price ticks received from the stream.",
	})

	TicksDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "straddlebot_ticks_dropped_total",
		Help: "Number of ticks dropped because a bus subscriber was full.",
	})

	StreamReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "straddlebot_stream_reconnects_total",
		Help: "Number of times the ticker stream connection was re-established.",
	})

	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "straddlebot_orders_placed_total",
		Help: "Number of orders successfully placed, by execution mode and side.",
	}, []string{"mode", "side"})

	OrderFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "straddlebot_order_failures_total",
		Help: "Number of order placements that failed, by execution mode.",
	}, []string{"mode"})

	TradesClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "straddlebot_trades_closed_total",
		Help: "Number of straddle legs closed by the exit path.",
	})

	EntryCyclesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "straddlebot_entry_cycles_skipped_total",
		Help: "Number of entry cycles skipped, by guard reason.",
	}, []string{"reason"})
)
