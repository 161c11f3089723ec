package stream

import (
	"context"
	"sync"

	"straddle-bot-go/internal/metrics"

	"go.uber.org/zap"
)

// Handler receives lifecycle and data callbacks from a Transport.
type Handler interface {
	OnConnected()
	OnDisconnected()
	OnTicks(ticks []Tick)
}

// Transport abstracts the streaming connection so the engine can be driven by
// a live websocket or an in-memory fake. Dial starts the connection lifecycle
// (including any reconnect loop the transport implements) and returns once it
// is underway; connection state is reported through the Handler.
type Transport interface {
	SetHandler(h Handler)
	Dial(ctx context.Context) error
	Subscribe(tokens []uint32) error
	Unsubscribe(tokens []uint32) error
	Close() error
}

type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
)

// TickerStream owns one logical streaming connection and the set of
// subscribed instrument tokens, independent of connection up/down cycles.
// Subscription intent survives reconnects: every time the transport reports a
// connection, the full current set is re-subscribed exactly once.
type TickerStream struct {
	transport Transport
	bus       *Bus
	logger    *zap.Logger

	mu         sync.Mutex
	state      connState
	subscribed map[uint32]struct{}
}

var _ Handler = (*TickerStream)(nil)

// NewTickerStream wires a transport to the tick bus. The stream registers
// itself as the transport's handler.
func NewTickerStream(transport Transport, bus *Bus, logger *zap.Logger) *TickerStream {
	s := &TickerStream{
		transport:  transport,
		bus:        bus,
		logger:     logger.Named("ticker-stream"),
		subscribed: make(map[uint32]struct{}),
	}
	transport.SetHandler(s)
	return s
}

// Connect starts the streaming connection. It is idempotent: a call while
// already connected or connecting is a no-op. Transport errors are logged,
// never returned; the transport keeps retrying on its own.
func (s *TickerStream) Connect(ctx context.Context) {
	s.mu.Lock()
	if s.state != stateDisconnected {
		s.mu.Unlock()
		s.logger.Debug("Connect ignored, stream already active")
		return
	}
	s.state = stateConnecting
	s.mu.Unlock()

	if err := s.transport.Dial(ctx); err != nil {
		s.logger.Error("Failed to start stream transport", zap.Error(err))
		s.mu.Lock()
		s.state = stateDisconnected
		s.mu.Unlock()
	}
}

// Subscribe merges tokens into the subscription set regardless of connection
// state and issues a live subscribe immediately when connected.
func (s *TickerStream) Subscribe(tokens []uint32) {
	if len(tokens) == 0 {
		return
	}

	s.mu.Lock()
	for _, t := range tokens {
		s.subscribed[t] = struct{}{}
	}
	connected := s.state == stateConnected
	s.mu.Unlock()

	s.logger.Info("Subscribing to instrument tokens", zap.Uint32s("tokens", tokens))
	if connected {
		if err := s.transport.Subscribe(tokens); err != nil {
			s.logger.Error("Live subscribe failed", zap.Error(err))
		}
	}
}

// Unsubscribe removes tokens from the subscription set and issues a live
// unsubscribe immediately when connected.
func (s *TickerStream) Unsubscribe(tokens []uint32) {
	if len(tokens) == 0 {
		return
	}

	s.mu.Lock()
	for _, t := range tokens {
		delete(s.subscribed, t)
	}
	connected := s.state == stateConnected
	s.mu.Unlock()

	s.logger.Info("Unsubscribing from instrument tokens", zap.Uint32s("tokens", tokens))
	if connected {
		if err := s.transport.Unsubscribe(tokens); err != nil {
			s.logger.Error("Live unsubscribe failed", zap.Error(err))
		}
	}
}

// Disconnect tears down the transport and clears the subscription set.
// Called once at shutdown.
func (s *TickerStream) Disconnect() {
	s.mu.Lock()
	s.state = stateDisconnected
	s.subscribed = make(map[uint32]struct{})
	s.mu.Unlock()

	if err := s.transport.Close(); err != nil {
		s.logger.Warn("Error closing stream transport", zap.Error(err))
	}
	s.logger.Info("Ticker stream disconnected and subscriptions cleared")
}

// IsConnected reports whether the transport currently has a live connection.
func (s *TickerStream) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateConnected
}

// OnConnected re-subscribes the full current subscription set. This fires on
// every (re)connect, so subscription intent survives transport failures.
func (s *TickerStream) OnConnected() {
	s.mu.Lock()
	s.state = stateConnected
	tokens := make([]uint32, 0, len(s.subscribed))
	for t := range s.subscribed {
		tokens = append(tokens, t)
	}
	s.mu.Unlock()

	metrics.StreamReconnects.Inc()
	s.logger.Info("Stream connected", zap.Int("resubscribing", len(tokens)))
	if len(tokens) > 0 {
		if err := s.transport.Subscribe(tokens); err != nil {
			s.logger.Error("Re-subscribe after connect failed", zap.Error(err))
		}
	}
}

// OnDisconnected degrades the stream to connecting; the transport's own
// reconnect loop is responsible for getting it back.
func (s *TickerStream) OnDisconnected() {
	s.mu.Lock()
	if s.state == stateConnected {
		s.state = stateConnecting
	}
	s.mu.Unlock()
	s.logger.Warn("Stream disconnected, waiting for transport to reconnect")
}

// OnTicks publishes each tick of a batch on the bus. Empty batches are
// dropped silently.
func (s *TickerStream) OnTicks(ticks []Tick) {
	for _, t := range ticks {
		metrics.TicksReceived.Inc()
		s.bus.Publish(t)
	}
}
