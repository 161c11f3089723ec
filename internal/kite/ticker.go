package kite

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"straddle-bot-go/internal/stream"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteTimeout  = 10 * time.Second
	wsReadTimeout   = 30 * time.Second
	wsPingInterval  = 10 * time.Second
	wsRedialBackoff = 5 * time.Second

	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
	actionMode        = "mode"
	modeLTP           = "ltp"
)

// wsMessage is the JSON envelope for ticker control messages.
type wsMessage struct {
	Action string `json:"a"`
	Value  any    `json:"v"`
}

// Ticker is the live websocket transport for the Kite ticker. It dials
// wss://ws.kite.trade, keeps the connection alive with ping frames, redials
// with a fixed backoff whenever the connection drops, and decodes the binary
// tick frames into normalized ticks for its handler.
type Ticker struct {
	url     string
	logger  *zap.Logger
	handler stream.Handler

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
}

var _ stream.Transport = (*Ticker)(nil)

// NewTicker creates a ticker transport authenticated with the given session.
func NewTicker(wsURL, apiKey, accessToken string, logger *zap.Logger) *Ticker {
	return &Ticker{
		url:    fmt.Sprintf("%s?api_key=%s&access_token=%s", wsURL, apiKey, accessToken),
		logger: logger.Named("kite-ticker"),
	}
}

// SetHandler registers the callback receiver. Must be called before Dial.
func (t *Ticker) SetHandler(h stream.Handler) {
	t.handler = h
}

// Dial starts the connection manager. It returns immediately; connection state
// is reported through the handler, and the manager keeps redialing until the
// context is cancelled or Close is called.
func (t *Ticker) Dial(ctx context.Context) error {
	if t.handler == nil {
		return fmt.Errorf("ticker transport has no handler")
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	go t.run(runCtx)
	return nil
}

func (t *Ticker) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.url, nil)
		if err != nil {
			t.logger.Warn("Ticker dial failed, retrying",
				zap.Duration("backoff", wsRedialBackoff), zap.Error(err))
			select {
			case <-time.After(wsRedialBackoff):
				continue
			case <-ctx.Done():
				return
			}
		}

		t.mu.Lock()
		t.conn = conn
		t.mu.Unlock()

		t.handler.OnConnected()
		t.readLoop(ctx, conn)

		t.mu.Lock()
		t.conn = nil
		t.mu.Unlock()

		t.handler.OnDisconnected()
	}
}

// readLoop pumps frames from one connection until it fails. A pinger keeps
// the connection alive; any read error ends the loop and triggers a redial.
func (t *Ticker) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go t.pingLoop(pingCtx, conn)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				t.logger.Warn("Ticker read failed", zap.Error(err))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

		if msgType != websocket.BinaryMessage {
			continue // text frames carry order postbacks and errors, not ticks
		}
		if ticks := parseTickFrame(data); len(ticks) > 0 {
			t.handler.OnTicks(ticks)
		}
	}
}

func (t *Ticker) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (t *Ticker) writeJSON(msg wsMessage) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("ticker not connected")
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(msg)
}

// Subscribe issues a live subscribe for the tokens in LTP mode.
func (t *Ticker) Subscribe(tokens []uint32) error {
	if err := t.writeJSON(wsMessage{Action: actionSubscribe, Value: tokens}); err != nil {
		return fmt.Errorf("subscribe failed: %w", err)
	}
	if err := t.writeJSON(wsMessage{Action: actionMode, Value: []any{modeLTP, tokens}}); err != nil {
		return fmt.Errorf("set mode failed: %w", err)
	}
	return nil
}

// Unsubscribe issues a live unsubscribe for the tokens.
func (t *Ticker) Unsubscribe(tokens []uint32) error {
	if err := t.writeJSON(wsMessage{Action: actionUnsubscribe, Value: tokens}); err != nil {
		return fmt.Errorf("unsubscribe failed: %w", err)
	}
	return nil
}

// Close stops the connection manager and closes any live connection.
func (t *Ticker) Close() error {
	t.mu.Lock()
	cancel := t.cancel
	conn := t.conn
	t.cancel = nil
	t.conn = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// parseTickFrame decodes one binary ticker frame. Layout: a big-endian int16
// packet count, then per packet an int16 length followed by the packet body.
// In LTP mode the body is 8 bytes: instrument token (uint32) and the last
// traded price in paise (int32). One-byte frames are server heartbeats.
func parseTickFrame(data []byte) []stream.Tick {
	if len(data) < 2 {
		return nil
	}

	count := int(binary.BigEndian.Uint16(data[0:2]))
	ticks := make([]stream.Tick, 0, count)
	offset := 2

	for i := 0; i < count; i++ {
		if offset+2 > len(data) {
			break
		}
		pktLen := int(binary.BigEndian.Uint16(data[offset : offset+2]))
		offset += 2
		if pktLen < 8 || offset+pktLen > len(data) {
			break
		}
		pkt := data[offset : offset+pktLen]
		offset += pktLen

		ticks = append(ticks, stream.Tick{
			Token:     binary.BigEndian.Uint32(pkt[0:4]),
			LastPrice: float64(int32(binary.BigEndian.Uint32(pkt[4:8]))) / 100,
		})
	}
	return ticks
}
