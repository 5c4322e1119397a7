package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/quillsol/solguard/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// priceFrame is the JSON message received from the market-data endpoint.
type priceFrame struct {
	Type       string `json:"type"`
	Instrument string `json:"instrument"`
	MarkPrice  string `json:"mark_price"`
	IndexPrice string `json:"index_price"`
	Timestamp  int64  `json:"ts"` // unix milliseconds
}

type subscribeCommand struct {
	Type        string   `json:"type"`
	Instruments []string `json:"instruments"`
}

// WSFeed is a WebSocket market-data client. It reconnects with exponential
// backoff, restores subscriptions, and assigns monotonically increasing
// snapshot IDs per instrument; snapshot ordering survives reconnects
// because the counters are process-local.
type WSFeed struct {
	wsURL       string
	instruments []string
	logger      *slog.Logger

	mu       sync.RWMutex
	conn     *websocket.Conn
	handlers []Handler

	seqs sync.Map // instrument -> *atomic.Uint64
}

// NewWSFeed creates a feed client for the given endpoint and instruments.
func NewWSFeed(wsURL string, instruments []string, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		wsURL:       wsURL,
		instruments: instruments,
		logger:      logger.With(slog.String("component", "feed")),
	}
}

// Subscribe registers a snapshot handler. Handlers must not block.
func (f *WSFeed) Subscribe(h Handler) {
	f.mu.Lock()
	f.handlers = append(f.handlers, h)
	f.mu.Unlock()
}

// Run connects and consumes frames until the context is cancelled,
// reconnecting on failure with exponential backoff.
func (f *WSFeed) Run(ctx context.Context) error {
	delay := reconnectDelay
	for {
		if err := f.connectAndRead(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.logger.Warn("feed disconnected, reconnecting",
				slog.String("error", err.Error()),
				slog.Duration("delay", delay),
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (f *WSFeed) connectAndRead(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return fmt.Errorf("feed: connect: %w", err)
	}
	defer conn.Close()

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	cmd := subscribeCommand{Type: "subscribe", Instruments: f.instruments}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(cmd); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}

	pingDone := make(chan struct{})
	defer close(pingDone)
	go f.pingLoop(conn, pingDone)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed: read: %w", domain.ErrFeedClosed)
		}
		f.handleFrame(data)
	}
}

func (f *WSFeed) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (f *WSFeed) handleFrame(data []byte) {
	var frame priceFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		f.logger.Warn("unparseable feed frame", slog.String("error", err.Error()))
		return
	}
	if frame.Type != "price" || frame.Instrument == "" {
		return
	}
	mark, err := decimal.NewFromString(frame.MarkPrice)
	if err != nil {
		f.logger.Warn("bad mark price in feed frame",
			slog.String("instrument", frame.Instrument),
			slog.String("mark_price", frame.MarkPrice),
		)
		return
	}
	index := decimal.Zero
	if frame.IndexPrice != "" {
		if d, err := decimal.NewFromString(frame.IndexPrice); err == nil {
			index = d
		}
	}

	seqAny, _ := f.seqs.LoadOrStore(frame.Instrument, new(atomic.Uint64))
	snap := domain.MarketSnapshot{
		Instrument: frame.Instrument,
		SnapshotID: seqAny.(*atomic.Uint64).Add(1),
		MarkPrice:  mark,
		IndexPrice: index,
		Timestamp:  time.UnixMilli(frame.Timestamp).UTC(),
	}

	f.mu.RLock()
	handlers := f.handlers
	f.mu.RUnlock()
	for _, h := range handlers {
		h(snap)
	}
}
