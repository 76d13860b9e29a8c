// Package marketdata supplies the mark price: the market reference
// execution price of the perpetual contract. A WebSocket client consumes
// venue ticks and mirrors the latest trade price into the shared cache;
// sources read it back with a staleness bound.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/novafund/lifeperp/internal/domain"
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

// subscribeCommand is the JSON command sent to the venue feed.
type subscribeCommand struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
	Symbols  []string `json:"symbols"`
}

// tickMessage is the venue's trade tick envelope.
type tickMessage struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
	Time   string `json:"time"` // RFC3339Nano
}

// TickerClient is a WebSocket client for a venue's real-time trade feed. It
// manages the connection lifecycle and mirrors each tick for the configured
// symbol into the index cache under the mark series.
type TickerClient struct {
	wsURL  string
	symbol string
	cache  domain.IndexCache
	logger *slog.Logger

	mu     sync.RWMutex
	conn   *websocket.Conn
	closed bool

	// done is closed when the client is shut down.
	done chan struct{}
}

// NewTickerClient creates a TickerClient for the given WebSocket URL and
// contract symbol.
func NewTickerClient(wsURL, symbol string, cache domain.IndexCache, logger *slog.Logger) *TickerClient {
	return &TickerClient{
		wsURL:  wsURL,
		symbol: symbol,
		cache:  cache,
		logger: logger.With(slog.String("component", "marketdata_ws")),
		done:   make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection and subscribes to the ticker
// channel for the configured symbol.
func (w *TickerClient) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("marketdata: client closed")
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("marketdata: connect: %w", err)
	}

	w.conn = conn

	// Set up pong handler for keep-alive.
	w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		w.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go w.readLoop()
	go w.pingLoop()

	cmd := subscribeCommand{
		Type:     "subscribe",
		Channels: []string{"ticker"},
		Symbols:  []string{w.symbol},
	}
	if err := w.sendCommand(cmd); err != nil {
		return fmt.Errorf("marketdata: subscribe %s: %w", w.symbol, err)
	}

	w.logger.Info("market data feed connected",
		slog.String("url", w.wsURL),
		slog.String("symbol", w.symbol),
	)
	return nil
}

// Close shuts down the WebSocket connection and stops the read loop.
func (w *TickerClient) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	w.closed = true
	close(w.done)

	if w.conn != nil {
		_ = w.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return w.conn.Close()
	}

	return nil
}

// sendCommand sends a JSON command to the WebSocket. Caller must hold w.mu.
func (w *TickerClient) sendCommand(cmd subscribeCommand) error {
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop continuously reads tick messages and mirrors them into the cache.
// On disconnect, it attempts to reconnect with exponential backoff.
func (w *TickerClient) readLoop() {
	defer func() {
		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()
		if conn != nil {
			conn.Close()
		}
	}()

	for {
		select {
		case <-w.done:
			return
		default:
		}

		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()

		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-w.done:
				return
			default:
			}

			w.reconnect()
			return // readLoop is restarted by reconnect -> Connect
		}

		w.handleMessage(message)
	}
}

// pingLoop sends periodic ping messages to keep the WebSocket alive.
func (w *TickerClient) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.mu.RLock()
			conn := w.conn
			w.mu.RUnlock()

			if conn == nil {
				return
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage parses a raw tick and writes it into the cache. Messages for
// other symbols or types are dropped.
func (w *TickerClient) handleMessage(raw []byte) {
	var msg tickMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return // silently drop unparseable messages
	}
	if msg.Type != "ticker" || msg.Symbol != w.symbol {
		return
	}

	price, err := decimal.NewFromString(msg.Price)
	if err != nil || !price.IsPositive() {
		return
	}

	ts := time.Now().UTC()
	if msg.Time != "" {
		if t, perr := time.Parse(time.RFC3339Nano, msg.Time); perr == nil {
			ts = t
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.cache.SetValue(ctx, domain.SeriesMark, price, ts); err != nil {
		w.logger.WarnContext(ctx, "mark price cache write failed",
			slog.String("error", err.Error()),
		)
	}
}

// reconnect attempts to re-establish the WebSocket connection with
// exponential backoff. It blocks until successful or the client is closed.
func (w *TickerClient) reconnect() {
	delay := reconnectDelay

	for {
		select {
		case <-w.done:
			return
		default:
		}

		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := w.Connect(ctx)
		cancel()

		if err == nil {
			return
		}
		w.logger.Warn("market data reconnect failed",
			slog.String("error", err.Error()),
			slog.Duration("next_attempt", delay),
		)

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}
