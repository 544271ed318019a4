// Package market ingests candles and best-bid/ask for the engine's single
// tracked symbol: a periodic REST poll for candles plus a bookTicker
// websocket stream, published into one atomic Snapshot that every reader
// (both executors, the stop-loss manager, the controller) shares.
package market

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"hedgegrid/logger"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// BookTickerUpdate is one bid/ask tick from the exchange's bookTicker stream.
type BookTickerUpdate struct {
	Symbol string
	Bid    decimal.Decimal
	Ask    decimal.Decimal
}

// BookTickerStream maintains a reconnecting websocket subscription to one
// symbol's bookTicker stream. Adapted from the combined-streams reconnect
// idiom (subscribe message, read loop, reconnect-with-sleep on read error)
// down to a single symbol instead of a multi-symbol batch subscription.
type BookTickerStream struct {
	symbol string
	url    string

	mu   sync.RWMutex
	conn *websocket.Conn

	updates chan BookTickerUpdate
	done    chan struct{}

	reconnectBase time.Duration
	reconnectCap  time.Duration
}

// NewBookTickerStream builds a stream for symbol against the Binance USDⓈ-M
// futures raw single-stream endpoint (<symbol>@bookTicker).
func NewBookTickerStream(symbol string) *BookTickerStream {
	return &BookTickerStream{
		symbol:        symbol,
		url:           fmt.Sprintf("wss://fstream.binance.com/ws/%s@bookTicker", strings.ToLower(symbol)),
		updates:       make(chan BookTickerUpdate, 256),
		done:          make(chan struct{}),
		reconnectBase: 1 * time.Second,
		reconnectCap:  30 * time.Second,
	}
}

// Updates exposes the channel callers should range over to consume ticks.
func (s *BookTickerStream) Updates() <-chan BookTickerUpdate { return s.updates }

// Connect dials the stream and starts the background read loop. Connect
// itself must succeed once; subsequent drops are handled internally with
// exponential backoff, capped at reconnectCap.
func (s *BookTickerStream) Connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	if err != nil {
		return fmt.Errorf("bookTicker dial failed: %w", err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	go s.readLoop()
	return nil
}

func (s *BookTickerStream) readLoop() {
	backoff := s.reconnectBase
	for {
		select {
		case <-s.done:
			return
		default:
		}

		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()

		if conn == nil {
			time.Sleep(backoff)
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			logger.Warnf("bookTicker stream read failed for %s: %v", s.symbol, err)
			s.reconnect(&backoff)
			continue
		}
		backoff = s.reconnectBase

		var raw struct {
			Symbol   string `json:"s"`
			BidPrice string `json:"b"`
			AskPrice string `json:"a"`
		}
		if err := json.Unmarshal(message, &raw); err != nil {
			logger.Warnf("bookTicker message parse failed: %v", err)
			continue
		}

		bid, _ := decimal.NewFromString(raw.BidPrice)
		ask, _ := decimal.NewFromString(raw.AskPrice)

		select {
		case s.updates <- BookTickerUpdate{Symbol: s.symbol, Bid: bid, Ask: ask}:
		default:
			logger.Warnf("bookTicker update dropped: consumer channel full")
		}
	}
}

func (s *BookTickerStream) reconnect(backoff *time.Duration) {
	select {
	case <-s.done:
		return
	default:
	}

	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()

	time.Sleep(*backoff)
	*backoff *= 2
	if *backoff > s.reconnectCap {
		*backoff = s.reconnectCap
	}

	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	if err != nil {
		logger.Warnf("bookTicker reconnect failed for %s: %v", s.symbol, err)
		return
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

// Close tears down the stream and stops the read loop.
func (s *BookTickerStream) Close() {
	close(s.done)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	close(s.updates)
}
