// Package core defines the core interfaces and shared types for the ladder engine
package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// IBroker is the order/market-data REST transport. All calls are expected to
// pass through the shared rate limiter inside the implementation.
type IBroker interface {
	// PlaceMarketOrder submits an intraday market order. A broker-side
	// rejection is returned as an error (wrapping apperrors.ErrOrderRejected);
	// the OrderResult carries the broker order id on success.
	PlaceMarketOrder(ctx context.Context, symbol string, side Side, qty int64) (OrderResult, error)

	// Positions returns the broker's intraday position snapshot.
	Positions(ctx context.Context) ([]PositionRow, error)

	// HistoricalDaily returns up to days daily candles for the symbol.
	HistoricalDaily(ctx context.Context, symbol string, days int) ([]Candle, error)

	// OhlcSnapshot returns quotes for the given symbols, batching internally.
	OhlcSnapshot(ctx context.Context, symbols []string) (map[string]Quote, error)
}

// TickHandler receives one quote update. It runs on the feed's read loop and
// must not block.
type TickHandler func(symbol string, ltp decimal.Decimal, volume int64)

// IMarketFeed manages the streaming quote connection lifecycle.
type IMarketFeed interface {
	// Subscribe resolves the symbols, opens the stream and delivers ticks to
	// onTick until Stop is called or a fatal server code is received.
	Subscribe(symbols []string, onTick TickHandler) error
	Stop()
}

// IFillStream resolves pending fills from the broker's live order-update
// channel. Implementations are optional; a nil stream means callers fall back
// to polling positions.
type IFillStream interface {
	// Wait blocks until a terminal update for orderID arrives or the timeout
	// elapses. ok is false on timeout.
	Wait(orderID string, timeout time.Duration) (OrderUpdate, bool)
}

// ISymbolResolver maps trading symbols to broker security identifiers.
// A missing mapping marks the symbol untradable, it never fails the run.
type ISymbolResolver interface {
	Resolve(symbol string) (int64, bool)
	SymbolFor(id int64) (string, bool)
}

// ICandidateProvider supplies the day's tradable universe with previous
// closes. An empty result means the engine cannot start.
type ICandidateProvider interface {
	Load(ctx context.Context) (map[string]decimal.Decimal, error)
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
