// Package mock provides in-memory broker, feed and fill-stream fakes for
// engine tests.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ladder_engine/internal/core"

	"github.com/shopspring/decimal"
)

// Broker implements core.IBroker with instant fills at a configurable price
// and an internal position ledger, so fill inference sees realistic
// before/after snapshots.
type Broker struct {
	mu         sync.Mutex
	orderSeq   int64
	fillPrice  map[string]decimal.Decimal
	positions  map[string]*core.PositionRow
	placeErr   error
	placeDelay time.Duration

	Placed []PlacedOrder
}

// PlacedOrder records one PlaceMarketOrder call.
type PlacedOrder struct {
	Symbol string
	Side   core.Side
	Qty    int64
}

// NewBroker creates an empty mock broker.
func NewBroker() *Broker {
	return &Broker{
		fillPrice: make(map[string]decimal.Decimal),
		positions: make(map[string]*core.PositionRow),
	}
}

// SetFillPrice sets the price every order on symbol executes at.
func (b *Broker) SetFillPrice(symbol string, price decimal.Decimal) {
	b.mu.Lock()
	b.fillPrice[core.NormalizeSymbol(symbol)] = price
	b.mu.Unlock()
}

// FailNextPlacements makes PlaceMarketOrder return err until cleared with nil.
func (b *Broker) FailNextPlacements(err error) {
	b.mu.Lock()
	b.placeErr = err
	b.mu.Unlock()
}

// SetPlaceDelay adds latency to every placement.
func (b *Broker) SetPlaceDelay(d time.Duration) {
	b.mu.Lock()
	b.placeDelay = d
	b.mu.Unlock()
}

func (b *Broker) PlaceMarketOrder(ctx context.Context, symbol string, side core.Side, qty int64) (core.OrderResult, error) {
	b.mu.Lock()
	delay := b.placeDelay
	b.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return core.OrderResult{}, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.placeErr != nil {
		return core.OrderResult{}, b.placeErr
	}

	key := core.NormalizeSymbol(symbol)
	price, ok := b.fillPrice[key]
	if !ok {
		price = decimal.NewFromInt(100)
	}

	row, ok := b.positions[key]
	if !ok {
		row = &core.PositionRow{Symbol: key}
		b.positions[key] = row
	}
	if side == core.SideBuy {
		row.BuyAvg = core.WeightedAverage(row.BuyAvg, row.BuyQty, price, qty)
		row.BuyQty += qty
	} else {
		row.SellAvg = core.WeightedAverage(row.SellAvg, row.SellQty, price, qty)
		row.SellQty += qty
	}

	b.orderSeq++
	b.Placed = append(b.Placed, PlacedOrder{Symbol: key, Side: side, Qty: qty})
	return core.OrderResult{
		OrderID: fmt.Sprintf("MOCK-%d", b.orderSeq),
		Status:  "TRADED",
	}, nil
}

func (b *Broker) Positions(ctx context.Context) ([]core.PositionRow, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rows := make([]core.PositionRow, 0, len(b.positions))
	for _, row := range b.positions {
		rows = append(rows, *row)
	}
	return rows, nil
}

func (b *Broker) HistoricalDaily(ctx context.Context, symbol string, days int) ([]core.Candle, error) {
	return nil, nil
}

func (b *Broker) OhlcSnapshot(ctx context.Context, symbols []string) (map[string]core.Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]core.Quote, len(symbols))
	for _, sym := range symbols {
		key := core.NormalizeSymbol(sym)
		if price, ok := b.fillPrice[key]; ok {
			out[key] = core.Quote{LTP: price, PrevClose: price}
		}
	}
	return out, nil
}

// PlacedCount returns how many orders were placed.
func (b *Broker) PlacedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Placed)
}

// FillStream implements core.IFillStream with pre-seeded updates.
type FillStream struct {
	mu      sync.Mutex
	updates map[string]core.OrderUpdate
}

// NewFillStream creates an empty stream.
func NewFillStream() *FillStream {
	return &FillStream{updates: make(map[string]core.OrderUpdate)}
}

// Push seeds the terminal update for an order id.
func (f *FillStream) Push(upd core.OrderUpdate) {
	f.mu.Lock()
	f.updates[upd.OrderID] = upd
	f.mu.Unlock()
}

func (f *FillStream) Wait(orderID string, timeout time.Duration) (core.OrderUpdate, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	upd, ok := f.updates[orderID]
	return upd, ok
}

// Feed implements core.IMarketFeed; ticks are injected by the test.
type Feed struct {
	mu      sync.Mutex
	onTick  core.TickHandler
	stopped bool
	Symbols []string
}

// NewFeed creates an idle mock feed.
func NewFeed() *Feed {
	return &Feed{}
}

func (f *Feed) Subscribe(symbols []string, onTick core.TickHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Symbols = append([]string(nil), symbols...)
	f.onTick = onTick
	f.stopped = false
	return nil
}

func (f *Feed) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

// Stopped reports whether Stop was called since the last Subscribe.
func (f *Feed) Stopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// Tick delivers one tick to the subscriber, if any.
func (f *Feed) Tick(symbol string, ltp decimal.Decimal, volume int64) {
	f.mu.Lock()
	onTick := f.onTick
	f.mu.Unlock()
	if onTick != nil {
		onTick(symbol, ltp, volume)
	}
}

// Candidates implements core.ICandidateProvider with a fixed universe.
type Candidates struct {
	Universe map[string]decimal.Decimal
	Err      error
}

func (c *Candidates) Load(ctx context.Context) (map[string]decimal.Decimal, error) {
	if c.Err != nil {
		return nil, c.Err
	}
	return c.Universe, nil
}
