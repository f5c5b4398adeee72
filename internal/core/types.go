package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Mode is the direction of an open ladder position.
type Mode string

const (
	ModeNone  Mode = "NONE"
	ModeLong  Mode = "LONG"
	ModeShort Mode = "SHORT"
)

// Opposite returns the reverse direction (NONE maps to itself).
func (m Mode) Opposite() Mode {
	switch m {
	case ModeLong:
		return ModeShort
	case ModeShort:
		return ModeLong
	default:
		return ModeNone
	}
}

// Status is the lifecycle state of an instrument's ladder.
type Status string

const (
	StatusIdle         Status = "IDLE"
	StatusPendingLong  Status = "PENDING_LONG"
	StatusPendingShort Status = "PENDING_SHORT"
	StatusPendingClose Status = "PENDING_CLOSE"
	StatusPendingFlip  Status = "PENDING_FLIP"
	StatusActive       Status = "ACTIVE"
	StatusStopped      Status = "STOPPED"

	StatusClosed             Status = "CLOSED"
	StatusClosedCycles       Status = "CLOSED_CYCLES"
	StatusClosedStockProfit  Status = "CLOSED_STOCK_PROFIT_LIMIT"
	StatusClosedStockLoss    Status = "CLOSED_STOCK_LOSS_LIMIT"
	StatusClosedGlobalProfit Status = "CLOSED_GLOBAL_PROFIT"
	StatusClosedGlobalLoss   Status = "CLOSED_GLOBAL_LOSS"
	StatusClosedEmergency    Status = "CLOSED_EMERGENCY"
	StatusClosedManual       Status = "CLOSED_MANUAL"
)

// IsTerminal reports whether the ladder has finished for the session.
func (s Status) IsTerminal() bool {
	if s == StatusStopped {
		return true
	}
	switch s {
	case StatusClosed, StatusClosedCycles, StatusClosedStockProfit, StatusClosedStockLoss,
		StatusClosedGlobalProfit, StatusClosedGlobalLoss, StatusClosedEmergency, StatusClosedManual:
		return true
	}
	return false
}

// IsPending reports whether an order intent is outstanding for the instrument.
func (s Status) IsPending() bool {
	switch s {
	case StatusPendingLong, StatusPendingShort, StatusPendingClose, StatusPendingFlip:
		return true
	}
	return false
}

// Side is the broker transaction side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// CloseSide returns the side that flattens a position held in the given mode.
func CloseSide(m Mode) Side {
	if m == ModeLong {
		return SideSell
	}
	return SideBuy
}

// OpenSide returns the side that opens a position in the given mode.
func OpenSide(m Mode) Side {
	if m == ModeShort {
		return SideSell
	}
	return SideBuy
}

// Tick is one quote update delivered by the market feed.
type Tick struct {
	SecurityID int64
	LTP        decimal.Decimal
	Volume     int64
}

// OrderResult is the broker's synchronous acknowledgement of an order.
type OrderResult struct {
	OrderID string
	Status  string
}

// OrderUpdate is a live execution event from the broker's order stream.
type OrderUpdate struct {
	OrderID      string
	Status       string
	FilledQty    int64
	AvgFillPrice decimal.Decimal
}

// PositionRow is one row of the broker's intraday position snapshot.
type PositionRow struct {
	Symbol  string
	BuyQty  int64
	SellQty int64
	BuyAvg  decimal.Decimal
	SellAvg decimal.Decimal
}

// Candle is one daily OHLCV bar.
type Candle struct {
	Timestamp time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    int64
}

// Quote is a REST OHLC snapshot entry for one symbol.
type Quote struct {
	LTP       decimal.Decimal
	PrevClose decimal.Decimal
	Volume    int64
}

// Fill is an executed price/quantity pair inferred for an order.
type Fill struct {
	Price decimal.Decimal
	Qty   int64
}
