package core

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeSymbol(t *testing.T) {
	assert.Equal(t, "RELIANCE", NormalizeSymbol("reliance-eq"))
	assert.Equal(t, "RELIANCE", NormalizeSymbol("  RELIANCE "))
	assert.Equal(t, "TCS", NormalizeSymbol("TCS-EQ"))
	assert.Equal(t, "", NormalizeSymbol(""))
}

func TestMatchPosition(t *testing.T) {
	rows := []PositionRow{
		{Symbol: "TCS-EQ", BuyQty: 10},
		{Symbol: "INFY", BuyQty: 5},
	}

	row, ok := MatchPosition(rows, "tcs")
	require.True(t, ok)
	assert.Equal(t, int64(10), row.BuyQty)

	row, ok = MatchPosition(rows, "INFY-EQ")
	require.True(t, ok)
	assert.Equal(t, int64(5), row.BuyQty)

	_, ok = MatchPosition(rows, "HDFC")
	assert.False(t, ok)
}

func TestInferIncrementalFill(t *testing.T) {
	before := PositionRow{BuyQty: 100, BuyAvg: decimal.NewFromInt(50)}
	after := PositionRow{BuyQty: 150, BuyAvg: decimal.NewFromFloat(50.5)}

	fill, ok := InferIncrementalFill(before, after, SideBuy)
	require.True(t, ok)
	assert.Equal(t, int64(50), fill.Qty)
	// (50.5*150 - 50*100) / 50 = 51.5
	assert.True(t, fill.Price.Equal(decimal.NewFromFloat(51.5)), "got %s", fill.Price)
}

func TestInferIncrementalFillNoMovement(t *testing.T) {
	row := PositionRow{BuyQty: 100, BuyAvg: decimal.NewFromInt(50)}

	_, ok := InferIncrementalFill(row, row, SideBuy)
	assert.False(t, ok)

	// Quantity decreased: not an incremental fill on this side.
	_, ok = InferIncrementalFill(row, PositionRow{BuyQty: 90, BuyAvg: decimal.NewFromInt(50)}, SideBuy)
	assert.False(t, ok)
}

func TestInferIncrementalFillSellSide(t *testing.T) {
	before := PositionRow{SellQty: 0}
	after := PositionRow{SellQty: 400, SellAvg: decimal.NewFromInt(101)}

	fill, ok := InferIncrementalFill(before, after, SideSell)
	require.True(t, ok)
	assert.Equal(t, int64(400), fill.Qty)
	assert.True(t, fill.Price.Equal(decimal.NewFromInt(101)))
}

func TestWeightedAverage(t *testing.T) {
	avg := WeightedAverage(decimal.NewFromInt(100), 10, decimal.NewFromInt(110), 10)
	assert.True(t, avg.Equal(decimal.NewFromInt(105)), "got %s", avg)

	// No prior position: the fill price is the average.
	avg = WeightedAverage(decimal.Zero, 0, decimal.NewFromInt(110), 10)
	assert.True(t, avg.Equal(decimal.NewFromInt(110)))
}

func TestSides(t *testing.T) {
	assert.Equal(t, SideBuy, OpenSide(ModeLong))
	assert.Equal(t, SideSell, OpenSide(ModeShort))
	assert.Equal(t, SideSell, CloseSide(ModeLong))
	assert.Equal(t, SideBuy, CloseSide(ModeShort))
	assert.Equal(t, ModeShort, ModeLong.Opposite())
	assert.Equal(t, ModeNone, ModeNone.Opposite())
}

func TestStatusClassification(t *testing.T) {
	assert.True(t, StatusClosedCycles.IsTerminal())
	assert.True(t, StatusStopped.IsTerminal())
	assert.False(t, StatusActive.IsTerminal())
	assert.False(t, StatusPendingFlip.IsTerminal())

	assert.True(t, StatusPendingLong.IsPending())
	assert.False(t, StatusIdle.IsPending())
}
