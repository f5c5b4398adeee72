package core

import (
	"strings"

	"github.com/shopspring/decimal"
)

// NormalizeSymbol strips the exchange series suffix and uppercases, so that
// "reliance-eq" and "RELIANCE" compare equal.
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	return strings.TrimSuffix(s, "-EQ")
}

// MatchPosition finds the snapshot row for a symbol. Matching is by exact
// normalized symbol or by "SYMBOL-*" prefix.
//
// The prefix heuristic can mis-attribute a row when one symbol is a dash
// prefix of another; it is kept for broker compatibility as a known
// approximation.
func MatchPosition(rows []PositionRow, symbol string) (PositionRow, bool) {
	want := NormalizeSymbol(symbol)
	for _, row := range rows {
		got := NormalizeSymbol(row.Symbol)
		if got == want || strings.HasPrefix(got, want+"-") {
			return row, true
		}
	}
	return PositionRow{}, false
}

// InferIncrementalFill computes the executed price/quantity of the latest
// order from two position snapshots, as the weighted-average delta on the
// relevant side: (afterAvg*afterQty - beforeAvg*beforeQty) / (afterQty - beforeQty).
// Returns ok=false when the snapshot has not moved or avg fields are absent.
func InferIncrementalFill(before, after PositionRow, side Side) (Fill, bool) {
	var bq, aq int64
	var ba, aa decimal.Decimal
	if side == SideBuy {
		bq, ba = before.BuyQty, before.BuyAvg
		aq, aa = after.BuyQty, after.BuyAvg
	} else {
		bq, ba = before.SellQty, before.SellAvg
		aq, aa = after.SellQty, after.SellAvg
	}

	deltaQty := aq - bq
	if deltaQty <= 0 {
		return Fill{}, false
	}
	deltaValue := aa.Mul(decimal.NewFromInt(aq)).Sub(ba.Mul(decimal.NewFromInt(bq)))
	if deltaValue.Sign() <= 0 {
		return Fill{}, false
	}
	return Fill{
		Price: deltaValue.Div(decimal.NewFromInt(deltaQty)),
		Qty:   deltaQty,
	}, true
}

// WeightedAverage folds a new fill into a running average entry price.
func WeightedAverage(prevAvg decimal.Decimal, prevQty int64, fillPrice decimal.Decimal, fillQty int64) decimal.Decimal {
	total := prevQty + fillQty
	if total <= 0 {
		return fillPrice
	}
	if prevQty <= 0 || prevAvg.Sign() <= 0 {
		return fillPrice
	}
	value := prevAvg.Mul(decimal.NewFromInt(prevQty)).Add(fillPrice.Mul(decimal.NewFromInt(fillQty)))
	return value.Div(decimal.NewFromInt(total))
}
