package risk

import (
	"math"

	"ladder_engine/internal/core"

	"github.com/shopspring/decimal"
)

// EvaluateStockPnL checks per-instrument profit/loss caps against unrealized
// PnL. A zero or negative cap disables that side. The loss limit is applied by
// magnitude, so configuring it as 2000 or -2000 behaves the same.
func EvaluateStockPnL(pnl decimal.Decimal, profitTarget, lossLimit float64) (core.Status, bool) {
	if profitTarget > 0 && pnl.GreaterThanOrEqual(decimal.NewFromFloat(profitTarget)) {
		return core.StatusClosedStockProfit, true
	}
	if lossLimit != 0 {
		floor := decimal.NewFromFloat(-math.Abs(lossLimit))
		if pnl.LessThanOrEqual(floor) {
			return core.StatusClosedStockLoss, true
		}
	}
	return "", false
}

// EvaluateGlobalPnL checks the portfolio-wide exit thresholds.
func EvaluateGlobalPnL(pnl decimal.Decimal, profitExit, lossExit float64) (core.Status, bool) {
	if profitExit > 0 && pnl.GreaterThanOrEqual(decimal.NewFromFloat(profitExit)) {
		return core.StatusClosedGlobalProfit, true
	}
	if lossExit != 0 {
		floor := decimal.NewFromFloat(-math.Abs(lossExit))
		if pnl.LessThanOrEqual(floor) {
			return core.StatusClosedGlobalLoss, true
		}
	}
	return "", false
}
