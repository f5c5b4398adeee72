package risk

import (
	"testing"

	"ladder_engine/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestEvaluateStockPnL(t *testing.T) {
	tests := []struct {
		name         string
		pnl          float64
		profitTarget float64
		lossLimit    float64
		wantStatus   core.Status
		wantHit      bool
	}{
		{"profit reached", 5000, 5000, 2000, core.StatusClosedStockProfit, true},
		{"profit exceeded", 5001, 5000, 2000, core.StatusClosedStockProfit, true},
		{"profit below target", 4999, 5000, 2000, "", false},
		{"loss reached", -2000, 5000, 2000, core.StatusClosedStockLoss, true},
		{"loss within limit", -1999, 5000, 2000, "", false},
		{"negative loss config means magnitude", -2000, 5000, -2000, core.StatusClosedStockLoss, true},
		{"profit disabled", 1e9, 0, 2000, "", false},
		{"loss disabled", -1e9, 5000, 0, "", false},
		{"flat", 0, 5000, 2000, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, hit := EvaluateStockPnL(decimal.NewFromFloat(tt.pnl), tt.profitTarget, tt.lossLimit)
			assert.Equal(t, tt.wantHit, hit)
			assert.Equal(t, tt.wantStatus, status)
		})
	}
}

func TestEvaluateGlobalPnL(t *testing.T) {
	status, hit := EvaluateGlobalPnL(decimal.NewFromInt(4000), 4000, 2000)
	assert.True(t, hit)
	assert.Equal(t, core.StatusClosedGlobalProfit, status)

	status, hit = EvaluateGlobalPnL(decimal.NewFromInt(-2500), 4000, 2000)
	assert.True(t, hit)
	assert.Equal(t, core.StatusClosedGlobalLoss, status)

	_, hit = EvaluateGlobalPnL(decimal.NewFromInt(3999), 4000, 2000)
	assert.False(t, hit)

	// Profit takes precedence when both sides are somehow satisfied.
	status, hit = EvaluateGlobalPnL(decimal.NewFromInt(10), 5, 0)
	assert.True(t, hit)
	assert.Equal(t, core.StatusClosedGlobalProfit, status)
}
