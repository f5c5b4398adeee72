package engine

import (
	"testing"
	"time"

	"ladder_engine/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

// seedActive installs an already-open ladder so tick tests can start from a
// known rung without replaying the opening order.
func seedActive(t *testing.T, rig *testRig, symbol string, mode core.Mode, mutate func(*Instrument)) *Instrument {
	t.Helper()
	ins, ok := rig.eng.store.Get(symbol)
	require.True(t, ok)

	ins.Mu.Lock()
	defer ins.Mu.Unlock()
	ins.Mode = mode
	ins.Status = core.StatusActive
	ins.Qty = 10
	ins.TradeQty = 10
	ins.LadderLevel = 1
	ins.EntryPrice = d(100)
	ins.AvgPrice = d(100)
	ins.HighWater = d(100)
	ins.CycleIndex = 0
	ins.CycleTotal = 1
	ins.CycleStartMode = mode
	mutate(ins)
	return ins
}

func TestAddOnTriggersOnceAtCrossing(t *testing.T) {
	rig := newTestRig(t, testStrategy(), alwaysOpen{}, map[string]float64{"AAA": 100})
	rig.broker.SetFillPrice("AAA", d(100.5))

	seedActive(t, rig, "AAA", core.ModeLong, func(ins *Instrument) {
		ins.StopLoss = d(98)
		ins.Target = d(105)
		ins.NextAddOn = d(100.5)
	})

	// Repeated ticks at the crossing price must produce exactly one rung:
	// the pending token blocks re-entry, and after the fill the add-on
	// trigger has moved above 100.5.
	for i := 0; i < 5; i++ {
		rig.feed.Tick("AAA", d(100.5), 1000)
		time.Sleep(10 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		s := snapshotOf(t, rig, "AAA")
		return s.LadderLevel == 2 && s.Pending == ""
	}, 5*time.Second, 20*time.Millisecond)

	snap := snapshotOf(t, rig, "AAA")
	assert.Equal(t, int64(20), snap.Qty)
	assert.True(t, snap.AvgPrice.Equal(d(100.25)), "avg of 10@100 and 10@100.5, got %s", snap.AvgPrice)
	assert.True(t, snap.NextAddOn.Equal(d(101.0025)), "next rung re-anchors on the fill, got %s", snap.NextAddOn)
	// The crossing tick still trails the stop (the high-water rule applies
	// on rung ticks too): 100.5*0.98 = 98.49 beats the avg-based 98.245.
	assert.True(t, snap.StopLoss.Equal(d(98.49)), "stop trails the rung tick's high-water, got %s", snap.StopLoss)
	assert.Equal(t, 1, rig.broker.PlacedCount(), "one crossing, one order")
}

func TestLongTargetClosesFinalCycle(t *testing.T) {
	rig := newTestRig(t, testStrategy(), alwaysOpen{}, map[string]float64{"AAA": 100})
	rig.broker.SetFillPrice("AAA", d(105.2))

	seedActive(t, rig, "AAA", core.ModeLong, func(ins *Instrument) {
		ins.StopLoss = d(98)
		ins.Target = d(105)
		ins.NextAddOn = d(1000)
		ins.LadderLevel = 5
	})

	rig.feed.Tick("AAA", d(105.2), 1000)

	waitForStatus(t, rig, "AAA", core.StatusClosed)
	snap := snapshotOf(t, rig, "AAA")
	assert.Zero(t, snap.Qty)
	require.Len(t, rig.broker.Placed, 1)
	assert.Equal(t, core.SideSell, rig.broker.Placed[0].Side)
	assert.Equal(t, int64(10), rig.broker.Placed[0].Qty)
}

func TestStopLossFlipsIntoShortCycle(t *testing.T) {
	rig := newTestRig(t, testStrategy(), alwaysOpen{}, map[string]float64{"AAA": 100})
	rig.broker.SetFillPrice("AAA", d(97.9))

	seedActive(t, rig, "AAA", core.ModeLong, func(ins *Instrument) {
		ins.StopLoss = d(98)
		ins.Target = d(105)
		ins.NextAddOn = d(1000)
		ins.LadderLevel = 5
		ins.CycleTotal = 3
	})

	rig.feed.Tick("AAA", d(97.9), 1000)

	require.Eventually(t, func() bool {
		s := snapshotOf(t, rig, "AAA")
		return s.Mode == core.ModeShort && s.Status == core.StatusActive
	}, 5*time.Second, 20*time.Millisecond)

	snap := snapshotOf(t, rig, "AAA")
	assert.Equal(t, int64(10), snap.Qty)
	assert.Equal(t, 1, snap.CycleIndex)
	assert.Equal(t, 1, snap.LadderLevel)

	require.Len(t, rig.broker.Placed, 1)
	assert.Equal(t, core.SideSell, rig.broker.Placed[0].Side)
	assert.Equal(t, int64(20), rig.broker.Placed[0].Qty, "close 10 and open 10 in one reverse order")
}

func TestCycleBudgetExhaustedEndsWithClosedCycles(t *testing.T) {
	rig := newTestRig(t, testStrategy(), alwaysOpen{}, map[string]float64{"AAA": 100})
	rig.broker.SetFillPrice("AAA", d(106))

	seedActive(t, rig, "AAA", core.ModeLong, func(ins *Instrument) {
		ins.StopLoss = d(98)
		ins.Target = d(105)
		ins.NextAddOn = d(1000)
		ins.LadderLevel = 5
		ins.CycleTotal = 2
		ins.CycleIndex = 1
	})

	rig.feed.Tick("AAA", d(106), 1000)

	waitForStatus(t, rig, "AAA", core.StatusClosedCycles)
	assert.Zero(t, snapshotOf(t, rig, "AAA").Qty)
}

func TestTrailingStopOnlyTightensLong(t *testing.T) {
	rig := newTestRig(t, testStrategy(), alwaysOpen{}, map[string]float64{"AAA": 100})

	seedActive(t, rig, "AAA", core.ModeLong, func(ins *Instrument) {
		ins.StopLoss = d(98)
		ins.Target = d(200)
		ins.NextAddOn = d(1000)
		ins.LadderLevel = 5
	})

	rig.feed.Tick("AAA", d(110), 1000)
	snap := snapshotOf(t, rig, "AAA")
	assert.True(t, snap.StopLoss.Equal(d(107.8)), "trail = 110 * 0.98, got %s", snap.StopLoss)
	assert.True(t, snap.HighWater.Equal(d(110)))

	// A pullback that stays above the stop must not loosen it.
	rig.feed.Tick("AAA", d(108), 1000)
	snap = snapshotOf(t, rig, "AAA")
	assert.True(t, snap.StopLoss.Equal(d(107.8)), "stop must not move down, got %s", snap.StopLoss)
	assert.True(t, snap.HighWater.Equal(d(110)), "high-water keeps the peak")
}

func TestTrailingStopOnlyTightensShort(t *testing.T) {
	rig := newTestRig(t, testStrategy(), alwaysOpen{}, map[string]float64{"AAA": 100})

	seedActive(t, rig, "AAA", core.ModeShort, func(ins *Instrument) {
		ins.StopLoss = d(102)
		ins.Target = d(1)
		ins.NextAddOn = d(0.0001)
		ins.LadderLevel = 5
	})

	rig.feed.Tick("AAA", d(95), 1000)
	snap := snapshotOf(t, rig, "AAA")
	assert.True(t, snap.StopLoss.Equal(d(96.9)), "trail = 95 * 1.02, got %s", snap.StopLoss)
	assert.True(t, snap.HighWater.Equal(d(95)), "short high-water tracks the low")

	rig.feed.Tick("AAA", d(96), 1000)
	snap = snapshotOf(t, rig, "AAA")
	assert.True(t, snap.StopLoss.Equal(d(96.9)), "stop must not move up, got %s", snap.StopLoss)
}

func TestPerStockProfitLimitClosesPosition(t *testing.T) {
	strategy := testStrategy()
	strategy.ProfitTargetPerStock = 50
	rig := newTestRig(t, strategy, alwaysOpen{}, map[string]float64{"AAA": 100})
	rig.broker.SetFillPrice("AAA", d(106))

	seedActive(t, rig, "AAA", core.ModeLong, func(ins *Instrument) {
		ins.StopLoss = d(1)
		ins.Target = d(1000)
		ins.NextAddOn = d(1000)
		ins.LadderLevel = 5
	})

	// 10 shares, 6 points up: PnL 60 crosses the 50 cap.
	rig.feed.Tick("AAA", d(106), 1000)

	waitForStatus(t, rig, "AAA", core.StatusClosedStockProfit)
	assert.Zero(t, snapshotOf(t, rig, "AAA").Qty)
}

func TestPerStockLossLimitClosesPosition(t *testing.T) {
	strategy := testStrategy()
	strategy.LossLimitPerStock = 50
	rig := newTestRig(t, strategy, alwaysOpen{}, map[string]float64{"AAA": 100})
	rig.broker.SetFillPrice("AAA", d(94))

	seedActive(t, rig, "AAA", core.ModeLong, func(ins *Instrument) {
		ins.StopLoss = d(1)
		ins.Target = d(1000)
		ins.NextAddOn = d(1000)
		ins.LadderLevel = 5
	})

	rig.feed.Tick("AAA", d(94), 1000)

	waitForStatus(t, rig, "AAA", core.StatusClosedStockLoss)
	assert.Zero(t, snapshotOf(t, rig, "AAA").Qty)
}

func TestTerminalInstrumentIgnoresTicks(t *testing.T) {
	rig := newTestRig(t, testStrategy(), alwaysOpen{}, map[string]float64{"AAA": 100})

	ins, _ := rig.eng.store.Get("AAA")
	ins.Mu.Lock()
	ins.Status = core.StatusClosed
	ins.LTP = d(100)
	ins.Mu.Unlock()

	rig.feed.Tick("AAA", d(123), 1000)

	snap := snapshotOf(t, rig, "AAA")
	assert.True(t, snap.LTP.Equal(d(100)), "terminal instruments stop tracking quotes")
	assert.Zero(t, rig.broker.PlacedCount())
}

func TestHaltUpdatesQuotesButPlacesNoOrders(t *testing.T) {
	rig := newTestRig(t, testStrategy(), alwaysOpen{}, map[string]float64{"AAA": 100})

	seedActive(t, rig, "AAA", core.ModeLong, func(ins *Instrument) {
		ins.StopLoss = d(98)
		ins.Target = d(105)
		ins.NextAddOn = d(1000)
		ins.LadderLevel = 5
	})

	rig.eng.setHalted(true, "test halt")

	// Crosses the target, but a halted engine only tracks market data.
	rig.feed.Tick("AAA", d(110), 1000)

	snap := snapshotOf(t, rig, "AAA")
	assert.True(t, snap.LTP.Equal(d(110)))
	assert.Equal(t, core.StatusActive, snap.Status)
	assert.Zero(t, rig.broker.PlacedCount())
}

func TestFirstTickCapturesOpeningGap(t *testing.T) {
	rig := newTestRig(t, testStrategy(), alwaysOpen{}, map[string]float64{"AAA": 100})

	rig.feed.Tick("AAA", d(103), 5000)

	snap := snapshotOf(t, rig, "AAA")
	assert.True(t, snap.DayOpen.Equal(d(103)))
	assert.True(t, snap.OpenGapPct.Equal(d(3)), "gap = (103-100)/100, got %s", snap.OpenGapPct)
	assert.True(t, snap.ChangePct.Equal(d(3)))
	assert.True(t, snap.Turnover.Equal(d(103).Mul(d(5000))))

	// The gap is anchored on the first tick only.
	rig.feed.Tick("AAA", d(101), 6000)
	snap = snapshotOf(t, rig, "AAA")
	assert.True(t, snap.OpenGapPct.Equal(d(3)), "open gap must not follow later ticks")
	assert.True(t, snap.ChangePct.Equal(d(1)))
}
