package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"ladder_engine/internal/core"
	"ladder_engine/internal/mock"
	apperrors "ladder_engine/pkg/errors"
	"ladder_engine/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a session clock the test can flip at will.
type fakeClock struct {
	open atomic.Bool
}

func (c *fakeClock) IsOpenNow() bool { return c.open.Load() }

func TestStartFailsWithoutCandidates(t *testing.T) {
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	eng := NewEngine(mock.NewBroker(), mock.NewFillStream(), mock.NewFeed(),
		&mock.Candidates{Err: errors.New("db down")}, alwaysOpen{}, testStrategy(), logger)
	err = eng.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")

	eng = NewEngine(mock.NewBroker(), mock.NewFillStream(), mock.NewFeed(),
		&mock.Candidates{Universe: map[string]decimal.Decimal{}}, alwaysOpen{}, testStrategy(), logger)
	err = eng.Start(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrNoCandidates)
}

func TestStartSeedsUniverseAndSubscribes(t *testing.T) {
	rig := newTestRig(t, testStrategy(), alwaysOpen{}, map[string]float64{"AAA": 100, "BBB": 250})

	assert.True(t, rig.eng.IsRunning())
	assert.ElementsMatch(t, []string{"AAA", "BBB"}, rig.feed.Symbols)

	snap := snapshotOf(t, rig, "BBB")
	assert.True(t, snap.PrevClose.Equal(decimal.NewFromInt(250)))
	assert.Equal(t, core.StatusIdle, snap.Status)
}

func TestStartTwiceIsRejected(t *testing.T) {
	rig := newTestRig(t, testStrategy(), alwaysOpen{}, map[string]float64{"AAA": 100})
	assert.ErrorIs(t, rig.eng.Start(context.Background()), apperrors.ErrEngineRunning)
}

func TestStopRevertsPendingInstruments(t *testing.T) {
	rig := newTestRig(t, testStrategy(), alwaysOpen{}, map[string]float64{"AAA": 100, "BBB": 100})

	insA, _ := rig.eng.store.Get("AAA")
	insA.Mu.Lock()
	insA.Mode = core.ModeLong
	insA.Qty = 10
	insA.Status = core.StatusPendingClose
	insA.Pending = pendingClose
	insA.Mu.Unlock()

	insB, _ := rig.eng.store.Get("BBB")
	insB.Mu.Lock()
	insB.Status = core.StatusPendingLong
	insB.Pending = pendingStartLong
	insB.Mu.Unlock()

	gen := rig.eng.Generation()
	rig.eng.Stop()

	assert.False(t, rig.eng.IsRunning())
	assert.Equal(t, gen+1, rig.eng.Generation(), "stop voids queued tasks")
	assert.True(t, rig.feed.Stopped())

	snapA := snapshotOf(t, rig, "AAA")
	assert.Equal(t, core.StatusActive, snapA.Status, "open position falls back to active")
	assert.Empty(t, snapA.Pending)
	assert.Equal(t, "Cancelled (engine stopped/restarted)", snapA.LastOrderError)

	snapB := snapshotOf(t, rig, "BBB")
	assert.Equal(t, core.StatusIdle, snapB.Status, "never-opened start falls back to idle")
	assert.Empty(t, snapB.Pending)
}

func TestGlobalProfitExitHaltsAndSquaresOff(t *testing.T) {
	strategy := testStrategy()
	strategy.GlobalProfitExit = 50

	rig := newTestRig(t, strategy, alwaysOpen{}, map[string]float64{"AAA": 100})
	rig.broker.SetFillPrice("AAA", d(106))

	ins, _ := rig.eng.store.Get("AAA")
	ins.Mu.Lock()
	ins.Mode = core.ModeLong
	ins.Status = core.StatusActive
	ins.Qty = 10
	ins.AvgPrice = d(100)
	ins.LTP = d(106)
	ins.updatePnLLocked() // 60, over the 50 exit
	ins.Mu.Unlock()

	waitForStatus(t, rig, "AAA", core.StatusClosedGlobalProfit)
	assert.True(t, rig.eng.IsHalted())
	assert.Equal(t, string(core.StatusClosedGlobalProfit), rig.eng.HaltReason())
}

func TestSessionCloseSquaresOffAndStops(t *testing.T) {
	clock := &fakeClock{}
	clock.open.Store(true)

	rig := newTestRig(t, testStrategy(), clock, map[string]float64{"AAA": 100})

	ins, _ := rig.eng.store.Get("AAA")
	ins.Mu.Lock()
	ins.Mode = core.ModeShort
	ins.Status = core.StatusActive
	ins.Qty = 10
	ins.AvgPrice = d(100)
	ins.LTP = d(100)
	ins.Mu.Unlock()

	clock.open.Store(false)

	waitForStatus(t, rig, "AAA", core.StatusClosedEmergency)
	require.Eventually(t, func() bool { return !rig.eng.IsRunning() }, 5*time.Second, 20*time.Millisecond)
	assert.True(t, rig.feed.Stopped())

	require.Len(t, rig.broker.Placed, 1)
	assert.Equal(t, core.SideBuy, rig.broker.Placed[0].Side)
}

func TestSquareOffSymbol(t *testing.T) {
	rig := newTestRig(t, testStrategy(), alwaysOpen{}, map[string]float64{"AAA": 100})

	require.Error(t, rig.eng.SquareOffSymbol("AAA"), "no open position yet")
	require.Error(t, rig.eng.SquareOffSymbol("ZZZ"), "unknown symbol")

	ins, _ := rig.eng.store.Get("AAA")
	ins.Mu.Lock()
	ins.Mode = core.ModeLong
	ins.Status = core.StatusActive
	ins.Qty = 10
	ins.AvgPrice = d(100)
	ins.LTP = d(101)
	ins.Mu.Unlock()

	require.NoError(t, rig.eng.SquareOffSymbol("AAA"))
	waitForStatus(t, rig, "AAA", core.StatusClosedManual)
}

func TestUpdateSettingsNormalizesAndResizes(t *testing.T) {
	rig := newTestRig(t, testStrategy(), alwaysOpen{}, map[string]float64{"AAA": 100})

	cfg := rig.eng.Settings()
	cfg.TopNGainers = 8
	cfg.TopNLosers = 8
	cfg.MaxLadderStocks = 10
	cfg.MaxConcurrentOrders = 4
	cfg.OrderQueueSize = 16

	got := rig.eng.UpdateSettings(cfg)
	assert.Equal(t, 8, got.TopNGainers, "gainer quota is preserved")
	assert.Equal(t, 2, got.TopNLosers, "loser quota absorbs the overflow")
	assert.Equal(t, got, rig.eng.Settings())

	// The resized dispatcher must still process orders.
	rig.broker.SetFillPrice("AAA", d(100))
	rig.feed.Tick("AAA", d(100), 1000)
	rig.eng.startLadder("AAA", core.ModeLong, 1000, 1)
	waitForStatus(t, rig, "AAA", core.StatusActive)
}

func TestRestartAfterStopPlacesOrders(t *testing.T) {
	rig := newTestRig(t, testStrategy(), alwaysOpen{}, map[string]float64{"AAA": 100})

	rig.eng.Stop()
	require.False(t, rig.eng.IsRunning())
	require.True(t, rig.feed.Stopped())

	require.NoError(t, rig.eng.Start(context.Background()))
	require.True(t, rig.eng.IsRunning())
	assert.False(t, rig.feed.Stopped(), "restart resubscribes the feed")

	// The restarted engine must place orders again: a fresh dispatcher
	// pool, not the one torn down by Stop.
	rig.broker.SetFillPrice("AAA", d(105))
	rig.feed.Tick("AAA", d(105), 100000)
	rig.eng.startLadder("AAA", core.ModeLong, 1050, 1)
	waitForStatus(t, rig, "AAA", core.StatusActive)

	snap := snapshotOf(t, rig, "AAA")
	assert.Empty(t, snap.LastOrderError)
	assert.Equal(t, 1, rig.broker.PlacedCount())
}

func TestStopAfterSessionEndDrainsQueuedSquareOff(t *testing.T) {
	clock := &fakeClock{}
	clock.open.Store(true)

	rig := newTestRig(t, testStrategy(), clock, map[string]float64{"AAA": 100})
	rig.broker.SetPlaceDelay(150 * time.Millisecond)

	ins, _ := rig.eng.store.Get("AAA")
	ins.Mu.Lock()
	ins.Mode = core.ModeLong
	ins.Status = core.StatusActive
	ins.Qty = 10
	ins.AvgPrice = d(100)
	ins.LTP = d(100)
	ins.Mu.Unlock()

	clock.open.Store(false)
	require.Eventually(t, func() bool { return !rig.eng.IsRunning() }, 5*time.Second, 20*time.Millisecond)

	// The run loop has already exited on its own; Stop must still wait
	// out the square-off sitting in the dispatcher instead of returning
	// with the order in flight.
	rig.eng.Stop()

	snap := snapshotOf(t, rig, "AAA")
	assert.Equal(t, core.StatusClosedEmergency, snap.Status)
	assert.Equal(t, 1, rig.broker.PlacedCount())
}
