package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ladder_engine/internal/alert"
	"ladder_engine/internal/config"
	"ladder_engine/internal/core"
	"ladder_engine/pkg/concurrency"
	apperrors "ladder_engine/pkg/errors"
	"ladder_engine/pkg/telemetry"

	"github.com/shopspring/decimal"
)

const (
	fillStreamTimeout = 5 * time.Second
	fillPollWindow    = 2 * time.Second
	fillPollInterval  = 200 * time.Millisecond
	orderTimeout      = 30 * time.Second

	cancelledMsg = "Cancelled (engine stopped/restarted)"
)

// Dispatcher owns the bounded order queue and its worker pool. One task per
// instrument is in flight at a time; the instrument's Pending token enforces
// it and every worker re-validates the token around the broker round trip.
type Dispatcher struct {
	store  *Store
	broker core.IBroker
	fills  core.IFillStream // nil when the order stream is unavailable
	hours  SessionClock
	logger core.ILogger
	alerts *alert.Manager // optional

	// poolMu guards the pool pointer: Resize and Stop swap it while the tick
	// path calls Enqueue concurrently. A nil pool means the dispatcher is
	// stopped; Start rebuilds it.
	poolMu sync.Mutex
	pool   *concurrency.WorkerPool

	generation          func() uint64
	settings            func() config.StrategyConfig
	discardPendingStart func(symbol string)
	markStarted         func(symbol string)
}

func newDispatcher(
	store *Store,
	broker core.IBroker,
	fills core.IFillStream,
	hours SessionClock,
	logger core.ILogger,
	generation func() uint64,
	settings func() config.StrategyConfig,
	discardPendingStart func(string),
	markStarted func(string),
) *Dispatcher {
	d := &Dispatcher{
		store:               store,
		broker:              broker,
		fills:               fills,
		hours:               hours,
		logger:              logger.WithField("component", "dispatcher"),
		generation:          generation,
		settings:            settings,
		discardPendingStart: discardPendingStart,
		markStarted:         markStarted,
	}
	cfg := settings()
	d.pool = d.newPool(cfg.MaxConcurrentOrders, cfg.OrderQueueSize)
	return d
}

func (d *Dispatcher) newPool(workers, capacity int) *concurrency.WorkerPool {
	return concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "order_dispatcher",
		MaxWorkers:  workers,
		MaxCapacity: capacity,
		NonBlocking: true,
	}, d.logger)
}

// Start rebuilds the worker pool after a Stop. No-op while one is running,
// so the pool built by the constructor is reused on the first start.
func (d *Dispatcher) Start() {
	d.poolMu.Lock()
	defer d.poolMu.Unlock()
	if d.pool == nil {
		cfg := d.settings()
		d.pool = d.newPool(cfg.MaxConcurrentOrders, cfg.OrderQueueSize)
	}
}

// Resize tears down the pool and rebuilds it with new limits. Queued tasks in
// the old pool run to completion first. No-op on a stopped dispatcher; the
// next Start picks the new limits up from settings.
func (d *Dispatcher) Resize(workers, capacity int) {
	d.poolMu.Lock()
	old := d.pool
	if old == nil {
		d.poolMu.Unlock()
		return
	}
	d.pool = d.newPool(workers, capacity)
	d.poolMu.Unlock()
	old.Stop()
}

// Stop drains the pool, waiting for in-flight tasks. Idempotent.
func (d *Dispatcher) Stop() {
	d.poolMu.Lock()
	pool := d.pool
	d.pool = nil
	d.poolMu.Unlock()
	if pool != nil {
		pool.Stop()
	}
}

func (d *Dispatcher) currentPool() *concurrency.WorkerPool {
	d.poolMu.Lock()
	defer d.poolMu.Unlock()
	return d.pool
}

// WaitingTasks reports queued, not yet executing tasks.
func (d *Dispatcher) WaitingTasks() uint64 {
	if pool := d.currentPool(); pool != nil {
		return pool.WaitingTasks()
	}
	return 0
}

// Enqueue submits a task. On a full queue it returns ErrQueueFull without
// touching instrument state; the caller reverts its own pending marker.
func (d *Dispatcher) Enqueue(task Task) error {
	pool := d.currentPool()
	if pool == nil {
		telemetry.GetGlobalMetrics().QueueRejections.Add(context.Background(), 1)
		return fmt.Errorf("%w: dispatcher stopped", apperrors.ErrQueueFull)
	}
	if err := pool.Submit(func() { d.execute(task) }); err != nil {
		telemetry.GetGlobalMetrics().QueueRejections.Add(context.Background(), 1)
		return fmt.Errorf("%w: %v", apperrors.ErrQueueFull, err)
	}
	return nil
}

// execute runs the six-step order protocol for one task.
func (d *Dispatcher) execute(task Task) {
	ctx, cancel := context.WithTimeout(context.Background(), orderTimeout)
	defer cancel()

	log := d.logger.WithField("symbol", task.Symbol()).WithField("kind", task.Token())

	// 1. Generation gate. A Stop or restart after enqueue voids the task.
	if task.Generation() != d.generation() {
		telemetry.GetGlobalMetrics().TasksCancelled.Add(ctx, 1)
		d.revert(task, cancelledMsg)
		log.Info("Order task voided by generation change")
		return
	}

	ins, ok := d.store.Get(task.Symbol())
	if !ok {
		log.Warn("Order task for unknown instrument dropped")
		return
	}

	// 2. Validate the pending token and capture the reference price.
	ins.Mu.Lock()
	if ins.Pending != task.Token() {
		ins.Mu.Unlock()
		log.Info("Order task no longer pending, dropping", "pending", ins.Pending)
		return
	}
	refPrice := ins.LTP
	ins.Mu.Unlock()

	// 3. Never open outside market hours. Closes are exempt: the session-end
	// square-off runs right after the session flips closed.
	if _, isClose := task.(CloseTask); !isClose && !d.hours.IsOpenNow() {
		d.revert(task, "Market closed")
		log.Warn("Order task rejected outside market hours")
		return
	}

	side, qty := orderIntent(task)
	if qty <= 0 {
		d.revert(task, "Invalid order quantity")
		return
	}

	// 4. Position snapshot before the order, for fill inference.
	var before core.PositionRow
	if rows, err := d.broker.Positions(ctx); err == nil {
		before, _ = core.MatchPosition(rows, task.Symbol())
	}

	// 5. Place the market order.
	result, err := d.broker.PlaceMarketOrder(ctx, task.Symbol(), side, qty)
	if err != nil {
		telemetry.GetGlobalMetrics().OrdersFailedTotal.Add(ctx, 1)
		d.revert(task, fmt.Sprintf("Order failed: %v", err))
		log.Error("Order placement failed", "side", side, "qty", qty, "error", err)
		if d.alerts != nil {
			d.alerts.OrderFailed(task.Symbol(), err.Error())
		}
		return
	}
	log.Info("Order placed", "order_id", result.OrderID, "side", side, "qty", qty)

	// 6. Establish the fill, then apply the transition.
	fill := d.waitForFill(ctx, task, result.OrderID, before, side, qty, refPrice)
	d.applyFill(task, result.OrderID, fill, log)
}

// orderIntent maps a task to the broker order it needs.
func orderIntent(task Task) (core.Side, int64) {
	switch t := task.(type) {
	case StartTask:
		return core.OpenSide(t.Mode), t.Qty
	case AddOnTask:
		return core.OpenSide(t.Mode), t.Qty
	case CloseTask:
		return core.CloseSide(t.Mode), t.Qty
	case FlipTask:
		return core.CloseSide(t.From), t.CloseQty + t.OpenQty
	}
	return core.SideBuy, 0
}

// waitForFill determines executed price and quantity: the order stream when
// available, otherwise a short positions poll inferring the incremental fill.
// Falls back to the reference price and requested quantity when neither
// source resolves in time, so the ladder state never stalls on a placed order.
func (d *Dispatcher) waitForFill(ctx context.Context, task Task, orderID string, before core.PositionRow, side core.Side, qty int64, refPrice decimal.Decimal) core.Fill {
	if d.fills != nil {
		if upd, ok := d.fills.Wait(orderID, fillStreamTimeout); ok {
			if upd.FilledQty > 0 && upd.AvgFillPrice.Sign() > 0 {
				return core.Fill{Price: upd.AvgFillPrice, Qty: upd.FilledQty}
			}
		}
	}

	deadline := time.Now().Add(fillPollWindow)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return core.Fill{Price: refPrice, Qty: qty}
		case <-time.After(fillPollInterval):
		}
		rows, err := d.broker.Positions(ctx)
		if err != nil {
			continue
		}
		after, ok := core.MatchPosition(rows, task.Symbol())
		if !ok {
			continue
		}
		if fill, ok := core.InferIncrementalFill(before, after, side); ok {
			if fill.Qty >= qty {
				return fill
			}
			// Partial so far; keep the best inference while the window lasts.
			if !time.Now().Add(fillPollInterval).Before(deadline) {
				return fill
			}
		}
	}

	return core.Fill{Price: refPrice, Qty: qty}
}

// applyFill re-validates generation and pending token under the lock, then
// applies the task's state transition.
func (d *Dispatcher) applyFill(task Task, orderID string, fill core.Fill, log core.ILogger) {
	if task.Generation() != d.generation() {
		telemetry.GetGlobalMetrics().TasksCancelled.Add(context.Background(), 1)
		d.revert(task, cancelledMsg)
		return
	}

	ins, ok := d.store.Get(task.Symbol())
	if !ok {
		return
	}

	cfg := d.settings()

	ins.Mu.Lock()
	defer ins.Mu.Unlock()

	if ins.Pending != task.Token() {
		log.Info("Pending token changed during execution, dropping result", "pending", ins.Pending)
		return
	}
	ins.Pending = ""
	ins.OrderIDs = append(ins.OrderIDs, orderID)
	ins.LastOrderError = ""

	switch t := task.(type) {
	case StartTask:
		initLadderLocked(ins, t.Mode, fill, cfg)
		if d.markStarted != nil {
			d.markStarted(ins.Symbol)
		}
		log.Info("Ladder opened", "price", fill.Price.String(), "qty", fill.Qty)

	case AddOnTask:
		applyAddOnLocked(ins, fill, cfg)
		log.Info("Ladder rung added", "level", ins.LadderLevel, "avg", ins.AvgPrice.String())

	case CloseTask:
		flattenLocked(ins, t.FinalStatus)
		log.Info("Ladder closed", "status", ins.Status)

	case FlipTask:
		openQty := fill.Qty - t.CloseQty
		if openQty <= 0 {
			flattenLocked(ins, core.StatusIdle)
			ins.LastOrderError = "Flip executed without opening new ladder quantity"
			log.Warn("Flip filled close leg only", "filled", fill.Qty, "close_qty", t.CloseQty)
			return
		}
		initLadderLocked(ins, t.To, core.Fill{Price: fill.Price, Qty: openQty}, cfg)
		ins.CycleIndex = t.CycleIndexNext
		if d.markStarted != nil {
			d.markStarted(ins.Symbol)
		}
		log.Info("Ladder flipped", "mode", t.To, "cycle", ins.CycleIndex, "qty", openQty)
	}
}

// revert clears the pending marker and parks the instrument in its safe
// state: IDLE for a start that never opened, ACTIVE for tasks on an already
// open position.
func (d *Dispatcher) revert(task Task, reason string) {
	ins, ok := d.store.Get(task.Symbol())
	if !ok {
		return
	}

	_, isStart := task.(StartTask)

	ins.Mu.Lock()
	if ins.Pending == task.Token() {
		ins.Pending = ""
		ins.LastOrderError = reason
		if isStart {
			ins.Status = core.StatusIdle
			ins.Mode = core.ModeNone
		} else if ins.Mode != core.ModeNone {
			ins.Status = core.StatusActive
		} else {
			ins.Status = core.StatusIdle
		}
	}
	ins.Mu.Unlock()

	if isStart && d.discardPendingStart != nil {
		d.discardPendingStart(task.Symbol())
	}
}

// initLadderLocked sets up rung one of a ladder from its first fill.
// Caller holds the instrument lock.
func initLadderLocked(ins *Instrument, mode core.Mode, fill core.Fill, cfg config.StrategyConfig) {
	ins.Mode = mode
	ins.Status = core.StatusActive
	ins.Qty = fill.Qty
	ins.LadderLevel = 1
	ins.EntryPrice = fill.Price
	ins.AvgPrice = fill.Price
	ins.HighWater = fill.Price

	sl := pctFactor(-cfg.InitialStopLossPct)
	target := pctFactor(cfg.TargetPercentage)
	addOn := pctFactor(cfg.AddOnPercentage)
	if mode == core.ModeShort {
		sl = pctFactor(cfg.InitialStopLossPct)
		target = pctFactor(-cfg.TargetPercentage)
		addOn = pctFactor(-cfg.AddOnPercentage)
	}
	ins.StopLoss = fill.Price.Mul(sl)
	ins.Target = fill.Price.Mul(target)
	ins.NextAddOn = fill.Price.Mul(addOn)
	ins.updatePnLLocked()
}

// applyAddOnLocked folds a rung fill into the ladder.
// Caller holds the instrument lock.
func applyAddOnLocked(ins *Instrument, fill core.Fill, cfg config.StrategyConfig) {
	ins.AvgPrice = core.WeightedAverage(ins.AvgPrice, ins.Qty, fill.Price, fill.Qty)
	ins.Qty += fill.Qty
	if fill.Qty > 0 {
		ins.LadderLevel++
	}

	slPct := cfg.InitialStopLossPct
	if mode := ins.Mode; mode == core.ModeLong {
		ins.NextAddOn = fill.Price.Mul(pctFactor(cfg.AddOnPercentage))
		ins.Target = ins.AvgPrice.Mul(pctFactor(cfg.TargetPercentage))
		// The stop only ever tightens upward.
		sl := ins.AvgPrice.Mul(pctFactor(-slPct))
		if sl.GreaterThan(ins.StopLoss) {
			ins.StopLoss = sl
		}
	} else if mode == core.ModeShort {
		ins.NextAddOn = fill.Price.Mul(pctFactor(-cfg.AddOnPercentage))
		ins.Target = ins.AvgPrice.Mul(pctFactor(-cfg.TargetPercentage))
		sl := ins.AvgPrice.Mul(pctFactor(slPct))
		if sl.LessThan(ins.StopLoss) {
			ins.StopLoss = sl
		}
	}
	ins.updatePnLLocked()
}

// flattenLocked zeroes the position and parks the instrument.
// Caller holds the instrument lock.
func flattenLocked(ins *Instrument, status core.Status) {
	ins.Qty = 0
	ins.Mode = core.ModeNone
	ins.Status = status
	ins.LadderLevel = 0
	ins.StopLoss = decimal.Zero
	ins.Target = decimal.Zero
	ins.NextAddOn = decimal.Zero
	ins.HighWater = decimal.Zero
	ins.PnL = decimal.Zero
}

// pctFactor converts a percentage offset into a price multiplier,
// e.g. 2.0 -> 1.02 and -2.0 -> 0.98.
func pctFactor(pct float64) decimal.Decimal {
	return decimal.NewFromFloat(1).Add(decimal.NewFromFloat(pct).Div(decimal.NewFromInt(100)))
}
