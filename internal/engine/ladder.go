package engine

import (
	"ladder_engine/internal/core"
	"ladder_engine/internal/risk"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// OnTick is the market feed callback. It must never block: a busy instrument
// (order worker holding the lock) simply drops the tick, the next one is at
// most a few hundred milliseconds away.
func (e *Engine) OnTick(symbol string, ltp decimal.Decimal, volume int64) {
	if !e.IsRunning() || ltp.Sign() <= 0 {
		return
	}

	ins, ok := e.store.Get(symbol)
	if !ok {
		return
	}

	if !ins.Mu.TryLock() {
		return
	}
	e.processTickLocked(ins, ltp, volume)
	ins.Mu.Unlock()

	e.maybeRunSelection()
}

// processTickLocked runs the full per-tick state machine. Caller holds the
// instrument lock.
func (e *Engine) processTickLocked(ins *Instrument, ltp decimal.Decimal, volume int64) {
	if ins.Status.IsTerminal() {
		return
	}

	e.updateMarketDataLocked(ins, ltp, volume)

	if e.IsHalted() {
		return
	}
	if ins.Pending != "" || ins.Status.IsPending() {
		return
	}

	cfg := e.Settings()

	if ins.Status == core.StatusActive && ins.Qty > 0 {
		switch ins.Mode {
		case core.ModeLong:
			e.runLongLogicLocked(ins, ltp, cfg.NoOfAddOns, cfg.TrailingStopLossPct)
		case core.ModeShort:
			e.runShortLogicLocked(ins, ltp, cfg.NoOfAddOns, cfg.TrailingStopLossPct)
		}
	}

	// The ladder logic may have parked the instrument in a pending state;
	// the PnL caps then apply on the next tick.
	if ins.Status == core.StatusActive && ins.Qty > 0 {
		if status, hit := risk.EvaluateStockPnL(ins.PnL, cfg.ProfitTargetPerStock, cfg.LossLimitPerStock); hit {
			e.logger.Info("Per-stock PnL limit reached",
				"symbol", ins.Symbol, "pnl", ins.PnL.String(), "status", string(status))
			e.enqueueCloseLocked(ins, status)
		}
	}
}

// updateMarketDataLocked refreshes quote-derived fields.
func (e *Engine) updateMarketDataLocked(ins *Instrument, ltp decimal.Decimal, volume int64) {
	ins.LTP = ltp
	if volume > 0 {
		ins.LastVolume = volume
		ins.Turnover = ltp.Mul(decimal.NewFromInt(volume))
	}

	if ins.DayOpen.IsZero() && ins.PrevClose.Sign() > 0 {
		ins.DayOpen = ltp
		ins.OpenGapPct = ltp.Sub(ins.PrevClose).Div(ins.PrevClose).Mul(hundred)
	}
	if ins.PrevClose.Sign() > 0 {
		ins.ChangePct = ltp.Sub(ins.PrevClose).Div(ins.PrevClose).Mul(hundred)
	}

	switch ins.Mode {
	case core.ModeLong:
		if ltp.GreaterThan(ins.HighWater) {
			ins.HighWater = ltp
		}
	case core.ModeShort:
		if ins.HighWater.IsZero() || ltp.LessThan(ins.HighWater) {
			ins.HighWater = ltp
		}
	}

	ins.updatePnLLocked()
}

func (e *Engine) runLongLogicLocked(ins *Instrument, ltp decimal.Decimal, maxAddOns int, trailPct float64) {
	if ltp.GreaterThanOrEqual(ins.Target) {
		e.logger.Info("Target reached", "symbol", ins.Symbol, "ltp", ltp.String(), "target", ins.Target.String())
		e.finishCycleLocked(ins)
		return
	}
	if ltp.LessThanOrEqual(ins.StopLoss) {
		e.logger.Info("Stop loss hit", "symbol", ins.Symbol, "ltp", ltp.String(), "stop", ins.StopLoss.String())
		e.finishCycleLocked(ins)
		return
	}
	if ins.LadderLevel < maxAddOns && ltp.GreaterThanOrEqual(ins.NextAddOn) {
		e.enqueueAddOnLocked(ins)
	}
	// Trail off the high-water mark, also on the tick that queued a rung;
	// the stop only ever rises.
	trail := ins.HighWater.Mul(pctFactor(-trailPct))
	if trail.GreaterThan(ins.StopLoss) {
		ins.StopLoss = trail
	}
}

func (e *Engine) runShortLogicLocked(ins *Instrument, ltp decimal.Decimal, maxAddOns int, trailPct float64) {
	if ltp.LessThanOrEqual(ins.Target) {
		e.logger.Info("Target reached", "symbol", ins.Symbol, "ltp", ltp.String(), "target", ins.Target.String())
		e.finishCycleLocked(ins)
		return
	}
	if ltp.GreaterThanOrEqual(ins.StopLoss) {
		e.logger.Info("Stop loss hit", "symbol", ins.Symbol, "ltp", ltp.String(), "stop", ins.StopLoss.String())
		e.finishCycleLocked(ins)
		return
	}
	if ins.LadderLevel < maxAddOns && ltp.LessThanOrEqual(ins.NextAddOn) {
		e.enqueueAddOnLocked(ins)
	}
	trail := ins.HighWater.Mul(pctFactor(trailPct))
	if ins.StopLoss.IsZero() || trail.LessThan(ins.StopLoss) {
		ins.StopLoss = trail
	}
}

// finishCycleLocked ends the current ladder cycle: close out on the last
// cycle, otherwise flip into the opposite direction.
func (e *Engine) finishCycleLocked(ins *Instrument) {
	if ins.CycleTotal <= 1 {
		e.enqueueCloseLocked(ins, core.StatusClosed)
		return
	}
	if ins.CycleIndex+1 >= ins.CycleTotal {
		e.logger.Info("Cycle budget exhausted (cycles completed)",
			"symbol", ins.Symbol, "cycles", ins.CycleTotal)
		e.enqueueCloseLocked(ins, core.StatusClosedCycles)
		return
	}
	e.enqueueFlipLocked(ins)
}

// enqueueAddOnLocked marks the instrument pending and queues a rung order.
// On a full queue the marker is reverted before returning.
func (e *Engine) enqueueAddOnLocked(ins *Instrument) {
	task := AddOnTask{
		taskMeta: taskMeta{symbol: ins.Symbol, gen: e.Generation()},
		Mode:     ins.Mode,
		Qty:      ins.TradeQty,
	}
	if task.Qty <= 0 {
		return
	}
	ins.Pending = task.Token()
	if err := e.dispatcher.Enqueue(task); err != nil {
		ins.Pending = ""
		ins.LastOrderError = err.Error()
		e.logger.Warn("Add-on enqueue rejected", "symbol", ins.Symbol, "error", err)
	}
}

// enqueueCloseLocked marks the instrument pending-close and queues the
// flattening order with the terminal status to apply on fill.
func (e *Engine) enqueueCloseLocked(ins *Instrument, finalStatus core.Status) {
	if ins.Qty <= 0 || ins.Mode == core.ModeNone {
		ins.Status = finalStatus
		return
	}
	task := CloseTask{
		taskMeta:    taskMeta{symbol: ins.Symbol, gen: e.Generation()},
		Mode:        ins.Mode,
		Qty:         ins.Qty,
		FinalStatus: finalStatus,
	}
	prevStatus := ins.Status
	ins.Pending = task.Token()
	ins.Status = core.StatusPendingClose
	if err := e.dispatcher.Enqueue(task); err != nil {
		ins.Pending = ""
		ins.Status = prevStatus
		ins.LastOrderError = err.Error()
		e.logger.Warn("Close enqueue rejected", "symbol", ins.Symbol, "error", err)
	}
}

func (e *Engine) enqueueFlipLocked(ins *Instrument) {
	task := FlipTask{
		taskMeta:       taskMeta{symbol: ins.Symbol, gen: e.Generation()},
		From:           ins.Mode,
		To:             ins.Mode.Opposite(),
		CloseQty:       ins.Qty,
		OpenQty:        ins.TradeQty,
		CycleIndexNext: ins.CycleIndex + 1,
	}
	if task.OpenQty <= 0 {
		e.enqueueCloseLocked(ins, core.StatusClosed)
		return
	}
	prevStatus := ins.Status
	ins.Pending = task.Token()
	ins.Status = core.StatusPendingFlip
	if err := e.dispatcher.Enqueue(task); err != nil {
		ins.Pending = ""
		ins.Status = prevStatus
		ins.LastOrderError = err.Error()
		e.logger.Warn("Flip enqueue rejected", "symbol", ins.Symbol, "error", err)
	}
}
