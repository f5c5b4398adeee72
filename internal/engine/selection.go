package engine

import (
	"sort"
	"time"

	"ladder_engine/internal/core"

	"github.com/shopspring/decimal"
)

const selectionInterval = 250 * time.Millisecond

const croreRupees = 1e7

// maybeRunSelection runs the top-movers scan at most once per interval. It is
// called from the tick path after the instrument lock is released.
func (e *Engine) maybeRunSelection() {
	if !e.IsRunning() || e.IsHalted() {
		return
	}

	e.selMu.Lock()
	if time.Since(e.lastSelection) < selectionInterval {
		e.selMu.Unlock()
		return
	}
	e.lastSelection = time.Now()
	e.selMu.Unlock()

	e.selectTopMovers()
}

// selectTopMovers starts new ladders on the strongest gainers and losers,
// within the per-direction and total-stock capacity.
func (e *Engine) selectTopMovers() {
	cfg := e.Settings()
	snaps := e.store.Snapshots()

	var activeLongs, activeShorts, pendingLongs, pendingShorts int
	for _, s := range snaps {
		if s.Qty > 0 {
			switch s.Mode {
			case core.ModeLong:
				activeLongs++
			case core.ModeShort:
				activeShorts++
			}
		}
		switch s.Pending {
		case pendingStartLong:
			pendingLongs++
		case pendingStartShort:
			pendingShorts++
		}
	}

	started := e.startedUnion()
	remaining := cfg.MaxLadderStocks - len(started)
	if remaining <= 0 {
		return
	}

	needLongs := cfg.TopNGainers - (activeLongs + pendingLongs)
	needShorts := cfg.TopNLosers - (activeShorts + pendingShorts)
	if needLongs < 0 {
		needLongs = 0
	}
	if needShorts < 0 {
		needShorts = 0
	}
	if needLongs > remaining {
		needLongs = remaining
	}
	if needShorts > remaining-needLongs {
		needShorts = remaining - needLongs
	}
	if needLongs == 0 && needShorts == 0 {
		return
	}

	minTurnover := decimal.NewFromFloat(cfg.MinTurnoverCrores * croreRupees)
	maxGapLong := decimal.NewFromFloat(cfg.MaxOpenGapPctLong)
	minGapShort := decimal.NewFromFloat(cfg.MinOpenGapPctShort)

	var gainers, losers []Snapshot
	for _, s := range snaps {
		if s.Status != core.StatusIdle || s.Pending != "" {
			continue
		}
		if _, done := started[s.Symbol]; done {
			continue
		}
		if s.LTP.Sign() <= 0 {
			continue
		}
		if s.Turnover.LessThan(minTurnover) {
			continue
		}

		gap := openGapOf(s)
		if s.ChangePct.Sign() > 0 && gap.LessThanOrEqual(maxGapLong) {
			gainers = append(gainers, s)
		} else if s.ChangePct.Sign() < 0 && gap.GreaterThanOrEqual(minGapShort) {
			losers = append(losers, s)
		}
	}

	sort.Slice(gainers, func(i, j int) bool {
		return gainers[i].ChangePct.GreaterThan(gainers[j].ChangePct)
	})
	sort.Slice(losers, func(i, j int) bool {
		return losers[i].ChangePct.LessThan(losers[j].ChangePct)
	})

	if needLongs > len(gainers) {
		needLongs = len(gainers)
	}
	if needShorts > len(losers) {
		needShorts = len(losers)
	}

	for _, s := range gainers[:needLongs] {
		e.startLadder(s.Symbol, core.ModeLong, cfg.TradeCapital, cfg.CyclesPerStock)
	}
	for _, s := range losers[:needShorts] {
		e.startLadder(s.Symbol, core.ModeShort, cfg.TradeCapital, cfg.CyclesPerStock)
	}
}

// startLadder re-validates a candidate under its lock, seeds the cycle
// bookkeeping and queues the opening order. A full queue reverts everything
// before returning.
func (e *Engine) startLadder(symbol string, mode core.Mode, tradeCapital float64, cycles int) {
	ins, ok := e.store.Get(symbol)
	if !ok {
		return
	}

	if !ins.Mu.TryLock() {
		return
	}
	defer ins.Mu.Unlock()

	if ins.Status != core.StatusIdle || ins.Pending != "" || ins.LTP.Sign() <= 0 {
		return
	}

	qty := decimal.NewFromFloat(tradeCapital).Div(ins.LTP).IntPart()
	if qty < 1 {
		qty = 1
	}

	task := StartTask{
		taskMeta: taskMeta{symbol: ins.Symbol, gen: e.Generation()},
		Mode:     mode,
		Qty:      qty,
	}

	ins.TradeQty = qty
	ins.CycleTotal = cycles
	ins.CycleIndex = 0
	ins.CycleStartMode = mode
	ins.Pending = task.Token()
	if mode == core.ModeShort {
		ins.Status = core.StatusPendingShort
	} else {
		ins.Status = core.StatusPendingLong
	}

	e.addPendingStart(ins.Symbol)

	if err := e.dispatcher.Enqueue(task); err != nil {
		ins.Pending = ""
		ins.Status = core.StatusIdle
		ins.LastOrderError = err.Error()
		e.removePendingStart(ins.Symbol)
		e.logger.Warn("Ladder start enqueue rejected", "symbol", ins.Symbol, "error", err)
		return
	}

	e.logger.Info("Ladder start queued",
		"symbol", ins.Symbol, "mode", string(mode), "qty", qty, "change_pct", ins.ChangePct.String())
}

// openGapOf prefers the opening gap captured on the first tick and falls back
// to the running change when the open was never observed.
func openGapOf(s Snapshot) decimal.Decimal {
	if !s.OpenGapPct.IsZero() {
		return s.OpenGapPct
	}
	return s.ChangePct
}
