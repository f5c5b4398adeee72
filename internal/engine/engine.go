// Package engine implements the intraday ladder trading engine: per-symbol
// pyramiding state machines driven by live ticks, a bounded order dispatcher,
// momentum-based instrument selection and portfolio-level risk exits.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"ladder_engine/internal/alert"
	"ladder_engine/internal/config"
	"ladder_engine/internal/core"
	"ladder_engine/internal/risk"
	apperrors "ladder_engine/pkg/errors"
	"ladder_engine/pkg/telemetry"

	"github.com/shopspring/decimal"
)

const runLoopInterval = time.Second

// SessionClock answers whether the trading session is currently open.
// Satisfied by risk.MarketHours.
type SessionClock interface {
	IsOpenNow() bool
}

// Engine owns the trading session: it seeds the instrument universe, wires
// the feed callback, and supervises global risk on a one-second loop.
type Engine struct {
	store      *Store
	dispatcher *Dispatcher
	feed       core.IMarketFeed
	candidates core.ICandidateProvider
	hours      SessionClock
	logger     core.ILogger
	alerts     *alert.Manager // optional

	settingsMu sync.RWMutex
	settings   config.StrategyConfig

	running    atomic.Bool
	halted     atomic.Bool
	generation atomic.Uint64

	haltMu     sync.Mutex
	haltReason string

	// started tracks symbols that opened a ladder this session; pendingStart
	// tracks symbols with an opening order in flight. Together they gate the
	// session-wide stock budget.
	setMu        sync.Mutex
	started      map[string]struct{}
	pendingStart map[string]struct{}

	selMu         sync.Mutex
	lastSelection time.Time

	stopCh chan struct{}
	doneWg sync.WaitGroup
}

// NewEngine builds an engine. Start must be called to begin trading.
func NewEngine(
	broker core.IBroker,
	fills core.IFillStream,
	feed core.IMarketFeed,
	candidates core.ICandidateProvider,
	hours SessionClock,
	strategy config.StrategyConfig,
	logger core.ILogger,
) *Engine {
	e := &Engine{
		store:        NewStore(),
		feed:         feed,
		candidates:   candidates,
		hours:        hours,
		logger:       logger.WithField("component", "engine"),
		settings:     strategy.Normalize(),
		started:      make(map[string]struct{}),
		pendingStart: make(map[string]struct{}),
	}
	e.dispatcher = newDispatcher(
		e.store, broker, fills, hours, logger,
		e.Generation, e.Settings,
		e.removePendingStart, e.markStarted,
	)
	return e
}

// SetAlerts attaches an operator notification manager. Must be called before
// Start.
func (e *Engine) SetAlerts(m *alert.Manager) {
	e.alerts = m
	e.dispatcher.alerts = m
}

// Start loads the day's candidate universe, subscribes the feed and launches
// the supervision loop.
func (e *Engine) Start(ctx context.Context) error {
	if e.running.Load() {
		return apperrors.ErrEngineRunning
	}

	universe, err := e.candidates.Load(ctx)
	if err != nil {
		return fmt.Errorf("candidate load: %w", err)
	}
	if len(universe) == 0 {
		return apperrors.ErrNoCandidates
	}

	symbols := make([]string, 0, len(universe))
	for sym, prevClose := range universe {
		ins := e.store.GetOrCreate(sym)
		ins.Mu.Lock()
		ins.PrevClose = prevClose
		ins.Mu.Unlock()
		symbols = append(symbols, sym)
	}

	e.generation.Add(1)
	e.setMu.Lock()
	e.started = make(map[string]struct{})
	e.pendingStart = make(map[string]struct{})
	e.setMu.Unlock()
	e.setHalted(false, "")
	e.stopCh = make(chan struct{})
	e.dispatcher.Start()

	if err := e.feed.Subscribe(symbols, e.OnTick); err != nil {
		return fmt.Errorf("feed subscribe: %w", err)
	}

	e.running.Store(true)
	e.doneWg.Add(1)
	go e.run()

	e.logger.Info("Engine started", "universe", len(symbols), "generation", e.Generation())
	return nil
}

// Stop halts trading immediately. Queued order tasks are voided by the
// generation bump; instruments stuck in a pending state are reverted so the
// book is consistent for a restart. The dispatcher pool is drained even when
// the run loop already ended the session itself, so queued square-off tasks
// complete before shutdown.
func (e *Engine) Stop() {
	if e.running.Swap(false) {
		close(e.stopCh)

		e.generation.Add(1)

		e.setMu.Lock()
		e.pendingStart = make(map[string]struct{})
		e.setMu.Unlock()

		for _, ins := range e.store.All() {
			ins.Mu.Lock()
			if ins.Pending != "" {
				ins.Pending = ""
				ins.LastOrderError = cancelledMsg
			}
			if ins.Status.IsPending() {
				if ins.Mode != core.ModeNone && ins.Qty > 0 {
					ins.Status = core.StatusActive
				} else {
					ins.Status = core.StatusIdle
				}
			}
			ins.Mu.Unlock()
		}

		e.feed.Stop()
	}

	e.dispatcher.Stop()
	e.doneWg.Wait()

	e.logger.Info("Engine stopped", "generation", e.Generation())
}

// run is the one-second supervision loop: global PnL exits and the session
// close square-off.
func (e *Engine) run() {
	defer e.doneWg.Done()

	ticker := time.NewTicker(runLoopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
		}

		cfg := e.Settings()
		globalPnL, activeCount := e.aggregate()

		m := telemetry.GetGlobalMetrics()
		m.SetGlobalPnL(globalPnL.InexactFloat64())
		m.SetActiveLadders(int64(activeCount))

		if !e.halted.Load() {
			if status, hit := risk.EvaluateGlobalPnL(globalPnL, cfg.GlobalProfitExit, cfg.GlobalLossExit); hit {
				e.logger.Warn("Global PnL exit triggered",
					"pnl", globalPnL.String(), "status", string(status))
				e.setHalted(true, string(status))
				if e.alerts != nil {
					e.alerts.TradingHalted(string(status), globalPnL.String())
				}
				e.SquareOffAll(status)
				continue
			}
		}

		if !e.hours.IsOpenNow() {
			e.logger.Info("Market session over, squaring off")
			if e.alerts != nil {
				e.alerts.SessionClosed(activeCount)
			}
			e.SquareOffAll(core.StatusClosedEmergency)
			e.feed.Stop()
			e.running.Store(false)
			return
		}
	}
}

// aggregate sums unrealized PnL over open positions and publishes per-symbol
// gauges.
func (e *Engine) aggregate() (total decimal.Decimal, active int) {
	m := telemetry.GetGlobalMetrics()
	for _, s := range e.store.Snapshots() {
		if s.Qty > 0 {
			total = total.Add(s.PnL)
			active++
		}
		m.SetUnrealizedPnL(s.Symbol, s.PnL.InexactFloat64())
	}
	return total, active
}

// SquareOffAll closes every open position with the given terminal status.
func (e *Engine) SquareOffAll(status core.Status) {
	for _, ins := range e.store.All() {
		ins.Mu.Lock()
		if ins.Qty > 0 && ins.Mode != core.ModeNone && !ins.Status.IsTerminal() && ins.Pending == "" {
			e.enqueueCloseLocked(ins, status)
		}
		ins.Mu.Unlock()
	}
}

// SquareOffSymbol closes one position on operator request.
func (e *Engine) SquareOffSymbol(symbol string) error {
	ins, ok := e.store.Get(symbol)
	if !ok {
		return fmt.Errorf("unknown symbol %q", symbol)
	}
	ins.Mu.Lock()
	defer ins.Mu.Unlock()
	if ins.Qty <= 0 || ins.Mode == core.ModeNone {
		return fmt.Errorf("no open position for %q", symbol)
	}
	if ins.Pending != "" {
		return fmt.Errorf("order in flight for %q", symbol)
	}
	e.enqueueCloseLocked(ins, core.StatusClosedManual)
	return nil
}

// UpdateSettings swaps the strategy parameters after normalization. The
// dispatcher pool is rebuilt when its limits changed.
func (e *Engine) UpdateSettings(cfg config.StrategyConfig) config.StrategyConfig {
	normalized := cfg.Normalize()

	e.settingsMu.Lock()
	prev := e.settings
	e.settings = normalized
	e.settingsMu.Unlock()

	if prev.MaxConcurrentOrders != normalized.MaxConcurrentOrders ||
		prev.OrderQueueSize != normalized.OrderQueueSize {
		e.dispatcher.Resize(normalized.MaxConcurrentOrders, normalized.OrderQueueSize)
		e.logger.Info("Dispatcher resized",
			"workers", normalized.MaxConcurrentOrders, "queue", normalized.OrderQueueSize)
	}
	return normalized
}

// Settings returns the current strategy parameters.
func (e *Engine) Settings() config.StrategyConfig {
	e.settingsMu.RLock()
	defer e.settingsMu.RUnlock()
	return e.settings
}

// Snapshots exposes the full instrument book for status surfaces.
func (e *Engine) Snapshots() []Snapshot {
	return e.store.Snapshots()
}

// IsRunning reports whether the session is live.
func (e *Engine) IsRunning() bool { return e.running.Load() }

// IsHalted reports whether new entries and ladder progression are suspended.
func (e *Engine) IsHalted() bool { return e.halted.Load() }

// HaltReason returns why trading was halted, empty when not halted.
func (e *Engine) HaltReason() string {
	e.haltMu.Lock()
	defer e.haltMu.Unlock()
	return e.haltReason
}

// Generation is the current engine generation; tasks from older generations
// are void.
func (e *Engine) Generation() uint64 { return e.generation.Load() }

func (e *Engine) setHalted(halted bool, reason string) {
	e.halted.Store(halted)
	e.haltMu.Lock()
	e.haltReason = reason
	e.haltMu.Unlock()
	telemetry.GetGlobalMetrics().SetTradingHalted(halted)
}

func (e *Engine) startedUnion() map[string]struct{} {
	e.setMu.Lock()
	defer e.setMu.Unlock()
	union := make(map[string]struct{}, len(e.started)+len(e.pendingStart))
	for sym := range e.started {
		union[sym] = struct{}{}
	}
	for sym := range e.pendingStart {
		union[sym] = struct{}{}
	}
	return union
}

func (e *Engine) addPendingStart(symbol string) {
	e.setMu.Lock()
	e.pendingStart[symbol] = struct{}{}
	e.setMu.Unlock()
}

func (e *Engine) removePendingStart(symbol string) {
	e.setMu.Lock()
	delete(e.pendingStart, symbol)
	e.setMu.Unlock()
}

// markStarted records that a symbol opened a ladder this session.
func (e *Engine) markStarted(symbol string) {
	e.setMu.Lock()
	delete(e.pendingStart, symbol)
	e.started[symbol] = struct{}{}
	e.setMu.Unlock()
}
