package engine

import (
	"sync"

	"ladder_engine/internal/core"

	"github.com/shopspring/decimal"
)

// Instrument is the full per-symbol ladder state. All mutable fields are
// guarded by Mu; the tick path uses TryLock so a slow order worker never
// blocks quote processing.
type Instrument struct {
	Mu sync.Mutex

	Symbol string

	Mode   core.Mode
	Status core.Status

	Qty         int64
	TradeQty    int64 // per-order quantity fixed at selection time
	LadderLevel int

	EntryPrice decimal.Decimal
	AvgPrice   decimal.Decimal
	StopLoss   decimal.Decimal
	Target     decimal.Decimal
	NextAddOn  decimal.Decimal
	HighWater  decimal.Decimal

	LTP        decimal.Decimal
	PrevClose  decimal.Decimal
	DayOpen    decimal.Decimal
	OpenGapPct decimal.Decimal
	ChangePct  decimal.Decimal
	LastVolume int64
	Turnover   decimal.Decimal

	PnL decimal.Decimal

	// Pending holds the kind token of the one in-flight order task for this
	// instrument, empty when none.
	Pending string

	CycleIndex     int
	CycleTotal     int
	CycleStartMode core.Mode

	OrderIDs       []string
	LastOrderError string
}

// Snapshot is a consistent copy of an instrument taken under its lock.
type Snapshot struct {
	Symbol         string          `json:"symbol"`
	Mode           core.Mode       `json:"mode"`
	Status         core.Status     `json:"status"`
	Qty            int64           `json:"qty"`
	TradeQty       int64           `json:"trade_qty"`
	LadderLevel    int             `json:"ladder_level"`
	EntryPrice     decimal.Decimal `json:"entry_price"`
	AvgPrice       decimal.Decimal `json:"avg_price"`
	StopLoss       decimal.Decimal `json:"stop_loss"`
	Target         decimal.Decimal `json:"target"`
	NextAddOn      decimal.Decimal `json:"next_add_on"`
	HighWater      decimal.Decimal `json:"high_water"`
	LTP            decimal.Decimal `json:"ltp"`
	PrevClose      decimal.Decimal `json:"prev_close"`
	DayOpen        decimal.Decimal `json:"day_open"`
	ChangePct      decimal.Decimal `json:"change_pct"`
	OpenGapPct     decimal.Decimal `json:"open_gap_pct"`
	Turnover       decimal.Decimal `json:"turnover"`
	PnL            decimal.Decimal `json:"pnl"`
	Pending        string          `json:"pending,omitempty"`
	CycleIndex     int             `json:"cycle_index"`
	CycleTotal     int             `json:"cycle_total"`
	LastOrderError string          `json:"last_order_error,omitempty"`
}

func (ins *Instrument) snapshotLocked() Snapshot {
	return Snapshot{
		Symbol:         ins.Symbol,
		Mode:           ins.Mode,
		Status:         ins.Status,
		Qty:            ins.Qty,
		TradeQty:       ins.TradeQty,
		LadderLevel:    ins.LadderLevel,
		EntryPrice:     ins.EntryPrice,
		AvgPrice:       ins.AvgPrice,
		StopLoss:       ins.StopLoss,
		Target:         ins.Target,
		NextAddOn:      ins.NextAddOn,
		HighWater:      ins.HighWater,
		LTP:            ins.LTP,
		PrevClose:      ins.PrevClose,
		DayOpen:        ins.DayOpen,
		ChangePct:      ins.ChangePct,
		OpenGapPct:     ins.OpenGapPct,
		Turnover:       ins.Turnover,
		PnL:            ins.PnL,
		Pending:        ins.Pending,
		CycleIndex:     ins.CycleIndex,
		CycleTotal:     ins.CycleTotal,
		LastOrderError: ins.LastOrderError,
	}
}

// Snapshot copies the instrument under its lock.
func (ins *Instrument) Snapshot() Snapshot {
	ins.Mu.Lock()
	defer ins.Mu.Unlock()
	return ins.snapshotLocked()
}

// updatePnLLocked recomputes unrealized PnL from qty, average and LTP.
// Caller holds the lock.
func (ins *Instrument) updatePnLLocked() {
	if ins.Qty <= 0 || ins.AvgPrice.IsZero() || ins.LTP.IsZero() {
		ins.PnL = decimal.Zero
		return
	}
	qty := decimal.NewFromInt(ins.Qty)
	switch ins.Mode {
	case core.ModeLong:
		ins.PnL = ins.LTP.Sub(ins.AvgPrice).Mul(qty)
	case core.ModeShort:
		ins.PnL = ins.AvgPrice.Sub(ins.LTP).Mul(qty)
	default:
		ins.PnL = decimal.Zero
	}
}

// Store holds all instruments the engine knows about. The map itself is
// guarded by a read-write lock; each entry carries its own mutex so two
// symbols never contend.
type Store struct {
	mu          sync.RWMutex
	instruments map[string]*Instrument
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{instruments: make(map[string]*Instrument)}
}

// Get returns the instrument for a symbol if it exists.
func (s *Store) Get(symbol string) (*Instrument, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ins, ok := s.instruments[core.NormalizeSymbol(symbol)]
	return ins, ok
}

// GetOrCreate returns the instrument for a symbol, creating an IDLE entry on
// first sight.
func (s *Store) GetOrCreate(symbol string) *Instrument {
	key := core.NormalizeSymbol(symbol)
	s.mu.RLock()
	ins, ok := s.instruments[key]
	s.mu.RUnlock()
	if ok {
		return ins
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ins, ok := s.instruments[key]; ok {
		return ins
	}
	ins = &Instrument{Symbol: key, Mode: core.ModeNone, Status: core.StatusIdle}
	s.instruments[key] = ins
	return ins
}

// All returns the current instrument pointers. The slice is a copy; entries
// still need their own lock for field access.
func (s *Store) All() []*Instrument {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Instrument, 0, len(s.instruments))
	for _, ins := range s.instruments {
		out = append(out, ins)
	}
	return out
}

// Snapshots copies every instrument, each under its own lock.
func (s *Store) Snapshots() []Snapshot {
	all := s.All()
	out := make([]Snapshot, 0, len(all))
	for _, ins := range all {
		out = append(out, ins.Snapshot())
	}
	return out
}

// Len returns the number of tracked instruments.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instruments)
}
