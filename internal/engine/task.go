package engine

import "ladder_engine/internal/core"

// Pending tokens. An instrument's Pending field holds exactly one of these
// while its order task is in flight; workers validate the token before and
// after the broker round trip.
const (
	pendingStartLong  = "START_LONG"
	pendingStartShort = "START_SHORT"
	pendingAddOnLong  = "ADD_ON_LONG"
	pendingAddOnShort = "ADD_ON_SHORT"
	pendingClose      = "CLOSE"
	pendingFlipLong   = "CLOSE_AND_FLIP_LONG"
	pendingFlipShort  = "CLOSE_AND_FLIP_SHORT"
)

// Task is one queued order action for a single instrument. Each kind carries
// exactly the data its transition needs; there is no generic payload bag.
type Task interface {
	Symbol() string
	// Token is the pending marker the task must find on the instrument to
	// still be valid after dequeue.
	Token() string
	// Generation is the engine generation the task was enqueued under. A
	// mismatch at execution time voids the task.
	Generation() uint64
}

type taskMeta struct {
	symbol string
	gen    uint64
}

func (t taskMeta) Symbol() string     { return t.symbol }
func (t taskMeta) Generation() uint64 { return t.gen }

// StartTask opens a new ladder in the given direction.
type StartTask struct {
	taskMeta
	Mode core.Mode
	Qty  int64
}

func (t StartTask) Token() string {
	if t.Mode == core.ModeShort {
		return pendingStartShort
	}
	return pendingStartLong
}

// AddOnTask adds one rung to an active ladder.
type AddOnTask struct {
	taskMeta
	Mode core.Mode
	Qty  int64
}

func (t AddOnTask) Token() string {
	if t.Mode == core.ModeShort {
		return pendingAddOnShort
	}
	return pendingAddOnLong
}

// CloseTask flattens the position and parks the instrument in FinalStatus.
type CloseTask struct {
	taskMeta
	Mode        core.Mode
	Qty         int64
	FinalStatus core.Status
}

func (t CloseTask) Token() string { return pendingClose }

// FlipTask closes the current ladder and opens the first rung of the opposite
// direction with a single reverse order of CloseQty+OpenQty.
type FlipTask struct {
	taskMeta
	From           core.Mode
	To             core.Mode
	CloseQty       int64
	OpenQty        int64
	CycleIndexNext int
}

func (t FlipTask) Token() string {
	if t.To == core.ModeShort {
		return pendingFlipShort
	}
	return pendingFlipLong
}
