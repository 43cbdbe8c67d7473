// Package async is the two-tier scheduler: OS-thread parallelism between
// workers, cooperative single-threaded execution within one. Each partition
// is bound to exactly one worker, so partition-local state needs no locks.
package async

import (
	"sync/atomic"
	"time"
)

// Now is the scheduler clock, milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

type CellState int32

const (
	StateRunning CellState = iota
	StateDone
)

// Cell is a resumable unit of work bound to one partition. Run returns true
// to ask for an immediate re-entry next round; cells suspend by returning
// and must not block between suspensions.
type Cell interface {
	OwningTable() string
	Prepare()
	Run() bool
	State() CellState

	// PartitionRemoved is best-effort cancellation; the cell must complete
	// any outstanding shuttle arrival exactly once and never double-complete.
	PartitionRemoved()

	base() *BaseCell
}

// BaseCell carries the shared lifecycle fields; concrete cells embed it.
type BaseCell struct {
	Table string
	Loop  *Loop

	state     atomic.Int32
	prepared  bool
	runAt     int64
	condition func() bool
}

func NewBaseCell(table string) BaseCell {
	return BaseCell{Table: table}
}

func (b *BaseCell) OwningTable() string { return b.Table }

func (b *BaseCell) State() CellState {
	return CellState(b.state.Load())
}

// Suicide marks the cell done; the loop deletes it in the same run step.
func (b *BaseCell) Suicide() {
	b.state.Store(int32(StateDone))
}

// ScheduleFuture re-arms the cell to run no earlier than ms from now.
func (b *BaseCell) ScheduleFuture(ms int64) {
	b.runAt = Now() + ms
}

// SetCondition installs a cell-supplied gate checked before every run.
func (b *BaseCell) SetCondition(cond func() bool) {
	b.condition = cond
}

func (b *BaseCell) checkCondition() bool {
	return b.condition == nil || b.condition()
}

func (b *BaseCell) checkTimer(now int64) bool {
	return now >= b.runAt
}

func (b *BaseCell) assignLoop(l *Loop) {
	b.Loop = l
}

func (b *BaseCell) base() *BaseCell { return b }
