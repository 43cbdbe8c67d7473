package async

import (
	"sync"
	"sync/atomic"
)

// Loop executes every cell bound to a single partition, cooperatively, on
// the one worker thread that owns the partition. Only QueueCell and
// PurgeByTable take the lock; Run touches the active list unlocked because
// it only ever runs on the owner.
type Loop struct {
	PartitionID int
	WorkerID    int

	pool *Pool

	pendMu    sync.Mutex
	queued    []Cell
	queueSize atomic.Int32

	// tables purged since the last run; applied by the owner
	purges       []string
	purgePending atomic.Bool

	active []Cell
}

func newLoop(pool *Pool, partitionID, workerID int) *Loop {
	return &Loop{
		PartitionID: partitionID,
		WorkerID:    workerID,
		pool:        pool,
	}
}

// QueueCell accepts work from any thread and wakes the owning worker.
func (l *Loop) QueueCell(c Cell) {
	l.pendMu.Lock()
	c.base().assignLoop(l)
	l.queued = append(l.queued, c)
	l.queueSize.Add(1)
	l.pendMu.Unlock()

	if l.pool != nil {
		l.pool.wakeWorker(l.WorkerID)
	}
}

// scheduleQueued splices queued cells into the active list. A cell spawned
// by another cell this round becomes runnable next round.
func (l *Loop) scheduleQueued() {
	l.pendMu.Lock()
	l.queueSize.Add(int32(-len(l.queued)))
	l.active = append(l.active, l.queued...)
	l.queued = nil
	l.pendMu.Unlock()
}

// Run iterates the active list once, in FIFO order. Owner worker only.
// nextRun is lowered to the earliest future runAt seen; the return value is
// whether any cell asked for an immediate re-run.
func (l *Loop) Run(nextRun *int64) bool {
	if l.purgePending.Load() {
		l.applyPurges()
	}
	if l.queueSize.Load() > 0 {
		l.scheduleQueued()
	}

	if len(l.active) == 0 {
		return false
	}

	runCount := 0
	rerun := l.active[:0:0]

	for _, c := range l.active {
		now := Now()
		b := c.base()

		if b.checkCondition() && b.checkTimer(now) && c.State() == StateRunning {
			if !b.prepared {
				c.Prepare()
				b.prepared = true

				// some cells complete during prepare
				if c.State() == StateDone {
					continue
				}
			}

			if c.Run() {
				runCount++
			}

			if c.State() == StateRunning && b.runAt > now &&
				(*nextRun == -1 || b.runAt < *nextRun) {
				*nextRun = b.runAt
			}
		}

		if c.State() != StateDone {
			rerun = append(rerun, c)
		}
	}

	l.active = rerun
	return runCount > 0
}

// PurgeByTable cancels every cell owned by a table, invoking the
// PartitionRemoved hook so outstanding shuttles complete. Queued cells are
// removed here; active cells belong to the owner worker and are removed at
// the start of its next run round, so this is safe from any thread while
// the pool is live.
func (l *Loop) PurgeByTable(table string) {
	l.pendMu.Lock()
	keepQueued := l.queued[:0:0]
	for _, c := range l.queued {
		if c.OwningTable() == table {
			c.PartitionRemoved()
		} else {
			keepQueued = append(keepQueued, c)
		}
	}
	l.queueSize.Store(int32(len(keepQueued)))
	l.queued = keepQueued
	l.purges = append(l.purges, table)
	l.purgePending.Store(true)
	l.pendMu.Unlock()

	if l.pool != nil {
		l.pool.wakeWorker(l.WorkerID)
	}
}

// applyPurges drops active cells for tables purged since the last round.
// Owner worker only.
func (l *Loop) applyPurges() {
	l.pendMu.Lock()
	purges := l.purges
	l.purges = nil
	l.purgePending.Store(false)
	l.pendMu.Unlock()

	if len(purges) == 0 {
		return
	}
	tables := map[string]bool{}
	for _, t := range purges {
		tables[t] = true
	}

	keep := l.active[:0:0]
	for _, c := range l.active {
		if tables[c.OwningTable()] {
			c.PartitionRemoved()
		} else {
			keep = append(keep, c)
		}
	}
	l.active = keep
}

// Release drops every cell, firing the removal hook first.
func (l *Loop) Release() {
	l.pendMu.Lock()
	defer l.pendMu.Unlock()

	for _, c := range l.queued {
		c.PartitionRemoved()
	}
	for _, c := range l.active {
		c.PartitionRemoved()
	}
	l.queued, l.active = nil, nil
	l.queueSize.Store(0)
}

func (l *Loop) CellCount() int {
	l.pendMu.Lock()
	defer l.pendMu.Unlock()
	return len(l.queued) + len(l.active)
}
