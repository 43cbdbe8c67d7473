package oloop

import (
	"github.com/opensetdb/openset/async"
	"github.com/opensetdb/openset/database"
	"github.com/opensetdb/openset/query"
	"github.com/opensetdb/openset/stats"
)

// insertDrainInterval is how often the standing insert cell wakes when its
// backlog is empty.
const insertDrainInterval = 100

// InsertCell is the standing per-partition cell that applies queued event
// rows on the owner worker, keeping the grid single-writer.
type InsertCell struct {
	async.BaseCell
	table *database.Table
}

func NewInsertCell(table *database.Table) *InsertCell {
	c := &InsertCell{
		BaseCell: async.NewBaseCell(table.Name),
		table:    table,
	}
	c.ScheduleFuture(insertDrainInterval)
	return c
}

func (c *InsertCell) Prepare() {}

func (c *InsertCell) Run() bool {
	part := c.table.GetPartition(c.Loop.PartitionID)
	if n := part.DrainBacklog(); n > 0 {
		stats.RowsInserted.Add(float64(n))
	}
	c.ScheduleFuture(insertDrainInterval)
	return false
}

func (c *InsertCell) PartitionRemoved() {
	c.Suicide()
}

// SegmentRefreshCell re-runs registered refresh segments on their cadence,
// one cell per partition, tracking last-run stamps locally.
type SegmentRefreshCell struct {
	async.BaseCell
	table   *database.Table
	lastRun map[string]int64
}

func NewSegmentRefreshCell(table *database.Table) *SegmentRefreshCell {
	c := &SegmentRefreshCell{
		BaseCell: async.NewBaseCell(table.Name),
		table:    table,
		lastRun:  map[string]int64{},
	}
	c.ScheduleFuture(table.SegmentInterval)
	return c
}

func (c *SegmentRefreshCell) Prepare() {}

func (c *SegmentRefreshCell) Run() bool {
	part := c.table.GetPartition(c.Loop.PartitionID)
	now := async.Now()

	for _, def := range c.table.RefreshableSegments() {
		if now-c.lastRun[def.Name] < def.Refresh {
			continue
		}
		c.lastRun[def.Name] = now

		interp := query.NewInterpreter(def.Macro, nil)
		interp.Mount(part)
		members := map[int64]bool{}
		for i := 0; i < part.PersonCount(); i++ {
			p := part.PersonAt(i)
			if interp.MatchPerson(p) {
				members[p.ID] = true
			}
		}
		part.SetSegment(def.Name, members, now, def.TTL)
	}

	c.ScheduleFuture(c.table.SegmentInterval)
	return false
}

func (c *SegmentRefreshCell) PartitionRemoved() {
	c.Suicide()
}
