package oloop

import (
	"github.com/opensetdb/openset/async"
	"github.com/opensetdb/openset/database"
	"github.com/opensetdb/openset/grid"
	"github.com/opensetdb/openset/oserror"
	"github.com/opensetdb/openset/query"
	"github.com/opensetdb/openset/results"
	"github.com/opensetdb/openset/stats"
)

// SegmentQuery pairs a segment name with its compiled script.
type SegmentQuery struct {
	Name  string
	Macro *query.Macro
}

// SegmentColumns is the result shape of a segment run: one population count
// per segment name.
func SegmentColumns() []results.Column {
	return []results.Column{{Name: "count", Acc: results.AccCount}}
}

// SegmentCell computes boolean-per-actor membership for each named segment,
// caches the bitmap on the partition, and tallies population counts.
type SegmentCell struct {
	async.BaseCell
	shuttle  *async.Shuttle[CellResult]
	table    *database.Table
	queries  []SegmentQuery
	result   *results.ResultSet
	instance int

	part    *grid.Partition
	qIdx    int
	cursor  int
	members map[int64]bool
	replied bool
}

func NewSegmentCell(shuttle *async.Shuttle[CellResult], table *database.Table, queries []SegmentQuery, result *results.ResultSet, instance int) *SegmentCell {
	return &SegmentCell{
		BaseCell: async.NewBaseCell(table.Name),
		shuttle:  shuttle,
		table:    table,
		queries:  queries,
		result:   result,
		instance: instance,
	}
}

func (c *SegmentCell) reply(err *oserror.Error) {
	if c.replied {
		return
	}
	c.replied = true
	c.shuttle.Arrive(CellResult{Instance: c.instance, Err: err})
}

func (c *SegmentCell) Prepare() {
	c.part = c.table.GetPartition(c.Loop.PartitionID)
	c.part.DrainBacklog()
	c.members = map[int64]bool{}
}

func (c *SegmentCell) Run() bool {
	stats.CellsRun.Inc()
	if c.qIdx >= len(c.queries) {
		c.reply(nil)
		c.Suicide()
		return false
	}

	q := c.queries[c.qIdx]
	interp := query.NewInterpreter(q.Macro, c.result)
	interp.Mount(c.part)

	end := c.cursor + sliceSize
	if end > c.part.PersonCount() {
		end = c.part.PersonCount()
	}
	for ; c.cursor < end; c.cursor++ {
		p := c.part.PersonAt(c.cursor)
		if interp.MatchPerson(p) {
			c.members[p.ID] = true
		}
	}

	if c.cursor < c.part.PersonCount() {
		return true
	}

	// scan finished for this segment: cache the bitmap and count it
	now := async.Now()
	c.part.SetSegment(q.Name, c.members, now, q.Macro.SegmentTTL)

	keyHash := grid.HashText(q.Name)
	c.result.AddLiteral(keyHash, q.Name)
	for range c.members {
		c.result.Tally(results.Key1(keyHash), 0, 0, 1)
	}

	c.qIdx++
	c.cursor = 0
	c.members = map[int64]bool{}
	return true
}

func (c *SegmentCell) PartitionRemoved() {
	c.reply(partitionRemovedErr())
	c.Suicide()
}
