package oloop

import (
	"github.com/opensetdb/openset/async"
	"github.com/opensetdb/openset/database"
	"github.com/opensetdb/openset/grid"
	"github.com/opensetdb/openset/oserror"
	"github.com/opensetdb/openset/query"
	"github.com/opensetdb/openset/results"
	"github.com/opensetdb/openset/schema"
	"github.com/opensetdb/openset/stats"
)

// HistogramColumns is the result shape: actor count per scalar bucket.
func HistogramColumns(name string) []results.Column {
	return []results.Column{{Name: name, Type: schema.TypeInt, Acc: results.AccCount}}
}

// HistogramCell runs a script whose per-actor evaluation yields one scalar
// `return`; the cell bins that scalar into the per-worker result set keyed
// by bucket.
type HistogramCell struct {
	async.BaseCell
	shuttle  *async.Shuttle[CellResult]
	table    *database.Table
	macro    *query.Macro
	bucket   int64
	result   *results.ResultSet
	instance int

	part    *grid.Partition
	interp  *query.Interpreter
	cursor  int
	replied bool
}

func NewHistogramCell(shuttle *async.Shuttle[CellResult], table *database.Table, macro *query.Macro, bucket int64, result *results.ResultSet, instance int) *HistogramCell {
	return &HistogramCell{
		BaseCell: async.NewBaseCell(table.Name),
		shuttle:  shuttle,
		table:    table,
		macro:    macro,
		bucket:   bucket,
		result:   result,
		instance: instance,
	}
}

func (c *HistogramCell) reply(err *oserror.Error) {
	if c.replied {
		return
	}
	c.replied = true
	c.shuttle.Arrive(CellResult{Instance: c.instance, Err: err})
}

func (c *HistogramCell) Prepare() {
	c.part = c.table.GetPartition(c.Loop.PartitionID)
	c.part.DrainBacklog()
	c.interp = query.NewInterpreter(c.macro, c.result)
	c.interp.Mount(c.part)
}

func (c *HistogramCell) tallyScalar(v int64, set int) {
	key := v
	if c.bucket > 0 {
		key = alignBucket(v, c.bucket)
	}
	c.result.Tally(results.Key1(key), set, 0, 1)
}

func (c *HistogramCell) Run() bool {
	stats.CellsRun.Inc()
	end := c.cursor + sliceSize
	if end > c.part.PersonCount() {
		end = c.part.PersonCount()
	}

	now := async.Now()
	for ; c.cursor < end; c.cursor++ {
		p := c.part.PersonAt(c.cursor)
		v, ok := c.interp.EvalScalar(p)
		if !ok {
			continue
		}
		if len(c.macro.Segments) == 0 {
			c.tallyScalar(v, 0)
			continue
		}
		for set, name := range c.macro.Segments {
			if name == "*" {
				c.tallyScalar(v, set)
				continue
			}
			if seg := c.part.GetSegment(name, now); seg != nil && seg.Members[p.ID] {
				c.tallyScalar(v, set)
			}
		}
	}

	if c.cursor >= c.part.PersonCount() {
		c.reply(nil)
		c.Suicide()
		return false
	}
	return true
}

func (c *HistogramCell) PartitionRemoved() {
	c.reply(partitionRemovedErr())
	c.Suicide()
}
