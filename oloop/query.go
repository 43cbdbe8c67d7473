// Package oloop holds the resumable cells the partition scheduler runs:
// query, segment, column, histogram, person, plus the standing insert and
// segment-refresh cells. Cells own no cluster resources; they reference
// their shuttle, table, and result buffer, and complete the shuttle exactly
// once, including on partition removal.
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

// sliceSize is how many actors a scan cell processes before yielding.
const sliceSize = 1000

// CellResult is what scan cells deposit on their shuttle.
type CellResult struct {
	Instance int
	Err      *oserror.Error
}

func partitionRemovedErr() *oserror.Error {
	return oserror.New(oserror.ClassQuery, oserror.CodeGeneralError, "partition migrated - please retry query")
}

// QueryCell evaluates one compiled query against every actor in its
// partition, tallying into the shared per-worker result set.
type QueryCell struct {
	async.BaseCell
	shuttle  *async.Shuttle[CellResult]
	table    *database.Table
	macro    *query.Macro
	result   *results.ResultSet
	instance int

	part    *grid.Partition
	interp  *query.Interpreter
	cursor  int
	replied bool
}

func NewQueryCell(shuttle *async.Shuttle[CellResult], table *database.Table, macro *query.Macro, result *results.ResultSet, instance int) *QueryCell {
	return &QueryCell{
		BaseCell: async.NewBaseCell(table.Name),
		shuttle:  shuttle,
		table:    table,
		macro:    macro,
		result:   result,
		instance: instance,
	}
}

func (c *QueryCell) reply(err *oserror.Error) {
	if c.replied {
		return
	}
	c.replied = true
	c.shuttle.Arrive(CellResult{Instance: c.instance, Err: err})
}

func (c *QueryCell) Prepare() {
	c.part = c.table.GetPartition(c.Loop.PartitionID)
	c.part.DrainBacklog()

	now := async.Now()
	for _, name := range c.macro.Segments {
		if name == "*" {
			continue
		}
		if c.part.GetSegment(name, now) == nil {
			c.reply(oserror.New(oserror.ClassQuery, oserror.CodeGeneralError, "missing segment '"+name+"'"))
			c.Suicide()
			return
		}
	}

	c.interp = query.NewInterpreter(c.macro, c.result)
	c.interp.Mount(c.part)
}

func (c *QueryCell) Run() bool {
	stats.CellsRun.Inc()
	end := c.cursor + sliceSize
	if end > c.part.PersonCount() {
		end = c.part.PersonCount()
	}

	now := async.Now()
	for ; c.cursor < end; c.cursor++ {
		p := c.part.PersonAt(c.cursor)
		if len(c.macro.Segments) == 0 {
			c.interp.ExecPerson(p, 0)
			continue
		}
		for set, name := range c.macro.Segments {
			if name == "*" {
				c.interp.ExecPerson(p, set)
				continue
			}
			if seg := c.part.GetSegment(name, now); seg != nil && seg.Members[p.ID] {
				c.interp.ExecPerson(p, set)
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

func (c *QueryCell) PartitionRemoved() {
	c.reply(partitionRemovedErr())
	c.Suicide()
}
