package oloop

import (
	"regexp"
	"strings"

	"github.com/opensetdb/openset/async"
	"github.com/opensetdb/openset/database"
	"github.com/opensetdb/openset/grid"
	"github.com/opensetdb/openset/oserror"
	"github.com/opensetdb/openset/results"
	"github.com/opensetdb/openset/schema"
	"github.com/opensetdb/openset/stats"
)

type ColumnQueryMode int8

const (
	ModeAll ColumnQueryMode = iota
	ModeEq
	ModeGt
	ModeGte
	ModeLt
	ModeLte
	ModeBetween
	ModeRx
	ModeSub
)

// ColumnQueryConfig is a column-distribution query: no script, just a column
// and a filter. Low/High/Bucket are already coerced to stored form (scaled
// doubles, hashed text) by the handler.
type ColumnQueryConfig struct {
	Name string
	Type schema.ColumnType
	Mode ColumnQueryMode

	Low    int64
	High   int64
	Bucket int64

	Rx  *regexp.Regexp
	Sub string

	Segments []string
}

// ColumnColumns is the result shape: actor count per distinct value.
func ColumnColumns() []results.Column {
	return []results.Column{{Name: "count", Type: schema.TypeInt, Acc: results.AccCount}}
}

// ColumnCell scans distinct values of one column per actor, counting actors
// per value (optionally bucketed, optionally per segment).
type ColumnCell struct {
	async.BaseCell
	shuttle  *async.Shuttle[CellResult]
	table    *database.Table
	config   ColumnQueryConfig
	result   *results.ResultSet
	instance int

	part    *grid.Partition
	cursor  int
	replied bool
}

func NewColumnCell(shuttle *async.Shuttle[CellResult], table *database.Table, config ColumnQueryConfig, result *results.ResultSet, instance int) *ColumnCell {
	return &ColumnCell{
		BaseCell: async.NewBaseCell(table.Name),
		shuttle:  shuttle,
		table:    table,
		config:   config,
		result:   result,
		instance: instance,
	}
}

func (c *ColumnCell) reply(err *oserror.Error) {
	if c.replied {
		return
	}
	c.replied = true
	c.shuttle.Arrive(CellResult{Instance: c.instance, Err: err})
}

func (c *ColumnCell) Prepare() {
	c.part = c.table.GetPartition(c.Loop.PartitionID)
	c.part.DrainBacklog()
}

// matchValue applies the coerced filter to one stored value.
func (c *ColumnCell) matchValue(v int64) bool {
	switch c.config.Mode {
	case ModeAll:
		return true
	case ModeEq:
		return v == c.config.Low
	case ModeGt:
		return v > c.config.Low
	case ModeGte:
		return v >= c.config.Low
	case ModeLt:
		return v < c.config.Low
	case ModeLte:
		return v <= c.config.Low
	case ModeBetween:
		return v >= c.config.Low && v <= c.config.High
	case ModeRx, ModeSub:
		text, ok := c.part.TextValue(v)
		if !ok {
			return false
		}
		if c.config.Mode == ModeRx {
			return c.config.Rx.MatchString(text)
		}
		return c.config.Sub != "" && strings.Contains(text, c.config.Sub)
	}
	return false
}

func (c *ColumnCell) Run() bool {
	stats.CellsRun.Inc()
	end := c.cursor + sliceSize
	if end > c.part.PersonCount() {
		end = c.part.PersonCount()
	}

	now := async.Now()
	for ; c.cursor < end; c.cursor++ {
		p := c.part.PersonAt(c.cursor)

		distinct := map[int64]bool{}
		for _, ev := range p.Events {
			v, ok := ev.Values[c.config.Name]
			if !ok || !c.matchValue(v) {
				continue
			}
			key := v
			if c.config.Bucket > 0 && c.config.Type != schema.TypeText {
				key = alignBucket(v, c.config.Bucket)
			}
			distinct[key] = true
		}

		for key := range distinct {
			if c.config.Type == schema.TypeText {
				if text, ok := c.part.TextValue(key); ok {
					c.result.AddLiteral(key, text)
				}
			}
			if len(c.config.Segments) == 0 {
				c.result.Tally(results.Key1(key), 0, 0, 1)
				continue
			}
			for set, name := range c.config.Segments {
				if name == "*" {
					c.result.Tally(results.Key1(key), set, 0, 1)
					continue
				}
				if seg := c.part.GetSegment(name, now); seg != nil && seg.Members[p.ID] {
					c.result.Tally(results.Key1(key), set, 0, 1)
				}
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

func (c *ColumnCell) PartitionRemoved() {
	c.reply(partitionRemovedErr())
	c.Suicide()
}

func alignBucket(v, bucket int64) int64 {
	f := v / bucket * bucket
	if v < 0 && v%bucket != 0 {
		f -= bucket
	}
	return f
}
