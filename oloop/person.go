package oloop

import (
	"encoding/json"

	"github.com/opensetdb/openset/async"
	"github.com/opensetdb/openset/database"
	"github.com/opensetdb/openset/oserror"
	"github.com/opensetdb/openset/schema"
)

// PersonResult is the single-actor drill-down payload.
type PersonResult struct {
	JSON []byte
	Err  *oserror.Error
}

// PersonCell reads one actor's event grid and renders it as JSON. Runs only
// on the node owning the actor's partition.
type PersonCell struct {
	async.BaseCell
	shuttle *async.Shuttle[PersonResult]
	table   *database.Table
	uuid    int64

	replied bool
}

func NewPersonCell(shuttle *async.Shuttle[PersonResult], table *database.Table, uuid int64) *PersonCell {
	return &PersonCell{
		BaseCell: async.NewBaseCell(table.Name),
		shuttle:  shuttle,
		table:    table,
		uuid:     uuid,
	}
}

func (c *PersonCell) reply(r PersonResult) {
	if c.replied {
		return
	}
	c.replied = true
	c.shuttle.Arrive(r)
}

func (c *PersonCell) Prepare() {}

type personEventJSON struct {
	Stamp  int64          `json:"stamp"`
	Values map[string]any `json:"values"`
}

type personJSON struct {
	ID     int64             `json:"id"`
	SID    string            `json:"sid,omitempty"`
	Events []personEventJSON `json:"events"`
}

func (c *PersonCell) Run() bool {
	part := c.table.GetPartition(c.Loop.PartitionID)
	part.DrainBacklog()

	p := part.GetPerson(c.uuid)
	if p == nil {
		c.reply(PersonResult{Err: oserror.New(oserror.ClassQuery, oserror.CodeGeneralError, "person not found")})
		c.Suicide()
		return false
	}

	cols := c.table.Columns()
	out := personJSON{ID: p.ID, SID: p.SID, Events: []personEventJSON{}}
	for _, ev := range p.Events {
		values := map[string]any{}
		for name, v := range ev.Values {
			col := cols.Get(name)
			if col == nil {
				values[name] = v
				continue
			}
			switch col.Type {
			case schema.TypeDouble:
				values[name] = schema.UnscaleDouble(v)
			case schema.TypeBool:
				values[name] = v != 0
			case schema.TypeText:
				if text, ok := part.TextValue(v); ok {
					values[name] = text
				} else {
					values[name] = v
				}
			default:
				values[name] = v
			}
		}
		out.Events = append(out.Events, personEventJSON{Stamp: ev.Stamp, Values: values})
	}

	body, err := json.Marshal(out)
	if err != nil {
		c.reply(PersonResult{Err: oserror.New(oserror.ClassQuery, oserror.CodeGeneralError, "error rendering person")})
	} else {
		c.reply(PersonResult{JSON: body})
	}
	c.Suicide()
	return false
}

func (c *PersonCell) PartitionRemoved() {
	c.reply(PersonResult{Err: partitionRemovedErr()})
	c.Suicide()
}
