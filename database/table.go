// Package database holds tables: schema, per-partition grids, and the
// segment registry. Partition grids are created lazily and mutated only by
// their owning worker; the table-level maps use a writer's lock because
// schema and registry updates are rare and reads are hot.
package database

import (
	"sync"

	"github.com/opensetdb/openset/async"
	"github.com/opensetdb/openset/grid"
	"github.com/opensetdb/openset/query"
	"github.com/opensetdb/openset/schema"
)

// DefaultSessionTime is the session-gap threshold (ms) when a table doesn't
// override it: 30 minutes.
const DefaultSessionTime = 30 * 60 * 1000

// DefaultSegmentInterval is how often the per-partition refresh cell wakes.
const DefaultSegmentInterval = 1000

// SegmentDef is a registered named segment: a saved query with optional TTL
// and refresh interval (both ms).
type SegmentDef struct {
	Name    string
	TTL     int64
	Refresh int64
	Macro   *query.Macro
}

type Table struct {
	Name            string
	SessionTime     int64
	SegmentInterval int64

	mu       sync.RWMutex
	columns  *schema.Columns
	parts    map[int]*grid.Partition
	segments map[string]*SegmentDef
}

func NewTable(name string, columns *schema.Columns) *Table {
	return &Table{
		Name:            name,
		SessionTime:     DefaultSessionTime,
		SegmentInterval: DefaultSegmentInterval,
		columns:         columns,
		parts:           map[int]*grid.Partition{},
		segments:        map[string]*SegmentDef{},
	}
}

func (t *Table) Columns() *schema.Columns {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.columns
}

// GetPartition returns the partition grid, creating it on first touch.
func (t *Table) GetPartition(id int) *grid.Partition {
	t.mu.RLock()
	p := t.parts[id]
	t.mu.RUnlock()
	if p != nil {
		return p
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if p = t.parts[id]; p == nil {
		p = grid.NewPartition(id)
		t.parts[id] = p
	}
	return p
}

// SetSegmentTTL registers (or updates) a segment's TTL.
func (t *Table) SetSegmentTTL(name string, ttl int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	def := t.segments[name]
	if def == nil {
		def = &SegmentDef{Name: name}
		t.segments[name] = def
	}
	def.TTL = ttl
}

// SetSegmentRefresh registers a segment's compiled query and refresh
// interval; the per-partition refresh cells re-run it on that cadence.
func (t *Table) SetSegmentRefresh(name string, m *query.Macro, refresh int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	def := t.segments[name]
	if def == nil {
		def = &SegmentDef{Name: name}
		t.segments[name] = def
	}
	def.Macro = m
	def.Refresh = refresh
}

func (t *Table) GetSegment(name string) *SegmentDef {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.segments[name]
}

// RefreshableSegments returns registered segments carrying both a compiled
// query and a refresh interval. Each partition's refresh cell tracks its own
// last-run stamps.
func (t *Table) RefreshableSegments() []*SegmentDef {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*SegmentDef
	for _, def := range t.segments {
		if def.Refresh > 0 && def.Macro != nil {
			out = append(out, def)
		}
	}
	return out
}

type Database struct {
	mu     sync.RWMutex
	tables map[string]*Table
}

func NewDatabase() *Database {
	return &Database{tables: map[string]*Table{}}
}

func (d *Database) GetTable(name string) *Table {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.tables[name]
}

func (d *Database) AddTable(t *Table) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tables[t.Name] = t
}

// DropTable removes a table and purges its cells from every partition loop;
// outstanding shuttles complete through the partitionRemoved hook.
func (d *Database) DropTable(name string, pool *async.Pool) {
	d.mu.Lock()
	delete(d.tables, name)
	d.mu.Unlock()

	if pool != nil {
		pool.PurgeByTable(name)
	}
}

func (d *Database) TableNames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.tables))
	for n := range d.tables {
		names = append(names, n)
	}
	return names
}
