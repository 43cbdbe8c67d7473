// Package grid is the per-partition actor store: persons with time-ordered
// events, segment bitmaps, and the text attribute blob. Partition state is
// single-writer: only the owning async worker mutates it. The insert backlog
// is the one exception and carries its own lock; any thread may queue rows,
// the owner's insert cell drains them.
package grid

import "sync"

// Row is one pending insert.
type Row struct {
	UUID   int64
	SID    string
	Stamp  int64
	Values map[string]int64
	Text   map[string]string // column -> literal, for the attribute blob
}

// Segment is a boolean-per-actor result cached on the partition.
type Segment struct {
	Members map[int64]bool
	Stamp   int64 // when it was computed, ms
	TTL     int64 // ms, 0 = no expiry
}

type Partition struct {
	ID int

	backlogMu sync.Mutex
	backlog   []Row

	people map[int64]*Person
	order  []int64 // insertion order, scan order for cells

	segments map[string]*Segment
	blob     map[int64]string // text hash -> literal
}

func NewPartition(id int) *Partition {
	return &Partition{
		ID:       id,
		people:   map[int64]*Person{},
		segments: map[string]*Segment{},
		blob:     map[int64]string{},
	}
}

// QueueRows may be called from any thread.
func (p *Partition) QueueRows(rows []Row) {
	p.backlogMu.Lock()
	p.backlog = append(p.backlog, rows...)
	p.backlogMu.Unlock()
}

func (p *Partition) BacklogSize() int {
	p.backlogMu.Lock()
	defer p.backlogMu.Unlock()
	return len(p.backlog)
}

// DrainBacklog applies pending rows. Owner worker only.
func (p *Partition) DrainBacklog() int {
	p.backlogMu.Lock()
	rows := p.backlog
	p.backlog = nil
	p.backlogMu.Unlock()

	for _, r := range rows {
		person, ok := p.people[r.UUID]
		if !ok {
			person = &Person{ID: r.UUID, SID: r.SID}
			p.people[r.UUID] = person
			p.order = append(p.order, r.UUID)
		}
		for _, lit := range r.Text {
			p.blob[HashText(lit)] = lit
		}
		person.Insert(Event{Stamp: r.Stamp, Values: r.Values})
	}
	return len(rows)
}

func (p *Partition) PersonCount() int {
	return len(p.order)
}

// PersonAt returns the n-th person in scan order.
func (p *Partition) PersonAt(i int) *Person {
	return p.people[p.order[i]]
}

func (p *Partition) GetPerson(uuid int64) *Person {
	return p.people[uuid]
}

func (p *Partition) SetSegment(name string, members map[int64]bool, stamp, ttl int64) {
	p.segments[name] = &Segment{Members: members, Stamp: stamp, TTL: ttl}
}

// GetSegment returns nil for unknown or expired segments.
func (p *Partition) GetSegment(name string, now int64) *Segment {
	s := p.segments[name]
	if s == nil {
		return nil
	}
	if s.TTL > 0 && now-s.Stamp > s.TTL {
		return nil
	}
	return s
}

// TextValue resolves a text hash through the attribute blob.
func (p *Partition) TextValue(hash int64) (string, bool) {
	s, ok := p.blob[hash]
	return s, ok
}
