package grid

import (
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Event is one row of an actor's stream. Values are scaled int64 by column
// name; text values are stored as hashes resolvable through the partition's
// attribute blob.
type Event struct {
	Stamp  int64
	Values map[string]int64
}

type Person struct {
	ID     int64
	SID    string
	Events []Event // stamp ascending
}

func (p *Person) Insert(ev Event) {
	i := sort.Search(len(p.Events), func(i int) bool {
		return p.Events[i].Stamp > ev.Stamp
	})
	p.Events = append(p.Events, Event{})
	copy(p.Events[i+1:], p.Events[i:])
	p.Events[i] = ev
}

// Sessions splits the event stream wherever the gap between consecutive
// stamps exceeds gap (milliseconds). gap <= 0 yields one session.
func (p *Person) Sessions(gap int64) [][]Event {
	if len(p.Events) == 0 {
		return nil
	}
	if gap <= 0 {
		return [][]Event{p.Events}
	}
	var out [][]Event
	start := 0
	for i := 1; i < len(p.Events); i++ {
		if p.Events[i].Stamp-p.Events[i-1].Stamp > gap {
			out = append(out, p.Events[start:i])
			start = i
		}
	}
	return append(out, p.Events[start:])
}

// HashActor maps an actor's string id to its int64 uuid. Lowercased first,
// matching ingest, so lookups by sid are case-insensitive.
func HashActor(sid string) int64 {
	return int64(xxhash.Sum64String(strings.ToLower(sid)))
}

// HashText maps a text column value to its stored hash.
func HashText(s string) int64 {
	return int64(xxhash.Sum64String(s))
}

// PartitionForActor is the stable shard function: |hash| mod partitionMax.
func PartitionForActor(uuid int64, partitionMax int) int {
	h := uuid
	if h < 0 {
		h = -h
	}
	return int(h % int64(partitionMax))
}
