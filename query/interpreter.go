package query

import (
	"github.com/opensetdb/openset/grid"
	"github.com/opensetdb/openset/results"
)

// Interpreter evaluates one compiled query against actors in a single
// partition, tallying into the per-worker result set. One interpreter per
// cell; never shared across workers.
type Interpreter struct {
	Macro  *Macro
	Result *results.ResultSet

	part *grid.Partition
}

func NewInterpreter(m *Macro, result *results.ResultSet) *Interpreter {
	return &Interpreter{Macro: m, Result: result}
}

// Mount points the interpreter at a partition (for text literal resolution
// and segment bitmaps).
func (it *Interpreter) Mount(part *grid.Partition) {
	it.part = part
}

// matchedEvents applies the compiled filter.
func (it *Interpreter) matchedEvents(p *grid.Person) []grid.Event {
	if it.Macro.Filter == nil {
		return p.Events
	}
	var out []grid.Event
	for _, ev := range p.Events {
		if it.Macro.Filter.MatchEvent(ev) {
			out = append(out, ev)
		}
	}
	return out
}

// ExecPerson runs the script for one actor, tallying aggregates into result
// slot `set` (the segment index).
func (it *Interpreter) ExecPerson(p *grid.Person, set int) {
	matched := it.matchedEvents(p)
	if len(matched) == 0 {
		return
	}

	groups := map[int64][]grid.Event{}
	var order []int64
	if it.Macro.GroupBy == "" {
		key := grid.HashText(DefaultGroup)
		groups[key] = matched
		order = append(order, key)
	} else {
		for _, ev := range matched {
			v, ok := ev.Values[it.Macro.GroupBy]
			if !ok {
				continue
			}
			if _, seen := groups[v]; !seen {
				order = append(order, v)
			}
			groups[v] = append(groups[v], ev)
		}
	}

	sessions := p.Sessions(it.Macro.SessionTime)

	for _, keyVal := range order {
		events := groups[keyVal]
		key := results.Key1(keyVal)
		if it.part != nil {
			if text, ok := it.part.TextValue(keyVal); ok {
				it.Result.AddLiteral(keyVal, text)
			}
		}

		for col, cv := range it.Macro.ColumnVars {
			switch {
			case cv.Acc == results.AccCount && cv.Column == "people":
				it.Result.Tally(key, set, col, 1)
			case cv.Acc == results.AccCount && cv.Column == "events":
				for range events {
					it.Result.Tally(key, set, col, 1)
				}
			case cv.Acc == results.AccCount && cv.Column == "sessions":
				for n := 0; n < countSessions(sessions, events); n++ {
					it.Result.Tally(key, set, col, 1)
				}
			default:
				for _, ev := range events {
					if v, ok := ev.Values[cv.Column]; ok {
						it.Result.Tally(key, set, col, v)
					}
				}
			}
		}
	}
}

// countSessions counts how many of the actor's sessions contain at least one
// of the matched events.
func countSessions(sessions [][]grid.Event, events []grid.Event) int {
	count := 0
	for _, sess := range sessions {
		if len(sess) == 0 {
			continue
		}
		lo, hi := sess[0].Stamp, sess[len(sess)-1].Stamp
		for _, ev := range events {
			if ev.Stamp >= lo && ev.Stamp <= hi {
				count++
				break
			}
		}
	}
	return count
}

// MatchPerson reports segment membership: the actor matches when at least
// one event passes the filter.
func (it *Interpreter) MatchPerson(p *grid.Person) bool {
	if it.Macro.Filter == nil {
		return len(p.Events) > 0
	}
	for _, ev := range p.Events {
		if it.Macro.Filter.MatchEvent(ev) {
			return true
		}
	}
	return false
}

// EvalScalar computes the histogram `return` value for one actor. ok is
// false when the actor has no matching events.
func (it *Interpreter) EvalScalar(p *grid.Person) (int64, bool) {
	matched := it.matchedEvents(p)
	if len(matched) == 0 || it.Macro.Return == nil {
		return 0, false
	}

	ret := it.Macro.Return
	if ret.Acc == results.AccCount && ret.Column == "" {
		return int64(len(matched)), true
	}

	var sum, minV, maxV int64
	n := 0
	for _, ev := range matched {
		v, ok := ev.Values[ret.Column]
		if !ok {
			continue
		}
		if n == 0 {
			minV, maxV = v, v
		} else {
			if v < minV {
				minV = v
			}
			if v > maxV {
				maxV = v
			}
		}
		sum += v
		n++
	}
	if n == 0 {
		return 0, false
	}

	switch ret.Acc {
	case results.AccSum:
		return sum, true
	case results.AccMin:
		return minV, true
	case results.AccMax:
		return maxV, true
	case results.AccAvg:
		return sum / int64(n), true
	case results.AccCount:
		return int64(n), true
	}
	return 0, false
}
