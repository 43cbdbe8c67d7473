// Package results implements the per-worker aggregation buffers and the
// mux/demux codec that moves them between nodes and renders them as JSON.
package results

import (
	"math"

	"github.com/opensetdb/openset/schema"
)

// AccType is a column's reducer, carried in the column descriptor so merge
// and render work without the compiled query in hand.
type AccType int8

const (
	AccSum AccType = iota
	AccMin
	AccMax
	AccAvg
	AccCount
	AccValue // replace-first
)

// NoneValue marks an accumulator that has never been tallied.
const NoneValue = math.MinInt64

// Column describes one output column of a result set.
type Column struct {
	Name string
	Type schema.ColumnType
	Acc  AccType
}

// Key is a composite group key. Fixed arity keeps it comparable so it can key
// the row map directly.
type Key struct {
	Depth int8
	K     [4]int64
}

func Key1(v int64) Key {
	return Key{Depth: 1, K: [4]int64{v}}
}

func Key2(a, b int64) Key {
	return Key{Depth: 2, K: [4]int64{a, b}}
}

// Less is a total order on keys, used for deterministic sort tie-breaks.
func (k Key) Less(o Key) bool {
	for i := 0; i < int(k.Depth) && i < int(o.Depth); i++ {
		if k.K[i] != o.K[i] {
			return k.K[i] < o.K[i]
		}
	}
	return k.Depth < o.Depth
}

type Accum struct {
	Value int64
	Count int32
}

// ResultSet is a per-(worker, request) aggregation buffer. Lockless by
// construction: each worker writes only its own set. Row arity is
// len(Columns) * max(1, SetCount); a segmented query lays the same columns
// out once per segment.
type ResultSet struct {
	Columns  []Column
	SetCount int
	Literals map[int64]string

	rows  map[Key][]Accum
	order []Key
}

func New(cols []Column, setCount int) *ResultSet {
	if setCount < 1 {
		setCount = 1
	}
	return &ResultSet{
		Columns:  cols,
		SetCount: setCount,
		Literals: map[int64]string{},
		rows:     map[Key][]Accum{},
	}
}

func (r *ResultSet) arity() int {
	return len(r.Columns) * r.SetCount
}

// Row returns the accumulator row for key, creating it on first touch.
func (r *ResultSet) Row(key Key) []Accum {
	row, ok := r.rows[key]
	if !ok {
		row = make([]Accum, r.arity())
		for i := range row {
			row[i].Value = NoneValue
		}
		r.rows[key] = row
		r.order = append(r.order, key)
	}
	return row
}

// Tally applies value to the accumulator at (key, set, col) according to the
// column's reducer.
func (r *ResultSet) Tally(key Key, set, col int, value int64) {
	row := r.Row(key)
	idx := set*len(r.Columns) + col
	acc := &row[idx]
	reduceInto(acc, r.Columns[col].Acc, value, 1)
}

func reduceInto(acc *Accum, t AccType, value int64, count int32) {
	switch t {
	case AccSum, AccAvg:
		if acc.Value == NoneValue {
			acc.Value = value
		} else {
			acc.Value += value
		}
		acc.Count += count
	case AccCount:
		if acc.Value == NoneValue {
			acc.Value = int64(count)
		} else {
			acc.Value += int64(count)
		}
		acc.Count += count
	case AccMin:
		if acc.Value == NoneValue || value < acc.Value {
			acc.Value = value
		}
		acc.Count += count
	case AccMax:
		if acc.Value == NoneValue || value > acc.Value {
			acc.Value = value
		}
		acc.Count += count
	case AccValue:
		if acc.Value == NoneValue {
			acc.Value = value
		}
		acc.Count += count
	}
}

// mergeAccum folds one already-reduced accumulator into another. Pairwise
// and order-free for every reducer, which is what makes fork replies safe to
// merge in arrival order.
func mergeAccum(dst *Accum, t AccType, src Accum) {
	if src.Value == NoneValue && src.Count == 0 {
		return
	}
	if src.Value == NoneValue {
		dst.Count += src.Count
		return
	}
	switch t {
	case AccSum, AccAvg, AccCount:
		if dst.Value == NoneValue {
			dst.Value = src.Value
		} else {
			dst.Value += src.Value
		}
		dst.Count += src.Count
	case AccMin:
		if dst.Value == NoneValue || src.Value < dst.Value {
			dst.Value = src.Value
		}
		dst.Count += src.Count
	case AccMax:
		if dst.Value == NoneValue || src.Value > dst.Value {
			dst.Value = src.Value
		}
		dst.Count += src.Count
	case AccValue:
		if dst.Value == NoneValue {
			dst.Value = src.Value
		}
		dst.Count += src.Count
	}
}

func (r *ResultSet) AddLiteral(hash int64, text string) {
	r.Literals[hash] = text
}

func (r *ResultSet) RowCount() int {
	return len(r.order)
}

// Keys returns group keys in insertion order.
func (r *ResultSet) Keys() []Key {
	return r.order
}

// MergeSets unions N result sets into one. Keys union in first-seen order
// across the inputs; accumulators reduce pairwise per the column reducer, so
// the merge is associative and commutative up to key order.
func MergeSets(sets []*ResultSet) *ResultSet {
	var out *ResultSet
	for _, s := range sets {
		if s == nil {
			continue
		}
		if out == nil {
			out = New(s.Columns, s.SetCount)
		}
		for hash, text := range s.Literals {
			out.Literals[hash] = text
		}
		for _, key := range s.order {
			src := s.rows[key]
			dst := out.Row(key)
			for i := range src {
				col := i % len(out.Columns)
				mergeAccum(&dst[i], out.Columns[col].Acc, src[i])
			}
		}
	}
	return out
}

// MergeLiterals pushes the compiler's literal table (text constants emitted
// by the script) into each worker set so group keys render as text.
func MergeLiterals(literals map[int64]string, sets []*ResultSet) {
	for _, s := range sets {
		if s == nil {
			continue
		}
		for hash, text := range literals {
			s.Literals[hash] = text
		}
	}
}
