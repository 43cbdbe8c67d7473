package results

import (
	"math"
	"sort"

	"github.com/opensetdb/openset/schema"
)

type Order int8

const (
	Asc Order = iota
	Desc
)

func ParseOrder(s string) Order {
	if s == "asc" {
		return Asc
	}
	return Desc
}

// SortMode selects what the originator sorts merged rows by.
type SortMode int8

const (
	SortNone SortMode = iota
	SortKey
	SortColumn
)

// Row is one rendered result group. Group is the rendered key (literal text
// when the blob carries it), Cols the rendered accumulators.
type Row struct {
	Group any   `json:"g"`
	Cols  []any `json:"c"`

	key  Key
	nums []float64
}

// JSONResult is the originator's reply payload: `{"_":[...]}`.
type JSONResult struct {
	Rows []*Row `json:"_"`
}

// SetsToJSON merges N decoded fork replies and materialises them as JSON
// rows in merged insertion order. The sets carry their own column
// descriptors, so no compiled query is needed on the originator.
func SetsToJSON(sets []*ResultSet) *JSONResult {
	merged := MergeSets(sets)
	out := &JSONResult{Rows: []*Row{}}
	if merged == nil || len(merged.Columns) == 0 {
		return out
	}

	for _, key := range merged.order {
		accums := merged.rows[key]
		row := &Row{key: key}

		if key.Depth <= 1 {
			row.Group = renderKeyPart(key.K[0], merged.Literals)
		} else {
			parts := make([]any, key.Depth)
			for i := 0; i < int(key.Depth); i++ {
				parts[i] = renderKeyPart(key.K[i], merged.Literals)
			}
			row.Group = parts
		}

		row.Cols = make([]any, len(accums))
		row.nums = make([]float64, len(accums))
		for i, acc := range accums {
			col := merged.Columns[i%len(merged.Columns)]
			row.Cols[i], row.nums[i] = renderAccum(acc, col)
		}
		out.Rows = append(out.Rows, row)
	}
	return out
}

func renderKeyPart(v int64, literals map[int64]string) any {
	if text, ok := literals[v]; ok {
		return text
	}
	return v
}

func renderAccum(acc Accum, col Column) (any, float64) {
	if acc.Value == NoneValue {
		// never tallied; count-style columns read as zero
		if col.Acc == AccCount || col.Acc == AccSum {
			return int64(0), 0
		}
		return nil, math.Inf(-1)
	}
	switch col.Acc {
	case AccAvg:
		if acc.Count == 0 {
			return nil, math.Inf(-1)
		}
		avg := float64(acc.Value) / float64(acc.Count)
		if col.Type == schema.TypeDouble {
			avg /= schema.ScaleFactor
		}
		return avg, avg
	case AccCount:
		return acc.Value, float64(acc.Value)
	default:
		if col.Type == schema.TypeDouble {
			f := schema.UnscaleDouble(acc.Value)
			return f, f
		}
		return acc.Value, float64(acc.Value)
	}
}

// UnscaleGroups rewrites numeric group keys into their client-facing double
// form. The blob carries no key type, so originators whose group key is a
// double column call this at the JSON boundary; literal (text) groups are
// untouched.
func UnscaleGroups(j *JSONResult) {
	for _, r := range j.Rows {
		if v, ok := r.Group.(int64); ok {
			r.Group = schema.UnscaleDouble(v)
		}
	}
}

// SortByGroup orders rows lexicographically by group key.
func SortByGroup(j *JSONResult, order Order) {
	sort.SliceStable(j.Rows, func(a, b int) bool {
		less := j.Rows[a].key.Less(j.Rows[b].key)
		if order == Desc {
			return j.Rows[b].key.Less(j.Rows[a].key)
		}
		return less
	})
}

// SortByColumn orders rows by a nominated output column with a total
// tie-break on the group key, keeping results reproducible.
func SortByColumn(j *JSONResult, order Order, column int) {
	sort.SliceStable(j.Rows, func(a, b int) bool {
		ra, rb := j.Rows[a], j.Rows[b]
		var va, vb float64
		if column >= 0 && column < len(ra.nums) {
			va, vb = ra.nums[column], rb.nums[column]
		}
		if va != vb {
			if order == Desc {
				return va > vb
			}
			return va < vb
		}
		if order == Desc {
			return rb.key.Less(ra.key)
		}
		return ra.key.Less(rb.key)
	})
}

// Trim keeps the first n rows post-sort; n < 0 keeps everything.
func Trim(j *JSONResult, n int) {
	if n < 0 || n >= len(j.Rows) {
		return
	}
	j.Rows = j.Rows[:n]
}

// ForceNone is the sentinel for "use the observed bound" in HistogramFill.
const ForceNone = math.MinInt64

// HistogramFill expands the key space to every bucket between the observed
// (or forced) min and max, assigning zero rows to absent buckets. Buckets
// are aligned to zero: every key is floor(key/bucket)*bucket.
func HistogramFill(j *JSONResult, bucket, forceMin, forceMax int64) {
	if bucket <= 0 || len(j.Rows) == 0 {
		return
	}

	present := map[int64]*Row{}
	low, high := int64(math.MaxInt64), int64(math.MinInt64)
	arity := 0
	for _, r := range j.Rows {
		k := floorAlign(r.key.K[0], bucket)
		present[k] = r
		if k < low {
			low = k
		}
		if k > high {
			high = k
		}
		arity = len(r.Cols)
	}

	if forceMin != ForceNone {
		low = floorAlign(forceMin, bucket)
	}
	if forceMax != ForceNone {
		high = floorAlign(forceMax, bucket)
	}

	var rows []*Row
	for k := low; k <= high; k += bucket {
		if r, ok := present[k]; ok {
			rows = append(rows, r)
			continue
		}
		zero := &Row{Group: k, key: Key1(k)}
		zero.Cols = make([]any, arity)
		zero.nums = make([]float64, arity)
		for i := range zero.Cols {
			zero.Cols[i] = int64(0)
		}
		rows = append(rows, zero)
	}
	j.Rows = rows
}

func floorAlign(v, bucket int64) int64 {
	f := v / bucket * bucket
	if v < 0 && v%bucket != 0 {
		f -= bucket
	}
	return f
}
