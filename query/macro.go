// Package query is the scripting front end the core consumes: a compiler
// that binds script text to a table schema and produces a Macro (the
// compiled query), and the per-actor interpreter the cells run. The dialect
// is line oriented:
//
//	aggregate:
//	    count people as visitors
//	    sum price as revenue
//	match product is 'shoes'
//	group product
//	return sum(price)
//
// plus @segment/@column/@histogram/@use section headers for batch scripts.
package query

import (
	"net/url"
	"strings"

	"github.com/opensetdb/openset/grid"
	"github.com/opensetdb/openset/results"
	"github.com/opensetdb/openset/schema"
)

type FilterOp int8

const (
	OpEq FilterOp = iota
	OpNe
	OpGt
	OpGte
	OpLt
	OpLte
)

// Filter is a compiled event predicate. Value is already scaled (double
// columns) or hashed (text columns).
type Filter struct {
	Column string
	Op     FilterOp
	Value  int64
}

func (f *Filter) MatchEvent(ev grid.Event) bool {
	v, ok := ev.Values[f.Column]
	if !ok {
		return false
	}
	switch f.Op {
	case OpEq:
		return v == f.Value
	case OpNe:
		return v != f.Value
	case OpGt:
		return v > f.Value
	case OpGte:
		return v >= f.Value
	case OpLt:
		return v < f.Value
	case OpLte:
		return v <= f.Value
	}
	return false
}

// ColumnVar is one declared output column of a compiled query.
type ColumnVar struct {
	Alias  string
	Column string
	Acc    results.AccType
	Type   schema.ColumnType
	Index  int
}

// ReturnExpr is the scalar a histogram script yields per actor.
type ReturnExpr struct {
	Acc    results.AccType
	Column string
}

// Macro is the compiled query: the opaque value the rest of the engine
// carries around.
type Macro struct {
	ColumnVars []ColumnVar
	Filter     *Filter
	GroupBy    string
	Return     *ReturnExpr

	Segments    []string
	SessionTime int64

	IsSegment      bool
	SegmentName    string
	SegmentTTL     int64
	SegmentRefresh int64

	// referenced marshal set, e.g. "tally"
	Marshals map[string]bool

	// literal table: text constants the script referenced, merged into
	// results unchanged
	Literals map[int64]string
}

func (m *Macro) UsesMarshal(name string) bool {
	return m.Marshals[name]
}

// ResultColumns maps the declared output columns to result descriptors.
func (m *Macro) ResultColumns() []results.Column {
	out := make([]results.Column, len(m.ColumnVars))
	for i, cv := range m.ColumnVars {
		out[i] = results.Column{Name: cv.Alias, Type: cv.Type, Acc: cv.Acc}
	}
	return out
}

// SetCount is the segment multiplier for result arity.
func (m *Macro) SetCount() int {
	if len(m.Segments) == 0 {
		return 1
	}
	return len(m.Segments)
}

// ParamVars are inline script parameter overrides, typed by query-string
// prefix and substituted for `{name}` placeholders before compiling.
type ParamVars map[string]string

func ParamsFromQuery(values url.Values) ParamVars {
	vars := ParamVars{}
	for key, vals := range values {
		if len(vals) == 0 {
			continue
		}
		val := vals[0]
		switch {
		case strings.HasPrefix(key, "str_"):
			if name := strings.TrimSpace(key[4:]); name != "" {
				vars[name] = "'" + val + "'"
			}
		case strings.HasPrefix(key, "int_"), strings.HasPrefix(key, "dbl_"):
			if name := strings.TrimSpace(key[4:]); name != "" {
				vars[name] = val
			}
		case strings.HasPrefix(key, "bool_"):
			if name := strings.TrimSpace(key[5:]); name != "" {
				vars[name] = val
			}
		}
	}
	return vars
}

func (v ParamVars) substitute(code string) string {
	for name, val := range v {
		code = strings.ReplaceAll(code, "{"+name+"}", val)
	}
	return code
}
