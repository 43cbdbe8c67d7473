package query

import (
	"strconv"
	"strings"

	"github.com/opensetdb/openset/grid"
	"github.com/opensetdb/openset/oserror"
	"github.com/opensetdb/openset/results"
	"github.com/opensetdb/openset/schema"
)

// DefaultGroup is the group key used when a script declares no `group`.
const DefaultGroup = "_"

func syntaxErr(msg string) *oserror.Error {
	return oserror.New(oserror.ClassParse, oserror.CodeSyntaxError, msg)
}

// Compile binds script text to a table schema and produces the Macro.
func Compile(code string, cols *schema.Columns, params ParamVars) (*Macro, *oserror.Error) {
	if params != nil {
		code = params.substitute(code)
	}

	m := &Macro{
		Marshals: map[string]bool{},
		Literals: map[int64]string{},
	}
	if strings.Contains(code, "tally(") {
		m.Marshals["tally"] = true
	}

	inAggregate := false
	for lineNo, raw := range strings.Split(code, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if line == "aggregate:" {
			inAggregate = true
			continue
		}

		fields := strings.Fields(line)
		keyword := fields[0]

		switch keyword {
		case "match", "group", "return":
			inAggregate = false
		}

		if inAggregate {
			if err := m.compileAggregate(line, cols); err != nil {
				return nil, err
			}
			continue
		}

		switch keyword {
		case "match":
			if err := m.compileMatch(fields, cols); err != nil {
				return nil, err
			}
		case "group":
			if len(fields) != 2 {
				return nil, syntaxErr("group expects a single column")
			}
			if cols.Get(fields[1]) == nil {
				return nil, syntaxErr("unknown column '" + fields[1] + "'")
			}
			m.GroupBy = fields[1]
		case "return":
			if err := m.compileReturn(line, cols); err != nil {
				return nil, err
			}
		default:
			if strings.Contains(line, "tally(") {
				continue // marshal call, recorded above
			}
			return nil, syntaxErr("unrecognized statement on line " + strconv.Itoa(lineNo+1) + ": " + line)
		}
	}

	m.Literals[grid.HashText(DefaultGroup)] = DefaultGroup
	return m, nil
}

func (m *Macro) compileAggregate(line string, cols *schema.Columns) *oserror.Error {
	alias := ""
	if i := strings.Index(line, " as "); i >= 0 {
		alias = strings.TrimSpace(line[i+4:])
		line = strings.TrimSpace(line[:i])
	}

	fields := strings.Fields(line)
	if len(fields) != 2 {
		return syntaxErr("bad aggregate entry: " + line)
	}
	fn, target := fields[0], fields[1]
	if alias == "" {
		alias = target
	}

	cv := ColumnVar{Alias: alias, Column: target, Index: len(m.ColumnVars)}

	switch fn {
	case "count":
		cv.Acc = results.AccCount
		cv.Type = schema.TypeInt
		switch target {
		case "people", "events", "sessions":
		default:
			if cols.Get(target) == nil {
				return syntaxErr("unknown column '" + target + "'")
			}
		}
	case "sum", "min", "max", "avg":
		col := cols.Get(target)
		if col == nil {
			return syntaxErr("unknown column '" + target + "'")
		}
		if col.Type != schema.TypeInt && col.Type != schema.TypeDouble {
			return syntaxErr("aggregate '" + fn + "' requires a numeric column")
		}
		cv.Type = col.Type
		switch fn {
		case "sum":
			cv.Acc = results.AccSum
		case "min":
			cv.Acc = results.AccMin
		case "max":
			cv.Acc = results.AccMax
		case "avg":
			cv.Acc = results.AccAvg
		}
	default:
		return syntaxErr("unknown aggregate '" + fn + "'")
	}

	m.ColumnVars = append(m.ColumnVars, cv)
	return nil
}

var filterOps = map[string]FilterOp{
	"is": OpEq, "=": OpEq, "==": OpEq,
	"!=": OpNe, "isnt": OpNe,
	">": OpGt, ">=": OpGte,
	"<": OpLt, "<=": OpLte,
}

func (m *Macro) compileMatch(fields []string, cols *schema.Columns) *oserror.Error {
	if len(fields) < 4 {
		return syntaxErr("match expects: match <column> <op> <value>")
	}
	col := cols.Get(fields[1])
	if col == nil {
		return syntaxErr("unknown column '" + fields[1] + "'")
	}
	op, ok := filterOps[fields[2]]
	if !ok {
		return syntaxErr("unknown match operator '" + fields[2] + "'")
	}

	rawValue := strings.Join(fields[3:], " ")
	value, err := m.coerceValue(rawValue, col)
	if err != nil {
		return err
	}

	if col.Type == schema.TypeText && op != OpEq && op != OpNe {
		return syntaxErr("text columns only support is/isnt matches")
	}

	m.Filter = &Filter{Column: col.Name, Op: op, Value: value}
	return nil
}

// coerceValue converts a script literal into stored form: scaled fixed-point
// for doubles, hash (plus literal-table entry) for text.
func (m *Macro) coerceValue(raw string, col *schema.Column) (int64, *oserror.Error) {
	if strings.HasPrefix(raw, "'") && strings.HasSuffix(raw, "'") && len(raw) >= 2 {
		text := raw[1 : len(raw)-1]
		if col.Type != schema.TypeText {
			return 0, syntaxErr("text literal used against " + col.Type.String() + " column '" + col.Name + "'")
		}
		hash := grid.HashText(text)
		m.Literals[hash] = text
		return hash, nil
	}

	switch col.Type {
	case schema.TypeText:
		return 0, syntaxErr("text column '" + col.Name + "' requires a quoted literal")
	case schema.TypeBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return 0, syntaxErr("bad bool literal: " + raw)
		}
		if b {
			return 1, nil
		}
		return 0, nil
	case schema.TypeDouble:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, syntaxErr("bad number literal: " + raw)
		}
		return schema.ScaleDouble(f), nil
	default:
		i, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, syntaxErr("bad integer literal: " + raw)
		}
		return i, nil
	}
}

func (m *Macro) compileReturn(line string, cols *schema.Columns) *oserror.Error {
	expr := strings.TrimSpace(strings.TrimPrefix(line, "return"))
	if expr == "count" {
		m.Return = &ReturnExpr{Acc: results.AccCount}
		return nil
	}

	open := strings.Index(expr, "(")
	if open < 0 || !strings.HasSuffix(expr, ")") {
		return syntaxErr("return expects count or <agg>(<column>)")
	}
	fn := expr[:open]
	target := strings.TrimSpace(expr[open+1 : len(expr)-1])

	col := cols.Get(target)
	if col == nil {
		return syntaxErr("unknown column '" + target + "'")
	}
	if col.Type != schema.TypeInt && col.Type != schema.TypeDouble {
		return syntaxErr("return requires a numeric column")
	}

	ret := &ReturnExpr{Column: col.Name}
	switch fn {
	case "sum":
		ret.Acc = results.AccSum
	case "min":
		ret.Acc = results.AccMin
	case "max":
		ret.Acc = results.AccMax
	case "avg":
		ret.Acc = results.AccAvg
	case "count":
		ret.Acc = results.AccCount
	default:
		return syntaxErr("unknown return aggregate '" + fn + "'")
	}
	m.Return = ret
	return nil
}
