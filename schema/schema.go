// Package schema describes table columns. Doubles are stored as scaled
// fixed-point int64 (x10000) everywhere past the HTTP boundary; text values
// are stored as hashes with the literal kept in the partition blob.
package schema

import "math"

type ColumnType int8

const (
	TypeInt ColumnType = iota
	TypeDouble
	TypeBool
	TypeText
)

func (t ColumnType) String() string {
	switch t {
	case TypeInt:
		return "int"
	case TypeDouble:
		return "double"
	case TypeBool:
		return "bool"
	case TypeText:
		return "text"
	}
	return "na"
}

func ParseColumnType(s string) (ColumnType, bool) {
	switch s {
	case "int":
		return TypeInt, true
	case "double":
		return TypeDouble, true
	case "bool":
		return TypeBool, true
	case "text":
		return TypeText, true
	}
	return 0, false
}

// ScaleFactor converts doubles to their stored fixed-point form. Scaling
// happens exactly once, at the HTTP boundary.
const ScaleFactor = 10000

func ScaleDouble(f float64) int64 {
	return int64(math.Round(f * ScaleFactor))
}

func UnscaleDouble(i int64) float64 {
	return float64(i) / ScaleFactor
}

type Column struct {
	Name  string
	Type  ColumnType
	Index int
}

type Columns struct {
	byName map[string]*Column
	list   []*Column
}

func NewColumns(cols ...Column) *Columns {
	c := &Columns{byName: map[string]*Column{}}
	for _, col := range cols {
		c.Add(col.Name, col.Type)
	}
	return c
}

func (c *Columns) Add(name string, t ColumnType) *Column {
	if existing, ok := c.byName[name]; ok {
		return existing
	}
	col := &Column{Name: name, Type: t, Index: len(c.list)}
	c.byName[name] = col
	c.list = append(c.list, col)
	return col
}

func (c *Columns) Get(name string) *Column {
	return c.byName[name]
}

func (c *Columns) List() []*Column {
	return c.list
}

func (c *Columns) Count() int {
	return len(c.list)
}
