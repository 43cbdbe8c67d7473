package query

import (
	"net/url"
	"testing"

	"github.com/opensetdb/openset/grid"
	"github.com/opensetdb/openset/results"
	"github.com/opensetdb/openset/schema"
	"github.com/stretchr/testify/require"
)

func testSchema() *schema.Columns {
	return schema.NewColumns(
		schema.Column{Name: "product", Type: schema.TypeText},
		schema.Column{Name: "price", Type: schema.TypeDouble},
		schema.Column{Name: "qty", Type: schema.TypeInt},
		schema.Column{Name: "member", Type: schema.TypeBool},
	)
}

func TestCompileAggregates(t *testing.T) {
	code := `aggregate:
    count people as visitors
    sum price as revenue
    count events
match product is 'shoes'
group product`

	m, err := Compile(code, testSchema(), nil)
	require.Nil(t, err)
	require.Len(t, m.ColumnVars, 3)
	require.Equal(t, "visitors", m.ColumnVars[0].Alias)
	require.Equal(t, results.AccCount, m.ColumnVars[0].Acc)
	require.Equal(t, "revenue", m.ColumnVars[1].Alias)
	require.Equal(t, results.AccSum, m.ColumnVars[1].Acc)
	require.Equal(t, schema.TypeDouble, m.ColumnVars[1].Type)
	require.Equal(t, "events", m.ColumnVars[2].Alias)

	require.Equal(t, "product", m.GroupBy)
	require.NotNil(t, m.Filter)
	require.Equal(t, OpEq, m.Filter.Op)
	require.Equal(t, grid.HashText("shoes"), m.Filter.Value)
	require.Equal(t, "shoes", m.Literals[grid.HashText("shoes")])
}

func TestCompileDoubleFilterIsScaled(t *testing.T) {
	m, err := Compile("match price >= 9.99", testSchema(), nil)
	require.Nil(t, err)
	require.EqualValues(t, 99900, m.Filter.Value)
	require.Equal(t, OpGte, m.Filter.Op)
}

func TestCompileErrors(t *testing.T) {
	cases := []struct {
		name string
		code string
	}{
		{"unknown column", "match nope is 'x'"},
		{"unknown aggregate", "aggregate:\n    median price"},
		{"text aggregate", "aggregate:\n    sum product"},
		{"unquoted text", "match product is shoes"},
		{"text range", "match product > 'shoes'"},
		{"bad statement", "frobnicate the things"},
		{"bad return", "return median(price)"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Compile(tc.code, testSchema(), nil)
			require.NotNil(t, err)
			require.Equal(t, "syntax_error", string(err.Code))
		})
	}
}

func TestCompileTallyMarshal(t *testing.T) {
	m, err := Compile("tally('group', 1)", testSchema(), nil)
	require.Nil(t, err)
	require.True(t, m.UsesMarshal("tally"))
}

func TestCompileReturn(t *testing.T) {
	m, err := Compile("return sum(price)", testSchema(), nil)
	require.Nil(t, err)
	require.Equal(t, results.AccSum, m.Return.Acc)
	require.Equal(t, "price", m.Return.Column)

	m, err = Compile("return count", testSchema(), nil)
	require.Nil(t, err)
	require.Equal(t, results.AccCount, m.Return.Acc)
	require.Empty(t, m.Return.Column)
}

func TestParamSubstitution(t *testing.T) {
	vals := url.Values{}
	vals.Set("str_target", "shoes")
	vals.Set("dbl_floor", "2.5")
	params := ParamsFromQuery(vals)

	m, err := Compile("match product is {target}", testSchema(), params)
	require.Nil(t, err)
	require.Equal(t, grid.HashText("shoes"), m.Filter.Value)

	m, err = Compile("match price > {floor}", testSchema(), params)
	require.Nil(t, err)
	require.EqualValues(t, 25000, m.Filter.Value)
}

func TestExtractSections(t *testing.T) {
	code := `@segment heavy ttl=60000 refresh=30000
match qty > 5
@use heavy
@column product bucket=2
aggregate:
    count people`

	sections := ExtractSections(code)
	require.Len(t, sections, 3)

	require.Equal(t, "segment", sections[0].Type)
	require.Equal(t, "heavy", sections[0].Name)
	require.EqualValues(t, 60000, sections[0].Flags["ttl"])
	require.EqualValues(t, 30000, sections[0].Flags["refresh"])
	require.Contains(t, sections[0].Code, "match qty > 5")

	require.Equal(t, "use", sections[1].Type)
	require.Equal(t, "heavy", sections[1].Name)

	require.Equal(t, "column", sections[2].Type)
	require.EqualValues(t, 2, sections[2].Flags["bucket"])
}

func TestExtractSectionsFloatFlagsAndLists(t *testing.T) {
	sections := ExtractSections(`@segment big
match qty > 5
@use big, heavy
@histogram spend bucket=2.5
return sum(price)`)
	require.Len(t, sections, 3)

	// a spaced list survives as the whole name
	require.Equal(t, "use", sections[1].Type)
	require.Equal(t, "big, heavy", sections[1].Name)

	// fractional flags are kept, not dropped
	require.Equal(t, "histogram", sections[2].Type)
	require.Equal(t, "spend", sections[2].Name)
	require.EqualValues(t, 2.5, sections[2].Flags["bucket"])
}

func TestExtractSectionsPreamble(t *testing.T) {
	sections := ExtractSections("aggregate:\n    count people\n@segment s\nmatch qty > 1")
	require.Len(t, sections, 2)
	require.Equal(t, "query", sections[0].Type)
	require.Contains(t, sections[0].Code, "count people")
}

func TestMacroSetCount(t *testing.T) {
	m := &Macro{}
	require.Equal(t, 1, m.SetCount())
	m.Segments = []string{"a", "b", "*"}
	require.Equal(t, 3, m.SetCount())
}
