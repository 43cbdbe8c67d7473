package results

import (
	"testing"

	"github.com/opensetdb/openset/schema"
	"github.com/stretchr/testify/require"
)

func TestSetsToJSONRendering(t *testing.T) {
	rs := New(testColumns(), 1)
	rs.Tally(Key1(100), 0, 0, 1)
	rs.Tally(Key1(100), 0, 1, 25000) // scaled double, 2.5
	rs.AddLiteral(100, "shoes")

	j := SetsToJSON([]*ResultSet{rs})
	require.Len(t, j.Rows, 1)
	require.Equal(t, "shoes", j.Rows[0].Group)
	require.EqualValues(t, 1, j.Rows[0].Cols[0])
	require.EqualValues(t, 2.5, j.Rows[0].Cols[1])
	// never-tallied min column renders null
	require.Nil(t, j.Rows[0].Cols[2])
}

func TestSetsToJSONAverages(t *testing.T) {
	rs := New([]Column{{Name: "spend", Type: schema.TypeDouble, Acc: AccAvg}}, 1)
	rs.Tally(Key1(1), 0, 0, schema.ScaleDouble(1.0))
	rs.Tally(Key1(1), 0, 0, schema.ScaleDouble(2.0))

	j := SetsToJSON([]*ResultSet{rs})
	require.Len(t, j.Rows, 1)
	require.EqualValues(t, 1.5, j.Rows[0].Cols[0])
}

func TestSetsToJSONEmpty(t *testing.T) {
	j := SetsToJSON(nil)
	require.NotNil(t, j.Rows)
	require.Len(t, j.Rows, 0)
}

func TestUnscaleGroups(t *testing.T) {
	rs := New([]Column{{Name: "count", Type: schema.TypeInt, Acc: AccCount}}, 1)
	rs.Tally(Key1(schema.ScaleDouble(2.5)), 0, 0, 1)
	rs.Tally(Key1(100), 0, 0, 1)
	rs.AddLiteral(100, "shoes")

	j := SetsToJSON([]*ResultSet{rs})
	UnscaleGroups(j)

	require.Len(t, j.Rows, 2)
	require.EqualValues(t, 2.5, j.Rows[0].Group)
	// literal groups keep their text
	require.Equal(t, "shoes", j.Rows[1].Group)
}

func buildSortable(t *testing.T) *JSONResult {
	t.Helper()
	rs := New([]Column{{Name: "count", Type: schema.TypeInt, Acc: AccCount}}, 1)
	for key, n := range map[int64]int{3: 1, 1: 5, 2: 3} {
		for i := 0; i < n; i++ {
			rs.Tally(Key1(key), 0, 0, 1)
		}
	}
	return SetsToJSON([]*ResultSet{rs})
}

func TestSortByGroup(t *testing.T) {
	j := buildSortable(t)
	SortByGroup(j, Asc)
	require.EqualValues(t, int64(1), j.Rows[0].Group)
	require.EqualValues(t, int64(3), j.Rows[2].Group)

	SortByGroup(j, Desc)
	require.EqualValues(t, int64(3), j.Rows[0].Group)
}

func TestSortByColumnWithTieBreak(t *testing.T) {
	rs := New([]Column{{Name: "count", Type: schema.TypeInt, Acc: AccCount}}, 1)
	rs.Tally(Key1(9), 0, 0, 1)
	rs.Tally(Key1(4), 0, 0, 1) // same count, key decides
	rs.Tally(Key1(7), 0, 0, 1)
	rs.Tally(Key1(7), 0, 0, 1)

	j := SetsToJSON([]*ResultSet{rs})
	SortByColumn(j, Desc, 0)
	require.EqualValues(t, int64(7), j.Rows[0].Group)
	require.EqualValues(t, int64(9), j.Rows[1].Group)
	require.EqualValues(t, int64(4), j.Rows[2].Group)
}

func TestTrim(t *testing.T) {
	j := buildSortable(t)
	SortByGroup(j, Asc)

	Trim(j, -1)
	require.Len(t, j.Rows, 3)

	Trim(j, 2)
	require.Len(t, j.Rows, 2)
	require.EqualValues(t, int64(1), j.Rows[0].Group)

	Trim(j, 10)
	require.Len(t, j.Rows, 2)
}

func TestHistogramFill(t *testing.T) {
	rs := New([]Column{{Name: "g", Type: schema.TypeInt, Acc: AccCount}}, 1)
	rs.Tally(Key1(10), 0, 0, 1)
	rs.Tally(Key1(40), 0, 0, 1)

	j := SetsToJSON([]*ResultSet{rs})
	HistogramFill(j, 10, ForceNone, ForceNone)

	require.Len(t, j.Rows, 4)
	require.EqualValues(t, int64(10), j.Rows[0].Group)
	require.EqualValues(t, int64(0), j.Rows[1].Cols[0]) // bucket 20, absent
	require.EqualValues(t, int64(0), j.Rows[2].Cols[0]) // bucket 30, absent
	require.EqualValues(t, int64(40), j.Rows[3].Group)
}

func TestHistogramFillForcedBounds(t *testing.T) {
	rs := New([]Column{{Name: "g", Type: schema.TypeInt, Acc: AccCount}}, 1)
	rs.Tally(Key1(20), 0, 0, 1)

	j := SetsToJSON([]*ResultSet{rs})
	HistogramFill(j, 10, 0, 50)
	require.Len(t, j.Rows, 6)
	require.EqualValues(t, int64(0), j.Rows[0].Group)
	require.EqualValues(t, int64(50), j.Rows[5].Group)
}

func TestHistogramFillNegativeBuckets(t *testing.T) {
	// cells align keys before tallying; fill only adds the gaps
	rs := New([]Column{{Name: "g", Type: schema.TypeInt, Acc: AccCount}}, 1)
	rs.Tally(Key1(-20), 0, 0, 1)
	rs.Tally(Key1(10), 0, 0, 1)

	j := SetsToJSON([]*ResultSet{rs})
	HistogramFill(j, 10, ForceNone, ForceNone)

	require.Len(t, j.Rows, 4)
	require.EqualValues(t, int64(-20), j.Rows[0].Group)
	require.EqualValues(t, int64(0), j.Rows[1].Cols[0])
	require.EqualValues(t, int64(0), j.Rows[2].Cols[0])
	require.EqualValues(t, int64(10), j.Rows[3].Group)
}
