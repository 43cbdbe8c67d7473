package results

import (
	"testing"

	"github.com/opensetdb/openset/schema"
	"github.com/stretchr/testify/require"
)

func TestInternodeRoundTrip(t *testing.T) {
	rs := New(testColumns(), 2)
	rs.Tally(Key1(5), 0, 0, 1)
	rs.Tally(Key1(5), 1, 1, 12345)
	rs.Tally(Key2(5, 9), 0, 2, 4)
	rs.AddLiteral(5, "shoes")
	rs.AddLiteral(-77, "socks")

	blob := MultiSetToInternode(3, 2, []*ResultSet{rs})
	require.True(t, IsInternode(blob))

	decoded, err := InternodeToResultSet(blob)
	require.NoError(t, err)
	require.Equal(t, rs.RowCount(), decoded.RowCount())
	require.Equal(t, rs.Literals, decoded.Literals)
	for _, key := range rs.Keys() {
		require.Equal(t, rs.Row(key), decoded.Row(key))
	}

	// re-encoding the decode must be bit exact
	blob2 := MultiSetToInternode(3, 2, []*ResultSet{decoded})
	require.Equal(t, blob, blob2)
}

func TestInternodeEmptySet(t *testing.T) {
	sets := []*ResultSet{New(nil, 1), New(nil, 1)}
	blob := MultiSetToInternode(0, 1, sets)
	require.True(t, IsInternode(blob))

	decoded, err := InternodeToResultSet(blob)
	require.NoError(t, err)
	require.Equal(t, 0, decoded.RowCount())
}

func TestInternodeMergesWorkerSets(t *testing.T) {
	cols := []Column{{Name: "count", Type: schema.TypeInt, Acc: AccCount}}
	a := New(cols, 1)
	b := New(cols, 1)
	a.Tally(Key1(1), 0, 0, 1)
	b.Tally(Key1(1), 0, 0, 1)
	b.Tally(Key1(2), 0, 0, 1)

	decoded, err := InternodeToResultSet(MultiSetToInternode(1, 1, []*ResultSet{a, b}))
	require.NoError(t, err)
	require.EqualValues(t, 2, decoded.Row(Key1(1))[0].Value)
	require.EqualValues(t, 1, decoded.Row(Key1(2))[0].Value)
}

func TestIsInternodeRejectsJSON(t *testing.T) {
	require.False(t, IsInternode([]byte(`{"error":{"code":"x"}}`)))
	require.False(t, IsInternode(nil))
	require.False(t, IsInternode([]byte("OSB")))
}

func TestDecodeTruncated(t *testing.T) {
	rs := New(testColumns(), 1)
	rs.Tally(Key1(1), 0, 0, 1)
	blob := MultiSetToInternode(3, 1, []*ResultSet{rs})

	_, err := InternodeToResultSet(blob[:len(blob)-3])
	require.Error(t, err)
}
