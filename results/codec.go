package results

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/opensetdb/openset/schema"
)

// Internode blobs carry a stable magic so a fork reply can never be mistaken
// for a JSON error body (or the reverse), regardless of what either starts
// with.
var internodeMagic = [4]byte{'O', 'S', 'B', '1'}

// IsInternode reports whether a reply body is a binary result-set blob.
func IsInternode(b []byte) bool {
	return len(b) >= len(internodeMagic) && bytes.Equal(b[:4], internodeMagic[:])
}

// MultiSetToInternode merges the per-worker sets for one fork and serialises
// them into a single internode blob. Encoding is deterministic: rows in
// merged insertion order, literals sorted by hash.
func MultiSetToInternode(columnCount, setCount int, sets []*ResultSet) []byte {
	merged := MergeSets(sets)
	if merged == nil {
		merged = New(nil, setCount)
	}
	if setCount < 1 {
		setCount = 1
	}

	var buf bytes.Buffer
	buf.Write(internodeMagic[:])

	w := func(v any) {
		_ = binary.Write(&buf, binary.LittleEndian, v)
	}

	w(int32(columnCount))
	w(int32(setCount))

	w(int32(len(merged.Columns)))
	for _, c := range merged.Columns {
		name := []byte(c.Name)
		w(uint16(len(name)))
		buf.Write(name)
		w(int8(c.Type))
		w(int8(c.Acc))
	}

	w(int32(merged.RowCount()))
	for _, key := range merged.order {
		w(key.Depth)
		for i := 0; i < int(key.Depth); i++ {
			w(key.K[i])
		}
		for _, acc := range merged.rows[key] {
			w(acc.Value)
			w(acc.Count)
		}
	}

	hashes := make([]int64, 0, len(merged.Literals))
	for h := range merged.Literals {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool { return hashes[i] < hashes[j] })
	w(int32(len(hashes)))
	for _, h := range hashes {
		text := []byte(merged.Literals[h])
		w(h)
		w(uint16(len(text)))
		buf.Write(text)
	}

	return buf.Bytes()
}

// InternodeToResultSet decodes a blob produced by MultiSetToInternode.
func InternodeToResultSet(b []byte) (*ResultSet, error) {
	if !IsInternode(b) {
		return nil, fmt.Errorf("not an internode result blob")
	}
	r := bytes.NewReader(b[4:])

	var readErr error
	rd := func(v any) {
		if readErr == nil {
			readErr = binary.Read(r, binary.LittleEndian, v)
		}
	}

	var columnCount, setCount, colDescCount int32
	rd(&columnCount)
	rd(&setCount)
	rd(&colDescCount)

	cols := make([]Column, 0, colDescCount)
	for i := int32(0); i < colDescCount && readErr == nil; i++ {
		var nameLen uint16
		rd(&nameLen)
		name := make([]byte, nameLen)
		if readErr == nil {
			_, readErr = r.Read(name)
		}
		var ctype, acc int8
		rd(&ctype)
		rd(&acc)
		cols = append(cols, Column{Name: string(name), Type: schema.ColumnType(ctype), Acc: AccType(acc)})
	}
	if readErr != nil {
		return nil, fmt.Errorf("truncated internode blob: %w", readErr)
	}

	set := New(cols, int(setCount))
	arity := set.arity()

	var rowCount int32
	rd(&rowCount)
	for i := int32(0); i < rowCount && readErr == nil; i++ {
		var key Key
		rd(&key.Depth)
		for d := 0; d < int(key.Depth); d++ {
			rd(&key.K[d])
		}
		row := make([]Accum, arity)
		for a := 0; a < arity; a++ {
			rd(&row[a].Value)
			rd(&row[a].Count)
		}
		if readErr == nil {
			set.rows[key] = row
			set.order = append(set.order, key)
		}
	}

	var litCount int32
	rd(&litCount)
	for i := int32(0); i < litCount && readErr == nil; i++ {
		var hash int64
		var textLen uint16
		rd(&hash)
		rd(&textLen)
		text := make([]byte, textLen)
		if readErr == nil {
			_, readErr = r.Read(text)
		}
		if readErr == nil {
			set.Literals[hash] = string(text)
		}
	}

	if readErr != nil {
		return nil, fmt.Errorf("truncated internode blob: %w", readErr)
	}
	return set, nil
}
