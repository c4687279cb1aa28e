package rangeset_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/kvrecord/recordlayer/rangeset"
)

func TestInsertRangeMergesAdjacent(t *testing.T) {
	rs := rangeset.New()
	rs.InsertRange([]byte{0x10}, []byte{0x20})
	rs.InsertRange([]byte{0x20}, []byte{0x30})
	ranges := rs.Ranges()
	require.Len(t, ranges, 1)
	assert.Equal(t, []byte{0x10}, ranges[0][0])
	assert.Equal(t, []byte{0x30}, ranges[0][1])
}

func TestInsertRangeMergesOverlapping(t *testing.T) {
	rs := rangeset.New()
	rs.InsertRange([]byte{0x10}, []byte{0x25})
	rs.InsertRange([]byte{0x20}, []byte{0x30})
	ranges := rs.Ranges()
	require.Len(t, ranges, 1)
	assert.Equal(t, []byte{0x10}, ranges[0][0])
	assert.Equal(t, []byte{0x30}, ranges[0][1])
}

func TestInsertRangeKeepsDisjointRangesSeparate(t *testing.T) {
	rs := rangeset.New()
	rs.InsertRange([]byte{0x10}, []byte{0x20})
	rs.InsertRange([]byte{0x30}, []byte{0x40})
	ranges := rs.Ranges()
	require.Len(t, ranges, 2)
}

func TestMissingRangesFullyUncovered(t *testing.T) {
	rs := rangeset.New()
	missing := rs.MissingRanges([]byte{0x00}, []byte{0xff})
	require.Len(t, missing, 1)
	assert.Equal(t, []byte{0x00}, missing[0][0])
	assert.Equal(t, []byte{0xff}, missing[0][1])
}

func TestMissingRangesPartial(t *testing.T) {
	rs := rangeset.New()
	rs.InsertRange([]byte{0x20}, []byte{0x30})
	missing := rs.MissingRanges([]byte{0x00}, []byte{0x40})
	require.Len(t, missing, 2)
	assert.Equal(t, [2][]byte{{0x00}, {0x20}}, missing[0])
	assert.Equal(t, [2][]byte{{0x30}, {0x40}}, missing[1])
}

func TestMissingRangesFullyCovered(t *testing.T) {
	rs := rangeset.New()
	rs.InsertRange([]byte{0x00}, []byte{0xff})
	assert.Empty(t, rs.MissingRanges([]byte{0x10}, []byte{0x20}))
	assert.True(t, rs.Covers([]byte{0x10}, []byte{0x20}))
}

// byteRangeModel is a reference implementation over a dense byte space
// [0,255] used to check RangeSet against brute force (spec §8 property 10).
type byteRangeModel struct {
	covered [256]bool
}

func (m *byteRangeModel) insert(from, to byte) {
	for b := int(from); b < int(to); b++ {
		m.covered[b] = true
	}
}

func (m *byteRangeModel) missing(from, to byte) [][2]byte {
	var out [][2]byte
	i := int(from)
	for i < int(to) {
		if m.covered[i] {
			i++
			continue
		}
		start := i
		for i < int(to) && !m.covered[i] {
			i++
		}
		out = append(out, [2]byte{byte(start), byte(i)})
	}
	return out
}

func TestRangeSetAgainstModel(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		rs := rangeset.New()
		model := &byteRangeModel{}

		ops := rapid.SliceOfN(rapid.IntRange(0, 254), 0, 20).Draw(t, "froms")
		for _, f := range ops {
			to := f + 1 + rapid.IntRange(0, 254-f).Draw(t, "len")
			if to > 255 {
				to = 255
			}
			rs.InsertRange([]byte{byte(f)}, []byte{byte(to)})
			model.insert(byte(f), byte(to))
		}

		qf := rapid.IntRange(0, 254).Draw(t, "qf")
		qt := qf + 1 + rapid.IntRange(0, 254-qf).Draw(t, "qlen")
		if qt > 255 {
			qt = 255
		}
		got := rs.MissingRanges([]byte{byte(qf)}, []byte{byte(qt)})
		want := model.missing(byte(qf), byte(qt))
		if len(got) != len(want) {
			t.Fatalf("length mismatch: got %d want %d (got=%v want=%v)", len(got), len(want), got, want)
		}
		for i := range want {
			if got[i][0][0] != want[i][0] || got[i][1][0] != want[i][1] {
				t.Fatalf("range %d mismatch: got [%v,%v) want [%v,%v)", i, got[i][0], got[i][1], want[i][0], want[i][1])
			}
		}
	})
}
