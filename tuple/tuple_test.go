package tuple_test

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/kvrecord/recordlayer/tuple"
)

func TestRoundTripBasicTypes(t *testing.T) {
	cases := []tuple.Tuple{
		{nil},
		{true, false},
		{int64(0), int64(-1), int64(1), int64(-9223372036854775808), int64(9223372036854775807)},
		{float32(1.5), float64(-2.25)},
		{[]byte("hello"), "world"},
		{"with\x00null"},
		{uuid.MustParse("00000000-0000-0000-0000-000000000001")},
		{tuple.Tuple{int64(1), "nested"}, int64(2)},
	}
	for _, c := range cases {
		packed, err := tuple.Pack(c)
		require.NoError(t, err)
		got, err := tuple.Unpack(packed)
		require.NoError(t, err)
		assert.Equal(t, []tuple.Element(c), []tuple.Element(got))
	}
}

func TestNestedTuplePrefixProperty(t *testing.T) {
	full := tuple.Tuple{"a", "bb", int64(3)}
	prefix := tuple.Tuple{"a", "bb"}

	fullPacked, err := tuple.Pack(full)
	require.NoError(t, err)
	prefixPacked, err := tuple.Pack(prefix)
	require.NoError(t, err)

	assert.True(t, bytes.HasPrefix(fullPacked, prefixPacked),
		"packing the first k elements must be a byte-prefix of packing the whole tuple")
}

func TestVersionstampedPack(t *testing.T) {
	data, pos, err := tuple.PackVersionstamped(tuple.Tuple{"idx", tuple.Incomplete{UserVersion: 7}})
	require.NoError(t, err)
	require.GreaterOrEqual(t, pos, 0)
	require.LessOrEqual(t, pos+12, len(data))

	stamp := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	copy(data[pos:pos+12], stamp)

	got, err := tuple.Unpack(data)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "idx", got[0])
}

func TestMalformedTuple(t *testing.T) {
	_, err := tuple.Unpack([]byte{0x01, 'a'}) // bytes run missing terminator
	require.Error(t, err)
	var mt *tuple.MalformedTuple
	assert.ErrorAs(t, err, &mt)
}

func TestUnsupportedElement(t *testing.T) {
	_, err := tuple.Pack(tuple.Tuple{struct{}{}})
	require.Error(t, err)
	var ue *tuple.UnsupportedElement
	assert.ErrorAs(t, err, &ue)
}

// genElement produces one random, Pack-supported tuple element.
func genElement(t *rapid.T) tuple.Element {
	kind := rapid.IntRange(0, 5).Draw(t, "kind")
	switch kind {
	case 0:
		return nil
	case 1:
		return rapid.Bool().Draw(t, "bool")
	case 2:
		return rapid.Int64().Draw(t, "int64")
	case 3:
		return rapid.Float64().Draw(t, "float64")
	case 4:
		return rapid.String().Draw(t, "string")
	default:
		return []byte(rapid.String().Draw(t, "bytes"))
	}
}

func TestRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 6).Draw(t, "n")
		tup := make(tuple.Tuple, n)
		for i := range tup {
			tup[i] = genElement(t)
		}
		packed, err := tuple.Pack(tup)
		if err != nil {
			t.Fatalf("pack: %v", err)
		}
		got, err := tuple.Unpack(packed)
		if err != nil {
			t.Fatalf("unpack: %v", err)
		}
		if len(got) != len(tup) {
			t.Fatalf("length mismatch: got %d want %d", len(got), len(tup))
		}
		for i := range tup {
			a, b := tup[i], got[i]
			af, aok := a.(float64)
			bf, bok := b.(float64)
			if aok && bok {
				if af != bf && !(af != af && bf != bf) { // NaN != NaN, treat as equal
					t.Fatalf("float mismatch at %d: %v != %v", i, af, bf)
				}
				continue
			}
			if ab, ok := a.([]byte); ok {
				bb, _ := b.([]byte)
				if !bytes.Equal(ab, bb) {
					t.Fatalf("bytes mismatch at %d", i)
				}
				continue
			}
			if a != b {
				t.Fatalf("element mismatch at %d: %#v != %#v", i, a, b)
			}
		}
	})
}

func TestOrderPreservingInt(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := rapid.Int64().Draw(t, "a")
		b := rapid.Int64().Draw(t, "b")
		cmp, err := tuple.Compare(tuple.Tuple{a}, tuple.Tuple{b})
		if err != nil {
			t.Fatalf("compare: %v", err)
		}
		switch {
		case a < b:
			if cmp >= 0 {
				t.Fatalf("expected %d < %d to pack as <, got cmp=%d", a, b, cmp)
			}
		case a > b:
			if cmp <= 0 {
				t.Fatalf("expected %d > %d to pack as >, got cmp=%d", a, b, cmp)
			}
		default:
			if cmp != 0 {
				t.Fatalf("expected equal ints to pack equal, got cmp=%d", cmp)
			}
		}
	})
}

func TestOrderPreservingString(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := rapid.String().Draw(t, "a")
		b := rapid.String().Draw(t, "b")
		cmp, err := tuple.Compare(tuple.Tuple{a}, tuple.Tuple{b})
		if err != nil {
			t.Fatalf("compare: %v", err)
		}
		want := bytes.Compare([]byte(a), []byte(b))
		if (cmp < 0) != (want < 0) || (cmp > 0) != (want > 0) {
			t.Fatalf("string order mismatch: a=%q b=%q cmp=%d want=%d", a, b, cmp, want)
		}
	})
}

func TestNullSortsFirst(t *testing.T) {
	cmp, err := tuple.Compare(tuple.Tuple{nil}, tuple.Tuple{int64(-9223372036854775808)})
	require.NoError(t, err)
	assert.Negative(t, cmp)
}
